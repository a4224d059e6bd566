// Package scheduler runs cancellable background tasks.
package scheduler

import (
	"context"
	"sync"
)

// Task is a goroutine bound to its own context. Stop cancels the context
// and waits for the goroutine to return.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Spawn starts fn in a new goroutine with a child of parent.
func Spawn(parent context.Context, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		fn(ctx)
	}()
	return t
}

// Cancel signals the task without waiting.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Stop cancels the task and blocks until it has returned. Calling Stop from
// inside the task deadlocks; use Cancel there.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.Cancel()
	<-t.done
}

// Done is closed once the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Group tracks a set of tasks so they can be stopped together.
type Group struct {
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// NewGroup creates an empty Group.
func NewGroup() *Group {
	return &Group{tasks: make(map[*Task]struct{})}
}

// Spawn starts a task that is removed from the group when it returns.
func (g *Group) Spawn(parent context.Context, fn func(ctx context.Context)) *Task {
	t := Spawn(parent, fn)
	g.mu.Lock()
	g.tasks[t] = struct{}{}
	g.mu.Unlock()
	go func() {
		<-t.Done()
		g.mu.Lock()
		delete(g.tasks, t)
		g.mu.Unlock()
	}()
	return t
}

// Len returns the number of running tasks.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// StopAll stops every running task and waits for them.
func (g *Group) StopAll() {
	g.mu.Lock()
	tasks := make([]*Task, 0, len(g.tasks))
	for t := range g.tasks {
		tasks = append(tasks, t)
	}
	g.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		<-t.Done()
	}
}
