package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopWaitsForTask(t *testing.T) {
	var exited atomic.Bool
	task := Spawn(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
	})

	task.Stop()
	assert.True(t, exited.Load())
	task.Stop()

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTaskEndsOnParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	task := Spawn(parent, func(ctx context.Context) { <-ctx.Done() })
	cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not observe parent cancellation")
	}
}

func TestGroupStopAll(t *testing.T) {
	g := NewGroup()
	var stopped atomic.Int32
	for i := 0; i < 3; i++ {
		g.Spawn(context.Background(), func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}
	g.Spawn(context.Background(), func(context.Context) {})

	require.Eventually(t, func() bool { return g.Len() == 3 }, time.Second, 5*time.Millisecond)
	g.StopAll()
	assert.EqualValues(t, 3, stopped.Load())
	require.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, 5*time.Millisecond)
}
