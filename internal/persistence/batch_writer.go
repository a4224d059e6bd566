package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlushFunc writes one batch. It is called from a single goroutine at a time.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchWriter buffers items and flushes them when the buffer is full or on an interval.
type BatchWriter[T any] struct {
	flush       FlushFunc[T]
	log         *zap.Logger
	buffer      []T
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	lastMu      sync.Mutex
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max items before auto-flush
// interval: time-based flush interval
func NewBatchWriter[T any](flush FlushFunc[T], maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter[T] {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter[T]{
		flush:       flush,
		log:         log.Named("batch_writer"),
		buffer:      make([]T, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Add appends an item to the batch.
func (bw *BatchWriter[T]) Add(item T) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, item)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// Flush immediately writes all buffered items.
func (bw *BatchWriter[T]) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	items := bw.buffer
	bw.buffer = make([]T, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(items)
}

func (bw *BatchWriter[T]) executeBatch(items []T) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(items)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.lastMu.Lock()
	bw.metrics.LastBatchSize = len(items)
	bw.metrics.LastFlushTime = time.Now()
	bw.lastMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bw.flush(ctx, items); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("flush failed", zap.Int("items", len(items)), zap.Error(err))
		return err
	}
	bw.log.Debug("flushed batch", zap.Int("items", len(items)))
	return nil
}

func (bw *BatchWriter[T]) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			// final flush before shutdown
			_ = bw.Flush()
			return
		}
	}
}

// Pending returns the number of buffered items.
func (bw *BatchWriter[T]) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter[T]) GetMetrics() BatchWriterMetrics {
	bw.lastMu.Lock()
	size, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.lastMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the background goroutine.
func (bw *BatchWriter[T]) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
