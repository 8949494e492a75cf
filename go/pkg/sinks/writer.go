// Package sinks persists stage events off the hot path. Handlers enqueue a
// copy into a bounded queue; a background loop flushes batches on size or
// cadence. A full queue or an unreachable target drops rows and counts them.
package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

const flushTimeout = 2 * time.Second

// Flusher writes one batch to the external target.
type Flusher[T any] interface {
	Flush(ctx context.Context, batch []T) error
}

type writerMetrics struct {
	written  prometheus.Counter
	dropped  prometheus.Counter
	flushDur prometheus.Observer
}

func newWriterMetrics(name string) writerMetrics {
	return writerMetrics{
		written: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_rows_written_total",
			Help: "Rows flushed by a persistence sink",
		}, []string{"sink"}).WithLabelValues(name),
		dropped: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_rows_dropped_total",
			Help: "Rows dropped because the sink queue was full or the target failed",
		}, []string{"sink"}).WithLabelValues(name),
		flushDur: shared.NewHistVec(prometheus.HistogramOpts{
			Name:    "sink_flush_seconds",
			Help:    "Flush duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		}, []string{"sink"}).WithLabelValues(name),
	}
}

// BatchWriter is a stage handler backed by a Flusher.
type BatchWriter[T any] struct {
	name      string
	flusher   Flusher[T]
	batchSize int
	every     time.Duration
	log       shared.Logger
	m         writerMetrics

	queue     chan T
	closeOnce sync.Once
	done      chan struct{}
}

func NewBatchWriter[T any](name string, f Flusher[T], cfg shared.GraceConfig, log shared.Logger) *BatchWriter[T] {
	if log == nil {
		log = shared.NopLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16384
	}
	if cfg.FlushGrace <= 0 {
		cfg.FlushGrace = time.Second
	}
	return &BatchWriter[T]{
		name:      name,
		flusher:   f,
		batchSize: cfg.BatchSize,
		every:     cfg.FlushGrace,
		log:       log,
		m:         newWriterMetrics(name),
		queue:     make(chan T, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

func (w *BatchWriter[T]) Name() string { return w.name }

// OnEvent copies ev into the queue without blocking.
func (w *BatchWriter[T]) OnEvent(ev *T, _ int64, _ bool) error {
	select {
	case w.queue <- *ev:
	default:
		w.m.dropped.Inc()
	}
	return nil
}

// Start runs the flush loop until Close. When ctx ends the pending batch is
// flushed early, but the loop keeps reading so rows drained from the stages
// during shutdown still reach the target.
func (w *BatchWriter[T]) Start(ctx context.Context) {
	go w.run(ctx)
}

// Close stops accepting rows, flushes what is queued and waits for the loop.
// The stage feeding this writer must already be shut down.
func (w *BatchWriter[T]) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
}

func (w *BatchWriter[T]) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()
	batch := make([]T, 0, w.batchSize)
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-done:
			// queue close finishes the drain
			batch = w.flush(batch)
			done = nil
		}
	}
}

func (w *BatchWriter[T]) flush(batch []T) []T {
	if len(batch) == 0 {
		return batch
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	err := w.flusher.Flush(ctx, batch)
	cancel()
	w.m.flushDur.Observe(time.Since(start).Seconds())
	if err != nil {
		w.m.dropped.Add(float64(len(batch)))
		w.log.Warnf("[%s] dropped %d rows: %v", w.name, len(batch), fmt.Errorf("%w: %w", shared.ErrSinkUnavailable, err))
	} else {
		w.m.written.Add(float64(len(batch)))
	}
	return batch[:0]
}
