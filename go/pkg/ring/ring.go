// Package ring implements the pre-allocated ring-buffer stages the engine
// is built from: one producer cursor, per-slot publish flags and a set of
// consumer cursors that gate wrap-around.
package ring

import (
	"sync"
	"sync/atomic"
)

// Sequence is a cursor isolated on its own cache line.
type Sequence struct {
	_ [56]byte
	v atomic.Int64
	_ [56]byte
}

func newSequence(v int64) *Sequence {
	s := &Sequence{}
	s.v.Store(v)
	return s
}

func (s *Sequence) Load() int64 { return s.v.Load() }

type ProducerType int

const (
	SingleProducer ProducerType = iota
	MultiProducer
)

// Ring is a power-of-two buffer of pre-allocated slots.
type Ring[T any] struct {
	mask int64
	size int64
	buf  []T
	// published[i] holds the last sequence committed into slot i.
	published []atomic.Int64
	claim     *Sequence
	multi     bool

	gmu   sync.RWMutex
	gates []*Sequence
}

func New[T any](size int, pt ProducerType) *Ring[T] {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and power of two")
	}
	r := &Ring[T]{
		mask:      int64(size - 1),
		size:      int64(size),
		buf:       make([]T, size),
		published: make([]atomic.Int64, size),
		claim:     newSequence(-1),
		multi:     pt == MultiProducer,
	}
	for i := range r.published {
		r.published[i].Store(int64(i) - int64(size))
	}
	return r
}

func (r *Ring[T]) Size() int64 { return r.size }

// Get returns the slot for seq. The caller must own seq.
func (r *Ring[T]) Get(seq int64) *T { return &r.buf[seq&r.mask] }

// AddGate registers a consumer cursor the producer may not lap.
func (r *Ring[T]) AddGate(s *Sequence) {
	r.gmu.Lock()
	r.gates = append(r.gates, s)
	r.gmu.Unlock()
}

func (r *Ring[T]) minGate(fallback int64) int64 {
	r.gmu.RLock()
	defer r.gmu.RUnlock()
	if len(r.gates) == 0 {
		return fallback
	}
	lo := r.gates[0].Load()
	for _, g := range r.gates[1:] {
		if v := g.Load(); v < lo {
			lo = v
		}
	}
	return lo
}

// Claimed is the highest sequence handed to a producer.
func (r *Ring[T]) Claimed() int64 { return r.claim.Load() }

// Reserve claims the next sequence and waits until its slot is free.
// It returns false if done closed while waiting.
func (r *Ring[T]) Reserve(w WaitStrategy, done <-chan struct{}) (int64, bool) {
	var next int64
	if r.multi {
		next = r.claim.v.Add(1)
	} else {
		next = r.claim.v.Load() + 1
		r.claim.v.Store(next)
	}
	wrap := next - r.size
	if wrap > r.minGate(next) {
		ok := w.Wait(func() bool { return wrap <= r.minGate(next) }, done)
		if !ok {
			return next, false
		}
	}
	return next, true
}

// TryReserve claims the next sequence only if its slot is already free.
func (r *Ring[T]) TryReserve() (int64, bool) {
	for {
		cur := r.claim.v.Load()
		next := cur + 1
		if next-r.size > r.minGate(next) {
			return 0, false
		}
		if !r.multi {
			r.claim.v.Store(next)
			return next, true
		}
		if r.claim.v.CompareAndSwap(cur, next) {
			return next, true
		}
	}
}

// Commit publishes seq to consumers.
func (r *Ring[T]) Commit(seq int64) {
	r.published[seq&r.mask].Store(seq)
}

func (r *Ring[T]) IsPublished(seq int64) bool {
	return r.published[seq&r.mask].Load() == seq
}

// HighestPublished scans forward from 'from' and returns the last sequence of
// the contiguous published run, or from-1 when from itself is not published.
func (r *Ring[T]) HighestPublished(from, limit int64) int64 {
	for s := from; s <= limit; s++ {
		if !r.IsPublished(s) {
			return s - 1
		}
	}
	return limit
}

// RemainingCapacity is the number of slots a producer could claim without waiting.
func (r *Ring[T]) RemainingCapacity() int64 {
	claimed := r.claim.Load()
	used := claimed - r.minGate(claimed)
	return r.size - used
}
