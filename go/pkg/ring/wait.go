package ring

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"ats-engine/go/pkg/shared"
)

// WaitStrategy parks a producer waiting for capacity or a consumer waiting
// for a published sequence.
type WaitStrategy interface {
	// Wait returns true once ready reports true, false if done closed first.
	Wait(ready func() bool, done <-chan struct{}) bool
	// SignalAll wakes parked waiters after a cursor moved.
	SignalAll()
}

// ParseWaitStrategy maps a configured name onto a strategy.
func ParseWaitStrategy(name string) (WaitStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", shared.WaitSleeping:
		return NewSleepingWait(), nil
	case shared.WaitBlocking:
		return NewBlockingWait(), nil
	case shared.WaitYielding:
		return NewYieldingWait(), nil
	case shared.WaitBusySpin:
		return BusySpinWait{}, nil
	}
	return nil, fmt.Errorf("%w: unknown wait strategy %q", shared.ErrConfigurationInvalid, name)
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

const (
	sleepSpins  = 200
	sleepYields = 100
	sleepPark   = 100 * time.Microsecond
	yieldSpins  = 100
)

// SleepingWait spins, then yields, then parks briefly.
type SleepingWait struct {
	park time.Duration
}

func NewSleepingWait() *SleepingWait { return &SleepingWait{park: sleepPark} }

func (w *SleepingWait) Wait(ready func() bool, done <-chan struct{}) bool {
	for n := 0; ; n++ {
		if ready() {
			return true
		}
		if closed(done) {
			return false
		}
		switch {
		case n < sleepSpins:
		case n < sleepSpins+sleepYields:
			runtime.Gosched()
		default:
			time.Sleep(w.park)
		}
	}
}

func (w *SleepingWait) SignalAll() {}

// BlockingWait parks on a condition variable until a cursor moves.
type BlockingWait struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func NewBlockingWait() *BlockingWait {
	w := &BlockingWait{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *BlockingWait) Wait(ready func() bool, done <-chan struct{}) bool {
	if ready() {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for !ready() {
		if closed(done) {
			return false
		}
		w.cond.Wait()
	}
	return true
}

// SignalAll takes the lock so a waiter between its ready check and
// cond.Wait cannot miss the wakeup.
func (w *BlockingWait) SignalAll() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// YieldingWait spins a bounded number of times then yields the processor.
type YieldingWait struct{}

func NewYieldingWait() YieldingWait { return YieldingWait{} }

func (YieldingWait) Wait(ready func() bool, done <-chan struct{}) bool {
	for n := 0; ; n++ {
		if ready() {
			return true
		}
		if closed(done) {
			return false
		}
		if n >= yieldSpins {
			runtime.Gosched()
		}
	}
}

func (YieldingWait) SignalAll() {}

// BusySpinWait never gives up the processor.
type BusySpinWait struct{}

func (BusySpinWait) Wait(ready func() bool, done <-chan struct{}) bool {
	for {
		if ready() {
			return true
		}
		if closed(done) {
			return false
		}
	}
}

func (BusySpinWait) SignalAll() {}
