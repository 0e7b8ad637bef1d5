package registry

import (
	"context"
	"sync"
	"time"

	"github.com/shockline/engine/internal/model"
)

// Mode distinguishes how an Awaiter's matching events complete it, mirroring
// spec §3's Awaiter invariant ("some requests accumulate partials and complete
// on a terminal event; others complete on first matching event") plus the
// subscription style needed by SubscribeNews/StreamQuote.
type Mode int

const (
	// ModeOneShot completes on the first terminal-matching event.
	ModeOneShot Mode = iota
	// ModeAccumulate buffers partials and completes on a terminal event.
	ModeAccumulate
	// ModeSubscription never completes; every matching event is forwarded
	// to Stream() until the caller cancels it.
	ModeSubscription
)

// State is the final disposition of an Awaiter (spec §8 invariant: exactly
// one of resolved/failed/timedout/cancelled occurs).
type State int

const (
	StatePending State = iota
	StateResolved
	StateFailed
	StateTimedOut
	StateCancelled
)

// Awaiter is a single-shot (or subscription) completion handle for one
// outstanding BrokerRequest. The registry exclusively owns it; callers only
// ever read it through Wait/Stream/Progress.
type Awaiter struct {
	ReqID     uint64
	Kind      model.RequestKind
	Mode      Mode
	CreatedAt time.Time
	TimeoutAt time.Time

	mu       sync.Mutex
	state    State
	payload  any
	err      error
	partials []*model.BrokerEvent

	done     chan struct{}
	stream   chan model.BrokerEvent
	progress chan model.BrokerEvent

	closeOnce sync.Once
}

func newAwaiter(reqID uint64, kind model.RequestKind, mode Mode, timeout time.Duration) *Awaiter {
	now := time.Now()
	a := &Awaiter{
		ReqID:     reqID,
		Kind:      kind,
		Mode:      mode,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
	if timeout > 0 {
		a.TimeoutAt = now.Add(timeout)
	}
	if mode == ModeSubscription {
		a.stream = make(chan model.BrokerEvent, 256)
	}
	if kind == model.ReqPlaceOrder {
		a.progress = make(chan model.BrokerEvent, 8)
	}
	return a
}

// Wait blocks until the awaiter reaches a terminal state or ctx is done.
// Only valid for ModeOneShot / ModeAccumulate awaiters.
func (a *Awaiter) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.payload, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream exposes the raw event channel for a ModeSubscription awaiter.
func (a *Awaiter) Stream() <-chan model.BrokerEvent { return a.stream }

// Progress exposes intermediate OrderStatus events for a PlaceOrder awaiter.
func (a *Awaiter) Progress() <-chan model.BrokerEvent { return a.progress }

// State returns the current terminal state (StatePending if still open).
func (a *Awaiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// complete resolves a pending awaiter. It returns ErrAwaiterTerminal, without
// touching the already-settled state, if the awaiter left StatePending
// before this call (e.g. a duplicate terminal event for the same request).
func (a *Awaiter) complete(payload any) error {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return model.ErrAwaiterTerminal
	}
	a.state = StateResolved
	a.payload = payload
	a.mu.Unlock()
	a.closeDone()
	return nil
}

// fail is complete's failure-path counterpart; same terminal-reuse guard.
func (a *Awaiter) fail(err error) error {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return model.ErrAwaiterTerminal
	}
	a.state = StateFailed
	a.err = err
	a.mu.Unlock()
	a.closeDone()
	return nil
}

func (a *Awaiter) timeout() {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return
	}
	a.state = StateTimedOut
	a.err = model.ErrTimeout
	a.mu.Unlock()
	a.closeDone()
}

func (a *Awaiter) cancel() {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return
	}
	a.state = StateCancelled
	a.err = model.ErrCancelled
	a.mu.Unlock()
	a.closeDone()
}

func (a *Awaiter) appendPartial(ev model.BrokerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partials = append(a.partials, &ev)
}

func (a *Awaiter) pushStream(ev model.BrokerEvent) {
	if a.stream == nil {
		return
	}
	select {
	case a.stream <- ev:
	default:
		// subscriber too slow; drop rather than stall the dispatcher.
	}
}

func (a *Awaiter) pushProgress(ev model.BrokerEvent) {
	if a.progress == nil {
		return
	}
	select {
	case a.progress <- ev:
	default:
	}
}

func (a *Awaiter) closeDone() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.stream != nil {
			close(a.stream)
		}
		if a.progress != nil {
			close(a.progress)
		}
	})
}
