// Package registry implements the Request Registry (spec §4.B): it allocates
// correlation IDs, holds awaiters, and resolves or fails them as matching
// BrokerEvents are delivered by the Broker Bridge's dispatcher. This replaces
// the vendor's own callback indirection the way teacher's generic
// ExecuteWithReconnect/ExecuteStreamWithReconnect helpers replace per-call
// callback plumbing with explicit, awaitable completions.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/model"
)

// firstDynamicID is the first ID the registry allocates on its own; IDs
// [1..99] are reserved for the bridge's fixed, rarely-issued global requests
// (news-provider list, account summary), per spec §4.A.
const firstDynamicID = 100

// Registry owns the awaiter table. Table mutations happen under a single
// mutex held only for map bookkeeping -- no I/O ever happens while it is
// held; dynamic IDs come from an atomic counter outside that mutex.
type Registry struct {
	mu       sync.Mutex
	awaiters map[uint64]*Awaiter
	next     atomic.Uint64
	log      zerolog.Logger
}

// New creates an empty Registry.
func New(log zerolog.Logger) *Registry {
	r := &Registry{
		awaiters: make(map[uint64]*Awaiter),
		log:      log,
	}
	r.next.Store(firstDynamicID)
	return r
}

// Register allocates a new dynamic ID (>=100) and installs an awaiter for it.
func (r *Registry) Register(kind model.RequestKind, timeout time.Duration) *Awaiter {
	id := r.next.Add(1) - 1
	return r.install(id, kind, modeFor(kind), timeout)
}

// RegisterFixed installs an awaiter for a reserved ID in [1..99].
func (r *Registry) RegisterFixed(id uint64, kind model.RequestKind, timeout time.Duration) *Awaiter {
	return r.install(id, kind, modeFor(kind), timeout)
}

func (r *Registry) install(id uint64, kind model.RequestKind, mode Mode, timeout time.Duration) *Awaiter {
	a := newAwaiter(id, kind, mode, timeout)
	r.mu.Lock()
	r.awaiters[id] = a
	r.mu.Unlock()
	return a
}

// modeFor maps a request kind to its completion discipline per spec §3/§4.B.
func modeFor(kind model.RequestKind) Mode {
	switch kind {
	case model.ReqHistBars:
		return ModeAccumulate
	case model.ReqSubscribeNews, model.ReqStreamQuote:
		return ModeSubscription
	default:
		return ModeOneShot
	}
}

// terminalEventFor reports whether ev.Kind terminates an awaiter of kind k.
func terminalEventFor(k model.RequestKind, ev model.BrokerEvent) bool {
	switch k {
	case model.ReqHistBars:
		return ev.Kind == model.EvtHistoricalBarsEnd
	case model.ReqMktSnapshot:
		return ev.Kind == model.EvtTick
	case model.ReqPlaceOrder:
		return ev.Kind == model.EvtOrderStatus && ev.Status != nil &&
			(ev.Status.State == model.OrderFilled || ev.Status.State == model.OrderCancelled)
	case model.ReqCancelOrder:
		return ev.Kind == model.EvtOrderStatus
	case model.ReqAccountSummary:
		return ev.Kind == model.EvtAccountValue
	default:
		return false
	}
}

// partialEventFor reports whether ev is a partial (accumulated) event for k.
func partialEventFor(k model.RequestKind, ev model.BrokerEvent) bool {
	return k == model.ReqHistBars && ev.Kind == model.EvtHistoricalBar
}

// isOrderProgress reports an intermediate (non-terminal) OrderStatus.
func isOrderProgress(ev model.BrokerEvent) bool {
	return ev.Kind == model.EvtOrderStatus && ev.Status != nil &&
		(ev.Status.State == model.OrderSubmitted || ev.Status.State == model.OrderPreSubmitted)
}

// Deliver routes one event from the dispatcher to its awaiter, per spec §4.B.
// It returns ErrNoAwaiter when ev.ReqID matches nothing in the table (the
// caller's cue to fan it out to a subscription stream or drop it), and
// ErrAwaiterTerminal when the matched awaiter had already settled (a
// duplicate terminal event racing a timeout or cancellation).
func (r *Registry) Deliver(ev model.BrokerEvent) error {
	r.mu.Lock()
	a, ok := r.awaiters[ev.ReqID]
	r.mu.Unlock()
	if !ok {
		return model.ErrNoAwaiter
	}

	if ev.Kind == model.EvtError && ev.Err != nil &&
		(ev.Err.Class == model.ErrClassTransient || ev.Err.Class == model.ErrClassFatal) {
		err := a.fail(brokerErrToGoError(ev.Err))
		r.remove(ev.ReqID)
		return err
	}

	switch a.Mode {
	case ModeSubscription:
		a.pushStream(ev)
		return nil

	case ModeAccumulate:
		switch {
		case partialEventFor(a.Kind, ev):
			a.appendPartial(ev)
			return nil
		case terminalEventFor(a.Kind, ev):
			err := a.complete(a.snapshotPartials())
			r.remove(ev.ReqID)
			return err
		default:
			r.log.Warn().Uint64("req_id", ev.ReqID).Str("kind", string(ev.Kind)).Msg("unexpected event for accumulate awaiter")
			return nil
		}

	default: // ModeOneShot
		if a.Kind == model.ReqPlaceOrder && isOrderProgress(ev) {
			a.pushProgress(ev)
			return nil
		}
		if terminalEventFor(a.Kind, ev) {
			err := a.complete(&ev)
			r.remove(ev.ReqID)
			return err
		}
		r.log.Warn().Uint64("req_id", ev.ReqID).Str("kind", string(ev.Kind)).Msg("unexpected event for one-shot awaiter")
		return nil
	}
}

func (a *Awaiter) snapshotPartials() []*model.BrokerEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.BrokerEvent, len(a.partials))
	copy(out, a.partials)
	return out
}

func brokerErrToGoError(e *model.BrokerErr) error {
	return model.NewError(classToKind(e.Class), &vendorError{e})
}

func classToKind(c model.ErrorClass) model.ErrorKind {
	if c == model.ErrClassFatal {
		return model.KindBrokerRejected
	}
	return model.KindTransport
}

type vendorError struct{ e *model.BrokerErr }

func (v *vendorError) Error() string { return v.e.Msg }

// Cancel transitions an awaiter directly to Cancelled (spec §4.B). The caller
// is responsible for also issuing the vendor-side cancellation when supported.
func (r *Registry) Cancel(reqID uint64) {
	r.mu.Lock()
	a, ok := r.awaiters[reqID]
	r.mu.Unlock()
	if !ok {
		return
	}
	a.cancel()
	r.remove(reqID)
}

// CancelAll cancels every outstanding awaiter with a Transient failure; used
// by the Connection Supervisor when the session drops (spec §7).
func (r *Registry) CancelAll(class model.ErrorClass) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.awaiters))
	for id := range r.awaiters {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		a, ok := r.awaiters[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		a.fail(model.NewError(model.KindTransport, model.ErrNotConnected))
		r.remove(id)
	}
}

func (r *Registry) remove(reqID uint64) {
	r.mu.Lock()
	delete(r.awaiters, reqID)
	r.mu.Unlock()
}

// Reap runs until ctx is cancelled, completing any awaiter past its deadline
// with Timeout. Intended to run as a single background goroutine per Registry.
func (r *Registry) Reap(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.reapOnce(now)
		}
	}
}

func (r *Registry) reapOnce(now time.Time) {
	r.mu.Lock()
	var expired []*Awaiter
	for id, a := range r.awaiters {
		if !a.TimeoutAt.IsZero() && now.After(a.TimeoutAt) {
			expired = append(expired, a)
			delete(r.awaiters, id)
		}
	}
	r.mu.Unlock()

	for _, a := range expired {
		a.timeout()
	}
}

// Len reports the number of outstanding awaiters, mostly for tests/metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiters)
}
