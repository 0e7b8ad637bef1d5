package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
)

func newTestRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestRegisterDeliverRoundTrip(t *testing.T) {
	r := newTestRegistry()
	a := r.Register(model.ReqMktSnapshot, time.Second)

	want := &model.Tick{Symbol: "KITT", Price: decimal.RequireFromString("10.40")}
	r.Deliver(model.BrokerEvent{ReqID: a.ReqID, Kind: model.EvtTick, Tick: want})

	got, err := a.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, ok := got.(*model.BrokerEvent)
	if !ok {
		t.Fatalf("expected *model.BrokerEvent, got %T", got)
	}
	if ev.Tick != want {
		t.Fatalf("payload mismatch: got %+v want %+v", ev.Tick, want)
	}
	if r.Len() != 0 {
		t.Fatalf("expected awaiter removed after resolution, Len=%d", r.Len())
	}
}

func TestAccumulateCompletesOnTerminal(t *testing.T) {
	r := newTestRegistry()
	a := r.Register(model.ReqHistBars, time.Second)

	for i := 0; i < 3; i++ {
		r.Deliver(model.BrokerEvent{ReqID: a.ReqID, Kind: model.EvtHistoricalBar, Bar: &model.Bar{}})
	}
	r.Deliver(model.BrokerEvent{ReqID: a.ReqID, Kind: model.EvtHistoricalBarsEnd})

	got, err := a.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bars := got.([]*model.BrokerEvent)
	if len(bars) != 3 {
		t.Fatalf("expected 3 accumulated partials, got %d", len(bars))
	}
}

func TestTransientErrorFailsAwaiter(t *testing.T) {
	r := newTestRegistry()
	a := r.Register(model.ReqPlaceOrder, time.Second)

	r.Deliver(model.BrokerEvent{
		ReqID: a.ReqID,
		Kind:  model.EvtError,
		Err:   &model.BrokerErr{Code: 1100, Class: model.ErrClassTransient, Msg: "connectivity lost"},
	})

	_, err := a.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestTimeoutReaper(t *testing.T) {
	r := newTestRegistry()
	a := r.Register(model.ReqAccountSummary, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	r.reapOnce(time.Now())

	if a.State() != StateTimedOut {
		t.Fatalf("expected StateTimedOut, got %v", a.State())
	}
}

func TestCancelIsTerminalOnce(t *testing.T) {
	r := newTestRegistry()
	a := r.Register(model.ReqCancelOrder, time.Second)
	r.Cancel(a.ReqID)
	// Cancel already removed the awaiter from the table, so a later event for
	// the same req id is unrouted rather than a terminal-reuse: the invariant
	// is exactly one of resolved/failed/timedout/cancelled either way.
	err := r.Deliver(model.BrokerEvent{ReqID: a.ReqID, Kind: model.EvtOrderStatus})
	if err != model.ErrNoAwaiter {
		t.Fatalf("expected ErrNoAwaiter, got %v", err)
	}

	if a.State() != StateCancelled {
		t.Fatalf("expected StateCancelled, got %v", a.State())
	}
}

func TestDeliverReportsNoAwaiterForUnknownReqID(t *testing.T) {
	r := newTestRegistry()
	err := r.Deliver(model.BrokerEvent{ReqID: 999, Kind: model.EvtTick})
	if err != model.ErrNoAwaiter {
		t.Fatalf("expected ErrNoAwaiter, got %v", err)
	}
}

// TestAwaiterCompleteIsTerminalOnce exercises complete/fail's terminal-reuse
// guard directly: Deliver always removes a ModeOneShot awaiter from the
// table in the same call that settles it, so this race (two terminal events
// for one still-installed awaiter) can only be observed at the Awaiter
// level, not through the registry.
func TestAwaiterCompleteIsTerminalOnce(t *testing.T) {
	a := newAwaiter(1, model.ReqMktSnapshot, ModeOneShot, time.Second)

	if err := a.complete("first"); err != nil {
		t.Fatalf("first complete: unexpected error %v", err)
	}
	if err := a.complete("second"); err != model.ErrAwaiterTerminal {
		t.Fatalf("expected ErrAwaiterTerminal, got %v", err)
	}
	if err := a.fail(model.ErrTimeout); err != model.ErrAwaiterTerminal {
		t.Fatalf("expected ErrAwaiterTerminal from fail after complete, got %v", err)
	}

	got, err := a.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: unexpected error %v", err)
	}
	if got != "first" {
		t.Fatalf("expected payload from first complete to stick, got %v", got)
	}
}
