package position

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSub struct {
	ch chan model.BrokerEvent
}

func (f *fakeSub) Stream() <-chan model.BrokerEvent { return f.ch }

type fakeQuotes struct {
	subs map[string]*fakeSub
}

func newFakeQuotes() *fakeQuotes { return &fakeQuotes{subs: make(map[string]*fakeSub)} }

func (f *fakeQuotes) StreamQuotes(ctx context.Context, symbol string) (QuoteSubscription, error) {
	sub := &fakeSub{ch: make(chan model.BrokerEvent, 8)}
	f.subs[symbol] = sub
	return sub, nil
}

func (f *fakeQuotes) CancelQuoteStream(symbol string) {}

type fakeExecutor struct {
	exitPrice decimal.Decimal
	calls     int32
	err       error
}

func (f *fakeExecutor) SubmitClose(ctx context.Context, p model.Position) (decimal.Decimal, time.Time, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return decimal.Decimal{}, time.Time{}, f.err
	}
	return f.exitPrice, time.Now(), nil
}

type fakeStore struct {
	closedPnL decimal.Decimal
	closed    int32
}

func (f *fakeStore) ClosePosition(id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error {
	f.closedPnL = pnl
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func TestStopLossFiresAndPnLMatchesRoundTripLaw(t *testing.T) {
	quotes := newFakeQuotes()
	executor := &fakeExecutor{exitPrice: d("9.90")}
	store := &fakeStore{}
	sup := New(quotes, executor, store, zerolog.Nop())

	pos := model.Position{
		ID:              "p1",
		Symbol:          "KITT",
		Direction:       model.Long,
		Qty:             2000,
		EntryPrice:      d("10.40"),
		StopPrice:       d("9.90"),
		TakeProfitPrice: d("10.608"),
		MaxHoldUntil:    time.Now().Add(time.Hour),
		Status:          model.PositionOpen,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Adopt(ctx, pos)

	deadline := time.After(time.Second)
	for len(quotes.subs) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a quote subscription to start")
		case <-time.After(time.Millisecond):
		}
	}
	quotes.subs["KITT"].ch <- model.BrokerEvent{Kind: model.EvtTick, Tick: &model.Tick{Symbol: "KITT", Price: d("9.80")}}

	deadline = time.After(time.Second)
	for atomic.LoadInt32(&store.closed) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected position to close")
		case <-time.After(time.Millisecond):
		}
	}

	wantPnL := model.ComputePnL(model.Long, d("10.40"), d("9.90"), 2000)
	if !store.closedPnL.Equal(wantPnL) {
		t.Fatalf("pnl mismatch: got %s want %s", store.closedPnL, wantPnL)
	}
	if sup.IsSymbolOpen("KITT") {
		t.Fatal("expected symbol to be freed after close")
	}
}

func TestTimeStopFiresWithoutAnyTicks(t *testing.T) {
	quotes := newFakeQuotes()
	executor := &fakeExecutor{exitPrice: d("10.40")}
	store := &fakeStore{}
	sup := New(quotes, executor, store, zerolog.Nop())
	sup.now = func() time.Time { return time.Unix(1000, 0) }

	pos := model.Position{
		ID:              "p2",
		Symbol:          "KITT",
		Direction:       model.Long,
		Qty:             2000,
		EntryPrice:      d("10.40"),
		StopPrice:       d("9.90"),
		TakeProfitPrice: d("10.608"),
		MaxHoldUntil:    time.Unix(999, 0), // already elapsed relative to sup.now
		Status:          model.PositionOpen,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Adopt(ctx, pos)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&store.closed) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected time-stop to close the position")
		case <-time.After(10 * time.Millisecond):
		}
	}

	wantPnL := model.ComputePnL(model.Long, d("10.40"), d("10.40"), 2000)
	if !store.closedPnL.Equal(wantPnL) {
		t.Fatalf("expected pnl approx 0, got %s want %s", store.closedPnL, wantPnL)
	}
	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("expected exactly 1 close attempt, got %d", executor.calls)
	}
}

func TestStuckClosingAfterRetryExhaustion(t *testing.T) {
	quotes := newFakeQuotes()
	executor := &fakeExecutor{err: model.ErrGateClosed}
	store := &fakeStore{}
	sup := New(quotes, executor, store, zerolog.Nop())

	pos := model.Position{
		ID:              "p3",
		Symbol:          "KITT",
		Direction:       model.Long,
		Qty:             2000,
		EntryPrice:      d("10.40"),
		StopPrice:       d("9.90"),
		TakeProfitPrice: d("10.608"),
		MaxHoldUntil:    time.Now().Add(time.Hour),
		Status:          model.PositionOpen,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Adopt(ctx, pos)

	deadline := time.After(time.Second)
	for len(quotes.subs) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a quote subscription to start")
		case <-time.After(time.Millisecond):
		}
	}
	quotes.subs["KITT"].ch <- model.BrokerEvent{Kind: model.EvtTick, Tick: &model.Tick{Symbol: "KITT", Price: d("9.80")}}

	deadline = time.After(5 * time.Second)
	for atomic.LoadInt32(&executor.calls) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 close retries, got %d", executor.calls)
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	live := sup.snapshot("p3")
	if live == nil || live.Status != model.PositionStuckClosing {
		t.Fatalf("expected StuckClosing, got %+v", live)
	}
	if atomic.LoadInt32(&store.closed) != 0 {
		t.Fatal("expected no store close write for a stuck position")
	}
}
