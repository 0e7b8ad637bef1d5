package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/vendor"
)

// fakeSession is a test double satisfying vendor.Session without any network
// I/O, so the bridge's dispatch/registry wiring can be exercised directly.
type fakeSession struct {
	events chan model.BrokerEvent
	sent   chan vendor.Command
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan model.BrokerEvent, 64),
		sent:   make(chan vendor.Command, 64),
	}
}

func (f *fakeSession) Dial(ctx context.Context, addr string, clientID int64) error { return nil }
func (f *fakeSession) Send(cmd vendor.Command) error {
	f.sent <- cmd
	return nil
}
func (f *fakeSession) Events() <-chan model.BrokerEvent { return f.events }
func (f *fakeSession) Close() error                     { close(f.events); return nil }

func newTestBridge() (*Bridge, *fakeSession) {
	sess := newFakeSession()
	b := New(sess, zerolog.Nop())
	return b, sess
}

func TestBridgeConnectAwaitsAck(t *testing.T) {
	b, sess := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx)

	go func() {
		sess.events <- model.BrokerEvent{Kind: model.EvtConnectionAck}
	}()

	if err := b.Connect(context.Background(), "localhost", 7497, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestBridgeSnapshotQuoteRoundTrip(t *testing.T) {
	b, sess := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx)

	go func() {
		cmd := <-sess.sent
		sess.events <- model.BrokerEvent{
			ReqID: cmd.ReqID,
			Kind:  model.EvtTick,
			Tick:  &model.Tick{Symbol: "KITT", Price: decimal.RequireFromString("10.40"), Size: decimal.RequireFromString("6000")},
		}
	}()

	snap, err := b.SnapshotQuote(context.Background(), "KITT")
	if err != nil {
		t.Fatalf("SnapshotQuote: %v", err)
	}
	if !snap.Price.Equal(decimal.RequireFromString("10.40")) {
		t.Fatalf("unexpected price: %v", snap.Price)
	}
}

func TestBridgeFetchHistoricalBars(t *testing.T) {
	b, sess := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx)

	go func() {
		cmd := <-sess.sent
		for i := 0; i < 3; i++ {
			sess.events <- model.BrokerEvent{ReqID: cmd.ReqID, Kind: model.EvtHistoricalBar, Bar: &model.Bar{}}
		}
		sess.events <- model.BrokerEvent{ReqID: cmd.ReqID, Kind: model.EvtHistoricalBarsEnd}
	}()

	bars, err := b.FetchHistoricalBars(context.Background(), "KITT", "1 min", 3)
	if err != nil {
		t.Fatalf("FetchHistoricalBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
}

func TestBridgeSnapshotTimeout(t *testing.T) {
	b, _ := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()
	_, err := b.SnapshotQuote(shortCtx, "KITT")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
