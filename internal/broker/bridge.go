// Package broker implements the Broker Bridge (spec §4.A): it owns the
// vendor worker, drains its event stream through a dispatcher, and exposes a
// request/response façade built on the Request Registry. Every public method
// here is the spec's direct analogue of teacher's ExecuteWithReconnect --
// register an awaiter, send the vendor command, wait for the completion --
// generalized from "gRPC unary/stream call" to "vendor command/event pair".
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/queue"
	"github.com/shockline/engine/internal/registry"
	"github.com/shockline/engine/internal/vendor"
)

// Default timeouts, per spec §5.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultHistBarsTimeout = 5 * time.Second
	DefaultSnapshotTimeout = 2 * time.Second
	DefaultOrderTimeout    = 5 * time.Second
)

// Reserved fixed request IDs, per spec §4.A.
const (
	reqIDNewsProviderList uint64 = 1
	reqIDAccountSummary   uint64 = 2
)

// inboundTickCapacity/inboundOtherCapacity implement the bridge-to-scheduler
// boundary queue from spec §5: ticks drop-oldest, everything else blocks the
// dispatcher's intake loop (backpressure onto the vendor readLoop).
const (
	inboundTickCapacity  = 4096
	inboundOtherCapacity = 4096
)

// Bridge is the public façade described in spec §4.A.
type Bridge struct {
	sess vendor.Session
	reg  *registry.Registry
	log  zerolog.Logger

	tickQ  *queue.DropOldest[model.BrokerEvent]
	otherQ *queue.Bounded[model.BrokerEvent]

	mu          sync.Mutex
	newsStream  *Awaiter
	quoteStream map[string]*Awaiter // symbol -> subscription awaiter

	// ConnEvents fans out ConnectionAck/ConnectionClosed to the Connection
	// Supervisor, which owns the gate and the state machine (spec §4.C).
	ConnEvents chan model.BrokerEvent

	wg sync.WaitGroup
}

// Awaiter is re-exported so callers (supervisor, stages) never import registry
// directly -- they only ever hold a Bridge-issued handle.
type Awaiter = registry.Awaiter

// New wires a Bridge around an already-constructed vendor session.
func New(sess vendor.Session, log zerolog.Logger) *Bridge {
	return &Bridge{
		sess:        sess,
		reg:         registry.New(log),
		log:         log,
		tickQ:       queue.NewDropOldest[model.BrokerEvent](inboundTickCapacity),
		otherQ:      queue.NewBounded[model.BrokerEvent](inboundOtherCapacity),
		quoteStream: make(map[string]*Awaiter),
		ConnEvents:  make(chan model.BrokerEvent, 16),
	}
}

// Run starts the intake, dispatch and reaper goroutines and returns at once;
// they stop when ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	b.wg.Add(2)
	go b.intake(ctx)
	go b.dispatch(ctx)
	go b.reg.Reap(ctx, time.Second)
}

// Wait blocks until intake/dispatch have exited (used by graceful shutdown).
func (b *Bridge) Wait() { b.wg.Wait() }

// intake classifies each raw vendor event into the tick (drop-oldest) queue
// or the blocking "everything else" queue, per spec §5.
func (b *Bridge) intake(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case ev, ok := <-b.sess.Events():
			if !ok {
				return
			}
			if ev.Kind == model.EvtTick {
				b.tickQ.Push(ev)
			} else {
				if err := b.otherQ.Push(ctx, ev); err != nil {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch drains both queues and routes each event to the registry or to a
// subscription fanout, per spec §4.B's "deliver" description.
func (b *Bridge) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.tickQ.C():
			b.route(ev)
		case ev, ok := <-b.otherQ.C():
			if !ok {
				return
			}
			b.route(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) route(ev model.BrokerEvent) {
	if ev.Kind == model.EvtConnectionAck || ev.Kind == model.EvtConnectionClosed {
		select {
		case b.ConnEvents <- ev:
		default:
		}
		return
	}

	switch err := b.reg.Deliver(ev); {
	case err == nil:
		return
	case errors.Is(err, model.ErrNoAwaiter):
		// Unsolicited event (ReqID == 0, or an awaiter that already left the
		// table, e.g. after a cancelled subscription): nothing is listening.
		b.log.Warn().Str("kind", string(ev.Kind)).Uint64("req_id", ev.ReqID).Msg("dropped unrouted broker event")
	case errors.Is(err, model.ErrAwaiterTerminal):
		b.log.Warn().Err(err).Str("kind", string(ev.Kind)).Uint64("req_id", ev.ReqID).Msg("duplicate terminal event for already-settled awaiter")
	}
}

// Connect attempts the TCP session and awaits ConnectionAck.
func (b *Bridge) Connect(ctx context.Context, host string, port int, clientID int64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := b.sess.Dial(ctx, addr, clientID); err != nil {
		return model.NewError(model.KindTransport, err)
	}
	select {
	case ev := <-b.ConnEvents:
		if ev.Kind != model.EvtConnectionAck {
			return model.NewError(model.KindTransport, fmt.Errorf("unexpected event while awaiting ack: %s", ev.Kind))
		}
		return nil
	case <-ctx.Done():
		return model.NewError(model.KindTimeout, ctx.Err())
	}
}

// SubscribeNews issues the broad-tape news subscription per spec §4.A/§6.
func (b *Bridge) SubscribeNews(ctx context.Context, providerCode string) (*Awaiter, error) {
	a := b.reg.RegisterFixed(reqIDNewsProviderList, model.ReqSubscribeNews, 0)
	contract := model.NewsContract(providerCode)
	err := b.sess.Send(vendor.Command{
		ReqID:        a.ReqID,
		Kind:         model.ReqSubscribeNews,
		ProviderCode: providerCode,
		Contract:     contract,
	})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return nil, model.NewError(model.KindTransport, err)
	}
	b.mu.Lock()
	b.newsStream = a
	b.mu.Unlock()
	return a, nil
}

// FetchHistoricalBars returns the ordered bar list on terminal HistoricalBarsEnd.
func (b *Bridge) FetchHistoricalBars(ctx context.Context, symbol, barSize string, count int) ([]model.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultHistBarsTimeout)
	defer cancel()

	a := b.reg.Register(model.ReqHistBars, DefaultHistBarsTimeout)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqHistBars, Symbol: symbol, BarSize: barSize, Count: count})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return nil, model.NewError(model.KindTransport, err)
	}

	payload, err := a.Wait(ctx)
	if err != nil {
		return nil, err
	}
	events := payload.([]*model.BrokerEvent)
	bars := make([]model.Bar, 0, len(events))
	for _, ev := range events {
		if ev.Bar != nil {
			bars = append(bars, *ev.Bar)
		}
	}
	return bars, nil
}

// SnapshotQuote returns the next coherent price+volume pair for symbol.
func (b *Bridge) SnapshotQuote(ctx context.Context, symbol string) (model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultSnapshotTimeout)
	defer cancel()

	a := b.reg.Register(model.ReqMktSnapshot, DefaultSnapshotTimeout)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqMktSnapshot, Symbol: symbol})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return model.Snapshot{}, model.NewError(model.KindTransport, err)
	}

	payload, err := a.Wait(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	ev := payload.(*model.BrokerEvent)
	if ev.Tick == nil {
		return model.Snapshot{}, model.NewError(model.KindDataQuality, fmt.Errorf("snapshot event missing tick payload"))
	}
	return model.Snapshot{Symbol: symbol, Price: ev.Tick.Price, CumVolume: ev.Tick.Size, AsOf: ev.Tick.Timestamp}, nil
}

// StreamQuotes returns a cancellable subscription awaiter of price ticks.
func (b *Bridge) StreamQuotes(ctx context.Context, symbol string) (*Awaiter, error) {
	a := b.reg.Register(model.ReqStreamQuote, 0)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqStreamQuote, Symbol: symbol})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return nil, model.NewError(model.KindTransport, err)
	}
	b.mu.Lock()
	b.quoteStream[symbol] = a
	b.mu.Unlock()
	return a, nil
}

// CancelNewsStream cancels the active news subscription, if any.
func (b *Bridge) CancelNewsStream() {
	b.mu.Lock()
	a := b.newsStream
	b.newsStream = nil
	b.mu.Unlock()
	if a != nil {
		b.reg.Cancel(a.ReqID)
	}
}

// CancelQuoteStream cancels a previously-started quote subscription.
func (b *Bridge) CancelQuoteStream(symbol string) {
	b.mu.Lock()
	a, ok := b.quoteStream[symbol]
	delete(b.quoteStream, symbol)
	b.mu.Unlock()
	if ok {
		b.reg.Cancel(a.ReqID)
	}
}

// PlaceOrder returns when a terminal OrderStatus (Filled/Cancelled) arrives;
// intermediate statuses are delivered on the returned progress channel.
func (b *Bridge) PlaceOrder(ctx context.Context, contract model.Contract, order model.Order, deadline time.Duration) (*model.OrderStatus, <-chan model.BrokerEvent, error) {
	if deadline <= 0 {
		deadline = DefaultOrderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	a := b.reg.Register(model.ReqPlaceOrder, deadline)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqPlaceOrder, Contract: contract, Order: order})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return nil, nil, model.NewError(model.KindTransport, err)
	}

	payload, err := a.Wait(ctx)
	if err != nil {
		return nil, a.Progress(), err
	}
	ev := payload.(*model.BrokerEvent)
	return ev.Status, a.Progress(), nil
}

// CancelOrder requests cancellation of a previously placed order.
func (b *Bridge) CancelOrder(ctx context.Context, orderID string) error {
	a := b.reg.Register(model.ReqCancelOrder, DefaultOrderTimeout)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqCancelOrder, OrderID: orderID})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return model.NewError(model.KindTransport, err)
	}
	_, err = a.Wait(ctx)
	return err
}

// AccountSummary fetches the latest account summary.
func (b *Bridge) AccountSummary(ctx context.Context) (*model.AccountSummary, error) {
	a := b.reg.RegisterFixed(reqIDAccountSummary, model.ReqAccountSummary, DefaultSnapshotTimeout)
	err := b.sess.Send(vendor.Command{ReqID: a.ReqID, Kind: model.ReqAccountSummary})
	if err != nil {
		b.reg.Cancel(a.ReqID)
		return nil, model.NewError(model.KindTransport, err)
	}
	payload, err := a.Wait(ctx)
	if err != nil {
		return nil, err
	}
	ev := payload.(*model.BrokerEvent)
	return ev.Account, nil
}

// Disconnect drains and shuts down the worker.
func (b *Bridge) Disconnect() error {
	b.reg.CancelAll(model.ErrClassTransient)
	return b.sess.Close()
}

// Registry exposes the registry for the Connection Supervisor's CancelAll use.
func (b *Bridge) Registry() *registry.Registry { return b.reg }
