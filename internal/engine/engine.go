// Package engine wires the seven pipeline components (Broker Bridge, Request
// Registry, Connection Supervisor, News Stage, Detection Stage, Execution
// Stage, Position Supervisor) into one running system, modeled on
// tradebotlabs-eth-bot's orchestrator: one struct holding every component,
// and one Run that launches each goroutine and, once ctx is cancelled or a
// fatal fault is reported, cancels and waits for them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/broker"
	"github.com/shockline/engine/internal/config"
	"github.com/shockline/engine/internal/detection"
	"github.com/shockline/engine/internal/execution"
	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/news"
	"github.com/shockline/engine/internal/position"
	"github.com/shockline/engine/internal/queue"
	"github.com/shockline/engine/internal/supervisor"
	"github.com/shockline/engine/internal/tradestore"
	"github.com/shockline/engine/internal/vendor"
)

// queue capacities for the inter-stage traffic named in spec §5. Ticks don't
// appear here: they live entirely inside the Broker Bridge's drop-oldest
// queue and the per-position quote subscriptions.
const (
	articleQueueCapacity  = 1024
	tickerQueueCapacity   = 1024
	signalQueueCapacity   = 1024
	positionQueueCapacity = 1024
)

// extractorClient is the subset of extractor.Client the news stage needs,
// narrowed so Engine doesn't have to import extractor just to name the type.
type extractorClient interface {
	news.Extractor
}

// Engine owns every stage and the queues between them.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	bridge     *broker.Bridge
	supervisor *supervisor.Supervisor
	newsStage  *news.Stage
	detectPool *detection.Pool
	execStage  *execution.Stage
	posSup     *position.Supervisor
	store      tradestore.Store

	articleQ  *queue.Bounded[model.NewsArticle]
	tickerQ   *queue.Bounded[model.TickerEvent]
	signalQ   *queue.Bounded[model.TradeSignal]
	positionQ *queue.Bounded[model.Position]

	fatal chan error
	wg    sync.WaitGroup
}

// New constructs every component from cfg without starting any goroutines.
// extractor is injected so tests can substitute a fake collaborator; pass
// extractor.New(cfg.Extractor.URL) in production.
func New(cfg config.Config, sess vendor.Session, extractor extractorClient, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     tradestore.NewMemoryStore(),
		articleQ:  queue.NewBounded[model.NewsArticle](articleQueueCapacity),
		tickerQ:   queue.NewBounded[model.TickerEvent](tickerQueueCapacity),
		signalQ:   queue.NewBounded[model.TradeSignal](signalQueueCapacity),
		positionQ: queue.NewBounded[model.Position](positionQueueCapacity),
		fatal:     make(chan error, 1),
	}

	e.bridge = broker.New(sess, log.With().Str("component", "bridge").Logger())

	e.newsStage = news.New(extractor, e.tickerQ, log.With().Str("component", "news").Logger())

	e.detectPool = detection.New(cfg.DetectionConfig(), e.bridge, e.signalQ, log.With().Str("component", "detection").Logger())

	e.posSup = position.New(
		quoteStreamer{e.bridge},
		nil, // wired to execStage below, once execStage exists
		e.store,
		log.With().Str("component", "position").Logger(),
	)

	e.execStage = execution.New(
		cfg.ExecutionConfig(),
		e.bridge,
		e.posSup,
		e.store,
		e.positionQ,
		e.supervisorGate,
		e.degradeConnection,
		e.reportFatal,
		func(symbol string) model.Contract { return model.EquityContract(symbol, "NASDAQ") },
		log.With().Str("component", "execution").Logger(),
	)

	// position.New was given a nil CloseExecutor above: execStage depends on
	// posSup for IsSymbolOpen and posSup depends on execStage for SubmitClose,
	// so the cycle is closed here with a setter instead of a constructor
	// argument.
	e.posSup.SetExecutor(e.execStage)

	e.supervisor = supervisor.New(supervisor.Deps{
		Connect:        e.connect,
		CancelAwaiters: e.bridge.Registry().CancelAll,
		Checklist: supervisor.Checklist{
			ReconcilePositions:    e.reconcilePositions,
			ResubscribeNews:       e.resubscribeNews,
			RefreshAccountSummary: e.refreshAccountSummary,
			ResumeQuoteStreams:    e.resumeQuoteStreams,
		},
		BackoffBase: time.Second,
		BackoffCap:  time.Duration(cfg.ReconnectCapSec) * time.Second,
		Cooldown:    5 * time.Second,
	}, log.With().Str("component", "supervisor").Logger())

	return e
}

func (e *Engine) supervisorGate() bool { return e.supervisor.Gate() }

// degradeConnection forces the Connection Supervisor into Degraded; wired
// into the Execution Stage as its recoverable-store-failure escape hatch.
// Like supervisorGate, this closes over e.supervisor which is only assigned
// later in New -- safe because Run (the first point either is ever called
// from a goroutine) starts after New returns.
func (e *Engine) degradeConnection(err error) { e.supervisor.Degrade(err) }

// reportFatal reports an unrecoverable fault (an Invariant violation, or any
// other error severe enough to require process termination) to Run. It never
// blocks: a second fatal report while the first is still pending is dropped,
// since Run only acts on the first one anyway.
func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// Run starts every stage's goroutines and blocks until ctx is cancelled or a
// component reports a fatal fault. A non-nil return means the process should
// exit non-zero; cmd/shockengine inspects the error's Kind to pick the code.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.bridge.Run(runCtx)

	e.wg.Add(5)
	go func() { defer e.wg.Done(); _ = e.supervisor.Run(runCtx, e.bridge.ConnEvents) }()
	go func() { defer e.wg.Done(); e.newsStage.Run(runCtx, e.articleQ) }()
	go func() { defer e.wg.Done(); e.detectPool.Run(runCtx, e.tickerQ) }()
	go func() { defer e.wg.Done(); e.execStage.Run(runCtx, e.signalQ) }()
	go func() { defer e.wg.Done(); e.posSup.Run(runCtx, e.positionQ) }()

	var fatalErr error
	select {
	case <-ctx.Done():
	case fatalErr = <-e.fatal:
		cancel()
	}

	e.wg.Wait()
	e.bridge.Wait()
	return fatalErr
}

// connect is the Connection Supervisor's Connecting-state action: dial the
// vendor session, then immediately verify it with a liveness probe, matching
// teacher's ConnectByServerName (which issues CheckConnect right after
// ConnectEx, before declaring the connection usable). The four-step resync
// checklist still runs separately in Syncing.
func (e *Engine) connect(ctx context.Context) error {
	if err := e.bridge.Connect(ctx, e.cfg.Broker.Host, e.cfg.Broker.Port, e.cfg.Broker.ClientID); err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := e.bridge.AccountSummary(checkCtx); err != nil {
		return fmt.Errorf("post-connect liveness probe failed: %w", err)
	}
	return nil
}

// reconcilePositions re-adopts whatever the trade store believes is still
// open, per spec.md scenario 5 (reconnect mid-session with open positions).
func (e *Engine) reconcilePositions(ctx context.Context) error {
	open, err := e.store.ListOpen()
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}
	e.posSup.Reconcile(ctx, open)
	return nil
}

// resubscribeNews (re)establishes the broad-tape news subscription and starts
// the goroutine that turns its event stream into queued NewsArticles.
func (e *Engine) resubscribeNews(ctx context.Context) error {
	a, err := e.bridge.SubscribeNews(ctx, e.cfg.News.ProviderCode)
	if err != nil {
		return fmt.Errorf("resubscribe news: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpNews(ctx, a.Stream())
	}()
	return nil
}

func (e *Engine) pumpNews(ctx context.Context, stream <-chan model.BrokerEvent) {
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.News == nil {
				continue
			}
			if err := e.articleQ.Push(ctx, *ev.News); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) refreshAccountSummary(ctx context.Context) error {
	_, err := e.bridge.AccountSummary(ctx)
	return err
}

// resumeQuoteStreams restarts a price-tick watcher for every position the
// supervisor already owns, matching spec §4.C's fourth checklist step.
func (e *Engine) resumeQuoteStreams(ctx context.Context) error {
	for _, p := range e.posSup.ListOpen() {
		e.posSup.Adopt(ctx, p)
	}
	return nil
}

// quoteStreamer adapts broker.Bridge's concrete *Awaiter return type to
// position.QuoteStreamer, which is declared in terms of the narrower
// QuoteSubscription interface so the position package never imports broker.
type quoteStreamer struct {
	bridge *broker.Bridge
}

func (q quoteStreamer) StreamQuotes(ctx context.Context, symbol string) (position.QuoteSubscription, error) {
	return q.bridge.StreamQuotes(ctx, symbol)
}

func (q quoteStreamer) CancelQuoteStream(symbol string) {
	q.bridge.CancelQuoteStream(symbol)
}
