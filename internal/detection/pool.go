package detection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/queue"
)

// BrokerClient is the subset of the Broker Bridge the Detection Stage needs,
// narrowed to an interface so kernel-driving logic is testable without a
// live session.
type BrokerClient interface {
	FetchHistoricalBars(ctx context.Context, symbol, barSize string, count int) ([]model.Bar, error)
	SnapshotQuote(ctx context.Context, symbol string) (model.Snapshot, error)
}

// Config controls pool sizing and the shock thresholds.
type Config struct {
	Workers     int
	HistoryBars int // default 20, see SPEC_FULL.md's detection bar count decision
	Deadline    time.Duration
	CooldownSec int
	Params      Params
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		HistoryBars: 20,
		Deadline:    2 * time.Second,
		CooldownSec: 300,
		Params:      DefaultParams(),
	}
}

// Pool is the fixed worker pool described in spec.md §4.E.
type Pool struct {
	cfg    Config
	broker BrokerClient
	log    zerolog.Logger
	out    *queue.Bounded[model.TradeSignal]

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time

	now func() time.Time
}

// New constructs a Pool emitting onto out.
func New(cfg Config, broker BrokerClient, out *queue.Bounded[model.TradeSignal], log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HistoryBars <= 0 {
		cfg.HistoryBars = 20
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Second
	}
	if cfg.CooldownSec <= 0 {
		cfg.CooldownSec = 300
	}
	return &Pool{
		cfg:      cfg,
		broker:   broker,
		log:      log,
		out:      out,
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run starts cfg.Workers goroutines draining in until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, in *queue.Bounded[model.TickerEvent]) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, in)
		}()
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, in *queue.Bounded[model.TickerEvent]) {
	for {
		ev, ok, err := in.Pop(ctx)
		if err != nil || !ok {
			return
		}
		p.handle(ctx, ev)
	}
}

func (p *Pool) handle(ctx context.Context, ev model.TickerEvent) {
	log := p.log.With().Str("symbol", ev.Symbol).Str("article_id", ev.ArticleID).Logger()

	if p.inCooldown(ev.Symbol) {
		log.Debug().Msg("symbol in cooldown, skipping evaluation")
		return
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	bars, snap, err := p.fetchWithRetry(dctx, ev.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("detection data fetch failed, aborting evaluation")
		return
	}
	if len(bars) < atrPeriod {
		log.Warn().Int("bars", len(bars)).Msg("fewer than 10 historical bars, aborting evaluation")
		return
	}

	result, err := Evaluate(ev.Symbol, bars, snap, p.cfg.Params)
	if err != nil {
		log.Warn().Err(err).Msg("kernel evaluation failed")
		return
	}
	for _, d := range result.Diagnostics {
		log.Info().Str("diagnostic", d.Msg).Msg("detection diagnostic")
	}
	if result.Signal == nil {
		return
	}

	result.Signal.CreatedAt = p.now()
	result.Signal.OriginArticleID = ev.ArticleID
	p.markCooldown(ev.Symbol)

	log.Info().
		Str("direction", string(result.Signal.Direction)).
		Str("signal_price", result.Signal.SignalPrice.String()).
		Str("stop_price", result.Signal.StopPrice.String()).
		Msg("shock signal emitted")

	if err := p.out.Push(ctx, *result.Signal); err != nil {
		log.Warn().Err(err).Msg("failed to enqueue trade signal")
	}
}

// fetchWithRetry issues the bar fetch and snapshot concurrently, retrying
// the bar fetch once after 500ms on error, per spec.md's failure semantics.
func (p *Pool) fetchWithRetry(ctx context.Context, symbol string) ([]model.Bar, model.Snapshot, error) {
	type barsResult struct {
		bars []model.Bar
		err  error
	}
	type snapResult struct {
		snap model.Snapshot
		err  error
	}

	barsCh := make(chan barsResult, 1)
	snapCh := make(chan snapResult, 1)

	go func() {
		bars, err := p.broker.FetchHistoricalBars(ctx, symbol, "1 min", p.cfg.HistoryBars)
		if err != nil {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				barsCh <- barsResult{err: ctx.Err()}
				return
			}
			bars, err = p.broker.FetchHistoricalBars(ctx, symbol, "1 min", p.cfg.HistoryBars)
		}
		barsCh <- barsResult{bars: bars, err: err}
	}()

	go func() {
		snap, err := p.broker.SnapshotQuote(ctx, symbol)
		snapCh <- snapResult{snap: snap, err: err}
	}()

	var br barsResult
	var sr snapResult
	for i := 0; i < 2; i++ {
		select {
		case br = <-barsCh:
		case sr = <-snapCh:
		case <-ctx.Done():
			return nil, model.Snapshot{}, ctx.Err()
		}
	}

	if br.err != nil {
		return nil, model.Snapshot{}, br.err
	}
	if sr.err != nil {
		return nil, model.Snapshot{}, sr.err
	}
	return br.bars, sr.snap, nil
}

func (p *Pool) inCooldown(symbol string) bool {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	until, ok := p.cooldown[symbol]
	if !ok {
		return false
	}
	if p.now().After(until) {
		delete(p.cooldown, symbol)
		return false
	}
	return true
}

func (p *Pool) markCooldown(symbol string) {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	p.cooldown[symbol] = p.now().Add(time.Duration(p.cfg.CooldownSec) * time.Second)
}
