// Package execution implements the Execution Stage from spec §4.F: a single
// serial worker enforcing order-submission ordering, the gate check, account
// value caching, position sizing, and signal idempotency. Grounded on
// teacher's single-writer account-mutation methods (MT5Service order calls
// always go through one guarded path) generalized to an explicit serial
// stage instead of an implicit per-call lock.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/queue"
	"github.com/shockline/engine/internal/tradestore"
)

const idempotencyWindow = 10 * time.Minute
const accountStaleTolerance = 30 * time.Second

// AccountValueBasis selects which AccountSummary field sizes a position.
type AccountValueBasis string

const (
	BasisEquity         AccountValueBasis = "equity"
	BasisNetLiquidation AccountValueBasis = "netLiquidation"
	BasisCash           AccountValueBasis = "cash"
)

func (b AccountValueBasis) valueOf(s model.AccountSummary) decimal.Decimal {
	switch b {
	case BasisNetLiquidation:
		return s.NetLiquidation
	case BasisCash:
		return s.Cash
	default:
		return s.Equity
	}
}

// Config carries spec §6's risk keys plus the open-question defaults
// recorded in SPEC_FULL.md.
type Config struct {
	PerTradeFraction  decimal.Decimal
	TakeProfitPct     decimal.Decimal
	MaxHoldSec        int
	OrderDeadline     time.Duration
	AccountValueBasis AccountValueBasis
	AllowShort        bool
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		PerTradeFraction:  decimal.NewFromFloat(0.01),
		TakeProfitPct:     decimal.NewFromFloat(0.02),
		MaxHoldSec:        600,
		OrderDeadline:     5 * time.Second,
		AccountValueBasis: BasisEquity,
		AllowShort:        false,
	}
}

// Broker is the subset of the Broker Bridge the stage needs.
type Broker interface {
	PlaceOrder(ctx context.Context, contract model.Contract, order model.Order, deadline time.Duration) (*model.OrderStatus, <-chan model.BrokerEvent, error)
	AccountSummary(ctx context.Context) (*model.AccountSummary, error)
}

// PositionTracker answers whether a symbol already has an open position,
// satisfied by the Position Supervisor.
type PositionTracker interface {
	IsSymbolOpen(symbol string) bool
}

// Stage is the serial execution worker.
type Stage struct {
	cfg      Config
	broker   Broker
	tracker  PositionTracker
	store    tradestore.Store
	out      *queue.Bounded[model.Position]
	gate     func() bool
	degrade  func(err error)
	fatal    func(err error)
	contract func(symbol string) model.Contract
	log      zerolog.Logger

	acctMu      sync.Mutex
	lastAccount model.AccountSummary
	lastAcctAt  time.Time

	idemMu sync.Mutex
	idem   map[string]time.Time

	submitMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// New constructs a Stage. gate reports the supervisor's Operational state;
// degrade forces the supervisor into Degraded on a recoverable store fault;
// fatal reports an unrecoverable (Invariant-class) fault that must terminate
// the process; contract builds the equity contract for a symbol.
func New(cfg Config, broker Broker, tracker PositionTracker, store tradestore.Store, out *queue.Bounded[model.Position], gate func() bool, degrade func(err error), fatal func(err error), contract func(symbol string) model.Contract, log zerolog.Logger) *Stage {
	return &Stage{
		cfg:      cfg,
		broker:   broker,
		tracker:  tracker,
		store:    store,
		out:      out,
		gate:     gate,
		degrade:  degrade,
		fatal:    fatal,
		contract: contract,
		log:      log,
		idem:     make(map[string]time.Time),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Run drains in serially until ctx is cancelled or in closes and drains.
func (s *Stage) Run(ctx context.Context, in *queue.Bounded[model.TradeSignal]) {
	for {
		sig, ok, err := in.Pop(ctx)
		if err != nil || !ok {
			return
		}
		s.handle(ctx, sig)
	}
}

// SubmitClose places the opposite-side market order that closes an open
// position, satisfying position.CloseExecutor. It reuses this stage's gate
// and is serialized with entry submissions by the same submission lock
// (it runs on the caller's goroutine, not on the stage's worker), matching spec.md's "reusing its gating and ordering" instruction for G's
// exit orders.
func (s *Stage) SubmitClose(ctx context.Context, p model.Position) (decimal.Decimal, time.Time, error) {
	if !s.gate() {
		return decimal.Decimal{}, time.Time{}, model.ErrGateClosed
	}

	side := model.SideSell
	if p.Direction == model.Short {
		side = model.SideBuy
	}

	s.submitMu.Lock()
	status, _, err := s.broker.PlaceOrder(ctx, s.contract(p.Symbol), model.Order{Side: side, Qty: p.Qty}, s.cfg.OrderDeadline)
	s.submitMu.Unlock()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if status.FilledQty <= 0 {
		return decimal.Decimal{}, time.Time{}, model.NewError(model.KindBrokerRejected, fmt.Errorf("close order for position %s did not fill", p.ID))
	}
	return status.FillPrice, s.now(), nil
}

func (s *Stage) handle(ctx context.Context, sig model.TradeSignal) {
	log := s.log.With().Str("symbol", sig.Symbol).Str("article_id", sig.OriginArticleID).Logger()

	if !s.gate() {
		log.Info().Msg("supervisor gate closed, dropping signal")
		return
	}

	if s.isDuplicateArticle(sig.OriginArticleID) {
		log.Info().Err(model.ErrDuplicateArticle).Msg("signal rejected: idempotency window active for this article")
		return
	}

	if sig.Direction == model.Short && !s.cfg.AllowShort {
		log.Info().Err(model.ErrShortsDisabled).Msg("short signal rejected")
		return
	}

	if s.tracker != nil && s.tracker.IsSymbolOpen(sig.Symbol) {
		log.Info().Msg("signal dropped: symbol already has an open position")
		return
	}

	accountValue, err := s.accountValue(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh account value, dropping signal")
		return
	}

	qty := computeQty(accountValue, s.cfg.PerTradeFraction, sig.SignalPrice, sig.StopPrice)
	if qty < 1 {
		log.Info().Err(model.ErrQtyTooSmall).Msg("dropping signal")
		return
	}

	side := model.SideBuy
	if sig.Direction == model.Short {
		side = model.SideSell
	}

	s.submitMu.Lock()
	if !s.gate() {
		s.submitMu.Unlock()
		log.Info().Msg("supervisor gate closed before submission, dropping signal")
		return
	}
	status, _, err := s.broker.PlaceOrder(ctx, s.contract(sig.Symbol), model.Order{Side: side, Qty: qty}, s.cfg.OrderDeadline)
	s.submitMu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("order submission failed")
		return
	}

	filledQty := status.FilledQty
	if filledQty <= 0 {
		log.Info().Str("state", string(status.State)).Msg("order did not fill, no position opened")
		return
	}

	entryPrice := status.FillPrice
	takeProfit := takeProfitPrice(sig.Direction, entryPrice, s.cfg.TakeProfitPct)

	pos := model.Position{
		ID:              s.newID(),
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Qty:             filledQty,
		EntryPrice:      entryPrice,
		EntryAt:         s.now(),
		StopPrice:       sig.StopPrice,
		TakeProfitPrice: takeProfit,
		MaxHoldUntil:    s.now().Add(time.Duration(s.cfg.MaxHoldSec) * time.Second),
		Status:          model.PositionOpen,
		OriginArticleID: sig.OriginArticleID,
	}

	if err := s.store.OpenPosition(pos); err != nil {
		if errors.Is(err, model.ErrDuplicatePosition) {
			invErr := model.NewError(model.KindInvariant, err)
			log.Error().Err(invErr).Str("position_id", pos.ID).
				Msg("trade store invariant violated on open-position write")
			if s.fatal != nil {
				s.fatal(invErr)
			}
			return
		}
		storeErr := model.NewError(model.KindStoreFailure, err)
		log.Error().Err(storeErr).Str("position_id", pos.ID).
			Msg("trade store failed to record open position, degrading connection for a full resync")
		if s.degrade != nil {
			s.degrade(storeErr)
		}
	}

	s.markArticle(sig.OriginArticleID)

	if err := s.out.Push(ctx, pos); err != nil {
		log.Warn().Err(err).Msg("failed to hand position to supervisor")
	}
}

// computeQty implements spec.md's floor((accountValue*riskPerTrade)/|entry-stop|).
func computeQty(accountValue, riskFraction, entryRef, stopPrice decimal.Decimal) int64 {
	risk := accountValue.Mul(riskFraction)
	distance := entryRef.Sub(stopPrice).Abs()
	if distance.IsZero() {
		return 0
	}
	return risk.Div(distance).IntPart()
}

func takeProfitPrice(direction model.Direction, entry, pct decimal.Decimal) decimal.Decimal {
	delta := entry.Mul(pct)
	if direction == model.Short {
		return entry.Sub(delta)
	}
	return entry.Add(delta)
}

func (s *Stage) accountValue(ctx context.Context) (decimal.Decimal, error) {
	s.acctMu.Lock()
	stale := s.now().Sub(s.lastAcctAt) > accountStaleTolerance
	cached := s.lastAccount
	s.acctMu.Unlock()

	if !stale {
		return s.cfg.AccountValueBasis.valueOf(cached), nil
	}

	summary, err := s.broker.AccountSummary(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refresh account summary: %w", err)
	}

	s.acctMu.Lock()
	s.lastAccount = *summary
	s.lastAcctAt = s.now()
	s.acctMu.Unlock()

	return s.cfg.AccountValueBasis.valueOf(*summary), nil
}

func (s *Stage) isDuplicateArticle(articleID string) bool {
	if articleID == "" {
		return false
	}
	now := s.now()
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	if until, ok := s.idem[articleID]; ok && now.Before(until) {
		return true
	}
	return false
}

func (s *Stage) markArticle(articleID string) {
	if articleID == "" {
		return
	}
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	s.idem[articleID] = s.now().Add(idempotencyWindow)
}
