// Package position implements the Position Supervisor from spec §4.G: it
// owns the authoritative position table, streams a quote per open position,
// evaluates exit rules on every tick, and drives exit orders back through
// the Execution Stage's gating and ordering. Grounded on teacher's
// subscription-per-instrument pattern (one goroutine per watched symbol)
// applied to exit-rule evaluation instead of raw quote forwarding.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/queue"
)

const closeRetryLimit = 3
const closeRetrySpacing = time.Second

// ExitReason names why a position is being closed.
type ExitReason string

const (
	ExitTimeStop   ExitReason = "TimeStop"
	ExitStopLoss   ExitReason = "StopLoss"
	ExitTakeProfit ExitReason = "TakeProfit"
)

// ExitRequest pairs a position with the exit rule that fired for it. The
// Supervisor does not send ExitRequest values anywhere: it hands exits to the
// Execution Stage by calling CloseExecutor.SubmitClose directly, and no
// channel from G to F exists.
type ExitRequest struct {
	Position model.Position
	Reason   ExitReason
}

// QuoteStreamer is the subset of the Broker Bridge the supervisor needs to
// watch a symbol's price.
type QuoteStreamer interface {
	StreamQuotes(ctx context.Context, symbol string) (QuoteSubscription, error)
	CancelQuoteStream(symbol string)
}

// QuoteSubscription is the narrow awaiter surface the supervisor consumes.
type QuoteSubscription interface {
	Stream() <-chan model.BrokerEvent
}

// CloseExecutor submits the opposite-side market order for an exiting
// position and reports the resulting fill, satisfied by the Execution Stage.
type CloseExecutor interface {
	SubmitClose(ctx context.Context, p model.Position) (exitPrice decimal.Decimal, exitAt time.Time, err error)
}

// Store persists open/close transitions.
type Store interface {
	ClosePosition(id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) error
}

// Supervisor owns the in-memory position table.
type Supervisor struct {
	quotes   QuoteStreamer
	executor CloseExecutor
	store    Store
	log      zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*model.Position
	bySymbol  map[string]string

	now func() time.Time
}

// New constructs a Supervisor. executor may be nil at construction time when
// the Execution Stage that will satisfy CloseExecutor is itself constructed
// with a reference to this Supervisor (spec §9's F<->G cycle); wire it with
// SetExecutor once both sides exist.
func New(quotes QuoteStreamer, executor CloseExecutor, store Store, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		quotes:    quotes,
		executor:  executor,
		store:     store,
		log:       log,
		positions: make(map[string]*model.Position),
		bySymbol:  make(map[string]string),
		now:       time.Now,
	}
}

// SetExecutor wires the CloseExecutor after construction, closing the
// Execution Stage <-> Position Supervisor cyclic dependency.
func (s *Supervisor) SetExecutor(executor CloseExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// IsSymbolOpen satisfies execution.PositionTracker.
func (s *Supervisor) IsSymbolOpen(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySymbol[symbol]
	return ok
}

// Adopt takes ownership of a newly filled position (handed off by the
// Execution Stage) and starts watching it.
func (s *Supervisor) Adopt(ctx context.Context, p model.Position) {
	s.mu.Lock()
	cp := p
	s.positions[cp.ID] = &cp
	s.bySymbol[cp.Symbol] = cp.ID
	s.mu.Unlock()

	go s.watch(ctx, cp.ID)
}

// Reconcile adopts positions recovered from the trade store at startup or
// after a reconnect (spec.md scenario 5), without re-running the sizing or
// idempotency logic the Execution Stage already performed.
func (s *Supervisor) Reconcile(ctx context.Context, open []model.Position) {
	for _, p := range open {
		s.Adopt(ctx, p)
	}
}

func (s *Supervisor) watch(ctx context.Context, id string) {
	pos := s.snapshot(id)
	if pos == nil {
		return
	}
	log := s.log.With().Str("position_id", id).Str("symbol", pos.Symbol).Logger()

	sub, err := s.quotes.StreamQuotes(ctx, pos.Symbol)
	if err != nil {
		log.Error().Err(err).Msg("failed to start quote stream for open position")
		return
	}
	defer s.quotes.CancelQuoteStream(pos.Symbol)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Stream():
			if !ok {
				return
			}
			if ev.Tick == nil {
				continue
			}
			if done := s.evaluateAndMaybeClose(ctx, id, ev.Tick.Price, log); done {
				return
			}
		case <-ticker.C:
			// Time-stop must fire even on a quiet tape with no incoming ticks.
			if done := s.evaluateAndMaybeClose(ctx, id, decimal.Decimal{}, log); done {
				return
			}
		}
	}
}

// evaluateAndMaybeClose checks exit rules for one position and, if one
// fires, drives the close. price may be the zero value when called from the
// idle ticker; in that case only the time-stop rule is evaluated.
func (s *Supervisor) evaluateAndMaybeClose(ctx context.Context, id string, price decimal.Decimal, log zerolog.Logger) bool {
	pos := s.snapshot(id)
	if pos == nil || pos.Status != model.PositionOpen {
		return pos == nil
	}

	reason, fire := evaluateExit(*pos, price, s.now())
	if !fire {
		return false
	}

	s.mu.Lock()
	if live, ok := s.positions[id]; ok {
		live.Status = model.PositionClosing
	}
	s.mu.Unlock()

	log.Info().Str("reason", string(reason)).Msg("exit rule fired, submitting close order")
	s.closeWithRetry(ctx, id, reason, log)
	return true
}

// evaluateExit implements spec.md §4.G's three ordered rules. A zero price
// (the idle-ticker case) skips the price-dependent rules.
func evaluateExit(p model.Position, price decimal.Decimal, now time.Time) (ExitReason, bool) {
	if !now.Before(p.MaxHoldUntil) {
		return ExitTimeStop, true
	}
	if price.IsZero() {
		return "", false
	}
	switch p.Direction {
	case model.Long:
		if price.LessThanOrEqual(p.StopPrice) {
			return ExitStopLoss, true
		}
		if price.GreaterThanOrEqual(p.TakeProfitPrice) {
			return ExitTakeProfit, true
		}
	case model.Short:
		if price.GreaterThanOrEqual(p.StopPrice) {
			return ExitStopLoss, true
		}
		if price.LessThanOrEqual(p.TakeProfitPrice) {
			return ExitTakeProfit, true
		}
	}
	return "", false
}

func (s *Supervisor) closeWithRetry(ctx context.Context, id string, reason ExitReason, log zerolog.Logger) {
	pos := s.snapshot(id)
	if pos == nil {
		return
	}

	for attempt := 0; attempt < closeRetryLimit; attempt++ {
		exitPrice, exitAt, err := s.executor.SubmitClose(ctx, *pos)
		if err == nil {
			pnl := model.ComputePnL(pos.Direction, pos.EntryPrice, exitPrice, pos.Qty)
			s.finalizeClosed(id, exitPrice, exitAt, pnl)
			if err := s.store.ClosePosition(id, exitPrice, exitAt, pnl); err != nil {
				log.Error().Err(err).Msg("trade store failed to record close")
			}
			log.Info().Str("exit_price", exitPrice.String()).Str("pnl", pnl.String()).Msg("position closed")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("close order attempt failed")
		if attempt == closeRetryLimit-1 {
			break
		}
		select {
		case <-time.After(closeRetrySpacing):
		case <-ctx.Done():
			return
		}
	}

	s.markStuckClosing(id)
	log.Error().Str("reason", string(reason)).Msg("position stuck closing after retry exhaustion, operator alert required")
}

func (s *Supervisor) finalizeClosed(id string, exitPrice decimal.Decimal, exitAt time.Time, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.positions[id]
	if !ok {
		return
	}
	live.Status = model.PositionClosed
	live.ExitPrice = exitPrice
	live.ExitAt = exitAt
	live.PnL = pnl
	delete(s.bySymbol, live.Symbol)
}

func (s *Supervisor) markStuckClosing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live, ok := s.positions[id]; ok {
		live.Status = model.PositionStuckClosing
	}
}

func (s *Supervisor) snapshot(id string) *model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.positions[id]
	if !ok {
		return nil
	}
	cp := *live
	return &cp
}

// ListOpen returns a snapshot of every position not yet Closed.
func (s *Supervisor) ListOpen() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status != model.PositionClosed {
			out = append(out, *p)
		}
	}
	return out
}

// Run adopts positions arriving on in and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, in *queue.Bounded[model.Position]) {
	for {
		p, ok, err := in.Pop(ctx)
		if err != nil || !ok {
			return
		}
		s.Adopt(ctx, p)
	}
}
