// Package detection implements the shock-detection numerical kernel and the
// worker pool that drives it, grounded on teacher's indicator math in
// MT5Service.go generalized from MT5's built-in indicator RPCs to a
// locally-computed ATR/SMA pair the engine owns outright.
package detection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
)

// DefaultPriceMult and DefaultVolMult match spec.md's documented defaults.
const (
	DefaultPriceMult = 3.0
	DefaultVolMult   = 5.0
	atrPeriod        = 10
)

// Params configures one evaluation. Mults are decimals so the comparison
// arithmetic never touches float64.
type Params struct {
	PriceMult decimal.Decimal
	VolMult   decimal.Decimal
}

// DefaultParams returns spec.md's documented defaults as decimals.
func DefaultParams() Params {
	return Params{
		PriceMult: decimal.NewFromFloat(DefaultPriceMult),
		VolMult:   decimal.NewFromFloat(DefaultVolMult),
	}
}

// Diagnostic records a non-fatal quality note surfaced alongside a Result,
// e.g. "fewer than 20 bars available for SMA_Vol20".
type Diagnostic struct {
	Msg string
}

// Result is the outcome of one kernel evaluation.
type Result struct {
	ATR10      decimal.Decimal
	SMAVol20   decimal.Decimal
	CurOpen    decimal.Decimal
	CurClose   decimal.Decimal
	CurVolume  decimal.Decimal
	Signal     *model.TradeSignal
	Diagnostics []Diagnostic
}

// trueRange computes TR_i given bar i and the previous bar's close. For the
// first bar of a window, callers pass the close of the bar before it when
// one was supplied; when that bar is the oldest supplied, its own open
// stands in as a synthetic previous close, per SPEC_FULL.md's decision,
// which degenerates TR to H-L for that bar.
func trueRange(bar model.Bar, prevClose decimal.Decimal) decimal.Decimal {
	hl := bar.High.Sub(bar.Low).Abs()
	hc := bar.High.Sub(prevClose).Abs()
	lc := bar.Low.Sub(prevClose).Abs()
	m := hl
	if hc.GreaterThan(m) {
		m = hc
	}
	if lc.GreaterThan(m) {
		m = lc
	}
	return m
}

// ATR10 computes the plain arithmetic mean of the last 10 true ranges from
// closed bars, ordered oldest to newest. Fewer than 10 closed bars is an
// insufficient-history condition (spec.md: "with fewer than 10 historical
// bars, detection returns no signal"), not something to approximate.
func ATR10(bars []model.Bar) (decimal.Decimal, error) {
	if len(bars) < atrPeriod {
		return decimal.Zero, model.ErrInsufficientBars
	}
	window := bars[len(bars)-atrPeriod:]

	sum := decimal.Zero
	for i, bar := range window {
		prevClose := bar.Open
		if i > 0 {
			prevClose = window[i-1].Close
		} else if len(bars) > atrPeriod {
			prevClose = bars[len(bars)-atrPeriod-1].Close
		}
		sum = sum.Add(trueRange(bar, prevClose))
	}
	return sum.Div(decimal.NewFromInt(int64(len(window)))), nil
}

// SMAVol20 computes the arithmetic mean volume over up to 20 bars. If fewer
// than 20 bars are supplied it averages whatever is available and returns a
// Diagnostic, matching spec.md step 3.
func SMAVol20(bars []model.Bar) (decimal.Decimal, *Diagnostic) {
	if len(bars) == 0 {
		return decimal.Zero, &Diagnostic{Msg: "no bars available for SMA_Vol20"}
	}
	window := bars
	var diag *Diagnostic
	if len(window) > 20 {
		window = window[len(window)-20:]
	} else if len(window) < 20 {
		diag = &Diagnostic{Msg: fmt.Sprintf("SMA_Vol20 computed over only %d bars", len(window))}
	}

	sum := decimal.Zero
	for _, bar := range window {
		sum = sum.Add(bar.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window)))), diag
}

// Evaluate runs the full shock rule (spec.md §4.E steps 3-6) over a slice of
// closed bars (oldest first) and the current-bar snapshot, and returns a
// Result carrying a non-nil Signal only when both the price and volume shock
// conditions hold.
func Evaluate(symbol string, closedBars []model.Bar, snapshot model.Snapshot, params Params) (Result, error) {
	if len(closedBars) < atrPeriod {
		return Result{}, model.ErrInsufficientBars
	}

	atr, err := ATR10(closedBars)
	if err != nil {
		return Result{}, err
	}
	smaVol, volDiag := SMAVol20(closedBars)

	last := closedBars[len(closedBars)-1]
	curOpen := last.Close
	curClose := snapshot.Price
	curVolume := snapshot.CumVolume.Sub(last.CumVolume)
	if curVolume.IsNegative() {
		curVolume = decimal.Zero
	}

	res := Result{
		ATR10:     atr,
		SMAVol20:  smaVol,
		CurOpen:   curOpen,
		CurClose:  curClose,
		CurVolume: curVolume,
	}
	if volDiag != nil {
		res.Diagnostics = append(res.Diagnostics, *volDiag)
	}

	if curOpen.IsZero() {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Msg: "current bar open is zero, skipping shock evaluation"})
		return res, nil
	}

	delta := curClose.Sub(curOpen).Abs()
	priceThreshold := atr.Mul(params.PriceMult)
	priceShock := delta.GreaterThan(priceThreshold)

	volThreshold := smaVol.Mul(params.VolMult)
	volShock := curVolume.GreaterThan(volThreshold)

	if !priceShock || !volShock {
		return res, nil
	}

	direction := model.Long
	stop := curOpen.Sub(atr)
	if !curClose.GreaterThan(curOpen) {
		direction = model.Short
		stop = curOpen.Add(atr)
	}

	res.Signal = &model.TradeSignal{
		Symbol:      symbol,
		Direction:   direction,
		SignalPrice: curClose,
		StopPrice:   stop,
	}
	return res, nil
}
