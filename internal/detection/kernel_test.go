package detection

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/shockline/engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tenFlatBars builds the "10 closed bars, close=open=10.00, H-L=0.10" fixture
// from spec.md scenario 1/2, giving ATR10=0.10 and SMAVol20=1000.
func tenFlatBars() []model.Bar {
	bars := make([]model.Bar, 10)
	cumVol := decimal.Zero
	for i := range bars {
		cumVol = cumVol.Add(d("1000"))
		bars[i] = model.Bar{
			Open:      d("10.00"),
			High:      d("10.05"),
			Low:       d("9.95"),
			Close:     d("10.00"),
			Volume:    d("1000"),
			CumVolume: cumVol,
		}
	}
	return bars
}

func TestHappyPathLongSignal(t *testing.T) {
	bars := tenFlatBars()
	snapshot := model.Snapshot{
		Symbol:    "KITT",
		Price:     d("10.40"),
		CumVolume: bars[len(bars)-1].CumVolume.Add(d("6000")),
	}

	res, err := Evaluate("KITT", bars, snapshot, DefaultParams())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.ATR10.Equal(d("0.10")) {
		t.Fatalf("expected ATR10=0.10, got %s", res.ATR10)
	}
	if !res.SMAVol20.Equal(d("1000")) {
		t.Fatalf("expected SMAVol20=1000, got %s", res.SMAVol20)
	}
	if res.Signal == nil {
		t.Fatal("expected a signal")
	}
	if res.Signal.Direction != model.Long {
		t.Fatalf("expected Long, got %s", res.Signal.Direction)
	}
	if !res.Signal.StopPrice.Equal(d("9.90")) {
		t.Fatalf("expected stop=9.90, got %s", res.Signal.StopPrice)
	}
}

func TestVolumeOnlyShockRejected(t *testing.T) {
	bars := tenFlatBars()
	snapshot := model.Snapshot{
		Symbol:    "KITT",
		Price:     d("10.20"),
		CumVolume: bars[len(bars)-1].CumVolume.Add(d("9000")),
	}

	res, err := Evaluate("KITT", bars, snapshot, DefaultParams())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Signal != nil {
		t.Fatalf("expected no signal, got %+v", res.Signal)
	}
}

func TestShortSignalWhenCloseBelowOpen(t *testing.T) {
	bars := tenFlatBars()
	snapshot := model.Snapshot{
		Symbol:    "KITT",
		Price:     d("9.60"),
		CumVolume: bars[len(bars)-1].CumVolume.Add(d("6000")),
	}

	res, err := Evaluate("KITT", bars, snapshot, DefaultParams())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Signal == nil {
		t.Fatal("expected a signal")
	}
	if res.Signal.Direction != model.Short {
		t.Fatalf("expected Short, got %s", res.Signal.Direction)
	}
	if !res.Signal.StopPrice.Equal(d("10.10")) {
		t.Fatalf("expected stop=10.10, got %s", res.Signal.StopPrice)
	}
}

func TestFewerThanTenBarsReturnsNoSignal(t *testing.T) {
	bars := tenFlatBars()[:9]
	if _, err := ATR10(bars); err != model.ErrInsufficientBars {
		t.Fatalf("expected ErrInsufficientBars for 9 bars, got %v", err)
	}
	if _, err := Evaluate("KITT", bars, model.Snapshot{}, DefaultParams()); err != model.ErrInsufficientBars {
		t.Fatalf("expected ErrInsufficientBars for 9 bars, got %v", err)
	}

	// SMAVol20 on its own still degrades gracefully: it backs the
	// diagnostic-only 20-bar window, not the 10-bar ATR floor that gates
	// whether a signal may fire at all.
	smaVol, diag := SMAVol20(bars)
	if diag == nil {
		t.Fatal("expected a diagnostic for fewer than 20 bars")
	}
	if !smaVol.Equal(d("1000")) {
		t.Fatalf("expected SMAVol20=1000, got %s", smaVol)
	}
}

func TestNoBarsIsInsufficientBars(t *testing.T) {
	if _, err := ATR10(nil); err != model.ErrInsufficientBars {
		t.Fatalf("expected ErrInsufficientBars, got %v", err)
	}
	if _, err := Evaluate("KITT", nil, model.Snapshot{}, DefaultParams()); err != model.ErrInsufficientBars {
		t.Fatalf("expected ErrInsufficientBars, got %v", err)
	}
}
