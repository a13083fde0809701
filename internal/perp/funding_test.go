package perp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

// expectedFunding mirrors the engine's fixed funding contract:
// size × rate × hours / (365×24), rounded to PnLScale.
func expectedFunding(size, rate decimal.Decimal, hours float64) decimal.Decimal {
	return size.Mul(rate).Mul(decimal.NewFromFloat(hours)).Div(hoursPerYear).Round(PnLScale)
}

func TestProcessFunding_GateBlocksInsideWindow(t *testing.T) {
	e, c := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	c.Advance(7*time.Hour + 59*time.Minute)
	if events := e.ProcessFunding(); events != nil {
		t.Fatalf("sweep inside the 8h window produced events: %v", events)
	}
	got, _ := e.Position(pos.ID)
	if !got.FundingPaid.IsZero() {
		t.Errorf("fundingPaid moved inside the window: %s", got.FundingPaid)
	}
}

func TestProcessFunding_NoDoubleFunding(t *testing.T) {
	e, c := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	c.Advance(8 * time.Hour)
	if events := e.ProcessFunding(); len(events) != 1 {
		t.Fatalf("expected one funding_processed event, got %v", events)
	}
	first, _ := e.Position(pos.ID)
	if first.FundingPaid.IsZero() {
		t.Fatal("sweep did not charge the open position")
	}

	// Second call within the new window: idempotent no-op.
	c.Advance(time.Hour)
	if events := e.ProcessFunding(); events != nil {
		t.Fatalf("second sweep inside window produced events: %v", events)
	}
	second, _ := e.Position(pos.ID)
	if !second.FundingPaid.Equal(first.FundingPaid) {
		t.Errorf("fundingPaid changed on idempotent call: %s -> %s",
			first.FundingPaid, second.FundingPaid)
	}
}

func TestProcessFunding_AccrualAndSign(t *testing.T) {
	e, c := newTestEngine(t)
	long := mustOpen(t, e, "long-user", marketOrder(1000, 10, model.SideLong))
	short := mustOpen(t, e, "short-user", marketOrder(2000, 5, model.SideShort))

	c.Advance(8 * time.Hour)
	events := e.ProcessFunding()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %v", events)
	}
	sweep := events[0].(model.FundingProcessed)
	if sweep.Positions != 2 {
		t.Errorf("charged positions = %d, want 2", sweep.Positions)
	}

	rate := d(0.01)
	wantLong := expectedFunding(d(1000), rate, 8)
	wantShort := expectedFunding(d(2000), rate, 8).Neg()

	gotLong, _ := e.Position(long.ID)
	if !gotLong.FundingPaid.Equal(wantLong) {
		t.Errorf("long fundingPaid = %s, want %s (longs pay on positive rate)",
			gotLong.FundingPaid, wantLong)
	}
	gotShort, _ := e.Position(short.ID)
	if !gotShort.FundingPaid.Equal(wantShort) {
		t.Errorf("short fundingPaid = %s, want %s (shorts receive on positive rate)",
			gotShort.FundingPaid, wantShort)
	}

	wantTotal := wantLong.Abs().Add(wantShort.Abs())
	if !sweep.TotalPaid.Equal(wantTotal) {
		t.Errorf("total paid = %s, want %s", sweep.TotalPaid, wantTotal)
	}
}

func TestProcessFunding_AccruesFromOpenNotWindowStart(t *testing.T) {
	e, c := newTestEngine(t)

	// Position opens 6 hours into the window: only 2 hours accrue.
	c.Advance(6 * time.Hour)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	c.Advance(2 * time.Hour)
	e.ProcessFunding()

	got, _ := e.Position(pos.ID)
	want := expectedFunding(d(1000), d(0.01), 2)
	if !got.FundingPaid.Equal(want) {
		t.Errorf("fundingPaid = %s, want %s (2 hours held)", got.FundingPaid, want)
	}
}

func TestProcessFunding_AdvancesClocks(t *testing.T) {
	e, c := newTestEngine(t)

	// testStart is 09:30 UTC; after advancing 8h it is 17:30, so the
	// next boundary is midnight.
	c.Advance(8 * time.Hour)
	e.ProcessFunding()

	want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if got := e.NextFundingTime(); !got.Equal(want) {
		t.Errorf("next funding = %v, want %v", got, want)
	}
	market, _ := e.Market("XCORP-PERP")
	if !market.Funding.NextFundingTime.Equal(want) {
		t.Errorf("market clock = %v, want %v", market.Funding.NextFundingTime, want)
	}
}

func TestNextFundingBoundary(t *testing.T) {
	tests := []struct {
		at   time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 7, 59, 59, 0, time.UTC), time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextFundingBoundary(tt.at); !got.Equal(tt.want) {
			t.Errorf("nextFundingBoundary(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}
