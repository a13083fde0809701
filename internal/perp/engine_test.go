package perp

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
	"github.com/orgsim/market-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// clock is a settable test clock.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(dur time.Duration) { c.t = c.t.Add(dur) }

var testStart = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// newTestEngine creates an engine with a single market XCORP-PERP at
// price 100, backed by a settable clock.
func newTestEngine(t *testing.T) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: testStart}
	e := NewEngine(nil)
	e.now = c.Now
	e.InitializeMarkets([]model.Instrument{
		{ID: "org-x", Name: "Xcorp", CurrentPrice: d(100), InitialPrice: d(100)},
	})
	return e, c
}

func mustOpen(t *testing.T, e *Engine, userID string, order model.OrderRequest) model.Position {
	t.Helper()
	pos, events, err := e.OpenPosition(userID, order)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind() != model.KindPositionOpened {
		t.Fatalf("expected one position_opened event, got %v", events)
	}
	return pos
}

func marketOrder(size float64, leverage int, side model.Side) model.OrderRequest {
	return model.OrderRequest{
		Ticker:    "XCORP-PERP",
		Side:      side,
		Size:      d(size),
		Leverage:  leverage,
		OrderType: model.OrderTypeMarket,
	}
}

func TestInitializeMarkets_Defaults(t *testing.T) {
	e, _ := newTestEngine(t)

	market, err := e.Market("XCORP-PERP")
	if err != nil {
		t.Fatalf("market not created: %v", err)
	}
	if !market.Funding.Rate.Equal(d(0.01)) {
		t.Errorf("funding rate = %s, want 0.01", market.Funding.Rate)
	}
	if market.MaxLeverage != 100 {
		t.Errorf("max leverage = %d, want 100", market.MaxLeverage)
	}
	if !market.MinOrderSize.Equal(d(10)) {
		t.Errorf("min order size = %s, want 10", market.MinOrderSize)
	}
	if !market.Stats.Open.Equal(d(100)) || !market.Stats.High.Equal(d(100)) || !market.Stats.Low.Equal(d(100)) {
		t.Errorf("24h stats not initialized to current price: %+v", market.Stats)
	}
}

func TestInitializeMarkets_SkipsUnknownPriceAndResolvesCollisions(t *testing.T) {
	e := NewEngine(nil)
	e.InitializeMarkets([]model.Instrument{
		{ID: "a", Name: "Acme Robotics", CurrentPrice: d(10)},
		{ID: "b", Name: "Acme Industrial", CurrentPrice: d(20)},
		{ID: "c", Name: "No Price Co"},
	})

	markets := e.Markets()
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}
	if _, err := e.Market("ACME-PERP"); err != nil {
		t.Errorf("ACME-PERP missing: %v", err)
	}
	if _, err := e.Market("ACME2-PERP"); err != nil {
		t.Errorf("collision ticker ACME2-PERP missing: %v", err)
	}
}

func TestOpenPosition_Validation(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name    string
		order   model.OrderRequest
		wantErr error
	}{
		{"unknown market", model.OrderRequest{Ticker: "NOPE-PERP", Side: model.SideLong, Size: d(100), Leverage: 5, OrderType: model.OrderTypeMarket}, ErrMarketNotFound},
		{"undersized", marketOrder(9.99, 5, model.SideLong), ErrOrderTooSmall},
		{"zero leverage", marketOrder(100, 0, model.SideLong), ErrInvalidLeverage},
		{"excess leverage", marketOrder(100, 101, model.SideLong), ErrInvalidLeverage},
		{"limit without price", model.OrderRequest{Ticker: "XCORP-PERP", Side: model.SideLong, Size: d(100), Leverage: 5, OrderType: model.OrderTypeLimit}, ErrInvalidLimitPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, events, err := e.OpenPosition("user-1", tt.order)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if events != nil {
				t.Errorf("rejected order produced events: %v", events)
			}
		})
	}

	if got := len(e.OpenPositions()); got != 0 {
		t.Errorf("rejected orders left %d open positions", got)
	}
}

func TestOpenPosition_LiquidationSafety(t *testing.T) {
	e, _ := newTestEngine(t)
	one := decimal.NewFromInt(1)
	tolerance := d(1e-12)

	tests := []struct {
		side     model.Side
		leverage int
	}{
		{model.SideLong, 1},
		{model.SideLong, 3},
		{model.SideLong, 10},
		{model.SideLong, 100},
		{model.SideShort, 2},
		{model.SideShort, 7},
		{model.SideShort, 100},
	}

	for _, tt := range tests {
		pos := mustOpen(t, e, "user-1", marketOrder(1000, tt.leverage, tt.side))

		// Distance from entry ≈ entry / leverage.
		distance := pos.EntryPrice.Sub(pos.LiquidationPrice).Abs()
		wantFrac := one.Div(decimal.NewFromInt(int64(tt.leverage)))
		gotFrac := distance.Div(pos.EntryPrice)
		if gotFrac.Sub(wantFrac).Abs().GreaterThan(tolerance) {
			t.Errorf("%s lev %d: |entry-liq|/entry = %s, want ~%s",
				tt.side, tt.leverage, gotFrac, wantFrac)
		}

		// Correct side of entry.
		switch tt.side {
		case model.SideLong:
			if pos.LiquidationPrice.GreaterThanOrEqual(pos.EntryPrice) && tt.leverage > 1 {
				t.Errorf("long liq price %s not below entry %s", pos.LiquidationPrice, pos.EntryPrice)
			}
			if pos.LiquidationPrice.IsNegative() {
				t.Errorf("long liq price %s negative", pos.LiquidationPrice)
			}
		case model.SideShort:
			if !pos.LiquidationPrice.GreaterThan(pos.EntryPrice) {
				t.Errorf("short liq price %s not above entry %s", pos.LiquidationPrice, pos.EntryPrice)
			}
		}
	}
}

func TestOpenPosition_LimitPriceEntry(t *testing.T) {
	e, _ := newTestEngine(t)

	order := model.OrderRequest{
		Ticker:     "XCORP-PERP",
		Side:       model.SideLong,
		Size:       d(500),
		Leverage:   4,
		OrderType:  model.OrderTypeLimit,
		LimitPrice: d(95),
	}
	pos := mustOpen(t, e, "user-1", order)
	if !pos.EntryPrice.Equal(d(95)) {
		t.Errorf("limit entry = %s, want 95", pos.EntryPrice)
	}
}

func TestOpenPosition_ExposureLimits(t *testing.T) {
	limiter := risk.NewLimiter(d(10000), d(50000))
	c := &clock{t: testStart}
	e := NewEngine(limiter)
	e.now = c.Now
	e.InitializeMarkets([]model.Instrument{
		{ID: "org-x", Name: "Xcorp", CurrentPrice: d(100)},
	})

	// 1000 × 5 = 5000 notional is fine; a second would exceed 10000? No:
	// exactly 10000 is allowed, the third order breaks the user cap.
	mustOpen(t, e, "user-1", marketOrder(1000, 5, model.SideLong))
	mustOpen(t, e, "user-1", marketOrder(1000, 5, model.SideLong))
	if _, _, err := e.OpenPosition("user-1", marketOrder(1000, 5, model.SideLong)); !errors.Is(err, risk.ErrUserExposureExceeded) {
		t.Errorf("err = %v, want ErrUserExposureExceeded", err)
	}

	// Other users fill the market cap: 10000 + 4×10000 = 50000 exactly.
	for _, user := range []string{"user-2", "user-3", "user-4", "user-5"} {
		mustOpen(t, e, user, marketOrder(100, 100, model.SideShort))
	}
	if _, _, err := e.OpenPosition("user-6", marketOrder(10, 100, model.SideLong)); !errors.Is(err, risk.ErrMarketExposureExceeded) {
		t.Errorf("err = %v, want ErrMarketExposureExceeded", err)
	}
}

// openInterestInvariant asserts Σ(size×leverage) over open positions
// equals the market's openInterest.
func openInterestInvariant(t *testing.T, e *Engine, ticker string) {
	t.Helper()
	market, err := e.Market(ticker)
	if err != nil {
		t.Fatalf("market %s: %v", ticker, err)
	}
	sum := decimal.Zero
	for _, pos := range e.OpenPositions() {
		if pos.Ticker == ticker {
			sum = sum.Add(pos.Notional())
		}
	}
	if !sum.Equal(market.OpenInterest) {
		t.Fatalf("open-interest conservation violated: Σ notional = %s, market OI = %s",
			sum, market.OpenInterest)
	}
}

func TestOpenInterestConservation(t *testing.T) {
	e, _ := newTestEngine(t)

	a := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))
	openInterestInvariant(t, e, "XCORP-PERP")

	mustOpen(t, e, "user-2", marketOrder(500, 20, model.SideShort))
	openInterestInvariant(t, e, "XCORP-PERP")

	c := mustOpen(t, e, "user-1", marketOrder(250, 4, model.SideLong))
	openInterestInvariant(t, e, "XCORP-PERP")

	if _, _, err := e.ClosePosition(a.ID); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	openInterestInvariant(t, e, "XCORP-PERP")

	// Crash the price: the long c (leverage 4, liq at 75) liquidates,
	// the short survives.
	events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(70)})
	openInterestInvariant(t, e, "XCORP-PERP")

	liquidated := 0
	for _, evt := range events {
		if evt.Kind() == model.KindPositionLiquidated {
			liquidated++
		}
	}
	if liquidated != 1 {
		t.Fatalf("expected exactly 1 liquidation event, got %d", liquidated)
	}
	if _, err := e.Position(c.ID); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("liquidated position still readable: %v", err)
	}
}

func TestClosePosition_RealizedPnL(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(102)})

	realized, events, err := e.ClosePosition(pos.ID)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// (102-100)/100 × 1000 × 10 = 200, no funding accrued.
	if !realized.Equal(d(200)) {
		t.Errorf("realized = %s, want 200", realized)
	}
	if len(events) != 1 || events[0].Kind() != model.KindPositionClosed {
		t.Fatalf("expected position_closed event, got %v", events)
	}
	closed := events[0].(model.PositionClosed)
	if !closed.RealizedPnL.Equal(realized) {
		t.Errorf("event pnl %s != returned %s", closed.RealizedPnL, realized)
	}

	// Terminal: the id is gone for good.
	if _, _, err := e.ClosePosition(pos.ID); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("second close: err = %v, want ErrPositionNotFound", err)
	}
	if got := e.UserPositions("user-1"); len(got) != 0 {
		t.Errorf("closed position still listed: %v", got)
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, _, err := e.ClosePosition("nonexistent"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("err = %v, want ErrPositionNotFound", err)
	}
}

// TestLiquidation_ScenarioA walks the canonical scenario: long,
// size 1000, leverage 10, entry 100. Liquidation must trigger exactly
// when the price reaches 90, with loss equal to the full margin.
func TestLiquidation_ScenarioA(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	if !pos.LiquidationPrice.Equal(d(90)) {
		t.Fatalf("liquidation price = %s, want 90", pos.LiquidationPrice)
	}

	// 100 and 95: marked to market, no liquidation.
	for _, price := range []float64{100, 95} {
		events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(price)})
		if len(events) != 0 {
			t.Fatalf("price %v should not liquidate, got %v", price, events)
		}
	}
	marked, err := e.Position(pos.ID)
	if err != nil {
		t.Fatalf("position gone before liquidation: %v", err)
	}
	if !marked.UnrealizedPnL.Equal(d(-500)) {
		t.Errorf("pnl at 95 = %s, want -500", marked.UnrealizedPnL)
	}
	if !marked.UnrealizedPnLPercent.Equal(d(-50)) {
		t.Errorf("pnl%% at 95 = %s, want -50", marked.UnrealizedPnLPercent)
	}

	// Exactly 90: liquidation, synchronously in this call.
	events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(90)})
	if len(events) != 1 {
		t.Fatalf("expected 1 event at 90, got %d", len(events))
	}
	liq, ok := events[0].(model.PositionLiquidated)
	if !ok {
		t.Fatalf("expected PositionLiquidated, got %T", events[0])
	}
	if !liq.Liquidation.Loss.Equal(d(1000)) {
		t.Errorf("loss = %s, want full margin 1000", liq.Liquidation.Loss)
	}
	if !liq.Liquidation.ActualPrice.Equal(d(90)) {
		t.Errorf("actual price = %s, want 90", liq.Liquidation.ActualPrice)
	}

	// Exclusivity: gone from reads, exactly once in the log.
	if got := e.UserPositions("user-1"); len(got) != 0 {
		t.Errorf("liquidated position still in user positions: %v", got)
	}
	log := e.Liquidations()
	if len(log) != 1 || log[0].PositionID != pos.ID {
		t.Fatalf("liquidation log = %v, want exactly one entry for %s", log, pos.ID)
	}

	// 85: nothing left to liquidate.
	if events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(85)}); len(events) != 0 {
		t.Errorf("post-liquidation update produced events: %v", events)
	}
	if log := e.Liquidations(); len(log) != 1 {
		t.Errorf("liquidation recorded more than once: %d entries", len(log))
	}
}

func TestLiquidation_Short(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(800, 4, model.SideShort))

	if !pos.LiquidationPrice.Equal(d(125)) {
		t.Fatalf("short liq price = %s, want 125", pos.LiquidationPrice)
	}

	if events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(124.99)}); len(events) != 0 {
		t.Fatalf("price below trigger should not liquidate short")
	}
	events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(125)})
	if len(events) != 1 || events[0].Kind() != model.KindPositionLiquidated {
		t.Fatalf("short not liquidated at trigger: %v", events)
	}
}

func TestUpdatePositions_RefreshesMarketStats(t *testing.T) {
	e, _ := newTestEngine(t)

	e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(110)})
	e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(95)})

	market, _ := e.Market("XCORP-PERP")
	if !market.MarkPrice.Equal(d(95)) || !market.IndexPrice.Equal(d(95)) {
		t.Errorf("mark/index = %s/%s, want 95/95", market.MarkPrice, market.IndexPrice)
	}
	if !market.Stats.High.Equal(d(110)) {
		t.Errorf("24h high = %s, want 110", market.Stats.High)
	}
	if !market.Stats.Low.Equal(d(95)) {
		t.Errorf("24h low = %s, want 95", market.Stats.Low)
	}
	if !market.Stats.Change.Equal(d(-5)) {
		t.Errorf("24h change = %s, want -5", market.Stats.Change)
	}
}

func TestUpdatePositions_SkipsDegeneratePrices(t *testing.T) {
	e, _ := newTestEngine(t)
	pos := mustOpen(t, e, "user-1", marketOrder(1000, 10, model.SideLong))

	events := e.UpdatePositions(map[string]decimal.Decimal{"org-x": d(0)})
	if len(events) != 0 {
		t.Fatalf("zero price produced events: %v", events)
	}

	got, err := e.Position(pos.ID)
	if err != nil {
		t.Fatalf("position vanished: %v", err)
	}
	if !got.CurrentPrice.Equal(d(100)) {
		t.Errorf("degenerate price applied: current = %s", got.CurrentPrice)
	}
	market, _ := e.Market("XCORP-PERP")
	if !market.MarkPrice.Equal(d(100)) {
		t.Errorf("degenerate price reached market: mark = %s", market.MarkPrice)
	}
}
