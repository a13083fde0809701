package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

// fundingInterval is the minimum gap between funding sweeps.
const fundingInterval = 8 * time.Hour

// hoursPerYear is the fixed annualization denominator (365×24),
// ignoring leap years.
var hoursPerYear = decimal.NewFromInt(365 * 24)

// ProcessFunding runs one funding sweep, or does nothing if less than
// eight hours have elapsed since the previous sweep. The gate is
// monotonic: re-entrant calls inside the window are idempotent no-ops
// and never move fundingPaid.
//
// Each open position pays size × rate × (hoursHeld / (365×24)), where
// hoursHeld counts from the later of position open and the previous
// sweep, so the same hours are never charged twice. Positive rates
// mean longs pay shorts; the sign flips by side. After the sweep the
// global and per-market clocks advance to the next boundary among
// {00:00, 08:00, 16:00 UTC}.
func (e *Engine) ProcessFunding() []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	if now.Sub(e.lastFundingAt) < fundingInterval {
		return nil
	}

	windowStart := e.lastFundingAt
	totalPaid := decimal.Zero
	charged := 0

	for _, id := range e.sortedPositionIDsLocked() {
		pos := e.positions[id]
		market, ok := e.markets[pos.Ticker]
		if !ok {
			continue
		}

		from := windowStart
		if pos.OpenedAt.After(from) {
			from = pos.OpenedAt
		}
		hoursHeld := now.Sub(from).Hours()
		if hoursHeld <= 0 {
			continue
		}

		payment := pos.Size.
			Mul(market.Funding.Rate).
			Mul(decimal.NewFromFloat(hoursHeld)).
			Div(hoursPerYear).
			Round(PnLScale)

		// Rate convention: positive rate → longs pay shorts.
		if pos.Side == model.SideShort {
			pos.FundingPaid = pos.FundingPaid.Sub(payment)
		} else {
			pos.FundingPaid = pos.FundingPaid.Add(payment)
		}
		pos.LastUpdated = now

		totalPaid = totalPaid.Add(payment.Abs())
		charged++
	}

	e.lastFundingAt = now
	e.nextFundingAt = nextFundingBoundary(now)
	for _, market := range e.markets {
		market.Funding.NextFundingTime = e.nextFundingAt
	}

	return []model.Event{model.FundingProcessed{
		SweepTime:       now,
		NextFundingTime: e.nextFundingAt,
		Positions:       charged,
		TotalPaid:       totalPaid,
	}}
}

// NextFundingTime returns the next scheduled funding boundary.
func (e *Engine) NextFundingTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextFundingAt
}

// nextFundingBoundary returns the first of 00:00, 08:00, 16:00 UTC
// strictly after t.
func nextFundingBoundary(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for b := midnight; ; b = b.Add(fundingInterval) {
		if b.After(t) {
			return b
		}
	}
}
