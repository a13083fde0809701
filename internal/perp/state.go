package perp

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

// ExportState serializes the full engine state: positions, markets,
// funding clocks, snapshot history and guard, and the liquidation log.
// Sufficient for a lossless process restart; export→import→export is
// structurally identical modulo ExportedAt.
func (e *Engine) ExportState() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := model.EngineState{
		Markets:       make([]model.PerpMarket, 0, len(e.markets)),
		Positions:     make([]model.Position, 0, len(e.positions)),
		Liquidations:  append([]model.Liquidation(nil), e.liquidations...),
		Snapshots:     append([]model.DailyPriceSnapshot(nil), e.snapshots...),
		SnapshotDates: make(map[string]string, len(e.snapshotDates)),
		LastFundingAt: e.lastFundingAt,
		ExportedAt:    e.now().UTC(),
	}

	for _, ticker := range e.sortedTickersLocked() {
		state.Markets = append(state.Markets, *e.markets[ticker])
	}
	for _, id := range e.sortedPositionIDsLocked() {
		state.Positions = append(state.Positions, *e.positions[id])
	}
	for ticker, date := range e.snapshotDates {
		state.SnapshotDates[ticker] = date
	}
	return state
}

// ImportState replaces the engine's state wholesale with a previously
// exported one. Intended for process restart, before the scheduler runs.
func (e *Engine) ImportState(state model.EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markets = make(map[string]*model.PerpMarket, len(state.Markets))
	e.tickerByOrg = make(map[string]string, len(state.Markets))
	for i := range state.Markets {
		m := state.Markets[i]
		e.markets[m.Ticker] = &m
		e.tickerByOrg[m.InstrumentID] = m.Ticker
	}

	e.positions = make(map[string]*model.Position, len(state.Positions))
	for i := range state.Positions {
		p := state.Positions[i]
		e.positions[p.ID] = &p
	}

	e.liquidations = append([]model.Liquidation(nil), state.Liquidations...)
	e.snapshots = append([]model.DailyPriceSnapshot(nil), state.Snapshots...)

	e.snapshotDates = make(map[string]string, len(state.SnapshotDates))
	for ticker, date := range state.SnapshotDates {
		e.snapshotDates[ticker] = date
	}

	e.lastFundingAt = state.LastFundingAt
	e.nextFundingAt = nextFundingBoundary(e.lastFundingAt)
	for _, market := range e.markets {
		market.Funding.NextFundingTime = e.nextFundingAt
	}
}

// --- Read accessors (copies only, never live references) ---

// Markets returns all markets sorted by ticker.
func (e *Engine) Markets() []model.PerpMarket {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.PerpMarket, 0, len(e.markets))
	for _, ticker := range e.sortedTickersLocked() {
		out = append(out, *e.markets[ticker])
	}
	return out
}

// Market returns one market by ticker.
func (e *Engine) Market(ticker string) (model.PerpMarket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	market, ok := e.markets[ticker]
	if !ok {
		return model.PerpMarket{}, ErrMarketNotFound
	}
	return *market, nil
}

// MarketByInstrument returns the market tied to an instrument id.
func (e *Engine) MarketByInstrument(instrumentID string) (model.PerpMarket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ticker, ok := e.tickerByOrg[instrumentID]
	if !ok {
		return model.PerpMarket{}, ErrMarketNotFound
	}
	return *e.markets[ticker], nil
}

// UserPositions returns a user's open positions, oldest first. Closed
// and liquidated positions never appear.
func (e *Engine) UserPositions(userID string) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.Position
	for _, id := range e.sortedPositionIDsLocked() {
		if pos := e.positions[id]; pos.UserID == userID {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Position returns one open position by id.
func (e *Engine) Position(id string) (model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[id]
	if !ok {
		return model.Position{}, ErrPositionNotFound
	}
	return *pos, nil
}

// OpenPositions returns every open position in stable id order.
func (e *Engine) OpenPositions() []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Position, 0, len(e.positions))
	for _, id := range e.sortedPositionIDsLocked() {
		out = append(out, *e.positions[id])
	}
	return out
}

// Liquidations returns the append-only liquidation log.
func (e *Engine) Liquidations() []model.Liquidation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Liquidation(nil), e.liquidations...)
}

// Snapshots returns daily snapshots, optionally filtered by ticker
// (empty = all), oldest first.
func (e *Engine) Snapshots(ticker string) []model.DailyPriceSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ticker == "" {
		return append([]model.DailyPriceSnapshot(nil), e.snapshots...)
	}
	var out []model.DailyPriceSnapshot
	for _, snap := range e.snapshots {
		if snap.Ticker == ticker {
			out = append(out, snap)
		}
	}
	return out
}

// Stats aggregates engine-wide trading activity.
func (e *Engine) Stats() model.TradingStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := model.TradingStats{
		OpenPositions:     len(e.positions),
		TotalOpenInterest: decimal.Zero,
		TotalVolume24h:    decimal.Zero,
		Liquidations:      len(e.liquidations),
	}
	for _, market := range e.markets {
		stats.TotalOpenInterest = stats.TotalOpenInterest.Add(market.OpenInterest)
		stats.TotalVolume24h = stats.TotalVolume24h.Add(market.Stats.Volume)
	}
	return stats
}
