// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
// The price model computes paths in float64 internally and converts to
// decimal at the package boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trend is the current Markov regime direction of an instrument.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderType selects how the entry price of a new position is determined.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// ImpactDirection classifies a narrative event's effect on price.
// The mapping from event text to direction/magnitude is decided by an
// external component; the engine only consumes the classification.
type ImpactDirection string

const (
	ImpactPositive ImpactDirection = "positive"
	ImpactNegative ImpactDirection = "negative"
	ImpactNeutral  ImpactDirection = "neutral"
)

// ImpactMagnitude classifies how large a narrative event's price jump is.
type ImpactMagnitude string

const (
	MagnitudeMajor    ImpactMagnitude = "major"
	MagnitudeModerate ImpactMagnitude = "moderate"
	MagnitudeMinor    ImpactMagnitude = "minor"
)

// Regime is the Markov regime state attached to each instrument.
type Regime struct {
	Trend      Trend   `json:"trend"`
	Volatility float64 `json:"volatility"` // [0.05, 0.5]
	Momentum   float64 `json:"momentum"`   // [-1, 1]
}

// Instrument is a simulated organization whose price the engine evolves.
// Created once at startup, mutated every minute tick and event impact,
// never destroyed while the engine runs.
type Instrument struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	Regime       Regime          `json:"regime"`
}

// InstrumentSeed is the externally supplied startup description of an
// instrument. CurrentPrice is optional; when zero the initial price is used.
type InstrumentSeed struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	CurrentPrice decimal.Decimal `json:"current_price,omitempty"`
}

// PricePoint is one minute of a generated price path. Ephemeral output:
// the engine does not retain these.
type PricePoint struct {
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// PriceUpdateEvent records a discrete event-driven price jump, forwarded
// to external broadcast/persistence collaborators.
type PriceUpdateEvent struct {
	ID            string          `json:"id"`
	InstrumentID  string          `json:"instrument_id"`
	Timestamp     time.Time       `json:"timestamp"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Reason        string          `json:"reason"`
	Impact        decimal.Decimal `json:"impact"` // signed impact fraction applied
}

// FundingRate holds a market's current funding parameters.
type FundingRate struct {
	Rate            decimal.Decimal `json:"rate"` // annualized; positive = longs pay shorts
	NextFundingTime time.Time       `json:"next_funding_time"`
	PredictedRate   decimal.Decimal `json:"predicted_rate"`
}

// Stats24h is a market's rolling 24-hour statistics, reset at each
// daily snapshot.
type Stats24h struct {
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
}

// PerpMarket is one tradable perpetual market tied to one instrument.
type PerpMarket struct {
	Ticker       string          `json:"ticker"`
	InstrumentID string          `json:"instrument_id"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	IndexPrice   decimal.Decimal `json:"index_price"`
	Stats        Stats24h        `json:"stats_24h"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Funding      FundingRate     `json:"funding_rate"`
	MaxLeverage  int             `json:"max_leverage"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
}

// Position is a leveraged perpetual position. Exclusively owned by the
// perp engine: lifecycle is OPEN → CLOSED or OPEN → LIQUIDATED, both
// terminal, and a used id is never reinserted.
type Position struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	Ticker               string          `json:"ticker"`
	OrganizationID       string          `json:"organization_id"` // underlying instrument id
	Side                 Side            `json:"side"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	Size                 decimal.Decimal `json:"size"` // posted margin notional
	Leverage             int             `json:"leverage"`
	LiquidationPrice     decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	FundingPaid          decimal.Decimal `json:"funding_paid"` // cumulative
	OpenedAt             time.Time       `json:"opened_at"`
	LastUpdated          time.Time       `json:"last_updated"`
}

// Notional returns size × leverage, the position's contribution to
// open interest.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// OrderRequest is an order submitted by a collaborator (API layer).
type OrderRequest struct {
	Ticker     string          `json:"ticker"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Leverage   int             `json:"leverage"`
	OrderType  OrderType       `json:"order_type"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// Liquidation is an append-only audit record, one per liquidated
// position, never mutated after creation.
type Liquidation struct {
	PositionID       string          `json:"position_id"`
	Ticker           string          `json:"ticker"`
	Side             Side            `json:"side"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	ActualPrice      decimal.Decimal `json:"actual_price"`
	Loss             decimal.Decimal `json:"loss"`
	Timestamp        time.Time       `json:"timestamp"`
}

// DailyPriceSnapshot is the end-of-day record for one ticker. Exactly
// one exists per ticker per UTC calendar date.
type DailyPriceSnapshot struct {
	Date           string          `json:"date"` // YYYY-MM-DD (UTC)
	Ticker         string          `json:"ticker"`
	OrganizationID string          `json:"organization_id"`
	Open           decimal.Decimal `json:"open"`
	Close          decimal.Decimal `json:"close"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Volume         decimal.Decimal `json:"volume"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TradingStats aggregates engine-wide activity for read access.
type TradingStats struct {
	OpenPositions     int             `json:"open_positions"`
	TotalOpenInterest decimal.Decimal `json:"total_open_interest"`
	TotalVolume24h    decimal.Decimal `json:"total_volume_24h"`
	Liquidations      int             `json:"liquidations"`
}

// EngineState is the full serialized state of the perpetuals engine,
// sufficient for a lossless process restart. ExportedAt is a live clock
// field and excluded from round-trip comparisons.
type EngineState struct {
	Markets       []PerpMarket         `json:"markets"`
	Positions     []Position           `json:"positions"`
	Liquidations  []Liquidation        `json:"liquidations"`
	Snapshots     []DailyPriceSnapshot `json:"snapshots"`
	SnapshotDates map[string]string    `json:"snapshot_dates"` // ticker → last snapshot date
	LastFundingAt time.Time            `json:"last_funding_at"`
	ExportedAt    time.Time            `json:"exported_at"`
}
