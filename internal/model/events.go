package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a domain event produced by a mutating engine call. Mutating
// calls return the events they produced instead of invoking callbacks,
// so the core stays testable without any transport dependency.
type Event interface {
	// Kind returns the event type tag used by broadcast/persistence.
	Kind() string
}

// Event kind tags.
const (
	KindPositionOpened     = "position_opened"
	KindPositionClosed     = "position_closed"
	KindPositionLiquidated = "position_liquidated"
	KindFundingProcessed   = "funding_processed"
	KindSnapshotRecorded   = "snapshot_recorded"
	KindPriceUpdate        = "price_update"
)

// PositionOpened is raised when openPosition commits.
type PositionOpened struct {
	Position Position `json:"position"`
}

func (PositionOpened) Kind() string { return KindPositionOpened }

// PositionClosed is raised when closePosition commits. RealizedPnL is
// net of cumulative funding.
type PositionClosed struct {
	Position    Position        `json:"position"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

func (PositionClosed) Kind() string { return KindPositionClosed }

// PositionLiquidated is raised when a mark-to-market sweep liquidates a
// position. Liquidation is a normal terminal transition, not an error.
type PositionLiquidated struct {
	Position    Position    `json:"position"`
	Liquidation Liquidation `json:"liquidation"`
}

func (PositionLiquidated) Kind() string { return KindPositionLiquidated }

// FundingProcessed is raised once per successful funding sweep.
type FundingProcessed struct {
	SweepTime       time.Time       `json:"sweep_time"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	Positions       int             `json:"positions"`
	TotalPaid       decimal.Decimal `json:"total_paid"` // Σ |payment|
}

func (FundingProcessed) Kind() string { return KindFundingProcessed }

// SnapshotRecorded is raised once per ticker per daily snapshot.
type SnapshotRecorded struct {
	Snapshot DailyPriceSnapshot `json:"snapshot"`
}

func (SnapshotRecorded) Kind() string { return KindSnapshotRecorded }

// PriceUpdated wraps a discrete event-driven price jump as a domain event.
type PriceUpdated struct {
	Update PriceUpdateEvent `json:"update"`
}

func (PriceUpdated) Kind() string { return KindPriceUpdate }
