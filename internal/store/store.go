// Package store defines the persistence interface for the market engine.
// The engines never call it directly: the scheduler and HTTP service
// persist committed state and audit records after the in-memory
// mutation has been applied. Implementations include PostgreSQL
// (source of truth), Redis (read-through cache), and in-memory (for
// testing and single-process runs).
package store

import (
	"context"
	"errors"

	"github.com/orgsim/market-engine/internal/model"
)

// ErrNoState is returned by LoadEngineState when no export has been saved.
var ErrNoState = errors.New("store: no saved engine state")

// Store is the persistence interface. Failures never roll back engine
// state; callers log and move on.
type Store interface {
	// --- Engine state export/import ---

	// SaveEngineState persists a full engine export, replacing any
	// previous one.
	SaveEngineState(ctx context.Context, state model.EngineState) error

	// LoadEngineState returns the most recent export, or ErrNoState.
	LoadEngineState(ctx context.Context) (*model.EngineState, error)

	// --- Append-only audit records ---

	// InsertLiquidation appends a liquidation audit record.
	InsertLiquidation(ctx context.Context, liq model.Liquidation) error

	// ListLiquidations returns liquidations, optionally filtered by
	// ticker (empty = all), oldest first.
	ListLiquidations(ctx context.Context, ticker string) ([]model.Liquidation, error)

	// InsertSnapshot appends a daily price snapshot.
	InsertSnapshot(ctx context.Context, snap model.DailyPriceSnapshot) error

	// ListSnapshots returns daily snapshots for a ticker, oldest first.
	ListSnapshots(ctx context.Context, ticker string) ([]model.DailyPriceSnapshot, error)

	// InsertPriceEvent appends an event-driven price update record.
	InsertPriceEvent(ctx context.Context, evt model.PriceUpdateEvent) error

	// ListPriceEvents returns the most recent price events for an
	// instrument, newest first, capped at limit.
	ListPriceEvents(ctx context.Context, instrumentID string, limit int) ([]model.PriceUpdateEvent, error)
}
