package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. The full engine export lives in a single JSONB row (it is a
// restart artifact, not a query surface); audit records get their own
// append-only tables with NUMERIC columns for exact decimal values.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveEngineState(ctx context.Context, state model.EngineState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, state, exported_at)
		 VALUES (1, $1::JSONB, $2)
		 ON CONFLICT (id) DO UPDATE SET state = $1::JSONB, exported_at = $2`,
		data, state.ExportedAt,
	)
	return err
}

func (s *PostgresStore) LoadEngineState(ctx context.Context) (*model.EngineState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM engine_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}

	var state model.EngineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal engine state: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) InsertLiquidation(ctx context.Context, liq model.Liquidation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidations (position_id, ticker, side, liquidation_price, actual_price, loss, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		liq.PositionID, liq.Ticker, string(liq.Side),
		liq.LiquidationPrice.String(), liq.ActualPrice.String(), liq.Loss.String(),
		liq.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListLiquidations(ctx context.Context, ticker string) ([]model.Liquidation, error) {
	query := `SELECT position_id, ticker, side,
	                 liquidation_price::TEXT, actual_price::TEXT, loss::TEXT, timestamp
	          FROM liquidations`
	args := []any{}
	if ticker != "" {
		query += ` WHERE ticker = $1`
		args = append(args, ticker)
	}
	query += ` ORDER BY timestamp`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Liquidation
	for rows.Next() {
		var liq model.Liquidation
		var side, liqPrice, actual, loss string
		if err := rows.Scan(&liq.PositionID, &liq.Ticker, &side,
			&liqPrice, &actual, &loss, &liq.Timestamp); err != nil {
			return nil, err
		}
		liq.Side = model.Side(side)
		liq.LiquidationPrice, _ = decimal.NewFromString(liqPrice)
		liq.ActualPrice, _ = decimal.NewFromString(actual)
		liq.Loss, _ = decimal.NewFromString(loss)
		result = append(result, liq)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap model.DailyPriceSnapshot) error {
	// One row per ticker per date; a duplicate request is a no-op to
	// match the engine's internal guard.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_snapshots (date, ticker, organization_id, open, close, high, low, volume, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (date, ticker) DO NOTHING`,
		snap.Date, snap.Ticker, snap.OrganizationID,
		snap.Open.String(), snap.Close.String(), snap.High.String(), snap.Low.String(),
		snap.Volume.String(), snap.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, ticker string) ([]model.DailyPriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, ticker, organization_id,
		        open::TEXT, close::TEXT, high::TEXT, low::TEXT, volume::TEXT, timestamp
		 FROM daily_snapshots WHERE ticker = $1 ORDER BY date`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DailyPriceSnapshot
	for rows.Next() {
		var snap model.DailyPriceSnapshot
		var open, close, high, low, volume string
		if err := rows.Scan(&snap.Date, &snap.Ticker, &snap.OrganizationID,
			&open, &close, &high, &low, &volume, &snap.Timestamp); err != nil {
			return nil, err
		}
		snap.Open, _ = decimal.NewFromString(open)
		snap.Close, _ = decimal.NewFromString(close)
		snap.High, _ = decimal.NewFromString(high)
		snap.Low, _ = decimal.NewFromString(low)
		snap.Volume, _ = decimal.NewFromString(volume)
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertPriceEvent(ctx context.Context, evt model.PriceUpdateEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_events (id, instrument_id, timestamp, old_price, new_price, change, change_percent, reason, impact)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC)`,
		evt.ID, evt.InstrumentID, evt.Timestamp,
		evt.OldPrice.String(), evt.NewPrice.String(),
		evt.Change.String(), evt.ChangePercent.String(),
		evt.Reason, evt.Impact.String(),
	)
	return err
}

func (s *PostgresStore) ListPriceEvents(ctx context.Context, instrumentID string, limit int) ([]model.PriceUpdateEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument_id, timestamp,
		        old_price::TEXT, new_price::TEXT, change::TEXT, change_percent::TEXT,
		        reason, impact::TEXT
		 FROM price_events WHERE instrument_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, instrumentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PriceUpdateEvent
	for rows.Next() {
		var evt model.PriceUpdateEvent
		var oldP, newP, change, changePct, impact string
		if err := rows.Scan(&evt.ID, &evt.InstrumentID, &evt.Timestamp,
			&oldP, &newP, &change, &changePct, &evt.Reason, &impact); err != nil {
			return nil, err
		}
		evt.OldPrice, _ = decimal.NewFromString(oldP)
		evt.NewPrice, _ = decimal.NewFromString(newP)
		evt.Change, _ = decimal.NewFromString(change)
		evt.ChangePercent, _ = decimal.NewFromString(changePct)
		evt.Impact, _ = decimal.NewFromString(impact)
		result = append(result, evt)
	}
	return result, rows.Err()
}
