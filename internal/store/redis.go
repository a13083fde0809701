package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orgsim/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) SaveEngineState(ctx context.Context, state model.EngineState) error {
	if err := s.primary.SaveEngineState(ctx, state); err != nil {
		return err
	}
	if data, err := json.Marshal(state); err == nil {
		s.rdb.Set(ctx, stateKey(), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) InsertLiquidation(ctx context.Context, liq model.Liquidation) error {
	if err := s.primary.InsertLiquidation(ctx, liq); err != nil {
		return err
	}
	s.rdb.Del(ctx, liquidationsKey(liq.Ticker), liquidationsKey(""))
	return nil
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap model.DailyPriceSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotsKey(snap.Ticker))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadEngineState(ctx context.Context) (*model.EngineState, error) {
	data, err := s.rdb.Get(ctx, stateKey()).Bytes()
	if err == nil {
		var state model.EngineState
		if json.Unmarshal(data, &state) == nil {
			return &state, nil
		}
	}

	state, err := s.primary.LoadEngineState(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(state); err == nil {
		s.rdb.Set(ctx, stateKey(), data, s.ttl)
	}
	return state, nil
}

func (s *CachedStore) ListLiquidations(ctx context.Context, ticker string) ([]model.Liquidation, error) {
	data, err := s.rdb.Get(ctx, liquidationsKey(ticker)).Bytes()
	if err == nil {
		var result []model.Liquidation
		if json.Unmarshal(data, &result) == nil {
			return result, nil
		}
	}

	result, err := s.primary.ListLiquidations(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(result); err == nil {
		s.rdb.Set(ctx, liquidationsKey(ticker), data, s.ttl)
	}
	return result, nil
}

func (s *CachedStore) ListSnapshots(ctx context.Context, ticker string) ([]model.DailyPriceSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotsKey(ticker)).Bytes()
	if err == nil {
		var result []model.DailyPriceSnapshot
		if json.Unmarshal(data, &result) == nil {
			return result, nil
		}
	}

	result, err := s.primary.ListSnapshots(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(result); err == nil {
		s.rdb.Set(ctx, snapshotsKey(ticker), data, s.ttl)
	}
	return result, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertPriceEvent(ctx context.Context, evt model.PriceUpdateEvent) error {
	return s.primary.InsertPriceEvent(ctx, evt)
}

func (s *CachedStore) ListPriceEvents(ctx context.Context, instrumentID string, limit int) ([]model.PriceUpdateEvent, error) {
	return s.primary.ListPriceEvents(ctx, instrumentID, limit)
}

// --- Cache keys ---

func stateKey() string { return "engine:state" }

func liquidationsKey(ticker string) string {
	return fmt.Sprintf("liquidations:%s", ticker)
}

func snapshotsKey(ticker string) string {
	return fmt.Sprintf("snapshots:%s", ticker)
}
