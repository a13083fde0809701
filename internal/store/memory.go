package store

import (
	"context"
	"sync"

	"github.com/orgsim/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and single-process runs without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	state        *model.EngineState
	liquidations []model.Liquidation
	snapshots    []model.DailyPriceSnapshot
	priceEvents  []model.PriceUpdateEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveEngineState(_ context.Context, state model.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := state
	s.state = &copy
	return nil
}

func (s *MemoryStore) LoadEngineState(_ context.Context) (*model.EngineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNoState
	}
	copy := *s.state
	return &copy, nil
}

func (s *MemoryStore) InsertLiquidation(_ context.Context, liq model.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.liquidations = append(s.liquidations, liq)
	return nil
}

func (s *MemoryStore) ListLiquidations(_ context.Context, ticker string) ([]model.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Liquidation
	for _, liq := range s.liquidations {
		if ticker == "" || liq.Ticker == ticker {
			result = append(result, liq)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap model.DailyPriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, ticker string) ([]model.DailyPriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DailyPriceSnapshot
	for _, snap := range s.snapshots {
		if snap.Ticker == ticker {
			result = append(result, snap)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertPriceEvent(_ context.Context, evt model.PriceUpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.priceEvents = append(s.priceEvents, evt)
	return nil
}

func (s *MemoryStore) ListPriceEvents(_ context.Context, instrumentID string, limit int) ([]model.PriceUpdateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceUpdateEvent
	for i := len(s.priceEvents) - 1; i >= 0; i-- {
		if s.priceEvents[i].InstrumentID == instrumentID {
			result = append(result, s.priceEvents[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}
