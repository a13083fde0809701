// Package sched coordinates the three periodic schedules that drive
// the simulation forward: the minute tick (price advance + pending
// narrative impacts + mark-to-market), the funding check, and the
// daily snapshot check at UTC date rollover.
//
// The three schedules run on independent tickers in independent
// goroutines, so a slow tick never delays the funding or snapshot
// checks. Serialization of engine state happens inside the engines'
// own mutexes; the scheduler performs no blocking I/O while an engine
// lock is held. Persistence and broadcast are fire-and-forget after
// the in-memory mutation has committed — their failure is logged and
// never rolls back engine state.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/orgsim/market-engine/internal/metrics"
	"github.com/orgsim/market-engine/internal/model"
	"github.com/orgsim/market-engine/internal/perp"
	"github.com/orgsim/market-engine/internal/pricing"
	"github.com/orgsim/market-engine/internal/store"
)

// ErrImpactQueueFull is returned when the pending-impact buffer is
// full; the caller may retry on a later tick.
var ErrImpactQueueFull = errors.New("sched: impact queue full")

const (
	// DefaultTickInterval advances one simulated minute per real minute.
	DefaultTickInterval = 60 * time.Second

	// DefaultCheckInterval is how often the funding gate and the UTC
	// date rollover are checked. Both checks are cheap no-ops until
	// their condition holds, so checking often costs nothing and a
	// restart mid-window still settles at the next boundary.
	DefaultCheckInterval = time.Minute

	impactQueueSize = 256

	persistTimeout = 5 * time.Second
)

// Broadcaster receives committed domain events for fan-out to clients.
// Implementations must not block.
type Broadcaster interface {
	Publish(evt model.Event)
}

// Config holds scheduler intervals. Zero values take the defaults.
type Config struct {
	TickInterval  time.Duration
	CheckInterval time.Duration
}

type impactRequest struct {
	instrumentID string
	direction    model.ImpactDirection
	magnitude    model.ImpactMagnitude
	reason       string
}

// Scheduler drives the price and perpetuals engines. st and hub may be
// nil (no persistence / no broadcast).
type Scheduler struct {
	prices *pricing.Engine
	perps  *perp.Engine
	st     store.Store
	hub    Broadcaster
	cfg    Config

	impacts  chan impactRequest
	lastDate string // snapshot goroutine only

	now func() time.Time
}

// New creates a scheduler over the two engines.
func New(prices *pricing.Engine, perps *perp.Engine, st store.Store, hub Broadcaster, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Scheduler{
		prices:  prices,
		perps:   perps,
		st:      st,
		hub:     hub,
		cfg:     cfg,
		impacts: make(chan impactRequest, impactQueueSize),
		now:     time.Now,
	}
}

// QueueImpact enqueues an externally classified narrative impact to be
// applied on the next tick.
func (s *Scheduler) QueueImpact(instrumentID string, direction model.ImpactDirection, magnitude model.ImpactMagnitude, reason string) error {
	select {
	case s.impacts <- impactRequest{instrumentID, direction, magnitude, reason}:
		return nil
	default:
		return ErrImpactQueueFull
	}
}

// Run starts the three schedules and blocks until ctx is cancelled.
// On shutdown all schedules stop and, if a store is configured, a
// final state export is persisted before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastDate = s.now().UTC().Format("2006-01-02")

	var wg sync.WaitGroup
	wg.Add(3)
	go s.loop(ctx, &wg, s.cfg.TickInterval, s.tick)
	go s.loop(ctx, &wg, s.cfg.CheckInterval, s.fundingCheck)
	go s.loop(ctx, &wg, s.cfg.CheckInterval, s.snapshotCheck)
	wg.Wait()

	return s.finalExport()
}

func (s *Scheduler) loop(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func()) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// tick advances one simulated minute for every instrument, applies any
// pending narrative impacts, then marks all open positions to market.
func (s *Scheduler) tick() {
	now := s.now().UTC().Truncate(time.Minute)

	for _, inst := range s.prices.Instruments() {
		if _, err := s.prices.GenerateMinutePrices(inst.ID, now, now); err != nil {
			// Degenerate prices are skipped, not fatal.
			slog.Warn("price step skipped", "instrument", inst.ID, "err", err)
		}
	}

	s.drainImpacts()

	events := s.perps.UpdatePositions(s.prices.CurrentPrices())
	s.dispatch(events)

	stats := s.perps.Stats()
	metrics.TicksTotal.Inc()
	metrics.OpenPositions.Set(float64(stats.OpenPositions))
	metrics.OpenInterest.Set(stats.TotalOpenInterest.InexactFloat64())
}

func (s *Scheduler) drainImpacts() {
	for {
		select {
		case req := <-s.impacts:
			evt, err := s.prices.ApplyEventImpact(req.instrumentID, req.direction, req.magnitude, req.reason)
			if err != nil {
				slog.Warn("event impact rejected",
					"instrument", req.instrumentID,
					"direction", req.direction,
					"magnitude", req.magnitude,
					"err", err)
				continue
			}
			metrics.PriceEventsTotal.WithLabelValues(string(req.direction), string(req.magnitude)).Inc()
			s.dispatch([]model.Event{model.PriceUpdated{Update: *evt}})
		default:
			return
		}
	}
}

func (s *Scheduler) fundingCheck() {
	s.dispatch(s.perps.ProcessFunding())
}

// snapshotCheck fires the daily snapshot exactly once when the UTC
// calendar date changes, recording the day that just ended. The
// engine's internal per-date guard makes a near-boundary double fire
// harmless.
func (s *Scheduler) snapshotCheck() {
	today := s.now().UTC().Format("2006-01-02")
	if today == s.lastDate {
		return
	}
	ended := s.lastDate
	s.lastDate = today
	s.dispatch(s.perps.RecordDailySnapshot(ended))
}

// dispatch forwards committed events to broadcast and persistence.
func (s *Scheduler) dispatch(events []model.Event) {
	for _, evt := range events {
		if s.hub != nil {
			s.hub.Publish(evt)
		}
		s.persist(evt)

		switch e := evt.(type) {
		case model.PositionLiquidated:
			metrics.LiquidationsTotal.WithLabelValues(e.Liquidation.Ticker).Inc()
			slog.Info("position liquidated",
				"position", e.Position.ID,
				"ticker", e.Liquidation.Ticker,
				"side", e.Liquidation.Side,
				"loss", e.Liquidation.Loss.String(),
				"price", e.Liquidation.ActualPrice.String())
		case model.FundingProcessed:
			metrics.FundingSweepsTotal.Inc()
			slog.Info("funding processed",
				"positions", e.Positions,
				"total_paid", e.TotalPaid.String(),
				"next", e.NextFundingTime)
		case model.SnapshotRecorded:
			metrics.SnapshotsTotal.Inc()
			slog.Info("daily snapshot recorded",
				"ticker", e.Snapshot.Ticker,
				"date", e.Snapshot.Date,
				"close", e.Snapshot.Close.String())
		}
	}
}

// persist writes the durable shadow of an event. Failures are logged
// and never unwind the in-memory mutation.
func (s *Scheduler) persist(evt model.Event) {
	if s.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch e := evt.(type) {
	case model.PositionLiquidated:
		err = s.st.InsertLiquidation(ctx, e.Liquidation)
	case model.SnapshotRecorded:
		err = s.st.InsertSnapshot(ctx, e.Snapshot)
	case model.PriceUpdated:
		err = s.st.InsertPriceEvent(ctx, e.Update)
	default:
		return
	}
	if err != nil {
		slog.Error("persist failed", "event", evt.Kind(), "err", err)
	}
}

// finalExport persists a last full state export during shutdown.
func (s *Scheduler) finalExport() error {
	if s.st == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.st.SaveEngineState(ctx, s.perps.ExportState()); err != nil {
		slog.Error("final state export failed", "err", err)
		return err
	}
	slog.Info("final state export saved")
	return nil
}
