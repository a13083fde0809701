// Package pricing implements the per-instrument Markov-regime price
// process and the engine that owns the instrument registry.
//
// The model is a regime-switching approximation, not a limit-order
// book: each instrument carries a {trend, volatility, momentum} regime,
// prices advance one simulated minute at a time by a small
// multiplicative step, and discrete narrative events apply jumps on top
// of the minute path.
//
// Internal path math uses float64; every externally visible price is
// converted to shopspring/decimal rounded to PriceScale at the package
// boundary — never float64 for money.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

var (
	// ErrInstrumentNotFound is returned for an unknown instrument id.
	// No state changes and no event is produced.
	ErrInstrumentNotFound = errors.New("pricing: instrument not found")

	// ErrDegeneratePrice is returned when the prior price is non-finite
	// or non-positive, or when a computed price would be. The update is
	// skipped for that instrument; callers are expected to log it.
	ErrDegeneratePrice = errors.New("pricing: degenerate price rejected")
)

// PriceScale is the number of decimal places for all published prices.
const PriceScale int32 = 2

// Regime transition and step parameters. These are fixed contract
// values: changing any of them changes every reproducible path.
const (
	trendUpMultiplier   = 1.0002
	trendDownMultiplier = 0.9998
	momentumStepFactor  = 0.0001
	volatilityStepScale = 0.001

	regimeShiftProbability = 0.03
	momentumDecay          = 0.9

	minVolatility = 0.05
	maxVolatility = 0.5
)

// Event impact base magnitudes.
const (
	impactMajor    = 0.05
	impactModerate = 0.02
	impactMinor    = 0.005
)

// Rand is the deterministic random source the model draws from.
// *rng.Source satisfies it; tests substitute a pinned source.
type Rand interface {
	Next() float64
	Range(min, max float64) float64
	Int(min, max int) int
	Bool(p float64) bool
}

// Engine owns the instrument registry and exposes path generation and
// event impact as engine operations. A mutex serializes mutation
// (single-instance, same posture as the trade service).
type Engine struct {
	mu          sync.Mutex
	rand        Rand
	instruments map[string]*model.Instrument
}

// NewEngine creates a price engine backed by the given random source.
func NewEngine(r Rand) *Engine {
	return &Engine{
		rand:        r,
		instruments: make(map[string]*model.Instrument),
	}
}

// InitializeInstruments registers every seed with a known positive
// initial price and assigns it a fresh regime. Seeds without a usable
// price are skipped. Called once at startup.
func (e *Engine) InitializeInstruments(seeds []model.InstrumentSeed) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, seed := range seeds {
		if !seed.InitialPrice.IsPositive() {
			continue
		}
		current := seed.InitialPrice
		if seed.CurrentPrice.IsPositive() {
			current = seed.CurrentPrice
		}

		e.instruments[seed.ID] = &model.Instrument{
			ID:           seed.ID,
			Name:         seed.Name,
			CurrentPrice: current.Round(PriceScale),
			InitialPrice: seed.InitialPrice.Round(PriceScale),
			Regime: model.Regime{
				Trend:      []model.Trend{model.TrendBullish, model.TrendNeutral, model.TrendBearish}[e.rand.Int(0, 2)],
				Volatility: e.rand.Range(0.1, 0.4),
				Momentum:   e.rand.Range(-0.5, 0.5),
			},
		}
	}
}

// Instrument returns a copy of the instrument, or an error if unknown.
func (e *Engine) Instrument(id string) (model.Instrument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instruments[id]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}
	return *inst, nil
}

// Instruments returns copies of all registered instruments.
func (e *Engine) Instruments() []model.Instrument {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Instrument, 0, len(e.instruments))
	for _, inst := range e.instruments {
		out = append(out, *inst)
	}
	return out
}

// CurrentPrices returns instrument id → current price for every
// registered instrument, the shape UpdatePositions consumes.
func (e *Engine) CurrentPrices() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	prices := make(map[string]decimal.Decimal, len(e.instruments))
	for id, inst := range e.instruments {
		prices[id] = inst.CurrentPrice
	}
	return prices
}

// GenerateMinutePrices advances the instrument's price one minute at a
// time over [start, end] inclusive and returns the resulting path. The
// instrument's stored currentPrice is updated to the path's final value
// as a side effect. A step that would produce a non-finite or
// non-positive price is skipped: the point repeats the prior price and
// the walk continues from it.
func (e *Engine) GenerateMinutePrices(id string, start, end time.Time) ([]model.PricePoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}

	price := inst.CurrentPrice.InexactFloat64()
	if !finitePositive(price) {
		return nil, fmt.Errorf("%w: %s at %v", ErrDegeneratePrice, id, inst.CurrentPrice)
	}

	var points []model.PricePoint
	for ts := start; !ts.After(end); ts = ts.Add(time.Minute) {
		prev := price

		next := price * e.stepMultiplier(&inst.Regime)
		if finitePositive(next) {
			price = roundPrice(next)
		}
		// A rejected step repeats the prior price; the regime still
		// evolved, so the walk stays on the deterministic stream.
		e.maybeShiftRegime(&inst.Regime)

		points = append(points, pricePoint(ts, prev, price))
	}

	inst.CurrentPrice = decimal.NewFromFloat(price).Round(PriceScale)
	return points, nil
}

// stepMultiplier computes one minute's multiplicative step from the
// current regime: trendMultiplier × (1 + momentumEffect + volatilityEffect).
func (e *Engine) stepMultiplier(reg *model.Regime) float64 {
	trendMult := 1.0
	switch reg.Trend {
	case model.TrendBullish:
		trendMult = trendUpMultiplier
	case model.TrendBearish:
		trendMult = trendDownMultiplier
	}

	momentumEffect := reg.Momentum * momentumStepFactor
	volatilityEffect := e.rand.Range(-reg.Volatility, reg.Volatility) * volatilityStepScale

	return trendMult * (1 + momentumEffect + volatilityEffect)
}

// maybeShiftRegime applies the 3%-per-minute Markov transition: a new
// trend from the fixed transition table, a volatility drift, and a
// decayed-plus-shocked momentum.
func (e *Engine) maybeShiftRegime(reg *model.Regime) {
	if !e.rand.Bool(regimeShiftProbability) {
		return
	}

	reg.Trend = nextTrend(reg.Trend, e.rand.Next())
	reg.Volatility = clamp(reg.Volatility+e.rand.Range(-0.05, 0.05), minVolatility, maxVolatility)
	reg.Momentum = clamp(reg.Momentum*momentumDecay+e.rand.Range(-0.2, 0.2), -1, 1)
}

// nextTrend resolves the transition table for a uniform draw r in [0,1).
//
//	bullish: 70% bullish / 20% neutral / 10% bearish
//	bearish: 70% bearish / 20% neutral / 10% bullish
//	neutral: 30% bullish / 40% neutral / 30% bearish
func nextTrend(current model.Trend, r float64) model.Trend {
	switch current {
	case model.TrendBullish:
		switch {
		case r < 0.7:
			return model.TrendBullish
		case r < 0.9:
			return model.TrendNeutral
		default:
			return model.TrendBearish
		}
	case model.TrendBearish:
		switch {
		case r < 0.7:
			return model.TrendBearish
		case r < 0.9:
			return model.TrendNeutral
		default:
			return model.TrendBullish
		}
	default:
		switch {
		case r < 0.3:
			return model.TrendBullish
		case r < 0.7:
			return model.TrendNeutral
		default:
			return model.TrendBearish
		}
	}
}

// ApplyEventImpact applies a discrete narrative-driven jump,
// independent of the minute path. The (direction, magnitude)
// classification is decided by the caller; reason is free text carried
// on the resulting event.
func (e *Engine) ApplyEventImpact(id string, direction model.ImpactDirection, magnitude model.ImpactMagnitude, reason string) (*model.PriceUpdateEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}

	oldPrice := inst.CurrentPrice.InexactFloat64()
	if !finitePositive(oldPrice) {
		return nil, fmt.Errorf("%w: %s at %v", ErrDegeneratePrice, id, inst.CurrentPrice)
	}

	base := impactMinor
	switch magnitude {
	case model.MagnitudeMajor:
		base = impactMajor
	case model.MagnitudeModerate:
		base = impactModerate
	}

	sign := 0.0
	switch direction {
	case model.ImpactPositive:
		sign = 1
	case model.ImpactNegative:
		sign = -1
	}

	impact := sign * base * e.rand.Range(0.8, 1.2)
	newPrice := roundPrice(oldPrice * (1 + impact))
	if !finitePositive(newPrice) {
		return nil, fmt.Errorf("%w: %s impact %v", ErrDegeneratePrice, id, impact)
	}

	if magnitude == model.MagnitudeMajor {
		switch direction {
		case model.ImpactPositive:
			inst.Regime.Trend = model.TrendBullish
			inst.Regime.Momentum = clamp(inst.Regime.Momentum+0.3, -1, 1)
		case model.ImpactNegative:
			inst.Regime.Trend = model.TrendBearish
			inst.Regime.Momentum = clamp(inst.Regime.Momentum-0.3, -1, 1)
		default:
			inst.Regime.Trend = model.TrendNeutral
		}
		inst.Regime.Volatility = clamp(inst.Regime.Volatility*1.5, minVolatility, maxVolatility)
	}

	inst.CurrentPrice = decimal.NewFromFloat(newPrice).Round(PriceScale)

	point := pricePoint(time.Now().UTC(), oldPrice, newPrice)
	return &model.PriceUpdateEvent{
		ID:            uuid.New().String(),
		InstrumentID:  id,
		Timestamp:     point.Timestamp,
		OldPrice:      decimal.NewFromFloat(roundPrice(oldPrice)),
		NewPrice:      point.Price,
		Change:        point.Change,
		ChangePercent: point.ChangePercent,
		Reason:        reason,
		Impact:        decimal.NewFromFloat(impact).Round(6),
	}, nil
}

// pricePoint builds the published point for a step from prev to price.
func pricePoint(ts time.Time, prev, price float64) model.PricePoint {
	change := roundPrice(price - prev)
	changePct := 0.0
	if prev > 0 {
		changePct = roundPrice((price - prev) / prev * 100)
	}
	return model.PricePoint{
		Price:         decimal.NewFromFloat(price).Round(PriceScale),
		Timestamp:     ts,
		Change:        decimal.NewFromFloat(change).Round(PriceScale),
		ChangePercent: decimal.NewFromFloat(changePct).Round(PriceScale),
	}
}

func roundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
