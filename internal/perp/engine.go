// Package perp implements the in-memory perpetual-futures ledger:
// markets, leveraged positions, liquidation, funding, and daily
// snapshots. Everything is simulated — all fills happen at mark price,
// there is no order matching and no external settlement.
//
// The engine exclusively owns its markets and positions. Mutations go
// through engine methods behind a single mutex, and read accessors
// return copies, so outside code can never violate the open-interest
// or liquidation invariants. Mutating calls return the domain events
// they produced; forwarding them to broadcast/persistence is the
// caller's concern and never rolls back engine state.
//
// Position lifecycle: OPEN → CLOSED or OPEN → LIQUIDATED, both
// terminal. A used position id is never reinserted.
//
// All monetary values use shopspring/decimal — never float64 for money.
package perp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
	"github.com/orgsim/market-engine/internal/risk"
	"github.com/orgsim/market-engine/internal/symbol"
)

var (
	// ErrMarketNotFound is returned for an order on an unknown ticker.
	ErrMarketNotFound = errors.New("perp: market not found")

	// ErrPositionNotFound is returned when closing an unknown, already
	// closed, or liquidated position id.
	ErrPositionNotFound = errors.New("perp: position not found")

	// ErrInvalidLeverage is returned when leverage is outside
	// [1, maxLeverage] for the target market.
	ErrInvalidLeverage = errors.New("perp: leverage out of bounds")

	// ErrOrderTooSmall is returned when size is below the market's
	// minimum order size.
	ErrOrderTooSmall = errors.New("perp: order below minimum size")

	// ErrInvalidLimitPrice is returned for a limit order without a
	// positive limit price.
	ErrInvalidLimitPrice = errors.New("perp: limit order requires a positive limit price")
)

// Market defaults applied at initialization.
var (
	defaultFundingRate  = decimal.NewFromFloat(0.01) // 1% annualized; longs pay shorts
	defaultMinOrderSize = decimal.NewFromInt(10)
)

const defaultMaxLeverage = 100

// PnLScale is the rounding scale for PnL and funding amounts.
const PnLScale int32 = 8

// Engine is the perpetuals ledger. A mutex serializes all access
// (single-instance; the scheduler's callbacks and the HTTP layer share
// one Engine).
type Engine struct {
	mu sync.Mutex

	markets        map[string]*model.PerpMarket // by ticker
	tickerByOrg    map[string]string            // instrument id → ticker
	positions      map[string]*model.Position   // by position id
	liquidations   []model.Liquidation
	snapshots      []model.DailyPriceSnapshot
	snapshotDates  map[string]string // ticker → last snapshotted UTC date
	lastFundingAt  time.Time
	nextFundingAt  time.Time

	limiter *risk.Limiter // nil = no exposure limits

	now func() time.Time // injectable clock
}

// NewEngine creates an empty perpetuals engine. limiter may be nil.
func NewEngine(limiter *risk.Limiter) *Engine {
	return &Engine{
		markets:       make(map[string]*model.PerpMarket),
		tickerByOrg:   make(map[string]string),
		positions:     make(map[string]*model.Position),
		snapshotDates: make(map[string]string),
		limiter:       limiter,
		now:           time.Now,
	}
}

// InitializeMarkets creates one perpetual market per instrument with a
// known positive price. Tickers are derived from the instrument name;
// collisions get a numeric suffix. Called once at startup.
func (e *Engine) InitializeMarkets(instruments []model.Instrument) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	e.lastFundingAt = now
	e.nextFundingAt = nextFundingBoundary(now)

	for _, inst := range instruments {
		if !inst.CurrentPrice.IsPositive() {
			continue
		}

		ticker := symbol.Derive(inst.Name)
		base := ticker[:len(ticker)-len(symbol.Suffix)]
		for n := 2; ; n++ {
			if _, taken := e.markets[ticker]; !taken {
				break
			}
			ticker = fmt.Sprintf("%s%d%s", base, n, symbol.Suffix)
		}

		price := inst.CurrentPrice
		e.markets[ticker] = &model.PerpMarket{
			Ticker:       ticker,
			InstrumentID: inst.ID,
			CurrentPrice: price,
			MarkPrice:    price,
			IndexPrice:   price,
			Stats: model.Stats24h{
				Open:   price,
				High:   price,
				Low:    price,
				Volume: decimal.Zero,
			},
			OpenInterest: decimal.Zero,
			Funding: model.FundingRate{
				Rate:            defaultFundingRate,
				NextFundingTime: e.nextFundingAt,
				PredictedRate:   defaultFundingRate,
			},
			MaxLeverage:  defaultMaxLeverage,
			MinOrderSize: defaultMinOrderSize,
		}
		e.tickerByOrg[inst.ID] = ticker
	}
}

// OpenPosition validates the order, fills it at the entry price, and
// inserts the position. Open interest and 24h volume are updated in
// the same critical section as the insert.
func (e *Engine) OpenPosition(userID string, order model.OrderRequest) (model.Position, []model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	market, ok := e.markets[order.Ticker]
	if !ok {
		return model.Position{}, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, order.Ticker)
	}
	if order.Size.LessThan(market.MinOrderSize) {
		return model.Position{}, nil, fmt.Errorf("%w: size %s < min %s", ErrOrderTooSmall, order.Size, market.MinOrderSize)
	}
	if order.Leverage < 1 || order.Leverage > market.MaxLeverage {
		return model.Position{}, nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, order.Leverage, market.MaxLeverage)
	}

	entry := market.MarkPrice
	if order.OrderType == model.OrderTypeLimit {
		if !order.LimitPrice.IsPositive() {
			return model.Position{}, nil, ErrInvalidLimitPrice
		}
		entry = order.LimitPrice
	}

	leverage := decimal.NewFromInt(int64(order.Leverage))
	notional := order.Size.Mul(leverage)

	if e.limiter != nil {
		if err := e.limiter.CheckOrder(notional, e.userNotionalLocked(userID), market.OpenInterest); err != nil {
			return model.Position{}, nil, err
		}
	}

	now := e.now().UTC()
	pos := &model.Position{
		ID:               uuid.New().String(),
		UserID:           userID,
		Ticker:           order.Ticker,
		OrganizationID:   market.InstrumentID,
		Side:             order.Side,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		Size:             order.Size,
		Leverage:         order.Leverage,
		LiquidationPrice: liquidationPrice(entry, order.Side, leverage),
		UnrealizedPnL:    decimal.Zero,
		FundingPaid:      decimal.Zero,
		OpenedAt:         now,
		LastUpdated:      now,
	}

	e.positions[pos.ID] = pos
	market.OpenInterest = market.OpenInterest.Add(notional)
	market.Stats.Volume = market.Stats.Volume.Add(order.Size)

	return *pos, []model.Event{model.PositionOpened{Position: *pos}}, nil
}

// ClosePosition removes an open position and realizes its PnL net of
// cumulative funding. The id becomes permanently unusable.
func (e *Engine) ClosePosition(positionID string) (decimal.Decimal, []model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return decimal.Decimal{}, nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	realized := markToMarket(pos).Sub(pos.FundingPaid).Round(PnLScale)

	if market, ok := e.markets[pos.Ticker]; ok {
		market.OpenInterest = market.OpenInterest.Sub(pos.Notional())
		market.Stats.Volume = market.Stats.Volume.Add(pos.Size)
	}
	closed := *pos
	closed.LastUpdated = e.now().UTC()
	delete(e.positions, positionID)

	return realized, []model.Event{model.PositionClosed{Position: closed, RealizedPnL: realized}}, nil
}

// UpdatePositions marks every affected market and open position to the
// supplied prices, then liquidates any position whose side-aware
// trigger fired — synchronously, within this same call. Non-positive
// prices are skipped per instrument.
func (e *Engine) UpdatePositions(priceByInstrument map[string]decimal.Decimal) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []model.Event
	now := e.now().UTC()

	// Markets first, so mark/index and 24h stats reflect the new price
	// even where no position is open.
	for _, ticker := range e.sortedTickersLocked() {
		market := e.markets[ticker]
		price, ok := priceByInstrument[market.InstrumentID]
		if !ok || !price.IsPositive() {
			continue
		}
		market.CurrentPrice = price
		market.MarkPrice = price
		market.IndexPrice = price
		if price.GreaterThan(market.Stats.High) {
			market.Stats.High = price
		}
		if price.LessThan(market.Stats.Low) {
			market.Stats.Low = price
		}
		market.Stats.Change = price.Sub(market.Stats.Open)
		if market.Stats.Open.IsPositive() {
			market.Stats.ChangePercent = market.Stats.Change.
				Div(market.Stats.Open).Mul(decimal.NewFromInt(100)).Round(PnLScale)
		}
	}

	for _, id := range e.sortedPositionIDsLocked() {
		pos := e.positions[id]
		price, ok := priceByInstrument[pos.OrganizationID]
		if !ok || !price.IsPositive() {
			continue
		}

		pos.CurrentPrice = price
		pos.UnrealizedPnL = markToMarket(pos).Round(PnLScale)
		pos.UnrealizedPnLPercent = pnlPercent(pos).Round(PnLScale)
		pos.LastUpdated = now

		if liquidationTriggered(pos, price) {
			events = append(events, e.liquidateLocked(pos, price, now))
		}
	}

	return events
}

// liquidateLocked applies the terminal liquidation transition: the
// position loses its full margin, open interest is decremented, an
// audit record is appended, and the id is removed — all within the
// caller's critical section, never deferred.
func (e *Engine) liquidateLocked(pos *model.Position, price decimal.Decimal, now time.Time) model.Event {
	liq := model.Liquidation{
		PositionID:       pos.ID,
		Ticker:           pos.Ticker,
		Side:             pos.Side,
		LiquidationPrice: pos.LiquidationPrice,
		ActualPrice:      price,
		Loss:             pos.Size,
		Timestamp:        now,
	}

	if market, ok := e.markets[pos.Ticker]; ok {
		market.OpenInterest = market.OpenInterest.Sub(pos.Notional())
	}
	e.liquidations = append(e.liquidations, liq)

	terminal := *pos
	delete(e.positions, pos.ID)

	return model.PositionLiquidated{Position: terminal, Liquidation: liq}
}

// liquidationPrice places the liquidation trigger so that maximum loss
// equals the posted margin: entry × (1 − 1/leverage) for longs,
// entry × (1 + 1/leverage) for shorts.
func liquidationPrice(entry decimal.Decimal, side model.Side, leverage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(leverage)
	if side == model.SideShort {
		return entry.Mul(one.Add(inv))
	}
	return entry.Mul(one.Sub(inv))
}

// liquidationTriggered is the side-aware check: longs liquidate when
// price ≤ liquidationPrice, shorts when price ≥ liquidationPrice.
func liquidationTriggered(pos *model.Position, price decimal.Decimal) bool {
	if pos.Side == model.SideShort {
		return price.GreaterThanOrEqual(pos.LiquidationPrice)
	}
	return price.LessThanOrEqual(pos.LiquidationPrice)
}

// markToMarket computes unrealized PnL against the position's current
// price: (±priceDiff / entry) × size × leverage.
func markToMarket(pos *model.Position) decimal.Decimal {
	diff := pos.CurrentPrice.Sub(pos.EntryPrice)
	if pos.Side == model.SideShort {
		diff = diff.Neg()
	}
	return diff.Div(pos.EntryPrice).Mul(pos.Size).Mul(decimal.NewFromInt(int64(pos.Leverage)))
}

// pnlPercent is PnL relative to posted margin, in percent.
func pnlPercent(pos *model.Position) decimal.Decimal {
	diff := pos.CurrentPrice.Sub(pos.EntryPrice)
	if pos.Side == model.SideShort {
		diff = diff.Neg()
	}
	return diff.Div(pos.EntryPrice).
		Mul(decimal.NewFromInt(int64(pos.Leverage))).
		Mul(decimal.NewFromInt(100))
}

// userNotionalLocked sums size×leverage across a user's open positions.
func (e *Engine) userNotionalLocked(userID string) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range e.positions {
		if pos.UserID == userID {
			total = total.Add(pos.Notional())
		}
	}
	return total
}

// sortedPositionIDsLocked returns position ids in stable order so that
// sweeps and their emitted events are deterministic.
func (e *Engine) sortedPositionIDsLocked() []string {
	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) sortedTickersLocked() []string {
	tickers := make([]string, 0, len(e.markets))
	for t := range e.markets {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}
