package perp

import (
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/model"
)

// dateLayout is the UTC calendar-date key used for snapshot idempotence.
const dateLayout = "2006-01-02"

// RecordDailySnapshot appends one DailyPriceSnapshot per market from
// the 24h rolling stats, then resets those stats. date is a UTC
// YYYY-MM-DD string; empty means the current UTC date.
//
// The idempotence guard is internal: a market already snapshotted for
// the given date is skipped, so two timers firing near a date boundary
// cannot double-count a day.
func (e *Engine) RecordDailySnapshot(date string) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	if date == "" {
		date = now.Format(dateLayout)
	}

	var events []model.Event
	for _, ticker := range e.sortedTickersLocked() {
		if e.snapshotDates[ticker] == date {
			continue
		}
		market := e.markets[ticker]

		snap := model.DailyPriceSnapshot{
			Date:           date,
			Ticker:         ticker,
			OrganizationID: market.InstrumentID,
			Open:           market.Stats.Open,
			Close:          market.CurrentPrice,
			High:           market.Stats.High,
			Low:            market.Stats.Low,
			Volume:         market.Stats.Volume,
			Timestamp:      now,
		}
		e.snapshots = append(e.snapshots, snap)
		e.snapshotDates[ticker] = date

		// Reset the rolling window: the new day opens at the current price.
		market.Stats = model.Stats24h{
			Open:   market.CurrentPrice,
			High:   market.CurrentPrice,
			Low:    market.CurrentPrice,
			Volume: decimal.Zero,
		}

		events = append(events, model.SnapshotRecorded{Snapshot: snap})
	}
	return events
}
