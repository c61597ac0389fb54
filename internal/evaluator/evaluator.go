// Package evaluator decides which price levels of an instrument a quote has
// newly crossed.
package evaluator

import (
	"pricealerts/internal/models"
)

// Crossed reports whether q reaches price. The day low counts so that an
// intraday dip that recovered before the poll still triggers.
func Crossed(q models.Quote, price float64) bool {
	return q.LastPrice <= price || q.DayLow <= price
}

// Evaluate returns a copy of inst with newly crossed thresholds marked hit,
// along with one event per newly crossed threshold. Thresholds already hit
// are left alone. inst is not modified.
func Evaluate(inst models.TrackedInstrument, q models.Quote) (models.TrackedInstrument, []models.CrossingEvent) {
	updated := inst
	var events []models.CrossingEvent

	for _, tier := range models.Tiers {
		th := updated.Threshold(tier)
		if th.Hit {
			continue
		}
		if !Crossed(q, th.Price) {
			continue
		}
		updated.MarkHit(tier)
		events = append(events, models.CrossingEvent{
			InstrumentID:   inst.ID,
			OwnerID:        inst.OwnerID,
			Tier:           tier,
			ThresholdPrice: th.Price,
			TickerSymbol:   inst.TickerSymbol,
			PeriodMonth:    inst.PeriodMonth,
			PeriodYear:     inst.PeriodYear,
		})
	}

	return updated, events
}
