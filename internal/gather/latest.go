package gather

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"quantbar/internal/domain"
	"quantbar/internal/store"
)

// Refresh copies at least length of the most recent bars of symbol into
// dst, a store holding a short rolling history. It fetches today's traded
// bars first, then walks back over the calendar days from dst's last stored
// day (or start when dst has none) until length bars were fetched. Bars are
// written oldest first and dst drops the ones it already holds. It returns
// the number of bars inserted.
//
// Today's bars may not be published yet; a failure to fetch them is logged
// and the history is refreshed without them.
func (o *Orchestrator) Refresh(ctx context.Context, dst store.BarStore, symbol string, start, length int) (int, error) {
	log := o.log.With("symbol", symbol)
	today := o.Today()

	from, err := dst.LastDate(ctx, symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		from = start
	case err != nil:
		return 0, fmt.Errorf("last date of %s: %w", symbol, err)
	}
	if from > today {
		from = today
	}
	days, err := o.calendar.Days(ctx, from, today)
	if err != nil {
		return 0, fmt.Errorf("resolving days %d-%d: %w", from, today, err)
	}

	var (
		tables  [][]domain.Bar
		fetched int
	)
	bars, err := o.fetch(ctx, symbol, today)
	if err != nil {
		log.Warn("get bars", "day", today, "error", &FetchError{Symbol: symbol, Day: today, Err: err})
	} else {
		bars = slices.DeleteFunc(o.apply(symbol, bars), func(b domain.Bar) bool { return b.Volume <= 0 })
		if len(bars) > 0 {
			tables = append(tables, bars)
			fetched += len(bars)
		}
		log.Debug("get bars", "day", today, "count", len(bars))
	}

	for i := len(days) - 1; i >= 0 && fetched < length; i-- {
		day := days[i]
		if day >= today {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		bars, err := o.fetch(ctx, symbol, day)
		if err != nil {
			return 0, &FetchError{Symbol: symbol, Day: day, Err: err}
		}
		bars = o.apply(symbol, bars)
		if len(bars) > 0 {
			tables = append(tables, bars)
			fetched += len(bars)
		}
		log.Debug("get bars", "day", day, "count", len(bars))
	}

	var all []domain.Bar
	for i := len(tables) - 1; i >= 0; i-- {
		all = append(all, tables[i]...)
	}
	if len(all) == 0 {
		log.Info("refresh data", "count", 0)
		return 0, nil
	}
	inserted, err := dst.Write(ctx, symbol, all)
	if err != nil {
		return 0, fmt.Errorf("writing latest bars of %s: %w", symbol, err)
	}
	log.Info("refresh data", "fetched", len(all), "inserted", inserted)
	return inserted, nil
}

func (o *Orchestrator) apply(symbol string, bars []domain.Bar) []domain.Bar {
	if o.filter == nil {
		return bars
	}
	return o.filter.Apply(symbol, bars)
}
