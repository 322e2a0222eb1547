package maincontract

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"quantbar/internal/store"
)

// defaultOILoaders bounds concurrent symbol loads.
const defaultOILoaders = 4

// StoreOpenInterest derives daily open interest from stored minute bars: the
// open interest of the last bar inside each day's session window.
type StoreOpenInterest struct {
	bars    store.BarStore
	session Session
	loaders int
}

var _ OpenInterestSource = (*StoreOpenInterest)(nil)

// NewStoreOpenInterest creates a StoreOpenInterest reading bars through
// session windows.
func NewStoreOpenInterest(bars store.BarStore, session Session) *StoreOpenInterest {
	return &StoreOpenInterest{bars: bars, session: session, loaders: defaultOILoaders}
}

// DailyOpenInterest loads symbols concurrently. Days without bars, or
// without a previous trading day, are left out.
func (s *StoreOpenInterest) DailyOpenInterest(ctx context.Context, symbols []string, days []int) (map[int]map[string]float64, error) {
	var mu sync.Mutex
	out := make(map[int]map[string]float64, len(days))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.loaders)
	for _, symbol := range symbols {
		g.Go(func() error {
			daily, err := s.symbol(ctx, symbol, days)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for day, oi := range daily {
				if out[day] == nil {
					out[day] = make(map[string]float64)
				}
				out[day][symbol] = oi
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *StoreOpenInterest) symbol(ctx context.Context, symbol string, days []int) (map[int]float64, error) {
	daily := make(map[int]float64)
	for _, day := range days {
		if _, _, err := s.session.Window(day); err != nil {
			continue
		}
		bars, err := s.session.Read(ctx, s.bars, symbol, day)
		if err != nil {
			return nil, fmt.Errorf("reading open interest of %s@%d: %w", symbol, day, err)
		}
		if len(bars) == 0 {
			continue
		}
		daily[day] = bars[len(bars)-1].OpenInterest
	}
	return daily, nil
}
