package us

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/util"
)

// Calendar lists US trading days via the Alpaca trading calendar API.
type Calendar struct {
	client *alpaca.Client
}

// NewCalendar creates a Calendar using the trading API credentials.
func NewCalendar(cfg config.AlpacaSource) *Calendar {
	return &Calendar{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
	}
}

// Days returns the trading days in [start, end]. A zero end means today.
func (c *Calendar) Days(ctx context.Context, start, end int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start == 0 {
		return nil, fmt.Errorf("%w: alpaca calendar needs a start day", util.ErrCalendarUnavailable)
	}
	to := time.Now().In(Eastern)
	if end > 0 {
		to = domain.DayTime(end, Eastern)
	}

	calendar, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: domain.DayTime(start, Eastern),
		End:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GetCalendar: %v", util.ErrCalendarUnavailable, err)
	}

	days := make([]int, 0, len(calendar))
	for _, cd := range calendar {
		day, err := domain.ParseDay(cd.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", util.ErrCalendarUnavailable, err)
		}
		if day < start || (end > 0 && day > end) {
			continue
		}
		days = append(days, day)
	}
	return days, nil
}
