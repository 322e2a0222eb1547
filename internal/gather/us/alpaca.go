// Package us fetches US equity minute bars from the Alpaca market-data API.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Fetcher = (*MinuteFetcher)(nil)
var _ gather.Calendar = (*Calendar)(nil)

// Name is the source name of the Alpaca fetcher.
const Name = "alpaca"

// Exchange is recorded on bars whose symbol carries no exchange suffix.
const Exchange = "US"

// Eastern is the US market time zone.
var Eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// Extended-hours session bounds. Data is considered settled five minutes
// after the session closes.
const (
	sessionOpen   = 4 * time.Hour
	sessionClose  = 20 * time.Hour
	settleWindow  = 5 * time.Minute
	defaultFeedID = "sip"
)

// ---------------------------------------------------------------------------
// Minute bars
// ---------------------------------------------------------------------------

// MinuteFetcher fetches minute bars via the Alpaca market-data API.
type MinuteFetcher struct {
	client *marketdata.Client
	feed   string
	log    *slog.Logger
}

// NewMinuteFetcher creates a MinuteFetcher from the source configuration.
// The SDK calls take no context, so the job timeout bounds each request on
// the HTTP client instead.
func NewMinuteFetcher(cfg config.AlpacaSource) *MinuteFetcher {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.Timeout > 0 {
		opts.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	feed := cfg.Feed
	if feed == "" {
		feed = defaultFeedID
	}

	return &MinuteFetcher{
		client: marketdata.NewClient(opts),
		feed:   feed,
		log:    slog.Default().With("fetcher", Name),
	}
}

// Name returns the source name.
func (f *MinuteFetcher) Name() string { return Name }

// Window covers the extended-hours session of day, 04:00 to 20:05 Eastern.
func (f *MinuteFetcher) Window(_ string, day int) gather.DateRange {
	midnight := domain.DayTime(day, Eastern)
	return gather.DateRange{
		Start: midnight.Add(sessionOpen),
		End:   midnight.Add(sessionClose + settleWindow),
	}
}

// Fetch returns the minute bars of symbol between 04:00 and 20:00 Eastern on
// day, stamped in Eastern time.
func (f *MinuteFetcher) Fetch(ctx context.Context, symbol string, day int) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	midnight := domain.DayTime(day, Eastern)

	ticker, exchange := domain.SplitSymbol(symbol)
	if exchange == "" {
		exchange = Exchange
	}

	abars, err := f.client.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     midnight.Add(sessionOpen),
		End:       midnight.Add(sessionClose),
		Feed:      marketdata.Feed(f.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(abars))
	for _, ab := range abars {
		b := domain.Bar{
			Symbol:   strings.ToUpper(ticker),
			Exchange: exchange,
			VtSymbol: domain.VtSymbol(strings.ToUpper(ticker), exchange),
			Open:     ab.Open,
			High:     ab.High,
			Low:      ab.Low,
			Close:    ab.Close,
			Volume:   float64(ab.Volume),
		}
		b.Stamp(ab.Timestamp.In(Eastern))
		bars = append(bars, b)
	}
	return bars, nil
}
