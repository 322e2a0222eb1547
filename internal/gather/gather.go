// Package gather drives completeness-tracked ingestion of minute bars: it
// enumerates (symbol, day) missions, fetches them from an upstream source,
// writes the bars and records the outcome in the mission index.
package gather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantbar/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering cycle and returns when it is done or ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns [day 00:00, day+1 00:00) in loc.
func DayWindow(day int, loc *time.Location) DateRange {
	start := domain.DayTime(day, loc)
	return DateRange{Start: start, End: start.AddDate(0, 0, 1)}
}

// Fetcher is the upstream capability of one data source.
type Fetcher interface {
	// Name identifies the source. It also names the source's mission index.
	Name() string
	// Fetch returns the raw minute bars of symbol for day. An error-coded
	// upstream response is returned as an error wrapping ErrUpstream.
	Fetch(ctx context.Context, symbol string, day int) ([]domain.Bar, error)
	// Window is the time range the bars of (symbol, day) cover. A mission is
	// not downloaded by Publish until its window has ended.
	Window(symbol string, day int) DateRange
}

// Calendar enumerates the days missions are created for.
type Calendar interface {
	Days(ctx context.Context, start, end int) ([]int, error)
}

// SessionFilter drops bars outside a symbol's trading sessions.
type SessionFilter interface {
	Apply(symbol string, bars []domain.Bar) []domain.Bar
}

// ErrUpstream marks a malformed or error-coded upstream response.
var ErrUpstream = errors.New("upstream error")

// FetchError carries the mission a fetch failed for.
type FetchError struct {
	Symbol string
	Day    int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s@%d: %v", e.Symbol, e.Day, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Upstreamf returns an error wrapping ErrUpstream.
func Upstreamf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}
