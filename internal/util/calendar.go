package util

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"quantbar/internal/domain"
)

// ErrCalendarUnavailable is returned when trading days cannot be resolved.
var ErrCalendarUnavailable = errors.New("trading calendar unavailable")

// TradingCalendar is an ordered set of trading days (YYYYMMDD).
type TradingCalendar struct {
	days []int
}

// NewTradingCalendar creates a TradingCalendar from the given days. The input
// does not need to be sorted; duplicates are removed.
func NewTradingCalendar(days []int) *TradingCalendar {
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	out := sorted[:0]
	for i, d := range sorted {
		if i > 0 && d == sorted[i-1] {
			continue
		}
		out = append(out, d)
	}
	return &TradingCalendar{days: out}
}

// LoadTradingCalendar reads a CSV file with a trade_date column.
func LoadTradingCalendar(path string) (*TradingCalendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrCalendarUnavailable, path, err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "trade_date") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %s has no trade_date column", ErrCalendarUnavailable, path)
	}

	var days []int
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrCalendarUnavailable, path, err)
		}
		if len(record) <= col {
			continue
		}
		// Values may be written as floats by spreadsheet tools ("20180102.0").
		raw := strings.TrimSuffix(strings.TrimSpace(record[col]), ".0")
		d, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad trade_date %q in %s", ErrCalendarUnavailable, record[col], path)
		}
		days = append(days, d)
	}

	if len(days) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCalendarUnavailable, path)
	}
	return NewTradingCalendar(days), nil
}

// Len returns the number of trading days.
func (tc *TradingCalendar) Len() int { return len(tc.days) }

// Contains reports whether day is a trading day.
func (tc *TradingCalendar) Contains(day int) bool {
	i := sort.SearchInts(tc.days, day)
	return i < len(tc.days) && tc.days[i] == day
}

// Range returns the trading days in [start, end]. A zero start or end leaves
// that side unbounded.
func (tc *TradingCalendar) Range(start, end int) []int {
	lo := 0
	if start > 0 {
		lo = sort.SearchInts(tc.days, start)
	}
	hi := len(tc.days)
	if end > 0 {
		hi = sort.SearchInts(tc.days, end+1)
	}
	if lo >= hi {
		return nil
	}
	return append([]int(nil), tc.days[lo:hi]...)
}

// Days implements the calendar lookup used by the ingestion orchestrator.
func (tc *TradingCalendar) Days(_ context.Context, start, end int) ([]int, error) {
	return tc.Range(start, end), nil
}

// Shift locates the first trading day on or after day and moves n trading
// days from there. Shift(d, -1) is the trading day before d when d is itself a
// trading day.
func (tc *TradingCalendar) Shift(day, n int) (int, error) {
	i := sort.SearchInts(tc.days, day) + n
	if i < 0 || i >= len(tc.days) {
		return 0, fmt.Errorf("%w: shifting %d by %d leaves the calendar", ErrCalendarUnavailable, day, n)
	}
	return tc.days[i], nil
}

// NaturalCalendar treats every calendar day as a trading day. Sources that
// trade around the clock (fx, crypto) use it.
type NaturalCalendar struct{}

// Days returns every day in [start, end].
func (NaturalCalendar) Days(_ context.Context, start, end int) ([]int, error) {
	if start == 0 || end == 0 {
		return nil, fmt.Errorf("%w: natural calendar needs a bounded range", ErrCalendarUnavailable)
	}
	var out []int
	for d := start; d <= end; d = domain.NextDay(d) {
		out = append(out, d)
	}
	return out, nil
}
