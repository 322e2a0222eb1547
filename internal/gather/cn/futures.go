// Package cn fetches China futures minute bars from vendor file drops.
package cn

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

// ---------------------------------------------------------------------------
// Compile-time interface check
// ---------------------------------------------------------------------------

var _ gather.Fetcher = (*FuturesFetcher)(nil)

// Name is the source name of the CN futures fetcher.
const Name = "cnfut"

// readyHour is the local hour after which a day's drop is complete.
const readyHour = 17

// Shanghai is the exchange time zone. It falls back to a fixed UTC+8 zone
// when the tz database is unavailable.
var Shanghai = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// ---------------------------------------------------------------------------
// Vendor CSV drops
// ---------------------------------------------------------------------------

// FuturesFetcher reads the vendor's minute bars for one contract and trade
// date from
//
//	<dir>/<YYYYMMDD>/<symbol>.csv
//
// with integer date (YYYYMMDD) and time (HHMMSS) columns stamped at the end
// of each minute, plus open, high, low, close, volume and oi. A missing day
// directory means the drop has not arrived; a missing symbol file in an
// existing directory means the contract has no bars that day.
type FuturesFetcher struct {
	dir string
	log *slog.Logger
}

// NewFuturesFetcher creates a FuturesFetcher reading drops under dir.
func NewFuturesFetcher(dir string) *FuturesFetcher {
	return &FuturesFetcher{
		dir: dir,
		log: slog.Default().With("fetcher", Name),
	}
}

// Name returns the source name.
func (f *FuturesFetcher) Name() string { return Name }

// Window covers the trade date up to 17:00 Shanghai time, when the drop is
// complete.
func (f *FuturesFetcher) Window(_ string, day int) gather.DateRange {
	start := domain.DayTime(day, Shanghai)
	return gather.DateRange{Start: start, End: start.Add(readyHour * time.Hour)}
}

// Fetch reads and normalises the bars of symbol for trade date day.
func (f *FuturesFetcher) Fetch(ctx context.Context, symbol string, day int) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dayDir := filepath.Join(f.dir, strconv.Itoa(day))
	if _, err := os.Stat(dayDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, gather.Upstreamf("drop %d not available", day)
		}
		return nil, fmt.Errorf("checking drop %d: %w", day, err)
	}

	file, err := os.Open(filepath.Join(dayDir, symbol+".csv"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.log.Debug("no file", "symbol", symbol, "day", day)
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s@%d: %w", symbol, day, err)
	}
	defer file.Close()

	return ParseBars(file, symbol)
}

// ParseBars converts vendor CSV rows into bars of symbol. Vendor timestamps
// mark the end of a minute; bars are stamped at the minute's start.
func ParseBars(r io.Reader, symbol string) ([]domain.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, gather.Upstreamf("reading header: %v", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"date", "time", "open", "high", "low", "close", "volume"} {
		if _, ok := col[name]; !ok {
			return nil, gather.Upstreamf("missing column %q", name)
		}
	}

	sym, exchange := domain.SplitSymbol(symbol)
	vt := domain.VtSymbol(sym, exchange)

	var bars []domain.Bar
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gather.Upstreamf("line %d: %v", line, err)
		}

		dt, err := vendorTime(record[col["date"]], record[col["time"]])
		if err != nil {
			return nil, gather.Upstreamf("line %d: %v", line, err)
		}

		var vals [5]float64
		for i, name := range []string{"open", "high", "low", "close", "volume"} {
			vals[i], err = parseFloat(record[col[name]])
			if err != nil {
				return nil, gather.Upstreamf("line %d: %s: %v", line, name, err)
			}
			if math.IsNaN(vals[i]) {
				return nil, gather.Upstreamf("line %d: empty %s", line, name)
			}
		}
		var oi float64
		if i, ok := col["oi"]; ok {
			// Missing open interest is recorded as zero.
			if oi, err = parseFloat(record[i]); err != nil || math.IsNaN(oi) {
				oi = 0
			}
		}

		b := domain.Bar{
			Symbol:       sym,
			Exchange:     exchange,
			VtSymbol:     vt,
			Open:         vals[0],
			High:         vals[1],
			Low:          vals[2],
			Close:        vals[3],
			Volume:       vals[4],
			OpenInterest: oi,
		}
		b.Stamp(dt.Add(-time.Minute))
		bars = append(bars, b)
	}
	return bars, nil
}

// vendorTime combines integer date and time columns in Shanghai time.
func vendorTime(date, clock string) (time.Time, error) {
	d, err := parseInt(date)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, err)
	}
	c, err := parseInt(clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", clock, err)
	}
	hour, minute, second := c/10000, c/100%100, c%100
	if hour > 24 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("time %q out of range", clock)
	}
	return time.Date(d/10000, time.Month(d/100%100), d%100, hour, minute, second, 0, Shanghai), nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
