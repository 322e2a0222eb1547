package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantbar/internal/domain"
)

// ParquetArchive exports minute bars to Parquet files on disk, one file per
// symbol and year.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given data
// directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for minute bar data.
type BarRecord struct {
	Symbol       string  `parquet:"symbol"`
	Exchange     string  `parquet:"exchange"`
	VtSymbol     string  `parquet:"vt_symbol"`
	Timestamp    int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Date         string  `parquet:"date"`
	Time         string  `parquet:"time"`
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       float64 `parquet:"volume"`
	OpenInterest float64 `parquet:"open_interest"`
	Contract     string  `parquet:"contract,optional"`
}

func toRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		VtSymbol:     b.VtSymbol,
		Timestamp:    b.Datetime.UnixMilli(),
		Date:         b.Date,
		Time:         b.Time,
		Open:         b.Open,
		High:         b.High,
		Low:          b.Low,
		Close:        b.Close,
		Volume:       b.Volume,
		OpenInterest: b.OpenInterest,
		Contract:     b.Contract,
	}
}

func fromRecord(r BarRecord) domain.Bar {
	return domain.Bar{
		Symbol:       r.Symbol,
		Exchange:     r.Exchange,
		VtSymbol:     r.VtSymbol,
		Datetime:     time.UnixMilli(r.Timestamp).UTC(),
		Date:         r.Date,
		Time:         r.Time,
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		OpenInterest: r.OpenInterest,
		Contract:     r.Contract,
	}
}

// ---------------------------------------------------------------------------
// Export / read
// ---------------------------------------------------------------------------

// WriteBars merges bars into the yearly files of symbol and returns the paths
// that were written. Files are laid out as:
//
//	<DataDir>/<store key>/<YYYY>.parquet
func (a *ParquetArchive) WriteBars(symbol string, bars []domain.Bar) ([]string, error) {
	if len(bars) == 0 {
		return nil, nil
	}

	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Datetime.Year()
		groups[year] = append(groups[year], toRecord(b))
	}

	years := make([]int, 0, len(groups))
	for y := range groups {
		years = append(years, y)
	}
	sort.Ints(years)

	var paths []string
	for _, year := range years {
		path := a.barPath(symbol, year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, groups[year])

		if err := writeParquetFile(path, merged); err != nil {
			return paths, fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadBars reads archived bars of symbol with start <= datetime <= end.
func (a *ParquetArchive) ReadBars(symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](a.barPath(symbol, year))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading archive %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, fromRecord(r))
			}
		}
	}
	return bars, nil
}

// ListSymbols lists the store keys that have archived data.
func (a *ParquetArchive) ListSymbols() ([]string, error) {
	entries, err := os.ReadDir(a.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// RelPath returns path relative to the archive root, using forward slashes.
func (a *ParquetArchive) RelPath(path string) (string, error) {
	rel, err := filepath.Rel(a.DataDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// barPath returns the filesystem path for a yearly bar file.
func (a *ParquetArchive) barPath(symbol string, year int) string {
	return filepath.Join(a.DataDir, domain.StoreKey(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, keeping the first
// occurrence like the bar store does. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged := make([]BarRecord, 0, len(existing)+len(incoming))
	for _, batch := range [][]BarRecord{existing, incoming} {
		for _, r := range batch {
			if _, ok := seen[r.Timestamp]; ok {
				continue
			}
			seen[r.Timestamp] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
