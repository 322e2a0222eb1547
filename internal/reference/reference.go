// Package reference provides instrument reference data: listing and
// delisting dates of concrete futures contracts.
package reference

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

	"github.com/jackc/pgx/v5/pgxpool"

	"quantbar/internal/domain"
)

// ErrNoInstruments is returned when a source yields no rows.
var ErrNoInstruments = errors.New("no instruments")

// Source returns instrument reference rows.
type Source interface {
	Instruments(ctx context.Context) ([]domain.InstrumentInfo, error)
}

var (
	_ Source = (*CSVSource)(nil)
	_ Source = (*PostgresSource)(nil)
)

// openEnd stands for an unbounded end day.
const openEnd = 99999999

// Select keeps the instruments whose [ListDate, DelistDate] overlaps
// [start, end]. Zero bounds are unbounded.
func Select(infos []domain.InstrumentInfo, start, end int) []domain.InstrumentInfo {
	if end == 0 {
		end = openEnd
	}
	var out []domain.InstrumentInfo
	for _, info := range infos {
		if info.DelistDate >= start && info.ListDate <= end {
			out = append(out, info)
		}
	}
	return out
}

// Match keeps the contracts of family, e.g. "rb.SHF" matches "rb1901.SHF"
// but not "rbx1901.SHF" or "rb1901.DCE". Results are ordered by symbol.
func Match(infos []domain.InstrumentInfo, family string) []domain.InstrumentInfo {
	head, tail := domain.SplitSymbol(family)
	var out []domain.InstrumentInfo
	for _, info := range infos {
		code, exchange := domain.SplitSymbol(info.Symbol)
		if exchange != tail || !strings.HasPrefix(code, head) {
			continue
		}
		month := code[len(head):]
		if month == "" || strings.TrimLeft(month, "0123456789") != "" {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

// CSVSource reads a file with symbol, list_date, delist_date and optional
// market columns.
type CSVSource struct {
	path string
}

// NewCSVSource creates a CSVSource for path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Instruments reads every row of the file.
func (s *CSVSource) Instruments(_ context.Context) ([]domain.InstrumentInfo, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses instrument rows from r.
func ReadCSV(r io.Reader) ([]domain.InstrumentInfo, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoInstruments
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"symbol", "list_date", "delist_date"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	marketCol, hasMarket := col["market"]

	var infos []domain.InstrumentInfo
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		list, err := parseDay(record[col["list_date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: list_date: %w", line, err)
		}
		delist, err := parseDay(record[col["delist_date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: delist_date: %w", line, err)
		}
		info := domain.InstrumentInfo{
			Symbol:     strings.TrimSpace(record[col["symbol"]]),
			ListDate:   list,
			DelistDate: delist,
		}
		if hasMarket {
			info.Market = strings.TrimSpace(record[marketCol])
		}
		infos = append(infos, info)
	}
	if len(infos) == 0 {
		return nil, ErrNoInstruments
	}
	return infos, nil
}

// parseDay accepts YYYYMMDD integers, optionally written as floats. An
// empty delist date means the contract is still listed.
func parseDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return openEnd, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return openEnd, nil
	}
	return int(v), nil
}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

// PostgresSource queries the instrument_info table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to dsn and verifies the connection.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to reference db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging reference db: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() { s.pool.Close() }

// Instruments returns every row of instrument_info ordered by symbol.
func (s *PostgresSource) Instruments(ctx context.Context) ([]domain.InstrumentInfo, error) {
	query := `
		SELECT symbol, list_date, COALESCE(delist_date, 0), COALESCE(market, '')
		FROM instrument_info
		ORDER BY symbol
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var infos []domain.InstrumentInfo
	for rows.Next() {
		var info domain.InstrumentInfo
		var list, delist int32
		if err := rows.Scan(&info.Symbol, &list, &delist, &info.Market); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		info.ListDate, info.DelistDate = int(list), int(delist)
		if info.DelistDate == 0 {
			info.DelistDate = openEnd
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruments: %w", err)
	}
	if len(infos) == 0 {
		return nil, ErrNoInstruments
	}
	return infos, nil
}
