// Package session classifies bar timestamps as inside or outside a market's
// trading sessions.
package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"quantbar/internal/domain"
)

// maxWindows is the number of session windows a market row can describe.
const maxWindows = 4

// Range is a clock range [Begin, End) in hhmm form.
type Range struct {
	Begin int
	End   int
}

func (r Range) contains(hhmm int) bool { return hhmm >= r.Begin && hhmm < r.End }

// Ranges converts session windows into non-wrapping ranges. Windows with
// begin == end are ignored; windows crossing midnight are split in two.
func Ranges(windows ...[2]int) []Range {
	var out []Range
	for _, w := range windows {
		begin, end := w[0], w[1]
		switch {
		case begin == end:
		case begin < end:
			out = append(out, Range{begin, end})
		default:
			out = append(out, Range{begin, 2400}, Range{0, end})
		}
	}
	return out
}

// Filter maps symbols to markets and markets to session ranges. A nil
// *Filter accepts everything.
type Filter struct {
	markets map[string][]Range
	instmap map[string]string
}

// New returns a Filter over the given market ranges and symbol-to-market map.
func New(markets map[string][]Range, instmap map[string]string) *Filter {
	if markets == nil {
		markets = map[string][]Range{}
	}
	if instmap == nil {
		instmap = map[string]string{}
	}
	return &Filter{markets: markets, instmap: instmap}
}

// LoadFilter reads the market session table and, when instmapPath is not
// empty, the symbol-to-market mapping.
//
// The market file has a header with marketcode and auctbeg1..4/auctend1..4
// columns. The instmap file has symbol and market columns.
func LoadFilter(marketPath, instmapPath string) (*Filter, error) {
	markets, err := loadMarkets(marketPath)
	if err != nil {
		return nil, err
	}
	var instmap map[string]string
	if instmapPath != "" {
		instmap, err = loadInstmap(instmapPath)
		if err != nil {
			return nil, err
		}
	}
	return New(markets, instmap), nil
}

// IsTradingMinute reports whether hhmm (0..2359) falls in one of market's
// session ranges. Markets without ranges accept every time.
func (f *Filter) IsTradingMinute(market string, hhmm int) bool {
	if f == nil {
		return true
	}
	ranges, ok := f.markets[market]
	if !ok || len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.contains(hhmm) {
			return true
		}
	}
	return false
}

// Market resolves the market code of symbol: an exact instmap entry, then
// the entry of its product family (letters of the code before the contract
// month), then the exchange suffix.
func (f *Filter) Market(symbol string) string {
	if f != nil {
		if m, ok := f.instmap[symbol]; ok {
			return m
		}
		if fam := family(symbol); fam != symbol {
			if m, ok := f.instmap[fam]; ok {
				return m
			}
		}
	}
	_, exchange := domain.SplitSymbol(symbol)
	return exchange
}

// Allow reports whether t, read on its own clock, is a trading minute for
// symbol.
func (f *Filter) Allow(symbol string, t time.Time) bool {
	if f == nil {
		return true
	}
	return f.IsTradingMinute(f.Market(symbol), t.Hour()*100+t.Minute())
}

// Apply returns the bars of symbol that fall inside its sessions, reusing the
// backing array of bars.
func (f *Filter) Apply(symbol string, bars []domain.Bar) []domain.Bar {
	if f == nil {
		return bars
	}
	kept := bars[:0]
	for _, b := range bars {
		if f.Allow(symbol, b.Datetime) {
			kept = append(kept, b)
		}
	}
	return kept
}

// family strips the contract month from a futures symbol: "rb1901.SHF"
// becomes "rb.SHF".
func family(symbol string) string {
	code, exchange := domain.SplitSymbol(symbol)
	trimmed := strings.TrimRightFunc(code, unicode.IsDigit)
	if trimmed == "" || trimmed == code {
		return symbol
	}
	if exchange == "" {
		return trimmed
	}
	return trimmed + "." + exchange
}

// ---------------------------------------------------------------------------
// CSV loading
// ---------------------------------------------------------------------------

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, fmt.Errorf("%s: empty file", path)
		}
		return nil, nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return header, rows, nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

// parseClock parses an hhmm value that may carry a float suffix ("930.0").
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func loadMarkets(path string) (map[string][]Range, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)
	codeCol, ok := col["marketcode"]
	if !ok {
		return nil, fmt.Errorf("%s: missing marketcode column", path)
	}

	markets := make(map[string][]Range, len(rows))
	for line, row := range rows {
		code := strings.TrimSpace(row[codeCol])
		var windows [][2]int
		for i := 1; i <= maxWindows; i++ {
			bi, bok := col[fmt.Sprintf("auctbeg%d", i)]
			ei, eok := col[fmt.Sprintf("auctend%d", i)]
			if !bok || !eok {
				continue
			}
			begin, err := parseClock(row[bi])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: auctbeg%d: %w", path, line+2, i, err)
			}
			end, err := parseClock(row[ei])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: auctend%d: %w", path, line+2, i, err)
			}
			windows = append(windows, [2]int{begin, end})
		}
		markets[code] = Ranges(windows...)
	}
	return markets, nil
}

func loadInstmap(path string) (map[string]string, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)
	symCol, ok := col["symbol"]
	if !ok {
		return nil, fmt.Errorf("%s: missing symbol column", path)
	}
	mktCol, ok := col["market"]
	if !ok {
		return nil, fmt.Errorf("%s: missing market column", path)
	}

	instmap := make(map[string]string, len(rows))
	for _, row := range rows {
		instmap[strings.TrimSpace(row[symCol])] = strings.TrimSpace(row[mktCol])
	}
	return instmap, nil
}
