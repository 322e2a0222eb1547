package gather

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// LoadSymbols reads the first column ("symbol") of a CSV file with a header
// row. Blank cells are skipped and case is preserved, since instrument ids
// such as "rb1901.SHF" are case sensitive.
func LoadSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	symbols := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) == 0 {
			continue
		}
		if sym := strings.TrimSpace(row[0]); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	return symbols, nil
}

// MergeSymbols appends the symbols of extra not already in base, keeping
// first-seen order.
func MergeSymbols(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
