package cn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quantbar/internal/gather"
)

const drop = `date,time,open,high,low,close,volume,oi
20181008,90100,4100,4105,4099,4102,120,1500
20181008,90200,4102,4103,4100,4101,80,
20181009,0,4110,4111,4109,4110,10,1510
`

func writeDrop(t *testing.T, dir string, day, symbol, content string) {
	t.Helper()
	dayDir := filepath.Join(dir, day)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if content == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(dayDir, symbol+".csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFuturesFetcherName(t *testing.T) {
	f := NewFuturesFetcher(t.TempDir())
	if got := f.Name(); got != "cnfut" {
		t.Errorf("Name() = %q, want %q", got, "cnfut")
	}
}

func TestParseBars(t *testing.T) {
	bars, err := ParseBars(strings.NewReader(drop), "rb1901.SHF")
	if err != nil {
		t.Fatalf("ParseBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}

	b := bars[0]
	if b.Symbol != "rb1901" || b.Exchange != "SHF" || b.VtSymbol != "rb1901:SHF" {
		t.Errorf("identifiers = %q %q %q", b.Symbol, b.Exchange, b.VtSymbol)
	}
	want := time.Date(2018, 10, 8, 9, 0, 0, 0, Shanghai)
	if !b.Datetime.Equal(want) {
		t.Errorf("Datetime = %v, want %v", b.Datetime, want)
	}
	if b.Date != "20181008" || b.Time != "09:00:00" {
		t.Errorf("Date/Time = %s %s", b.Date, b.Time)
	}
	if b.Close != 4102 || b.Volume != 120 || b.OpenInterest != 1500 {
		t.Errorf("values = %+v", b)
	}

	if bars[1].OpenInterest != 0 {
		t.Errorf("empty oi = %v, want 0", bars[1].OpenInterest)
	}

	// Midnight end stamps belong to the previous date.
	if bars[2].Date != "20181008" || bars[2].Time != "23:59:00" {
		t.Errorf("midnight bar = %s %s", bars[2].Date, bars[2].Time)
	}
}

func TestParseBarsErrors(t *testing.T) {
	cases := map[string]string{
		"missing column": "date,time,open,high,low,close\n20181008,90100,1,1,1,1\n",
		"bad time":       "date,time,open,high,low,close,volume\n20181008,x,1,1,1,1,1\n",
		"bad price":      "date,time,open,high,low,close,volume\n20181008,90100,a,1,1,1,1\n",
		"empty price":    "date,time,open,high,low,close,volume\n20181008,90100,,1,1,1,1\n",
	}
	for name, content := range cases {
		if _, err := ParseBars(strings.NewReader(content), "rb1901.SHF"); !errors.Is(err, gather.ErrUpstream) {
			t.Errorf("%s: err = %v, want ErrUpstream", name, err)
		}
	}

	bars, err := ParseBars(strings.NewReader(""), "rb1901.SHF")
	if err != nil || len(bars) != 0 {
		t.Errorf("empty input = %v, %v", bars, err)
	}
}

func TestFuturesFetcherFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDrop(t, dir, "20181008", "rb1901.SHF", drop)
	writeDrop(t, dir, "20181009", "", "")

	f := NewFuturesFetcher(dir)

	bars, err := f.Fetch(ctx, "rb1901.SHF", 20181008)
	if err != nil || len(bars) != 3 {
		t.Fatalf("Fetch = %d bars, %v", len(bars), err)
	}

	// Drop arrived without this contract.
	bars, err = f.Fetch(ctx, "rb1901.SHF", 20181009)
	if err != nil || len(bars) != 0 {
		t.Errorf("Fetch without file = %v, %v", bars, err)
	}

	// Drop not there yet.
	if _, err := f.Fetch(ctx, "rb1901.SHF", 20181010); !errors.Is(err, gather.ErrUpstream) {
		t.Errorf("Fetch without drop: err = %v", err)
	}
}

func TestFuturesFetcherWindow(t *testing.T) {
	w := NewFuturesFetcher("").Window("rb1901.SHF", 20181008)
	if want := time.Date(2018, 10, 8, 17, 0, 0, 0, Shanghai); !w.End.Equal(want) {
		t.Errorf("Window.End = %v, want %v", w.End, want)
	}
	if w.Start.Location() != Shanghai {
		t.Errorf("Window location = %v", w.Start.Location())
	}
}
