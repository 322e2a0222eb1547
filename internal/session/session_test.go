package session

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"quantbar/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestRanges(t *testing.T) {
	got := Ranges([2]int{900, 1015}, [2]int{2100, 100}, [2]int{0, 0})
	want := []Range{{900, 1015}, {2100, 2400}, {0, 100}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ranges = %v, want %v", got, want)
	}
}

func TestIsTradingMinute(t *testing.T) {
	f := New(map[string][]Range{
		"SHF0100": Ranges([2]int{900, 1015}, [2]int{1030, 1130}, [2]int{1330, 1500}, [2]int{2100, 100}),
		"OPEN":    nil,
	}, nil)

	cases := []struct {
		market string
		hhmm   int
		want   bool
	}{
		{"SHF0100", 900, true},
		{"SHF0100", 1014, true},
		{"SHF0100", 1015, false},
		{"SHF0100", 1200, false},
		{"SHF0100", 2359, true},
		{"SHF0100", 0, true},
		{"SHF0100", 59, true},
		{"SHF0100", 100, false},
		{"OPEN", 300, true},
		{"UNKNOWN", 300, true},
	}
	for _, c := range cases {
		if got := f.IsTradingMinute(c.market, c.hhmm); got != c.want {
			t.Errorf("IsTradingMinute(%s, %04d) = %v, want %v", c.market, c.hhmm, got, c.want)
		}
	}
}

func TestMarketResolution(t *testing.T) {
	f := New(nil, map[string]string{
		"cu.SHF":     "SHF0100",
		"rb1901.SHF": "SHF2300",
	})
	cases := []struct{ symbol, want string }{
		{"rb1901.SHF", "SHF2300"},
		{"cu1812.SHF", "SHF0100"},
		{"cu.SHF", "SHF0100"},
		{"m1901.DCE", "DCE"},
	}
	for _, c := range cases {
		if got := f.Market(c.symbol); got != c.want {
			t.Errorf("Market(%s) = %q, want %q", c.symbol, got, c.want)
		}
	}

	var nilFilter *Filter
	if got := nilFilter.Market("SR901.CZC"); got != "CZC" {
		t.Errorf("nil Market = %q, want CZC", got)
	}
}

func TestLoadFilterAndApply(t *testing.T) {
	market := writeFile(t, "market.csv", `marketcode,auctbeg1,auctend1,auctbeg2,auctend2,auctbeg3,auctend3,auctbeg4,auctend4
SHF,900,1015,1030,1130,1330,1500,2100,2300
SHF0100,900.0,1015.0,1030.0,1130.0,1330.0,1500.0,2100.0,100.0
DCE,0,0,0,0,0,0,0,0
`)
	instmap := writeFile(t, "instmap.csv", "symbol,market\ncu.SHF,SHF0100\n")

	f, err := LoadFilter(market, instmap)
	if err != nil {
		t.Fatalf("LoadFilter: %v", err)
	}

	cst := time.FixedZone("CST", 8*3600)
	at := func(h, m int) time.Time { return time.Date(2018, 10, 8, h, m, 0, 0, cst) }

	allow := []struct {
		symbol string
		at     time.Time
		want   bool
	}{
		{"cu1812.SHF", at(0, 30), true},
		{"rb1901.SHF", at(0, 30), false},
		{"rb1901.SHF", at(22, 59), true},
		{"rb1901.SHF", at(23, 0), false},
		{"m1901.DCE", at(3, 0), true}, // market without ranges
	}
	for _, c := range allow {
		if got := f.Allow(c.symbol, c.at); got != c.want {
			t.Errorf("Allow(%s, %s) = %v, want %v", c.symbol, c.at.Format("15:04"), got, c.want)
		}
	}

	var bars []domain.Bar
	for _, ts := range []time.Time{at(8, 59), at(9, 0), at(11, 30), at(14, 59), at(15, 0)} {
		b := domain.Bar{}
		b.Stamp(ts)
		bars = append(bars, b)
	}
	kept := f.Apply("rb1901.SHF", bars)
	if len(kept) != 2 {
		t.Fatalf("Apply kept %d bars, want 2", len(kept))
	}
	if kept[0].Time != "09:00:00" || kept[1].Time != "14:59:00" {
		t.Errorf("kept times = %s, %s", kept[0].Time, kept[1].Time)
	}
}

func TestLoadFilterErrors(t *testing.T) {
	if _, err := LoadFilter(filepath.Join(t.TempDir(), "missing.csv"), ""); err == nil {
		t.Error("expected error for missing market file")
	}

	bad := writeFile(t, "market.csv", "code,auctbeg1,auctend1\nSHF,900,1000\n")
	if _, err := LoadFilter(bad, ""); err == nil {
		t.Error("expected error for missing marketcode column")
	}

	badClock := writeFile(t, "market.csv", "marketcode,auctbeg1,auctend1\nSHF,nine,1000\n")
	if _, err := LoadFilter(badClock, ""); err == nil {
		t.Error("expected error for bad clock value")
	}
}

func TestNilFilterAcceptsAll(t *testing.T) {
	var f *Filter
	if !f.IsTradingMinute("SHF", 300) {
		t.Error("nil IsTradingMinute = false")
	}
	if !f.Allow("rb1901.SHF", time.Now()) {
		t.Error("nil Allow = false")
	}
	if got := f.Apply("rb1901.SHF", []domain.Bar{{}, {}}); len(got) != 2 {
		t.Errorf("nil Apply kept %d bars, want 2", len(got))
	}
}
