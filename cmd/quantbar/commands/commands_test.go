package commands

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
	"quantbar/internal/store"
)

func TestRangeFlagsResolve(t *testing.T) {
	rf := rangeFlags{start: "2018-01-02", symbols: []string{"rb1901.SHF"}}
	symbols, start, end, err := rf.resolve([]string{"x"}, 20170101, 20181231)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(symbols, []string{"rb1901.SHF"}) || start != 20180102 || end != 20181231 {
		t.Errorf("resolve = %v %d %d", symbols, start, end)
	}

	rf = rangeFlags{end: "not-a-day"}
	if _, _, _, err := rf.resolve(nil, 0, 0); err == nil {
		t.Error("expected error for bad end day")
	}
}

func TestJobConfig(t *testing.T) {
	c := &config.Config{}
	c.Sources.OKX.Symbols = []string{"BTC-USDT"}
	job, err := jobConfig(c, "okx")
	if err != nil {
		t.Fatalf("jobConfig: %v", err)
	}
	if !reflect.DeepEqual(job.Symbols, []string{"BTC-USDT"}) {
		t.Errorf("Symbols = %v", job.Symbols)
	}

	path := filepath.Join(t.TempDir(), "symbols.csv")
	if err := os.WriteFile(path, []byte("symbol,name\nETH-USDT,ether\nBTC-USDT,bitcoin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.Sources.OKX.SymbolsFile = path
	job, err = jobConfig(c, "okx")
	if err != nil {
		t.Fatalf("jobConfig with symbols_file: %v", err)
	}
	if want := []string{"BTC-USDT", "ETH-USDT"}; !reflect.DeepEqual(job.Symbols, want) {
		t.Errorf("merged Symbols = %v, want %v", job.Symbols, want)
	}

	c.Sources.OKX.SymbolsFile = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := jobConfig(c, "okx"); err == nil {
		t.Error("expected error for missing symbols_file")
	}

	_, err = jobConfig(c, "nasdaq")
	if err == nil || !strings.Contains(err.Error(), "cnfut") {
		t.Errorf("unknown source: err = %v, want the list of sources", err)
	}
}

func TestRenderReport(t *testing.T) {
	out := renderReport("cnfut", []gather.Summary{
		{Symbol: "rb1901.SHF", Pending: 1, Filled: 2, Rows: 450, Inserted: 450, First: 20180102, Last: 20180104},
		{Symbol: "rb1905.SHF", Empty: 3, First: 20180102, Last: 20180104},
	})
	for _, want := range []string{"rb1901.SHF", "20180102-20180104", "total (2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 5 {
		t.Errorf("report has %d lines, want 5:\n%s", n, out)
	}
}

func TestExportSymbol(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bars.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	b, err := db.Backend(ctx, "okx")
	if err != nil {
		t.Fatal(err)
	}

	const symbol = "BTC-USDT.OKX"
	if err := b.Bars.CreateTable(ctx, symbol); err != nil {
		t.Fatal(err)
	}
	var bars []domain.Bar
	for _, day := range []int{20240301, 20240302} {
		if _, err := b.Missions.CreateMission(ctx, symbol, day); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			bar := domain.Bar{Symbol: "BTC-USDT", Exchange: "OKX", VtSymbol: "BTC-USDT:OKX", Close: 1}
			bar.Stamp(domain.DayTime(day, time.UTC).Add(time.Duration(i) * time.Minute))
			bars = append(bars, bar)
		}
	}
	if _, err := b.Bars.Write(ctx, symbol, bars); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Missions.FillMission(ctx, symbol, 20240301, 3, 3, ""); err != nil {
		t.Fatal(err)
	}

	archive := store.NewParquetArchive(t.TempDir())
	paths, n, err := exportSymbol(ctx, b, archive, symbol, 20240301, 20240302)
	if err != nil {
		t.Fatalf("exportSymbol: %v", err)
	}
	// Only the filled day is archived.
	if n != 3 || len(paths) != 1 {
		t.Fatalf("exported %d bars in %d files, want 3 in 1", n, len(paths))
	}

	got, err := archive.ReadBars(symbol, domain.DayTime(20240301, time.UTC), domain.DayTime(20240303, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 || got[2].Date != "20240301" {
		t.Errorf("archived bars = %+v", got)
	}
}
