package reference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"quantbar/internal/domain"
)

const instrumentsCSV = `symbol,list_date,delist_date,market
rb1810.SHF,20170917,20181015,SHF2300
rb1901.SHF,20180117,20190115,SHF2300
rb1905.SHF,20180516,20190515.0,SHF2300
rbx1901.SHF,20180117,20190115,
rb1901.DCE,20180117,20190115,
c1901.DCE,20180117,20190115,DCE1500
cs1901.DCE,20180117,20190115,DCE1500
rb2001.SHF,20190116,,SHF2300
`

func TestReadCSV(t *testing.T) {
	infos, err := ReadCSV(strings.NewReader(instrumentsCSV))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(infos) != 8 {
		t.Fatalf("got %d instruments, want 8", len(infos))
	}
	want := domain.InstrumentInfo{Symbol: "rb1810.SHF", ListDate: 20170917, DelistDate: 20181015, Market: "SHF2300"}
	if infos[0] != want {
		t.Errorf("infos[0] = %+v, want %+v", infos[0], want)
	}
	if infos[2].DelistDate != 20190515 {
		t.Errorf("float delist date = %d, want 20190515", infos[2].DelistDate)
	}
	if infos[7].DelistDate != 99999999 {
		t.Errorf("empty delist date = %d, want open ended", infos[7].DelistDate)
	}

	if _, err := ReadCSV(strings.NewReader("")); !errors.Is(err, ErrNoInstruments) {
		t.Errorf("empty input: err = %v, want %v", err, ErrNoInstruments)
	}
	if _, err := ReadCSV(strings.NewReader("symbol,list_date\n")); err == nil {
		t.Error("expected error for missing columns")
	}
}

func TestSelectAndMatch(t *testing.T) {
	infos, err := ReadCSV(strings.NewReader(instrumentsCSV))
	if err != nil {
		t.Fatal(err)
	}

	var symbols []string
	for _, i := range Match(Select(infos, 20181101, 20181231), "rb.SHF") {
		symbols = append(symbols, i.Symbol)
	}
	if want := []string{"rb1901.SHF", "rb1905.SHF"}; !reflect.DeepEqual(symbols, want) {
		t.Errorf("alive rb.SHF = %v, want %v", symbols, want)
	}

	c := Match(infos, "c.DCE")
	if len(c) != 1 || c[0].Symbol != "c1901.DCE" {
		t.Errorf("Match(c.DCE) = %v", c)
	}

	if n := len(Match(Select(infos, 0, 0), "rb.SHF")); n != 4 {
		t.Errorf("unbounded rb.SHF = %d, want 4", n)
	}
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.csv")
	if err := os.WriteFile(path, []byte(instrumentsCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := NewCSVSource(path).Instruments(context.Background())
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(infos) != 8 {
		t.Errorf("got %d instruments, want 8", len(infos))
	}

	if _, err := NewCSVSource(filepath.Join(t.TempDir(), "missing.csv")).Instruments(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPostgresSource(t *testing.T) {
	dsn := os.Getenv("QUANTBAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUANTBAR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	src, err := NewPostgresSource(ctx, dsn)
	if err != nil {
		t.Fatalf("database connection failed: %v", err)
	}
	t.Cleanup(src.Close)

	if _, err := src.pool.Exec(ctx, `
		CREATE TABLE instrument_info (
			symbol TEXT PRIMARY KEY,
			list_date INTEGER NOT NULL,
			delist_date INTEGER,
			market TEXT
		)`); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { src.pool.Exec(context.Background(), `DROP TABLE instrument_info`) })
	if _, err := src.pool.Exec(ctx, `INSERT INTO instrument_info VALUES
		('rb1901.SHF', 20180117, 20190115, 'SHF2300'),
		('rb2001.SHF', 20190116, NULL, NULL)`); err != nil {
		t.Fatal(err)
	}

	infos, err := src.Instruments(ctx)
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d instruments, want 2", len(infos))
	}
	if infos[0].Symbol != "rb1901.SHF" || infos[1].DelistDate != 99999999 {
		t.Errorf("instruments = %+v", infos)
	}
}
