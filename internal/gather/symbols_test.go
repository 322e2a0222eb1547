package gather

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	content := "symbol,name\nrb1901.SHF,rebar\n\n  EUR_USD ,euro\n,blank\nBTC-USDT\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSymbols(path)
	if err != nil {
		t.Fatalf("LoadSymbols: %v", err)
	}
	want := []string{"rb1901.SHF", "EUR_USD", "BTC-USDT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadSymbolsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	if err := os.WriteFile(path, []byte("symbol\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSymbols(path)
	if err != nil || got != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
	if _, err := LoadSymbols(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeSymbols(t *testing.T) {
	got := MergeSymbols([]string{"a", "b"}, []string{"b", "c", "a", "d"})
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
