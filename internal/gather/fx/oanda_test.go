package fx

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quantbar/internal/config"
	"quantbar/internal/gather"
)

const candlesJSON = `{
  "instrument": "EUR_USD",
  "granularity": "M1",
  "candles": [
    {"complete": true, "volume": 12, "time": "2018-01-02T00:00:00.000000000Z", "mid": {"o": "1.20050", "h": "1.20070", "l": "1.20040", "c": "1.20060"}},
    {"complete": true, "volume": 7, "time": "2018-01-02T00:01:00.000000000Z", "mid": {"o": "1.20060", "h": "1.20080", "l": "1.20055", "c": "1.20075"}},
    {"complete": false, "volume": 3, "time": "2018-01-02T00:02:00.000000000Z", "mid": {"o": "1.20075", "h": "1.20075", "l": "1.20070", "c": "1.20070"}}
  ]
}`

func TestOandaFetch(t *testing.T) {
	var gotQuery, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(candlesJSON))
	}))
	defer srv.Close()

	f := NewOandaFetcher(config.OandaSource{Token: "secret", BaseURL: srv.URL})
	bars, err := f.Fetch(context.Background(), "EUR_USD", 20180102)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotPath != "/v3/instruments/EUR_USD/candles" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	for _, want := range []string{"granularity=M1", "from=1514851200", "to=1514937600"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q lacks %s", gotQuery, want)
		}
	}

	// The incomplete candle is dropped.
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	b := bars[0]
	if b.Symbol != "EUR_USD" || b.Exchange != "oanda" || b.VtSymbol != "EUR_USD:oanda" {
		t.Errorf("identifiers = %q %q %q", b.Symbol, b.Exchange, b.VtSymbol)
	}
	if b.Date != "20180102" || b.Time != "00:00:00" {
		t.Errorf("Date/Time = %s %s", b.Date, b.Time)
	}
	if math.Abs(b.Close-1.2006) > 1e-9 || math.Abs(b.High-1.2007) > 1e-9 {
		t.Errorf("Close/High = %v/%v, want 1.2006/1.2007", b.Close, b.High)
	}
	if b.Volume != 12 || b.OpenInterest != 0 {
		t.Errorf("Volume/OpenInterest = %v/%v, want 12/0", b.Volume, b.OpenInterest)
	}
}

func TestOandaFetchErrors(t *testing.T) {
	status := http.StatusBadRequest
	body := `{"errorMessage": "Invalid value specified for 'instrument'"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewOandaFetcher(config.OandaSource{BaseURL: srv.URL})
	_, err := f.Fetch(context.Background(), "XXX_YYY", 20180102)
	if !errors.Is(err, gather.ErrUpstream) || !strings.Contains(err.Error(), "Invalid value") {
		t.Errorf("bad request: err = %v", err)
	}

	status, body = http.StatusOK, `{"candles": [{"complete": true, "time": "bad"}]}`
	if _, err := f.Fetch(context.Background(), "EUR_USD", 20180102); !errors.Is(err, gather.ErrUpstream) {
		t.Errorf("bad candle time: err = %v", err)
	}

	status, body = http.StatusOK, `not json`
	if _, err := f.Fetch(context.Background(), "EUR_USD", 20180102); !errors.Is(err, gather.ErrUpstream) {
		t.Errorf("bad body: err = %v", err)
	}
}

func TestOandaEndpointSelection(t *testing.T) {
	if got := NewOandaFetcher(config.OandaSource{TradeType: "PRACTICE"}).baseURL; got != RESTPractice {
		t.Errorf("PRACTICE base URL = %q", got)
	}
	if got := NewOandaFetcher(config.OandaSource{TradeType: "TRADE"}).baseURL; got != RESTTrade {
		t.Errorf("TRADE base URL = %q", got)
	}
	if got := NewOandaFetcher(config.OandaSource{}).http.Timeout; got != 20*time.Second {
		t.Errorf("default timeout = %v, want 20s", got)
	}
}

func TestOandaWindow(t *testing.T) {
	w := NewOandaFetcher(config.OandaSource{}).Window("EUR_USD", 20180102)
	if want := time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC); !w.Start.Equal(want) {
		t.Errorf("Window.Start = %v, want %v", w.Start, want)
	}
	if want := time.Date(2018, 1, 3, 0, 0, 0, 0, time.UTC); !w.End.Equal(want) {
		t.Errorf("Window.End = %v, want %v", w.End, want)
	}
}
