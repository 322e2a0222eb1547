// Package crypto fetches crypto minute klines from OKX and Binance USD-M
// futures.
package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Fetcher = (*OKXFetcher)(nil)
var _ gather.Fetcher = (*BinanceFetcher)(nil)

const (
	OKXName     = "okx"
	OKXExchange = "OKX"
	OKXRestURL  = "https://www.okx.com"

	okxPageLimit = 100
	okxMaxPages  = 20
)

// OKXFetcher pages through the v5 history-candles endpoint for one
// instrument and UTC day.
type OKXFetcher struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewOKXFetcher creates an OKXFetcher.
func NewOKXFetcher(cfg config.OKXSource) *OKXFetcher {
	base := cfg.BaseURL
	if base == "" {
		base = OKXRestURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OKXFetcher{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     slog.Default().With("fetcher", OKXName),
	}
}

// Name returns the source name.
func (f *OKXFetcher) Name() string { return OKXName }

// Window is the UTC day.
func (f *OKXFetcher) Window(_ string, day int) gather.DateRange {
	return gather.DayWindow(day, time.UTC)
}

type okxResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// Fetch returns the confirmed 1m candles of instID with open time inside
// the UTC day, oldest first.
func (f *OKXFetcher) Fetch(ctx context.Context, instID string, day int) ([]domain.Bar, error) {
	w := f.Window(instID, day)
	startMs, endMs := w.Start.UnixMilli(), w.End.UnixMilli()

	seen := make(map[int64]struct{})
	var bars []domain.Bar
	after := endMs
	for page := 0; page < okxMaxPages; page++ {
		rows, err := f.page(ctx, instID, after, startMs-1)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		oldest := after
		for _, row := range rows {
			b, ts, confirmed, err := okxBar(instID, row)
			if err != nil {
				return nil, err
			}
			oldest = min(oldest, ts)
			if ts < startMs || ts >= endMs || !confirmed {
				continue
			}
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			bars = append(bars, b)
		}
		if len(rows) < okxPageLimit || oldest <= startMs || oldest >= after {
			break
		}
		after = oldest
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Datetime.Before(bars[j].Datetime) })
	return bars, nil
}

// page requests candles with before < ts < after.
func (f *OKXFetcher) page(ctx context.Context, instID string, after, before int64) ([][]string, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", "1m")
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("before", strconv.FormatInt(before, 10))
	q.Set("limit", strconv.Itoa(okxPageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/v5/market/history-candles?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting candles: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading candles: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gather.Upstreamf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r okxResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, gather.Upstreamf("decoding candles: %v", err)
	}
	if r.Code != "0" {
		return nil, gather.Upstreamf("code %s: %s", r.Code, r.Msg)
	}
	return r.Data, nil
}

// okxBar converts [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func okxBar(instID string, row []string) (domain.Bar, int64, bool, error) {
	if len(row) < 6 {
		return domain.Bar{}, 0, false, gather.Upstreamf("short candle row %v", row)
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Bar{}, 0, false, gather.Upstreamf("candle ts %q: %v", row[0], err)
	}
	var vals [5]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(row[i+1], 64); err != nil {
			return domain.Bar{}, 0, false, gather.Upstreamf("candle %d value %q: %v", ts, row[i+1], err)
		}
	}
	confirmed := len(row) < 9 || row[8] == "1"

	b := domain.Bar{
		Symbol:   instID,
		Exchange: OKXExchange,
		VtSymbol: domain.VtSymbol(instID, OKXExchange),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	b.Stamp(time.UnixMilli(ts).UTC())
	return b, ts, confirmed, nil
}
