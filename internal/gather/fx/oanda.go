// Package fx fetches forex minute candles from the OANDA v20 REST API.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

var _ gather.Fetcher = (*OandaFetcher)(nil)

// Name is the source name of the OANDA fetcher.
const Name = "oanda"

// Exchange is recorded on every OANDA bar.
const Exchange = "oanda"

// REST endpoints per account type.
const (
	RESTPractice = "https://api-fxpractice.oanda.com"
	RESTTrade    = "https://api-fxtrade.oanda.com"
)

const defaultTimeout = 20 * time.Second

// OandaFetcher requests M1 mid-price candles for one instrument and UTC day.
type OandaFetcher struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// NewOandaFetcher creates an OandaFetcher. BaseURL overrides the endpoint
// chosen by TradeType.
func NewOandaFetcher(cfg config.OandaSource) *OandaFetcher {
	base := cfg.BaseURL
	if base == "" {
		base = RESTPractice
		if strings.EqualFold(cfg.TradeType, "TRADE") {
			base = RESTTrade
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OandaFetcher{
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		log:     slog.Default().With("fetcher", Name),
	}
}

// Name returns the source name.
func (f *OandaFetcher) Name() string { return Name }

// Window is the UTC day.
func (f *OandaFetcher) Window(_ string, day int) gather.DateRange {
	return gather.DayWindow(day, time.UTC)
}

type candlesResponse struct {
	Instrument  string   `json:"instrument"`
	Granularity string   `json:"granularity"`
	Candles     []candle `json:"candles"`
}

type candle struct {
	Time     string `json:"time"`
	Volume   int64  `json:"volume"`
	Complete bool   `json:"complete"`
	Mid      *struct {
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
	} `json:"mid"`
}

type errorResponse struct {
	ErrorMessage string `json:"errorMessage"`
}

// Fetch returns the complete M1 candles of instrument within the UTC day.
func (f *OandaFetcher) Fetch(ctx context.Context, instrument string, day int) ([]domain.Bar, error) {
	w := f.Window(instrument, day)
	q := url.Values{}
	q.Set("granularity", "M1")
	q.Set("price", "M")
	q.Set("from", strconv.FormatInt(w.Start.Unix(), 10))
	q.Set("to", strconv.FormatInt(w.End.Unix(), 10))
	endpoint := fmt.Sprintf("%s/v3/instruments/%s/candles?%s", f.baseURL, url.PathEscape(instrument), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")

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
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		return nil, gather.Upstreamf("status %d: %s", resp.StatusCode, e.ErrorMessage)
	}

	var cr candlesResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, gather.Upstreamf("decoding candles: %v", err)
	}
	return toBars(instrument, cr.Candles)
}

func toBars(instrument string, candles []candle) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(candles))
	for _, c := range candles {
		if !c.Complete {
			continue
		}
		if c.Mid == nil {
			return nil, gather.Upstreamf("candle %s has no mid prices", c.Time)
		}
		dt, err := time.Parse(time.RFC3339Nano, c.Time)
		if err != nil {
			return nil, gather.Upstreamf("candle time %q: %v", c.Time, err)
		}

		var ohlc [4]float64
		for i, s := range []string{c.Mid.O, c.Mid.H, c.Mid.L, c.Mid.C} {
			if ohlc[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, gather.Upstreamf("candle %s price %q: %v", c.Time, s, err)
			}
		}

		b := domain.Bar{
			Symbol:   instrument,
			Exchange: Exchange,
			VtSymbol: domain.VtSymbol(instrument, Exchange),
			Open:     ohlc[0],
			High:     ohlc[1],
			Low:      ohlc[2],
			Close:    ohlc[3],
			Volume:   float64(c.Volume),
		}
		b.Stamp(dt.UTC().Truncate(time.Second))
		bars = append(bars, b)
	}
	return bars, nil
}
