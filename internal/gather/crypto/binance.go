package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
)

const (
	BinanceName     = "binance"
	BinanceExchange = "BINANCE"

	binanceInterval  = "1m"
	binancePageLimit = 1500
)

// BinanceFetcher fetches USD-M futures 1m klines for one symbol and UTC day.
type BinanceFetcher struct {
	client *futures.Client
	log    *slog.Logger
}

// NewBinanceFetcher creates a BinanceFetcher. Klines are public, so no API
// keys are needed.
func NewBinanceFetcher(cfg config.BinanceSource) *BinanceFetcher {
	client := futures.NewClient("", "")
	if cfg.BaseURL != "" {
		client.SetApiEndpoint(cfg.BaseURL)
	}
	return &BinanceFetcher{
		client: client,
		log:    slog.Default().With("fetcher", BinanceName),
	}
}

// Name returns the source name.
func (f *BinanceFetcher) Name() string { return BinanceName }

// Window is the UTC day.
func (f *BinanceFetcher) Window(_ string, day int) gather.DateRange {
	return gather.DayWindow(day, time.UTC)
}

// Fetch returns the klines of symbol opening inside the UTC day.
func (f *BinanceFetcher) Fetch(ctx context.Context, symbol string, day int) ([]domain.Bar, error) {
	w := f.Window(symbol, day)
	startMs, endMs := w.Start.UnixMilli(), w.End.UnixMilli()-1

	var bars []domain.Bar
	for from := startMs; from <= endMs; {
		klines, err := f.client.NewKlinesService().
			Symbol(symbol).
			Interval(binanceInterval).
			StartTime(from).
			EndTime(endMs).
			Limit(binancePageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("klines %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}
		last := from
		for _, k := range klines {
			if k.OpenTime < startMs || k.OpenTime > endMs {
				continue
			}
			b, err := binanceBar(symbol, k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, b)
			last = max(last, k.OpenTime)
		}
		if len(klines) < binancePageLimit {
			break
		}
		from = last + int64(time.Minute/time.Millisecond)
	}
	return bars, nil
}

func binanceBar(symbol string, k *futures.Kline) (domain.Bar, error) {
	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Bar{}, gather.Upstreamf("kline %d value %q: %v", k.OpenTime, s, err)
		}
		vals[i] = v
	}
	b := domain.Bar{
		Symbol:   symbol,
		Exchange: BinanceExchange,
		VtSymbol: domain.VtSymbol(symbol, BinanceExchange),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	b.Stamp(time.UnixMilli(k.OpenTime).UTC())
	return b, nil
}
