// Package maincontract derives continuous "main contract" bar series for
// futures families by following the underlying with the highest open
// interest, one trading day lagged.
package maincontract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"quantbar/internal/domain"
	"quantbar/internal/reference"
	"quantbar/internal/store"
)

// Calendar is the trading calendar of the venue.
type Calendar interface {
	Range(start, end int) []int
	Shift(day, n int) (int, error)
}

// OpenInterestSource returns the daily open interest of each symbol:
// result[day][symbol]. Missing entries mean no data.
type OpenInterestSource interface {
	DailyOpenInterest(ctx context.Context, symbols []string, days []int) (map[int]map[string]float64, error)
}

// Session maps a trading day to its bar window: from the previous trading
// day's boundary hour to the day's boundary hour.
type Session struct {
	Calendar Calendar
	Location *time.Location
	Boundary time.Duration
}

// Window returns [prev boundary, day boundary) of day.
func (s Session) Window(day int) (time.Time, time.Time, error) {
	prev, err := s.Calendar.Shift(day, -1)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("previous trading day of %d: %w", day, err)
	}
	return domain.DayTime(prev, s.Location).Add(s.Boundary),
		domain.DayTime(day, s.Location).Add(s.Boundary), nil
}

// Read returns the bars of symbol inside the window of day. The store
// reads (start, end]; shifting both ends back by its millisecond
// resolution yields [start, end).
func (s Session) Read(ctx context.Context, bars store.BarStore, symbol string, day int) ([]domain.Bar, error) {
	start, end, err := s.Window(day)
	if err != nil {
		return nil, err
	}
	return bars.Read(ctx, symbol, start.Add(-time.Millisecond), end.Add(-time.Millisecond))
}

// Resolver computes and relays main-contract series. Raw underlying bars
// and the relayed main series share one bar store.
type Resolver struct {
	instruments reference.Source
	oi          OpenInterestSource
	session     Session
	missions    store.MissionIndex
	bars        store.BarStore
	links       store.LinkIndex
	log         *slog.Logger
}

// NewResolver wires a Resolver. missions is the mission index of the source
// that downloads the underlyings.
func NewResolver(instruments reference.Source, oi OpenInterestSource, session Session,
	missions store.MissionIndex, bars store.BarStore, links store.LinkIndex) *Resolver {
	return &Resolver{
		instruments: instruments,
		oi:          oi,
		session:     session,
		missions:    missions,
		bars:        bars,
		links:       links,
		log:         slog.Default().With("component", "maincontract"),
	}
}

// Underlyings returns the contracts of family whose listing overlaps
// [start, end], ordered by symbol.
func (r *Resolver) Underlyings(ctx context.Context, family string, start, end int) ([]domain.InstrumentInfo, error) {
	infos, err := r.instruments.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading instruments: %w", err)
	}
	matched := reference.Match(reference.Select(infos, start, end), family)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w for %s in %d-%d", reference.ErrNoInstruments, family, start, end)
	}
	return matched, nil
}

// Create scopes download missions for every underlying of the families over
// its listed days within [start, end] and ensures their bar tables. It
// returns the number of new missions.
func (r *Resolver) Create(ctx context.Context, families []string, start, end int) (int, error) {
	created := 0
	for _, family := range families {
		infos, err := r.Underlyings(ctx, family, start, end)
		if err != nil {
			return created, err
		}
		for _, info := range infos {
			from, to := max(info.ListDate, start), info.DelistDate
			if end > 0 {
				to = min(to, end)
			}
			for _, day := range r.session.Calendar.Range(from, to) {
				ok, err := r.missions.CreateMission(ctx, info.Symbol, day)
				if err != nil {
					r.log.Error("create mission", "symbol", info.Symbol, "day", day, "error", err)
					continue
				}
				if ok {
					created++
				}
			}
			if err := r.bars.CreateTable(ctx, info.Symbol); err != nil {
				return created, fmt.Errorf("ensuring table %s: %w", info.Symbol, err)
			}
		}
		r.log.Info("create", "family", family, "start", start, "end", end, "underlyings", len(infos))
	}
	return created, nil
}

// Mapping ranks the underlyings of family by daily open interest and maps
// each trading day to the previous trading day's leader. Ties go to the
// lexicographically smallest symbol. Days whose previous day has no ranking
// are dropped.
func (r *Resolver) Mapping(ctx context.Context, family string, start, end int) ([]domain.MainContractLink, error) {
	infos, err := r.Underlyings(ctx, family, start, end)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(infos))
	for i, info := range infos {
		symbols[i] = info.Symbol
	}

	days := r.session.Calendar.Range(r.widen(start, -1), r.widen(end, 1))
	if len(days) == 0 {
		return nil, nil
	}
	oi, err := r.oi.DailyOpenInterest(ctx, symbols, days)
	if err != nil {
		return nil, fmt.Errorf("loading open interest for %s: %w", family, err)
	}

	leaders := make([]string, len(days))
	for i, day := range days {
		leaders[i] = leader(infos, oi[day], day)
	}

	var links []domain.MainContractLink
	for i := 1; i < len(days); i++ {
		if leaders[i-1] == "" {
			continue
		}
		links = append(links, domain.MainContractLink{
			Main:       family,
			Day:        days[i],
			Underlying: leaders[i-1],
		})
	}
	return links, nil
}

// widen shifts a bound by n trading days, keeping zero and out-of-calendar
// bounds as they are.
func (r *Resolver) widen(day, n int) int {
	if day == 0 {
		return 0
	}
	shifted, err := r.session.Calendar.Shift(day, n)
	if err != nil {
		return day
	}
	return shifted
}

// leader returns the listed symbol with the highest open interest on day.
func leader(infos []domain.InstrumentInfo, oi map[string]float64, day int) string {
	best, bestOI := "", 0.0
	for _, info := range infos {
		if day < info.ListDate || day > info.DelistDate {
			continue
		}
		v, ok := oi[info.Symbol]
		if !ok {
			continue
		}
		if best == "" || v > bestOI || (v == bestOI && info.Symbol < best) {
			best, bestOI = info.Symbol, v
		}
	}
	return best
}

// Find computes the mapping of each family and records it as links. It
// returns the number of new links.
func (r *Resolver) Find(ctx context.Context, families []string, start, end int) (int, error) {
	created := 0
	for _, family := range families {
		links, err := r.Mapping(ctx, family, start, end)
		if err != nil {
			return created, err
		}
		n := 0
		for _, l := range links {
			ok, err := r.links.CreateLink(ctx, l.Main, l.Day, l.Underlying)
			if err != nil {
				r.log.Error("create link", "main", l.Main, "day", l.Day, "underlying", l.Underlying, "error", err)
				continue
			}
			if ok {
				n++
			}
		}
		if err := r.bars.CreateTable(ctx, family); err != nil {
			return created, fmt.Errorf("ensuring table %s: %w", family, err)
		}
		created += n
		r.log.Info("create index", "family", family, "start", start, "end", end, "links", len(links), "created", n)
	}
	return created, nil
}

// Publish relays the bars of every unfilled link in [start, end]. It
// returns the number of links relayed with data.
func (r *Resolver) Publish(ctx context.Context, families []string, start, end int) (int, error) {
	links, err := r.unfilled(ctx, families, start, end)
	if err != nil {
		return 0, err
	}
	relayed := 0
	ensured := make(map[string]bool)
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return relayed, err
		}
		if !ensured[l.Main] {
			if err := r.bars.CreateTable(ctx, l.Main); err != nil {
				return relayed, fmt.Errorf("ensuring table %s: %w", l.Main, err)
			}
			ensured[l.Main] = true
		}
		n, err := r.Relay(ctx, l)
		if err != nil {
			r.log.Error("write main", "main", l.Main, "day", l.Day, "underlying", l.Underlying, "error", err)
			continue
		}
		if n > 0 {
			relayed++
		}
	}
	return relayed, nil
}

// Relay copies the underlying's bars of the link's session window into the
// main series and fills the link. Copied bars carry the main series'
// identifiers and name the underlying in Contract. A window without bars
// fills the link with 0 and tag "no data".
func (r *Resolver) Relay(ctx context.Context, l domain.MainContractLink) (int, error) {
	bars, err := r.session.Read(ctx, r.bars, l.Underlying, l.Day)
	if err != nil {
		return 0, fmt.Errorf("reading %s@%d: %w", l.Underlying, l.Day, err)
	}
	if len(bars) == 0 {
		r.log.Warn("read contract", "underlying", l.Underlying, "day", l.Day, "state", "no data")
		if _, err := r.links.FillLink(ctx, l.Main, l.Day, 0, domain.TagNoData); err != nil {
			return 0, fmt.Errorf("filling link %s@%d: %w", l.Main, l.Day, err)
		}
		return 0, nil
	}

	sym, exchange := domain.SplitSymbol(l.Main)
	vt := domain.VtSymbol(sym, exchange)
	for i := range bars {
		bars[i].Symbol = sym
		bars[i].Exchange = exchange
		bars[i].VtSymbol = vt
		bars[i].Contract = l.Underlying
	}

	inserted, err := r.bars.Write(ctx, l.Main, bars)
	if err != nil {
		return 0, fmt.Errorf("writing %s@%d: %w", l.Main, l.Day, err)
	}
	count, tag := inserted, ""
	if inserted == 0 {
		// Every bar was already relayed by an earlier run.
		count, tag = len(bars), domain.TagCheck
	}
	if _, err := r.links.FillLink(ctx, l.Main, l.Day, count, tag); err != nil {
		return 0, fmt.Errorf("filling link %s@%d: %w", l.Main, l.Day, err)
	}
	r.log.Info("write main", "main", l.Main, "underlying", l.Underlying, "day", l.Day, "count", count)
	return count, nil
}

// Check fills, with tag "check", unfilled links whose session window in the
// main series already holds bars relayed from the link's underlying.
func (r *Resolver) Check(ctx context.Context, families []string, start, end int) (int, error) {
	links, err := r.unfilled(ctx, families, start, end)
	if err != nil {
		return 0, err
	}
	filled := 0
	for _, l := range links {
		count, err := r.relayed(ctx, l)
		if err != nil {
			r.log.Error("check", "main", l.Main, "day", l.Day, "error", err)
			continue
		}
		if count == 0 {
			continue
		}
		if _, err := r.links.FillLink(ctx, l.Main, l.Day, count, domain.TagCheck); err != nil {
			r.log.Error("fill link", "main", l.Main, "day", l.Day, "error", err)
			continue
		}
		filled++
		r.log.Info("check", "main", l.Main, "day", l.Day, "count", count)
	}
	return filled, nil
}

// relayed counts the bars of the link's window in the main series that came
// from the link's underlying.
func (r *Resolver) relayed(ctx context.Context, l domain.MainContractLink) (int, error) {
	bars, err := r.session.Read(ctx, r.bars, l.Main, l.Day)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range bars {
		if b.Contract == l.Underlying {
			count++
		}
	}
	return count, nil
}

func (r *Resolver) unfilled(ctx context.Context, families []string, start, end int) ([]domain.MainContractLink, error) {
	var links []domain.MainContractLink
	for l, err := range r.links.Unfilled(ctx, store.LinkFilter{Mains: families, Start: start, End: end}) {
		if err != nil {
			return nil, fmt.Errorf("listing unfilled links: %w", err)
		}
		links = append(links, l)
	}
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Main != links[j].Main {
			return links[i].Main < links[j].Main
		}
		return links[i].Day < links[j].Day
	})
	return links, nil
}

// IsNoInstruments reports whether err means a family has no contracts in
// range.
func IsNoInstruments(err error) bool { return errors.Is(err, reference.ErrNoInstruments) }
