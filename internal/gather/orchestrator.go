package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quantbar/internal/domain"
	"quantbar/internal/store"
	"quantbar/internal/util"
)

// Outcome is the result of one DownloadOne call.
type Outcome int

const (
	Success Outcome = iota
	FetchFailed
	WriteFailed
	FillFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case FetchFailed:
		return "fetch failed"
	case WriteFailed:
		return "write failed"
	case FillFailed:
		return "fill failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options configures an Orchestrator. Zero values are usable.
type Options struct {
	// Timeout bounds each upstream fetch. Zero means no bound.
	Timeout time.Duration
	// Limiter paces upstream fetches.
	Limiter *util.RateLimiter
	// Filter drops out-of-session bars before writing.
	Filter SessionFilter
	// Now replaces time.Now.
	Now func() time.Time
	Log *slog.Logger
}

// Orchestrator runs the fetch, write and fill cycle of one source.
// Missions are processed one at a time.
type Orchestrator struct {
	fetcher  Fetcher
	missions store.MissionIndex
	bars     store.BarStore
	calendar Calendar
	filter   SessionFilter
	limiter  *util.RateLimiter
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewOrchestrator wires a fetcher to its stores and day calendar.
func NewOrchestrator(f Fetcher, missions store.MissionIndex, bars store.BarStore, cal Calendar, opts Options) *Orchestrator {
	o := &Orchestrator{
		fetcher:  f,
		missions: missions,
		bars:     bars,
		calendar: cal,
		filter:   opts.Filter,
		limiter:  opts.Limiter,
		timeout:  opts.Timeout,
		now:      opts.Now,
		log:      opts.Log,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("source", f.Name())
	return o
}

// Name returns the source name.
func (o *Orchestrator) Name() string { return o.fetcher.Name() }

// ---------------------------------------------------------------------------
// Mission creation
// ---------------------------------------------------------------------------

// Scope creates a pending mission for every (symbol, day) with day in
// [start, end] according to the calendar. It returns the number of new
// missions. A calendar failure aborts the call; a failed mission insert is
// logged and skipped.
func (o *Orchestrator) Scope(ctx context.Context, symbols []string, start, end int) (int, error) {
	days, err := o.calendar.Days(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("resolving days %d-%d: %w", start, end, err)
	}

	created := 0
	for _, symbol := range symbols {
		for _, day := range days {
			if err := ctx.Err(); err != nil {
				return created, err
			}
			ok, err := o.missions.CreateMission(ctx, symbol, day)
			if err != nil {
				o.log.Error("create mission", "symbol", symbol, "day", day, "error", err)
				continue
			}
			if ok {
				created++
			}
		}
	}
	o.log.Info("scope", "symbols", len(symbols), "days", len(days), "created", created)
	return created, nil
}

// Create scopes the missions, ensures the bar tables and reconciles missions
// whose bars are already stored.
func (o *Orchestrator) Create(ctx context.Context, symbols []string, start, end int) error {
	if _, err := o.Scope(ctx, symbols, start, end); err != nil {
		return err
	}
	if err := o.Ensure(ctx, symbols); err != nil {
		return err
	}
	_, err := o.Reconcile(ctx, symbols, start, end)
	return err
}

// Update resumes mission creation for each symbol from its latest mission
// day, or from start when it has none, through end.
func (o *Orchestrator) Update(ctx context.Context, symbols []string, start, end int) (int, error) {
	created := 0
	for _, symbol := range symbols {
		from, err := o.missions.LatestDay(ctx, symbol)
		switch {
		case errors.Is(err, store.ErrNotFound):
			from = start
		case err != nil:
			return created, fmt.Errorf("latest day of %s: %w", symbol, err)
		}
		n, err := o.Scope(ctx, []string{symbol}, from, end)
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// Ensure creates the bar table and indexes of every symbol.
func (o *Orchestrator) Ensure(ctx context.Context, symbols []string) error {
	var errs []error
	for _, symbol := range symbols {
		if err := o.bars.CreateTable(ctx, symbol); err != nil {
			o.log.Error("ensure table", "symbol", symbol, "error", err)
			errs = append(errs, fmt.Errorf("ensuring table %s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

// Reconcile fills pending missions whose bars are already in the bar store
// with tag "check", without fetching. It returns the number of missions
// filled.
func (o *Orchestrator) Reconcile(ctx context.Context, symbols []string, start, end int) (int, error) {
	filter := store.MissionFilter{Symbols: symbols, Start: start, End: end}.PendingOnly()
	filled := 0
	for m, err := range o.missions.FindMissions(ctx, filter) {
		if err != nil {
			return filled, fmt.Errorf("listing pending missions: %w", err)
		}
		count, err := o.bars.Count(ctx, m.Symbol, m.Day)
		if err != nil {
			o.log.Error("check", "symbol", m.Symbol, "day", m.Day, "error", err)
			continue
		}
		if count == 0 {
			continue
		}
		if _, err := o.missions.FillMission(ctx, m.Symbol, m.Day, count, count, domain.TagCheck); err != nil {
			o.log.Error("fill index", "symbol", m.Symbol, "day", m.Day, "error", err)
			continue
		}
		filled++
		o.log.Info("check", "symbol", m.Symbol, "day", m.Day, "count", count)
	}
	return filled, nil
}

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

// DownloadOne fetches, filters and writes the bars of one mission and fills
// the mission with the result. Zero rows on a day before today fill the
// mission with -1. Failures are logged and leave the mission pending.
func (o *Orchestrator) DownloadOne(ctx context.Context, symbol string, day int) Outcome {
	log := o.log.With("symbol", symbol, "day", day)

	bars, err := o.fetch(ctx, symbol, day)
	if err != nil {
		log.Error("query bar", "error", &FetchError{Symbol: symbol, Day: day, Err: err})
		return FetchFailed
	}
	bars = o.apply(symbol, bars)

	count, inserted := len(bars), 0
	if count > 0 {
		inserted, err = o.bars.Write(ctx, symbol, bars)
		if err != nil {
			log.Error("write bar", "rows", count, "error", err)
			return WriteFailed
		}
	} else if o.isPast(symbol, day) {
		count = domain.RowsEmpty
	}

	matched, err := o.missions.FillMission(ctx, symbol, day, count, inserted, "")
	if err != nil {
		log.Error("fill index", "count", count, "inserted", inserted, "error", err)
		return FillFailed
	}
	if !matched {
		log.Warn("fill index", "count", count, "inserted", inserted, "error", "no such mission")
		return FillFailed
	}
	log.Info("download bar", "count", count, "inserted", inserted)
	return Success
}

func (o *Orchestrator) fetch(ctx context.Context, symbol string, day int) ([]domain.Bar, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return o.fetcher.Fetch(ctx, symbol, day)
}

// Today returns the current day in the zone of the source's mission windows.
func (o *Orchestrator) Today() int {
	now := o.now()
	loc := o.fetcher.Window("", domain.DayOf(now)).Start.Location()
	return domain.DayOf(now.In(loc))
}

// isPast reports whether day is before today in the mission window's zone.
func (o *Orchestrator) isPast(symbol string, day int) bool {
	loc := o.fetcher.Window(symbol, day).Start.Location()
	return day < domain.DayOf(o.now().In(loc))
}

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

// PublishResult summarizes a Publish call.
type PublishResult struct {
	RunID        string
	Passes       int
	Total        int // pending missions in the last pass
	Accomplished int // succeeded or deferred in the last pass
	Deferred     int // windows not yet elapsed in the last pass
}

// Done reports whether the last pass accomplished every mission.
func (r PublishResult) Done() bool { return r.Accomplished >= r.Total }

// Publish downloads the pending missions in [start, end]. Missions whose
// window has not ended are deferred and count as accomplished. While some
// mission fails and redo is positive, the pending missions are re-listed and
// retried with redo-1, so at most redo+1 passes run.
func (o *Orchestrator) Publish(ctx context.Context, symbols []string, start, end, redo int) (PublishResult, error) {
	res := PublishResult{RunID: uuid.NewString()}
	log := o.log.With("run", res.RunID)
	filter := store.MissionFilter{Symbols: symbols, Start: start, End: end}.PendingOnly()

	for {
		var pending []domain.Mission
		for m, err := range o.missions.FindMissions(ctx, filter) {
			if err != nil {
				return res, fmt.Errorf("listing pending missions: %w", err)
			}
			pending = append(pending, m)
		}

		res.Passes++
		res.Total, res.Accomplished, res.Deferred = len(pending), 0, 0
		log.Info("publish cycle start", "pass", res.Passes, "redo", redo, "total", res.Total)

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			window := o.fetcher.Window(m.Symbol, m.Day)
			if !window.End.Before(o.now()) {
				res.Deferred++
				res.Accomplished++
				log.Debug("publish", "symbol", m.Symbol, "day", m.Day, "state", "data not ready")
				continue
			}
			if o.DownloadOne(ctx, m.Symbol, m.Day) == Success {
				res.Accomplished++
			}
		}

		log.Info("publish cycle done", "pass", res.Passes, "total", res.Total,
			"accomplished", res.Accomplished, "deferred", res.Deferred)

		if res.Done() || redo <= 0 {
			return res, nil
		}
		redo--
	}
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

// Summary counts the missions of one symbol by state.
type Summary struct {
	Symbol   string
	Pending  int
	Filled   int
	Empty    int
	Rows     int
	Inserted int
	First    int
	Last     int
}

// Summarize groups the missions in [start, end] by symbol, in symbol order.
func (o *Orchestrator) Summarize(ctx context.Context, symbols []string, start, end int) ([]Summary, error) {
	var (
		out []Summary
		cur *Summary
	)
	for m, err := range o.missions.FindMissions(ctx, store.MissionFilter{Symbols: symbols, Start: start, End: end}) {
		if err != nil {
			return nil, fmt.Errorf("listing missions: %w", err)
		}
		if cur == nil || cur.Symbol != m.Symbol {
			out = append(out, Summary{Symbol: m.Symbol, First: m.Day})
			cur = &out[len(out)-1]
		}
		cur.Last = m.Day
		switch {
		case m.RowCount == domain.RowsPending:
			cur.Pending++
		case m.RowCount == domain.RowsEmpty:
			cur.Empty++
		default:
			cur.Filled++
			cur.Rows += m.RowCount
			cur.Inserted += m.Inserted
		}
	}
	return out, nil
}
