// Package store defines storage interfaces for the mission index, the
// per-symbol minute bar store and the main-contract link index, with SQLite
// and MongoDB implementations.
package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"quantbar/internal/domain"
)

// ErrNotFound is returned when a lookup has no result.
var ErrNotFound = errors.New("not found")

// MissionFilter narrows FindMissions. Zero fields are not applied.
type MissionFilter struct {
	Symbols []string
	Start   int // inclusive day
	End     int // inclusive day
	// RowCount, when set, matches missions whose row count equals it.
	RowCount *int
}

// PendingOnly returns a copy of f that only matches pending missions.
func (f MissionFilter) PendingOnly() MissionFilter {
	zero := domain.RowsPending
	f.RowCount = &zero
	return f
}

// MissionIndex tracks which (symbol, day) units have been fetched.
//
// Create and Fill report storage failures through their error so callers can
// log them; a failed write leaves the mission pending and it is retried on
// the next cycle.
type MissionIndex interface {
	// CreateMission inserts a pending mission. It returns false without error
	// when the mission already exists.
	CreateMission(ctx context.Context, symbol string, day int) (bool, error)

	// FillMission overwrites the status fields of an existing mission and
	// reports whether a record matched.
	FillMission(ctx context.Context, symbol string, day, rowCount, inserted int, tag string) (bool, error)

	// FindMissions returns a finite sequence of missions matching f ordered by
	// (symbol, day). Each range over the sequence runs a fresh query, so it
	// may be consumed any number of times.
	FindMissions(ctx context.Context, f MissionFilter) iter.Seq2[domain.Mission, error]

	// LatestDay returns the highest day with any mission for symbol, or
	// ErrNotFound.
	LatestDay(ctx context.Context, symbol string) (int, error)
}

// BarStore persists minute bars, one deduplicated collection per symbol.
type BarStore interface {
	// CreateTable ensures the unique datetime index and the date index exist
	// for symbol, removing duplicate rows first when an older non-unique
	// datetime index is found.
	CreateTable(ctx context.Context, symbol string) error

	// Write inserts bars one at a time. Duplicate datetimes are skipped and
	// not counted; the returned count is the number of new rows.
	Write(ctx context.Context, symbol string, bars []domain.Bar) (int, error)

	// Count returns the number of bars whose date equals day.
	Count(ctx context.Context, symbol string, day int) (int, error)

	// LastDate returns the latest date present for symbol, or ErrNotFound.
	LastDate(ctx context.Context, symbol string) (int, error)

	// Read returns bars with start < datetime <= end ordered by datetime.
	Read(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// LinkFilter narrows Unfilled. Zero fields are not applied.
type LinkFilter struct {
	Mains []string
	Start int
	End   int
}

// LinkIndex stores main-contract designations, unique per (main, day).
type LinkIndex interface {
	// CreateLink inserts an unfilled link and reports whether it was new.
	CreateLink(ctx context.Context, main string, day int, underlying string) (bool, error)

	// FillLink sets the relay count and tag of an existing link.
	FillLink(ctx context.Context, main string, day, count int, tag string) (bool, error)

	// Unfilled returns links with a zero count ordered by (main, day).
	Unfilled(ctx context.Context, f LinkFilter) iter.Seq2[domain.MainContractLink, error]
}

// Backend bundles the stores of one source.
type Backend struct {
	Missions MissionIndex
	Bars     BarStore
	Links    LinkIndex
	Close    func() error
}
