package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"quantbar/internal/domain"
)

// Compile-time interface checks.
var _ MissionIndex = (*SQLiteMissionIndex)(nil)
var _ BarStore = (*SQLiteBarStore)(nil)
var _ LinkIndex = (*SQLiteLinkIndex)(nil)

var indexName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLiteStore holds a SQLite database shared by the mission indexes, link
// indexes and bar tables of every source.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, log: slog.Default().With("store", "sqlite")}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Backend returns the mission index, bar store and link index for the named
// source. Table names are derived from name, which must be alphanumeric.
func (s *SQLiteStore) Backend(ctx context.Context, name string) (*Backend, error) {
	missions, err := s.MissionIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	links, err := s.LinkIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Missions: missions,
		Bars:     s.BarStore(),
		Links:    links,
		Close:    func() error { return nil },
	}, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE")
		}
	}
	return false
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---------------------------------------------------------------------------
// MissionIndex implementation
// ---------------------------------------------------------------------------

// SQLiteMissionIndex stores missions of one source in a table keyed by
// (symbol, day).
type SQLiteMissionIndex struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// MissionIndex creates (if needed) and returns the mission index for name.
func (s *SQLiteStore) MissionIndex(ctx context.Context, name string) (*SQLiteMissionIndex, error) {
	if !indexName.MatchString(name) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	table := "missions_" + name
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + quoteIdent(table) + ` (
			symbol    TEXT    NOT NULL,
			day       INTEGER NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			inserted  INTEGER NOT NULL DEFAULT 0,
			tag       TEXT    NOT NULL DEFAULT '',
			modified  INTEGER NOT NULL,
			PRIMARY KEY (symbol, day)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(table+"_row_count") + ` ON ` + quoteIdent(table) + ` (row_count)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(table+"_inserted") + ` ON ` + quoteIdent(table) + ` (inserted)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating mission index %s: %w", table, err)
		}
	}
	return &SQLiteMissionIndex{db: s.db, table: quoteIdent(table), now: time.Now}, nil
}

// CreateMission inserts a pending mission unless one exists for the key.
func (m *SQLiteMissionIndex) CreateMission(ctx context.Context, symbol string, day int) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO `+m.table+` (symbol, day, row_count, inserted, tag, modified)
		 VALUES (?, ?, 0, 0, '', ?) ON CONFLICT (symbol, day) DO NOTHING`,
		symbol, day, m.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("creating mission %s@%d: %w", symbol, day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FillMission updates the status fields of an existing mission.
func (m *SQLiteMissionIndex) FillMission(ctx context.Context, symbol string, day, rowCount, inserted int, tag string) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`UPDATE `+m.table+` SET row_count = ?, inserted = ?, tag = ?, modified = ?
		 WHERE symbol = ? AND day = ?`,
		rowCount, inserted, tag, m.now().UnixMilli(), symbol, day)
	if err != nil {
		return false, fmt.Errorf("filling mission %s@%d: %w", symbol, day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindMissions lists missions matching f. Each iteration snapshots the query
// result before yielding so callers may write to the index while ranging.
func (m *SQLiteMissionIndex) FindMissions(ctx context.Context, f MissionFilter) iter.Seq2[domain.Mission, error] {
	return func(yield func(domain.Mission, error) bool) {
		var (
			where []string
			args  []any
		)
		if len(f.Symbols) > 0 {
			where = append(where, "symbol IN ("+placeholders(len(f.Symbols))+")")
			for _, s := range f.Symbols {
				args = append(args, s)
			}
		}
		if f.Start > 0 {
			where = append(where, "day >= ?")
			args = append(args, f.Start)
		}
		if f.End > 0 {
			where = append(where, "day <= ?")
			args = append(args, f.End)
		}
		if f.RowCount != nil {
			where = append(where, "row_count = ?")
			args = append(args, *f.RowCount)
		}

		q := `SELECT symbol, day, row_count, inserted, tag, modified FROM ` + m.table
		if len(where) > 0 {
			q += " WHERE " + strings.Join(where, " AND ")
		}
		q += " ORDER BY symbol, day"

		missions, err := m.query(ctx, q, args...)
		if err != nil {
			yield(domain.Mission{}, fmt.Errorf("finding missions: %w", err))
			return
		}
		for _, ms := range missions {
			if !yield(ms, nil) {
				return
			}
		}
	}
}

func (m *SQLiteMissionIndex) query(ctx context.Context, q string, args ...any) ([]domain.Mission, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Mission
	for rows.Next() {
		var (
			ms       domain.Mission
			modified int64
		)
		if err := rows.Scan(&ms.Symbol, &ms.Day, &ms.RowCount, &ms.Inserted, &ms.Tag, &modified); err != nil {
			return nil, err
		}
		ms.LastModified = time.UnixMilli(modified)
		out = append(out, ms)
	}
	return out, rows.Err()
}

// LatestDay returns the highest mission day recorded for symbol.
func (m *SQLiteMissionIndex) LatestDay(ctx context.Context, symbol string) (int, error) {
	var day sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(day) FROM `+m.table+` WHERE symbol = ?`, symbol).Scan(&day)
	if err != nil {
		return 0, fmt.Errorf("latest day for %s: %w", symbol, err)
	}
	if !day.Valid {
		return 0, ErrNotFound
	}
	return int(day.Int64), nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// SQLiteBarStore keeps one table per symbol, named by the symbol's store key
// (e.g. "rb1901:SHF"). Datetimes are stored as Unix milliseconds.
type SQLiteBarStore struct {
	db  *sql.DB
	log *slog.Logger
}

// BarStore returns the bar store backed by this database.
func (s *SQLiteStore) BarStore() *SQLiteBarStore {
	return &SQLiteBarStore{db: s.db, log: s.log}
}

func barTable(symbol string) string { return domain.StoreKey(symbol) }

const barColumns = `symbol, exchange, vt_symbol, datetime, date, time, open, high, low, close, volume, open_interest, contract`

// CreateTable ensures the bar table and its indexes exist for symbol.
func (b *SQLiteBarStore) CreateTable(ctx context.Context, symbol string) error {
	table := barTable(symbol)
	qt := quoteIdent(table)

	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+qt+` (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol        TEXT    NOT NULL,
		exchange      TEXT    NOT NULL,
		vt_symbol     TEXT    NOT NULL,
		datetime      INTEGER NOT NULL,
		date          TEXT    NOT NULL,
		time          TEXT    NOT NULL,
		open          REAL    NOT NULL,
		high          REAL    NOT NULL,
		low           REAL    NOT NULL,
		close         REAL    NOT NULL,
		volume        REAL    NOT NULL,
		open_interest REAL    NOT NULL DEFAULT 0,
		contract      TEXT    NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	indexes, err := b.indexes(ctx, table)
	if err != nil {
		return fmt.Errorf("listing indexes of %s: %w", table, err)
	}

	dtIndex := table + ".datetime_1"
	unique, exists := indexes[dtIndex]
	switch {
	case exists && unique:
		b.log.Debug("ensure table", "symbol", symbol, "index", "datetime", "state", "unique index exists")
	default:
		if exists {
			b.log.Warn("ensure table", "symbol", symbol, "index", "datetime", "state", "index not unique")
		}
		dropped, err := b.dropDuplicates(ctx, table)
		if err != nil {
			return fmt.Errorf("dropping duplicates in %s: %w", table, err)
		}
		if dropped > 0 {
			b.log.Warn("drop dups", "symbol", symbol, "rows", dropped)
		}
		if _, err := b.db.ExecContext(ctx, `DROP INDEX IF EXISTS `+quoteIdent(dtIndex)); err != nil {
			return fmt.Errorf("dropping index %s: %w", dtIndex, err)
		}
		if _, err := b.db.ExecContext(ctx, `CREATE UNIQUE INDEX `+quoteIdent(dtIndex)+` ON `+qt+` (datetime)`); err != nil {
			return fmt.Errorf("creating unique index %s: %w", dtIndex, err)
		}
		b.log.Info("ensure table", "symbol", symbol, "index", "datetime", "state", "unique index created")
	}

	dateIndex := table + ".date_1"
	if _, ok := indexes[dateIndex]; !ok {
		if _, err := b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+quoteIdent(dateIndex)+` ON `+qt+` (date)`); err != nil {
			return fmt.Errorf("creating index %s: %w", dateIndex, err)
		}
		b.log.Info("ensure table", "symbol", symbol, "index", "date", "state", "index created")
	}
	return nil
}

// indexes maps index name to its unique flag.
func (b *SQLiteBarStore) indexes(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, "unique" FROM pragma_index_list(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			name   string
			unique int
		)
		if err := rows.Scan(&name, &unique); err != nil {
			return nil, err
		}
		out[name] = unique == 1
	}
	return out, rows.Err()
}

// dropDuplicates deletes every row whose datetime was already seen, keeping
// the first inserted occurrence.
func (b *SQLiteBarStore) dropDuplicates(ctx context.Context, table string) (int64, error) {
	qt := quoteIdent(table)
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM `+qt+` WHERE id NOT IN (SELECT MIN(id) FROM `+qt+` GROUP BY datetime)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *SQLiteBarStore) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

// Write inserts bars individually, skipping duplicate datetimes. The table
// must have been created with CreateTable.
func (b *SQLiteBarStore) Write(ctx context.Context, symbol string, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	stmt, err := b.db.PrepareContext(ctx,
		`INSERT INTO `+quoteIdent(barTable(symbol))+` (`+barColumns+`) VALUES (`+placeholders(13)+`)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert for %s: %w", symbol, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, bar := range bars {
		_, err := stmt.ExecContext(ctx,
			bar.Symbol, bar.Exchange, bar.VtSymbol, bar.Datetime.UnixMilli(), bar.Date, bar.Time,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.OpenInterest, bar.Contract)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("inserting %s at %s: %w", symbol, bar.Datetime.Format(time.DateTime), err)
		}
		inserted++
	}
	return inserted, nil
}

// Count returns the number of bars stored for day.
func (b *SQLiteBarStore) Count(ctx context.Context, symbol string, day int) (int, error) {
	table := barTable(symbol)
	if ok, err := b.tableExists(ctx, table); err != nil || !ok {
		return 0, err
	}
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+quoteIdent(table)+` WHERE date = ?`, fmt.Sprintf("%08d", day)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s@%d: %w", symbol, day, err)
	}
	return n, nil
}

// LastDate returns the date of the latest bar stored for symbol.
func (b *SQLiteBarStore) LastDate(ctx context.Context, symbol string) (int, error) {
	table := barTable(symbol)
	if ok, err := b.tableExists(ctx, table); err != nil {
		return 0, err
	} else if !ok {
		return 0, ErrNotFound
	}
	var date string
	err := b.db.QueryRowContext(ctx,
		`SELECT date FROM `+quoteIdent(table)+` ORDER BY datetime DESC LIMIT 1`).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("last date of %s: %w", symbol, err)
	}
	return domain.ParseDay(date)
}

// Read returns bars in (start, end] ordered by datetime.
func (b *SQLiteBarStore) Read(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	table := barTable(symbol)
	if ok, err := b.tableExists(ctx, table); err != nil || !ok {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+barColumns+` FROM `+quoteIdent(table)+`
		 WHERE datetime > ? AND datetime <= ? ORDER BY datetime`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			bar domain.Bar
			ms  int64
		)
		if err := rows.Scan(&bar.Symbol, &bar.Exchange, &bar.VtSymbol, &ms, &bar.Date, &bar.Time,
			&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.OpenInterest, &bar.Contract); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", symbol, err)
		}
		bar.Datetime = time.UnixMilli(ms).UTC()
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// ---------------------------------------------------------------------------
// LinkIndex implementation
// ---------------------------------------------------------------------------

// SQLiteLinkIndex stores main-contract links keyed by (main, day).
type SQLiteLinkIndex struct {
	db    *sql.DB
	table string
}

// LinkIndex creates (if needed) and returns the link index for name.
func (s *SQLiteStore) LinkIndex(ctx context.Context, name string) (*SQLiteLinkIndex, error) {
	if !indexName.MatchString(name) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	table := "links_" + name
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+quoteIdent(table)+` (
		main       TEXT    NOT NULL,
		day        INTEGER NOT NULL,
		underlying TEXT    NOT NULL,
		count      INTEGER NOT NULL DEFAULT 0,
		tag        TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (main, day)
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating link index %s: %w", table, err)
	}
	return &SQLiteLinkIndex{db: s.db, table: quoteIdent(table)}, nil
}

// CreateLink inserts an unfilled link unless one exists for (main, day).
func (l *SQLiteLinkIndex) CreateLink(ctx context.Context, main string, day int, underlying string) (bool, error) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO `+l.table+` (main, day, underlying, count, tag) VALUES (?, ?, ?, 0, '')`,
		main, day, underlying)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating link %s@%d: %w", main, day, err)
	}
	return true, nil
}

// FillLink records the relay result of a link.
func (l *SQLiteLinkIndex) FillLink(ctx context.Context, main string, day, count int, tag string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE `+l.table+` SET count = ?, tag = ? WHERE main = ? AND day = ?`,
		count, tag, main, day)
	if err != nil {
		return false, fmt.Errorf("filling link %s@%d: %w", main, day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Unfilled lists links whose relay has not produced a count yet.
func (l *SQLiteLinkIndex) Unfilled(ctx context.Context, f LinkFilter) iter.Seq2[domain.MainContractLink, error] {
	return func(yield func(domain.MainContractLink, error) bool) {
		where := []string{"count = 0"}
		var args []any
		if len(f.Mains) > 0 {
			where = append(where, "main IN ("+placeholders(len(f.Mains))+")")
			for _, m := range f.Mains {
				args = append(args, m)
			}
		}
		if f.Start > 0 {
			where = append(where, "day >= ?")
			args = append(args, f.Start)
		}
		if f.End > 0 {
			where = append(where, "day <= ?")
			args = append(args, f.End)
		}

		links, err := l.query(ctx,
			`SELECT main, day, underlying, count, tag FROM `+l.table+
				` WHERE `+strings.Join(where, " AND ")+` ORDER BY main, day`, args...)
		if err != nil {
			yield(domain.MainContractLink{}, fmt.Errorf("listing unfilled links: %w", err))
			return
		}
		for _, link := range links {
			if !yield(link, nil) {
				return
			}
		}
	}
}

func (l *SQLiteLinkIndex) query(ctx context.Context, q string, args ...any) ([]domain.MainContractLink, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MainContractLink
	for rows.Next() {
		var link domain.MainContractLink
		if err := rows.Scan(&link.Main, &link.Day, &link.Underlying, &link.Count, &link.Tag); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}
