// Package domain defines the core types shared across quantbar: minute bars,
// ingestion missions, main-contract links, and instrument reference data.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// Bar is one minute OHLCV observation for a concrete symbol.
type Bar struct {
	Symbol       string    `json:"symbol" bson:"symbol"`
	Exchange     string    `json:"exchange" bson:"exchange"`
	VtSymbol     string    `json:"vtSymbol" bson:"vtSymbol"`
	Datetime     time.Time `json:"datetime" bson:"datetime"`
	Date         string    `json:"date" bson:"date"` // YYYYMMDD
	Time         string    `json:"time" bson:"time"` // HH:MM:SS
	Open         float64   `json:"open" bson:"open"`
	High         float64   `json:"high" bson:"high"`
	Low          float64   `json:"low" bson:"low"`
	Close        float64   `json:"close" bson:"close"`
	Volume       float64   `json:"volume" bson:"volume"`
	OpenInterest float64   `json:"openInterest" bson:"openInterest"`
	// Contract names the concrete underlying a relayed bar was copied from.
	// Empty for raw bars.
	Contract string `json:"contract,omitempty" bson:"contract,omitempty"`
}

// Stamp sets Datetime and regenerates the Date and Time projections from it.
func (b *Bar) Stamp(dt time.Time) {
	b.Datetime = dt
	b.Date = dt.Format("20060102")
	b.Time = dt.Format("15:04:05")
}

// VtSymbol joins a symbol and exchange code into the combined instrument
// identifier, e.g. ("rb1901", "SHF") -> "rb1901:SHF".
func VtSymbol(symbol, exchange string) string {
	return symbol + ":" + exchange
}

// SplitSymbol splits a dotted identifier such as "rb1901.SHF" at its last
// dot into the bare symbol and the exchange suffix.
func SplitSymbol(s string) (symbol, exchange string) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// StoreKey returns the collection key for a dotted symbol. Dots become colons
// so "rb1901.SHF" is stored under "rb1901:SHF".
func StoreKey(s string) string {
	return strings.ReplaceAll(s, ".", ":")
}

// ---------------------------------------------------------------------------
// Missions
// ---------------------------------------------------------------------------

// Row count states of a Mission.
const (
	RowsPending = 0
	RowsEmpty   = -1
)

// Tags recorded on missions and links.
const (
	TagCheck  = "check"
	TagNoData = "no data"
)

// Mission is one (symbol, day) unit of ingestion work.
type Mission struct {
	Symbol       string
	Day          int // YYYYMMDD
	RowCount     int
	Inserted     int
	Tag          string
	LastModified time.Time
}

// Pending reports whether the mission has not reached a terminal state.
func (m Mission) Pending() bool { return m.RowCount == RowsPending }

// String implements fmt.Stringer.
func (m Mission) String() string {
	return fmt.Sprintf("%s@%d", m.Symbol, m.Day)
}

// ---------------------------------------------------------------------------
// Main contract
// ---------------------------------------------------------------------------

// MainContractLink records which underlying was designated main for a
// logical series on a given day.
type MainContractLink struct {
	Main       string // logical series, e.g. "rb.SHF"
	Day        int
	Underlying string // concrete contract, e.g. "rb1901.SHF"
	Count      int
	Tag        string
}

// InstrumentInfo is reference data for one concrete contract.
type InstrumentInfo struct {
	Symbol     string
	ListDate   int
	DelistDate int
	Market     string
}

// ---------------------------------------------------------------------------
// Days
// ---------------------------------------------------------------------------

// DayOf returns the YYYYMMDD integer for t in t's location.
func DayOf(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// DayTime returns midnight of day in loc.
func DayTime(day int, loc *time.Location) time.Time {
	return time.Date(day/10000, time.Month(day/100%100), day%100, 0, 0, 0, 0, loc)
}

// ParseDay parses "YYYYMMDD" or "YYYY-MM-DD" into a day integer.
func ParseDay(s string) (int, error) {
	t, err := time.Parse("20060102", strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if err != nil {
		return 0, fmt.Errorf("parsing day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// NextDay returns the calendar day after day.
func NextDay(day int) int {
	return DayOf(DayTime(day, time.UTC).AddDate(0, 0, 1))
}
