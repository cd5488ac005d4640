// Package types defines the shared domain vocabulary for the rastermill
// platform: source and variable identifiers, calendar-day handling, query
// result shapes, and the application error taxonomy. It has no dependencies
// on other internal packages so that every layer can import it freely.
package types

import (
	"fmt"
	"time"
)

// SourceID identifies an upstream data source and its derived stores.
// Tile directories, year archives, and query routes are all keyed by it.
type SourceID string

const (
	SourceCHIRPS   SourceID = "chirps"     // daily precipitation
	SourceERA5Temp SourceID = "era5_t2m"   // 2m temperature reanalysis
	SourceERA5Wind SourceID = "era5_wind"  // 10m wind speed reanalysis
	SourceMODIS    SourceID = "modis_ndvi" // vegetation index
	SourceGLM      SourceID = "glm"        // lightning flash density
)

// KnownSources lists every source the platform can ingest and serve,
// in stable registration order.
var KnownSources = []SourceID{SourceCHIRPS, SourceERA5Temp, SourceERA5Wind, SourceMODIS, SourceGLM}

// IsKnownSource reports whether s names a registered source.
func IsKnownSource(s SourceID) bool {
	for _, k := range KnownSources {
		if k == s {
			return true
		}
	}
	return false
}

// Variable is the canonical physical variable name carried by a grid.
type Variable string

const (
	VarPrecipitationMM   Variable = "precipitation_mm"
	VarTemperatureC      Variable = "temperature_c"
	VarWindSpeedKmh      Variable = "wind_speed_kmh"
	VarNDVI              Variable = "ndvi"
	VarFlashDensity      Variable = "flash_density_per_km2"
)

// DayFormat is the compact calendar-day layout used in tile filenames and
// archive time axes ({source}_{YYYYMMDD}).
const DayFormat = "20060102"

// Day represents a UTC calendar day. The underlying time is always midnight
// UTC; constructors enforce the truncation so Day values compare cleanly.
type Day struct {
	t time.Time
}

// NewDay builds a Day from a year, month, and day.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates an instant to its UTC calendar day.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

// ParseDay parses a YYYYMMDD or RFC3339 date string.
func ParseDay(s string) (Day, error) {
	if t, err := time.Parse(DayFormat, s); err == nil {
		return DayOf(t), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("parsing day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time { return d.t }

// Year returns the calendar year, the archive partitioning unit.
func (d Day) Year() int { return d.t.Year() }

// AddDays returns the day shifted by n calendar days.
func (d Day) AddDays(n int) Day { return DayOf(d.t.AddDate(0, 0, n)) }

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool { return d.t.Before(other.t) }

// After reports whether d is strictly later than other.
func (d Day) After(other Day) bool { return d.t.After(other.t) }

// Equal reports whether two days are the same calendar day.
func (d Day) Equal(other Day) bool { return d.t.Equal(other.t) }

// IsZero reports whether the day is the zero value.
func (d Day) IsZero() bool { return d.t.IsZero() }

// String formats the day as YYYYMMDD.
func (d Day) String() string { return d.t.Format(DayFormat) }

// ISO formats the day as YYYY-MM-DD for API payloads.
func (d Day) ISO() string { return d.t.Format("2006-01-02") }

// MarshalJSON encodes the day as its ISO form.
func (d Day) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.ISO() + `"`), nil
}

// UnmarshalJSON accepts both ISO and compact forms.
func (d *Day) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("parsing day %s: not a JSON string", s)
	}
	parsed, err := ParseDay(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DayRange is an inclusive calendar-day interval.
type DayRange struct {
	Start Day
	End   Day
}

// Valid reports whether the range is non-empty and well ordered.
func (r DayRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}

// Contains reports whether d falls inside the inclusive range.
func (r DayRange) Contains(d Day) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days enumerates every day in the range in ascending order.
func (r DayRange) Days() []Day {
	if !r.Valid() {
		return nil
	}
	var out []Day
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Years enumerates the calendar years the range touches, ascending.
func (r DayRange) Years() []int {
	if !r.Valid() {
		return nil
	}
	var out []int
	for y := r.Start.Year(); y <= r.End.Year(); y++ {
		out = append(out, y)
	}
	return out
}

// Operator is a threshold comparison direction for trigger queries.
type Operator string

const (
	OpAbove Operator = "above"
	OpBelow Operator = "below"
)

// Matches applies the operator to a value/threshold pair.
func (o Operator) Matches(value, threshold float64) bool {
	switch o {
	case OpAbove:
		return value > threshold
	case OpBelow:
		return value < threshold
	default:
		return false
	}
}

// Valid reports whether the operator is one of the supported directions.
func (o Operator) Valid() bool { return o == OpAbove || o == OpBelow }

// Statistic selects the spatial reduction applied to polygon queries.
type Statistic string

const (
	StatMean Statistic = "mean"
	StatMax  Statistic = "max"
	StatSum  Statistic = "sum"
)

// Valid reports whether the statistic is supported.
func (s Statistic) Valid() bool {
	return s == StatMean || s == StatMax || s == StatSum
}

// DatedValue is one sample of a point time series.
type DatedValue struct {
	Date  Day     `json:"date"`
	Value float64 `json:"value"`
}

// ExceedanceEvent records a threshold crossing at a location on a date.
// Derived by trigger queries, never persisted.
type ExceedanceEvent struct {
	Date  Day     `json:"date"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// RunStatus is the terminal state of an ingestion run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// IngestRun is one row of the ingestion run ledger.
type IngestRun struct {
	ID            string        `json:"id"`
	Source        SourceID      `json:"source"`
	RangeStart    Day           `json:"range_start"`
	RangeEnd      Day           `json:"range_end"`
	TilesWritten  int           `json:"tiles_written"`
	DatesMerged   int           `json:"dates_merged"`
	DatesFailed   int           `json:"dates_failed"`
	Status        RunStatus     `json:"status"`
	Duration      time.Duration `json:"duration"`
	StartedAt     time.Time     `json:"started_at"`
}
