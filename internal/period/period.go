// Package period normalises reporting periods into canonical cache keys.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type enumerates the supported period granularities.
type Type string

const (
	// Day covers a single calendar date.
	Day Type = "DAY"
	// Month covers a calendar month.
	Month Type = "MONTH"
	// Year covers a calendar year.
	Year Type = "YEAR"
)

const (
	customPrefix    = "custom:"
	customSeparator = "_to_"
	dateLayout      = "2006-01-02"
	monthLayout     = "2006-01"

	minYear = 1970
	maxYear = 9999
)

// Valid reports whether the type is one of DAY, MONTH or YEAR.
func (t Type) Valid() bool {
	switch t {
	case Day, Month, Year:
		return true
	}
	return false
}

// Descriptor is the canonical, internally consistent period used as a cache dimension.
type Descriptor struct {
	Type  Type   `json:"periodType"`
	Key   string `json:"periodKey"`
	Year  int    `json:"year"`
	Month *int   `json:"month"`
}

// NewYear builds a YEAR descriptor.
func NewYear(year int) Descriptor {
	return Descriptor{Type: Year, Key: YearKey(year), Year: year}
}

// NewMonth builds a MONTH descriptor.
func NewMonth(year, month int) Descriptor {
	m := month
	return Descriptor{Type: Month, Key: MonthKey(year, month), Year: year, Month: &m}
}

// NewDay builds a DAY descriptor for the calendar date of t.
func NewDay(t time.Time) Descriptor {
	m := int(t.Month())
	return Descriptor{Type: Day, Key: DayKey(t), Year: t.Year(), Month: &m}
}

// MonthValue returns the month or zero for YEAR descriptors.
func (d Descriptor) MonthValue() int {
	if d.Month == nil {
		return 0
	}
	return *d.Month
}

// IsCustom reports whether the key describes an ad-hoc date range.
func (d Descriptor) IsCustom() bool {
	return strings.HasPrefix(d.Key, customPrefix)
}

// Range returns the inclusive first and last calendar dates covered by the descriptor.
func (d Descriptor) Range() (time.Time, time.Time) {
	if parsed, ok := ParseKey(d.Key); ok {
		return parsed.Start, parsed.End
	}
	return yearRange(d.Year)
}

func (d Descriptor) String() string {
	return string(d.Type) + ":" + d.Key
}

// Parsed is the decoded form of a period key.
type Parsed struct {
	Type   Type
	Year   int
	Month  int
	Day    int
	Start  time.Time
	End    time.Time
	Custom bool
}

// YearKey formats a YEAR key.
func YearKey(year int) string {
	return fmt.Sprintf("%04d", year)
}

// MonthKey formats a MONTH key.
func MonthKey(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// DayKey formats a DAY key for the calendar date of t.
func DayKey(t time.Time) string {
	return t.Format(dateLayout)
}

// CustomKey formats an ad-hoc range key.
func CustomKey(start, end time.Time) string {
	return customPrefix + start.Format(dateLayout) + customSeparator + end.Format(dateLayout)
}

// Key formats the canonical key for the given type. Day is ignored unless t is DAY.
func Key(t Type, year, month, day int) string {
	switch t {
	case Month:
		return MonthKey(year, month)
	case Day:
		return DayKey(time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC))
	default:
		return YearKey(year)
	}
}

// ParseKey decodes YYYY, YYYY-MM, YYYY-MM-DD and custom:<start>_to_<end> keys.
func ParseKey(key string) (Parsed, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Parsed{}, false
	}
	if strings.HasPrefix(key, customPrefix) {
		return parseCustom(strings.TrimPrefix(key, customPrefix))
	}
	switch len(key) {
	case 4:
		year, err := strconv.Atoi(key)
		if err != nil || !validYear(year) {
			return Parsed{}, false
		}
		start, end := yearRange(year)
		return Parsed{Type: Year, Year: year, Start: start, End: end}, true
	case 7:
		t, err := time.Parse(monthLayout, key)
		if err != nil || !validYear(t.Year()) {
			return Parsed{}, false
		}
		start, end := monthRange(t.Year(), int(t.Month()))
		return Parsed{Type: Month, Year: t.Year(), Month: int(t.Month()), Start: start, End: end}, true
	case 10:
		t, err := time.Parse(dateLayout, key)
		if err != nil || !validYear(t.Year()) {
			return Parsed{}, false
		}
		return Parsed{Type: Day, Year: t.Year(), Month: int(t.Month()), Day: t.Day(), Start: t, End: t}, true
	}
	return Parsed{}, false
}

func parseCustom(body string) (Parsed, bool) {
	parts := strings.Split(body, customSeparator)
	if len(parts) != 2 {
		return Parsed{}, false
	}
	start, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		return Parsed{}, false
	}
	end, err := time.Parse(dateLayout, parts[1])
	if err != nil {
		return Parsed{}, false
	}
	if end.Before(start) || !validYear(start.Year()) || !validYear(end.Year()) {
		return Parsed{}, false
	}
	return Parsed{Type: Day, Year: start.Year(), Month: int(start.Month()), Day: start.Day(), Start: start, End: end, Custom: true}, true
}

func yearRange(year int) (time.Time, time.Time) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, -1)
}

func monthRange(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, -1)
}

// MonthRange returns the first and last date of the month.
func MonthRange(year, month int) (time.Time, time.Time) {
	return monthRange(year, month)
}

func validYear(year int) bool {
	return year >= minYear && year <= maxYear
}

func validMonth(month int) bool {
	return month >= 1 && month <= 12
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
