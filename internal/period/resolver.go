package period

import (
	"log/slog"
	"strings"
	"time"
)

// Input carries loosely validated period parameters from callers and schedulers.
type Input struct {
	PeriodType string
	PeriodKey  string
	Year       *int
	Month      *int
}

// Resolver turns partial period input into a Descriptor. It never fails.
type Resolver struct {
	logger *slog.Logger
	clock  func() time.Time
}

// NewResolver constructs a Resolver using the system clock.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (r *Resolver) WithClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.clock = clock
	}
}

// Resolve applies the degradation chain and returns a fully populated descriptor.
func (r *Resolver) Resolve(in Input) Descriptor {
	now := r.now()
	rawType := strings.ToUpper(strings.TrimSpace(in.PeriodType))
	rawKey := strings.TrimSpace(in.PeriodKey)
	parsed, keyOK := ParseKey(rawKey)
	if rawKey != "" && !keyOK {
		r.warn("unparseable period key", slog.String("period_key", rawKey))
	}

	if rawType == "" && rawKey == "" {
		year := now.Year()
		if in.Year != nil && validYear(*in.Year) {
			year = *in.Year
		}
		return NewYear(year)
	}

	typ := Type(rawType)
	if rawType == "" && keyOK && !parsed.Custom {
		typ = parsed.Type
	}
	if !typ.Valid() {
		r.warn("invalid period type, using YEAR", slog.String("period_type", rawType))
		typ = Year
	}

	year := now.Year()
	switch {
	case in.Year != nil && validYear(*in.Year):
		year = *in.Year
	case keyOK:
		year = parsed.Year
	default:
		if in.Year != nil {
			r.warn("invalid year, using current year", slog.Int("year", *in.Year))
		}
	}

	month := int(now.Month())
	switch {
	case in.Month != nil && validMonth(*in.Month):
		month = *in.Month
	case keyOK && parsed.Month > 0:
		month = parsed.Month
	}

	var desc Descriptor
	switch {
	case keyOK && (parsed.Custom || parsed.Type == typ):
		desc = fromParsed(typ, parsed)
	case typ == Day:
		if rawKey != "" {
			r.warn("period key does not match DAY, using yesterday", slog.String("period_key", rawKey))
		}
		desc = NewDay(DateOnly(now).AddDate(0, 0, -1))
	case typ == Month:
		desc = NewMonth(year, month)
	default:
		desc = NewYear(year)
	}

	if !desc.Type.Valid() || desc.Key == "" || !validYear(desc.Year) {
		r.warn("period resolution fell back to current year")
		return NewYear(now.Year())
	}
	return desc
}

func fromParsed(typ Type, parsed Parsed) Descriptor {
	desc := Descriptor{Type: typ, Year: parsed.Year}
	if parsed.Custom {
		desc.Key = CustomKey(parsed.Start, parsed.End)
	} else {
		desc.Key = Key(parsed.Type, parsed.Year, parsed.Month, parsed.Day)
	}
	if typ != Year {
		m := parsed.Month
		desc.Month = &m
	}
	return desc
}

func (r *Resolver) now() time.Time {
	if r != nil && r.clock != nil {
		return r.clock()
	}
	return time.Now().UTC()
}

func (r *Resolver) warn(msg string, attrs ...any) {
	logger := slog.Default()
	if r != nil && r.logger != nil {
		logger = r.logger
	}
	logger.Warn(msg, attrs...)
}
