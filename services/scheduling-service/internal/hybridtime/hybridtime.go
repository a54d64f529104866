// Package hybridtime interprets legacy time-of-day strings. Two encodings coexist in
// stored data: strings carrying an AM/PM marker are already local wall-clock times,
// bare "HH:MM" strings are UTC and must be converted before display.
package hybridtime

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindLocal
	KindBareUTC
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindBareUTC:
		return "bare_utc"
	default:
		return "invalid"
	}
}

type Format string

const (
	Format12h Format = "12h"
	Format24h Format = "24h"
)

// ParseFormat accepts "12h"/"24h" (and "12"/"24"); anything else is 12h.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "24h", "24":
		return Format24h
	default:
		return Format12h
	}
}

func (f Format) layout() string {
	if f == Format24h {
		return "15:04"
	}
	return "3:04 PM"
}

var (
	localPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([AaPp])\.?\s*[Mm]\.?$`)
	barePattern  = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
)

// Value is a classified time-of-day string.
type Value struct {
	kind   Kind
	raw    string
	hour   int
	minute int
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) Raw() string { return v.raw }
func (v Value) Hour() int   { return v.hour }
func (v Value) Minute() int { return v.minute }

// Parse classifies s. Unrecognised input yields a *apperrors.ValidationError and a
// KindInvalid value that still carries the raw string.
func Parse(s string) (Value, error) {
	trimmed := strings.TrimSpace(s)
	if m := localPattern.FindStringSubmatch(trimmed); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h < 1 || h > 12 || min > 59 {
			return Value{raw: s}, invalid(s)
		}
		pm := strings.EqualFold(m[3], "p")
		switch {
		case pm && h != 12:
			h += 12
		case !pm && h == 12:
			h = 0
		}
		return Value{kind: KindLocal, raw: s, hour: h, minute: min}, nil
	}
	if m := barePattern.FindStringSubmatch(trimmed); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h > 23 || min > 59 {
			return Value{raw: s}, invalid(s)
		}
		if m[3] != "" {
			if sec, _ := strconv.Atoi(m[3]); sec > 59 {
				return Value{raw: s}, invalid(s)
			}
		}
		return Value{kind: KindBareUTC, raw: s, hour: h, minute: min}, nil
	}
	return Value{raw: s}, invalid(s)
}

func invalid(s string) error {
	return apperrors.Validation("time", "unrecognised time-of-day %q", s)
}

// resolve returns the wall-clock hour and minute of v as seen in loc. Bare UTC values
// are placed on ref's UTC calendar date so the zone offset in effect that day applies.
func (v Value) resolve(loc *time.Location, ref time.Time) (int, int) {
	if v.kind == KindLocal {
		return v.hour, v.minute
	}
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := ref.UTC().Date()
	t := time.Date(y, mo, d, v.hour, v.minute, 0, 0, time.UTC).In(loc)
	return t.Hour(), t.Minute()
}

// ConvertForDisplay renders s for a viewer in loc. Local strings come back unchanged.
// Bare UTC strings are converted and rendered in format. Invalid input is returned as is.
func ConvertForDisplay(s string, format Format, loc *time.Location, now time.Time) string {
	v, err := Parse(s)
	if err != nil || v.kind == KindLocal {
		return s
	}
	h, m := v.resolve(loc, now)
	return time.Date(2000, 1, 1, h, m, 0, 0, time.UTC).Format(format.layout())
}

// LocalMinutes returns minutes since local midnight in loc, using the same rules as
// ConvertForDisplay.
func LocalMinutes(s string, loc *time.Location, now time.Time) (int, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	h, m := v.resolve(loc, now)
	return h*60 + m, nil
}
