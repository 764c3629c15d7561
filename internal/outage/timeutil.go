package outage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // the reference zone must resolve on hosts without zoneinfo
)

// DefaultTimezone is the single reference zone every civil time is read in.
const DefaultTimezone = "Europe/Kyiv"

const dateLayout = "2006-01-02"

// EndOfDay is the literal admins use for "until midnight".
const EndOfDay = "24:00"

var ErrMalformedTime = errors.New("malformed time")

// TimeError describes a (date, time) pair that could not be normalized.
type TimeError struct {
	Date  string
	Value string
	Err   error
}

func (e *TimeError) Error() string {
	return fmt.Sprintf("normalize %s %q: %v", e.Date, e.Value, e.Err)
}

func (e *TimeError) Unwrap() error { return e.Err }

// LoadLocation resolves name, defaulting to DefaultTimezone when empty.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	return time.LoadLocation(name)
}

// Normalize turns a civil date ("YYYY-MM-DD") and an "HH:MM" time into an
// instant in loc.
//
// "24:00" is read as 23:59 of the same date. An outage that ends exactly at
// midnight is therefore reported one minute early; this avoids rolling the
// date over.
func Normalize(date, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, &TimeError{Date: date, Value: hhmm, Err: fmt.Errorf("%w: bad date", ErrMalformedTime)}
	}
	h, m, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, &TimeError{Date: date, Value: hhmm, Err: err}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// ParseClock parses "HH:MM" (one-digit hours allowed) and maps "24:00" to 23:59.
func ParseClock(hhmm string) (int, int, error) {
	s := strings.TrimSpace(hhmm)
	if s == EndOfDay {
		return 23, 59, nil
	}
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 || !digits(hs) || !digits(ms) {
		return 0, 0, fmt.Errorf("%w: want HH:MM", ErrMalformedTime)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour out of range", ErrMalformedTime)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute out of range", ErrMalformedTime)
	}
	return h, m, nil
}

// Bounds normalizes both ends of w.
func (w Window) Bounds(loc *time.Location) (off, on time.Time, err error) {
	off, err = Normalize(w.Date, w.OffTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	on, err = Normalize(w.Date, w.OnTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return off, on, nil
}

// DateOf formats t's civil date in loc.
func DateOf(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(dateLayout)
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
