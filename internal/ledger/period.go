package ledger

import (
	"fmt"
	"time"
)

// Period is an inclusive calendar-day window. Start and End are midnights
// in the location the window was resolved in.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod truncates start and end to whole days in loc and validates order.
func NewPeriod(start, end time.Time, loc *time.Location) (Period, error) {
	p := Period{Start: StartOfDay(start, loc), End: StartOfDay(end, loc)}
	if p.End.Before(p.Start) {
		return Period{}, fmt.Errorf("%w: period end %s before start %s", ErrValidation,
			p.End.Format(time.DateOnly), p.Start.Format(time.DateOnly))
	}
	return p, nil
}

// From is the first instant of the window (00:00 on Start).
func (p Period) From() time.Time { return p.Start }

// Through is the last instant of the window (23:59:59.999999999 on End).
func (p Period) Through() time.Time {
	return p.End.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// Contains reports whether t falls inside [From, Through].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From()) && !t.After(p.Through())
}

// Overlaps reports whether the two inclusive day windows share at least one day.
func (p Period) Overlaps(o Period) bool {
	return !p.Start.After(o.End) && !o.Start.After(p.End)
}

// Equal reports whether both windows cover the same days.
func (p Period) Equal(o Period) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

func (p Period) String() string {
	return p.Start.Format(time.DateOnly) + ".." + p.End.Format(time.DateOnly)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// AtHour returns hour:00 on t's calendar day in loc.
func AtHour(t time.Time, hour int, loc *time.Location) time.Time {
	return StartOfDay(t, loc).Add(time.Duration(hour) * time.Hour)
}

// ResolvePeriod returns the most recent complete calendar period for freq
// that ends strictly before ref's calendar day.
func ResolvePeriod(freq FeeFrequency, ref time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = ref.Location()
	}
	ref = ref.In(loc)

	var months int
	var current time.Time
	switch freq {
	case FrequencyMonthly:
		months = 1
		current = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, loc)
	case FrequencyQuarterly:
		months = 3
		m := (int(ref.Month())-1)/3*3 + 1
		current = time.Date(ref.Year(), time.Month(m), 1, 0, 0, 0, 0, loc)
	case FrequencySemestral:
		months = 6
		m := (int(ref.Month())-1)/6*6 + 1
		current = time.Date(ref.Year(), time.Month(m), 1, 0, 0, 0, 0, loc)
	case FrequencyAnnual:
		months = 12
		current = time.Date(ref.Year(), time.January, 1, 0, 0, 0, 0, loc)
	default:
		return Period{}, fmt.Errorf("%w: unknown fee frequency %q", ErrValidation, freq)
	}

	return Period{
		Start: current.AddDate(0, -months, 0),
		End:   current.AddDate(0, 0, -1),
	}, nil
}
