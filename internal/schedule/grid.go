// Package schedule turns a service's business hours into the grid of
// bookable start times for one date.  Both the reservation manager
// (quantization, validation) and the availability resolver (candidate
// enumeration) work from the same grid so that a time the resolver offers
// is always one the manager accepts.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// ErrInvalidService is returned when a service has no usable duration.
var ErrInvalidService = errors.New("service has no bookable duration")

// Grid is the set of slot start times of one service on one date.
type Grid struct {
	Date     time.Time
	Open     model.TimeOfDay
	Close    model.TimeOfDay
	Step     time.Duration
	Duration time.Duration
	Location *time.Location
	open     bool
}

// ForDate builds the grid of svc on date (YYYY-MM-DD).  A date on which the
// service is closed yields a Grid whose IsOpen is false and which has no
// candidates; it is not an error.
func ForDate(svc model.Service, date string) (Grid, error) {
	d, err := model.ParseDate(date)
	if err != nil {
		return Grid{}, err
	}
	if svc.Duration < time.Minute || svc.Step() < time.Minute {
		return Grid{}, fmt.Errorf("%w: %s", ErrInvalidService, svc.ID)
	}
	g := Grid{
		Date:     d,
		Step:     svc.Step(),
		Duration: svc.Duration,
		Location: svc.BusinessHours.Location(),
	}
	w, ok := svc.BusinessHours.Days[d.Weekday()]
	if !ok || w.Close <= w.Open {
		return g, nil
	}
	g.Open, g.Close, g.open = w.Open, w.Close, true
	return g, nil
}

// IsOpen reports whether the service takes bookings on the grid's date.
func (g Grid) IsOpen() bool {
	return g.open
}

// Candidates enumerates every start time whose appointment fits inside the
// business-hours window, in chronological order.
func (g Grid) Candidates() []model.TimeOfDay {
	if !g.open {
		return nil
	}
	var out []model.TimeOfDay
	for t := g.Open; t.Add(g.Duration) <= g.Close; t = t.Add(g.Step) {
		out = append(out, t)
	}
	return out
}

// Quantize maps t to the nearest grid boundary (half-way rounds up).  It
// returns false when t lies outside business hours or when no appointment
// fits in the window at all.  A time past the last start that still lies
// inside the window maps to the last start.
func (g Grid) Quantize(t model.TimeOfDay) (model.TimeOfDay, bool) {
	if !g.open || t < g.Open || t >= g.Close {
		return 0, false
	}
	cands := g.Candidates()
	if len(cands) == 0 {
		return 0, false
	}
	step := int(g.Step / time.Minute)
	offset := int(t - g.Open)
	n := (offset + step/2) / step
	q := g.Open + model.TimeOfDay(n*step)
	if last := cands[len(cands)-1]; q > last {
		q = last
	}
	return q, true
}

// Contains reports whether t is exactly one of the grid's start times.
func (g Grid) Contains(t model.TimeOfDay) bool {
	if !g.open || t < g.Open || t.Add(g.Duration) > g.Close {
		return false
	}
	return int(t-g.Open)%int(g.Step/time.Minute) == 0
}

// StartsAt returns the absolute instant at which the slot t begins.
func (g Grid) StartsAt(t model.TimeOfDay) time.Time {
	return time.Date(g.Date.Year(), g.Date.Month(), g.Date.Day(), int(t)/60, int(t)%60, 0, 0, g.Location)
}

// Overlaps reports whether [aStart, aStart+aDur) and [bStart, bStart+bDur)
// intersect.
func Overlaps(aStart model.TimeOfDay, aDur time.Duration, bStart model.TimeOfDay, bDur time.Duration) bool {
	return aStart < bStart.Add(bDur) && bStart < aStart.Add(aDur)
}
