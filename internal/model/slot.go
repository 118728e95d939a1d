package model

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for slot dates.  Dates are
// tenant-local; no timezone is attached to them.
const DateLayout = "2006-01-02"

// ErrInvalidTime is returned when a time of day cannot be parsed.
var ErrInvalidTime = errors.New("invalid time of day")

// ErrInvalidDate is returned when a slot date cannot be parsed.
var ErrInvalidDate = errors.New("invalid date")

// TimeOfDay is a wall-clock time expressed in minutes since local midnight.
type TimeOfDay int

// EndOfDay is midnight at the end of the day.  It is valid only as the close
// of an opening window.
const EndOfDay TimeOfDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" (24h) into a TimeOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// ParseClosingTime is ParseTimeOfDay that also accepts "24:00" for windows
// running until midnight.
func ParseClosingTime(s string) (TimeOfDay, error) {
	if strings.TrimSpace(s) == "24:00" {
		return EndOfDay, nil
	}
	return ParseTimeOfDay(s)
}

// String formats the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Add returns t shifted by d, truncated to whole minutes.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	return t + TimeOfDay(d/time.Minute)
}

// MarshalText encodes the time as "HH:MM" so JSON payloads stay readable.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses "HH:MM".  "24:00" is accepted so that windows closing
// at midnight survive a round trip.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseClosingTime(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseDate validates a YYYY-MM-DD date string and returns the parsed day at
// midnight UTC (only the calendar fields are meaningful).
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

// SlotKey identifies one unit of bookable capacity.  Time must already be
// quantized to the service grid; two requests mapping to the same key
// contend for the same slot.
type SlotKey struct {
	TenantID  string    `json:"tenant_id"`
	ServiceID string    `json:"service_id"`
	Date      string    `json:"date"`
	Time      TimeOfDay `json:"time"`
}

// String returns the canonical "tenant:service:date:HHMM" form.  Each part
// is query-escaped, so IDs containing ':' still split back unambiguously.
func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%02d%02d",
		url.QueryEscape(k.TenantID), url.QueryEscape(k.ServiceID), url.QueryEscape(k.Date),
		int(k.Time)/60, int(k.Time)%60)
}

// ParseSlotKey reverses SlotKey.String.
func ParseSlotKey(s string) (SlotKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || len(parts[3]) != 4 {
		return SlotKey{}, fmt.Errorf("invalid slot key %q", s)
	}
	t, err := ParseTimeOfDay(parts[3][:2] + ":" + parts[3][2:])
	if err != nil {
		return SlotKey{}, fmt.Errorf("invalid slot key %q: %w", s, err)
	}
	var key SlotKey
	for i, dst := range []*string{&key.TenantID, &key.ServiceID, &key.Date} {
		if *dst, err = url.QueryUnescape(parts[i]); err != nil {
			return SlotKey{}, fmt.Errorf("invalid slot key %q: %w", s, err)
		}
	}
	key.Time = t
	return key, nil
}

// SlotStatus enumerates the possible states of a slot.
type SlotStatus string

const (
	SlotFree      SlotStatus = "free"
	SlotHeld      SlotStatus = "held"
	SlotConfirmed SlotStatus = "confirmed"
)

// SlotState is the ledger's view of one slot.  Reservation is set only when
// Status is SlotHeld; AppointmentRef only when Status is SlotConfirmed (it may
// be empty while the appointment write is still in flight).
type SlotState struct {
	Status         SlotStatus     `json:"status"`
	Reservation    *Reservation   `json:"reservation,omitempty"`
	AppointmentRef AppointmentRef `json:"appointment_ref,omitempty"`
}

// Busy reports whether the slot is held or confirmed.
func (s SlotState) Busy() bool {
	return s.Status == SlotHeld || s.Status == SlotConfirmed
}
