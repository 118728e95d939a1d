package model

import (
	"errors"
	"time"
	_ "time/tzdata"
)

// ErrServiceNotFound is returned by service catalogs for unknown services.
var ErrServiceNotFound = errors.New("service not found")

// Window is an opening interval on one weekday, [Open, Close).
type Window struct {
	Open  TimeOfDay `json:"open"`
	Close TimeOfDay `json:"close"`
}

// BusinessHours maps weekdays to opening windows.  A weekday with no entry
// is closed.  TimeZone is the IANA zone the tenant operates in; it is used
// to decide which slots of "today" already lie in the past.
type BusinessHours struct {
	TimeZone string                  `json:"time_zone"`
	Days     map[time.Weekday]Window `json:"days"`
}

// Location resolves TimeZone, falling back to UTC.
func (b BusinessHours) Location() *time.Location {
	if b.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Service is a bookable service as described by the service catalog.
//
// Fields:
//
//	ID, TenantID  – identity; services are always tenant scoped.
//	Name          – display name.
//	Duration      – length of one appointment.
//	SlotStep      – grid granularity; zero means the grid steps by Duration.
//	HoldTTL       – optional per-service hold TTL override; zero means unset.
//	BusinessHours – when the service can be booked.
type Service struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Name          string        `json:"name"`
	Duration      time.Duration `json:"duration"`
	SlotStep      time.Duration `json:"slot_step"`
	HoldTTL       time.Duration `json:"hold_ttl"`
	BusinessHours BusinessHours `json:"business_hours"`
}

// Step returns the grid granularity of the service.
func (s Service) Step() time.Duration {
	if s.SlotStep > 0 {
		return s.SlotStep
	}
	return s.Duration
}
