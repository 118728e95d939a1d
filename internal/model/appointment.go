package model

import "time"

// AppointmentRef identifies a confirmed appointment in the external store.
type AppointmentRef string

// BookingDetails carries what the booking form collected.  The core does not
// interpret it beyond passing it to the appointment store.
type BookingDetails struct {
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
	ClientPhone string `json:"client_phone"`
	PetName     string `json:"pet_name,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// BookingRequest is what the appointment store receives on confirm.
type BookingRequest struct {
	ReservationID string
	SessionID     string
	SlotKey       SlotKey
	Duration      time.Duration
	Details       BookingDetails
}

// ConfirmedSlot is an existing booking on a date, used for overlap checks.
type ConfirmedSlot struct {
	ServiceID string
	Time      TimeOfDay
	Duration  time.Duration
}

// End returns the first minute after the booking.
func (c ConfirmedSlot) End() TimeOfDay {
	return c.Time.Add(c.Duration)
}
