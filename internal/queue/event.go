// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// Queue names double as routing keys on the default exchange.
const (
	AppointmentConfirmedQueue = "appointment.confirmed"
	ReservationReleasedQueue  = "reservation.released"
)

// AppointmentConfirmedEvent is published when a reservation is confirmed and
// the appointment store accepted the booking.  It contains enough
// information for downstream consumers to log, notify, or trigger analytics
// without querying the appointment store.
type AppointmentConfirmedEvent struct {
	ReservationID   string `json:"reservation_id"`
	AppointmentRef  string `json:"appointment_ref"`
	SessionID       string `json:"session_id"`
	TenantID        string `json:"tenant_id"`
	ServiceID       string `json:"service_id"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes"`
	ClientName      string `json:"client_name,omitempty"`
	ConfirmedAt     string `json:"confirmed_at"`
}

// ReservationReleasedEvent is published when a hold ends without a booking.
// Outcome is "released" for an explicit cancel and "expired" when the TTL ran
// out.
type ReservationReleasedEvent struct {
	ReservationID string `json:"reservation_id"`
	SessionID     string `json:"session_id"`
	TenantID      string `json:"tenant_id"`
	ServiceID     string `json:"service_id"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Outcome       string `json:"outcome"`
	HeldSince     string `json:"held_since"`
	EndedAt       string `json:"ended_at"`
}

// NewConfirmedEvent builds the payload for a confirmed reservation.
func NewConfirmedEvent(res model.Reservation, ref model.AppointmentRef, duration time.Duration, details model.BookingDetails, at time.Time) AppointmentConfirmedEvent {
	return AppointmentConfirmedEvent{
		ReservationID:   res.ID,
		AppointmentRef:  string(ref),
		SessionID:       res.SessionID,
		TenantID:        res.SlotKey.TenantID,
		ServiceID:       res.SlotKey.ServiceID,
		Date:            res.SlotKey.Date,
		Time:            res.SlotKey.Time.String(),
		DurationMinutes: int(duration / time.Minute),
		ClientName:      details.ClientName,
		ConfirmedAt:     at.UTC().Format(time.RFC3339),
	}
}

// NewReleasedEvent builds the payload for a hold that ended without booking.
func NewReleasedEvent(res model.Reservation, outcome model.ReservationOutcome, at time.Time) ReservationReleasedEvent {
	return ReservationReleasedEvent{
		ReservationID: res.ID,
		SessionID:     res.SessionID,
		TenantID:      res.SlotKey.TenantID,
		ServiceID:     res.SlotKey.ServiceID,
		Date:          res.SlotKey.Date,
		Time:          res.SlotKey.Time.String(),
		Outcome:       string(outcome),
		HeldSince:     res.CreatedAt.UTC().Format(time.RFC3339),
		EndedAt:       at.UTC().Format(time.RFC3339),
	}
}
