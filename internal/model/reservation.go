package model

import "time"

// Reservation is a time-bounded, exclusive hold on a slot (a lease).  It
// belongs to the session that created it.  The lease is only valid while
// now < ExpiresAt; after that it is treated as absent even before a sweep
// physically removes it.
//
// Fields:
//
//	ID        – opaque reservation identifier returned to the booking flow.
//	SessionID – booking session that owns the hold.
//	SlotKey   – the quantized slot being held.
//	CreatedAt – when the hold was granted.
//	ExpiresAt – CreatedAt + hold TTL.
type Reservation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	SlotKey   SlotKey   `json:"slot"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Remaining returns how long the lease stays valid, never negative.
func (r Reservation) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ReservationOutcome names the terminal state a reservation reached.
type ReservationOutcome string

const (
	OutcomeConfirmed ReservationOutcome = "confirmed"
	OutcomeReleased  ReservationOutcome = "released"
	OutcomeExpired   ReservationOutcome = "expired"
)
