// Package ledger is the single source of truth for slot occupancy.  Every
// slot-state mutation in the system goes through a Ledger; other packages
// only read from it or ask it to transition.
//
// Two implementations exist: MemoryLedger for a single process and
// RedisLedger for deployments where several processes share slot state.
// Both give the same guarantees: operations on one SlotKey are mutually
// exclusive, operations on different keys never wait for each other, and an
// expired hold behaves as absent even before SweepExpired removes it.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/slot-reservation/internal/model"
)

var (
	// ErrConflict means the slot is held by a live lease or confirmed.
	ErrConflict = errors.New("slot already held or confirmed")
	// ErrNotFound covers unknown, already confirmed and already released
	// reservations, as well as reservations owned by another session.
	ErrNotFound = errors.New("reservation not found")
	// ErrExpired means the reservation existed but its lease has run out.
	ErrExpired = errors.New("reservation expired")
	// ErrActive is returned by Expire while the lease is still valid.
	ErrActive = errors.New("reservation lease still active")
)

// Ledger records which slots are free, held or confirmed.
type Ledger interface {
	// TryHold grants a new lease on key when the slot is free or its previous
	// hold has expired.  It returns ErrConflict otherwise.
	TryHold(ctx context.Context, key model.SlotKey, sessionID string, ttl time.Duration) (model.Reservation, error)

	// Confirm ends a live lease and marks its slot confirmed with an empty
	// appointment reference.  A non-empty sessionID must match the owner.
	// It does not talk to the appointment store.
	Confirm(ctx context.Context, reservationID, sessionID string) (model.Reservation, error)

	// AttachAppointment records the appointment reference of a confirmed slot.
	AttachAppointment(ctx context.Context, key model.SlotKey, ref model.AppointmentRef) error

	// Revert frees a slot confirmed by reservationID whose appointment was
	// never written.
	Revert(ctx context.Context, key model.SlotKey, reservationID string) error

	// Release ends a live lease and frees its slot.  Releasing twice returns
	// ErrNotFound the second time.
	Release(ctx context.Context, reservationID, sessionID string) (model.Reservation, error)

	// Expire removes one hold whose lease has run out and returns it.  It is
	// the entry point of per-reservation timers and returns ErrActive while
	// the lease is still valid.
	Expire(ctx context.Context, reservationID string) (model.Reservation, error)

	// Lookup returns a live reservation without modifying anything.
	Lookup(ctx context.Context, reservationID string) (model.Reservation, error)

	// Peek reports the state of key; an expired hold reads as free.
	Peek(ctx context.Context, key model.SlotKey) (model.SlotState, error)

	// PeekMany is Peek over several keys, answered in the order given.
	PeekMany(ctx context.Context, keys []model.SlotKey) ([]model.SlotState, error)

	// SweepExpired removes every expired hold and returns what it removed.
	SweepExpired(ctx context.Context) ([]model.Reservation, error)
}

// confirmedRetention is how long a confirmed marker outlives its date.
// Confirmed appointments live in the appointment store; the marker only
// keeps Peek accurate for the current booking horizon.
const confirmedRetention = 24 * time.Hour

// pruneBefore returns the date (YYYY-MM-DD) before which confirmed markers
// are dropped by SweepExpired.
func pruneBefore(now time.Time) string {
	return now.UTC().Add(-confirmedRetention).Format(model.DateLayout)
}
