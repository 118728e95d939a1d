package reservation

import (
	"errors"
	"fmt"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// Expected outcomes of the booking flow.  Callers branch on them with
// errors.Is; none of them indicates a malfunction.
var (
	ErrSlotUnavailable      = errors.New("slot unavailable")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationActive    = errors.New("reservation lease still active")
	ErrServiceNotFound      = model.ErrServiceNotFound
	ErrOutsideBusinessHours = errors.New("outside business hours")
	ErrSlotInPast           = errors.New("slot start is in the past")
	ErrInvalidInput         = errors.New("invalid input")
	ErrBookingFailed        = errors.New("booking failed after slot release")
)

// BookingFailedError reports that the appointment store rejected a booking
// after the hold had already been given up.  The slot is free again and the
// caller has to pick a time anew.
type BookingFailedError struct {
	ReservationID string
	SlotKey       model.SlotKey
	Err           error
}

func (e *BookingFailedError) Error() string {
	return fmt.Sprintf("booking failed for reservation %s on %s: %v", e.ReservationID, e.SlotKey, e.Err)
}

func (e *BookingFailedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBookingFailed) true for any BookingFailedError.
func (e *BookingFailedError) Is(target error) bool { return target == ErrBookingFailed }
