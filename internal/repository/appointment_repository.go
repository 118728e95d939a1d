package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// AppointmentRepo is the appointment store: confirmed bookings live in the
// appointments table, one row per booked slot.  A unique key on
// (tenant_id, service_id, date, start_minute) backs the ledger as the last
// line of defence against double booking.
type AppointmentRepo struct {
	db *sql.DB
}

// NewAppointmentRepo returns an AppointmentRepo bound to db.
func NewAppointmentRepo(db *sql.DB) *AppointmentRepo { return &AppointmentRepo{db: db} }

// CreateAppointment inserts a confirmed appointment and returns its
// reference.  A booking for an already booked slot yields ErrSlotTaken.
func (r *AppointmentRepo) CreateAppointment(ctx context.Context, req model.BookingRequest) (model.AppointmentRef, error) {
	ref := model.AppointmentRef(uuid.NewString())
	const q = `INSERT INTO appointments
		(ref, reservation_id, session_id, tenant_id, service_id, date, start_minute, duration_minutes,
		 client_name, client_email, client_phone, pet_name, notes, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'CONFIRMED')`
	d := req.Details
	_, err := r.db.ExecContext(ctx, q,
		string(ref), req.ReservationID, req.SessionID,
		req.SlotKey.TenantID, req.SlotKey.ServiceID, req.SlotKey.Date, int(req.SlotKey.Time),
		int(req.Duration/time.Minute),
		d.ClientName, d.ClientEmail, d.ClientPhone, d.PetName, d.Notes,
	)
	if isDuplicate(err) {
		return "", fmt.Errorf("%s: %w", req.SlotKey, ErrSlotTaken)
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

// ListConfirmedSlots returns every confirmed appointment of a tenant on
// date, across services.
func (r *AppointmentRepo) ListConfirmedSlots(ctx context.Context, tenantID, date string) ([]model.ConfirmedSlot, error) {
	const q = `SELECT service_id, start_minute, duration_minutes FROM appointments
		WHERE tenant_id = ? AND date = ? AND status = 'CONFIRMED'
		ORDER BY start_minute`
	rows, err := r.db.QueryContext(ctx, q, tenantID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConfirmedSlot
	for rows.Next() {
		var (
			slot     model.ConfirmedSlot
			start    int
			duration int
		)
		if err := rows.Scan(&slot.ServiceID, &start, &duration); err != nil {
			return nil, err
		}
		slot.Time = model.TimeOfDay(start)
		slot.Duration = time.Duration(duration) * time.Minute
		out = append(out, slot)
	}
	return out, rows.Err()
}
