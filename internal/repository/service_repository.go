package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// ServiceRepo reads bookable services and their weekly business hours from
// the services and service_hours tables.
type ServiceRepo struct {
	db *sql.DB
}

// NewServiceRepo returns a ServiceRepo bound to db.
func NewServiceRepo(db *sql.DB) *ServiceRepo { return &ServiceRepo{db: db} }

// GetService loads one service with its business hours.  Unknown services
// yield ErrNotFound.
func (r *ServiceRepo) GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error) {
	const q = `SELECT name, duration_minutes, slot_step_minutes, hold_ttl_seconds, time_zone
		FROM services WHERE tenant_id = ? AND id = ?`
	var (
		svc      = model.Service{ID: serviceID, TenantID: tenantID}
		duration int
		step     int
		ttl      int
		tz       string
	)
	err := r.db.QueryRowContext(ctx, q, tenantID, serviceID).Scan(&svc.Name, &duration, &step, &ttl, &tz)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Service{}, fmt.Errorf("service %s/%s: %w", tenantID, serviceID, ErrNotFound)
	}
	if err != nil {
		return model.Service{}, err
	}
	svc.Duration = time.Duration(duration) * time.Minute
	svc.SlotStep = time.Duration(step) * time.Minute
	svc.HoldTTL = time.Duration(ttl) * time.Second
	svc.BusinessHours = model.BusinessHours{TimeZone: tz, Days: map[time.Weekday]model.Window{}}

	const hq = `SELECT weekday, open_minute, close_minute FROM service_hours WHERE tenant_id = ? AND service_id = ?`
	rows, err := r.db.QueryContext(ctx, hq, tenantID, serviceID)
	if err != nil {
		return model.Service{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var weekday, openMin, closeMin int
		if err := rows.Scan(&weekday, &openMin, &closeMin); err != nil {
			return model.Service{}, err
		}
		svc.BusinessHours.Days[time.Weekday(weekday)] = model.Window{Open: model.TimeOfDay(openMin), Close: model.TimeOfDay(closeMin)}
	}
	if err := rows.Err(); err != nil {
		return model.Service{}, err
	}
	return svc, nil
}

// SaveService inserts or replaces a service and its business hours in one
// transaction.
func (r *ServiceRepo) SaveService(ctx context.Context, svc model.Service) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const up = `INSERT INTO services (tenant_id, id, name, duration_minutes, slot_step_minutes, hold_ttl_seconds, time_zone)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), duration_minutes = VALUES(duration_minutes),
			slot_step_minutes = VALUES(slot_step_minutes), hold_ttl_seconds = VALUES(hold_ttl_seconds),
			time_zone = VALUES(time_zone)`
	if _, err := tx.ExecContext(ctx, up,
		svc.TenantID, svc.ID, svc.Name,
		int(svc.Duration/time.Minute), int(svc.SlotStep/time.Minute), int(svc.HoldTTL/time.Second),
		svc.BusinessHours.TimeZone,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_hours WHERE tenant_id = ? AND service_id = ?`, svc.TenantID, svc.ID); err != nil {
		return err
	}
	for day, w := range svc.BusinessHours.Days {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_hours (tenant_id, service_id, weekday, open_minute, close_minute) VALUES (?, ?, ?, ?, ?)`,
			svc.TenantID, svc.ID, int(day), int(w.Open), int(w.Close),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
