// Package reservation implements the lease protocol of the booking flow:
// reserve a slot, then confirm or release it before the hold runs out.
//
// The Manager never touches slot state itself.  Every transition is asked of
// the ledger; the Manager adds validation against the service catalog, the
// appointment write on confirm, logging and lifecycle events.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/ledger"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/queue"
	"github.com/iliyamo/slot-reservation/internal/schedule"
)

// DefaultHoldTTL applies when neither the service nor the tenant override it.
const DefaultHoldTTL = 10 * time.Minute

// Catalog resolves bookable services.  Unknown services yield
// model.ErrServiceNotFound.
type Catalog interface {
	GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error)
}

// AppointmentStore persists confirmed bookings.
type AppointmentStore interface {
	CreateAppointment(ctx context.Context, req model.BookingRequest) (model.AppointmentRef, error)
}

// Publisher receives reservation lifecycle events.
type Publisher interface {
	PublishAppointmentConfirmed(ctx context.Context, ev queue.AppointmentConfirmedEvent) error
	PublishReservationReleased(ctx context.Context, ev queue.ReservationReleasedEvent) error
}

// ExpiryScheduler arranges for Manager.Expire to run once a hold's lease
// has ended.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, res model.Reservation) error
}

// Manager coordinates the ledger with the catalog and the appointment store.
type Manager struct {
	ledger  ledger.Ledger
	catalog Catalog
	store   AppointmentStore

	clock     clock.Clock
	log       *zap.Logger
	holdTTL   time.Duration
	tenantTTL map[string]time.Duration
	publisher Publisher
	expiry    ExpiryScheduler
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithHoldTTL sets the default hold TTL.
func WithHoldTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.holdTTL = d
		}
	}
}

// WithTenantHoldTTL sets per-tenant TTL overrides.
func WithTenantHoldTTL(ttls map[string]time.Duration) Option {
	return func(m *Manager) {
		for k, v := range ttls {
			if v > 0 {
				m.tenantTTL[k] = v
			}
		}
	}
}

// WithPublisher enables lifecycle events.
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// WithExpiryScheduler enables per-reservation expiry timers.
func WithExpiryScheduler(s ExpiryScheduler) Option { return func(m *Manager) { m.expiry = s } }

// NewManager wires a Manager.
func NewManager(l ledger.Ledger, catalog Catalog, store AppointmentStore, opts ...Option) *Manager {
	m := &Manager{
		ledger:    l,
		catalog:   catalog,
		store:     store,
		clock:     clock.NewSystem(),
		log:       zap.NewNop(),
		holdTTL:   DefaultHoldTTL,
		tenantTTL: map[string]time.Duration{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldTTL returns the lease length for svc: the service override, then the
// tenant override, then the default.
func (m *Manager) HoldTTL(svc model.Service) time.Duration {
	if svc.HoldTTL > 0 {
		return svc.HoldTTL
	}
	if d, ok := m.tenantTTL[svc.TenantID]; ok {
		return d
	}
	return m.holdTTL
}

// ReserveInput is what the booking flow sends to start a hold.  Time is
// "HH:MM" and is quantized to the service grid.
type ReserveInput struct {
	SessionID string
	TenantID  string
	ServiceID string
	Date      string
	Time      string
}

// Reserve places a hold on the requested slot.
func (m *Manager) Reserve(ctx context.Context, in ReserveInput) (model.Reservation, error) {
	if strings.TrimSpace(in.SessionID) == "" || strings.TrimSpace(in.TenantID) == "" || strings.TrimSpace(in.ServiceID) == "" {
		return model.Reservation{}, fmt.Errorf("%w: session, tenant and service are required", ErrInvalidInput)
	}
	requested, err := model.ParseTimeOfDay(in.Time)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := model.ParseDate(in.Date); err != nil {
		return model.Reservation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	svc, err := m.catalog.GetService(ctx, in.TenantID, in.ServiceID)
	if err != nil {
		return model.Reservation{}, err
	}
	grid, err := schedule.ForDate(svc, in.Date)
	if err != nil {
		return model.Reservation{}, err
	}
	start, ok := grid.Quantize(requested)
	if !ok {
		return model.Reservation{}, ErrOutsideBusinessHours
	}
	now := m.clock.Now()
	if !grid.StartsAt(start).After(now) {
		return model.Reservation{}, ErrSlotInPast
	}

	key := model.SlotKey{TenantID: in.TenantID, ServiceID: in.ServiceID, Date: in.Date, Time: start}
	res, err := m.ledger.TryHold(ctx, key, in.SessionID, m.HoldTTL(svc))
	if errors.Is(err, ledger.ErrConflict) {
		m.log.Debug("slot unavailable", zap.Stringer("slot", key), zap.String("session_id", in.SessionID))
		return model.Reservation{}, ErrSlotUnavailable
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}

	m.log.Info("slot held",
		zap.String("reservation_id", res.ID),
		zap.Stringer("slot", key),
		zap.String("session_id", res.SessionID),
		zap.Time("expires_at", res.ExpiresAt),
	)
	if m.expiry != nil {
		if err := m.expiry.ScheduleExpiry(ctx, res); err != nil {
			// The periodic sweep still reclaims the slot.
			m.log.Warn("schedule expiry failed", zap.String("reservation_id", res.ID), zap.Error(err))
		}
	}
	return res, nil
}

// ConfirmInput carries the booking form for a held reservation.  An empty
// SessionID skips the ownership check.
type ConfirmInput struct {
	ReservationID string
	SessionID     string
	Details       model.BookingDetails
}

// Confirm turns a live hold into an appointment.  The ledger transition
// happens first; only then is the appointment store called.  If the store
// fails, the slot is freed again and a *BookingFailedError is returned: the
// original hold is not re-acquired.
func (m *Manager) Confirm(ctx context.Context, in ConfirmInput) (model.AppointmentRef, error) {
	if strings.TrimSpace(in.ReservationID) == "" {
		return "", fmt.Errorf("%w: reservation id is required", ErrInvalidInput)
	}
	held, err := m.lookupOwned(ctx, in.ReservationID, in.SessionID)
	if err != nil {
		return "", err
	}
	svc, err := m.catalog.GetService(ctx, held.SlotKey.TenantID, held.SlotKey.ServiceID)
	if err != nil {
		return "", err
	}

	res, err := m.ledger.Confirm(ctx, in.ReservationID, in.SessionID)
	switch {
	case errors.Is(err, ledger.ErrExpired):
		m.log.Info("confirm after expiry", zap.String("reservation_id", in.ReservationID))
		m.publishReleased(ctx, held, model.OutcomeExpired)
		return "", ErrReservationExpired
	case errors.Is(err, ledger.ErrNotFound):
		return "", ErrReservationNotFound
	case err != nil:
		return "", fmt.Errorf("confirm %s: %w", in.ReservationID, err)
	}

	ref, err := m.store.CreateAppointment(ctx, model.BookingRequest{
		ReservationID: res.ID,
		SessionID:     res.SessionID,
		SlotKey:       res.SlotKey,
		Duration:      svc.Duration,
		Details:       in.Details,
	})
	if err != nil {
		if rerr := m.ledger.Revert(ctx, res.SlotKey, res.ID); rerr != nil {
			m.log.Error("revert after failed booking", zap.String("reservation_id", res.ID), zap.Error(rerr))
		}
		m.log.Warn("booking failed after slot release",
			zap.String("reservation_id", res.ID),
			zap.Stringer("slot", res.SlotKey),
			zap.Error(err),
		)
		return "", &BookingFailedError{ReservationID: res.ID, SlotKey: res.SlotKey, Err: err}
	}

	if err := m.ledger.AttachAppointment(ctx, res.SlotKey, ref); err != nil {
		m.log.Warn("attach appointment ref", zap.String("reservation_id", res.ID), zap.Error(err))
	}
	m.log.Info("reservation confirmed",
		zap.String("reservation_id", res.ID),
		zap.Stringer("slot", res.SlotKey),
		zap.String("appointment_ref", string(ref)),
	)
	if m.publisher != nil {
		ev := queue.NewConfirmedEvent(res, ref, svc.Duration, in.Details, m.clock.Now())
		if err := m.publisher.PublishAppointmentConfirmed(ctx, ev); err != nil {
			m.log.Warn("publish appointment confirmed", zap.String("reservation_id", res.ID), zap.Error(err))
		}
	}
	return ref, nil
}

// Release cancels a hold on behalf of its session.  A second call, or a call
// for a reservation that already ended, returns ErrReservationNotFound.
func (m *Manager) Release(ctx context.Context, reservationID, sessionID string) error {
	res, err := m.ledger.Release(ctx, reservationID, sessionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", reservationID, err)
	}
	m.log.Info("reservation released", zap.String("reservation_id", res.ID), zap.Stringer("slot", res.SlotKey))
	m.publishReleased(ctx, res, model.OutcomeReleased)
	return nil
}

// Expire is the timer entry point.  It has the effect of Release once the
// lease has run out and reports ErrReservationActive before that.
func (m *Manager) Expire(ctx context.Context, reservationID string) error {
	res, err := m.ledger.Expire(ctx, reservationID)
	switch {
	case errors.Is(err, ledger.ErrActive):
		return ErrReservationActive
	case errors.Is(err, ledger.ErrNotFound):
		return ErrReservationNotFound
	case err != nil:
		return fmt.Errorf("expire %s: %w", reservationID, err)
	}
	m.logExpired(res)
	m.publishReleased(ctx, res, model.OutcomeExpired)
	return nil
}

// Get returns a live reservation.  A non-empty sessionID must own it.
func (m *Manager) Get(ctx context.Context, reservationID, sessionID string) (model.Reservation, error) {
	return m.lookupOwned(ctx, reservationID, sessionID)
}

// Sweep reclaims every expired hold and returns how many it removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.ledger.SweepExpired(ctx)
	for _, res := range expired {
		m.logExpired(res)
		m.publishReleased(ctx, res, model.OutcomeExpired)
	}
	if err != nil {
		return len(expired), fmt.Errorf("sweep: %w", err)
	}
	return len(expired), nil
}

func (m *Manager) lookupOwned(ctx context.Context, reservationID, sessionID string) (model.Reservation, error) {
	res, err := m.ledger.Lookup(ctx, reservationID)
	switch {
	case errors.Is(err, ledger.ErrExpired):
		return model.Reservation{}, ErrReservationExpired
	case errors.Is(err, ledger.ErrNotFound):
		return model.Reservation{}, ErrReservationNotFound
	case err != nil:
		return model.Reservation{}, fmt.Errorf("lookup %s: %w", reservationID, err)
	}
	if sessionID != "" && res.SessionID != sessionID {
		return model.Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (m *Manager) logExpired(res model.Reservation) {
	m.log.Info("reservation expired",
		zap.String("reservation_id", res.ID),
		zap.Stringer("slot", res.SlotKey),
		zap.String("session_id", res.SessionID),
		zap.Time("expired_at", res.ExpiresAt),
	)
}

func (m *Manager) publishReleased(ctx context.Context, res model.Reservation, outcome model.ReservationOutcome) {
	if m.publisher == nil || res.ID == "" {
		return
	}
	ev := queue.NewReleasedEvent(res, outcome, m.clock.Now())
	if err := m.publisher.PublishReservationReleased(ctx, ev); err != nil {
		m.log.Warn("publish reservation released", zap.String("reservation_id", res.ID), zap.Error(err))
	}
}
