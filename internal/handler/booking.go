package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/middleware"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/reservation"
)

// Reservations is the lease protocol as used by the handlers.
type Reservations interface {
	Reserve(ctx context.Context, in reservation.ReserveInput) (model.Reservation, error)
	Confirm(ctx context.Context, in reservation.ConfirmInput) (model.AppointmentRef, error)
	Release(ctx context.Context, reservationID, sessionID string) error
	Get(ctx context.Context, reservationID, sessionID string) (model.Reservation, error)
	Sweep(ctx context.Context) (int, error)
}

// AvailabilityChecker answers availability queries.
type AvailabilityChecker interface {
	Check(ctx context.Context, q model.AvailabilityQuery) (model.AvailabilityResult, error)
}

// BookingHandler serves the booking flow: availability, reserve, read,
// confirm and release.  Mutating routes expect JWTAuth to have run.
type BookingHandler struct {
	reservations Reservations
	availability AvailabilityChecker
	clock        clock.Clock
	log          *zap.Logger
}

// NewBookingHandler constructs a BookingHandler.  Both collaborators must be
// non-nil.
func NewBookingHandler(r Reservations, a AvailabilityChecker, clk clock.Clock, log *zap.Logger) *BookingHandler {
	if r == nil || a == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BookingHandler{reservations: r, availability: a, clock: clk, log: log}
}

type availabilityResponse struct {
	TenantID      string            `json:"tenant_id"`
	ServiceID     string            `json:"service_id"`
	Date          string            `json:"date"`
	RequestedTime model.TimeOfDay   `json:"requested_time"`
	Available     bool              `json:"available"`
	Alternatives  []model.TimeOfDay `json:"alternatives"`
}

// CheckAvailability handles
// GET /v1/tenants/:tenant/services/:service/availability?date=&time=.
func (h *BookingHandler) CheckAvailability(c echo.Context) error {
	t, err := model.ParseTimeOfDay(c.QueryParam("time"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "time must be HH:MM"})
	}
	q := model.AvailabilityQuery{
		TenantID:      c.Param("tenant"),
		ServiceID:     c.Param("service"),
		Date:          c.QueryParam("date"),
		RequestedTime: t,
	}
	res, err := h.availability.Check(c.Request().Context(), q)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(http.StatusOK, availabilityResponse{
		TenantID:      q.TenantID,
		ServiceID:     q.ServiceID,
		Date:          q.Date,
		RequestedTime: res.RequestedTime,
		Available:     res.Available,
		Alternatives:  res.Alternatives,
	})
}

type reserveRequest struct {
	ServiceID string `json:"service_id"`
	Date      string `json:"date"`
	Time      string `json:"time"`
}

type leaseResponse struct {
	ReservationID    string        `json:"reservation_id"`
	Slot             model.SlotKey `json:"slot"`
	SessionID        string        `json:"session_id"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RemainingSeconds int64         `json:"remaining_seconds"`
}

func (h *BookingHandler) lease(res model.Reservation) leaseResponse {
	return leaseResponse{
		ReservationID:    res.ID,
		Slot:             res.SlotKey,
		SessionID:        res.SessionID,
		CreatedAt:        res.CreatedAt.UTC(),
		ExpiresAt:        res.ExpiresAt.UTC(),
		RemainingSeconds: int64(res.Remaining(h.clock.Now()) / time.Second),
	}
}

// Reserve handles POST /v1/tenants/:tenant/reservations.  On success it
// returns 201 with the lease.  When the slot is taken, outside business
// hours or already started, the response carries nearby free times.
func (h *BookingHandler) Reserve(c echo.Context) error {
	session := middleware.SessionID(c)
	if session == "" {
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing session"})
	}
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "invalid request body"})
	}
	in := reservation.ReserveInput{
		SessionID: session,
		TenantID:  c.Param("tenant"),
		ServiceID: strings.TrimSpace(body.ServiceID),
		Date:      strings.TrimSpace(body.Date),
		Time:      strings.TrimSpace(body.Time),
	}
	ctx := c.Request().Context()
	res, err := h.reservations.Reserve(ctx, in)
	if err != nil {
		switch classify(err).code {
		case "slot_unavailable", "outside_business_hours", "slot_in_past":
			return writeError(c, h.log, err, h.alternatives(ctx, in))
		}
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(http.StatusCreated, h.lease(res))
}

// alternatives asks the resolver for free times near the requested one.  A
// resolver failure degrades to an empty list.
func (h *BookingHandler) alternatives(ctx context.Context, in reservation.ReserveInput) []model.TimeOfDay {
	t, err := model.ParseTimeOfDay(in.Time)
	if err != nil {
		return []model.TimeOfDay{}
	}
	res, err := h.availability.Check(ctx, model.AvailabilityQuery{
		TenantID: in.TenantID, ServiceID: in.ServiceID, Date: in.Date, RequestedTime: t,
	})
	if err != nil {
		h.log.Warn("alternatives lookup failed", zap.String("tenant_id", in.TenantID), zap.Error(err))
		return []model.TimeOfDay{}
	}
	if res.Available {
		// Freed between the reserve attempt and this check.
		return []model.TimeOfDay{res.RequestedTime}
	}
	return res.Alternatives
}

// GetReservation handles GET /v1/reservations/:id.  Reading a lease does not
// extend it.
func (h *BookingHandler) GetReservation(c echo.Context) error {
	res, err := h.reservations.Get(c.Request().Context(), c.Param("id"), middleware.SessionID(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(http.StatusOK, h.lease(res))
}

type confirmResponse struct {
	ReservationID  string               `json:"reservation_id"`
	AppointmentRef model.AppointmentRef `json:"appointment_ref"`
	Status         string               `json:"status"`
}

// Confirm handles POST /v1/reservations/:id/confirm with the booking form
// as body.
func (h *BookingHandler) Confirm(c echo.Context) error {
	var details model.BookingDetails
	if err := c.Bind(&details); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "invalid request body"})
	}
	id := c.Param("id")
	ref, err := h.reservations.Confirm(c.Request().Context(), reservation.ConfirmInput{
		ReservationID: id,
		SessionID:     middleware.SessionID(c),
		Details:       details,
	})
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(http.StatusOK, confirmResponse{ReservationID: id, AppointmentRef: ref, Status: string(model.OutcomeConfirmed)})
}

// Release handles DELETE /v1/reservations/:id.  It answers 200 whether or
// not there was anything to release; the released flag tells them apart.
func (h *BookingHandler) Release(c echo.Context) error {
	id := c.Param("id")
	err := h.reservations.Release(c.Request().Context(), id, middleware.SessionID(c))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"reservation_id": id, "released": true})
	case classify(err).code == "reservation_not_found":
		return c.JSON(http.StatusOK, echo.Map{"reservation_id": id, "released": false})
	}
	return writeError(c, h.log, err, nil)
}

// Sweep handles POST /v1/admin/sweep.
func (h *BookingHandler) Sweep(c echo.Context) error {
	n, err := h.reservations.Sweep(c.Request().Context())
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": n})
}
