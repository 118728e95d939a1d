package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-reservation/internal/availability"
	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/ledger"
	"github.com/iliyamo/slot-reservation/internal/middleware"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/reservation"
	"github.com/iliyamo/slot-reservation/internal/utils"
)

const secret = "handler-secret"

var start = time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC) // Wednesday

type catalog map[string]model.Service

func (c catalog) GetService(_ context.Context, _, serviceID string) (model.Service, error) {
	svc, ok := c[serviceID]
	if !ok {
		return model.Service{}, model.ErrServiceNotFound
	}
	return svc, nil
}

type store struct{ err error }

func (s *store) CreateAppointment(_ context.Context, req model.BookingRequest) (model.AppointmentRef, error) {
	if s.err != nil {
		return "", s.err
	}
	return model.AppointmentRef("appt-" + req.ReservationID[:8]), nil
}

type fixture struct {
	e     *echo.Echo
	clock *clock.Manual
	store *store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(start)
	cat := catalog{"grooming": {
		ID:       "grooming",
		TenantID: "clinic",
		Duration: 30 * time.Minute,
		BusinessHours: model.BusinessHours{
			TimeZone: "UTC",
			Days:     map[time.Weekday]model.Window{time.Wednesday: {Open: 9 * 60, Close: 12 * 60}},
		},
	}}
	st := &store{}
	l := ledger.NewMemory(clk)
	m := reservation.NewManager(l, cat, st, reservation.WithClock(clk), reservation.WithHoldTTL(10*time.Minute))
	r := availability.NewResolver(l, cat, nil, availability.WithClock(clk))
	h := NewBookingHandler(m, r, clk, nil)

	e := echo.New()
	auth := middleware.JWTAuth(secret)
	e.GET("/v1/tenants/:tenant/services/:service/availability", h.CheckAvailability)
	e.POST("/v1/tenants/:tenant/reservations", h.Reserve, auth)
	e.GET("/v1/reservations/:id", h.GetReservation, auth)
	e.POST("/v1/reservations/:id/confirm", h.Confirm, auth)
	e.DELETE("/v1/reservations/:id", h.Release, auth)
	e.POST("/v1/admin/sweep", h.Sweep, auth, middleware.RequireRole(utils.RoleAdmin))
	return &fixture{e: e, clock: clk, store: st}
}

func (f *fixture) do(t *testing.T, method, path, session, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if session != "" {
		role := utils.RoleClient
		if session == "admin" {
			role = utils.RoleAdmin
		}
		tok, err := utils.NewSessionToken(secret, session, role, time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func (f *fixture) reserve(t *testing.T, session, at string) (int, map[string]any) {
	t.Helper()
	return f.do(t, http.MethodPost, "/v1/tenants/clinic/reservations", session,
		fmt.Sprintf(`{"service_id":"grooming","date":"2025-03-05","time":%q}`, at))
}

func alternatives(t *testing.T, body map[string]any) []string {
	t.Helper()
	raw, ok := body["alternatives"].([]any)
	if !ok {
		t.Fatalf("alternatives missing in %v", body)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = v.(string)
	}
	return out
}

func TestBookingFlow(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/tenants/clinic/services/grooming/availability?date=2025-03-05&time=10:00", "", "")
	if code != http.StatusOK || body["available"] != true {
		t.Fatalf("expected 10:00 available, got %d %v", code, body)
	}

	code, body = f.reserve(t, "alice", "10:00")
	if code != http.StatusCreated {
		t.Fatalf("reserve: expected 201, got %d %v", code, body)
	}
	id := body["reservation_id"].(string)
	if body["remaining_seconds"].(float64) != 600 {
		t.Fatalf("expected 600s remaining, got %v", body["remaining_seconds"])
	}

	code, body = f.reserve(t, "bob", "10:00")
	if code != http.StatusConflict || body["error"] != "slot_unavailable" {
		t.Fatalf("second reserve: expected 409 slot_unavailable, got %d %v", code, body)
	}
	if got := alternatives(t, body); len(got) == 0 || got[0] != "09:30" {
		t.Fatalf("expected 09:30 first, got %v", got)
	}

	if code, body = f.do(t, http.MethodGet, "/v1/reservations/"+id, "bob", ""); code != http.StatusNotFound || body["action"] != actionRestartSlotSelection {
		t.Fatalf("foreign read: expected 404 with action, got %d %v", code, body)
	}
	f.clock.Advance(4 * time.Minute)
	if code, body = f.do(t, http.MethodGet, "/v1/reservations/"+id, "alice", ""); code != http.StatusOK || body["remaining_seconds"].(float64) != 360 {
		t.Fatalf("read: expected 200 with 360s, got %d %v", code, body)
	}

	code, body = f.do(t, http.MethodPost, "/v1/reservations/"+id+"/confirm", "alice", `{"client_name":"Alice"}`)
	if code != http.StatusOK || body["status"] != "confirmed" || body["appointment_ref"] == "" {
		t.Fatalf("confirm: expected 200, got %d %v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/v1/tenants/clinic/services/grooming/availability?date=2025-03-05&time=10:00", "", "")
	if code != http.StatusOK || body["available"] != false {
		t.Fatalf("confirmed slot must be unavailable, got %d %v", code, body)
	}

	if code, body = f.do(t, http.MethodDelete, "/v1/reservations/"+id, "alice", ""); code != http.StatusOK || body["released"] != false {
		t.Fatalf("release after confirm: expected released=false, got %d %v", code, body)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, body := f.reserve(t, "alice", "11:00")
	id := body["reservation_id"].(string)

	for i, want := range []bool{true, false} {
		code, body := f.do(t, http.MethodDelete, "/v1/reservations/"+id, "alice", "")
		if code != http.StatusOK || body["released"] != want {
			t.Fatalf("release %d: expected released=%v, got %d %v", i, want, code, body)
		}
	}
	if code, _ := f.reserve(t, "bob", "11:00"); code != http.StatusCreated {
		t.Fatalf("released slot must be reservable, got %d", code)
	}
}

func TestConfirmAfterExpiry(t *testing.T) {
	f := newFixture(t)
	_, body := f.reserve(t, "alice", "09:00")
	id := body["reservation_id"].(string)
	f.clock.Advance(10 * time.Minute)

	code, body := f.do(t, http.MethodPost, "/v1/reservations/"+id+"/confirm", "alice", `{}`)
	if code != http.StatusGone || body["error"] != "reservation_expired" || body["action"] != actionRestartSlotSelection {
		t.Fatalf("expected 410 reservation_expired, got %d %v", code, body)
	}
}

func TestConfirmBookingFailure(t *testing.T) {
	f := newFixture(t)
	_, body := f.reserve(t, "alice", "09:00")
	id := body["reservation_id"].(string)
	f.store.err = errors.New("calendar down")

	code, body := f.do(t, http.MethodPost, "/v1/reservations/"+id+"/confirm", "alice", `{}`)
	if code != http.StatusBadGateway || body["error"] != "booking_failed" || body["action"] != actionReselectTime {
		t.Fatalf("expected 502 booking_failed, got %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/v1/tenants/clinic/services/grooming/availability?date=2025-03-05&time=09:00", "", "")
	if code != http.StatusOK || body["available"] != true {
		t.Fatalf("slot must be free after a failed booking, got %d %v", code, body)
	}
}

func TestReserveOutsideHours(t *testing.T) {
	f := newFixture(t)
	code, body := f.reserve(t, "alice", "13:00")
	if code != http.StatusUnprocessableEntity || body["error"] != "outside_business_hours" {
		t.Fatalf("expected 422, got %d %v", code, body)
	}
	if got := alternatives(t, body); got[0] != "11:30" {
		t.Fatalf("expected 11:30 first, got %v", got)
	}
}

func TestReserveErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		session string
		body    string
		code    int
		errCode string
	}{
		{"no token", "", `{"service_id":"grooming","date":"2025-03-05","time":"10:00"}`, http.StatusUnauthorized, "unauthorized"},
		{"bad json", "alice", `{`, http.StatusBadRequest, "invalid_request"},
		{"bad time", "alice", `{"service_id":"grooming","date":"2025-03-05","time":"25:00"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown service", "alice", `{"service_id":"surgery","date":"2025-03-05","time":"10:00"}`, http.StatusNotFound, "service_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/v1/tenants/clinic/reservations", tt.session, tt.body)
			if code != tt.code || body["error"] != tt.errCode {
				t.Fatalf("expected %d %s, got %d %v", tt.code, tt.errCode, code, body)
			}
		})
	}
}

func TestCheckAvailabilityBadQuery(t *testing.T) {
	f := newFixture(t)
	if code, _ := f.do(t, http.MethodGet, "/v1/tenants/clinic/services/grooming/availability?date=2025-03-05&time=noon", "", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/tenants/clinic/services/grooming/availability?date=someday&time=10:00", "", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", code)
	}
}

func TestAdminSweep(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "alice", "09:00")
	f.reserve(t, "bob", "09:30")
	f.clock.Advance(11 * time.Minute)

	if code, _ := f.do(t, http.MethodPost, "/v1/admin/sweep", "alice", ""); code != http.StatusForbidden {
		t.Fatalf("client sweep: expected 403, got %d", code)
	}
	code, body := f.do(t, http.MethodPost, "/v1/admin/sweep", "admin", "")
	if code != http.StatusOK || body["expired"].(float64) != 2 {
		t.Fatalf("expected 2 expired, got %d %v", code, body)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{reservation.ErrSlotUnavailable, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", reservation.ErrReservationNotFound), http.StatusNotFound},
		{&reservation.BookingFailedError{Err: errors.New("x")}, http.StatusBadGateway},
		{availability.ErrInvalidQuery, http.StatusBadRequest},
		{model.ErrServiceNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := classify(tt.err).status; got != tt.status {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.status, got)
		}
	}
}
