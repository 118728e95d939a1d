package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/availability"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/reservation"
)

// Follow-up actions the booking UI can take after an error.
const (
	actionRestartSlotSelection = "restart_slot_selection"
	actionReselectTime         = "reselect_time"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error        string            `json:"error"`
	Message      string            `json:"message"`
	Action       string            `json:"action,omitempty"`
	Alternatives []model.TimeOfDay `json:"alternatives,omitempty"`
}

type errorMapping struct {
	status int
	code   string
	action string
}

// classify maps booking errors to HTTP responses.  Anything unknown is a 500.
func classify(err error) errorMapping {
	switch {
	case errors.Is(err, reservation.ErrInvalidInput), errors.Is(err, availability.ErrInvalidQuery):
		return errorMapping{http.StatusBadRequest, "invalid_request", ""}
	case errors.Is(err, reservation.ErrServiceNotFound):
		return errorMapping{http.StatusNotFound, "service_not_found", ""}
	case errors.Is(err, reservation.ErrSlotUnavailable):
		return errorMapping{http.StatusConflict, "slot_unavailable", ""}
	case errors.Is(err, reservation.ErrOutsideBusinessHours):
		return errorMapping{http.StatusUnprocessableEntity, "outside_business_hours", ""}
	case errors.Is(err, reservation.ErrSlotInPast):
		return errorMapping{http.StatusUnprocessableEntity, "slot_in_past", ""}
	case errors.Is(err, reservation.ErrReservationExpired):
		return errorMapping{http.StatusGone, "reservation_expired", actionRestartSlotSelection}
	case errors.Is(err, reservation.ErrReservationNotFound):
		return errorMapping{http.StatusNotFound, "reservation_not_found", actionRestartSlotSelection}
	case errors.Is(err, reservation.ErrBookingFailed):
		return errorMapping{http.StatusBadGateway, "booking_failed", actionReselectTime}
	}
	return errorMapping{http.StatusInternalServerError, "internal_error", ""}
}

// writeError renders err.  Internal errors are logged and their message is
// not exposed.
func writeError(c echo.Context, log *zap.Logger, err error, alternatives []model.TimeOfDay) error {
	m := classify(err)
	body := errorBody{Error: m.code, Message: err.Error(), Action: m.action, Alternatives: alternatives}
	if m.status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		body.Message = "internal error"
	}
	if m.code == "slot_unavailable" {
		// Always present for this code, even when empty.
		if alternatives == nil {
			alternatives = []model.TimeOfDay{}
		}
		return c.JSON(m.status, struct {
			errorBody
			Alternatives []model.TimeOfDay `json:"alternatives"`
		}{body, alternatives})
	}
	return c.JSON(m.status, body)
}
