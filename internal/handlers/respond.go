package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vidfriends/livesched/internal/logging"
	"github.com/vidfriends/livesched/internal/recurrence"
	"github.com/vidfriends/livesched/internal/schedule"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

type errorResponse struct {
	Error            string     `json:"error"`
	Field            string     `json:"field,omitempty"`
	ConflictStreamID string     `json:"conflictStreamId,omitempty"`
	AllowedFrom      *time.Time `json:"allowedFrom,omitempty"`
}

// respondError maps service errors onto HTTP statuses.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		validation *schedule.ValidationError
		conflict   *schedule.ConflictError
		tooEarly   *schedule.TooEarlyError
	)

	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.Is(err, schedule.ErrValidation), errors.Is(err, recurrence.ErrInvalidRule):
		status = http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.ConflictStreamID = conflict.ConflictStreamID
	case errors.Is(err, schedule.ErrConflict), errors.Is(err, schedule.ErrInvalidState):
		status = http.StatusConflict
	case errors.As(err, &tooEarly):
		status = http.StatusTooEarly
		allowedFrom := tooEarly.AllowedFrom
		resp.AllowedFrom = &allowedFrom
	case errors.Is(err, schedule.ErrNotEntitled):
		status = http.StatusForbidden
	default:
		resp.Error = "internal error"
		logging.FromContext(ctx).Error("stream operation failed", "error", err)
	}

	respondJSON(ctx, w, status, resp)
}
