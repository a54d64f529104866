package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/imescheduling/libs/auth"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holds"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

type HoldManager interface {
	Acquire(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (model.Hold, error)
	Release(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) error
	Status(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (holds.Status, error)
}

// HoldHandler serves claimant hold endpoints. Every request must carry a booking-link
// token; the hold subject is the token subject.
type HoldHandler struct {
	holds    HoldManager
	validate *validation.Validator
	tokens   TokenVerifier
	logger   *slog.Logger
}

func NewHoldHandler(m HoldManager, validate *validation.Validator, tokens TokenVerifier, logger *slog.Logger) *HoldHandler {
	return &HoldHandler{holds: m, validate: validate, tokens: tokens, logger: logger}
}

type holdResponse struct {
	HoldID           string `json:"hold_id,omitempty"`
	ResourceRef      string `json:"resource_ref"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	DurationMinutes  int    `json:"duration_minutes"`
	ExpiresAt        string `json:"expires_at"`
	State            string `json:"state,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

func toHoldResponse(h model.Hold, state string, remaining time.Duration) holdResponse {
	return holdResponse{
		HoldID:           h.ID,
		ResourceRef:      h.ResourceRef,
		StartTime:        h.Window.Start().UTC().Format(time.RFC3339),
		EndTime:          h.Window.End().UTC().Format(time.RFC3339),
		DurationMinutes:  h.Window.DurationMinutes(),
		ExpiresAt:        h.ExpiresAt.UTC().Format(time.RFC3339),
		State:            state,
		RemainingSeconds: int64(remaining / time.Second),
	}
}

// subject resolves the claimant from the Authorization header. Missing, invalid and
// expired tokens all look the same to the caller.
func (h *HoldHandler) subject(r *http.Request) (string, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" || h.tokens == nil {
		return "", apperrors.NotFound("booking_link", "")
	}
	claims, err := h.tokens.Verify(token)
	if err != nil || strings.TrimSpace(claims.Subject) == "" {
		if err != nil {
			h.logger.Info("booking link rejected", "error", err)
		}
		return "", apperrors.NotFound("booking_link", "")
	}
	return claims.Subject, nil
}

func (h *HoldHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	subjectRef, err := h.subject(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	var req validation.HoldRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	win, err := window.New(req.StartTime, req.DurationMinutes)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	hold, err := h.holds.Acquire(r.Context(), strings.TrimSpace(req.ResourceRef), win, subjectRef)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHoldResponse(hold, "", hold.Remaining(time.Now())))
}

func (h *HoldHandler) Release(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	subjectRef, err := h.subject(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	var req validation.HoldRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	win, err := window.New(req.StartTime, req.DurationMinutes)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.holds.Release(r.Context(), strings.TrimSpace(req.ResourceRef), win, subjectRef); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports the countdown of the caller's hold. Query: resource_ref, start_time
// (RFC 3339) and duration_minutes.
func (h *HoldHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	subjectRef, err := h.subject(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	req := validation.HoldRequest{ResourceRef: strings.TrimSpace(q.Get("resource_ref"))}
	if raw := strings.TrimSpace(q.Get("start_time")); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteError(w, apperrors.Validation("start_time", "must be an RFC 3339 timestamp"))
			return
		}
		req.StartTime = start
	}
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apperrors.WriteError(w, apperrors.Validation("duration_minutes", "must be an integer"))
			return
		}
		req.DurationMinutes = n
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	win, err := window.New(req.StartTime, req.DurationMinutes)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	st, err := h.holds.Status(r.Context(), req.ResourceRef, win, subjectRef)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(st.Hold, string(st.State), st.Remaining))
}
