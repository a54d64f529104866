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
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

// Scheduler is the booking orchestrator as seen by HTTP.
type Scheduler interface {
	Book(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error)
	Reschedule(ctx context.Context, slotID, ownerRef string, w window.TimeWindow) (model.Slot, error)
	Cancel(ctx context.Context, slotID, ownerRef string) (model.Slot, error)
	SubmitPreferences(ctx context.Context, resourceRef, ownerRef string, windows []window.TimeWindow) ([]model.Slot, error)
	ConfirmPreference(ctx context.Context, slotID string) (model.Slot, error)
	PublishAvailability(ctx context.Context, resourceRef string, windows []window.TimeWindow) ([]model.Slot, []window.TimeWindow, error)
	Available(ctx context.Context, resourceRef string, day time.Time, durationMinutes int, subjectRef string) ([]window.TimeWindow, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type SlotHandler struct {
	svc      Scheduler
	validate *validation.Validator
	tokens   TokenVerifier
	logger   *slog.Logger
	loc      *time.Location
}

func NewSlotHandler(svc Scheduler, validate *validation.Validator, tokens TokenVerifier, logger *slog.Logger, loc *time.Location) *SlotHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &SlotHandler{svc: svc, validate: validate, tokens: tokens, logger: logger, loc: loc}
}

type availableResponse struct {
	ResourceRef     string           `json:"resource_ref"`
	Date            string           `json:"date"`
	DurationMinutes int              `json:"duration_minutes"`
	Windows         []windowResponse `json:"windows"`
}

// Available lists bookable windows. A valid booking-link bearer token lets the
// claimant see windows they hold themselves.
func (h *SlotHandler) Available(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	query := validation.AvailabilityQuery{
		ResourceRef: strings.TrimSpace(q.Get("resource_ref")),
		Date:        strings.TrimSpace(q.Get("date")),
	}
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apperrors.WriteError(w, apperrors.Validation("duration_minutes", "must be an integer"))
			return
		}
		query.DurationMinutes = n
	}
	if err := h.validate.Struct(query); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	day, err := time.ParseInLocation("2006-01-02", query.Date, h.loc)
	if err != nil {
		apperrors.WriteError(w, apperrors.Validation("date", "must match layout 2006-01-02"))
		return
	}

	subjectRef := ""
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" && h.tokens != nil {
		if claims, err := h.tokens.Verify(token); err == nil {
			subjectRef = claims.Subject
		}
	}

	windows, err := h.svc.Available(r.Context(), query.ResourceRef, day, query.DurationMinutes, subjectRef)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availableResponse{
		ResourceRef:     query.ResourceRef,
		Date:            query.Date,
		DurationMinutes: query.DurationMinutes,
		Windows:         toWindowResponses(windows),
	})
}

func (h *SlotHandler) Book(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.BookRequest
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
	slot, err := h.svc.Book(r.Context(), strings.TrimSpace(req.ResourceRef), win, strings.TrimSpace(req.OwnerRef))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

func (h *SlotHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.RescheduleRequest
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
	slot, err := h.svc.Reschedule(r.Context(), req.SlotID, strings.TrimSpace(req.OwnerRef), win)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

func (h *SlotHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	slot, err := h.svc.Cancel(r.Context(), req.SlotID, strings.TrimSpace(req.OwnerRef))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

type publishResponse struct {
	Created []slotResponse   `json:"created"`
	Skipped []windowResponse `json:"skipped"`
}

func (h *SlotHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	windows, err := toWindows(req.Windows)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	created, skipped, err := h.svc.PublishAvailability(r.Context(), strings.TrimSpace(req.ResourceRef), windows)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{Created: toSlotResponses(created), Skipped: toWindowResponses(skipped)})
}

type preferencesResponse struct {
	Requested []slotResponse `json:"requested"`
}

func (h *SlotHandler) SubmitPreferences(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.PreferencesRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	windows, err := toWindows(req.Windows)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	slots, err := h.svc.SubmitPreferences(r.Context(), strings.TrimSpace(req.ResourceRef), strings.TrimSpace(req.OwnerRef), windows)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, preferencesResponse{Requested: toSlotResponses(slots)})
}

func (h *SlotHandler) ConfirmPreference(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.ConfirmPreferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	slot, err := h.svc.ConfirmPreference(r.Context(), req.SlotID)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

func toWindows(reqs []validation.WindowRequest) ([]window.TimeWindow, error) {
	out := make([]window.TimeWindow, 0, len(reqs))
	for _, wr := range reqs {
		w, err := wr.Window()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
