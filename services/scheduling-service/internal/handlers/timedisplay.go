package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/hybridtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
)

type TimeDisplayHandler struct {
	validate *validation.Validator
	loc      *time.Location
	format   hybridtime.Format
	now      func() time.Time
}

func NewTimeDisplayHandler(validate *validation.Validator, loc *time.Location, format hybridtime.Format) *TimeDisplayHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &TimeDisplayHandler{validate: validate, loc: loc, format: format, now: time.Now}
}

type timeDisplayResponse struct {
	Value   string `json:"value"`
	Kind    string `json:"kind"`
	Display string `json:"display"`
	Minutes *int   `json:"minutes,omitempty"`
}

// Display renders a stored time-of-day string for the configured display zone.
// Invalid values are echoed back with kind "invalid" rather than rejected.
func (h *TimeDisplayHandler) Display(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := validation.TimeDisplayQuery{
		Value:  strings.TrimSpace(r.URL.Query().Get("value")),
		Format: strings.TrimSpace(r.URL.Query().Get("format")),
	}
	if err := h.validate.Struct(q); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	format := h.format
	if q.Format != "" {
		format = hybridtime.ParseFormat(q.Format)
	}
	now := h.now()
	resp := timeDisplayResponse{
		Value:   q.Value,
		Kind:    hybridtime.KindInvalid.String(),
		Display: hybridtime.ConvertForDisplay(q.Value, format, h.loc, now),
	}
	if v, err := hybridtime.Parse(q.Value); err == nil {
		resp.Kind = v.Kind().String()
		if minutes, err := hybridtime.LocalMinutes(q.Value, h.loc, now); err == nil {
			resp.Minutes = &minutes
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
