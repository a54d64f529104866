package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/imescheduling/libs/httpx"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

type windowResponse struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type slotResponse struct {
	SlotID          string `json:"slot_id"`
	ResourceRef     string `json:"resource_ref"`
	Status          string `json:"status"`
	OwnerRef        string `json:"owner_ref,omitempty"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	DeletedAt       string `json:"deleted_at,omitempty"`
}

func toWindowResponse(w window.TimeWindow) windowResponse {
	return windowResponse{
		StartTime:       w.Start().UTC().Format(time.RFC3339),
		EndTime:         w.End().UTC().Format(time.RFC3339),
		DurationMinutes: w.DurationMinutes(),
	}
}

func toWindowResponses(ws []window.TimeWindow) []windowResponse {
	out := make([]windowResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWindowResponse(w))
	}
	return out
}

func toSlotResponse(s model.Slot) slotResponse {
	resp := slotResponse{
		SlotID:          s.ID,
		ResourceRef:     s.ResourceRef,
		Status:          string(s.Status),
		OwnerRef:        s.OwnerRef,
		StartTime:       s.Window.Start().UTC().Format(time.RFC3339),
		EndTime:         s.Window.End().UTC().Format(time.RFC3339),
		DurationMinutes: s.Window.DurationMinutes(),
	}
	if s.DeletedAt != nil {
		resp.DeletedAt = s.DeletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toSlotResponses(slots []model.Slot) []slotResponse {
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, apperrors.CodeInternal, "failed to build response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Validation("body", "request body too large")
		}
		return apperrors.Validation("body", "invalid json body: %v", err)
	}
	return nil
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	httpx.WriteJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	return false
}
