package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
)

type LinkIssuer interface {
	Issue(subjectRef, caseRef string) (string, error)
}

// LinkHandler mints booking-link tokens for claimants. It sits behind the
// operator-facing gateway.
type LinkHandler struct {
	issuer   LinkIssuer
	validate *validation.Validator
	logger   *slog.Logger
}

func NewLinkHandler(issuer LinkIssuer, validate *validation.Validator, logger *slog.Logger) *LinkHandler {
	return &LinkHandler{issuer: issuer, validate: validate, logger: logger}
}

type linkResponse struct {
	Token string `json:"token"`
}

func (h *LinkHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req validation.BookingLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	token, err := h.issuer.Issue(strings.TrimSpace(req.SubjectRef), strings.TrimSpace(req.CaseRef))
	if err != nil {
		h.logger.Error("issue booking link failed", "error", err)
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkResponse{Token: token})
}
