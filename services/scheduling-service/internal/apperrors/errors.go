// Package apperrors defines the error taxonomy of the scheduling core and how each
// kind is presented over HTTP.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeSlotConflict = "SLOT_CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
)

// ValidationError is malformed caller input. It is always user-correctable and is
// raised before any repository access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictRef identifies one booked slot that blocks a requested window.
type ConflictRef struct {
	SlotID string    `json:"slot_id"`
	Start  time.Time `json:"start_time"`
	End    time.Time `json:"end_time"`
}

// SlotConflictError means the requested window overlaps a BOOKED window of the same
// resource. It is a definitive rejection; callers must pick another time.
type SlotConflictError struct {
	ResourceRef string
	Conflicts   []ConflictRef
}

func (e *SlotConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("slot conflict on resource %s", e.ResourceRef)
	}
	spans := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		spans = append(spans, c.Start.UTC().Format(time.RFC3339)+"/"+c.End.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("slot conflict on resource %s with %s", e.ResourceRef, strings.Join(spans, ", "))
}

// NotFoundError covers missing applications, slots and tokens, and references that
// exist but do not belong to the caller.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// TransientInfraError wraps repository, cache and transaction failures. The core never
// retries these itself.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

// Transient wraps err unless it already belongs to the taxonomy.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsKnown(err) {
		return err
	}
	return &TransientInfraError{Op: op, Err: err}
}

// IsKnown reports whether err is one of the taxonomy types.
func IsKnown(err error) bool {
	var v *ValidationError
	var c *SlotConflictError
	var n *NotFoundError
	var t *TransientInfraError
	return errors.As(err, &v) || errors.As(err, &c) || errors.As(err, &n) || errors.As(err, &t)
}

func IsConflict(err error) bool {
	var c *SlotConflictError
	return errors.As(err, &c)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Describe maps err to an HTTP status and response body.
func Describe(err error) (int, ErrorResponse) {
	var (
		v *ValidationError
		c *SlotConflictError
		n *NotFoundError
		t *TransientInfraError
	)
	switch {
	case errors.As(err, &v):
		resp := ErrorResponse{Code: CodeValidation, Message: v.Error()}
		if v.Field != "" {
			resp.Details = map[string]any{"field": v.Field}
		}
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &c):
		return http.StatusConflict, ErrorResponse{
			Code:    CodeSlotConflict,
			Message: "requested time is no longer available; choose another time",
			Details: map[string]any{"resource_ref": c.ResourceRef, "conflicts": c.Conflicts},
		}
	case errors.As(err, &n):
		return http.StatusNotFound, ErrorResponse{Code: CodeNotFound, Message: n.Error()}
	case errors.As(err, &t):
		return http.StatusServiceUnavailable, ErrorResponse{Code: CodeUnavailable, Message: "temporary failure, please retry"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: "unexpected error"}
	}
}

func WriteError(w http.ResponseWriter, err error) {
	status, resp := Describe(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
