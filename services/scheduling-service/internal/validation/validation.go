// Package validation checks decoded requests before any repository access.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

type WindowRequest struct {
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"slot_duration"`
}

func (w WindowRequest) Window() (window.TimeWindow, error) {
	return window.New(w.StartTime, w.DurationMinutes)
}

type BookRequest struct {
	ResourceRef     string    `json:"resource_ref" validate:"required,max=128"`
	OwnerRef        string    `json:"owner_ref" validate:"required,max=128"`
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"slot_duration"`
}

type RescheduleRequest struct {
	SlotID          string    `json:"slot_id" validate:"required,uuid"`
	OwnerRef        string    `json:"owner_ref" validate:"required,max=128"`
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"slot_duration"`
}

type CancelRequest struct {
	SlotID   string `json:"slot_id" validate:"required,uuid"`
	OwnerRef string `json:"owner_ref" validate:"required,max=128"`
}

type PreferencesRequest struct {
	ResourceRef string          `json:"resource_ref" validate:"required,max=128"`
	OwnerRef    string          `json:"owner_ref" validate:"required,max=128"`
	Windows     []WindowRequest `json:"windows" validate:"required,min=1,max=20,dive"`
}

type ConfirmPreferenceRequest struct {
	SlotID string `json:"slot_id" validate:"required,uuid"`
}

type PublishRequest struct {
	ResourceRef string          `json:"resource_ref" validate:"required,max=128"`
	Windows     []WindowRequest `json:"windows" validate:"required,min=1,max=200,dive"`
}

type HoldRequest struct {
	ResourceRef     string    `json:"resource_ref" validate:"required,max=128"`
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"slot_duration"`
}

type BookingLinkRequest struct {
	SubjectRef string `json:"subject_ref" validate:"required,max=128"`
	CaseRef    string `json:"case_ref" validate:"required,max=128"`
}

type AvailabilityQuery struct {
	ResourceRef     string `json:"resource_ref" validate:"required,max=128"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	DurationMinutes int    `json:"duration_minutes" validate:"slot_duration"`
}

type TimeDisplayQuery struct {
	Value  string `json:"value" validate:"required,max=32"`
	Format string `json:"format" validate:"omitempty,oneof=12h 24h"`
}

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("slot_duration", func(fl validator.FieldLevel) bool {
		return window.ValidateDuration(int(fl.Field().Int())) == nil
	})
	return &Validator{validate: v}
}

// Struct validates s and reports the first failing field as a
// *apperrors.ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return apperrors.Validation("", "invalid request: %v", err)
	}
	return translate(errs[0])
}

func translate(fe validator.FieldError) *apperrors.ValidationError {
	field := fieldPath(fe.Namespace())
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "max":
		if fe.Kind() == reflect.Slice {
			msg = fmt.Sprintf("must contain at most %s entries", fe.Param())
		} else {
			msg = fmt.Sprintf("must be at most %s characters", fe.Param())
		}
	case "min":
		msg = fmt.Sprintf("must contain at least %s entries", fe.Param())
	case "uuid":
		msg = "must be a UUID"
	case "datetime":
		msg = fmt.Sprintf("must match layout %s", fe.Param())
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "slot_duration":
		msg = fmt.Sprintf("must be an integer between %d and %d divisible by %d (got %v)", window.MinDurationMinutes, window.MaxDurationMinutes, window.GranularityMinutes, fe.Value())
	default:
		msg = "is invalid"
	}
	return &apperrors.ValidationError{Field: field, Message: msg}
}

// fieldPath drops the top-level struct name: "BookRequest.duration_minutes" becomes
// "duration_minutes", "PreferencesRequest.windows[1].start_time" keeps its index.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
