package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", Validation("duration_minutes", "must be a multiple of 15"), http.StatusUnprocessableEntity, CodeValidation},
		{"conflict", &SlotConflictError{ResourceRef: "examiner-1", Conflicts: []ConflictRef{{SlotID: "s1", Start: start, End: start.Add(30 * time.Minute)}}}, http.StatusConflict, CodeSlotConflict},
		{"not found", NotFound("slot", "s9"), http.StatusNotFound, CodeNotFound},
		{"transient", Transient("begin tx", errors.New("conn reset")), http.StatusServiceUnavailable, CodeUnavailable},
		{"wrapped conflict", fmt.Errorf("book: %w", &SlotConflictError{ResourceRef: "r"}), http.StatusConflict, CodeSlotConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := Describe(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestTransientKeepsTaxonomy(t *testing.T) {
	conflict := &SlotConflictError{ResourceRef: "r"}
	assert.Same(t, conflict, Transient("op", conflict))
	assert.Nil(t, Transient("op", nil))

	wrapped := Transient("query", errors.New("timeout"))
	var ti *TransientInfraError
	require.ErrorAs(t, wrapped, &ti)
	assert.Equal(t, "query", ti.Op)
}

func TestWriteError(t *testing.T) {
	rw := httptest.NewRecorder()
	WriteError(rw, Validation("start_time", "is required"))
	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)
	assert.JSONEq(t, `{"code":"VALIDATION_ERROR","message":"start_time: is required","details":{"field":"start_time"}}`, rw.Body.String())
}
