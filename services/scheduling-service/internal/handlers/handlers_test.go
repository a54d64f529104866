package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/imescheduling/libs/auth"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holds"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holdtimer"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/hybridtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

const slotID = "7f1c1b2e-4c1a-4d2b-9a55-0b8a3c6f1d20"

var nineAM = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	bookErr   error
	booked    []window.TimeWindow
	available []window.TimeWindow
	subject   string
	day       time.Time
	calls     int
}

func (f *fakeScheduler) Book(_ context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error) {
	f.calls++
	if f.bookErr != nil {
		return model.Slot{}, f.bookErr
	}
	f.booked = append(f.booked, w)
	return model.Slot{ID: slotID, ResourceRef: resourceRef, Window: w, Status: model.StatusBooked, OwnerRef: ownerRef}, nil
}

func (f *fakeScheduler) Reschedule(_ context.Context, id, ownerRef string, w window.TimeWindow) (model.Slot, error) {
	f.calls++
	return model.Slot{ID: id, ResourceRef: "room-1", Window: w, Status: model.StatusBooked, OwnerRef: ownerRef}, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id, ownerRef string) (model.Slot, error) {
	f.calls++
	if ownerRef != "app-1" {
		return model.Slot{}, apperrors.NotFound("slot", id)
	}
	deleted := nineAM
	return model.Slot{ID: id, ResourceRef: "room-1", Window: mustWindow(nineAM, 60), Status: model.StatusBooked, OwnerRef: ownerRef, DeletedAt: &deleted}, nil
}

func (f *fakeScheduler) SubmitPreferences(_ context.Context, resourceRef, ownerRef string, windows []window.TimeWindow) ([]model.Slot, error) {
	f.calls++
	out := make([]model.Slot, 0, len(windows))
	for _, w := range windows {
		out = append(out, model.Slot{ID: slotID, ResourceRef: resourceRef, Window: w, Status: model.StatusRequested, OwnerRef: ownerRef})
	}
	return out, nil
}

func (f *fakeScheduler) ConfirmPreference(_ context.Context, id string) (model.Slot, error) {
	f.calls++
	return model.Slot{ID: id, ResourceRef: "room-1", Window: mustWindow(nineAM, 30), Status: model.StatusBooked, OwnerRef: "app-1"}, nil
}

func (f *fakeScheduler) PublishAvailability(_ context.Context, resourceRef string, windows []window.TimeWindow) ([]model.Slot, []window.TimeWindow, error) {
	f.calls++
	created := []model.Slot{{ID: slotID, ResourceRef: resourceRef, Window: windows[0], Status: model.StatusAvailable}}
	return created, windows[1:], nil
}

func (f *fakeScheduler) Available(_ context.Context, _ string, day time.Time, _ int, subjectRef string) ([]window.TimeWindow, error) {
	f.calls++
	f.day = day
	f.subject = subjectRef
	return f.available, nil
}

type fakeTokens struct{}

func (fakeTokens) Verify(token string) (*auth.Claims, error) {
	if strings.HasPrefix(token, "ok-") {
		claims := &auth.Claims{CaseRef: "case-1"}
		claims.Subject = strings.TrimPrefix(token, "ok-")
		return claims, nil
	}
	return nil, auth.ErrInvalidToken
}

type fakeHolds struct {
	acquired []string
	released []string
	status   holds.Status
	err      error
}

func (f *fakeHolds) Acquire(_ context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (model.Hold, error) {
	if f.err != nil {
		return model.Hold{}, f.err
	}
	f.acquired = append(f.acquired, subjectRef)
	return model.Hold{ID: "h1", ResourceRef: resourceRef, Window: w, SubjectRef: subjectRef, ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (f *fakeHolds) Release(_ context.Context, _ string, _ window.TimeWindow, subjectRef string) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, subjectRef)
	return nil
}

func (f *fakeHolds) Status(_ context.Context, _ string, _ window.TimeWindow, _ string) (holds.Status, error) {
	return f.status, f.err
}

func mustWindow(start time.Time, minutes int) window.TimeWindow {
	w, err := window.New(start, minutes)
	if err != nil {
		panic(err)
	}
	return w
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postJSON(t *testing.T, h http.HandlerFunc, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestBookCreatesSlot(t *testing.T) {
	svc := &fakeScheduler{}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.Book, map[string]any{
		"resource_ref":     "room-1",
		"owner_ref":        "app-1",
		"start_time":       "2026-03-02T09:00:00Z",
		"duration_minutes": 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got slotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BOOKED", got.Status)
	assert.Equal(t, "2026-03-02T10:00:00Z", got.EndTime)
	assert.Equal(t, 60, got.DurationMinutes)
	assert.Empty(t, got.DeletedAt)
}

func TestBookRejectsBadInputBeforeService(t *testing.T) {
	svc := &fakeScheduler{}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	cases := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"short duration", map[string]any{"resource_ref": "room-1", "owner_ref": "app-1", "start_time": "2026-03-02T09:00:00Z", "duration_minutes": 10}, "duration_minutes"},
		{"missing owner", map[string]any{"resource_ref": "room-1", "start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30}, "owner_ref"},
		{"unknown field", map[string]any{"resource_ref": "room-1", "owner_ref": "a", "start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30, "extra": 1}, "body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h.Book, tc.body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, apperrors.CodeValidation, resp.Code)
			assert.Equal(t, tc.field, resp.Details["field"])
		})
	}
	assert.Zero(t, svc.calls)
}

func TestBookConflictMapsTo409(t *testing.T) {
	existing := model.Slot{ID: slotID, ResourceRef: "room-1", Window: mustWindow(nineAM, 60), Status: model.StatusBooked}
	svc := &fakeScheduler{bookErr: conflict.NewError("room-1", []model.Slot{existing})}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.Book, map[string]any{
		"resource_ref":     "room-1",
		"owner_ref":        "app-2",
		"start_time":       "2026-03-02T09:30:00Z",
		"duration_minutes": 30,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeSlotConflict, decodeError(t, rec).Code)
}

func TestBookTransientMapsTo503(t *testing.T) {
	svc := &fakeScheduler{bookErr: apperrors.Transient("book", errors.New("connection reset"))}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.Book, map[string]any{
		"resource_ref":     "room-1",
		"owner_ref":        "app-2",
		"start_time":       "2026-03-02T09:30:00Z",
		"duration_minutes": 30,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewSlotHandler(&fakeScheduler{}, validation.New(), fakeTokens{}, testLogger(), time.UTC)
	rec := httptest.NewRecorder()
	h.Book(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestCancelReturnsDeletedSlot(t *testing.T) {
	h := NewSlotHandler(&fakeScheduler{}, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.Cancel, map[string]any{"slot_id": slotID, "owner_ref": "app-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got slotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.DeletedAt)

	rec = postJSON(t, h.Cancel, map[string]any{"slot_id": slotID, "owner_ref": "someone-else"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishSplitsCreatedAndSkipped(t *testing.T) {
	h := NewSlotHandler(&fakeScheduler{}, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.Publish, map[string]any{
		"resource_ref": "room-1",
		"windows": []map[string]any{
			{"start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30},
			{"start_time": "2026-03-02T10:00:00Z", "duration_minutes": 30},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var got publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Created, 1)
	require.Len(t, got.Skipped, 1)
	assert.Equal(t, "AVAILABLE", got.Created[0].Status)
	assert.Equal(t, "2026-03-02T10:00:00Z", got.Skipped[0].StartTime)
}

func TestPreferencesValidatesEachWindow(t *testing.T) {
	svc := &fakeScheduler{}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	rec := postJSON(t, h.SubmitPreferences, map[string]any{
		"resource_ref": "room-1",
		"owner_ref":    "app-1",
		"windows": []map[string]any{
			{"start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30},
			{"start_time": "2026-03-02T10:00:00Z", "duration_minutes": 20},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "windows[1].duration_minutes", decodeError(t, rec).Details["field"])
	assert.Zero(t, svc.calls)

	rec = postJSON(t, h.SubmitPreferences, map[string]any{
		"resource_ref": "room-1",
		"owner_ref":    "app-1",
		"windows": []map[string]any{
			{"start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var got preferencesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Requested, 1)
	assert.Equal(t, "REQUESTED", got.Requested[0].Status)

	rec = postJSON(t, h.ConfirmPreference, map[string]any{"slot_id": slotID})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAvailableUsesDisplayZoneAndToken(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	svc := &fakeScheduler{available: []window.TimeWindow{mustWindow(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), 30)}}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), ny)

	req := httptest.NewRequest(http.MethodGet, "/?resource_ref=room-1&date=2026-03-02&duration_minutes=30", nil)
	req.Header.Set("Authorization", "Bearer ok-claimant-9")
	rec := httptest.NewRecorder()
	h.Available(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got availableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Windows, 1)
	assert.Equal(t, "2026-03-02T14:00:00Z", got.Windows[0].StartTime)
	assert.Equal(t, "claimant-9", svc.subject)
	assert.Equal(t, ny, svc.day.Location())

	// A bad token only hides the caller's own holds.
	req = httptest.NewRequest(http.MethodGet, "/?resource_ref=room-1&date=2026-03-02&duration_minutes=30", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	h.Available(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.subject)
}

func TestAvailableRejectsBadQuery(t *testing.T) {
	svc := &fakeScheduler{}
	h := NewSlotHandler(svc, validation.New(), fakeTokens{}, testLogger(), time.UTC)

	for _, q := range []string{
		"?date=2026-03-02&duration_minutes=30",
		"?resource_ref=room-1&date=03/02/2026&duration_minutes=30",
		"?resource_ref=room-1&date=2026-03-02&duration_minutes=abc",
		"?resource_ref=room-1&date=2026-03-02&duration_minutes=25",
	} {
		rec := httptest.NewRecorder()
		h.Available(rec, httptest.NewRequest(http.MethodGet, "/"+q, nil))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, q)
	}
	assert.Zero(t, svc.calls)
}

func TestHoldsRequireBookingLink(t *testing.T) {
	m := &fakeHolds{}
	h := NewHoldHandler(m, validation.New(), fakeTokens{}, testLogger())
	body := map[string]any{"resource_ref": "room-1", "start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30}

	rec := postJSON(t, h.Acquire, body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = postJSON(t, h.Acquire, body, "Authorization", "Bearer forged")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, m.acquired)

	rec = postJSON(t, h.Acquire, body, "Authorization", "Bearer ok-claimant-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got holdResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "h1", got.HoldID)
	assert.Greater(t, got.RemainingSeconds, int64(0))
	assert.Equal(t, []string{"claimant-1"}, m.acquired)

	rec = postJSON(t, h.Release, body, "Authorization", "Bearer ok-claimant-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"claimant-1"}, m.released)
}

func TestHoldConflictAndStatus(t *testing.T) {
	m := &fakeHolds{err: &apperrors.SlotConflictError{ResourceRef: "room-1"}}
	h := NewHoldHandler(m, validation.New(), fakeTokens{}, testLogger())
	body := map[string]any{"resource_ref": "room-1", "start_time": "2026-03-02T09:00:00Z", "duration_minutes": 30}

	rec := postJSON(t, h.Acquire, body, "Authorization", "Bearer ok-claimant-2")
	assert.Equal(t, http.StatusConflict, rec.Code)

	w := mustWindow(nineAM, 30)
	m.err = nil
	m.status = holds.Status{
		Hold:      model.Hold{ID: "h1", ResourceRef: "room-1", Window: w, SubjectRef: "claimant-2", ExpiresAt: nineAM.Add(-time.Hour)},
		State:     holdtimer.StateWarning,
		Remaining: 90 * time.Second,
	}
	req := httptest.NewRequest(http.MethodGet, "/?resource_ref=room-1&start_time=2026-03-02T09:00:00Z&duration_minutes=30", nil)
	req.Header.Set("Authorization", "Bearer ok-claimant-2")
	rec = httptest.NewRecorder()
	h.Status(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got holdResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "WARNING", got.State)
	assert.Equal(t, int64(90), got.RemainingSeconds)
}

func TestTimeDisplay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	h := NewTimeDisplayHandler(validation.New(), ny, hybridtime.Format12h)
	h.now = func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) }

	cases := []struct {
		query   string
		kind    string
		display string
		minutes *int
	}{
		{"?value=15:00", "bare_utc", "11:00 AM", intPtr(11 * 60)},
		{"?value=15:00&format=24h", "bare_utc", "11:00", intPtr(11 * 60)},
		{"?value=3:30%20PM", "local", "3:30 PM", intPtr(15*60 + 30)},
		{"?value=noon", "invalid", "noon", nil},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.Display(rec, httptest.NewRequest(http.MethodGet, "/"+tc.query, nil))
		require.Equal(t, http.StatusOK, rec.Code, tc.query)
		var got timeDisplayResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, tc.kind, got.Kind, tc.query)
		assert.Equal(t, tc.display, got.Display, tc.query)
		assert.Equal(t, tc.minutes, got.Minutes, tc.query)
	}

	rec := httptest.NewRecorder()
	h.Display(rec, httptest.NewRequest(http.MethodGet, "/?value=15:00&format=iso", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIssueBookingLink(t *testing.T) {
	signer := auth.NewBookingLinkSigner("test-secret", time.Hour)
	h := NewLinkHandler(signer, validation.New(), testLogger())

	rec := postJSON(t, h.Issue, map[string]any{"subject_ref": "claimant-1", "case_ref": "case-7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var got linkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	claims, err := signer.Verify(got.Token)
	require.NoError(t, err)
	assert.Equal(t, "claimant-1", claims.Subject)
	assert.Equal(t, "case-7", claims.CaseRef)

	rec = postJSON(t, h.Issue, map[string]any{"subject_ref": "claimant-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func intPtr(v int) *int { return &v }
