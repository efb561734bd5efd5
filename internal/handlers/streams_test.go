package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vidfriends/livesched/internal/models"
	"github.com/vidfriends/livesched/internal/repositories"
	"github.com/vidfriends/livesched/internal/schedule"
)

var testNow = time.Date(2024, time.January, 7, 9, 0, 0, 0, time.UTC)

type issuerStub struct{}

func (issuerStub) IssueToken(_ context.Context, streamID, userID string, role models.ParticipantRole) (models.StreamToken, error) {
	return models.StreamToken{Value: "tok-" + userID, StreamID: streamID, UserID: userID, Role: role, ExpiresAt: testNow.Add(time.Hour)}, nil
}

func (issuerStub) RevokeStream(context.Context, string) (int, error) { return 0, nil }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type apiFixture struct {
	mux  *http.ServeMux
	now  *time.Time
	svc  *schedule.Service
	repo *repositories.InMemoryStreamRepository
}

func newAPIFixture(t *testing.T, limiter RateLimiter, opts ...schedule.Option) *apiFixture {
	t.Helper()
	f := &apiFixture{repo: repositories.NewInMemoryStreamRepository()}
	now := testNow
	f.now = &now

	opts = append([]schedule.Option{schedule.WithClock(func() time.Time { return *f.now })}, opts...)
	f.svc = schedule.NewService(f.repo, issuerStub{}, schedule.Config{}, opts...)

	f.mux = http.NewServeMux()
	RegisterRoutes(f.mux, Dependencies{Streams: f.svc, Limiter: limiter, NowFunc: func() time.Time { return *f.now }})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func oneTimeBody(host string, start time.Time) map[string]any {
	return map[string]any{
		"title":          "Office hours",
		"hostId":         host,
		"scheduledStart": start,
		"scheduledEnd":   start.Add(time.Hour),
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	start := testNow.Add(time.Hour)

	rec := f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-1", start))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[createStreamResponse](t, rec)
	id := created.Stream.ID
	if id == "" || created.Stream.Status != models.StatusScheduled || created.Stream.Type != models.StreamTypeOneTime {
		t.Fatalf("unexpected stream %+v", created.Stream)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/participants", map[string]string{"userId": "viewer-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/start", nil)
	if rec.Code != http.StatusTooEarly {
		t.Fatalf("expected 425 got %d", rec.Code)
	}
	tooEarly := decode[errorResponse](t, rec)
	if tooEarly.AllowedFrom == nil || !tooEarly.AllowedFrom.Equal(start.Add(-5*time.Minute)) {
		t.Fatalf("unexpected allowedFrom %v", tooEarly.AllowedFrom)
	}

	*f.now = start
	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[startStreamResponse](t, rec)
	if started.Stream.Status != models.StatusLive || started.HostToken == nil || started.HostToken.Role != models.RoleHost {
		t.Fatalf("unexpected start response %+v", started)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second start got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/participants/viewer-1/join", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	token := decode[models.StreamToken](t, rec)
	if token.Value != "tok-viewer-1" || token.Role != models.RoleViewer {
		t.Fatalf("unexpected token %+v", token)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/participants/viewer-1/leave", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}

	*f.now = start.Add(time.Hour)
	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+id+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if ended := decode[streamResponse](t, rec); ended.Status != models.StatusEnded {
		t.Fatalf("expected ENDED got %s", ended.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/streams/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if got := decode[streamResponse](t, rec); got.ActualEnd == nil || !got.ActualEnd.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected actual end %v", got.ActualEnd)
	}
}

func TestCreateStreamErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	start := testNow.Add(time.Hour)

	if rec := f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-1", start)); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-1", start.Add(30*time.Minute)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if conflict := decode[errorResponse](t, rec); conflict.ConflictStreamID == "" {
		t.Fatal("expected conflicting stream id")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-2", testNow.Add(-time.Hour)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	body := oneTimeBody("host-2", start)
	body["recurrenceRule"] = "FREQ=HOURLY"
	if rec := f.do(t, http.MethodPost, "/api/v1/streams", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad rule got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	StreamHandler{Streams: f.svc}.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/streams/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestCreateRecurringTemplateMaterializesOccurrences(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := oneTimeBody("host-1", testNow.Add(time.Hour))
	body["recurrenceRule"] = "RRULE:FREQ=WEEKLY;BYDAY=MO"

	rec := f.do(t, http.MethodPost, "/api/v1/streams", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[createStreamResponse](t, rec)
	if created.Stream.Type != models.StreamTypeRecurring || created.Stream.RecurrenceRule != "FREQ=WEEKLY;BYDAY=MO" {
		t.Fatalf("unexpected template %+v", created.Stream)
	}
	if len(created.Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences got %d", len(created.Occurrences))
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+created.Stream.ID+"/materialize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if again := decode[occurrencesResponse](t, rec); len(again.Occurrences) != 0 {
		t.Fatalf("expected no new occurrences got %d", len(again.Occurrences))
	}

	rec = f.do(t, http.MethodPost, "/api/v1/streams/"+created.Stream.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if cancelled := decode[streamResponse](t, rec); cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED got %s", cancelled.Status)
	}
}

func TestJoinRefusedWithoutEntitlement(t *testing.T) {
	deny := func(context.Context, string, models.LiveStream) (bool, error) { return false, nil }
	f := newAPIFixture(t, nil, schedule.WithTierCheck(deny))
	start := testNow.Add(time.Hour)

	created := decode[createStreamResponse](t, f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-1", start)))
	*f.now = start
	if rec := f.do(t, http.MethodPost, "/api/v1/streams/"+created.Stream.ID+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/streams/"+created.Stream.ID+"/participants/viewer-1/join", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	f := newAPIFixture(t, denyAll{})

	rec := f.do(t, http.MethodPost, "/api/v1/streams", oneTimeBody("host-1", testNow.Add(time.Hour)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/streams/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected reads to bypass the limiter got %d", rec.Code)
	}
}

func TestRespondErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(context.Background(), rec, errors.New("pq: connection reset"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if resp := decode[errorResponse](t, rec); resp.Error != "internal error" {
		t.Fatalf("expected generic message got %q", resp.Error)
	}
}
