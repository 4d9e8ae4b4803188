package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/bridge"
	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/internal/queue"
	"github.com/ClareAI/astra-dispatch-service/internal/scheduler"
	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInitiator struct {
	mu  sync.Mutex
	seq int
}

func (s *stubInitiator) InitiateCall(ctx context.Context, req domain.CallRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("CA%03d", s.seq), nil
}

type stubValidator struct{ ok bool }

func (v stubValidator) ValidateRequest(r *http.Request) bool { return v.ok }

type apiFixture struct {
	store     *queue.Store
	registry  *session.Registry
	scheduler *scheduler.Manager
	router    *mux.Router
}

func newAPIFixture(t *testing.T, validator RequestValidator) *apiFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := queue.NewStore(queue.WithClock(clk))
	registry := session.NewRegistry(session.WithClock(clk))
	ingress := session.NewIngress(registry, 16)
	go ingress.Run(ctx)
	t.Cleanup(ingress.Close)

	sched := scheduler.NewManager(store, registry, &stubInitiator{}, scheduler.WithClock(clk))
	t.Cleanup(sched.StopAll)

	cfg := &config.ServiceConfig{
		AllowedOrigins: []string{"*"},
		Scheduler:      config.DefaultSettings(),
		Bridge:         config.DefaultBridgeConfig(),
	}
	components := Components{
		Store:     store,
		Scheduler: sched,
		Registry:  registry,
		Ingress:   ingress,
		Bridge:    bridge.NewManager(registry, nil, cfg.Bridge, bridge.WithClock(clk)),
		Validator: validator,
	}
	router := mux.NewRouter()
	NewHandlerManager(ctx, cfg, components).SetupAllRoutes(router)

	return &apiFixture{store: store, registry: registry, scheduler: sched, router: router}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func enqueueBody(priority int, campaign string) string {
	return fmt.Sprintf(`{"to":"+1555000%04d","from":"+15559990000","priority":%d,"campaignId":%q}`, priority, priority, campaign)
}

func TestEnqueueAndListInPriorityOrder(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, p := range []int{5, 8, 3, 10, 1} {
		rec := f.do(t, http.MethodPost, "/api/queue", enqueueBody(p, "spring"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodGet, "/api/queue?campaignId=spring", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[QueueListResponse](t, rec)
	require.Len(t, page.Items, 5)

	var priorities, positions []int
	for _, item := range page.Items {
		priorities = append(priorities, item.Priority)
		positions = append(positions, item.Position)
	}
	assert.Equal(t, []int{10, 8, 5, 3, 1}, priorities)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, positions)

	rec = f.do(t, http.MethodGet, "/api/queue?limit=2&offset=1", "")
	page = decode[QueueListResponse](t, rec)
	require.Len(t, page.Items, 2)
	assert.Equal(t, 8, page.Items[0].Priority)

	rec = f.do(t, http.MethodGet, "/api/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.QueueStats](t, rec)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Counts[domain.QueueStatusWaiting])
}

func TestEnqueueValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/queue", `{"from":"+15559990000","priority":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "to", decode[ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodPost, "/api/queue", enqueueBody(11, ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "priority", decode[ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodPost, "/api/queue", `{"to":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/queue?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/queue?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonJSONBodyRejected(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader("to=1"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestQueueItemLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/queue", enqueueBody(4, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	item := decode[domain.QueueItem](t, rec)

	rec = f.do(t, http.MethodPut, "/api/queue/"+item.ID+"/priority", `{"priority":9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, decode[domain.QueueItem](t, rec).Priority)

	rec = f.do(t, http.MethodPut, "/api/queue/"+item.ID+"/priority", `{"priority":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QueueStatusCanceled, decode[domain.QueueItem](t, rec).Status)

	// terminal items stay terminal
	rec = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPut, "/api/queue/"+item.ID+"/priority", `{"priority":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/queue/"+item.ID+"/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/queue/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessBatchDispatchesAndRegistersCalls(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, p := range []int{2, 7, 5} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/queue", enqueueBody(p, "")).Code)
	}

	rec := f.do(t, http.MethodPost, "/api/queue/process", `{"batchSize":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/queue/process", `{"batchSize":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[scheduler.TickResult](t, rec)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, 2, res.Dispatched)
	require.Len(t, res.CallIDs, 2)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+res.CallIDs[0], "")
	require.Equal(t, http.StatusOK, rec.Code)
	call := decode[domain.CallSession](t, rec)
	assert.Equal(t, domain.CallStatusDialing, call.Status)
	assert.Equal(t, "+15550000007", call.Counterpart)

	rec = f.do(t, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, 2, decode[SessionListResponse](t, rec).Count)

	// a dispatched item can no longer change priority but can be requeued
	rec = f.do(t, http.MethodGet, "/api/queue?status=completed", "")
	done := decode[QueueListResponse](t, rec).Items
	require.Len(t, done, 2)
	rec = f.do(t, http.MethodPut, "/api/queue/"+done[0].ID+"/priority", `{"priority":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/queue/"+done[0].ID+"/requeue", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, done[0].ID, decode[domain.QueueItem](t, rec).RequeuedFromID)
	rec = f.do(t, http.MethodPost, "/api/queue/"+done[0].ID+"/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusCallbackUpdatesSession(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, err := f.registry.Register("CA100", domain.DirectionOutbound, "+15550001111", "agent-1")
	require.NoError(t, err)

	rec := f.postForm(t, "/telephony/status", url.Values{"CallSid": {"CA100"}, "CallStatus": {"ringing"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Eventually(t, func() bool {
		call, err := f.registry.Get("CA100")
		return err == nil && call.Status == domain.CallStatusRinging
	}, time.Second, 5*time.Millisecond)

	rec = f.postForm(t, "/telephony/status", url.Values{
		"CallSid": {"CA100"}, "CallStatus": {"failed"}, "ErrorCode": {"31005"}, "ErrorMessage": {"connection error"},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Eventually(t, func() bool {
		call, err := f.registry.Get("CA100")
		return err == nil && call.Status == domain.CallStatusFailed
	}, time.Second, 5*time.Millisecond)
	call, err := f.registry.Get("CA100")
	require.NoError(t, err)
	assert.Contains(t, call.LastError, "31005")

	rec = f.postForm(t, "/telephony/status", url.Values{"CallSid": {"CA100"}, "CallStatus": {"mystery"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.postForm(t, "/telephony/status", url.Values{"CallStatus": {"ringing"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusCallbackSignature(t *testing.T) {
	f := newAPIFixture(t, stubValidator{ok: false})

	rec := f.postForm(t, "/telephony/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndSessionCancelsCall(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, err := f.registry.Register("CA200", domain.DirectionOutbound, "+15550002222", "agent-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/sessions/CA200", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		call, err := f.registry.Get("CA200")
		return err == nil && call.Status == domain.CallStatusCanceled
	}, time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodDelete, "/api/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamsWithoutActiveSessions(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[StreamListResponse](t, rec).Count)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/streams/CA1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/streams/CA1", "").Code)

	rec = f.do(t, http.MethodGet, "/api/ingress/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSchedulerScopeControl(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/scheduler/spring/start", `{"callsPerMinute":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "callsPerMinute", decode[ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodPost, "/api/scheduler/spring/start", `{"batchSize":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/scheduler/spring/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/scheduler", "")
	require.Equal(t, http.StatusOK, rec.Code)
	scopes := decode[SchedulerStatusResponse](t, rec).Scopes
	require.Len(t, scopes, 1)
	assert.Equal(t, "spring", scopes[0].Scope)
	assert.Equal(t, 3, scopes[0].Settings.BatchSize)
	assert.Equal(t, 10, scopes[0].Settings.CallsPerMinute)

	rec = f.do(t, http.MethodPost, "/api/scheduler/spring/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/scheduler/spring/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerProcessScopeHonorsQuietHours(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/queue", enqueueBody(5, "")).Code)

	// noon falls inside a 10-14 quiet window
	rec := f.do(t, http.MethodPost, "/api/scheduler/global/process", `{"quietHoursStart":10,"quietHoursEnd":14}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[scheduler.TickResult](t, rec)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Dispatched)

	rec = f.do(t, http.MethodPost, "/api/scheduler/global/process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[scheduler.TickResult](t, rec).Dispatched)
}

func TestHealthAndPreflight(t *testing.T) {
	f := newAPIFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/queue", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("to", "is required"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.TransitionError("queue item", "1", "completed", "waiting"), http.StatusConflict},
		{domain.ErrAlreadyRunning, http.StatusConflict},
		{domain.ErrDuplicateSession, http.StatusConflict},
		{domain.ErrStreamExists, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
