package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/auth"
	"github.com/alertrelay/alertrelay/pkg/config"
	"github.com/alertrelay/alertrelay/pkg/eventbus"
	"github.com/alertrelay/alertrelay/pkg/model"
	"github.com/alertrelay/alertrelay/pkg/monitor"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type fakeMonitor struct {
	running  bool
	replayed []string
}

func (m *fakeMonitor) Start(context.Context) error {
	if m.running {
		return monitor.ErrAlreadyRunning
	}
	m.running = true
	return nil
}

func (m *fakeMonitor) Stop() { m.running = false }

func (m *fakeMonitor) Status() monitor.Status { return monitor.Status{Running: m.running, Passes: 3} }

func (m *fakeMonitor) RunOnce(context.Context) (monitor.PassResult, error) {
	return monitor.PassResult{Fetched: 1, Outcomes: map[monitor.Outcome]int{monitor.OutcomeSent: 1}}, nil
}

func (m *fakeMonitor) Replay(_ context.Context, eventID string) (monitor.Outcome, error) {
	if eventID == "gone" {
		return monitor.OutcomeFailed, postgres.ErrNotFound
	}
	if eventID == "offline" {
		return monitor.OutcomeSkipped, monitor.ErrChannelNotReady
	}
	m.replayed = append(m.replayed, eventID)
	return monitor.OutcomeSent, nil
}

type fakeEvents struct{}

func (fakeEvents) Subscribe(context.Context) <-chan *eventbus.Event {
	ch := make(chan *eventbus.Event, 1)
	ch <- &eventbus.Event{Type: eventbus.TypeTriggerSent, Timestamp: 1764255600, Data: json.RawMessage(`{"event_id":"A"}`)}
	close(ch)
	return ch
}

type fakeTriggers struct {
	deletedOlderThan time.Duration
}

func (f *fakeTriggers) Stats(context.Context) (postgres.TriggerStats, error) {
	return postgres.TriggerStats{Total: 3, Sent: 1, Pending: 2}, nil
}

func (f *fakeTriggers) ListUnsent(context.Context, int) ([]model.Trigger, error) {
	msg := "unconfirmed delivery"
	return []model.Trigger{{EventID: "p1", Status: model.TriggerPending, Attempts: 2, LastError: &msg}}, nil
}

func (f *fakeTriggers) List(_ context.Context, limit, offset int) ([]model.Trigger, int64, error) {
	return []model.Trigger{{EventID: "h1", Status: model.TriggerSent}}, 1, nil
}

func (f *fakeTriggers) GetByEventID(_ context.Context, eventID string) (*model.Trigger, error) {
	if eventID != "h1" {
		return nil, postgres.ErrNotFound
	}
	return &model.Trigger{EventID: "h1", Status: model.TriggerSent, RenderedMessage: "Prezado, MARIA"}, nil
}

func (f *fakeTriggers) DeleteStalePending(_ context.Context, olderThan time.Duration) (int64, error) {
	f.deletedOlderThan = olderThan
	return 4, nil
}

type fakeIngester struct {
	seen map[string]bool
}

func (f *fakeIngester) Ingest(_ context.Context, msg *model.InboundMessage) (bool, error) {
	if f.seen[msg.EventID] {
		return false, nil
	}
	f.seen[msg.EventID] = true
	return true, nil
}

type testServer struct {
	server   *Server
	monitor  *fakeMonitor
	triggers *fakeTriggers
	tokens   *auth.TokenManager
}

func newTestServer(rps float64) *testServer {
	cfg := &config.Config{}
	cfg.RateLimit.RequestsPerSec = rps
	cfg.RateLimit.Burst = 1

	ts := &testServer{
		monitor:  &fakeMonitor{},
		triggers: &fakeTriggers{},
		tokens:   auth.NewTokenManager([]byte("test-secret"), time.Hour, ""),
	}
	ts.server = NewServer(Deps{
		Monitor:  ts.monitor,
		Triggers: ts.triggers,
		Inbound:  &fakeIngester{seen: map[string]bool{}},
		Events:   fakeEvents{},
		Tokens:   ts.tokens,
	}, cfg, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, scope, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if scope != "-" {
		token, err := ts.tokens.GenerateToken("operator", scope)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(0)
	recorder := ts.do(t, http.MethodGet, "/health", "-", "")

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var response healthResponse
	decode(t, recorder, &response)
	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(0)
	recorder := ts.do(t, http.MethodGet, "/metrics", "-", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "go_goroutines") {
		t.Fatal("expected prometheus exposition output")
	}
}

func TestAPIAuthRequired(t *testing.T) {
	ts := newTestServer(0)
	recorder := ts.do(t, http.MethodGet, "/api/v1/triggers/stats", "-", "")

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	var response errorResponse
	decode(t, recorder, &response)
	if response.Error != "missing authorization" {
		t.Fatalf("expected missing authorization error, got %q", response.Error)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	recorder = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d for a bad token, got %d", http.StatusUnauthorized, recorder.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	ts := newTestServer(0)
	recorder := ts.do(t, http.MethodPost, "/api/v1/monitor/start", auth.ScopeRead, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
	if ts.monitor.running {
		t.Fatal("monitor must not start without the operate scope")
	}
}

func TestMonitorLifecycle(t *testing.T) {
	ts := newTestServer(0)

	if rec := ts.do(t, http.MethodPost, "/api/v1/monitor/start", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("start: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/monitor/start", "", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected %d, got %d", http.StatusConflict, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/monitor/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected %d, got %d", http.StatusOK, rec.Code)
	}
	var status struct {
		Running    bool                  `json:"running"`
		Passes     int64                 `json:"passes"`
		Statistics postgres.TriggerStats `json:"statistics"`
	}
	decode(t, rec, &status)
	if !status.Running || status.Passes != 3 || status.Statistics.Pending != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/monitor/run", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected %d, got %d", http.StatusOK, rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/api/v1/monitor/stop", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if ts.monitor.running {
		t.Fatal("expected monitor to be stopped")
	}
}

func TestTriggerEndpoints(t *testing.T) {
	ts := newTestServer(0)

	rec := ts.do(t, http.MethodGet, "/api/v1/triggers/pending", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pending: expected %d, got %d", http.StatusOK, rec.Code)
	}
	var pending struct {
		Items []struct {
			EventID   string `json:"event_id"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		} `json:"items"`
	}
	decode(t, rec, &pending)
	if len(pending.Items) != 1 || pending.Items[0].Attempts != 2 || pending.Items[0].LastError != "unconfirmed delivery" {
		t.Fatalf("unexpected pending payload %+v", pending)
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/triggers/history?limit=5", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("history: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/triggers/h1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("get: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/triggers/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: expected %d, got %d", http.StatusNotFound, rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/api/v1/triggers/h1/replay", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("replay: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if len(ts.monitor.replayed) != 1 || ts.monitor.replayed[0] != "h1" {
		t.Fatalf("unexpected replays %v", ts.monitor.replayed)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/triggers/gone/replay", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("replay missing: expected %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/triggers/offline/replay", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("replay while channel down: expected %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/triggers/pending?older_than=1h", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if ts.triggers.deletedOlderThan != time.Hour {
		t.Fatalf("expected older_than 1h, got %s", ts.triggers.deletedOlderThan)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/v1/triggers/pending?older_than=soon", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("delete bad duration: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(0)
	recorder := ts.do(t, http.MethodGet, "/api/v1/events", auth.ScopeRead, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected an event stream, got %q", ct)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "event:"+eventbus.TypeTriggerSent) || !strings.Contains(body, `"event_id":"A"`) {
		t.Fatalf("unexpected stream body %q", body)
	}
}

func TestInboundIngest(t *testing.T) {
	ts := newTestServer(0)
	payload := `{"event_id":"msg-1","subject":"Erro de Login WhatsApp","from":"noreply@example.com","received_at":"Thu, 27 Nov 2025 11:00:00 -0300","body":"Cod Cliente: 1"}`

	if rec := ts.do(t, http.MethodPost, "/api/v1/inbound", auth.ScopeIngest, payload); rec.Code != http.StatusCreated {
		t.Fatalf("ingest: expected %d, got %d", http.StatusCreated, rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/inbound", auth.ScopeIngest, payload); rec.Code != http.StatusOK {
		t.Fatalf("re-ingest: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/inbound", auth.ScopeIngest, `{"event_id":"msg-2"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid ingest: expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/inbound", auth.ScopeRead, payload); rec.Code != http.StatusForbidden {
		t.Fatalf("ingest without scope: expected %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(0.001)

	if rec := ts.do(t, http.MethodGet, "/api/v1/triggers/stats", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected %d, got %d", http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/v1/triggers/stats", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
