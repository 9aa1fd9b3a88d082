package apiserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/adapter/adaptertest"
	"github.com/reelflow/reelflow/pkg/auth"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/deadletter"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/eventbus"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store/memory"
	"github.com/reelflow/reelflow/pkg/webhook"
)

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// syncSinks write straight to the memory stores so assertions need no waiting.
type syncSinks struct {
	deadLetters *memory.DeadLetterStore
	journal     *memory.JournalStore
}

func (s syncSinks) Record(entry *model.DeadLetter) {
	if entry.ID == "" {
		entry.ID = time.Now().Format("150405.000000000")
	}
	_ = s.deadLetters.Append(context.Background(), entry)
}

type syncJournal struct{ st *memory.JournalStore }

func (j syncJournal) Record(rec *model.TransitionRecord) {
	_ = j.st.CreateBatch(context.Background(), []*model.TransitionRecord{rec})
}

type testServer struct {
	server  *Server
	tokens  *auth.OperatorTokenManager
	engine  *engine.Engine
	caption *adaptertest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.EngineConfig{
		Brands:                   []string{"acme", "globex"},
		SubmitTimeout:            time.Second,
		MaxRetryScheduleAttempts: 3,
	}
	render, caption, publish := adaptertest.Pipeline()
	registry := adapter.NewRegistry(render, caption, publish)
	sinks := syncSinks{deadLetters: memory.NewDeadLetterStore(), journal: memory.NewJournalStore()}

	eng := engine.New(cfg, memory.NewWorkflowStore(), registry, zap.NewNop(),
		engine.WithDeadLetters(sinks), engine.WithJournal(syncJournal{sinks.journal}))
	ingestor := webhook.NewIngestor(cfg, config.VendorsConfig{HeyGen: config.VendorConfig{WebhookSecret: "s"}},
		eng, registry, zap.NewNop(), webhook.WithDeadLetters(sinks))
	tokens := auth.NewOperatorTokenManager([]byte("test-key"), time.Hour, "")

	server := NewServer(Deps{
		Engine:      eng,
		Webhooks:    webhook.NewHandler(ingestor, 1<<20, zap.NewNop()),
		DeadLetters: deadletter.NewService(sinks.deadLetters, ingestor, eng),
		Journal:     sinks.journal,
		Broker:      eventbus.NewLocalBus(),
		Tokens:      tokens,
		Logger:      zap.NewNop(),
	})
	return &testServer{server: server, tokens: tokens, engine: eng, caption: caption}
}

func (ts *testServer) token(t *testing.T, brands []string, scopes ...string) string {
	t.Helper()
	token, err := ts.tokens.Generate("tester", brands, scopes...)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()

	server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response healthResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
}

func TestAPIAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.do(http.MethodGet, "/api/v1/brands/acme/workflows", "", nil)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}

	var response errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Error != "missing authorization" {
		t.Fatalf("expected missing authorization error, got %q", response.Error)
	}
}

func TestForeignTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	other, err := auth.NewOperatorTokenManager([]byte("other"), time.Hour, "").Generate("x", nil, auth.ScopeRead)
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/api/v1/brands/acme/workflows", other, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScopesAndBrandsAreEnforced(t *testing.T) {
	ts := newTestServer(t)
	readOnly := ts.token(t, []string{"acme"}, auth.ScopeRead)

	rec := ts.do(http.MethodPost, "/api/v1/brands/acme/workflows", readOnly, map[string]interface{}{
		"payload": map[string]interface{}{"script": "x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/brands/globex/workflows", readOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/brands/acme/workflows", readOnly, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, nil, auth.ScopeRead, auth.ScopeWrite)

	rec := ts.do(http.MethodPost, "/api/v1/brands/acme/workflows", token, map[string]interface{}{
		"id":      "wf-100",
		"payload": map[string]interface{}{"script": "launch day"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID           string            `json:"id"`
		Stage        string            `json:"stage"`
		ExternalRefs map[string]string `json:"external_refs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "wf-100", created.ID)
	assert.Equal(t, "rendering", created.Stage)
	assert.Equal(t, "r1", created.ExternalRefs["rendering"])

	rec = ts.do(http.MethodPost, "/api/v1/brands/acme/workflows", token, map[string]interface{}{
		"id":      "wf-100",
		"payload": map[string]interface{}{"script": "again"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	body, _ := json.Marshal(model.StageEvent{
		Stage: model.StageRendering, Outcome: model.OutcomeCompleted, VendorJobID: "r1", EventID: "e1",
		Artifact: map[string]interface{}{"video_url": "https://cdn/r1.mp4"},
	})
	rec = ts.do(http.MethodPost, "/webhooks/heygen/acme", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/heygen/acme", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", webhook.Sign("s", body))
	signed := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(signed, req)
	require.Equal(t, http.StatusOK, signed.Code, signed.Body.String())

	rec = ts.do(http.MethodGet, "/api/v1/brands/acme/workflows/wf-100", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Stage     string                            `json:"stage"`
		Artifacts map[string]map[string]interface{} `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "captioning", detail.Stage)
	assert.Equal(t, "https://cdn/r1.mp4", detail.Artifacts["rendering"]["video_url"])

	rec = ts.do(http.MethodGet, "/api/v1/brands/acme/workflows/wf-100/journal", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var journal struct {
		Items []model.TransitionRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &journal))
	require.Len(t, journal.Items, 2)

	rec = ts.do(http.MethodPost, "/api/v1/brands/acme/workflows/wf-100/cancel", token, map[string]string{"reason": "brief changed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/brands/acme/workflows?stage=failed", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = ts.do(http.MethodGet, "/api/v1/brands/acme/workflows/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWithFailingFirstSubmitIsAccepted(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, nil, auth.ScopeRead, auth.ScopeWrite)

	fake := adaptertest.New("heygen", model.StageRendering, "r")
	fake.FailNext(adaptertest.Transient("heygen 503"))
	eng := engine.New(config.EngineConfig{SubmitTimeout: time.Second}, memory.NewWorkflowStore(),
		adapter.NewRegistry(fake, ts.caption, adaptertest.New("late", model.StagePublishing, "p")), zap.NewNop())
	server := NewServer(Deps{Engine: eng, Tokens: ts.tokens})

	data, _ := json.Marshal(map[string]interface{}{"payload": map[string]interface{}{"script": "x"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/brands/acme/workflows", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"stage":"created"`)
}

func TestDeadLetterReplayOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, nil, auth.ScopeRead, auth.ScopeWrite, auth.ScopeReplay)

	rec := ts.do(http.MethodPost, "/api/v1/brands/acme/workflows", token, map[string]interface{}{
		"id": "wf-7", "payload": map[string]interface{}{"script": "x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// a callback the fake adapter cannot parse lands in the dead-letter log
	bad := []byte(`{"outcome":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/heygen/acme?workflow_id=wf-7", bytes.NewReader(bad))
	req.Header.Set("X-Webhook-Signature", webhook.Sign("s", bad))
	badRec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(badRec, req)
	require.Equal(t, http.StatusBadRequest, badRec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/dead-letters?kind=unparseable_callback&brand=acme", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []model.DeadLetter `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	id := list.Items[0].ID
	assert.Equal(t, "wf-7", list.Items[0].WorkflowID)

	rec = ts.do(http.MethodPost, "/api/v1/dead-letters/"+id+"/replay", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "body is still unparseable")

	rec = ts.do(http.MethodPost, "/api/v1/dead-letters/"+id+"/resolve", token, map[string]string{"notes": "vendor bug"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/dead-letters/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry model.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.True(t, entry.Resolved)
	assert.Equal(t, "vendor bug", entry.Notes)
}

func TestEventStreamOutlivesServerWriteTimeout(t *testing.T) {
	bus := eventbus.NewLocalBus()
	tokens := auth.NewOperatorTokenManager([]byte("test-key"), time.Hour, "")
	server := NewServer(Deps{Broker: bus, Tokens: tokens, Logger: zap.NewNop()})

	srv := httptest.NewUnstartedServer(server.Handler())
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	token, err := tokens.Generate("tester", []string{"acme"}, auth.ScopeRead)
	require.NoError(t, err)

	// the first event is written well after the server's write timeout
	go func() {
		time.Sleep(300 * time.Millisecond)
		bus.StageChanged(context.Background(),
			&model.Workflow{ID: "wf-1", Brand: "acme", Stage: model.StageCaptioning}, model.StageRendering)
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/brands/acme/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, eventbus.EventStageChanged, event)
	assert.Contains(t, data, "wf-1")
}
