package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/adapter/adaptertest"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store/memory"
)

const secret = "hook-secret"

type deadLetters struct {
	mu      sync.Mutex
	entries []*model.DeadLetter
}

func (d *deadLetters) Record(e *model.DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

type fixture struct {
	router   *gin.Engine
	engine   *engine.Engine
	ingestor *Ingestor
	render   *adaptertest.Fake
	caption  *adaptertest.Fake
	dead     *deadLetters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.EngineConfig{
		Brands:                   []string{"acme"},
		SubmitTimeout:            time.Second,
		MaxRetryScheduleAttempts: 3,
		IdempotencyTTL:           time.Hour,
	}
	render, caption, publish := adaptertest.Pipeline()
	registry := adapter.NewRegistry(render, caption, publish)
	dead := &deadLetters{}
	eng := engine.New(cfg, memory.NewWorkflowStore(), registry, zap.NewNop(), engine.WithDeadLetters(dead))

	vendors := config.VendorsConfig{
		HeyGen:   config.VendorConfig{WebhookSecret: secret},
		Submagic: config.VendorConfig{WebhookSecret: secret},
		Late:     config.VendorConfig{WebhookSecret: secret},
	}
	ingestor := NewIngestor(cfg, vendors, eng, registry, zap.NewNop(), WithDeadLetters(dead))

	router := gin.New()
	NewHandler(ingestor, 1<<16, zap.NewNop()).Register(router)

	return &fixture{router: router, engine: eng, ingestor: ingestor, render: render, caption: caption, dead: dead}
}

func (f *fixture) started(t *testing.T) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.engine.Create(ctx, engine.NewWorkflowInput{Brand: "acme", Payload: map[string]interface{}{"script": "hi"}})
	require.NoError(t, err)
	res, err := f.engine.Start(ctx, wf.Brand, wf.ID)
	require.NoError(t, err)
	return res.Workflow
}

func (f *fixture) get(t *testing.T, wf *model.Workflow) *model.Workflow {
	t.Helper()
	got, err := f.engine.Store().Get(context.Background(), wf.Brand, wf.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) post(path string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func callback(t *testing.T, ev model.StageEvent) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body
}

func renderDone(eventID string) model.StageEvent {
	return model.StageEvent{
		Stage:       model.StageRendering,
		Outcome:     model.OutcomeCompleted,
		VendorJobID: "r1",
		EventID:     eventID,
		Artifact:    map[string]interface{}{"video_url": "https://cdn/a.mp4"},
	}
}

func TestCallbackAdvancesWorkflow(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	body := callback(t, renderDone("evt-1"))

	rec := f.post("/webhooks/heygen/acme", body, Sign(secret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var receipt Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, engine.Applied, receipt.Disposition)
	assert.Equal(t, wf.ID, receipt.WorkflowID)
	assert.Equal(t, model.StageCaptioning, receipt.Stage)

	got := f.get(t, wf)
	assert.Equal(t, model.StageCaptioning, got.Stage)
	assert.Equal(t, "c1", got.Ref(model.StageCaptioning))
	assert.Equal(t, 0, got.Attempt)
}

func TestRedeliveryIsHarmless(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	body := callback(t, renderDone("evt-1"))

	require.Equal(t, http.StatusOK, f.post("/webhooks/heygen/acme", body, Sign(secret, body)).Code)

	rec := f.post("/webhooks/heygen/acme", body, Sign(secret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"duplicate":true}`, rec.Body.String())

	// a different delivery id bypasses the cache; the transition rejects it
	again := callback(t, renderDone("evt-2"))
	rec = f.post("/webhooks/heygen/acme", again, Sign(secret, again))
	require.Equal(t, http.StatusOK, rec.Code)
	var receipt Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, engine.Stale, receipt.Disposition)

	assert.Equal(t, 1, f.caption.Submits())
	assert.Equal(t, "c1", f.get(t, wf).Ref(model.StageCaptioning))
}

func TestBadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	body := callback(t, renderDone("evt-1"))

	rec := f.post("/webhooks/heygen/acme", body, Sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.post("/webhooks/heygen/acme", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, model.StageRendering, f.get(t, wf).Stage)
	assert.Equal(t, 0, f.caption.Submits())
}

func TestUnknownVendorOrBrand(t *testing.T) {
	f := newFixture(t)
	f.started(t)
	body := callback(t, renderDone("evt-1"))

	assert.Equal(t, http.StatusNotFound, f.post("/webhooks/heygen/other", body, Sign(secret, body)).Code)
	assert.Equal(t, http.StatusNotFound, f.post("/webhooks/pictory/acme", body, Sign(secret, body)).Code)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.started(t)
	ev := renderDone("evt-1")
	ev.VendorJobID = "r-unknown"
	body := callback(t, ev)

	assert.Equal(t, http.StatusNotFound, f.post("/webhooks/heygen/acme", body, Sign(secret, body)).Code)
}

func TestUnparseableCallbackIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	body := []byte(`{"status":`)

	rec := f.post("/webhooks/heygen/acme?workflow_id="+wf.ID, body, Sign(secret, body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, f.dead.entries, 1)
	entry := f.dead.entries[0]
	assert.Equal(t, model.DeadLetterUnparseable, entry.Kind)
	assert.Equal(t, "heygen", entry.Vendor)
	assert.Equal(t, "acme", entry.Brand)
	assert.Equal(t, wf.ID, entry.WorkflowID)
	assert.Equal(t, string(body), entry.Body)
	assert.Equal(t, http.MethodPost, entry.Method)
	assert.NotContains(t, entry.Headers, "X-Webhook-Signature")
	assert.Equal(t, model.StageRendering, f.get(t, wf).Stage)
}

func TestRolledBackSubmitAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	f.caption.FailNext(adaptertest.Transient("submagic 502"))
	body := callback(t, renderDone("evt-1"))

	rec := f.post("/webhooks/heygen/acme", body, Sign(secret, body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := f.get(t, wf)
	assert.Equal(t, model.StageRendering, got.Stage)
	assert.Equal(t, "r1", got.Ref(model.StageRendering))

	// the failed attempt must not have been cached
	rec = f.post("/webhooks/heygen/acme", body, Sign(secret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StageCaptioning, f.get(t, wf).Stage)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	f := newFixture(t)
	body := bytes.Repeat([]byte("x"), 1<<17)

	rec := f.post("/webhooks/heygen/acme", body, Sign(secret, body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReplaySkipsSignatureAndCache(t *testing.T) {
	f := newFixture(t)
	wf := f.started(t)
	body := callback(t, renderDone("evt-1"))

	require.NoError(t, f.ingestor.Replay(context.Background(), "heygen", "ACME", wf.ID, body))
	assert.Equal(t, model.StageCaptioning, f.get(t, wf).Stage)

	err := f.ingestor.Replay(context.Background(), "heygen", "acme", wf.ID, []byte("not json"))
	assert.True(t, adapter.IsUnparseable(err))
	assert.Empty(t, f.dead.entries)
}
