package late

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/model"
)

func TestSubmitBuildsPost(t *testing.T) {
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/posts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"post":{"_id":"p1","status":"scheduled"}}`))
	}))
	defer srv.Close()

	a := New(config.VendorConfig{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Options: map[string]string{"acme.tiktok": "acc-tt", "timezone": "America/Chicago"},
	})
	wf := &model.Workflow{
		ID:    "wf-1",
		Brand: "acme",
		Payload: model.JSONB{
			"captioned_url": "https://d/1.mp4",
			"caption":       "new listing",
			"platforms":     []interface{}{"instagram", "tiktok"},
			"accounts":      map[string]interface{}{"instagram": "acc-ig"},
			"scheduled_for": "2026-01-02T15:00:00",
		},
	}

	jobID, err := a.Submit(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, "p1", jobID)
	assert.Equal(t, []platformTarget{{"instagram", "acc-ig"}, {"tiktok", "acc-tt"}}, got.Platforms)
	assert.Equal(t, "https://d/1.mp4", got.MediaItems[0].URL)
	assert.Equal(t, "America/Chicago", got.Timezone)
	assert.False(t, got.PublishNow)
}

func TestSubmitMissingAccountIsPermanent(t *testing.T) {
	a := New(config.VendorConfig{BaseURL: "http://127.0.0.1:0"})
	wf := &model.Workflow{
		ID:      "wf-1",
		Brand:   "acme",
		Payload: model.JSONB{"video_url": "https://d/1.mp4", "platforms": []interface{}{"youtube"}},
	}
	_, err := a.Submit(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, adapter.IsPermanent(err))
}

func TestParseCallbackShapes(t *testing.T) {
	a := New(config.VendorConfig{})

	ev, err := a.ParseCallback([]byte(`{"event":"post.published","post":{"_id":"p1","status":"published","platforms":[{"platform":"tiktok","status":"published","platformPostUrl":"https://tiktok/1"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, ev.Outcome)
	assert.Equal(t, "p1", ev.VendorJobID)
	assert.Equal(t, "https://tiktok/1", ev.Artifact["post_url"])

	ev, err = a.ParseCallback([]byte(`{"id":"p2","status":"failed","platforms":[{"platform":"instagram","errorMessage":"token expired"}]}`))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, ev.Outcome)
	assert.Equal(t, "instagram: token expired", ev.Error)
	assert.False(t, ev.Permanent)

	ev, err = a.ParseCallback([]byte(`{"id":"p3","status":"failed","platforms":[{"platform":"tiktok","errorMessage":"Video duration too long for TikTok"},{"platform":"instagram","errorMessage":"Duplicate content"}]}`))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, ev.Outcome)
	assert.True(t, ev.Permanent, "every platform rejected the post")

	ev, err = a.ParseCallback([]byte(`{"id":"p4","status":"failed","platforms":[{"platform":"tiktok","errorMessage":"Duplicate content"},{"platform":"instagram","errorMessage":"upstream 503"}]}`))
	require.NoError(t, err)
	assert.False(t, ev.Permanent)

	_, err = a.ParseCallback([]byte(`{"status":"published"}`))
	assert.True(t, adapter.IsUnparseable(err))
}

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/posts/p1", r.URL.Path)
		w.Write([]byte(`{"post":{"_id":"p1","status":"scheduled"}}`))
	}))
	defer srv.Close()

	a := New(config.VendorConfig{BaseURL: srv.URL})
	ev, err := a.Poll(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, ev.Outcome)
	assert.Equal(t, model.SourcePoll, ev.Source)
	assert.Equal(t, "p1", ev.Artifact["post_id"])
}
