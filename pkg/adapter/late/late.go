// Package late schedules the finished video on social platforms.
package late

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/model"
)

const Vendor = "late"

type Adapter struct {
	client  *adapter.Client
	options map[string]string
}

// New builds the publishing adapter. Late reports post status through
// polling only, so the public base URL is not needed.
func New(cfg config.VendorConfig) *Adapter {
	apiKey := cfg.APIKey
	return &Adapter{
		client: adapter.NewClient(Vendor, cfg.BaseURL, cfg.Timeout, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}),
		options: cfg.Options,
	}
}

func (a *Adapter) Vendor() string     { return Vendor }
func (a *Adapter) Stage() model.Stage { return model.StagePublishing }

type platformTarget struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

type mediaItem struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type postRequest struct {
	Content      string           `json:"content"`
	Platforms    []platformTarget `json:"platforms"`
	MediaItems   []mediaItem      `json:"mediaItems"`
	ScheduledFor string           `json:"scheduledFor,omitempty"`
	Timezone     string           `json:"timezone,omitempty"`
	PublishNow   bool             `json:"publishNow,omitempty"`
}

type platformStatus struct {
	Platform        string `json:"platform"`
	Status          string `json:"status"`
	PlatformPostURL string `json:"platformPostUrl"`
	ErrorMessage    string `json:"errorMessage"`
}

type post struct {
	ID        string           `json:"id"`
	PostID    string           `json:"postId"`
	MongoID   string           `json:"_id"`
	Status    string           `json:"status"`
	Platforms []platformStatus `json:"platforms"`
}

func (p *post) id() string {
	for _, v := range []string{p.ID, p.PostID, p.MongoID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// envelope covers both the bare post shape and {"post": {...}}.
type envelope struct {
	post
	Event string `json:"event"`
	Post  *post  `json:"post"`
}

func (e *envelope) unwrap() *post {
	if e.Post != nil {
		return e.Post
	}
	return &e.post
}

func (a *Adapter) Submit(ctx context.Context, wf *model.Workflow) (string, error) {
	media := adapter.ArtifactURL(wf, "captioned_url", "video_url")
	if media == "" {
		return "", a.permanent("submit", "payload has no video to publish")
	}

	targets, err := a.targets(wf)
	if err != nil {
		return "", err
	}

	content := wf.Payload.String("caption")
	if content == "" {
		content = wf.Payload.String("title")
	}

	req := postRequest{
		Content:      content,
		Platforms:    targets,
		MediaItems:   []mediaItem{{Type: "video", URL: media}},
		ScheduledFor: wf.Payload.String("scheduled_for"),
	}
	if req.ScheduledFor != "" {
		req.Timezone = wf.Payload.String("timezone")
		if req.Timezone == "" {
			req.Timezone = a.options["timezone"]
		}
	} else {
		req.PublishNow = true
	}

	var resp envelope
	if err := a.client.Do(ctx, "submit", http.MethodPost, "/v1/posts", req, &resp); err != nil {
		return "", err
	}
	id := resp.unwrap().id()
	if id == "" {
		return "", &adapter.AdapterError{Vendor: Vendor, Op: "submit", Err: errors.New("response has no post id")}
	}
	return id, nil
}

// targets resolves each requested platform to a connected account. Accounts
// come from the payload first, then from "<brand>.<platform>" vendor options.
func (a *Adapter) targets(wf *model.Workflow) ([]platformTarget, error) {
	var platforms []string
	switch v := wf.Payload["platforms"].(type) {
	case []interface{}:
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				platforms = append(platforms, s)
			}
		}
	case []string:
		platforms = v
	}
	if len(platforms) == 0 {
		return nil, a.permanent("submit", "payload has no platforms")
	}

	accounts, _ := wf.Payload["accounts"].(map[string]interface{})
	out := make([]platformTarget, 0, len(platforms))
	for _, p := range platforms {
		id, _ := accounts[p].(string)
		if id == "" {
			id = a.options[strings.ToLower(wf.Brand)+"."+p]
		}
		if id == "" {
			return nil, a.permanent("submit", fmt.Sprintf("no %s account connected for brand %s", p, wf.Brand))
		}
		out = append(out, platformTarget{Platform: p, AccountID: id})
	}
	return out, nil
}

func (a *Adapter) ParseCallback(body []byte) (model.StageEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "invalid json: %v", err)
	}
	p := env.unwrap()
	if p.id() == "" {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "missing post id")
	}
	if p.Status == "" {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "missing status")
	}

	ev := normalize(p)
	ev.Source = model.SourceWebhook
	ev.EventID = p.id() + ":" + strings.ToLower(p.Status)
	return ev, nil
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (model.StageEvent, error) {
	var env envelope
	if err := a.client.Do(ctx, "poll", http.MethodGet, "/v1/posts/"+url.PathEscape(jobID), nil, &env); err != nil {
		return model.StageEvent{}, err
	}
	ev := normalize(env.unwrap())
	ev.Source = model.SourcePoll
	ev.VendorJobID = jobID
	return ev, nil
}

// normalize treats a post that Late has accepted for a time slot as done:
// the publishing stage's job is to hand the video to the scheduler.
func normalize(p *post) model.StageEvent {
	ev := model.StageEvent{
		Stage:       model.StagePublishing,
		VendorJobID: p.id(),
		Outcome:     model.OutcomeProcessing,
	}

	switch strings.ToLower(p.Status) {
	case "scheduled", "published", "partial":
		ev.Outcome = model.OutcomeCompleted
		artifact := map[string]interface{}{"post_id": p.id(), "post_status": strings.ToLower(p.Status)}
		for _, ps := range p.Platforms {
			if ps.PlatformPostURL != "" {
				artifact["post_url"] = ps.PlatformPostURL
				break
			}
		}
		ev.Artifact = artifact
	case "failed", "error":
		ev.Outcome = model.OutcomeFailed
		ev.Error = "late reported post " + strings.ToLower(p.Status)
		ev.Permanent = true
		var reported bool
		for _, ps := range p.Platforms {
			if ps.ErrorMessage == "" {
				continue
			}
			if !reported {
				ev.Error = ps.Platform + ": " + ps.ErrorMessage
				reported = true
			}
			// one platform that failed for a retryable reason makes the post worth resubmitting
			if !adapter.IsRejection(ps.ErrorMessage) {
				ev.Permanent = false
			}
		}
		if !reported {
			ev.Permanent = false
		}
	}
	return ev
}

func (a *Adapter) permanent(op, msg string) error {
	return &adapter.AdapterError{Vendor: Vendor, Op: op, Permanent: true, Err: errors.New(msg)}
}
