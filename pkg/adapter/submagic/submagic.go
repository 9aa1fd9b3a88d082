// Package submagic adds captions and effects to rendered videos.
package submagic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/model"
)

const (
	Vendor = "submagic"

	defaultLanguage = "en"
	defaultTemplate = "Hormozi 2"
)

type Adapter struct {
	client        *adapter.Client
	publicBaseURL string
	options       map[string]string
}

func New(cfg config.VendorConfig, publicBaseURL string) *Adapter {
	apiKey := cfg.APIKey
	return &Adapter{
		client: adapter.NewClient(Vendor, cfg.BaseURL, cfg.Timeout, func(req *http.Request) {
			req.Header.Set("x-api-key", apiKey)
		}),
		publicBaseURL: publicBaseURL,
		options:       cfg.Options,
	}
}

func (a *Adapter) Vendor() string     { return Vendor }
func (a *Adapter) Stage() model.Stage { return model.StageCaptioning }

type projectRequest struct {
	Title        string `json:"title"`
	Language     string `json:"language"`
	VideoURL     string `json:"videoUrl"`
	TemplateName string `json:"templateName,omitempty"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
}

// project is both the callback body and the GET /v1/projects/{id} response.
// Submagic has used several field names for the id and the output URL.
type project struct {
	ProjectID   string `json:"projectId"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	DirectURL   string `json:"directUrl"`
	MediaURL    string `json:"media_url"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func (p project) id() string {
	if p.ProjectID != "" {
		return p.ProjectID
	}
	return p.ID
}

func (p project) outputURL() string {
	for _, u := range []string{p.DownloadURL, p.DirectURL, p.MediaURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

func (a *Adapter) Submit(ctx context.Context, wf *model.Workflow) (string, error) {
	videoURL := adapter.ArtifactURL(wf, "video_url")
	if videoURL == "" {
		return "", a.permanent("submit", "payload has no video_url from rendering")
	}

	title := wf.Payload.String("title")
	if title == "" {
		title = wf.Brand + " " + wf.ID
	}
	// Submagic limits titles to 50 characters.
	if r := []rune(title); len(r) > 50 {
		title = string(r[:50])
	}

	req := projectRequest{
		Title:        title,
		Language:     first(wf.Payload.String("language"), a.options["language"], defaultLanguage),
		VideoURL:     videoURL,
		TemplateName: first(wf.Payload.String("caption_template"), a.options["template"], defaultTemplate),
		WebhookURL:   adapter.CallbackURL(a.publicBaseURL, Vendor, wf.Brand, wf.ID),
	}

	var resp project
	if err := a.client.Do(ctx, "submit", http.MethodPost, "/v1/projects", req, &resp); err != nil {
		return "", err
	}
	if resp.id() == "" {
		return "", &adapter.AdapterError{Vendor: Vendor, Op: "submit", Err: errors.New("response has no project id")}
	}
	return resp.id(), nil
}

func (a *Adapter) ParseCallback(body []byte) (model.StageEvent, error) {
	var p project
	if err := json.Unmarshal(body, &p); err != nil {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "invalid json: %v", err)
	}
	if p.id() == "" {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "missing projectId")
	}
	if p.Status == "" {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "missing status")
	}

	ev := a.normalize(p)
	ev.Source = model.SourceWebhook
	ev.EventID = p.id() + ":" + strings.ToLower(p.Status)
	return ev, nil
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (model.StageEvent, error) {
	var p project
	path := "/v1/projects/" + url.PathEscape(jobID)
	if err := a.client.Do(ctx, "poll", http.MethodGet, path, nil, &p); err != nil {
		return model.StageEvent{}, err
	}
	if p.id() == "" {
		p.ID = jobID
	}

	ev := a.normalize(p)
	ev.Source = model.SourcePoll
	ev.VendorJobID = jobID

	// A finished project without an output URL still needs an export.
	if isDone(p.Status) && p.outputURL() == "" {
		if err := a.client.Do(ctx, "export", http.MethodPost, path+"/export", struct{}{}, nil); err != nil {
			return model.StageEvent{}, err
		}
	}
	return ev, nil
}

func (a *Adapter) normalize(p project) model.StageEvent {
	ev := model.StageEvent{
		Stage:       model.StageCaptioning,
		VendorJobID: p.id(),
		Outcome:     model.OutcomeProcessing,
	}

	status := strings.ToLower(p.Status)
	switch {
	case isDone(status):
		if u := p.outputURL(); u != "" {
			ev.Outcome = model.OutcomeCompleted
			ev.Artifact = map[string]interface{}{"captioned_url": u}
		}
	case status == "failed" || status == "error":
		ev.Outcome = model.OutcomeFailed
		ev.Error = first(p.Error, p.Message, "submagic reported project "+status)
		ev.Permanent = adapter.IsRejection(ev.Error)
	}
	return ev
}

func isDone(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "done", "ready":
		return true
	}
	return false
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *Adapter) permanent(op, msg string) error {
	return &adapter.AdapterError{Vendor: Vendor, Op: op, Permanent: true, Err: errors.New(msg)}
}
