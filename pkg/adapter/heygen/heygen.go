// Package heygen renders avatar videos for the rendering stage.
package heygen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/model"
)

const (
	Vendor = "heygen"

	eventSuccess = "avatar_video.success"
	eventFail    = "avatar_video.fail"

	defaultWidth  = 1080
	defaultHeight = 1920
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
func (a *Adapter) Stage() model.Stage { return model.StageRendering }

type character struct {
	Type              string  `json:"type"`
	TalkingPhotoID    string  `json:"talking_photo_id,omitempty"`
	AvatarID          string  `json:"avatar_id,omitempty"`
	Scale             float64 `json:"scale,omitempty"`
	TalkingPhotoStyle string  `json:"talking_photo_style,omitempty"`
}

type voice struct {
	Type      string  `json:"type"`
	InputText string  `json:"input_text"`
	VoiceID   string  `json:"voice_id"`
	Speed     float64 `json:"speed,omitempty"`
}

type videoInput struct {
	Character character `json:"character"`
	Voice     voice     `json:"voice"`
}

type dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type generateRequest struct {
	VideoInputs []videoInput `json:"video_inputs"`
	Caption     bool         `json:"caption"`
	Dimension   dimension    `json:"dimension"`
	Test        bool         `json:"test"`
	CallbackID  string       `json:"callback_id"`
	CallbackURL string       `json:"callback_url,omitempty"`
}

type generateResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

func (a *Adapter) Submit(ctx context.Context, wf *model.Workflow) (string, error) {
	script := strings.TrimSpace(wf.Payload.String("script"))
	if script == "" {
		return "", a.permanent("submit", "payload has no script")
	}

	char := character{Type: "talking_photo", Scale: 1.0, TalkingPhotoStyle: "square"}
	if id := a.pick(wf, "avatar_id"); id != "" {
		char = character{Type: "avatar", AvatarID: id}
	} else {
		char.TalkingPhotoID = a.pick(wf, "talking_photo_id")
	}
	if char.AvatarID == "" && char.TalkingPhotoID == "" {
		return "", a.permanent("submit", "no avatar_id or talking_photo_id for brand "+wf.Brand)
	}

	req := generateRequest{
		VideoInputs: []videoInput{{
			Character: char,
			Voice: voice{
				Type:      "text",
				InputText: script,
				VoiceID:   a.pick(wf, "voice_id"),
				Speed:     1.1,
			},
		}},
		Dimension: dimension{
			Width:  a.intOption(wf, "width", defaultWidth),
			Height: a.intOption(wf, "height", defaultHeight),
		},
		CallbackID:  wf.ID,
		CallbackURL: adapter.CallbackURL(a.publicBaseURL, Vendor, wf.Brand, wf.ID),
	}

	var resp generateResponse
	if err := a.client.Do(ctx, "submit", http.MethodPost, "/v2/video/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Data.VideoID == "" {
		return "", &adapter.AdapterError{Vendor: Vendor, Op: "submit", Err: errors.New("response has no video_id")}
	}
	return resp.Data.VideoID, nil
}

type callback struct {
	EventType string `json:"event_type"`
	EventData struct {
		VideoID    string `json:"video_id"`
		URL        string `json:"url"`
		CallbackID string `json:"callback_id"`
		Msg        string `json:"msg"`
	} `json:"event_data"`
}

func (a *Adapter) ParseCallback(body []byte) (model.StageEvent, error) {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "invalid json: %v", err)
	}
	if cb.EventData.VideoID == "" {
		return model.StageEvent{}, adapter.Unparseable(Vendor, "missing event_data.video_id")
	}

	ev := model.StageEvent{
		Source:      model.SourceWebhook,
		Stage:       model.StageRendering,
		VendorJobID: cb.EventData.VideoID,
		WorkflowID:  cb.EventData.CallbackID,
		EventID:     cb.EventType + ":" + cb.EventData.VideoID,
	}

	switch cb.EventType {
	case eventSuccess:
		if cb.EventData.URL == "" {
			return model.StageEvent{}, adapter.Unparseable(Vendor, "success event without url")
		}
		ev.Outcome = model.OutcomeCompleted
		ev.Artifact = map[string]interface{}{"video_url": cb.EventData.URL}
	case eventFail:
		ev.Outcome = model.OutcomeFailed
		ev.Error = cb.EventData.Msg
		if ev.Error == "" {
			ev.Error = "heygen reported render failure"
		}
		ev.Permanent = adapter.IsRejection(ev.Error)
	default:
		return model.StageEvent{}, adapter.Unparseable(Vendor, "unknown event_type %q", cb.EventType)
	}
	return ev, nil
}

type statusResponse struct {
	Data struct {
		Status   string          `json:"status"`
		VideoURL string          `json:"video_url"`
		Error    json.RawMessage `json:"error"`
	} `json:"data"`
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (model.StageEvent, error) {
	var resp statusResponse
	path := "/v1/video_status.get?video_id=" + url.QueryEscape(jobID)
	if err := a.client.Do(ctx, "poll", http.MethodGet, path, nil, &resp); err != nil {
		return model.StageEvent{}, err
	}

	ev := model.StageEvent{
		Source:      model.SourcePoll,
		Stage:       model.StageRendering,
		VendorJobID: jobID,
		Outcome:     model.OutcomeProcessing,
	}
	switch resp.Data.Status {
	case "completed":
		if resp.Data.VideoURL != "" {
			ev.Outcome = model.OutcomeCompleted
			ev.Artifact = map[string]interface{}{"video_url": resp.Data.VideoURL}
		}
	case "failed":
		ev.Outcome = model.OutcomeFailed
		ev.Error = errorMessage(resp.Data.Error)
		ev.Permanent = adapter.IsRejection(ev.Error)
	}
	return ev, nil
}

// errorMessage accepts both the string and the {"message": ...} forms.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "heygen reported render failure"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}

// pick prefers the workflow payload, then the vendor options.
func (a *Adapter) pick(wf *model.Workflow, key string) string {
	if v := wf.Payload.String(key); v != "" {
		return v
	}
	return a.options[key]
}

func (a *Adapter) intOption(wf *model.Workflow, key string, def int) int {
	switch v := wf.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	if n, err := strconv.Atoi(a.options[key]); err == nil && n > 0 {
		return n
	}
	return def
}

func (a *Adapter) permanent(op, msg string) error {
	return &adapter.AdapterError{Vendor: Vendor, Op: op, Permanent: true, Err: errors.New(msg)}
}
