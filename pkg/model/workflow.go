package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type Stage string

const (
	StageCreated    Stage = "created"
	StageRendering  Stage = "rendering"
	StageCaptioning Stage = "captioning"
	StagePublishing Stage = "publishing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further forward progress is possible from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

func (s Stage) Valid() bool {
	switch s {
	case StageCreated, StageRendering, StageCaptioning, StagePublishing, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// Workflow is one unit of content moving through the production pipeline.
// Records are partitioned by Brand; the pair (Brand, ID) is the primary key.
type Workflow struct {
	ID    string `gorm:"type:varchar(64);primaryKey"`
	Brand string `gorm:"type:varchar(64);primaryKey;index:idx_workflows_stage_entered,priority:2"`
	Stage Stage  `gorm:"type:varchar(32);not null;default:'created';index:idx_workflows_stage_entered,priority:1"`

	// ExternalRefs maps a stage to the vendor job id of its current attempt.
	ExternalRefs   StringMap      `gorm:"type:jsonb;not null;default:'{}'"`
	SupersededRefs pq.StringArray `gorm:"type:text[]"`

	Attempt         int   `gorm:"not null;default:0"`
	RetryCount      int   `gorm:"not null;default:0;index"`
	FailedStage     Stage `gorm:"type:varchar(32)"`
	RetriesDisabled bool  `gorm:"not null;default:false"`
	Version         int64 `gorm:"not null;default:0"`
	LastError       string

	Payload        JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Artifacts      Artifacts `gorm:"type:jsonb;not null;default:'{}'"`
	TerminalResult JSONB     `gorm:"type:jsonb"`

	CreatedAt      time.Time
	StageEnteredAt time.Time `gorm:"not null;index:idx_workflows_stage_entered,priority:3"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;not null;index"`
}

func (Workflow) TableName() string {
	return "workflows"
}

// Ref returns the vendor job id recorded for stage, or "".
func (w *Workflow) Ref(stage Stage) string {
	if w.ExternalRefs == nil {
		return ""
	}
	return w.ExternalRefs[string(stage)]
}

// SetRef records jobID as the outstanding job for stage. A previous id for
// the same stage is moved to SupersededRefs and never reused.
func (w *Workflow) SetRef(stage Stage, jobID string) {
	if w.ExternalRefs == nil {
		w.ExternalRefs = StringMap{}
	}
	w.SupersedeRef(stage)
	w.ExternalRefs[string(stage)] = jobID
}

// SupersedeRef retires the outstanding job id for stage, if any.
func (w *Workflow) SupersedeRef(stage Stage) {
	if prev := w.Ref(stage); prev != "" {
		w.SupersededRefs = append(w.SupersededRefs, string(stage)+":"+prev)
		delete(w.ExternalRefs, string(stage))
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.ExternalRefs = w.ExternalRefs.clone()
	if w.SupersededRefs != nil {
		out.SupersededRefs = append(pq.StringArray(nil), w.SupersededRefs...)
	}
	out.Payload = w.Payload.Clone()
	out.Artifacts = w.Artifacts.Clone()
	out.TerminalResult = w.TerminalResult.Clone()
	return &out
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	return scanJSON(value, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}

func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge copies every key of src into j, overwriting existing keys.
func (j JSONB) Merge(src map[string]interface{}) {
	for k, v := range src {
		j[k] = cloneValue(v)
	}
}

func (j JSONB) String(key string) string {
	if v, ok := j[key].(string); ok {
		return v
	}
	return ""
}

type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value interface{}) error {
	return scanJSON(value, m)
}

func (m StringMap) GormDataType() string {
	return "jsonb"
}

func (m StringMap) clone() StringMap {
	if m == nil {
		return nil
	}
	out := make(StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Artifacts holds the output of each completed stage, keyed by stage name.
type Artifacts map[string]JSONB

func (a Artifacts) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

func (a *Artifacts) Scan(value interface{}) error {
	return scanJSON(value, a)
}

func (a Artifacts) GormDataType() string {
	return "jsonb"
}

func (a Artifacts) Has(stage Stage) bool {
	_, ok := a[string(stage)]
	return ok
}

func (a Artifacts) Clone() Artifacts {
	if a == nil {
		return nil
	}
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v.Clone()
	}
	return out
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan json column: %v", value)
	}
	return json.Unmarshal(data, dest)
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(JSONB(t).Clone())
	case JSONB:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
