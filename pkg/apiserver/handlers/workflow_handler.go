package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type JournalReader interface {
	ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error)
}

type WorkflowHandler struct {
	engine  *engine.Engine
	journal JournalReader
	logger  *zap.Logger
}

func NewWorkflowHandler(eng *engine.Engine, journal JournalReader, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{engine: eng, journal: journal, logger: logger}
}

type workflowCreateRequest struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload" binding:"required"`
	// Start defaults to true.
	Start *bool `json:"start"`
}

type workflowResponse struct {
	ID              string            `json:"id"`
	Brand           string            `json:"brand"`
	Stage           model.Stage       `json:"stage"`
	Attempt         int               `json:"attempt"`
	RetryCount      int               `json:"retry_count"`
	FailedStage     model.Stage       `json:"failed_stage,omitempty"`
	RetriesDisabled bool              `json:"retries_disabled,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	ExternalRefs    map[string]string `json:"external_refs"`
	CreatedAt       *string           `json:"created_at"`
	StageEnteredAt  *string           `json:"stage_entered_at"`
	UpdatedAt       *string           `json:"updated_at"`
}

type workflowDetailResponse struct {
	workflowResponse
	Payload        model.JSONB     `json:"payload"`
	Artifacts      model.Artifacts `json:"artifacts"`
	SupersededRefs []string        `json:"superseded_refs,omitempty"`
	TerminalResult model.JSONB     `json:"terminal_result,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	var req workflowCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	wf, err := h.engine.Create(ctx, engine.NewWorkflowInput{
		ID:      req.ID,
		Brand:   c.Param("brand"),
		Payload: req.Payload,
	})
	if err != nil {
		writeError(c, err, "failed to create workflow")
		return
	}

	if req.Start != nil && !*req.Start {
		c.JSON(http.StatusCreated, mapWorkflowDetail(wf))
		return
	}

	res, err := h.engine.Start(ctx, wf.Brand, wf.ID)
	var submitErr *engine.SubmitError
	if errors.As(err, &submitErr) {
		// the stall detector starts it once the vendor recovers
		h.logger.Warn("workflow created but first submit failed",
			zap.String("brand", wf.Brand), zap.String("workflow_id", wf.ID), zap.Error(err))
		c.JSON(http.StatusAccepted, gin.H{
			"workflow": mapWorkflowDetail(wf),
			"warning":  err.Error(),
		})
		return
	}
	if err != nil {
		writeError(c, err, "failed to start workflow")
		return
	}

	c.JSON(http.StatusCreated, mapWorkflowDetail(res.Workflow))
}

func (h *WorkflowHandler) List(c *gin.Context) {
	filter := store.WorkflowFilter{
		Brand:  strings.ToLower(c.Param("brand")),
		Limit:  parseLimit(c.Query("limit"), 20),
		Offset: parseOffset(c.Query("offset")),
	}
	if stageValue := strings.TrimSpace(c.Query("stage")); stageValue != "" {
		stage := model.Stage(stageValue)
		if !stage.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stage"})
			return
		}
		filter.Stage = &stage
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	workflows, total, err := h.engine.Store().List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err, "failed to list workflows")
		return
	}

	items := make([]workflowResponse, 0, len(workflows))
	for i := range workflows {
		items = append(items, mapWorkflow(&workflows[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	wf, err := h.engine.Store().Get(c.Request.Context(), strings.ToLower(c.Param("brand")), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to load workflow")
		return
	}
	c.JSON(http.StatusOK, mapWorkflowDetail(wf))
}

func (h *WorkflowHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
	}

	res, err := h.engine.Cancel(c.Request.Context(), strings.ToLower(c.Param("brand")), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err, "failed to cancel workflow")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disposition": res.Disposition,
		"workflow":    mapWorkflowDetail(res.Workflow),
	})
}

// Retry re-enters a failed workflow now, ignoring the scheduler's ceiling.
func (h *WorkflowHandler) Retry(c *gin.Context) {
	res, err := h.engine.Reenter(c.Request.Context(), strings.ToLower(c.Param("brand")), c.Param("id"), engine.ReenterOptions{
		Source: model.SourceAdmin,
		Force:  true,
	})
	if err != nil {
		writeError(c, err, "failed to retry workflow")
		return
	}
	c.JSON(http.StatusOK, mapWorkflowDetail(res.Workflow))
}

func (h *WorkflowHandler) Journal(c *gin.Context) {
	brand := strings.ToLower(c.Param("brand"))
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.engine.Store().Get(ctx, brand, id); err != nil {
		writeError(c, err, "failed to load workflow")
		return
	}
	records, err := h.journal.ListByWorkflow(ctx, brand, id, parseLimit(c.Query("limit"), 100))
	if err != nil {
		writeError(c, err, "failed to load journal")
		return
	}
	if records == nil {
		records = []model.TransitionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}

func mapWorkflow(wf *model.Workflow) workflowResponse {
	refs := map[string]string(wf.ExternalRefs)
	if refs == nil {
		refs = map[string]string{}
	}
	return workflowResponse{
		ID:              wf.ID,
		Brand:           wf.Brand,
		Stage:           wf.Stage,
		Attempt:         wf.Attempt,
		RetryCount:      wf.RetryCount,
		FailedStage:     wf.FailedStage,
		RetriesDisabled: wf.RetriesDisabled,
		LastError:       wf.LastError,
		ExternalRefs:    refs,
		CreatedAt:       formatTime(&wf.CreatedAt),
		StageEnteredAt:  formatTime(&wf.StageEnteredAt),
		UpdatedAt:       formatTime(&wf.UpdatedAt),
	}
}

func mapWorkflowDetail(wf *model.Workflow) workflowDetailResponse {
	return workflowDetailResponse{
		workflowResponse: mapWorkflow(wf),
		Payload:          wf.Payload,
		Artifacts:        wf.Artifacts,
		SupersededRefs:   wf.SupersededRefs,
		TerminalResult:   wf.TerminalResult,
	}
}
