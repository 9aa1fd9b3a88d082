package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/apiserver/middleware"
	"github.com/reelflow/reelflow/pkg/deadletter"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type DeadLetterHandler struct {
	service *deadletter.Service
	logger  *zap.Logger
}

func NewDeadLetterHandler(service *deadletter.Service, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{service: service, logger: logger}
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *DeadLetterHandler) List(c *gin.Context) {
	filter := store.DeadLetterFilter{
		Brand: strings.ToLower(strings.TrimSpace(c.Query("brand"))),
		Kind:  model.DeadLetterKind(strings.TrimSpace(c.Query("kind"))),
		Limit: parseLimit(c.Query("limit"), 100),
	}
	if value := c.Query("resolved"); value != "" {
		resolved, err := strconv.ParseBool(value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolved flag"})
			return
		}
		filter.Resolved = &resolved
	}
	if !h.brandAllowed(c, filter.Brand) {
		return
	}

	entries, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err, "failed to list dead letters")
		return
	}

	claims := middleware.Claims(c)
	items := make([]model.DeadLetter, 0, len(entries))
	for _, entry := range entries {
		if claims != nil && !claims.AllowsBrand(entry.Brand) {
			continue
		}
		items = append(items, entry)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *DeadLetterHandler) Get(c *gin.Context) {
	entry, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *DeadLetterHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
	}
	entry, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.service.Resolve(c.Request.Context(), entry.ID, req.Notes); err != nil {
		writeError(c, err, "failed to resolve dead letter")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": entry.ID, "resolved": true})
}

func (h *DeadLetterHandler) Replay(c *gin.Context) {
	entry, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.service.Replay(c.Request.Context(), entry.ID); err != nil {
		h.logger.Warn("dead letter replay failed", zap.String("id", entry.ID), zap.Error(err))
		writeError(c, err, "failed to replay dead letter")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": entry.ID, "replayed": true})
}

func (h *DeadLetterHandler) load(c *gin.Context) (*model.DeadLetter, bool) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to load dead letter")
		return nil, false
	}
	if !h.brandAllowed(c, entry.Brand) {
		return nil, false
	}
	return entry, true
}

func (h *DeadLetterHandler) brandAllowed(c *gin.Context, brand string) bool {
	if brand == "" {
		return true
	}
	if claims := middleware.Claims(c); claims != nil && !claims.AllowsBrand(brand) {
		c.JSON(http.StatusForbidden, gin.H{"error": "brand not permitted"})
		return false
	}
	return true
}
