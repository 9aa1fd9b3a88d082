package webhook

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/store"
)

const defaultMaxBodyBytes = 5 << 20

type Handler struct {
	ingestor     *Ingestor
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewHandler(ingestor *Ingestor, maxBodyBytes int64, logger *zap.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{ingestor: ingestor, maxBodyBytes: maxBodyBytes, logger: logger}
}

// Register mounts POST /webhooks/:vendor/:brand.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/:vendor/:brand", h.Receive)
}

func (h *Handler) Receive(c *gin.Context) {
	vendor := c.Param("vendor")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respond(c, vendor, http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		h.respond(c, vendor, http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	receipt, err := h.ingestor.Ingest(c.Request.Context(), Delivery{
		Vendor:       vendor,
		Brand:        c.Param("brand"),
		WorkflowHint: c.Query("workflow_id"),
		Body:         body,
		Method:       c.Request.Method,
		URL:          c.Request.URL.String(),
		Header:       c.Request.Header,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("webhook not applied", zap.String("vendor", vendor), zap.Error(err))
		}
		h.respond(c, vendor, status, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, vendor, http.StatusOK, receipt)
}

func (h *Handler) respond(c *gin.Context, vendor string, status int, body interface{}) {
	metrics.WebhookRequests.WithLabelValues(vendor, strconv.Itoa(status)).Inc()
	c.JSON(status, body)
}

// statusFor picks the response code. Anything other than 2xx asks the
// vendor to deliver again.
func statusFor(err error) int {
	var submitErr *engine.SubmitError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownVendor),
		errors.Is(err, engine.ErrUnknownBrand),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case adapter.IsUnparseable(err), errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &submitErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
