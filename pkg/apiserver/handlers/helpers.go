package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/deadletter"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/store"
	"github.com/reelflow/reelflow/pkg/webhook"
)

const timeRFC3339Nano = time.RFC3339Nano

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil || value.IsZero() {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

func statusFor(err error) int {
	var submitErr *engine.SubmitError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, engine.ErrUnknownBrand),
		errors.Is(err, webhook.ErrUnknownVendor):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, engine.ErrNotStartable),
		errors.Is(err, engine.ErrNotRetryable),
		errors.Is(err, engine.ErrNotCancelable),
		errors.Is(err, deadletter.ErrNotReplayable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidEvent),
		adapter.IsUnparseable(err):
		return http.StatusBadRequest
	case errors.As(err, &submitErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status that matches err. Server errors hide
// the cause from the caller.
func writeError(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": message, "details": err.Error()})
}
