package handlers

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelflow/reelflow/pkg/eventbus"
)

const (
	keepAliveInterval = 25 * time.Second
	// each event or ping must reach the client within this window; the
	// server-wide write timeout does not apply to a stream.
	streamWriteWindow = 2 * keepAliveInterval
)

type StreamHandler struct {
	broker eventbus.Broker
}

func NewStreamHandler(broker eventbus.Broker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// Stream sends a brand's stage changes as server-sent events until the
// client goes away.
func (h *StreamHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	events := h.broker.Subscribe(ctx, strings.ToLower(c.Param("brand")))

	extendWriteDeadline(ctx, streamWriteWindow)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			extendWriteDeadline(ctx, streamWriteWindow)
			c.SSEvent(event.Type, event.Data)
			return true
		case <-ticker.C:
			extendWriteDeadline(ctx, streamWriteWindow)
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
