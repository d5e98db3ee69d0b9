package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

// MaxBodyBytes bounds a single ingest request (one event or a batch).
const MaxBodyBytes = 1 << 20

// Handler serves the ingest HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an ingest handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// PostEvent handles POST /metrics-event. The body is one event object or an array of them.
// The response is always 202: malformed events are dropped and logged, never surfaced.
func (h *Handler) PostEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		h.logger.Warn("read metrics event body", zap.Error(err))
		response.Accepted(c, gin.H{"accepted": 0})
		return
	}
	ctx := c.Request.Context()

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			h.logger.Warn("dropping malformed metrics batch", zap.Error(err))
			response.Accepted(c, gin.H{"accepted": 0})
			return
		}
		accepted := 0
		for _, raw := range batch {
			if h.svc.IngestRaw(ctx, raw) == nil {
				accepted++
			}
		}
		response.Accepted(c, gin.H{"accepted": accepted})
		return
	}

	accepted := 0
	if h.svc.IngestRaw(ctx, trimmed) == nil {
		accepted = 1
	}
	response.Accepted(c, gin.H{"accepted": accepted})
}

// EndStream handles POST /streams/:streamId/end, the explicit stream-ended signal.
func (h *Handler) EndStream(c *gin.Context) {
	streamID := c.Param("streamId")
	if streamID == "" || len(streamID) > 128 {
		response.BadRequest(c, "invalid stream id")
		return
	}
	h.svc.EndStream(c.Request.Context(), streamID)
	response.Accepted(c, gin.H{"stream_id": streamID})
}
