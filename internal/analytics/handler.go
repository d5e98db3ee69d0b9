package analytics

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/internal/realtime"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

const maxIDLen = 128

// Source is the read side of the aggregation store.
type Source interface {
	Snapshot(streamID string) (models.Snapshot, bool)
	Active() []models.StreamStatus
}

// Handler serves poll-mode snapshot queries.
type Handler struct {
	source Source
	subs   *realtime.Subscriptions
	logger *zap.Logger
}

// NewHandler creates an analytics handler. subs may be nil when poll sessions are not tracked.
func NewHandler(source Source, subs *realtime.Subscriptions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{source: source, subs: subs, logger: logger}
}

// GetStreamMetrics handles GET /stream-metrics/:streamId. A stream with no activity yields
// an empty snapshot. An optional session_id query parameter registers a poll session.
func (h *Handler) GetStreamMetrics(c *gin.Context) {
	streamID := c.Param("streamId")
	if streamID == "" || len(streamID) > maxIDLen {
		response.BadRequest(c, "invalid stream id")
		return
	}
	snap, ok := h.source.Snapshot(streamID)
	if !ok {
		snap = models.EmptySnapshot(streamID)
	}
	if sessionID := c.Query("session_id"); sessionID != "" && len(sessionID) <= maxIDLen && h.subs != nil {
		if h.subs.Touch(sessionID, streamID, models.ChannelPoll) {
			h.logger.Debug("poll session registered", zap.String("session_id", sessionID), zap.String("stream_id", streamID))
		}
	}
	metrics.PollRequests.Inc()
	response.OK(c, models.NewUpdate(snap))
}

// ListActive handles GET /streams/active.
func (h *Handler) ListActive(c *gin.Context) {
	response.OK(c, h.source.Active())
}

// DeleteSession handles DELETE /stream-metrics/:streamId/sessions/:sessionId.
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if h.subs == nil {
		response.NotFound(c, "session not found")
		return
	}
	sub, ok := h.subs.Get(sessionID)
	if !ok || sub.StreamID != c.Param("streamId") || sub.Channel != models.ChannelPoll {
		response.NotFound(c, "session not found")
		return
	}
	h.subs.Remove(sessionID)
	response.NoContent(c)
}
