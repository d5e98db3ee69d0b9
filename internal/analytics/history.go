package analytics

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/summaries"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

// SummaryLister reads persisted stream summaries.
type SummaryLister interface {
	ListByStream(ctx context.Context, streamID string, limit int) ([]summaries.Record, error)
}

// HistoryHandler serves the summaries written when streams were evicted.
type HistoryHandler struct {
	repo   SummaryLister
	logger *zap.Logger
}

// NewHistoryHandler creates a history handler. repo may be nil when no database is
// configured; requests then get 503.
func NewHistoryHandler(repo SummaryLister, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{repo: repo, logger: logger}
}

// ListSummaries handles GET /streams/:streamId/summaries?limit=N.
func (h *HistoryHandler) ListSummaries(c *gin.Context) {
	if h.repo == nil {
		response.ServiceUnavailable(c, "summary history not configured")
		return
	}
	streamID := c.Param("streamId")
	if streamID == "" || len(streamID) > maxIDLen {
		response.BadRequest(c, "invalid stream id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.repo.ListByStream(c.Request.Context(), streamID, limit)
	if err != nil {
		h.logger.Error("list summaries", zap.String("stream_id", streamID), zap.Error(err))
		response.Internal(c, "failed to list summaries")
		return
	}
	if list == nil {
		list = []summaries.Record{}
	}
	response.OK(c, list)
}
