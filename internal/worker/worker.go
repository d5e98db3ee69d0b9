package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/pkg/queue"
)

// JobSource is the queue the processor drains.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// SummaryStore persists stream summaries.
type SummaryStore interface {
	Upsert(ctx context.Context, s models.StreamSummary) error
	SetArchiveKey(ctx context.Context, streamID string, evictedAt time.Time, key string) error
}

// Archiver uploads a summary snapshot and returns its object key.
type Archiver interface {
	ArchiveSummary(ctx context.Context, s models.StreamSummary) (string, error)
}

// SummaryProcessor persists the final metrics of evicted streams: a row in Postgres and,
// when an archiver is configured, the snapshot JSON in S3.
type SummaryProcessor struct {
	store    SummaryStore
	archiver Archiver
	queue    JobSource
	backoff  time.Duration
	logger   *zap.Logger
}

// NewSummaryProcessor creates a summary processor. archiver may be nil.
func NewSummaryProcessor(store SummaryStore, archiver Archiver, q JobSource, logger *zap.Logger) *SummaryProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryProcessor{store: store, archiver: archiver, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one stream summary job.
func (p *SummaryProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeStreamSummary {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var summary models.StreamSummary
	if err := json.Unmarshal(job.Payload, &summary); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	streamID := summary.Snapshot.StreamID
	if streamID == "" {
		return fmt.Errorf("summary without stream id")
	}

	if err := p.store.Upsert(ctx, summary); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	if p.archiver != nil {
		key, err := p.archiver.ArchiveSummary(ctx, summary)
		if err != nil {
			return fmt.Errorf("archive summary: %w", err)
		}
		if err := p.store.SetArchiveKey(ctx, streamID, summary.EvictedAt, key); err != nil {
			p.logger.Error("record archive key failed", zap.Error(err), zap.String("stream_id", streamID))
			return fmt.Errorf("update db: %w", err)
		}
	}

	p.logger.Info("stream summary stored",
		zap.String("stream_id", streamID),
		zap.String("reason", string(summary.Reason)),
		zap.Int("peak_viewers", summary.Snapshot.PeakViewers),
		zap.Int64("total_views", summary.Snapshot.TotalViews),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SummaryProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("summary worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *SummaryProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
