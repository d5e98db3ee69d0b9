package summaries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// Record is one persisted stream summary.
type Record struct {
	StreamID     string          `json:"stream_id"`
	EvictedAt    time.Time       `json:"evicted_at"`
	Reason       string          `json:"reason"`
	PeakViewers  int             `json:"peak_viewers"`
	FinalViewers int             `json:"final_viewers"`
	TotalViews   int64           `json:"total_views"`
	ChatMessages int64           `json:"chat_messages"`
	Reactions    int64           `json:"reactions"`
	LastUpdated  *time.Time      `json:"last_updated,omitempty"`
	Snapshot     models.Snapshot `json:"snapshot"`
	ArchiveKey   *string         `json:"archive_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Repository handles stream_metric_summaries persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a summaries repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert stores a summary. Re-delivered jobs overwrite the same (stream_id, evicted_at) row.
func (r *Repository) Upsert(ctx context.Context, s models.StreamSummary) error {
	snap, err := json.Marshal(s.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var lastUpdated *time.Time
	if !s.Snapshot.LastUpdated.IsZero() {
		lu := s.Snapshot.LastUpdated
		lastUpdated = &lu
	}
	const q = `INSERT INTO stream_metric_summaries
		(stream_id, evicted_at, reason, peak_viewers, final_viewers, total_views, chat_messages, reactions, last_updated, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stream_id, evicted_at) DO UPDATE SET
			reason = EXCLUDED.reason,
			peak_viewers = EXCLUDED.peak_viewers,
			final_viewers = EXCLUDED.final_viewers,
			total_views = EXCLUDED.total_views,
			chat_messages = EXCLUDED.chat_messages,
			reactions = EXCLUDED.reactions,
			last_updated = EXCLUDED.last_updated,
			snapshot = EXCLUDED.snapshot,
			updated_at = NOW()`
	_, err = r.pool.Exec(ctx, q,
		s.Snapshot.StreamID, s.EvictedAt, string(s.Reason),
		s.Snapshot.PeakViewers, s.Snapshot.CurrentViewers,
		s.Snapshot.TotalViews, s.Snapshot.ChatMessageCount, s.Snapshot.Reactions,
		lastUpdated, snap,
	)
	return err
}

// SetArchiveKey records where the summary snapshot was archived.
func (r *Repository) SetArchiveKey(ctx context.Context, streamID string, evictedAt time.Time, key string) error {
	const q = `UPDATE stream_metric_summaries SET archive_key = $1, updated_at = NOW() WHERE stream_id = $2 AND evicted_at = $3`
	_, err := r.pool.Exec(ctx, q, key, streamID, evictedAt)
	return err
}

// ListByStream returns the most recent summaries of a stream, newest first.
func (r *Repository) ListByStream(ctx context.Context, streamID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const q = `SELECT stream_id, evicted_at, reason, peak_viewers, final_viewers, total_views, chat_messages, reactions, last_updated, snapshot, archive_key, created_at
		FROM stream_metric_summaries WHERE stream_id = $1 ORDER BY evicted_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Record
	for rows.Next() {
		var (
			rec  Record
			snap []byte
		)
		if err := rows.Scan(&rec.StreamID, &rec.EvictedAt, &rec.Reason, &rec.PeakViewers, &rec.FinalViewers,
			&rec.TotalViews, &rec.ChatMessages, &rec.Reactions, &rec.LastUpdated, &snap, &rec.ArchiveKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snap, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
