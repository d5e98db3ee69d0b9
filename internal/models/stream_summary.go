package models

import "time"

// EvictReason explains why an accumulator was released.
type EvictReason string

const (
	EvictEnded EvictReason = "ended"
	EvictIdle  EvictReason = "idle"
)

// StreamSummary is the final state of an evicted stream, persisted by the worker.
type StreamSummary struct {
	Snapshot  Snapshot    `json:"snapshot"`
	Reason    EvictReason `json:"reason"`
	EvictedAt time.Time   `json:"evicted_at"`
}
