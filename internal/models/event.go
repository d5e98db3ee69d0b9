package models

import (
	"encoding/json"
	"time"
)

// EventType identifies an ingest event variant.
type EventType string

const (
	EventJoin      EventType = "join"
	EventLeave     EventType = "leave"
	EventChat      EventType = "chat"
	EventHeartbeat EventType = "heartbeat"
	EventTechnical EventType = "technical"
	EventReaction  EventType = "reaction"
)

// Valid reports whether t is a known event variant.
func (t EventType) Valid() bool {
	switch t {
	case EventJoin, EventLeave, EventChat, EventHeartbeat, EventTechnical, EventReaction:
		return true
	}
	return false
}

// RawEvent is the wire envelope accepted by the ingest endpoint before the payload is typed.
type RawEvent struct {
	StreamID  string          `json:"stream_id" validate:"required,max=128"`
	Type      EventType       `json:"type" validate:"required,oneof=join leave chat heartbeat technical reaction"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EventID   string          `json:"event_id,omitempty" validate:"omitempty,max=128"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event is a validated ingest event. Exactly one payload pointer matching Type is set.
type Event struct {
	StreamID  string
	Type      EventType
	EventID   string
	Timestamp time.Time

	Join      *ViewerPayload
	Leave     *ViewerPayload
	Chat      *ChatPayload
	Heartbeat *HeartbeatPayload
	Technical *TechnicalPayload
	Reaction  *ReactionPayload
}

// ViewerPayload is carried by join and leave events.
type ViewerPayload struct {
	ViewerID string `json:"viewer_id,omitempty" validate:"omitempty,max=128"`
	Country  string `json:"country,omitempty" validate:"omitempty,max=8"`
	Device   string `json:"device,omitempty" validate:"omitempty,max=32"`
}

// ChatPayload is carried by chat events. Message bodies are not retained.
type ChatPayload struct {
	ViewerID string `json:"viewer_id,omitempty" validate:"omitempty,max=128"`
}

// HeartbeatPayload refreshes a viewer's liveness.
type HeartbeatPayload struct {
	ViewerID string `json:"viewer_id" validate:"required,max=128"`
}

// TechnicalPayload carries encoder/delivery health samples. Nil fields are left unchanged.
type TechnicalPayload struct {
	BitrateKbps     *float64 `json:"bitrate_kbps,omitempty" validate:"omitempty,gte=0"`
	LatencyMs       *float64 `json:"latency_ms,omitempty" validate:"omitempty,gte=0"`
	ErrorRate       *float64 `json:"error_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
	BufferingEvents int64    `json:"buffering_events,omitempty" validate:"gte=0"`
}

// ReactionPayload is carried by reaction (like) events.
type ReactionPayload struct {
	ViewerID string `json:"viewer_id,omitempty" validate:"omitempty,max=128"`
	Kind     string `json:"kind,omitempty" validate:"omitempty,max=32"`
}
