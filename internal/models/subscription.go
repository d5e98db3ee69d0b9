package models

import "time"

// Channel is the delivery mode of a subscription.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
)

// Subscription tracks one dashboard session's interest in one stream.
type Subscription struct {
	SessionID       string    `json:"session_id"`
	StreamID        string    `json:"stream_id"`
	Channel         Channel   `json:"channel"`
	LastDeliveredAt time.Time `json:"last_delivered_at"`
}
