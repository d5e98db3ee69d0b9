package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aura-webinar/live-metrics/internal/models"
)

func TestDecodeVariants(t *testing.T) {
	assert := assert.New(t)

	// Case 0: join with payload
	ev, err := Decode([]byte(`{"stream_id":"s1","type":"join","event_id":"e1","payload":{"viewer_id":"v1","country":"us","device":"mobile"}}`))
	assert.Nil(err)
	assert.Equal(models.EventJoin, ev.Type)
	assert.Equal("e1", ev.EventID)
	assert.Equal("v1", ev.Join.ViewerID)
	assert.Nil(ev.Leave)

	// Case 1: chat without payload
	ev, err = Decode([]byte(`{"stream_id":"s1","type":"chat"}`))
	assert.Nil(err)
	assert.NotNil(ev.Chat)

	// Case 2: technical with partial fields
	ev, err = Decode([]byte(`{"stream_id":"s1","type":"technical","payload":{"bitrate_kbps":3200,"buffering_events":2}}`))
	assert.Nil(err)
	assert.Equal(3200.0, *ev.Technical.BitrateKbps)
	assert.Nil(ev.Technical.LatencyMs)
	assert.EqualValues(2, ev.Technical.BufferingEvents)

	// Case 3: timestamps are parsed
	ev, err = Decode([]byte(`{"stream_id":"s1","type":"reaction","timestamp":"2026-03-01T18:00:00Z"}`))
	assert.Nil(err)
	assert.Equal(2026, ev.Timestamp.Year())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"stream_id":`,
		"missing stream":    `{"type":"join"}`,
		"unknown type":      `{"stream_id":"s1","type":"teleport"}`,
		"heartbeat no id":   `{"stream_id":"s1","type":"heartbeat"}`,
		"bad payload type":  `{"stream_id":"s1","type":"join","payload":{"viewer_id":42}}`,
		"error rate > 1":    `{"stream_id":"s1","type":"technical","payload":{"error_rate":1.5}}`,
		"negative bitrate":  `{"stream_id":"s1","type":"technical","payload":{"bitrate_kbps":-1}}`,
		"payload not obj":   `{"stream_id":"s1","type":"leave","payload":"gone"}`,
		"negative buffered": `{"stream_id":"s1","type":"technical","payload":{"buffering_events":-3}}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedEvent), name)
	}
}
