package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// ErrMalformedEvent is returned for input that does not match a known event variant.
var ErrMalformedEvent = errors.New("malformed event")

var validate = validator.New()

// Decode parses and validates a JSON ingest envelope into a typed event.
func Decode(raw []byte) (models.Event, error) {
	var env models.RawEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return FromRaw(env)
}

// FromRaw validates an already-parsed envelope and decodes its payload for the event type.
func FromRaw(env models.RawEvent) (models.Event, error) {
	if err := validate.Struct(env); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := models.Event{
		StreamID:  env.StreamID,
		Type:      env.Type,
		EventID:   env.EventID,
		Timestamp: env.Timestamp,
	}
	var err error
	switch env.Type {
	case models.EventJoin:
		ev.Join, err = decodePayload[models.ViewerPayload](env.Payload)
	case models.EventLeave:
		ev.Leave, err = decodePayload[models.ViewerPayload](env.Payload)
	case models.EventChat:
		ev.Chat, err = decodePayload[models.ChatPayload](env.Payload)
	case models.EventHeartbeat:
		ev.Heartbeat, err = decodePayload[models.HeartbeatPayload](env.Payload)
	case models.EventTechnical:
		ev.Technical, err = decodePayload[models.TechnicalPayload](env.Payload)
	case models.EventReaction:
		ev.Reaction, err = decodePayload[models.ReactionPayload](env.Payload)
	default:
		err = fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return ev, nil
}

// decodePayload treats an absent payload as the zero value; the zero value still has to
// pass validation (a heartbeat without a viewer id does not).
func decodePayload[T any](raw json.RawMessage) (*T, error) {
	p := new(T)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, err
		}
	}
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	return p, nil
}
