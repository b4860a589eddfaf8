// Package realtime fans pipeline events out to subscribers through per-user
// bounded queues. Publishing never blocks: a full queue drops its oldest
// event. Events can be relayed across processes over Redis or NATS.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline and host.
const (
	EventHeartbeat = "heartbeat"
	EventEmotion   = "emotion"
	EventIntent    = "intent"
	EventReply     = "reply"
	EventStatus    = "status"
	EventError     = "error"
)

// Event is one realtime notification.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(typ, userID string, payload any) Event {
	e := Event{ID: uuid.NewString(), Type: typ, UserID: userID, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		e.Payload = data
	}
	return e
}

// Marshal serializes the event for SSE or a relay.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
