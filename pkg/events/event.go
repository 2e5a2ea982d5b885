package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event on the wire and in the dispatcher.
type Kind string

const (
	// Connection lifecycle
	KindConnected                   Kind = "connected"
	KindDisconnected                Kind = "disconnected"
	KindConnectionError             Kind = "connection_error"
	KindReconnected                 Kind = "reconnected"
	KindMaxReconnectAttemptsReached Kind = "max_reconnect_attempts_reached"

	// Room membership
	KindJoinRoom   Kind = "join_room"
	KindLeaveRoom  Kind = "leave_room"
	KindRoomJoined Kind = "room_joined"
	KindRoomLeft   Kind = "room_left"

	// Client requests
	KindUpdateApplicationStatus Kind = "update_application_status"
	KindNewJobPosted            Kind = "new_job_posted"
	KindSendMessage             Kind = "send_message"
	KindTypingStart             Kind = "typing_start"
	KindTypingStop              Kind = "typing_stop"

	// Server-originated domain events
	KindApplicationStatusUpdated Kind = "application_status_updated"
	KindNewJobAlert              Kind = "new_job_alert"
	KindNewJobPostedAdmin        Kind = "new_job_posted_admin"
	KindAdminNewJob              Kind = "admin_new_job"
	KindNewMessage               Kind = "new_message"
	KindMessageSent              Kind = "message_sent"
	KindUserTyping               Kind = "user_typing"
	KindNotification             Kind = "notification"

	KindError Kind = "error"
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	return string(k)
}

// Inbound reports whether clients are allowed to send this kind to the server.
func (k Kind) Inbound() bool {
	switch k {
	case KindJoinRoom, KindLeaveRoom, KindUpdateApplicationStatus, KindNewJobPosted,
		KindSendMessage, KindTypingStart, KindTypingStop:
		return true
	default:
		return false
	}
}

// Event is the envelope exchanged between server and clients. Treat it as a
// value: nothing in this module mutates an Event after New returns it.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      Kind            `json:"type"`
	Room      string          `json:"room,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New builds an event with a fresh id and the current time. payload may be
// nil, a json.RawMessage, or any value encodable by encoding/json.
func New(kind Kind, payload any) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      kind,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MustNew is New for payloads that are known to encode.
func MustNew(kind Kind, payload any) Event {
	ev, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Local builds an event that never leaves the process, such as the client
// lifecycle notifications. It carries no id so it is never deduplicated.
func Local(kind Kind, payload any) Event {
	ev := MustNew(kind, payload)
	ev.ID = ""
	return ev
}

// WithRoom returns a copy of e scoped to room.
func (e Event) WithRoom(room string) Event {
	e.Room = room
	return e
}

// WithUser returns a copy of e attributed to userID.
func (e Event) WithUser(userID string) Event {
	e.UserID = userID
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Marshal encodes the envelope for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a single envelope.
func Unmarshal(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("invalid event: missing type")
	}
	return ev, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
