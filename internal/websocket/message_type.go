package websocket

import (
	"fmt"
	"time"

	"realtime-service/pkg/events"

	"github.com/google/uuid"
)

// ClientMessage is a raw frame read from a connection, queued for the hub.
type ClientMessage struct {
	Client *Client
	Data   []byte
}

// parseInbound decodes a client frame and stamps it with the sender. Only
// client request kinds are accepted.
func parseInbound(c *Client, data []byte) (events.Event, string, error) {
	ev, err := events.Unmarshal(data)
	if err != nil {
		return events.Event{}, events.ErrCodeInvalidMessage, err
	}
	if !ev.Type.Inbound() {
		return events.Event{}, events.ErrCodeUnknownEvent, fmt.Errorf("event type %q is not accepted from clients", ev.Type)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.UserID = c.userID
	ev.Timestamp = time.Now().UnixMilli()
	return ev, "", nil
}

// Server frame constructors

// NewConnectedEvent is the first frame every connection receives.
func NewConnectedEvent(c *Client) events.Event {
	return events.MustNew(events.KindConnected, events.ConnectedData{
		ConnectionID: c.id,
		UserID:       c.userID,
		Timestamp:    c.connectedAt.UnixMilli(),
	}).WithUser(c.userID)
}

// NewRoomEvent acknowledges a join or leave.
func NewRoomEvent(kind events.Kind, room string) events.Event {
	return events.MustNew(kind, events.RoomData{Room: room}).WithRoom(room)
}

// NewTypingEvent tells a recipient whether sender is typing to them.
func NewTypingEvent(sender, recipient string, isTyping bool) events.Event {
	return events.MustNew(events.KindUserTyping, events.TypingData{
		UserID:      sender,
		RecipientID: recipient,
		IsTyping:    isTyping,
	}).WithUser(sender)
}

// NewMessageEvents returns the recipient's new_message and the sender's
// message_sent echo for one direct message. Both share the message id.
func NewMessageEvents(msg events.MessageData) (delivered, echo events.Event) {
	delivered = events.MustNew(events.KindNewMessage, msg).WithUser(msg.SenderID)
	echo = events.MustNew(events.KindMessageSent, msg).WithUser(msg.SenderID)
	return delivered, echo
}

// NewJobEvents returns the seeker-facing alert and the admin-facing event for
// one posted job.
func NewJobEvents(job events.JobPostedData) (alert, admin events.Event) {
	alert = events.MustNew(events.KindNewJobAlert, job).WithUser(job.PostedBy)
	admin = events.MustNew(events.KindNewJobPostedAdmin, job).WithUser(job.PostedBy)
	return alert, admin
}
