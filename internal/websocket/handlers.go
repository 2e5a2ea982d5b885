package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime-service/pkg/events"
)

type clientKey struct{}

func withClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the connection an inbound event arrived on.
func ClientFromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*Client)
	return c, ok
}

var errNoClient = errors.New("event has no originating connection")

// registerHandlers wires the client request kinds. Handlers run on the hub
// goroutine and therefore use the unexported delivery helpers directly.
func (h *Hub) registerHandlers() {
	h.dispatcher.On(events.KindJoinRoom, h.handleJoinRoom)
	h.dispatcher.On(events.KindLeaveRoom, h.handleLeaveRoom)
	h.dispatcher.On(events.KindUpdateApplicationStatus, h.handleUpdateApplicationStatus)
	h.dispatcher.On(events.KindNewJobPosted, h.handleNewJobPosted)
	h.dispatcher.On(events.KindSendMessage, h.handleSendMessage)
	h.dispatcher.On(events.KindTypingStart, h.handleTyping(true))
	h.dispatcher.On(events.KindTypingStop, h.handleTyping(false))
}

func (h *Hub) handleJoinRoom(ctx context.Context, ev events.Event) error {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return errNoClient
	}

	var data events.RoomData
	if err := ev.Decode(&data); err != nil || data.Room == "" {
		h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "room is required"))
		return nil
	}
	if !events.IsJobRoom(data.Room) {
		h.reject(c, events.ErrCodeForbiddenRoom, fmt.Errorf("room %q cannot be joined", data.Room))
		return nil
	}

	if h.registry.Join(c, data.Room) {
		c.logger.Debug("Joined room", "room", data.Room)
	}
	return c.SendEvent(NewRoomEvent(events.KindRoomJoined, data.Room))
}

func (h *Hub) handleLeaveRoom(ctx context.Context, ev events.Event) error {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return errNoClient
	}

	var data events.RoomData
	if err := ev.Decode(&data); err != nil || data.Room == "" {
		h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "room is required"))
		return nil
	}
	if !events.IsJobRoom(data.Room) {
		h.reject(c, events.ErrCodeForbiddenRoom, fmt.Errorf("room %q cannot be left", data.Room))
		return nil
	}

	h.registry.Leave(c, data.Room)
	return c.SendEvent(NewRoomEvent(events.KindRoomLeft, data.Room))
}

func (h *Hub) handleUpdateApplicationStatus(ctx context.Context, ev events.Event) error {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return errNoClient
	}

	var data events.ApplicationStatusData
	if err := ev.Decode(&data); err != nil || data.ApplicationID == "" || data.Status == "" {
		h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "applicationId and status are required"))
		return nil
	}
	data.UpdatedBy = c.userID

	if data.ApplicantID != "" {
		out := events.MustNew(events.KindApplicationStatusUpdated, data).WithUser(c.userID)
		h.deliver(out, events.UserRoom(data.ApplicantID))
		return nil
	}
	if h.deps.Directory == nil {
		h.reject(c, events.ErrCodeNotFound, ErrApplicantUnknown)
		return nil
	}

	// The lookup may hit the database, so it runs off the hub goroutine.
	go func() {
		lookupCtx, cancel := context.WithTimeout(h.ctx, backgroundTimeout)
		defer cancel()
		if _, err := h.ApplicationStatusChanged(lookupCtx, data); err != nil && !errors.Is(err, ErrHubStopped) {
			h.post(func() {
				if _, live := h.clients[c.id]; live {
					h.reject(c, events.ErrCodeNotFound, err)
				}
			})
		}
	}()
	return nil
}

func (h *Hub) handleNewJobPosted(ctx context.Context, ev events.Event) error {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return errNoClient
	}

	var data events.JobPostedData
	if err := ev.Decode(&data); err != nil || data.JobID == "" {
		h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "jobId is required"))
		return nil
	}
	data.PostedBy = c.userID

	h.deliverJobPosted(data)
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, ev events.Event) error {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return errNoClient
	}

	var data events.MessageData
	if err := ev.Decode(&data); err != nil || data.RecipientID == "" || strings.TrimSpace(data.Message) == "" {
		h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "recipientId and message are required"))
		return nil
	}
	data.ID = ev.ID
	data.SenderID = c.userID
	data.Timestamp = time.Now().UnixMilli()

	h.deliverMessage(data)
	return nil
}

func (h *Hub) handleTyping(isTyping bool) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		c, ok := ClientFromContext(ctx)
		if !ok {
			return errNoClient
		}

		var data events.TypingData
		if err := ev.Decode(&data); err != nil || data.RecipientID == "" {
			h.reject(c, events.ErrCodeInvalidPayload, payloadError(err, "recipientId is required"))
			return nil
		}

		key := typingKey{sender: c.userID, recipient: data.RecipientID}
		if isTyping {
			h.typing.Set(key, time.Now())
		} else if !h.typing.Delete(key) {
			return nil
		}
		h.deliver(NewTypingEvent(key.sender, key.recipient, isTyping), events.UserRoom(key.recipient))
		return nil
	}
}

func payloadError(err error, missing string) error {
	if err != nil {
		return err
	}
	return errors.New(missing)
}
