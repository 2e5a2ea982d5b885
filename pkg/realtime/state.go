package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"realtime-service/pkg/events"
	"realtime-service/pkg/typing"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// dedupWindow bounds how many server event ids are remembered.
const dedupWindow = 1024

// Notification is a user-visible record derived from one received event.
type Notification struct {
	ID         string          `json:"id"`
	Kind       events.Kind     `json:"kind"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Read       bool            `json:"read"`
	Persistent bool            `json:"persistent,omitempty"`
}

// Message is one direct message, sent or received.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	JobID       string    `json:"jobId,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Outgoing    bool      `json:"outgoing"`
}

// State folds dispatched events into the notification list (most recent
// first), the message list (oldest first) and the set of users typing to us.
type State struct {
	mu            sync.RWMutex
	userID        string
	notifications []Notification
	messages      []Message
	messageIDs    map[string]struct{}

	seen      map[string]struct{}
	seenOrder []string
	seenPos   int

	typing *typing.Tracker[string]
	logger *slog.Logger
}

func NewState(typingExpiry, typingSweep time.Duration, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		messageIDs: make(map[string]struct{}),
		seen:       make(map[string]struct{}, dedupWindow),
		seenOrder:  make([]string, dedupWindow),
		typing:     typing.New[string](typingExpiry, typingSweep),
		logger:     logger.With(slog.String("component", "state")),
	}
}

// Attach subscribes the state to d. The returned func removes every handler
// it registered.
func (s *State) Attach(d *events.Dispatcher) (detach func()) {
	kinds := []events.Kind{
		events.KindConnected,
		events.KindNewJobAlert,
		events.KindNewJobPostedAdmin,
		events.KindAdminNewJob,
		events.KindNewMessage,
		events.KindMessageSent,
		events.KindNotification,
		events.KindApplicationStatusUpdated,
		events.KindUserTyping,
		events.KindMaxReconnectAttemptsReached,
		events.KindConnectionError,
		events.KindReconnected,
	}
	ids := make(map[events.Kind]events.HandlerID, len(kinds))
	for _, kind := range kinds {
		ids[kind] = d.On(kind, s.Handle)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for kind, id := range ids {
				d.Off(kind, id)
			}
		})
	}
}

// Handle applies one event. Events carrying an id already seen are ignored.
func (s *State) Handle(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID != "" {
		if _, dup := s.seen[ev.ID]; dup {
			return nil
		}
		s.rememberLocked(ev.ID)
	}

	payload := gjson.ParseBytes(ev.Payload)
	switch ev.Type {
	case events.KindConnected:
		s.userID = payload.Get("userId").String()

	case events.KindNewJobAlert:
		title := payload.Get("job.title").String()
		msg := "A new job was posted"
		if title != "" {
			msg = fmt.Sprintf("New job posted: %s", title)
		}
		s.notifyLocked(ev, "New job alert", msg, false)

	case events.KindNewJobPostedAdmin, events.KindAdminNewJob:
		msg := fmt.Sprintf("Job %s was posted", payload.Get("jobId").String())
		if by := payload.Get("postedBy").String(); by != "" {
			msg += " by user " + by
		}
		s.notifyLocked(ev, "New job submitted", msg, false)

	case events.KindNewMessage:
		s.typing.Delete(payload.Get("senderId").String())
		// A resent message arrives under a new event id but the same message id.
		if s.appendMessageLocked(ev, payload) {
			s.notifyLocked(ev, "New message", payload.Get("message").String(), false)
		}

	case events.KindMessageSent:
		s.appendMessageLocked(ev, payload)

	case events.KindNotification:
		title := payload.Get("title").String()
		if title == "" {
			title = "Notification"
		}
		s.notifyLocked(ev, title, payload.Get("message").String(), false)

	case events.KindApplicationStatusUpdated:
		s.notifyLocked(ev, "Application status updated",
			fmt.Sprintf("Application %s is now %s",
				payload.Get("applicationId").String(), payload.Get("status").String()), false)

	case events.KindUserTyping:
		sender := payload.Get("userId").String()
		if sender == "" {
			return nil
		}
		if payload.Get("isTyping").Bool() {
			s.typing.Set(sender, time.Now())
		} else {
			s.typing.Delete(sender)
		}

	case events.KindMaxReconnectAttemptsReached:
		s.notifyLocked(ev, "Connection lost",
			fmt.Sprintf("Real-time updates are unavailable after %d attempts", payload.Get("attempts").Int()), true)

	case events.KindConnectionError:
		if payload.Get("exhausted").Bool() || payload.Get("unauthorized").Bool() {
			s.notifyLocked(ev, "Connection failed", payload.Get("error").String(), false)
		}

	case events.KindReconnected:
		s.notifyLocked(ev, "Reconnected", "Real-time updates are available again", false)
	}
	return nil
}

func (s *State) rememberLocked(id string) {
	if old := s.seenOrder[s.seenPos]; old != "" {
		delete(s.seen, old)
	}
	s.seenOrder[s.seenPos] = id
	s.seenPos = (s.seenPos + 1) % dedupWindow
	s.seen[id] = struct{}{}
}

func (s *State) notifyLocked(ev events.Event, title, message string, persistent bool) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ts := time.Now()
	if ev.Timestamp != 0 {
		ts = ev.Time()
	}

	n := Notification{
		ID:         id.String(),
		Kind:       ev.Type,
		Title:      title,
		Message:    message,
		Payload:    ev.Payload,
		Timestamp:  ts,
		Persistent: persistent,
	}
	s.notifications = append([]Notification{n}, s.notifications...)
}

// appendMessageLocked records the message carried by ev and reports false
// when a message with the same id is already listed.
func (s *State) appendMessageLocked(ev events.Event, payload gjson.Result) bool {
	id := payload.Get("id").String()
	if id == "" {
		id = ev.ID
	}
	if id != "" {
		if _, dup := s.messageIDs[id]; dup {
			return false
		}
		s.messageIDs[id] = struct{}{}
	}

	ts := time.UnixMilli(payload.Get("timestamp").Int())
	if payload.Get("timestamp").Int() == 0 {
		ts = ev.Time()
	}
	sender := payload.Get("senderId").String()
	s.messages = append(s.messages, Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: payload.Get("recipientId").String(),
		JobID:       payload.Get("jobId").String(),
		Text:        payload.Get("message").String(),
		Timestamp:   ts,
		Outgoing:    ev.Type == events.KindMessageSent || (s.userID != "" && sender == s.userID),
	})
	return true
}

// Notifications returns a copy of the list, most recent first.
func (s *State) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.notifications...)
}

// UnreadNotificationsCount counts unread notifications in the current list.
func (s *State) UnreadNotificationsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, notification := range s.notifications {
		if !notification.Read {
			n++
		}
	}
	return n
}

// MarkNotificationAsRead flags the notification with id as read and reports
// whether it was found.
func (s *State) MarkNotificationAsRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return true
		}
	}
	return false
}

// ClearNotifications empties the list, persistent entries included.
func (s *State) ClearNotifications() {
	s.mu.Lock()
	s.notifications = nil
	s.mu.Unlock()
}

func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

func (s *State) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.messageIDs = make(map[string]struct{})
	s.mu.Unlock()
}

// TypingUsers returns the users currently typing to us and when they last
// signalled it.
func (s *State) TypingUsers() map[string]time.Time {
	return s.typing.Snapshot()
}

// RunTypingSweep expires stale typing entries until ctx is done.
func (s *State) RunTypingSweep(ctx context.Context) {
	stop := s.typing.OnExpire(func(userID string) {
		s.logger.Debug("Typing indicator expired", "userID", userID)
	})
	defer stop()
	s.typing.Run(ctx)
}
