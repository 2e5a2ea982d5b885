package realtime

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"realtime-service/pkg/events"
	"realtime-service/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() *State {
	return NewState(time.Second, 10*time.Millisecond, logger.Discard())
}

func handle(t *testing.T, s *State, ev events.Event) {
	t.Helper()
	require.NoError(t, s.Handle(context.Background(), ev))
}

func unread(list []Notification) int {
	n := 0
	for _, item := range list {
		if !item.Read {
			n++
		}
	}
	return n
}

func TestUnreadCountMatchesList(t *testing.T) {
	s := newTestState()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		switch op := rng.Intn(10); {
		case op < 6:
			handle(t, s, events.MustNew(events.KindNotification, events.NotificationData{Message: "hello"}))
		case op < 9:
			list := s.Notifications()
			if len(list) > 0 {
				s.MarkNotificationAsRead(list[rng.Intn(len(list))].ID)
			}
		default:
			s.ClearNotifications()
		}
		require.Equal(t, unread(s.Notifications()), s.UnreadNotificationsCount(), "after op %d", i)
	}
}

func TestNotificationsAreMostRecentFirst(t *testing.T) {
	s := newTestState()

	handle(t, s, events.MustNew(events.KindNotification, events.NotificationData{Title: "first", Message: "1"}))
	handle(t, s, events.MustNew(events.KindApplicationStatusUpdated, events.ApplicationStatusData{
		ApplicationID: "a1",
		Status:        "accepted",
	}))
	handle(t, s, events.MustNew(events.KindNewJobAlert, events.JobPostedData{
		JobID: "9",
		Job:   []byte(`{"title":"Go engineer"}`),
	}))

	list := s.Notifications()
	require.Len(t, list, 3)
	assert.Equal(t, events.KindNewJobAlert, list[0].Kind)
	assert.Equal(t, "New job posted: Go engineer", list[0].Message)
	assert.Equal(t, "Application status updated", list[1].Title)
	assert.Equal(t, "Application a1 is now accepted", list[1].Message)
	assert.Equal(t, "first", list[2].Title)
	for _, n := range list {
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.Read)
	}
}

func TestDuplicateEventsAreIgnored(t *testing.T) {
	s := newTestState()
	ev := events.MustNew(events.KindNotification, events.NotificationData{Message: "once"})

	handle(t, s, ev)
	handle(t, s, ev)
	assert.Len(t, s.Notifications(), 1)

	// Lifecycle events carry no id and are never deduplicated.
	handle(t, s, events.Local(events.KindReconnected, events.ReconnectedData{Attempts: 1}))
	handle(t, s, events.Local(events.KindReconnected, events.ReconnectedData{Attempts: 1}))
	assert.Len(t, s.Notifications(), 3)
}

func TestMarkNotificationAsRead(t *testing.T) {
	s := newTestState()
	handle(t, s, events.MustNew(events.KindNotification, events.NotificationData{Message: "x"}))
	id := s.Notifications()[0].ID

	assert.True(t, s.MarkNotificationAsRead(id))
	assert.True(t, s.MarkNotificationAsRead(id))
	assert.False(t, s.MarkNotificationAsRead("missing"))
	assert.Equal(t, 0, s.UnreadNotificationsCount())
	assert.True(t, s.Notifications()[0].Read)
}

func TestConnectionNotifications(t *testing.T) {
	s := newTestState()

	handle(t, s, events.Local(events.KindConnectionError, events.ConnectionErrorData{Error: "refused", Attempts: 1}))
	assert.Empty(t, s.Notifications())

	handle(t, s, events.Local(events.KindConnectionError, events.ConnectionErrorData{Error: "refused", Attempts: 5, Exhausted: true}))
	handle(t, s, events.Local(events.KindMaxReconnectAttemptsReached, events.MaxReconnectData{Attempts: 5}))

	list := s.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, "Connection lost", list[0].Title)
	assert.True(t, list[0].Persistent)
	assert.Equal(t, "Connection failed", list[1].Title)
	assert.Equal(t, "refused", list[1].Message)

	s.ClearNotifications()
	assert.Empty(t, s.Notifications())
	assert.Equal(t, 0, s.UnreadNotificationsCount())
}

func TestMessagesFromBothDirections(t *testing.T) {
	s := newTestState()
	handle(t, s, events.MustNew(events.KindConnected, events.ConnectedData{ConnectionID: "c1", UserID: "u1"}))

	handle(t, s, events.MustNew(events.KindMessageSent, events.MessageData{
		ID: "m1", SenderID: "u1", RecipientID: "u2", Message: "hi", Timestamp: 1000,
	}))
	handle(t, s, events.MustNew(events.KindNewMessage, events.MessageData{
		ID: "m2", SenderID: "u2", RecipientID: "u1", Message: "hello back", Timestamp: 2000,
	}))
	// A second copy of an already stored message does not duplicate it.
	handle(t, s, events.MustNew(events.KindMessageSent, events.MessageData{
		ID: "m1", SenderID: "u1", RecipientID: "u2", Message: "hi", Timestamp: 1000,
	}))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[0].Outgoing)
	assert.Equal(t, time.UnixMilli(1000), msgs[0].Timestamp)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.False(t, msgs[1].Outgoing)
	assert.Equal(t, "hello back", msgs[1].Text)

	// Only the incoming message is a notification.
	list := s.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, "New message", list[0].Title)

	s.ClearMessages()
	assert.Empty(t, s.Messages())
}

func TestResentMessageNotifiesOnce(t *testing.T) {
	s := newTestState()
	msg := events.MessageData{ID: "m7", SenderID: "u2", RecipientID: "u1", Message: "are you there?", Timestamp: 3000}

	first := events.MustNew(events.KindNewMessage, msg)
	second := events.MustNew(events.KindNewMessage, msg)
	require.NotEqual(t, first.ID, second.ID)

	handle(t, s, first)
	handle(t, s, second)

	assert.Len(t, s.Messages(), 1)
	require.Len(t, s.Notifications(), 1)
	assert.Equal(t, 1, s.UnreadNotificationsCount())
}

func TestTypingUsers(t *testing.T) {
	s := newTestState()

	handle(t, s, events.MustNew(events.KindUserTyping, events.TypingData{UserID: "u2", RecipientID: "u1", IsTyping: true}))
	handle(t, s, events.MustNew(events.KindUserTyping, events.TypingData{UserID: "u3", RecipientID: "u1", IsTyping: true}))
	assert.Len(t, s.TypingUsers(), 2)

	handle(t, s, events.MustNew(events.KindUserTyping, events.TypingData{UserID: "u3", RecipientID: "u1"}))
	assert.NotContains(t, s.TypingUsers(), "u3")

	// A message from a typing user ends their indicator.
	handle(t, s, events.MustNew(events.KindNewMessage, events.MessageData{ID: "m", SenderID: "u2", RecipientID: "u1", Message: "done"}))
	assert.Empty(t, s.TypingUsers())
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	s := NewState(30*time.Millisecond, 5*time.Millisecond, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunTypingSweep(ctx)

	handle(t, s, events.MustNew(events.KindUserTyping, events.TypingData{UserID: "u2", RecipientID: "u1", IsTyping: true}))
	require.Contains(t, s.TypingUsers(), "u2")

	assert.Eventually(t, func() bool { return len(s.TypingUsers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFailingHandlerDoesNotBlockState(t *testing.T) {
	d := events.NewDispatcher(logger.Discard())
	d.On(events.KindNewMessage, func(ctx context.Context, ev events.Event) error {
		panic("broken subscriber")
	})
	s := newTestState()
	detach := s.Attach(d)

	ok := d.Emit(context.Background(), events.MustNew(events.KindNewMessage, events.MessageData{
		ID: "m1", SenderID: "u2", RecipientID: "u1", Message: "still delivered",
	}))

	assert.Equal(t, 1, ok)
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "still delivered", s.Messages()[0].Text)
	assert.Len(t, s.Notifications(), 1)

	detach()
	detach()
	assert.Equal(t, 1, d.Count(events.KindNewMessage))
	assert.Equal(t, 0, d.Count(events.KindNotification))
}
