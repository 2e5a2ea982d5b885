package realtime

import (
	"context"
	"testing"
	"time"

	"realtime-service/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, transport *fakeTransport) *Client {
	t.Helper()
	c, err := NewClient(testClientConfig(), transport)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestProducerOperationsWhileDisconnected(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport)
	before := c.Messages()

	assert.False(t, c.SendMessage(context.Background(), "u2", "hello", ""))
	assert.False(t, c.StartTyping(context.Background(), "u2"))
	assert.False(t, c.StopTyping(context.Background(), "u2"))
	assert.False(t, c.NotifyNewJobPosted(context.Background(), "9"))
	assert.False(t, c.UpdateApplicationStatus(context.Background(), "a1", "accepted", ""))
	assert.False(t, c.JoinRoom(context.Background(), "job:9"))

	assert.Equal(t, before, c.Messages())
	assert.Equal(t, 0, transport.dialCount())
	assert.Empty(t, c.Rooms())
}

func TestProducerOperationsWriteEvents(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport)
	require.NoError(t, c.Connect(context.Background(), "token"))
	sess := transport.session(0)

	require.True(t, c.SendMessage(context.Background(), "u2", "hello", "9"))
	require.True(t, c.StartTyping(context.Background(), "u2"))
	require.True(t, c.StopTyping(context.Background(), "u2"))
	require.True(t, c.NotifyNewJobPosted(context.Background(), "9"))
	require.True(t, c.UpdateApplicationStatus(context.Background(), "a1", "accepted", "welcome"))

	kinds := make([]events.Kind, 0)
	for _, ev := range sess.writes() {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []events.Kind{
		events.KindSendMessage,
		events.KindTypingStart,
		events.KindTypingStop,
		events.KindNewJobPosted,
		events.KindUpdateApplicationStatus,
	}, kinds)

	var msg events.MessageData
	require.NoError(t, sess.wroteKind(events.KindSendMessage)[0].Decode(&msg))
	assert.Equal(t, events.MessageData{RecipientID: "u2", Message: "hello", JobID: "9"}, msg)

	// Sending alone does not touch the message list; the echo does.
	assert.Empty(t, c.Messages())
	sess.push(events.MustNew(events.KindMessageSent, events.MessageData{
		ID: "m1", SenderID: "7", RecipientID: "u2", Message: "hello", JobID: "9",
	}))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Messages()[0].Outgoing)
}

func TestClientFoldsReceivedEvents(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport)
	require.NoError(t, c.Connect(context.Background(), "token"))

	transport.session(0).push(events.MustNew(events.KindNotification, events.NotificationData{
		Title:   "Interview",
		Message: "Tomorrow at 10",
	}))

	require.Eventually(t, func() bool { return c.UnreadNotificationsCount() == 1 }, time.Second, 5*time.Millisecond)
	n := c.Notifications()[0]
	assert.Equal(t, "Interview", n.Title)
	assert.True(t, c.MarkNotificationAsRead(n.ID))
	assert.Equal(t, 0, c.UnreadNotificationsCount())
	c.ClearNotifications()
	assert.Empty(t, c.Notifications())
}

func TestExhaustedClientShowsPersistentNotification(t *testing.T) {
	transport := newFakeTransport()
	transport.setFail(assert.AnError)
	c := newTestClient(t, transport)

	require.Error(t, c.Connect(context.Background(), "token"))

	require.Eventually(t, func() bool {
		list := c.Notifications()
		return len(list) > 0 && list[0].Kind == events.KindMaxReconnectAttemptsReached
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Notifications()[0].Persistent)
	assert.False(t, c.Status().Connected)
}

func TestCloseDetachesState(t *testing.T) {
	transport := newFakeTransport()
	c, err := NewClient(testClientConfig(), transport)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), "token"))
	require.Equal(t, 1, c.Dispatcher().Count(events.KindNotification))

	c.Close()
	c.Close()

	assert.Equal(t, 0, c.Dispatcher().Count(events.KindNotification))
	assert.True(t, transport.session(0).isClosed())
	assert.False(t, c.IsConnected())
}
