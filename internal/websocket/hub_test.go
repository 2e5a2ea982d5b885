package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"realtime-service/pkg/events"
	"realtime-service/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	history []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool)}
}

func (p *fakePresence) SetUserOnline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = true
	p.history = append(p.history, "online:"+userID)
	return nil
}

func (p *fakePresence) SetUserOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
	p.history = append(p.history, "offline:"+userID)
	return nil
}

func (p *fakePresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

type fakeDirectory map[string]string

func (d fakeDirectory) ApplicantForApplication(ctx context.Context, applicationID string) (string, error) {
	if id, ok := d[applicationID]; ok {
		return id, nil
	}
	return "", errors.New("application not found")
}

type fakeOutbox struct {
	mu       sync.Mutex
	messages []events.MessageData
}

func (o *fakeOutbox) PublishMessage(ctx context.Context, msg events.MessageData) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

func (o *fakeOutbox) published() []events.MessageData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.MessageData(nil), o.messages...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TypingExpiry = 150 * time.Millisecond
	cfg.TypingSweepInterval = 20 * time.Millisecond
	return cfg
}

func newTestHub(t *testing.T, cfg Config, deps Dependencies) *Hub {
	t.Helper()
	h := NewHub(cfg, deps, logger.Discard())
	go h.Run()
	t.Cleanup(func() { h.Stop(time.Second) })
	return h
}

// connect opens a polling session and consumes its connected frame.
func connect(t *testing.T, h *Hub, userID, role string) *Client {
	t.Helper()
	c, err := h.OpenPollSession(Identity{UserID: userID, Role: role})
	require.NoError(t, err)

	ev := nextEvent(t, c)
	require.Equal(t, events.KindConnected, ev.Type)
	return c
}

func nextEvent(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case data := <-c.send:
		ev, err := events.Unmarshal(data)
		require.NoError(t, err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for user %s", c.userID)
		return events.Event{}
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame for user %s: %s", c.userID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendFrame(t *testing.T, h *Hub, c *Client, kind events.Kind, payload any) {
	t.Helper()
	data, err := events.MustNew(kind, payload).Marshal()
	require.NoError(t, err)
	require.NoError(t, h.HandleInbound(c, data))
}

func errorCode(t *testing.T, ev events.Event) string {
	t.Helper()
	require.Equal(t, events.KindError, ev.Type)
	var data events.ErrorData
	require.NoError(t, ev.Decode(&data))
	return data.Code
}

func TestRegisterSendsConnectedFrameAndAssignsRooms(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})

	c, err := h.OpenPollSession(Identity{UserID: "7", Role: RoleAdmin})
	require.NoError(t, err)

	ev := nextEvent(t, c)
	require.Equal(t, events.KindConnected, ev.Type)
	var data events.ConnectedData
	require.NoError(t, ev.Decode(&data))
	assert.Equal(t, c.GetID(), data.ConnectionID)
	assert.Equal(t, "7", data.UserID)

	rooms, err := h.Rooms(c.GetID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:7", events.RoomAlerts, events.RoomAdmins}, rooms)

	seeker := connect(t, h, "8", "seeker")
	rooms, err = h.Rooms(seeker.GetID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:8", events.RoomAlerts}, rooms)
}

func TestBroadcastDeliversOncePerConnectionAcrossRooms(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	both := connect(t, h, "1", "")
	alertsOnly := connect(t, h, "2", "")

	sendFrame(t, h, both, events.KindJoinRoom, events.RoomData{Room: "job:42"})
	joined := nextEvent(t, both)
	require.Equal(t, events.KindRoomJoined, joined.Type)
	assert.Equal(t, "job:42", joined.Room)

	n, err := h.Broadcast(events.MustNew(events.KindNotification, events.NotificationData{Message: "hello"}),
		events.RoomAlerts, events.JobRoom("42"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, events.KindNotification, nextEvent(t, both).Type)
	expectNoEvent(t, both)
	assert.Equal(t, events.KindNotification, nextEvent(t, alertsOnly).Type)
	expectNoEvent(t, alertsOnly)
}

func TestJoinIsOrderedBeforeLaterBroadcast(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	c := connect(t, h, "1", "")

	require.NoError(t, h.Join(c.GetID(), "job:9"))
	n, err := h.Broadcast(events.MustNew(events.KindNotification, events.NotificationData{Message: "x"}), "job:9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "job:9", nextEvent(t, c).Room)

	require.NoError(t, h.Leave(c.GetID(), "job:9"))
	n, err = h.Broadcast(events.MustNew(events.KindNotification, events.NotificationData{Message: "y"}), "job:9")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	expectNoEvent(t, c)
}

func TestJoinForUnknownConnectionIsIgnored(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})

	assert.NoError(t, h.Join("missing", "job:1"))
	assert.NoError(t, h.Leave("missing", "job:1"))

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rooms)
}

func TestClientCannotJoinServerAssignedRooms(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	c := connect(t, h, "1", "")

	sendFrame(t, h, c, events.KindJoinRoom, events.RoomData{Room: events.RoomAdmins})
	assert.Equal(t, events.ErrCodeForbiddenRoom, errorCode(t, nextEvent(t, c)))

	sendFrame(t, h, c, events.KindLeaveRoom, events.RoomData{Room: events.UserRoom("1")})
	assert.Equal(t, events.ErrCodeForbiddenRoom, errorCode(t, nextEvent(t, c)))

	rooms, err := h.Rooms(c.GetID())
	require.NoError(t, err)
	assert.NotContains(t, rooms, events.RoomAdmins)
	assert.Contains(t, rooms, events.UserRoom("1"))
}

func TestInvalidFramesAreAnsweredWithErrors(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	c := connect(t, h, "1", "")

	require.NoError(t, h.HandleInbound(c, []byte("not json")))
	assert.Equal(t, events.ErrCodeInvalidMessage, errorCode(t, nextEvent(t, c)))

	sendFrame(t, h, c, events.KindNewMessage, events.MessageData{RecipientID: "2", Message: "spoof"})
	assert.Equal(t, events.ErrCodeUnknownEvent, errorCode(t, nextEvent(t, c)))

	sendFrame(t, h, c, events.KindSendMessage, events.MessageData{RecipientID: "2", Message: "  "})
	assert.Equal(t, events.ErrCodeInvalidPayload, errorCode(t, nextEvent(t, c)))
}

func TestJobPostedRoutesAlertAndAdminKinds(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	seeker := connect(t, h, "1", "seeker")
	admin := connect(t, h, "99", RoleAdmin)

	sendFrame(t, h, admin, events.KindNewJobPosted, events.JobPostedData{JobID: "42"})

	alert := nextEvent(t, seeker)
	assert.Equal(t, events.KindNewJobAlert, alert.Type)
	var job events.JobPostedData
	require.NoError(t, alert.Decode(&job))
	assert.Equal(t, "42", job.JobID)
	assert.Equal(t, "99", job.PostedBy)
	expectNoEvent(t, seeker)

	assert.Equal(t, events.KindNewJobAlert, nextEvent(t, admin).Type)
	assert.Equal(t, events.KindNewJobPostedAdmin, nextEvent(t, admin).Type)
}

func TestSendMessageDeliversToRecipientAndEchoesToSender(t *testing.T) {
	outbox := &fakeOutbox{}
	h := newTestHub(t, testConfig(), Dependencies{Outbox: outbox})
	alice := connect(t, h, "alice", "")
	bobPhone := connect(t, h, "bob", "")
	bobLaptop := connect(t, h, "bob", "")

	sendFrame(t, h, alice, events.KindSendMessage, events.MessageData{RecipientID: "bob", Message: "hi", JobID: "42"})

	var ids []string
	for _, c := range []*Client{bobPhone, bobLaptop} {
		ev := nextEvent(t, c)
		require.Equal(t, events.KindNewMessage, ev.Type)
		var msg events.MessageData
		require.NoError(t, ev.Decode(&msg))
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "hi", msg.Message)
		ids = append(ids, msg.ID)
	}

	echo := nextEvent(t, alice)
	require.Equal(t, events.KindMessageSent, echo.Type)
	var sent events.MessageData
	require.NoError(t, echo.Decode(&sent))
	assert.Equal(t, ids[0], sent.ID)
	assert.Equal(t, ids[1], sent.ID)

	require.Eventually(t, func() bool { return len(outbox.published()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, sent.ID, outbox.published()[0].ID)
}

func TestDirectMessageFromTriggerStopsTyping(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	alice := connect(t, h, "alice", "")
	bob := connect(t, h, "bob", "")

	sendFrame(t, h, alice, events.KindTypingStart, events.TypingData{RecipientID: "bob"})
	require.Equal(t, events.KindUserTyping, nextEvent(t, bob).Type)

	n, err := h.DirectMessage(events.MessageData{SenderID: "alice", RecipientID: "bob", Message: "done"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, events.KindNewMessage, nextEvent(t, bob).Type)
	stop := nextEvent(t, bob)
	require.Equal(t, events.KindUserTyping, stop.Type)
	var data events.TypingData
	require.NoError(t, stop.Decode(&data))
	assert.False(t, data.IsTyping)
	assert.False(t, h.IsTyping("alice", "bob"))
	assert.Equal(t, events.KindMessageSent, nextEvent(t, alice).Type)
}

func TestTypingIndicatorExpiresWithoutStop(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg, Dependencies{})
	alice := connect(t, h, "alice", "")
	bob := connect(t, h, "bob", "")

	started := time.Now()
	sendFrame(t, h, alice, events.KindTypingStart, events.TypingData{RecipientID: "bob"})

	start := nextEvent(t, bob)
	var data events.TypingData
	require.NoError(t, start.Decode(&data))
	assert.True(t, data.IsTyping)
	assert.Equal(t, "alice", data.UserID)
	assert.True(t, h.IsTyping("alice", "bob"))

	stop := nextEvent(t, bob)
	require.NoError(t, stop.Decode(&data))
	assert.False(t, data.IsTyping)
	assert.LessOrEqual(t, time.Since(started), cfg.TypingExpiry+cfg.TypingSweepInterval+200*time.Millisecond)
	assert.False(t, h.IsTyping("alice", "bob"))
	expectNoEvent(t, alice)
}

func TestRefreshedTypingIsNotEnded(t *testing.T) {
	cfg := testConfig()
	h := newTestHub(t, cfg, Dependencies{})
	alice := connect(t, h, "alice", "")
	bob := connect(t, h, "bob", "")

	for i := 0; i < 6; i++ {
		sendFrame(t, h, alice, events.KindTypingStart, events.TypingData{RecipientID: "bob"})
		ev := nextEvent(t, bob)
		var data events.TypingData
		require.NoError(t, ev.Decode(&data))
		require.True(t, data.IsTyping, "refresh %d", i)
		time.Sleep(cfg.TypingExpiry / 3)
	}
	assert.True(t, h.IsTyping("alice", "bob"))
}

func TestTypingStopWithoutStartIsNotRelayed(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	alice := connect(t, h, "alice", "")
	bob := connect(t, h, "bob", "")

	sendFrame(t, h, alice, events.KindTypingStop, events.TypingData{RecipientID: "bob"})
	expectNoEvent(t, bob)
}

func TestTypingClearedWhenSendersLastConnectionLeaves(t *testing.T) {
	cfg := testConfig()
	cfg.TypingExpiry = time.Minute
	h := newTestHub(t, cfg, Dependencies{})
	alice := connect(t, h, "alice", "")
	bob := connect(t, h, "bob", "")

	sendFrame(t, h, alice, events.KindTypingStart, events.TypingData{RecipientID: "bob"})
	require.Equal(t, events.KindUserTyping, nextEvent(t, bob).Type)

	require.NoError(t, h.ClosePollSession(alice))

	stop := nextEvent(t, bob)
	var data events.TypingData
	require.NoError(t, stop.Decode(&data))
	assert.False(t, data.IsTyping)
	assert.Equal(t, "alice", data.UserID)
}

func TestApplicationStatusResolvesApplicantThroughDirectory(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{Directory: fakeDirectory{"app-1": "9"}})
	recruiter := connect(t, h, "3", "recruiter")
	applicant := connect(t, h, "9", "seeker")

	sendFrame(t, h, recruiter, events.KindUpdateApplicationStatus,
		events.ApplicationStatusData{ApplicationID: "app-1", Status: "interview"})

	ev := nextEvent(t, applicant)
	require.Equal(t, events.KindApplicationStatusUpdated, ev.Type)
	var data events.ApplicationStatusData
	require.NoError(t, ev.Decode(&data))
	assert.Equal(t, "interview", data.Status)
	assert.Equal(t, "9", data.ApplicantID)
	assert.Equal(t, "3", data.UpdatedBy)

	sendFrame(t, h, recruiter, events.KindUpdateApplicationStatus,
		events.ApplicationStatusData{ApplicationID: "missing", Status: "rejected"})
	assert.Equal(t, events.ErrCodeNotFound, errorCode(t, nextEvent(t, recruiter)))
	expectNoEvent(t, applicant)
}

func TestApplicationStatusWithoutDirectoryNeedsApplicant(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	applicant := connect(t, h, "9", "")

	_, err := h.ApplicationStatusChanged(context.Background(), events.ApplicationStatusData{ApplicationID: "a", Status: "hired"})
	assert.ErrorIs(t, err, ErrApplicantUnknown)

	n, err := h.ApplicationStatusChanged(context.Background(),
		events.ApplicationStatusData{ApplicationID: "a", Status: "hired", ApplicantID: "9"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, events.KindApplicationStatusUpdated, nextEvent(t, applicant).Type)
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	presence := newFakePresence()
	h := newTestHub(t, testConfig(), Dependencies{Presence: presence})

	first := connect(t, h, "7", "")
	second := connect(t, h, "7", "")
	assert.Equal(t, 2, h.ConnectionCount("7"))

	require.NoError(t, h.ClosePollSession(first))
	require.NoError(t, h.ClosePollSession(second))
	assert.Equal(t, 0, h.ConnectionCount("7"))

	require.Eventually(t, func() bool { return len(presence.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"online:7", "offline:7"}, presence.snapshot())
}

func TestSlowConnectionIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 2
	h := newTestHub(t, cfg, Dependencies{})

	// The connected frame stays queued, so one more frame fills the buffer.
	slow, err := h.OpenPollSession(Identity{UserID: "slow"})
	require.NoError(t, err)

	ev := events.MustNew(events.KindNotification, events.NotificationData{Message: "x"})
	n, err := h.SendToUser("slow", ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.SendToUser("slow", ev)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 0, h.ConnectionCount("slow"))
	assert.True(t, slow.isClosed())
	assert.Equal(t, 1, h.Errors().GetErrorStats()[BroadcastError])
}

func TestPollSessionDrainAndIdleReaping(t *testing.T) {
	cfg := testConfig()
	cfg.PollIdleTimeout = 100 * time.Millisecond
	h := newTestHub(t, cfg, Dependencies{})

	c, err := h.OpenPollSession(Identity{UserID: "7"})
	require.NoError(t, err)

	frames, err := h.Drain(context.Background(), c, time.Second)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	found, err := h.PollSession(c.GetID())
	require.NoError(t, err)
	assert.Same(t, c, found)

	require.Eventually(t, func() bool {
		_, err := h.PollSession(c.GetID())
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	_, err = h.Drain(context.Background(), c, time.Second)
	assert.ErrorIs(t, err, ErrClientDisconnected)
}

func TestStopClosesConnectionsAndRejectsCalls(t *testing.T) {
	h := NewHub(testConfig(), Dependencies{}, logger.Discard())
	go h.Run()

	c, err := h.OpenPollSession(Identity{UserID: "7"})
	require.NoError(t, err)

	h.Stop(time.Second)

	assert.True(t, c.isClosed())
	_, err = h.Broadcast(events.MustNew(events.KindNotification, nil), events.RoomAlerts)
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.ErrorIs(t, h.Register(c), ErrHubStopped)
}

func TestStatsReportsConnectionsAndMetrics(t *testing.T) {
	h := newTestHub(t, testConfig(), Dependencies{})
	connect(t, h, "1", "")
	connect(t, h, "2", RoleAdmin)

	_, err := h.Notify(events.RoomAlerts, events.NotificationData{Message: "maintenance"})
	require.NoError(t, err)

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 4, stats.Rooms)
	assert.Equal(t, 2, stats.Metrics["connectionsOpened"])
	assert.GreaterOrEqual(t, stats.Metrics["totalBroadcasts"], 1)
}
