package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"realtime-service/pkg/events"
	"realtime-service/pkg/typing"

	"github.com/google/uuid"
)

var (
	ErrClientDisconnected = fmt.Errorf("client disconnected")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrHubStopped         = errors.New("hub stopped")
	ErrSessionNotFound    = errors.New("session not found")
	ErrApplicantUnknown   = errors.New("applicant for application is unknown")
)

// RoleAdmin is the identity role whose connections join the admins room.
const RoleAdmin = "admin"

const backgroundTimeout = 5 * time.Second

// Presence records which users have at least one live connection.
type Presence interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
}

// ApplicationDirectory resolves the applicant that owns an application.
type ApplicationDirectory interface {
	ApplicantForApplication(ctx context.Context, applicationID string) (string, error)
}

// MessageOutbox receives every direct message after it has been delivered.
type MessageOutbox interface {
	PublishMessage(ctx context.Context, msg events.MessageData) error
}

// Config tunes the hub. Zero values fall back to DefaultConfig.
type Config struct {
	SendBufferSize      int
	MaxMessageSize      int64
	TypingExpiry        time.Duration
	TypingSweepInterval time.Duration
	PollIdleTimeout     time.Duration
	BackgroundQueueSize int
}

func DefaultConfig() Config {
	return Config{
		SendBufferSize:      256,
		MaxMessageSize:      8192,
		TypingExpiry:        typing.DefaultExpiry,
		TypingSweepInterval: typing.DefaultSweepInterval,
		PollIdleTimeout:     60 * time.Second,
		BackgroundQueueSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = d.TypingExpiry
	}
	if c.TypingSweepInterval <= 0 {
		c.TypingSweepInterval = d.TypingSweepInterval
	}
	if c.PollIdleTimeout <= 0 {
		c.PollIdleTimeout = d.PollIdleTimeout
	}
	if c.BackgroundQueueSize <= 0 {
		c.BackgroundQueueSize = d.BackgroundQueueSize
	}
	return c
}

// Dependencies are the optional collaborators of the hub. Nil members are
// skipped.
type Dependencies struct {
	Presence  Presence
	Directory ApplicationDirectory
	Outbox    MessageOutbox
}

type typingKey struct {
	sender    string
	recipient string
}

// Hub owns every connection, the room registry and the typing tracker. All of
// that state is touched only from the Run goroutine; other goroutines reach it
// through the channels below.
type Hub struct {
	// Registered clients by connection id
	clients map[string]*Client

	// Client lookup by user ID
	userClients map[string]map[*Client]struct{}

	registry   *Registry
	typing     *typing.Tracker[typingKey]
	dispatcher *events.Dispatcher

	// Unregisters the typing expiry relay
	stopTypingRelay func()

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Handle messages from clients
	handleMessage chan *ClientMessage

	// Closures run on the hub goroutine
	ops chan func()

	// Side effects that must not block the hub goroutine
	background chan func(context.Context)

	deps    Dependencies
	cfg     Config
	metrics *ConnectionMetrics
	errors  *ErrorHandler

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

func NewHub(cfg Config, deps Dependencies, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(slog.String("component", "hub"))

	h := &Hub{
		clients:       make(map[string]*Client),
		userClients:   make(map[string]map[*Client]struct{}),
		registry:      NewRegistry(),
		typing:        typing.New[typingKey](cfg.TypingExpiry, cfg.TypingSweepInterval),
		dispatcher:    events.NewDispatcher(logger),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		handleMessage: make(chan *ClientMessage),
		ops:           make(chan func()),
		background:    make(chan func(context.Context), cfg.BackgroundQueueSize),
		deps:          deps,
		cfg:           cfg,
		metrics:       NewConnectionMetrics(200),
		errors:        NewErrorHandler(100, logger),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		logger:        logger,
	}
	h.dispatcher.OnHandlerError = func(kind events.Kind, err error) {
		h.errors.HandleHandlerError(kind.String(), err)
	}
	h.stopTypingRelay = h.typing.OnExpire(func(key typingKey) {
		h.post(func() { h.typingExpired(key) })
	})
	h.registerHandlers()
	return h
}

func (h *Hub) Run() {
	defer close(h.done)
	go h.runBackground()

	ticker := time.NewTicker(h.typing.SweepInterval())
	defer ticker.Stop()

	h.logger.Info("WebSocket hub started")
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client, "client closed")

		case clientMsg := <-h.handleMessage:
			h.handleClientMessage(clientMsg)

		case op := <-h.ops:
			op()

		case now := <-ticker.C:
			h.sweep(now)

		case <-h.ctx.Done():
			h.shutdown()
			h.logger.Info("WebSocket hub shutting down")
			return
		}
	}
}

// Stop closes every connection and ends Run. It blocks until Run has
// returned or timeout elapses.
func (h *Hub) Stop(timeout time.Duration) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(timeout):
		h.logger.Warn("Timeout waiting for hub to stop", "timeout", timeout)
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) Metrics() *ConnectionMetrics { return h.metrics }
func (h *Hub) Errors() *ErrorHandler       { return h.errors }

// do runs fn on the hub goroutine and waits for it. It must never be called
// from the hub goroutine itself.
func (h *Hub) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case h.ops <- func() { defer close(finished); fn() }:
	case <-h.ctx.Done():
		return ErrHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// post queues fn for the hub goroutine without waiting for it to run.
func (h *Hub) post(fn func()) {
	select {
	case h.ops <- fn:
	case <-h.ctx.Done():
	}
}

// Register queues c for registration.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Unregister queues c for removal. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// HandleInbound queues a raw client frame for processing.
func (h *Hub) HandleInbound(c *Client, data []byte) error {
	c.touch()
	select {
	case h.handleMessage <- &ClientMessage{Client: c, Data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrClientDisconnected
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

func (h *Hub) registerClient(client *Client) {
	if client.isClosed() {
		return
	}
	if _, exists := h.clients[client.id]; exists {
		return
	}

	h.clients[client.id] = client

	// Add to user clients map
	users, ok := h.userClients[client.userID]
	if !ok {
		users = make(map[*Client]struct{})
		h.userClients[client.userID] = users
	}
	users[client] = struct{}{}
	firstConnection := len(users) == 1

	h.registry.Join(client, events.UserRoom(client.userID))
	h.registry.Join(client, events.RoomAlerts)
	if client.role == RoleAdmin {
		h.registry.Join(client, events.RoomAdmins)
	}

	h.metrics.RecordConnectionOpened()
	if err := client.SendEvent(NewConnectedEvent(client)); err != nil {
		client.logger.Warn("Failed to queue connected event", "error", err)
	}

	h.logger.Info("Client registered",
		"clientID", client.id,
		"userID", client.userID,
		"transport", client.transport,
	)

	if firstConnection && h.deps.Presence != nil {
		userID := client.userID
		h.goBackground("set_user_online", func(ctx context.Context) {
			if err := h.deps.Presence.SetUserOnline(ctx, userID); err != nil {
				h.errors.HandleDependencyError(PresenceError, "set_user_online", err)
			}
		})
	}
}

func (h *Hub) unregisterClient(client *Client, reason string) {
	if _, ok := h.clients[client.id]; !ok {
		client.close()
		return
	}
	delete(h.clients, client.id)

	lastConnection := false
	if users, ok := h.userClients[client.userID]; ok {
		delete(users, client)
		if len(users) == 0 {
			delete(h.userClients, client.userID)
			lastConnection = true
		}
	}

	h.registry.Remove(client)
	client.close()
	h.metrics.RecordConnectionClosed()

	h.logger.Info("Client unregistered",
		"clientID", client.id,
		"userID", client.userID,
		"reason", reason,
	)

	if !lastConnection {
		return
	}

	stopped := h.typing.DeleteFunc(func(k typingKey) bool { return k.sender == client.userID })
	for _, key := range stopped {
		h.deliver(NewTypingEvent(key.sender, key.recipient, false), events.UserRoom(key.recipient))
	}

	if h.deps.Presence != nil {
		userID := client.userID
		h.goBackground("set_user_offline", func(ctx context.Context) {
			if err := h.deps.Presence.SetUserOffline(ctx, userID); err != nil {
				h.errors.HandleDependencyError(PresenceError, "set_user_offline", err)
			}
		})
	}
}

func (h *Hub) handleClientMessage(msg *ClientMessage) {
	c := msg.Client
	if _, ok := h.clients[c.id]; !ok {
		return
	}

	ev, code, err := parseInbound(c, msg.Data)
	if err != nil {
		h.metrics.RecordInbound("invalid", false)
		h.reject(c, code, err)
		return
	}
	h.metrics.RecordInbound(ev.Type.String(), true)

	if h.dispatcher.Count(ev.Type) == 0 {
		h.reject(c, events.ErrCodeUnknownEvent, fmt.Errorf("no handler for %s", ev.Type))
		return
	}
	h.dispatcher.Emit(withClient(h.ctx, c), ev)
}

func (h *Hub) reject(c *Client, code string, err error) {
	h.errors.HandleInvalidRequest(c.userID, code, err)
	c.sendError(code, err.Error())
}

// deliver queues ev for every connection in the union of rooms, once per
// connection. Connections that cannot take the frame are dropped.
func (h *Hub) deliver(ev events.Event, rooms ...string) int {
	start := time.Now()
	if len(rooms) == 1 && ev.Room == "" {
		ev = ev.WithRoom(rooms[0])
	}

	data, err := ev.Marshal()
	if err != nil {
		h.errors.HandleHandlerError(ev.Type.String(), err)
		return 0
	}

	label := strings.Join(rooms, ",")
	sent, failed := 0, 0
	var dropped []*Client
	for _, c := range h.registry.Union(rooms...) {
		if err := c.enqueue(data); err != nil {
			failed++
			dropped = append(dropped, c)
			h.errors.HandleBroadcastError(c.userID, label, err)
			continue
		}
		sent++
	}
	for _, c := range dropped {
		h.unregisterClient(c, "send failed")
	}

	h.metrics.RecordBroadcastMetric(label, time.Since(start), sent, failed, len(data))
	return sent
}

func (h *Hub) sweep(now time.Time) {
	h.typing.Sweep()

	for _, c := range h.clients {
		if c.transport == TransportPolling && now.Sub(c.LastActivity()) > h.cfg.PollIdleTimeout {
			h.unregisterClient(c, "poll session idle")
		}
	}
}

// typingExpired relays the end of an indicator that timed out, unless the
// sender started typing again in the meantime.
func (h *Hub) typingExpired(key typingKey) {
	if h.typing.Active(key) {
		return
	}
	h.deliver(NewTypingEvent(key.sender, key.recipient, false), events.UserRoom(key.recipient))
}

func (h *Hub) shutdown() {
	h.stopTypingRelay()
	users := make([]string, 0, len(h.userClients))
	for userID := range h.userClients {
		users = append(users, userID)
	}
	for _, c := range h.clients {
		h.registry.Remove(c)
		c.close()
	}
	h.clients = make(map[string]*Client)
	h.userClients = make(map[string]map[*Client]struct{})

	if h.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	for _, userID := range users {
		if err := h.deps.Presence.SetUserOffline(ctx, userID); err != nil {
			h.errors.HandleDependencyError(PresenceError, "set_user_offline", err)
		}
	}
}

func (h *Hub) goBackground(name string, job func(context.Context)) {
	select {
	case h.background <- job:
	default:
		h.logger.Warn("Background queue full, dropping job", "job", name)
	}
}

func (h *Hub) runBackground() {
	for {
		select {
		case job := <-h.background:
			ctx, cancel := context.WithTimeout(h.ctx, backgroundTimeout)
			job(ctx)
			cancel()
		case <-h.ctx.Done():
			return
		}
	}
}

// Public operations. These run on the hub goroutine through do and must not
// be called from event handlers.

// Join adds a registered connection to room. Unknown connections are ignored.
func (h *Hub) Join(connectionID, room string) error {
	return h.do(func() {
		c, ok := h.clients[connectionID]
		if !ok {
			h.logger.Debug("Join ignored for unknown connection", "clientID", connectionID, "room", room)
			return
		}
		h.registry.Join(c, room)
	})
}

// Leave removes a registered connection from room. Unknown connections are
// ignored.
func (h *Hub) Leave(connectionID, room string) error {
	return h.do(func() {
		c, ok := h.clients[connectionID]
		if !ok {
			return
		}
		h.registry.Leave(c, room)
	})
}

// Broadcast delivers ev once to every connection in any of rooms and returns
// the number of connections it was queued for.
func (h *Hub) Broadcast(ev events.Event, rooms ...string) (int, error) {
	if len(rooms) == 0 {
		return 0, nil
	}
	var n int
	err := h.do(func() { n = h.deliver(ev, rooms...) })
	return n, err
}

// SendToUser delivers ev to every connection of userID.
func (h *Hub) SendToUser(userID string, ev events.Event) (int, error) {
	return h.Broadcast(ev, events.UserRoom(userID))
}

// ApplicationStatusChanged notifies the applicant of a status change. When
// the applicant is not part of data it is resolved through the directory.
func (h *Hub) ApplicationStatusChanged(ctx context.Context, data events.ApplicationStatusData) (int, error) {
	if data.ApplicantID == "" {
		if h.deps.Directory == nil {
			return 0, ErrApplicantUnknown
		}
		applicantID, err := h.deps.Directory.ApplicantForApplication(ctx, data.ApplicationID)
		if err != nil {
			h.errors.HandleDependencyError(DirectoryLookupError, "applicant_for_application", err)
			return 0, fmt.Errorf("failed to resolve applicant for application %s: %w", data.ApplicationID, err)
		}
		data.ApplicantID = applicantID
	}

	ev := events.MustNew(events.KindApplicationStatusUpdated, data).WithUser(data.UpdatedBy)
	return h.Broadcast(ev, events.UserRoom(data.ApplicantID))
}

// JobPosted announces a job to job seekers and to admins.
func (h *Hub) JobPosted(data events.JobPostedData) (int, error) {
	var n int
	err := h.do(func() { n = h.deliverJobPosted(data) })
	return n, err
}

func (h *Hub) deliverJobPosted(data events.JobPostedData) int {
	alert, admin := NewJobEvents(data)
	n := h.deliver(alert, events.RoomAlerts, events.JobRoom(data.JobID))
	n += h.deliver(admin, events.RoomAdmins)
	return n
}

// DirectMessage delivers msg to the recipient and echoes it to the sender.
// It returns the number of recipient connections reached.
func (h *Hub) DirectMessage(msg events.MessageData) (int, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	var n int
	err := h.do(func() { n = h.deliverMessage(msg) })
	return n, err
}

func (h *Hub) deliverMessage(msg events.MessageData) int {
	delivered, echo := NewMessageEvents(msg)
	n := h.deliver(delivered, events.UserRoom(msg.RecipientID))
	h.deliver(echo, events.UserRoom(msg.SenderID))

	// A sent message ends the sender's typing indicator.
	key := typingKey{sender: msg.SenderID, recipient: msg.RecipientID}
	if h.typing.Delete(key) {
		h.deliver(NewTypingEvent(key.sender, key.recipient, false), events.UserRoom(key.recipient))
	}

	if h.deps.Outbox != nil {
		h.goBackground("publish_message", func(ctx context.Context) {
			if err := h.deps.Outbox.PublishMessage(ctx, msg); err != nil {
				h.errors.HandleDependencyError(OutboxError, "publish_message", err)
			}
		})
	}
	return n
}

// Notify delivers a generic notification to room.
func (h *Hub) Notify(room string, data events.NotificationData) (int, error) {
	return h.Broadcast(events.MustNew(events.KindNotification, data), room)
}

// Client returns the registered connection with id.
func (h *Hub) Client(id string) (*Client, bool) {
	var c *Client
	var ok bool
	if err := h.do(func() { c, ok = h.clients[id] }); err != nil {
		return nil, false
	}
	return c, ok
}

// Rooms returns the rooms of a registered connection.
func (h *Hub) Rooms(connectionID string) ([]string, error) {
	var rooms []string
	err := h.do(func() {
		c, ok := h.clients[connectionID]
		if !ok {
			return
		}
		rooms = h.registry.RoomsOf(c)
	})
	if err == nil && rooms == nil {
		return nil, ErrSessionNotFound
	}
	return rooms, err
}

// ConnectionCount returns the number of live connections of userID on this
// instance.
func (h *Hub) ConnectionCount(userID string) int {
	var n int
	h.do(func() { n = len(h.userClients[userID]) })
	return n
}

// IsTyping reports whether sender is currently typing to recipient.
func (h *Hub) IsTyping(sender, recipient string) bool {
	var active bool
	h.do(func() {
		active = h.typing.Active(typingKey{sender: sender, recipient: recipient})
	})
	return active
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections  int                    `json:"connections"`
	Users        int                    `json:"users"`
	Rooms        int                    `json:"rooms"`
	ActiveTyping int                    `json:"activeTyping"`
	Metrics      map[string]interface{} `json:"metrics"`
	Errors       map[ErrorType]int      `json:"errors"`
}

func (h *Hub) Stats() (Stats, error) {
	var s Stats
	err := h.do(func() {
		s.Connections = len(h.clients)
		s.Users = len(h.userClients)
		s.Rooms = h.registry.RoomCount()
		s.ActiveTyping = h.typing.Len()
	})
	s.Metrics = h.metrics.GetAggregatedMetrics()
	s.Errors = h.errors.GetErrorStats()
	return s, err
}

// OpenPollSession registers a long-polling connection for identity. The
// connected frame is waiting in the session when this returns.
func (h *Hub) OpenPollSession(identity Identity) (*Client, error) {
	c := newClient(h, nil, TransportPolling, identity)
	if err := h.do(func() { h.registerClient(c) }); err != nil {
		return nil, err
	}
	return c, nil
}

// PollSession returns the polling connection with id.
func (h *Hub) PollSession(id string) (*Client, error) {
	c, ok := h.Client(id)
	if !ok || c.transport != TransportPolling {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// ClosePollSession unregisters a polling connection and waits for it.
func (h *Hub) ClosePollSession(c *Client) error {
	return h.do(func() { h.unregisterClient(c, "poll session closed") })
}

// Drain waits up to wait for frames queued for a polling connection.
func (h *Hub) Drain(ctx context.Context, c *Client, wait time.Duration) ([][]byte, error) {
	return c.drain(ctx, wait)
}
