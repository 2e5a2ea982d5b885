package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"realtime-service/pkg/events"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrNoCredential     = errors.New("realtime: no credential")
	ErrHandshakeTimeout = errors.New("realtime: handshake timed out")
	ErrNoTransport      = errors.New("realtime: no transport configured")
)

// ConnState is the connection state of a Manager.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Status is a read-only snapshot of the connection. An empty ConnectionID
// means there is no live session.
type Status struct {
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	State             ConnState `json:"state"`
}

// Manager supervises one session with the service: handshake, automatic
// reconnection with capped exponential backoff, and room re-joins.
type Manager struct {
	cfg        Config
	transports []Transport
	dispatcher *events.Dispatcher
	logger     *slog.Logger

	mu           sync.Mutex
	state        ConnState
	credential   string
	session      Session
	stopRead     context.CancelFunc
	connectionID string
	attempts     int
	dropped      bool
	rooms        map[string]struct{}

	// generation is bumped on every transition that must invalidate pending
	// timer callbacks, in-flight attempts and read loops.
	generation uint64
	timer      *time.Timer
}

// NewManager returns a disconnected manager. With no transports given they
// are built from cfg.
func NewManager(cfg Config, transports ...Transport) (*Manager, error) {
	cfg = cfg.withDefaults()
	if len(transports) == 0 {
		built, err := NewTransports(cfg)
		if err != nil {
			return nil, err
		}
		transports = built
	}
	if len(transports) == 0 {
		return nil, ErrNoTransport
	}

	logger := cfg.Logger.With(slog.String("component", "realtime"))
	return &Manager{
		cfg:        cfg,
		transports: transports,
		dispatcher: events.NewDispatcher(logger),
		logger:     logger,
		rooms:      make(map[string]struct{}),
	}, nil
}

// Dispatcher returns the dispatcher every received and lifecycle event is
// emitted on.
func (m *Manager) Dispatcher() *events.Dispatcher { return m.dispatcher }

func (m *Manager) On(kind events.Kind, h events.Handler) events.HandlerID {
	return m.dispatcher.On(kind, h)
}

func (m *Manager) Off(kind events.Kind, id events.HandlerID) bool {
	return m.dispatcher.Off(kind, id)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:         m.state == StateConnected,
		ReconnectAttempts: m.attempts,
		ConnectionID:      m.connectionID,
		State:             m.state,
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Connect opens a session with credential, tearing down any session or
// pending reconnect first. A failed first attempt is reported and, when
// reconnection is enabled, retried in the background.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrNoCredential
	}

	m.mu.Lock()
	closing := m.teardownLocked()
	m.credential = credential
	m.attempts = 0
	m.dropped = false
	m.state = StateConnecting
	gen := m.generation
	m.mu.Unlock()

	if closing != nil {
		closing.Close()
	}
	return m.attempt(ctx, gen)
}

// Disconnect closes the session, forgets joined rooms and cancels any pending
// reconnect. It is a no-op when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.rooms = make(map[string]struct{})
	if m.state == StateDisconnected && m.session == nil && m.timer == nil {
		m.mu.Unlock()
		return
	}
	hadSession := m.session != nil
	closing := m.teardownLocked()
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	if closing != nil {
		closing.Close()
	}
	if hadSession {
		m.emit(events.Local(events.KindDisconnected, events.DisconnectedData{Reason: "client disconnect"}))
	}
}

// RetryConnection starts over with the stored credential and a zeroed attempt
// counter.
func (m *Manager) RetryConnection(ctx context.Context) error {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()
	if credential == "" {
		return ErrNoCredential
	}
	return m.Connect(ctx, credential)
}

// ResetConnection disconnects and connects again with the stored credential.
func (m *Manager) ResetConnection(ctx context.Context) error {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()
	if credential == "" {
		return ErrNoCredential
	}
	m.Disconnect()
	return m.Connect(ctx, credential)
}

// Send writes ev on the live session.
func (m *Manager) Send(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	sess := m.session
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || sess == nil {
		return ErrNotConnected
	}

	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return sess.Write(ctx, data)
}

// JoinRoom subscribes to room and remembers it for re-joins. It reports
// false, and does nothing, when not connected or when room is not a job room.
func (m *Manager) JoinRoom(ctx context.Context, room string) bool {
	if !events.IsJobRoom(room) {
		m.logger.Warn("Refusing to join non-job room", "room", room)
		return false
	}
	if !m.IsConnected() {
		m.logger.Debug("Ignoring join while not connected", "room", room)
		return false
	}
	if err := m.Send(ctx, events.MustNew(events.KindJoinRoom, events.RoomData{Room: room})); err != nil {
		m.logger.Warn("Failed to join room", "room", room, "error", err)
		return false
	}
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()
	return true
}

// LeaveRoom unsubscribes from room. It reports false when not connected.
func (m *Manager) LeaveRoom(ctx context.Context, room string) bool {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()

	if !m.IsConnected() {
		m.logger.Debug("Ignoring leave while not connected", "room", room)
		return false
	}
	if err := m.Send(ctx, events.MustNew(events.KindLeaveRoom, events.RoomData{Room: room})); err != nil {
		m.logger.Warn("Failed to leave room", "room", room, "error", err)
		return false
	}
	return true
}

// Rooms returns the rooms that will be re-joined after a reconnect.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	return out
}

// teardownLocked invalidates everything tied to the current generation and
// returns the session the caller must close after unlocking.
func (m *Manager) teardownLocked() Session {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.stopRead != nil {
		m.stopRead()
		m.stopRead = nil
	}
	sess := m.session
	m.session = nil
	m.connectionID = ""
	return sess
}

func (m *Manager) attempt(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	sess, connected, rest, err := m.establish(ctx, credential)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		if err == nil {
			err = ErrNotConnected
		}
		return err
	}
	if err != nil {
		lifecycle := m.failLocked(err)
		m.mu.Unlock()
		m.emit(lifecycle...)
		return err
	}

	var data events.ConnectedData
	connected.Decode(&data)

	reconnect := m.dropped || m.attempts > 0
	attempts := m.attempts
	m.session = sess
	m.connectionID = data.ConnectionID
	m.state = StateConnected
	m.attempts = 0
	m.dropped = false
	readCtx, stopRead := context.WithCancel(context.Background())
	m.stopRead = stopRead
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	m.logger.Info("Connected", "connectionID", data.ConnectionID, "reconnect", reconnect)

	for _, room := range rooms {
		if err := m.Send(ctx, events.MustNew(events.KindJoinRoom, events.RoomData{Room: room})); err != nil {
			m.logger.Warn("Failed to re-join room", "room", room, "error", err)
		}
	}

	if reconnect {
		m.emit(events.Local(events.KindReconnected, events.ReconnectedData{
			Attempts:     attempts,
			ConnectionID: data.ConnectionID,
		}))
	} else {
		m.emit(connected)
	}
	m.emit(rest...)

	go m.readLoop(readCtx, gen, sess)
	return nil
}

// failLocked records a failed attempt, decides whether to retry and returns
// the lifecycle events to emit once the lock is released.
func (m *Manager) failLocked(err error) []events.Event {
	m.attempts++
	m.session = nil
	m.connectionID = ""

	unauthorized := errors.Is(err, ErrUnauthorized)
	exhausted := !unauthorized && (!m.cfg.Reconnect || m.attempts >= m.cfg.MaxReconnectAttempts)

	lifecycle := []events.Event{events.Local(events.KindConnectionError, events.ConnectionErrorData{
		Error:        err.Error(),
		Attempts:     m.attempts,
		Exhausted:    exhausted,
		Unauthorized: unauthorized,
	})}

	switch {
	case unauthorized:
		m.state = StateDisconnected
		m.logger.Warn("Connection rejected, not retrying", "error", err)
	case exhausted:
		m.state = StateDisconnected
		m.logger.Error("Giving up on connection", "attempts", m.attempts, "error", err)
		if m.cfg.Reconnect {
			lifecycle = append(lifecycle, events.Local(events.KindMaxReconnectAttemptsReached,
				events.MaxReconnectData{Attempts: m.attempts}))
		}
	default:
		m.state = StateReconnecting
		delay := m.cfg.backoff(m.attempts)
		m.logger.Warn("Connection attempt failed", "attempt", m.attempts, "retryIn", delay, "error", err)
		m.scheduleLocked(delay)
	}
	return lifecycle
}

// scheduleLocked replaces the reconnect timer. The callback only acts if no
// other transition happened in between.
func (m *Manager) scheduleLocked(delay time.Duration) {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
	}
	gen := m.generation
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.attempt(context.Background(), gen)
}

func (m *Manager) establish(ctx context.Context, credential string) (Session, events.Event, []events.Event, error) {
	var lastErr error
	for _, t := range m.transports {
		sess, connected, rest, err := m.handshake(ctx, t, credential)
		if err == nil {
			return sess, connected, rest, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, events.Event{}, nil, err
		}
		m.logger.Debug("Transport failed", "transport", t.Kind(), "error", err)
		lastErr = fmt.Errorf("%s: %w", t.Kind(), err)
	}
	return nil, events.Event{}, nil, lastErr
}

// handshake dials t and waits for the connected frame, all within the
// connect timeout.
func (m *Manager) handshake(ctx context.Context, t Transport, credential string) (Session, events.Event, []events.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	sess, err := t.Dial(ctx, credential)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, events.Event{}, nil, ErrHandshakeTimeout
		}
		return nil, events.Event{}, nil, err
	}

	data, err := sess.Read(ctx)
	if err != nil {
		sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, events.Event{}, nil, ErrHandshakeTimeout
		}
		return nil, events.Event{}, nil, fmt.Errorf("handshake read: %w", err)
	}

	frames := m.splitFrames(data)
	if len(frames) == 0 || frames[0].Type != events.KindConnected {
		sess.Close()
		return nil, events.Event{}, nil, errors.New("handshake: expected connected event")
	}
	return sess, frames[0], frames[1:], nil
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, sess Session) {
	for {
		data, err := sess.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleDrop(gen, sess, err)
			return
		}
		for _, ev := range m.splitFrames(data) {
			m.dispatcher.Emit(ctx, ev)
		}
	}
}

func (m *Manager) handleDrop(gen uint64, sess Session, err error) {
	m.mu.Lock()
	if gen != m.generation || m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.connectionID = ""
	m.dropped = true
	if m.stopRead != nil {
		m.stopRead()
		m.stopRead = nil
	}

	var lifecycle []events.Event
	lifecycle = append(lifecycle, events.Local(events.KindDisconnected, events.DisconnectedData{Reason: err.Error()}))

	if errors.Is(err, ErrUnauthorized) {
		m.state = StateDisconnected
		lifecycle = append(lifecycle, events.Local(events.KindConnectionError, events.ConnectionErrorData{
			Error:        err.Error(),
			Unauthorized: true,
		}))
	} else if m.cfg.Reconnect {
		m.state = StateReconnecting
		m.scheduleLocked(m.cfg.backoff(1))
	} else {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	sess.Close()
	m.logger.Warn("Connection lost", "error", err)
	m.emit(lifecycle...)
}

func (m *Manager) emit(evs ...events.Event) {
	for _, ev := range evs {
		m.dispatcher.Emit(context.Background(), ev)
	}
}

// splitFrames decodes a payload holding one or more newline-separated events.
// Undecodable lines are logged and skipped.
func (m *Manager) splitFrames(data []byte) []events.Event {
	var out []events.Event
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := events.Unmarshal(line)
		if err != nil {
			m.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out
}
