package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"realtime-service/pkg/events"
	"realtime-service/pkg/logger"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	kind TransportKind

	mu       sync.Mutex
	dials    int
	fail     error
	silent   bool
	sessions []*fakeSession

	// When set, Dial waits for it to be closed.
	block chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{kind: TransportWebSocket}
}

func (t *fakeTransport) Kind() TransportKind { return t.kind }

func (t *fakeTransport) Dial(ctx context.Context, credential string) (Session, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.fail != nil {
		return nil, t.fail
	}
	s := newFakeSession()
	if !t.silent {
		s.push(events.MustNew(events.KindConnected, events.ConnectedData{
			ConnectionID: fmt.Sprintf("conn-%d", t.dials),
			UserID:       "7",
			Timestamp:    time.Now().UnixMilli(),
		}))
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) setFail(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

func (t *fakeTransport) sessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type fakeSession struct {
	incoming chan []byte

	mu      sync.Mutex
	written []events.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSession) push(ev events.Event) {
	data, _ := ev.Marshal()
	s.incoming <- data
}

func (s *fakeSession) pushRaw(data []byte) {
	s.incoming <- data
}

func (s *fakeSession) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.incoming:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSessionClosed
	}
}

func (s *fakeSession) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	ev, err := events.Unmarshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSession) writes() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.written...)
}

func (s *fakeSession) wroteKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range s.writes() {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testClientConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.ReconnectDelayMax = 20 * time.Millisecond
	cfg.Logger = logger.Discard()
	return cfg
}

// recorder collects events of the given kinds from a dispatcher.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(d *events.Dispatcher, kinds ...events.Kind) *recorder {
	r := &recorder{}
	for _, kind := range kinds {
		d.On(kind, func(ctx context.Context, ev events.Event) error {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

func (r *recorder) of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind events.Kind, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(kind)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events", n, kind)
	return r.of(kind)
}
