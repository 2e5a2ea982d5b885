package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
)

var (
	// ErrUnauthorized means the service rejected the credential. It is never
	// retried automatically.
	ErrUnauthorized = errors.New("realtime: credential rejected")
	// ErrSessionClosed is returned by a session after Close or after the
	// service dropped it.
	ErrSessionClosed = errors.New("realtime: session closed")
)

// Transport opens authenticated sessions with the service.
type Transport interface {
	Kind() TransportKind
	Dial(ctx context.Context, credential string) (Session, error)
}

// Session is one open connection. Read returns the next payload, which may
// hold several newline-separated events. Write sends exactly one event.
type Session interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// NewTransports builds the transports named in cfg, in order.
func NewTransports(cfg Config) ([]Transport, error) {
	cfg = cfg.withDefaults()
	out := make([]Transport, 0, len(cfg.Transports))
	for _, kind := range cfg.Transports {
		switch kind {
		case TransportWebSocket:
			t, err := NewWebSocketTransport(cfg.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		case TransportPolling:
			out = append(out, NewPollingTransport(cfg.URL, cfg.PollTimeout, cfg.HTTPRetries))
		default:
			return nil, fmt.Errorf("realtime: unknown transport %q", kind)
		}
	}
	return out, nil
}

func bearer(credential string) string {
	return "Bearer " + credential
}

// WebSocketTransport dials {base}/ws, upgrading http(s) to ws(s).
type WebSocketTransport struct {
	url string
}

func NewWebSocketTransport(baseURL string) (*WebSocketTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return &WebSocketTransport{url: u.String()}, nil
}

func (t *WebSocketTransport) Kind() TransportKind { return TransportWebSocket }

func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Session, error) {
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{bearer(credential)}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsSession{conn: conn}, nil
}

type wsSession struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsSession) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (s *wsSession) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// PollingTransport reaches the service over plain HTTP long-polling.
type PollingTransport struct {
	baseURL     string
	pollTimeout time.Duration

	// client carries the retrier for short requests, poller has no retries and
	// a timeout longer than one long poll.
	client *httpclient.Client
	poller *httpclient.Client
}

func NewPollingTransport(baseURL string, pollTimeout time.Duration, retries int) *PollingTransport {
	backoff := heimdall.NewConstantBackoff(200*time.Millisecond, 50*time.Millisecond)

	return &PollingTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		pollTimeout: pollTimeout,
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(10*time.Second),
			httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
			httpclient.WithRetryCount(retries),
		),
		poller: httpclient.NewClient(
			httpclient.WithHTTPTimeout(pollTimeout + 10*time.Second),
		),
	}
}

func (t *PollingTransport) Kind() TransportKind { return TransportPolling }

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (t *PollingTransport) Dial(ctx context.Context, credential string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/poll", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", bearer(credential))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll open: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("poll open: %s", resp.Status)
	}

	var body pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("poll open: %w", err)
	}
	if body.SID == "" {
		return nil, errors.New("poll open: empty session id")
	}

	return &pollSession{
		transport:  t,
		sessionURL: t.baseURL + "/poll/" + url.PathEscape(body.SID),
		credential: credential,
		closed:     make(chan struct{}),
	}, nil
}

type pollSession struct {
	transport  *PollingTransport
	sessionURL string
	credential string

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *pollSession) Read(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := s.transport.pollTimeout
	for {
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		data, err := s.poll(ctx, wait)
		if err != nil {
			select {
			case <-s.closed:
				return nil, ErrSessionClosed
			default:
			}
			return nil, err
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (s *pollSession) poll(ctx context.Context, wait time.Duration) ([]byte, error) {
	u := s.sessionURL + "?wait=" + url.QueryEscape(wait.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", bearer(s.credential))

	resp, err := s.transport.poller.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrSessionClosed
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *pollSession) Write(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sessionURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", bearer(s.credential))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.transport.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionClosed
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("poll send: %s", resp.Status)
	}
	return nil
}

func (s *pollSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, s.sessionURL, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		req.Header.Set("Authorization", bearer(s.credential))
		resp, doErr := s.transport.client.Do(req)
		if doErr != nil {
			err = doErr
			return
		}
		resp.Body.Close()
	})
	return err
}
