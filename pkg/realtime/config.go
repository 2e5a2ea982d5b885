// Package realtime is the client side of the notification service: it keeps
// one authenticated session alive, re-joins rooms after reconnecting and folds
// received events into notification and message lists.
package realtime

import (
	"log/slog"
	"time"

	"realtime-service/pkg/typing"
)

// TransportKind names a way of reaching the service.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportPolling   TransportKind = "polling"
)

// Config holds client options. Start from DefaultConfig; zero durations and
// counts fall back to the defaults, Reconnect is taken as given.
type Config struct {
	// URL is the service API base, for example http://localhost:8080/api/v1.
	URL string

	// Transports in preference order.
	Transports []TransportKind

	ConnectTimeout       time.Duration
	Reconnect            bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration

	// PollTimeout is how long one long-poll request may wait for frames.
	PollTimeout time.Duration
	// HTTPRetries applies to polling requests other than the long poll.
	HTTPRetries int

	TypingExpiry        time.Duration
	TypingSweepInterval time.Duration

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Transports:           []TransportKind{TransportWebSocket, TransportPolling},
		ConnectTimeout:       10 * time.Second,
		Reconnect:            true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectDelayMax:    5 * time.Second,
		PollTimeout:          25 * time.Second,
		HTTPRetries:          2,
		TypingExpiry:         typing.DefaultExpiry,
		TypingSweepInterval:  typing.DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Transports) == 0 {
		c.Transports = d.Transports
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = d.ReconnectDelayMax
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = c.ReconnectDelay
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.HTTPRetries < 0 {
		c.HTTPRetries = 0
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = d.TypingExpiry
	}
	if c.TypingSweepInterval <= 0 {
		c.TypingSweepInterval = d.TypingSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// backoff returns the wait before the retry that follows the n-th consecutive
// failure (n starting at 1): min(ReconnectDelay * 2^(n-1), ReconnectDelayMax).
func (c Config) backoff(n int) time.Duration {
	d := c.ReconnectDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.ReconnectDelayMax {
			return c.ReconnectDelayMax
		}
	}
	if d > c.ReconnectDelayMax {
		return c.ReconnectDelayMax
	}
	return d
}
