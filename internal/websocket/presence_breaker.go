package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrPresenceCircuitOpen = errors.New("presence circuit open")

const (
	defaultBreakerThreshold = 3
	defaultBreakerTimeout   = 30 * time.Second
)

// PresenceBreaker wraps a Presence store with a circuit breaker. After
// threshold consecutive failures it stops calling the store for timeout,
// then lets one call through to probe it.
type PresenceBreaker struct {
	next      Presence
	threshold int
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu                sync.Mutex
	consecutiveErrors int
	errorCount        int
	lastError         error
	lastErrorTime     time.Time
	circuitOpen       bool
	circuitResetTime  time.Time
}

func NewPresenceBreaker(next Presence, threshold int, timeout time.Duration, logger *slog.Logger) *PresenceBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceBreaker{
		next:      next,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "presence-breaker")),
	}
}

func (b *PresenceBreaker) SetUserOnline(ctx context.Context, userID string) error {
	return b.call(ctx, func(ctx context.Context) error { return b.next.SetUserOnline(ctx, userID) })
}

func (b *PresenceBreaker) SetUserOffline(ctx context.Context, userID string) error {
	return b.call(ctx, func(ctx context.Context) error { return b.next.SetUserOffline(ctx, userID) })
}

func (b *PresenceBreaker) call(ctx context.Context, op func(context.Context) error) error {
	if !b.allow() {
		return ErrPresenceCircuitOpen
	}
	err := op(ctx)
	b.record(err)
	return err
}

// allow reports whether a call may reach the store. Once the open period
// has passed the circuit is half open: calls go through and the next result
// decides.
func (b *PresenceBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.circuitOpen || !b.now().Before(b.circuitResetTime)
}

func (b *PresenceBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.circuitOpen {
			b.logger.Info("Circuit breaker closed for presence operations",
				"downtime", b.now().Sub(b.lastErrorTime))
		}
		b.circuitOpen = false
		b.consecutiveErrors = 0
		return
	}

	b.lastError = err
	b.lastErrorTime = b.now()
	b.errorCount++
	b.consecutiveErrors++

	if b.consecutiveErrors >= b.threshold {
		if !b.circuitOpen {
			b.logger.Warn("Circuit breaker opened for presence operations",
				"consecutiveErrors", b.consecutiveErrors, "timeout", b.timeout, "error", err)
		}
		b.circuitOpen = true
		b.circuitResetTime = b.now().Add(b.timeout)
	}
}

// Stats returns the breaker counters.
func (b *PresenceBreaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := map[string]interface{}{
		"errorCount":        b.errorCount,
		"consecutiveErrors": b.consecutiveErrors,
		"circuitOpen":       b.circuitOpen,
	}
	if b.lastError != nil {
		stats["lastError"] = b.lastError.Error()
		stats["lastErrorTime"] = b.lastErrorTime
	}
	if b.circuitOpen {
		stats["circuitResetTime"] = b.circuitResetTime
	}
	return stats
}
