package websocket

import (
	"log/slog"
	"sync"
	"time"
)

// ErrorType represents different categories of errors that can occur
type ErrorType string

const (
	ConnectionError      ErrorType = "connection"
	BroadcastError       ErrorType = "broadcast"
	HandlerError         ErrorType = "handler"
	InvalidRequestError  ErrorType = "invalid_request"
	PresenceError        ErrorType = "presence"
	OutboxError          ErrorType = "outbox"
	DirectoryLookupError ErrorType = "directory"
	ConsumerError        ErrorType = "consumer"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorEvent represents a single error occurrence
type ErrorEvent struct {
	Type      ErrorType      `json:"type"`
	Severity  ErrorSeverity  `json:"severity"`
	UserID    string         `json:"userId,omitempty"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorHandler counts and logs the failures the hub observes. Nothing it
// records stops the hub; a failing connection is dropped by the caller.
type ErrorHandler struct {
	errorCounts     map[ErrorType]int
	errorCountsLock sync.RWMutex

	// Error history (circular buffer)
	errorHistory     []ErrorEvent
	errorHistorySize int
	errorHistoryPos  int
	errorHistoryLock sync.RWMutex

	// Callback for monitoring integration
	monitorCallback func(ErrorEvent)

	logger *slog.Logger
}

// NewErrorHandler creates a new error handler keeping the last historySize
// events.
func NewErrorHandler(historySize int, logger *slog.Logger) *ErrorHandler {
	if historySize <= 0 {
		historySize = 100
	}
	return &ErrorHandler{
		errorCounts:      make(map[ErrorType]int),
		errorHistory:     make([]ErrorEvent, historySize),
		errorHistorySize: historySize,
		logger:           logger,
	}
}

// SetMonitorCallback registers fn to observe every recorded event.
func (h *ErrorHandler) SetMonitorCallback(fn func(ErrorEvent)) {
	h.errorHistoryLock.Lock()
	h.monitorCallback = fn
	h.errorHistoryLock.Unlock()
}

// HandleConnectionError handles errors related to client transports
func (h *ErrorHandler) HandleConnectionError(userID string, err error) {
	h.record(ErrorEvent{
		Type:     ConnectionError,
		Severity: SeverityWarning,
		UserID:   userID,
		Message:  "Connection closed unexpectedly",
		Error:    errString(err),
	})
}

// HandleBroadcastError records a connection dropped during fan-out.
func (h *ErrorHandler) HandleBroadcastError(userID, room string, err error) {
	h.record(ErrorEvent{
		Type:     BroadcastError,
		Severity: SeverityWarning,
		UserID:   userID,
		Message:  "Dropped connection during broadcast",
		Error:    errString(err),
		Context:  map[string]any{"room": room},
	})
}

// HandleHandlerError records a failed or panicking event handler.
func (h *ErrorHandler) HandleHandlerError(kind string, err error) {
	h.record(ErrorEvent{
		Type:     HandlerError,
		Severity: SeverityError,
		Message:  "Event handler failed",
		Error:    errString(err),
		Context:  map[string]any{"event": kind},
	})
}

// HandleInvalidRequest records a client frame that was rejected.
func (h *ErrorHandler) HandleInvalidRequest(userID, code string, err error) {
	h.record(ErrorEvent{
		Type:     InvalidRequestError,
		Severity: SeverityInfo,
		UserID:   userID,
		Message:  "Rejected client request",
		Error:    errString(err),
		Context:  map[string]any{"code": code},
	})
}

// HandleDependencyError records a failure of an external dependency such as
// Redis presence, the message outbox or the application directory.
func (h *ErrorHandler) HandleDependencyError(errorType ErrorType, operation string, err error) {
	h.record(ErrorEvent{
		Type:     errorType,
		Severity: SeverityError,
		Message:  "Dependency operation failed",
		Error:    errString(err),
		Context:  map[string]any{"operation": operation},
	})
}

func (h *ErrorHandler) record(event ErrorEvent) {
	event.Timestamp = time.Now()

	h.errorCountsLock.Lock()
	h.errorCounts[event.Type]++
	h.errorCountsLock.Unlock()

	h.errorHistoryLock.Lock()
	h.errorHistory[h.errorHistoryPos] = event
	h.errorHistoryPos = (h.errorHistoryPos + 1) % h.errorHistorySize
	callback := h.monitorCallback
	h.errorHistoryLock.Unlock()

	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("severity", string(event.Severity)),
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("userID", event.UserID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	for k, v := range event.Context {
		attrs = append(attrs, slog.Any(k, v))
	}

	switch event.Severity {
	case SeverityInfo:
		h.logger.Debug(event.Message, attrs...)
	case SeverityWarning:
		h.logger.Warn(event.Message, attrs...)
	default:
		h.logger.Error(event.Message, attrs...)
	}

	if callback != nil {
		callback(event)
	}
}

// GetErrorStats returns statistics about errors that have occurred
func (h *ErrorHandler) GetErrorStats() map[ErrorType]int {
	h.errorCountsLock.RLock()
	defer h.errorCountsLock.RUnlock()

	stats := make(map[ErrorType]int, len(h.errorCounts))
	for k, v := range h.errorCounts {
		stats[k] = v
	}
	return stats
}

// ResetErrorStats resets the error statistics counters
func (h *ErrorHandler) ResetErrorStats() {
	h.errorCountsLock.Lock()
	h.errorCounts = make(map[ErrorType]int)
	h.errorCountsLock.Unlock()
}

// GetErrorHistory returns the recent error history, oldest first
func (h *ErrorHandler) GetErrorHistory() []ErrorEvent {
	h.errorHistoryLock.RLock()
	defer h.errorHistoryLock.RUnlock()

	history := make([]ErrorEvent, 0, h.errorHistorySize)
	for i := 0; i < h.errorHistorySize; i++ {
		pos := (h.errorHistoryPos + i) % h.errorHistorySize
		if !h.errorHistory[pos].Timestamp.IsZero() {
			history = append(history, h.errorHistory[pos])
		}
	}
	return history
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
