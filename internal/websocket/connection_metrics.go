package websocket

import (
	"sync"
	"time"
)

// MetricType represents different types of metrics that can be collected
type MetricType string

const (
	MetricBroadcast  MetricType = "broadcast"
	MetricConnection MetricType = "connection"
	MetricInbound    MetricType = "inbound"
)

// PerformanceMetric represents a single measurement
type PerformanceMetric struct {
	Type         MetricType    `json:"type"`
	Operation    string        `json:"operation"`
	Duration     time.Duration `json:"duration"`
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	Room         string        `json:"room,omitempty"`
	MessageSize  int           `json:"messageSize,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ConnectionMetrics tracks fan-out and connection counters for the hub.
type ConnectionMetrics struct {
	// Metrics history (circular buffer)
	metricsHistory     []PerformanceMetric
	metricsHistorySize int
	metricsHistoryPos  int
	metricsLock        sync.RWMutex

	// Aggregated metrics
	totalBroadcasts      int
	totalMessages        int
	totalBroadcastTime   time.Duration
	totalSuccessMessages int
	totalFailedMessages  int
	peakBroadcastTime    time.Duration
	peakMessageSize      int
	peakRecipients       int
	connectionsOpened    int
	connectionsClosed    int
	inboundEvents        int
	metricsAggLock       sync.RWMutex
}

// NewConnectionMetrics creates a new connection metrics tracker
func NewConnectionMetrics(historySize int) *ConnectionMetrics {
	if historySize <= 0 {
		historySize = 100
	}
	return &ConnectionMetrics{
		metricsHistory:     make([]PerformanceMetric, historySize),
		metricsHistorySize: historySize,
	}
}

// RecordMetric records a new performance metric
func (cm *ConnectionMetrics) RecordMetric(metric PerformanceMetric) {
	cm.metricsLock.Lock()
	cm.metricsHistory[cm.metricsHistoryPos] = metric
	cm.metricsHistoryPos = (cm.metricsHistoryPos + 1) % cm.metricsHistorySize
	cm.metricsLock.Unlock()

	cm.metricsAggLock.Lock()
	defer cm.metricsAggLock.Unlock()
	switch metric.Type {
	case MetricBroadcast:
		cm.totalBroadcasts++
		cm.totalMessages += metric.SuccessCount + metric.FailureCount
		cm.totalBroadcastTime += metric.Duration
		cm.totalSuccessMessages += metric.SuccessCount
		cm.totalFailedMessages += metric.FailureCount

		if metric.Duration > cm.peakBroadcastTime {
			cm.peakBroadcastTime = metric.Duration
		}
		if metric.MessageSize > cm.peakMessageSize {
			cm.peakMessageSize = metric.MessageSize
		}
		if n := metric.SuccessCount + metric.FailureCount; n > cm.peakRecipients {
			cm.peakRecipients = n
		}
	case MetricConnection:
		cm.connectionsOpened += metric.SuccessCount
		cm.connectionsClosed += metric.FailureCount
	case MetricInbound:
		cm.inboundEvents += metric.SuccessCount + metric.FailureCount
	}
}

// RecordBroadcastMetric is a convenience method for recording one fan-out
func (cm *ConnectionMetrics) RecordBroadcastMetric(
	room string,
	duration time.Duration,
	successCount int,
	failureCount int,
	messageSize int,
) {
	cm.RecordMetric(PerformanceMetric{
		Type:         MetricBroadcast,
		Operation:    "broadcast_to_rooms",
		Duration:     duration,
		SuccessCount: successCount,
		FailureCount: failureCount,
		Room:         room,
		MessageSize:  messageSize,
		Timestamp:    time.Now(),
	})
}

// RecordConnectionOpened counts a registered connection.
func (cm *ConnectionMetrics) RecordConnectionOpened() {
	cm.RecordMetric(PerformanceMetric{
		Type:         MetricConnection,
		Operation:    "open",
		SuccessCount: 1,
		Timestamp:    time.Now(),
	})
}

// RecordConnectionClosed counts an unregistered connection.
func (cm *ConnectionMetrics) RecordConnectionClosed() {
	cm.RecordMetric(PerformanceMetric{
		Type:         MetricConnection,
		Operation:    "close",
		FailureCount: 1,
		Timestamp:    time.Now(),
	})
}

// RecordInbound counts a frame received from a client; accepted is false for
// frames that were rejected.
func (cm *ConnectionMetrics) RecordInbound(kind string, accepted bool) {
	m := PerformanceMetric{Type: MetricInbound, Operation: kind, Timestamp: time.Now()}
	if accepted {
		m.SuccessCount = 1
	} else {
		m.FailureCount = 1
	}
	cm.RecordMetric(m)
}

// GetMetricsHistory returns the recent metrics history
func (cm *ConnectionMetrics) GetMetricsHistory() []PerformanceMetric {
	cm.metricsLock.RLock()
	defer cm.metricsLock.RUnlock()

	history := make([]PerformanceMetric, 0, cm.metricsHistorySize)
	for i := 0; i < cm.metricsHistorySize; i++ {
		pos := (cm.metricsHistoryPos + i) % cm.metricsHistorySize
		if !cm.metricsHistory[pos].Timestamp.IsZero() {
			history = append(history, cm.metricsHistory[pos])
		}
	}
	return history
}

// GetAggregatedMetrics returns aggregated performance metrics
func (cm *ConnectionMetrics) GetAggregatedMetrics() map[string]interface{} {
	cm.metricsAggLock.RLock()
	defer cm.metricsAggLock.RUnlock()

	avgBroadcastTime := time.Duration(0)
	if cm.totalBroadcasts > 0 {
		avgBroadcastTime = cm.totalBroadcastTime / time.Duration(cm.totalBroadcasts)
	}

	successRate := float64(100)
	if cm.totalMessages > 0 {
		successRate = float64(cm.totalSuccessMessages) / float64(cm.totalMessages) * 100
	}

	return map[string]interface{}{
		"totalBroadcasts":      cm.totalBroadcasts,
		"totalMessages":        cm.totalMessages,
		"totalSuccessMessages": cm.totalSuccessMessages,
		"totalFailedMessages":  cm.totalFailedMessages,
		"avgBroadcastTime":     avgBroadcastTime.String(),
		"peakBroadcastTime":    cm.peakBroadcastTime.String(),
		"peakMessageSize":      cm.peakMessageSize,
		"peakRecipients":       cm.peakRecipients,
		"connectionsOpened":    cm.connectionsOpened,
		"connectionsClosed":    cm.connectionsClosed,
		"inboundEvents":        cm.inboundEvents,
		"successRate":          successRate,
	}
}

// ResetAggregatedMetrics resets the aggregated metrics counters
func (cm *ConnectionMetrics) ResetAggregatedMetrics() {
	cm.metricsAggLock.Lock()
	defer cm.metricsAggLock.Unlock()

	cm.totalBroadcasts = 0
	cm.totalMessages = 0
	cm.totalBroadcastTime = 0
	cm.totalSuccessMessages = 0
	cm.totalFailedMessages = 0
	cm.peakBroadcastTime = 0
	cm.peakMessageSize = 0
	cm.peakRecipients = 0
	cm.connectionsOpened = 0
	cm.connectionsClosed = 0
	cm.inboundEvents = 0
}
