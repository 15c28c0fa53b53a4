package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tsagent.websocket"

// OTelMetrics carries the hub's OpenTelemetry instruments. Attributes
// stay low-cardinality: direction and disconnect reason, never client ids.
type OTelMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram

	framesTotal metric.Int64Counter
	frameBytes  metric.Int64Counter

	broadcasts    metric.Int64Counter
	droppedEvents metric.Int64Counter
	clientCount   metric.Int64Gauge
}

// NewOTelMetrics registers the instruments on the global meter provider.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	connectionsTotal, err := meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections accepted"),
	)
	if err != nil {
		return nil, err
	}

	connectionsActive, err := meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	connectionDuration, err := meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	framesTotal, err := meter.Int64Counter(
		"websocket_frames_total",
		metric.WithDescription("Total number of WebSocket frames by direction"),
	)
	if err != nil {
		return nil, err
	}

	frameBytes, err := meter.Int64Counter(
		"websocket_frame_bytes_total",
		metric.WithDescription("Total WebSocket frame bytes by direction"),
	)
	if err != nil {
		return nil, err
	}

	broadcasts, err := meter.Int64Counter(
		"websocket_broadcasts_total",
		metric.WithDescription("Total number of hub broadcast operations"),
	)
	if err != nil {
		return nil, err
	}

	droppedEvents, err := meter.Int64Counter(
		"websocket_dropped_events_total",
		metric.WithDescription("Events dropped because a client buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	clientCount, err := meter.Int64Gauge(
		"websocket_client_count",
		metric.WithDescription("Current number of connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		connectionsTotal:   connectionsTotal,
		connectionsActive:  connectionsActive,
		connectionDuration: connectionDuration,
		framesTotal:        framesTotal,
		frameBytes:         frameBytes,
		broadcasts:         broadcasts,
		droppedEvents:      droppedEvents,
		clientCount:        clientCount,
	}, nil
}

// RecordConnection records a newly registered client.
func (m *OTelMetrics) RecordConnection(ctx context.Context) {
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

// RecordDisconnection records a client leaving the hub.
func (m *OTelMetrics) RecordDisconnection(ctx context.Context, duration time.Duration, reason string) {
	attrs := metric.WithAttributes(attribute.String("disconnect_reason", reason))
	m.connectionsActive.Add(ctx, -1, attrs)
	m.connectionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFrameSent records one outbound frame.
func (m *OTelMetrics) RecordFrameSent(ctx context.Context, size int64) {
	attrs := metric.WithAttributes(attribute.String("direction", "outbound"))
	m.framesTotal.Add(ctx, 1, attrs)
	m.frameBytes.Add(ctx, size, attrs)
}

// RecordFrameReceived records one inbound frame.
func (m *OTelMetrics) RecordFrameReceived(ctx context.Context, size int64) {
	attrs := metric.WithAttributes(attribute.String("direction", "inbound"))
	m.framesTotal.Add(ctx, 1, attrs)
	m.frameBytes.Add(ctx, size, attrs)
}

// RecordBroadcast records one fan-out and any deliveries dropped on a
// full client buffer.
func (m *OTelMetrics) RecordBroadcast(ctx context.Context, dropped int64) {
	m.broadcasts.Add(ctx, 1)
	if dropped > 0 {
		m.droppedEvents.Add(ctx, dropped)
	}
}

// RecordClientCount records the current number of connected clients.
func (m *OTelMetrics) RecordClientCount(ctx context.Context, count int64) {
	m.clientCount.Record(ctx, count)
}

// Global instance, initialized once at startup. Hub and clients tolerate
// a nil instance so tests run without a meter provider.
var globalOTelMetrics *OTelMetrics

// InitOTelMetrics initializes the package-level instruments.
func InitOTelMetrics() error {
	metrics, err := NewOTelMetrics()
	if err != nil {
		return err
	}
	globalOTelMetrics = metrics
	return nil
}

// GetOTelMetrics returns the package-level instruments, nil before
// InitOTelMetrics.
func GetOTelMetrics() *OTelMetrics {
	return globalOTelMetrics
}
