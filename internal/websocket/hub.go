// Package websocket pushes agent events to connected operator consoles.
// The hub fans out three event families — license state transitions,
// refresh cycle completions and update discoveries — as one-way
// notifications; clients never command the agent over this channel.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tsagent/internal/infrastructure"
)

// Event types pushed over the hub.
const (
	// EventConnection is the hello frame sent to a freshly registered client.
	EventConnection = "connection"

	// EventLicenseStatus announces a license state transition.
	EventLicenseStatus = "license:status"

	// EventRefreshComplete announces the outcome of a refresh cycle,
	// scheduled or API-triggered.
	EventRefreshComplete = "refresh:complete"

	// EventUpdateAvailable announces a newer agent version discovered by
	// the background update checker.
	EventUpdateAvailable = "update:available"
)

// Hub maintains the set of active clients and fans events out to them.
// All sends and closes on client channels happen in the Run goroutine,
// so a shutdown can never race a broadcast.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	totalConnections int64
	eventsSent       int64
	eventsDropped    int64

	quit        chan struct{}
	done        chan struct{}
	running     bool
	metricsQuit chan struct{}
}

// NewHub creates a hub. Call Start to begin accepting clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "websocket.hub"))

	return &Hub{
		broadcast:   make(chan []byte, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		logger:      logger,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		metricsQuit: make(chan struct{}),
	}
}

// Start launches the hub loop and the periodic metrics report. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
	go h.reportMetrics()
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.closeAllClients()
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.totalConnections++
			h.mu.Unlock()

			ctx := clientContext(client)
			h.logger.InfoContext(ctx, "client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			if m := GetOTelMetrics(); m != nil {
				m.RecordConnection(ctx)
				m.RecordClientCount(ctx, int64(count))
			}

			h.sendHello(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			close(client.send)
			count := len(h.clients)
			h.mu.Unlock()

			ctx := clientContext(client)
			h.logger.InfoContext(ctx, "client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))

			if m := GetOTelMetrics(); m != nil {
				m.RecordDisconnection(ctx, time.Since(client.connectedAt), "normal")
				m.RecordClientCount(ctx, int64(count))
			}

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut delivers one encoded event to every client. A client whose send
// buffer is full is disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	dropped := 0
	for _, client := range clients {
		select {
		case client.send <- message:
			sent++
		default:
			dropped++
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			close(client.send)

			h.logger.WarnContext(clientContext(client), "client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}

	h.mu.Lock()
	h.eventsSent += int64(sent)
	h.eventsDropped += int64(dropped)
	h.mu.Unlock()

	if m := GetOTelMetrics(); m != nil {
		m.RecordBroadcast(context.Background(), int64(dropped))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// sendHello delivers the connection frame to a newly registered client.
func (h *Hub) sendHello(ctx context.Context, client *Client) {
	hello := envelope(EventConnection, map[string]interface{}{
		"status":    "connected",
		"message":   "Connected to TS Agent event stream",
		"client_id": client.id,
	}, client.traceID)

	data, err := json.Marshal(hello)
	if err != nil {
		h.logger.ErrorContext(ctx, "marshaling hello frame", slog.String("error", err.Error()))
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.WarnContext(ctx, "hello frame dropped, client buffer full",
			slog.String("client_id", client.id))
	}
}

// PublishLicenseStatus announces a license state transition. Wired to
// the manager's state change handler.
func (h *Hub) PublishLicenseStatus(previous, current string) {
	h.Publish(EventLicenseStatus, map[string]interface{}{
		"previous": previous,
		"state":    current,
	})
}

// PublishRefreshComplete announces a finished refresh cycle. Outcome is
// the refresh classification (updated, up_to_date, unreachable, rejected),
// state the post-revalidation license state.
func (h *Hub) PublishRefreshComplete(outcome, state string, checkedAt time.Time) {
	h.Publish(EventRefreshComplete, map[string]interface{}{
		"outcome":    outcome,
		"state":      state,
		"checked_at": checkedAt.UTC().Format(time.RFC3339),
	})
}

// PublishUpdateAvailable announces a newer agent version discovered by the
// background checker. The payload carries the version and release notes;
// clients drive the actual download through the update API.
func (h *Hub) PublishUpdateAvailable(version, notes string) {
	h.Publish(EventUpdateAvailable, map[string]interface{}{
		"version": version,
		"notes":   notes,
	})
}

// Publish broadcasts an event with no trace context.
func (h *Hub) Publish(eventType string, data interface{}) {
	h.PublishWithTrace(eventType, data, "")
}

// PublishWithTrace broadcasts an event carrying the trace id of the
// request that caused it. Events published after Stop are discarded.
func (h *Hub) PublishWithTrace(eventType string, data interface{}, traceID string) {
	message := envelope(eventType, data, traceID)

	jsonData, err := json.Marshal(message)
	if err != nil {
		ctx := context.Background()
		if traceID != "" {
			ctx = infrastructure.WithTraceID(ctx, traceID)
		}
		h.logger.ErrorContext(ctx, "marshaling event",
			slog.String("error", err.Error()),
			slog.String("event_type", eventType))
		return
	}

	select {
	case h.broadcast <- jsonData:
	case <-h.quit:
	}
}

// envelope builds the wire frame every event shares.
func envelope(eventType string, data interface{}, traceID string) map[string]interface{} {
	message := map[string]interface{}{
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if traceID != "" {
		message["trace_id"] = traceID
	}
	return message
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub. The hub answers with the hello frame
// on the client's send channel.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Stop disconnects every client and stops the hub loop, blocking until
// the loop has exited. Idempotent.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	close(h.metricsQuit)
	<-h.done
}

// reportMetrics logs hub traffic counters periodically.
func (h *Hub) reportMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.metricsQuit:
			return

		case <-ticker.C:
			h.mu.RLock()
			activeClients := len(h.clients)
			totalConnections := h.totalConnections
			eventsSent := h.eventsSent
			eventsDropped := h.eventsDropped
			h.mu.RUnlock()

			h.logger.Info("hub metrics",
				slog.Int("active_clients", activeClients),
				slog.Int64("total_connections", totalConnections),
				slog.Int64("events_sent", eventsSent),
				slog.Int64("events_dropped", eventsDropped),
				slog.Int("broadcast_queue", len(h.broadcast)))
		}
	}
}

func clientContext(client *Client) context.Context {
	ctx := context.Background()
	if client.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, client.traceID)
	}
	return ctx
}
