package app

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"linkops/internal/generation"
	"linkops/internal/logging"
)

// clientBuffer is the per-client channel depth. Slow consumers fall behind by
// at most this many events before drops start.
const clientBuffer = 100

// maxHistory caps replayed events per session.
const maxHistory = 1000

// historySessions caps how many sessions keep replayable history. Sessions
// are never deleted from the store, so history retention is bounded here:
// the least recently active sessions fall out and their late attachers
// recover through the pull path instead of replay.
const historySessions = 256

// EventBroadcaster implements generation.EventListener and fans events out to
// attached push clients (SSE and WebSocket). It also retains a bounded event
// history per session so a client that attaches mid-run can replay what it
// missed before live events resume.
type EventBroadcaster struct {
	mu      sync.RWMutex
	clients map[string][]chan generation.Event
	logger  logging.Logger

	historyMu sync.Mutex
	history   *lru.Cache[string, []generation.Event]

	metrics broadcasterMetrics
}

type broadcasterMetrics struct {
	mu sync.RWMutex

	totalEventsSent   int64
	droppedEvents     int64
	totalConnections  int64
	activeConnections int64
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	history, _ := lru.New[string, []generation.Event](historySessions)
	return &EventBroadcaster{
		clients: make(map[string][]chan generation.Event),
		history: history,
		logger:  logging.NewComponentLogger("EventBroadcaster"),
	}
}

// OnEvent implements generation.EventListener. Delivery is best-effort and
// never blocks the driver; terminal events get the critical-delivery path.
func (b *EventBroadcaster) OnEvent(event generation.Event) {
	if event.SessionID == "" {
		b.logger.Warn("Dropping event %s without a session id", event.Type)
		return
	}

	b.storeHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	clients, ok := b.clients[event.SessionID]
	if !ok {
		b.logger.Debug("No clients attached to session %s for event %s", event.SessionID, event.Type)
		return
	}
	b.broadcastToClients(event.SessionID, clients, event)
}

func (b *EventBroadcaster) broadcastToClients(sessionID string, clients []chan generation.Event, event generation.Event) {
	for i, ch := range clients {
		select {
		case ch <- event:
			b.metrics.incrementEventsSent()
		default:
			if b.ensureCriticalDelivery(sessionID, i, len(clients), ch, event) {
				continue
			}
			b.logger.Warn("Client buffer full for session %s, dropping event %s (client %d/%d)",
				sessionID, event.Type, i+1, len(clients))
			b.metrics.incrementDroppedEvents()
		}
	}
}

// ensureCriticalDelivery forces a terminal event into a saturated client
// buffer. A client that misses intermediate sub-results recovers via the pull
// path; a client that misses the terminal transition spins forever.
func (b *EventBroadcaster) ensureCriticalDelivery(sessionID string, clientIndex, totalClients int, ch chan generation.Event, event generation.Event) bool {
	if !event.Terminal() {
		return false
	}

	// Retry first in case the consumer drained the buffer since the initial
	// attempt.
	select {
	case ch <- event:
		b.metrics.incrementEventsSent()
		return true
	default:
	}

	// Drop the oldest buffered event to make room.
	select {
	case <-ch:
	default:
		b.logger.Warn("Failed to free space for terminal event %s on session %s (client %d/%d)",
			event.Type, sessionID, clientIndex+1, totalClients)
		return false
	}

	select {
	case ch <- event:
		b.logger.Warn("Session %s client buffer saturated; dropped oldest event to deliver %s (client %d/%d)",
			sessionID, event.Type, clientIndex+1, totalClients)
		b.metrics.incrementEventsSent()
		return true
	default:
		b.logger.Warn("Client buffer refilled before delivering %s for session %s (client %d/%d)",
			event.Type, sessionID, clientIndex+1, totalClients)
		return false
	}
}

// RegisterClient attaches a client channel to a session and returns the
// history to replay before live delivery. The channel must be created with
// NewClientChannel so the buffer depth is uniform.
func (b *EventBroadcaster) RegisterClient(sessionID string, ch chan generation.Event) []generation.Event {
	b.mu.Lock()
	b.clients[sessionID] = append(b.clients[sessionID], ch)
	count := len(b.clients[sessionID])
	b.mu.Unlock()

	b.metrics.incrementConnections()
	b.logger.Info("Client registered for session %s (total: %d)", sessionID, count)
	return b.History(sessionID)
}

// NewClientChannel creates a channel sized for one push client.
func NewClientChannel() chan generation.Event {
	return make(chan generation.Event, clientBuffer)
}

// UnregisterClient detaches a client channel and closes it.
func (b *EventBroadcaster) UnregisterClient(sessionID string, ch chan generation.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[sessionID]
	for i, client := range clients {
		if client == ch {
			b.clients[sessionID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			b.metrics.decrementConnections()
			b.logger.Info("Client unregistered from session %s (remaining: %d)",
				sessionID, len(b.clients[sessionID]))

			if len(b.clients[sessionID]) == 0 {
				delete(b.clients, sessionID)
			}
			break
		}
	}
}

// ClientCount returns how many clients are attached to a session.
func (b *EventBroadcaster) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionID])
}

// storeHistory appends under historyMu; the cache's own lock does not cover
// the read-modify-write.
func (b *EventBroadcaster) storeHistory(event generation.Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	history, _ := b.history.Get(event.SessionID)
	history = append(history, event)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	b.history.Add(event.SessionID, history)
}

// History returns a copy of the stored events for a session. An evicted or
// unknown session returns nil.
func (b *EventBroadcaster) History(sessionID string) []generation.Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	history, ok := b.history.Get(sessionID)
	if !ok || len(history) == 0 {
		return nil
	}
	historyCopy := make([]generation.Event, len(history))
	copy(historyCopy, history)
	return historyCopy
}

func (m *broadcasterMetrics) incrementEventsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsSent++
}

func (m *broadcasterMetrics) incrementDroppedEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedEvents++
}

func (m *broadcasterMetrics) incrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	m.activeConnections++
}

func (m *broadcasterMetrics) decrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}

// BroadcasterMetrics is the exported metrics snapshot.
type BroadcasterMetrics struct {
	TotalEventsSent   int64          `json:"total_events_sent"`
	DroppedEvents     int64          `json:"dropped_events"`
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int64          `json:"active_connections"`
	BufferDepth       map[string]int `json:"buffer_depth"`
	SessionCount      int            `json:"session_count"`
}

// GetMetrics returns current broadcaster metrics.
func (b *EventBroadcaster) GetMetrics() BroadcasterMetrics {
	b.metrics.mu.RLock()
	snapshot := BroadcasterMetrics{
		TotalEventsSent:   b.metrics.totalEventsSent,
		DroppedEvents:     b.metrics.droppedEvents,
		TotalConnections:  b.metrics.totalConnections,
		ActiveConnections: b.metrics.activeConnections,
	}
	b.metrics.mu.RUnlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	bufferDepth := make(map[string]int)
	for sessionID, clients := range b.clients {
		depth := 0
		for _, ch := range clients {
			depth += len(ch)
		}
		if depth > 0 {
			bufferDepth[sessionID] = depth
		}
	}
	snapshot.BufferDepth = bufferDepth
	snapshot.SessionCount = len(b.clients)
	return snapshot
}
