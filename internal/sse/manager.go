package sse

import (
	"sync"
	"time"

	"github.com/stwalsh4118/paddockview/internal/logger"
)

// clientBuffer is the per-client queue depth; a full queue drops messages.
const clientBuffer = 64

// manager implements the SSE Manager interface
type manager struct {
	clients   map[string]chan Message
	onConnect func(clientID string)
	log       *logger.Logger
	nextID    int64
	mu        sync.RWMutex
}

// NewManager creates a new SSE manager instance
func NewManager(log *logger.Logger) Manager {
	return &manager{
		clients: make(map[string]chan Message),
		log:     log.WithComponent("sse"),
	}
}

func (m *manager) AddClient(clientID string) <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.clients[clientID]; ok {
		close(existing)
		delete(m.clients, clientID)
	}

	ch := make(chan Message, clientBuffer)
	m.clients[clientID] = ch

	m.log.Debug("SSE client connected", map[string]interface{}{
		"client_id": clientID,
		"total":     len(m.clients),
	})

	return ch
}

func (m *manager) RemoveClient(clientID string, messages <-chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A reconnect under the same id has already replaced (and closed) messages.
	if ch, ok := m.clients[clientID]; ok && ch == messages {
		close(ch)
		delete(m.clients, clientID)
		m.log.Debug("SSE client disconnected", map[string]interface{}{
			"client_id": clientID,
			"remaining": len(m.clients),
		})
	}
}

func (m *manager) HasClients() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.clients) > 0
}

func (m *manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.clients)
}

func (m *manager) Broadcast(message Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	message = m.stamp(message)
	for clientID, ch := range m.clients {
		m.deliver(clientID, ch, message)
	}
}

func (m *manager) SendToClient(clientID string, message Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.clients[clientID]
	if !ok {
		return
	}
	m.deliver(clientID, ch, m.stamp(message))
}

func (m *manager) SetClientConnectCallback(callback func(clientID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnect = callback
}

func (m *manager) NotifyClientConnected(clientID string) {
	m.mu.RLock()
	callback := m.onConnect
	m.mu.RUnlock()

	if callback != nil {
		callback(clientID)
	}
}

// stamp assigns a monotonically increasing id and a timestamp.
// Must be called with mu held.
func (m *manager) stamp(message Message) Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	if message.ID == 0 {
		m.nextID++
		message.ID = m.nextID
	}
	return message
}

func (m *manager) deliver(clientID string, ch chan Message, message Message) {
	select {
	case ch <- message:
	default:
		m.log.Warn("SSE client queue full, dropping message", map[string]interface{}{
			"client_id": clientID,
			"type":      message.Type,
		})
	}
}
