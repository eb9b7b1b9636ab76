// Package sse fans map-surface updates out to browsers over Server-Sent Events.
package sse

import (
	"time"
)

// Manager defines the interface for SSE client management
type Manager interface {
	// AddClient registers a new SSE client and returns a channel for messages
	AddClient(clientID string) <-chan Message

	// RemoveClient unregisters an SSE client if messages is still its channel
	RemoveClient(clientID string, messages <-chan Message)

	// HasClients returns true if there are any connected clients
	HasClients() bool

	// ClientCount returns the number of connected clients
	ClientCount() int

	// Broadcast sends a message to all connected clients
	Broadcast(message Message)

	// SendToClient sends a message to a specific client
	SendToClient(clientID string, message Message)

	// SetClientConnectCallback sets a callback run after a client has connected
	SetClientConnectCallback(callback func(clientID string))

	// NotifyClientConnected runs the connect callback for clientID
	NotifyClientConnected(clientID string)
}

// Message represents a Server-Sent Event message
type Message struct {
	ID        int64       `json:"id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event types emitted by the map surface.
const (
	EventConnected = "connected"
	EventSurface   = "surface"
	EventSource    = "source"
	EventRemoved   = "removed"
)
