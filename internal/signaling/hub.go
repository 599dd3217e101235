// Package signaling carries protocol messages over one websocket channel per
// connected user. Channels are addressed by user id, so relaying to the other
// party of a call is an explicit lookup.
package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"callern/internal/protocol"
)

var (
	ErrNotConnected  = errors.New("user not connected")
	ErrSlowConsumer  = errors.New("channel send buffer full")
	errClientClosing = errors.New("client closing")
)

// Hub is the registry of live channels. A user has at most one channel; a
// newer connection replaces the older one.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	watchers map[string]struct{}

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		watchers: make(map[string]struct{}),
		log:      log,
	}
}

// Send queues msg for userID. It never blocks.
func (h *Hub) Send(userID string, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(data)
}

// Connected reports whether userID has a live channel.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// register installs c and returns the client it replaced, if any.
func (h *Hub) register(c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	return old
}

// unregister removes c unless a newer client already replaced it.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] != c {
		return false
	}
	delete(h.clients, c.userID)
	delete(h.watchers, c.userID)
	return true
}

func (h *Hub) watch(userID string) {
	h.mu.Lock()
	h.watchers[userID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unwatch(userID string) {
	h.mu.Lock()
	delete(h.watchers, userID)
	h.mu.Unlock()
}

// broadcastWatchers sends msg to every user watching teacher presence.
func (h *Hub) broadcastWatchers(msg protocol.Message) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.watchers))
	for id := range h.watchers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		if err := h.Send(id, msg); err != nil {
			h.log.Debug("watcher notify failed", "user_id", id, "err", err)
		}
	}
}

// Len is the number of live channels.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
