// Package broadcast implements a same-process, named publish/subscribe
// channel standing in for the browser BroadcastChannel API that tab
// leader election is specified against. Grounded on a comparable embedded store's
// NetworkManager.OnMessage/BroadcastMessage handler-registration-and-fan-out
// pattern, adapted from real TCP sockets to in-process channels since every
// "tab" in a Go process shares memory.
package broadcast

import "sync"

// Hub owns every named channel's subscriber set.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	mu      sync.Mutex
	nextID  int
	handles map[int]*Handle
}

// NewHub returns an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// Handle is one subscriber's view onto a named channel.
type Handle struct {
	id      int
	name    string
	hub     *Hub
	ch      *channel
	inbox   chan interface{}
	closeMu sync.Mutex
	closed  bool
}

// Open returns a Handle bound to the named channel, registering a new
// subscriber on it.
func (h *Hub) Open(name string) *Handle {
	h.mu.Lock()
	c, ok := h.channels[name]
	if !ok {
		c = &channel{handles: make(map[int]*Handle)}
		h.channels[name] = c
	}
	h.mu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	handle := &Handle{id: id, name: name, hub: h, ch: c, inbox: make(chan interface{}, 64)}
	c.handles[id] = handle
	c.mu.Unlock()

	return handle
}

// Post delivers msg to every other open handle on this channel. The sender
// never receives its own message, matching BroadcastChannel semantics.
func (handle *Handle) Post(msg interface{}) {
	handle.ch.mu.Lock()
	recipients := make([]*Handle, 0, len(handle.ch.handles))
	for id, other := range handle.ch.handles {
		if id == handle.id {
			continue
		}
		recipients = append(recipients, other)
	}
	handle.ch.mu.Unlock()

	for _, other := range recipients {
		select {
		case other.inbox <- msg:
		default:
			// Slow subscriber: drop rather than block the broadcaster, matching
			// BroadcastChannel's fire-and-forget delivery.
		}
	}
}

// Receive returns the channel of incoming messages for this handle.
func (handle *Handle) Receive() <-chan interface{} {
	return handle.inbox
}

// Close unregisters handle without affecting other subscribers on the same
// channel name.
func (handle *Handle) Close() {
	handle.closeMu.Lock()
	defer handle.closeMu.Unlock()
	if handle.closed {
		return
	}
	handle.closed = true

	handle.ch.mu.Lock()
	delete(handle.ch.handles, handle.id)
	handle.ch.mu.Unlock()

	close(handle.inbox)
}

// Available reports whether the broadcast hub itself is usable. It always
// returns true for the in-process Hub; a future transport backed by a real
// cross-process mechanism could return false under the same constraints the
// browser's private-mode BroadcastChannel restriction models.
func (h *Hub) Available() bool { return h != nil }
