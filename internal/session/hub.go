package session

import "sync"

// Topics published to observers.
const (
	TopicRoster   = "roster"
	TopicPlayback = "playback"
	TopicQueue    = "queue"
	TopicNotice   = "notice"
)

// Update tells an attached observer which part of the session changed.
// Observers re-read the state they care about.
type Update struct {
	Topic string `json:"topic"`
}

// Hub fans updates out to attached observers. A slow observer misses
// updates rather than blocking the session.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Update]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Update]struct{})}
}

// Attach registers an observer. The returned func detaches it and closes
// the channel; it is safe to call more than once.
func (h *Hub) Attach() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- Update{Topic: topic}:
		default:
			// Listener buffer full, skip
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
