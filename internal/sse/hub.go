// Package sse fans server-sent events out to the streams of one session.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a stream for sessionID. The returned func unregisters
// it and closes the channel.
func (h *Hub) Subscribe(sessionID string) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[chan []byte]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[sessionID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends payload to every stream of sessionID. Streams whose buffer is
// full miss the payload.
func (h *Hub) Publish(sessionID string, payload []byte) {
	if sessionID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribers reports how many streams sessionID has open.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Encode frames data as one named event.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)), nil
}
