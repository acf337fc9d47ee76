package session

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/audiorelay/pkg/transform"
)

// DefaultSubscriberBuffer is the channel capacity handed to subscribers that
// do not ask for one.
const DefaultSubscriberBuffer = 32

// TranscriptEvent is one recognised utterance or interim hypothesis.
type TranscriptEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

var _ transform.TranscriptObserver = (*Hub)(nil)

// Hub fans transcript events out to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan TranscriptEvent
	next   uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub returns an open hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan TranscriptEvent)}
}

// OnTranscript publishes one event.
func (h *Hub) OnTranscript(text string, isFinal bool) {
	ev := TranscriptEvent{Text: text, Final: isFinal}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription. The channel is closed when either the subscription or the
// hub ends. buffer <= 0 selects [DefaultSubscriberBuffer].
func (h *Hub) Subscribe(buffer int) (<-chan TranscriptEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan TranscriptEvent, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
