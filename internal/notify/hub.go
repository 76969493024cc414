// Package notify fans job status changes out to connected subscribers.
// Publishing never blocks the publisher: each subscriber owns a buffered
// channel, and a subscriber that stops draining is dropped rather than
// stalling job execution.
package notify

import "sync"

// Event is one job status change. UserID routes the event and is not part
// of the wire payload.
type Event struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"-"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscriber receives events for a single user over C. The channel is closed
// when the subscriber is unsubscribed or dropped.
type Subscriber struct {
	userID string
	ch     chan Event
}

func (s *Subscriber) C() <-chan Event { return s.ch }

// Hub routes events to the subscribers of the matching user. All methods are
// safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		userID: userID,
		ch:     make(chan Event, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Publish delivers ev to every subscriber of ev.UserID. Sends happen under
// the hub lock, so a single subscriber observes events in publish order. A
// subscriber whose buffer is full is dropped.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
