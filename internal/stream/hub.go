// Package stream fans flag changes out to SSE connections. Each environment
// credential maps to one channel; subscribers get a bounded queue and slow
// consumers lose their oldest pending events rather than stalling the
// broadcaster.
package stream

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
)

const defaultBufferSize = 64

// Event types delivered to subscribers.
const (
	EventPut   = "put"
	EventPatch = "patch"
)

// Event is one message on an environment channel. Put events carry the full
// flag snapshot; patch events carry a single updated flag.
type Event struct {
	Type  string               `json:"type"`
	Flag  *core.Flag           `json:"flag,omitempty"`
	Flags map[string]core.Flag `json:"flags,omitempty"`
}

// Subscriber is one stream connection's view of its environment channel.
type Subscriber struct {
	id            string
	environmentID string
	events        chan Event
	done          chan struct{}
	hub           *Hub
	closeOnce     sync.Once
}

// Events returns the subscriber's event queue. The queue stays open until
// Unsubscribe; callers should select on Done as well.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique subscriber ID.
func (s *Subscriber) ID() string {
	return s.id
}

// Unsubscribe removes the subscriber from its channel. Safe to call more
// than once.
func (s *Subscriber) Unsubscribe() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.hub.mu.RLock()
		ch, ok := s.hub.channels[s.environmentID]
		s.hub.mu.RUnlock()

		if ok {
			ch.mu.Lock()
			delete(ch.subscribers, s.id)
			ch.mu.Unlock()
		}
	})
}

type channel struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

// Hub routes flag change events to the subscribers of each environment.
type Hub struct {
	bufferSize int
	onDrop     func(environmentID string)

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber queue capacity.
func WithBufferSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// WithDropCallback installs a callback invoked whenever a slow subscriber's
// oldest event is dropped.
func WithDropCallback(onDrop func(environmentID string)) Option {
	return func(h *Hub) {
		h.onDrop = onDrop
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: defaultBufferSize,
		channels:   make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber on an environment channel. The caller
// must Unsubscribe when the connection ends.
func (h *Hub) Subscribe(environmentID string) *Subscriber {
	sub := &Subscriber{
		id:            uuid.NewString(),
		environmentID: environmentID,
		events:        make(chan Event, h.bufferSize),
		done:          make(chan struct{}),
		hub:           h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.done)
		return sub
	}
	ch, ok := h.channels[environmentID]
	if !ok {
		ch = &channel{subscribers: make(map[string]*Subscriber)}
		h.channels[environmentID] = ch
	}
	h.mu.Unlock()

	ch.mu.Lock()
	ch.subscribers[sub.id] = sub
	ch.mu.Unlock()

	return sub
}

// BroadcastFlagUpdate delivers a patch for one flag to every subscriber of
// the environment.
func (h *Hub) BroadcastFlagUpdate(environmentID string, flag core.Flag) {
	h.Broadcast(environmentID, Event{Type: EventPatch, Flag: &flag})
}

// Broadcast delivers an event to every subscriber of the environment without
// blocking. When a subscriber's queue is full its oldest pending event is
// dropped to make room.
func (h *Hub) Broadcast(environmentID string, event Event) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	ch, ok := h.channels[environmentID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subscribers = append(subscribers, sub)
	}
	ch.mu.RUnlock()

	for _, sub := range subscribers {
		h.send(sub, event)
	}
}

func (h *Hub) send(sub *Subscriber, event Event) {
	for {
		select {
		case <-sub.done:
			return
		case sub.events <- event:
			return
		default:
		}

		select {
		case <-sub.events:
			if h.onDrop != nil {
				h.onDrop(sub.environmentID)
			}
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers on an environment
// channel.
func (h *Hub) SubscriberCount(environmentID string) int {
	h.mu.RLock()
	ch, ok := h.channels[environmentID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers)
}

// Close shuts down the hub and every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for _, sub := range ch.subscribers {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
		ch.subscribers = make(map[string]*Subscriber)
		ch.mu.Unlock()
	}
}
