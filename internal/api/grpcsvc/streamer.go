package grpcsvc

import (
	"sync"

	"github.com/superdarn/timingd/internal/card"
)

const subscriberBuffer = 100

// EventStreamer fans card events out to stream subscribers. It implements
// card.EventSink.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[chan card.Event]struct{}
	closed      bool
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[chan card.Event]struct{}),
	}
}

// Subscribe returns a channel of events. It is closed by Unsubscribe or
// Close.
func (s *EventStreamer) Subscribe() chan card.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan card.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers[ch] = struct{}{}
	return ch
}

func (s *EventStreamer) Unsubscribe(ch chan card.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// Publish never blocks; a full subscriber misses the event.
func (s *EventStreamer) Publish(e card.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *EventStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Close ends every subscription.
func (s *EventStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}
