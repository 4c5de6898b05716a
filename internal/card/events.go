package card

import "time"

type EventType string

const (
	EventAttach      EventType = "attach"
	EventDetach      EventType = "detach"
	EventDMAStarted  EventType = "dma_started"
	EventDMAComplete EventType = "dma_complete"
	EventInterrupt   EventType = "interrupt"
)

// Event is a card notification for live subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Slot    int       `json:"slot"`
	Count   int       `json:"count,omitempty"`
	Meaning string    `json:"meaning,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives card events. Publish is called from the interrupt path
// and must not block.
type EventSink interface {
	Publish(e Event)
}

// Fanout publishes to several sinks in order.
type Fanout []EventSink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		s.Publish(e)
	}
}
