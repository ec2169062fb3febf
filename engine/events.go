package engine

import (
	"sync"
	"time"
)

// EventType labels task lifecycle notifications.
type EventType string

const (
	EventTorrentAdded   EventType = "added"
	EventTorrentStarted EventType = "started"
	EventTorrentStopped EventType = "stopped"
	EventTorrentDone    EventType = "done"
	EventTorrentDeleted EventType = "deleted"
	EventTorrentError   EventType = "error"
)

// Event is one task lifecycle notification.
type Event struct {
	Type     EventType `json:"type"`
	InfoHash string    `json:"infoHash"`
	Time     time.Time `json:"time"`
}

// eventHub fans lifecycle events out to subscribers. Slow subscribers
// lose events rather than block the engine.
type eventHub struct {
	mut  sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan Event{}}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mut.Lock()
	defer h.mut.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 16)
	h.subs[id] = ch
	return ch, func() {
		h.mut.Lock()
		defer h.mut.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *eventHub) publish(ev Event) {
	h.mut.Lock()
	defer h.mut.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers for task lifecycle events. The returned cancel
// func must be called to release the subscription.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.hub.subscribe()
}

func (e *Engine) pub(tp EventType, infohash string) {
	e.hub.publish(Event{Type: tp, InfoHash: infohash, Time: time.Now()})
}
