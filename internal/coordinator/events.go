package coordinator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
)

// EventKind names a coordinator notification.
type EventKind string

const (
	EventSyncStart        EventKind = "syncStart"
	EventSyncComplete     EventKind = "syncComplete"
	EventSyncFailed       EventKind = "syncFailed"
	EventConnectionChange EventKind = "connectionChange"
	EventQueueChange      EventKind = "queueChange"
	EventConflictDetected EventKind = "conflictDetected"
	EventStateChange      EventKind = "stateChange"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{
	EventSyncStart,
	EventSyncComplete,
	EventSyncFailed,
	EventConnectionChange,
	EventQueueChange,
	EventConflictDetected,
	EventStateChange,
}

// Event is delivered to subscribers. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind     EventKind        `json:"kind"`
	At       time.Time        `json:"at"`
	State    State            `json:"state"`
	Online   bool             `json:"online"`
	Result   *queue.Result    `json:"result,omitempty"`
	Queue    *queue.Status    `json:"queue,omitempty"`
	Conflict *schema.Conflict `json:"conflict,omitempty"`
}

// Handler receives events. Handlers run synchronously on the goroutine that
// produced the event and must not block for long.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    EventKind
	handler Handler
}

// observers is the subscription registry. Delivery follows registration
// order.
type observers struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	logger zerolog.Logger
}

func (o *observers) subscribe(kind EventKind, h Handler) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, kind: kind, handler: h})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) emit(ev Event) {
	o.mu.Lock()
	var targets []Handler
	for _, s := range o.subs {
		if s.kind == ev.Kind {
			targets = append(targets, s.handler)
		}
	}
	o.mu.Unlock()

	for _, h := range targets {
		o.deliver(h, ev)
	}
}

func (o *observers) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("event handler panicked")
		}
	}()
	h(ev)
}
