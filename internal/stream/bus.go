package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventKind names a bus event.
type EventKind string

const (
	EventUserSaved       EventKind = "message.user_saved"
	EventStreamStart     EventKind = "streaming.start"
	EventStreamChunk     EventKind = "streaming.chunk"
	EventStreamThought   EventKind = "streaming.thought"
	EventActionStart     EventKind = "action.start"
	EventActionComplete  EventKind = "action.complete"
	EventObservation     EventKind = "action.observation"
	EventCancelAck       EventKind = "streaming.cancel_ack"
	EventStreamCancelled EventKind = "streaming.cancelled"
	EventStreamError     EventKind = "streaming.error"
	EventPersistSuccess  EventKind = "persistence.success"
	EventPersistFailure  EventKind = "persistence.failure"
	EventStreamEnd       EventKind = "streaming.end"
)

// Event is one bus message.
type Event struct {
	Kind    EventKind
	Payload map[string]any
	At      time.Time
}

// Handler consumes an event. Errors are logged and isolated; they never
// stop dispatch to other handlers.
type Handler func(ev Event) error

const historySize = 1000

type subscription struct {
	id       int
	priority int
	handler  Handler
}

// Bus is an in-process pub/sub with priority-ordered dispatch. Emission
// enqueues; a background drain dispatches synchronously per event, so
// handlers for one event run in priority order and events stay FIFO.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[EventKind][]subscription
	nextID int

	queue chan Event

	histMu  sync.Mutex
	history []Event

	done chan struct{}
	once sync.Once
}

func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger,
		subs:   make(map[EventKind][]subscription),
		queue:  make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Subscribe attaches a handler to an event kind. Higher priority runs
// first. Returns an unsubscribe func.
func (b *Bus) Subscribe(kind EventKind, priority int, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	subs := append(b.subs[kind], subscription{id: id, priority: priority, handler: h})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
	b.subs[kind] = subs

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current := b.subs[kind]
		for i, s := range current {
			if s.id == id {
				b.subs[kind] = append(current[:i:i], current[i+1:]...)
				return
			}
		}
	}
}

// Emit enqueues an event for dispatch. Blocks only if the queue is
// full.
func (b *Bus) Emit(kind EventKind, payload map[string]any) {
	ev := Event{Kind: kind, Payload: payload, At: time.Now()}
	select {
	case <-b.done:
	case b.queue <- ev:
	}
}

func (b *Bus) drain() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.record(ev)

	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[ev.Kind]...)
	b.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "event", string(ev.Kind), "panic", r)
				}
			}()
			if err := s.handler(ev); err != nil {
				b.logger.Warn("event handler failed", "event", string(ev.Kind), "error", err)
			}
		}()
	}
}

func (b *Bus) record(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
}

// History returns a copy of the recent event ring, oldest first.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return append([]Event(nil), b.history...)
}

// Close stops the drain loop after the queue empties or ctx expires.
func (b *Bus) Close(ctx context.Context) {
	b.once.Do(func() {
		for {
			select {
			case <-ctx.Done():
				close(b.done)
				return
			case ev := <-b.queue:
				b.dispatch(ev)
			default:
				close(b.done)
				return
			}
		}
	})
}
