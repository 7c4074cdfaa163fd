// Package eventbus is the process-wide broadcast channel for the three
// event kinds external subscribers consume (§6): persistent_message,
// stream_message, session_status. Fan-out is non-blocking best-effort; the
// session message log stays the source of truth and slow subscribers
// reconcile by re-reading it.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is anything dispatched through a Bus.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is the default Event implementation.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

func (e *BaseEvent) Type() string         { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }
func (e *BaseEvent) Payload() any         { return e.EventPayload }

// NewEvent wraps a payload with its type and the current wall clock.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler consumes events. Handlers must not block for long; the bus runs
// them concurrently but a stalled handler delays its event's dispatch round.
type Handler func(ctx context.Context, event Event)

// Bus is the pub/sub surface.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType string, handler Handler)
	Unsubscribe(eventType string, handler Handler)
	Close()
}

// InMemoryBus is a buffered, drop-on-overflow Bus. Publish never blocks the
// caller: when the buffer is full the event is dropped and logged, per the
// backpressure rule of §5.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus creates a bus with the given buffer size and starts its
// dispatch goroutine.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues an event without blocking. Full buffer drops the event.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
		b.logger.Debug("Event published",
			zap.String("type", event.Type()),
		)
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", event.Type()),
		)
	}
}

// Subscribe registers a handler for eventType. "*" subscribes to everything.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make([]Handler, 0)
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", eventType),
	)
}

// Unsubscribe removes the most recently registered handler for eventType.
// Go functions aren't comparable, so removing the last registration is the
// only well-defined behavior.
func (b *InMemoryBus) Unsubscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	if len(handlers) == 0 {
		return
	}

	newHandlers := handlers[:len(handlers)-1]
	if len(newHandlers) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = newHandlers
	}
}

// Close drains and stops the dispatch goroutine.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0)

	if h, ok := b.handlers[event.Type()]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Handler panicked",
						zap.String("event_type", event.Type()),
						zap.Any("panic", r),
					)
				}
			}()
			h(ctx, event)
		}(handler)
	}
	wg.Wait()
}

// Event types emitted by the execution core (§6), plus session_update for
// accept-set and metadata changes.
const (
	EventTypePersistentMessage = "persistent_message"
	EventTypeStreamMessage     = "stream_message"
	EventTypeSessionStatus     = "session_status"
	EventTypeSessionUpdate     = "session_update"
)

// StreamMessagePayload is a partial model output delta. Role is "model" for
// the planning LLM and "grounding_model" for detection calls.
type StreamMessagePayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Text      string `json:"text,omitempty"`
	Thought   string `json:"thought,omitempty"`
}

// SessionStatusPayload announces a session state transition.
type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}
