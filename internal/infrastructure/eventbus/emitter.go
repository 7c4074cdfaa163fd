package eventbus

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/session"
)

// Emitter adapts a Bus to the agent loop's event surface. Persistent
// messages and status transitions go through the (optionally WAL-backed)
// bus; stream deltas are fire-and-forget by construction.
type Emitter struct {
	bus Bus
}

// NewEmitter wraps bus.
func NewEmitter(bus Bus) *Emitter {
	return &Emitter{bus: bus}
}

// PersistentMessage publishes a fully-formed persisted message. Callers
// only invoke this for messages with forDisplay != false.
func (e *Emitter) PersistentMessage(msg session.Message) {
	e.bus.Publish(context.Background(), NewEvent(EventTypePersistentMessage, msg))
}

// StreamMessage publishes a partial model output delta.
func (e *Emitter) StreamMessage(sessionID string, role session.Role, text, thought string) {
	e.bus.Publish(context.Background(), NewEvent(EventTypeStreamMessage, StreamMessagePayload{
		SessionID: sessionID,
		Role:      string(role),
		Text:      text,
		Thought:   thought,
	}))
}

// SessionStatus publishes a session state transition.
func (e *Emitter) SessionStatus(sessionID string, status session.Status, message string) {
	e.bus.Publish(context.Background(), NewEvent(EventTypeSessionStatus, SessionStatusPayload{
		SessionID: sessionID,
		Status:    string(status),
		Message:   message,
	}))
}

// SessionUpdate publishes the session's new metadata after an accept-set or
// display change.
func (e *Emitter) SessionUpdate(sess session.Session) {
	e.bus.Publish(context.Background(), NewEvent(EventTypeSessionUpdate, sess))
}
