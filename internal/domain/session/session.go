// Package session defines the durable data model for the agent execution
// core: sessions, messages, content blocks and tool-review attachments.
package session

import "time"

// Status is the lifecycle state of a session's current turn.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPending  Status = "pending"
	StatusStagnant Status = "stagnant"
	StatusError    Status = "error"
)

// Session is the durable per-session record. It is created on first user
// input and updated on every status transition and every accept-set change.
type Session struct {
	ID            string          `json:"id"`
	DisplayName   string          `json:"displayName"`
	Model         string          `json:"model"`
	Status        Status          `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	AcceptSet     map[string]bool `json:"acceptSet"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// New creates a fresh session record with an empty accept-set.
func New(id, displayName, model string, now time.Time) *Session {
	return &Session{
		ID:          id,
		DisplayName: displayName,
		Model:       model,
		Status:      StatusRunning,
		AcceptSet:   map[string]bool{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasAccepted reports whether toolName is in the session's accept-set.
func (s *Session) HasAccepted(toolName string) bool {
	if s == nil || s.AcceptSet == nil {
		return false
	}
	return s.AcceptSet[toolName]
}

// Accept adds toolName to the accept-set. Returns true if it was newly added.
func (s *Session) Accept(toolName string) bool {
	if s.AcceptSet == nil {
		s.AcceptSet = map[string]bool{}
	}
	if s.AcceptSet[toolName] {
		return false
	}
	s.AcceptSet[toolName] = true
	return true
}

// Partial carries the mutable subset of Session fields accepted by Update.
// The id is never part of a partial update.
type Partial struct {
	DisplayName   *string
	Model         *string
	Status        *Status
	StatusMessage *string
	AcceptSet     map[string]bool
}

// Merge applies a partial update onto the session in place.
func (s *Session) Merge(p Partial, now time.Time) {
	if p.DisplayName != nil {
		s.DisplayName = *p.DisplayName
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.StatusMessage != nil {
		s.StatusMessage = *p.StatusMessage
	}
	if p.AcceptSet != nil {
		s.AcceptSet = p.AcceptSet
	}
	s.UpdatedAt = now
}
