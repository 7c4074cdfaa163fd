package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/application/contextassembler"
	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	"github.com/ngoclaw/agentcore/internal/infrastructure/policystore"
	"github.com/ngoclaw/agentcore/internal/infrastructure/store"
	"github.com/ngoclaw/agentcore/pkg/errors"
	"github.com/ngoclaw/agentcore/pkg/safego"
)

// UserInputRequest starts a new turn (§6 client-initiated requests).
type UserInputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
	Model     string `json:"model"`
}

// ToolReviewRequest resolves a pending review.
type ToolReviewRequest struct {
	SessionID string               `json:"sessionId"`
	ReviewID  string               `json:"reviewId"`
	Choice    session.ReviewChoice `json:"choice"`
}

// Service coordinates sessions: one logical agent task per session, started
// by user input and re-entered by tool-review resolution. Distinct sessions
// run in parallel; within a session turns are strictly sequential.
type Service struct {
	store      *store.Store
	loop       *agent.Loop
	events     agent.Emitter
	autoAccept func() []string    // profile-level accept-set defaults
	policies   *policystore.Store // optional per-model overrides
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewService wires the orchestrator. autoAccept and policies may be nil.
func NewService(st *store.Store, loop *agent.Loop, events agent.Emitter, autoAccept func() []string, policies *policystore.Store, logger *zap.Logger) *Service {
	if autoAccept == nil {
		autoAccept = func() []string { return nil }
	}
	return &Service{
		store:      st,
		loop:       loop,
		events:     events,
		autoAccept: autoAccept,
		policies:   policies,
		logger:     logger.With(zap.String("component", "agent-service")),
		running:    make(map[string]context.CancelFunc),
	}
}

// NewSessionID returns a fresh session identifier: an ISO-8601 timestamp
// with ':' and '.' replaced by '-', which sorts lexicographically by
// creation time.
func NewSessionID(now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.ReplaceAll(ts, ":", "-")
	return strings.ReplaceAll(ts, ".", "-")
}

// HandleUserInput creates the session on first input and starts a turn.
// Returns the session id (newly generated when the request carried none).
func (s *Service) HandleUserInput(req UserInputRequest) (string, error) {
	id := req.SessionID
	if id == "" {
		id = NewSessionID(time.Now())
	}

	if _, err := s.store.Get(id); err != nil {
		if err != store.ErrSessionNotFound {
			return "", err
		}
		sess := session.New(id, displayName(req.Input), req.Model, time.Now())
		for _, name := range s.autoAccept() {
			sess.Accept(name)
		}
		if s.policies != nil {
			if p, ok := s.policies.PolicyFor(req.Model); ok {
				for _, name := range p.AutoAccept {
					sess.Accept(name)
				}
			}
		}
		if err := s.store.Create(sess); err != nil {
			return "", err
		}
		s.events.SessionUpdate(*sess)
	}

	if !s.claim(id) {
		return "", errors.NewInvalidInputError(fmt.Sprintf("session %s already has an active turn", id))
	}
	s.launch(id, agent.Input{Text: req.Input})
	return id, nil
}

// HandleToolReview resolves one pending review (§4.6 resumption): persist
// the response, and re-enter the loop only once every request of the
// suspended turn is answered.
func (s *Service) HandleToolReview(req ToolReviewRequest) error {
	msgs, err := s.store.GetMessages(req.SessionID, true)
	if err != nil {
		return err
	}
	if err := agent.CheckReviewResponse(msgs, req.ReviewID); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	switch req.Choice {
	case session.ChoiceAcceptOnce, session.ChoiceAcceptSession, session.ChoiceRejectOnce:
	default:
		return errors.NewInvalidInputError(fmt.Sprintf("unknown review choice %q", req.Choice))
	}

	response := session.Message{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Role:      session.RoleUser,
		Review: &session.ToolReviewAttachment{
			Kind:     session.ReviewResponse,
			ReviewID: req.ReviewID,
			Choice:   req.Choice,
		},
		ForDisplay: session.VisibilityUserOnly,
		Timestamp:  time.Now(),
	}
	if err := s.store.AppendMessages(req.SessionID, []session.Message{response}); err != nil {
		return err
	}
	s.events.PersistentMessage(response)
	msgs = append(msgs, response)

	if outstanding := agent.OutstandingReviews(msgs); len(outstanding) > 0 {
		s.logger.Debug("turn still awaiting reviews",
			zap.String("session_id", req.SessionID),
			zap.Int("outstanding", len(outstanding)),
		)
		return nil
	}

	decisions, err := agent.CurrentTurnDecisions(msgs)
	if err != nil {
		return err
	}

	// accept_session extends the durable accept-set before the turn resumes.
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return err
	}
	changed := false
	for _, d := range decisions {
		if d.Choice == session.ChoiceAcceptSession && sess.Accept(d.Original.Name) {
			changed = true
		}
	}
	if changed {
		updated, err := s.store.Update(req.SessionID, session.Partial{AcceptSet: sess.AcceptSet})
		if err != nil {
			return err
		}
		s.events.SessionUpdate(*updated)
	}

	if !s.claim(req.SessionID) {
		return errors.NewInvalidInputError(fmt.Sprintf("session %s already has an active turn", req.SessionID))
	}
	s.launch(req.SessionID, agent.Input{Decisions: decisions})
	return nil
}

// Cancel aborts the session's in-flight turn, if any.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every in-flight turn.
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, c := range s.running {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// UserInput and ToolReview adapt the transport's plain-argument surface to
// the request structs.
func (s *Service) UserInput(sessionID, input, model string) (string, error) {
	return s.HandleUserInput(UserInputRequest{SessionID: sessionID, Input: input, Model: model})
}

func (s *Service) ToolReview(sessionID, reviewID, choice string) error {
	return s.HandleToolReview(ToolReviewRequest{
		SessionID: sessionID,
		ReviewID:  reviewID,
		Choice:    session.ReviewChoice(choice),
	})
}

// ListSessions, GetMessages and GetImage pass through to the store for the
// transport adapters.
func (s *Service) ListSessions() ([]*session.Session, error) { return s.store.List() }

// ListSessionsFiltered supports status filtering and cursor paging.
func (s *Service) ListSessionsFiltered(status session.Status, after string, limit int) ([]*session.Session, error) {
	return s.store.ListFiltered(store.ListOptions{Status: status, After: after, Limit: limit})
}

func (s *Service) GetMessages(id string, includeHidden bool) ([]session.Message, error) {
	msgs, err := s.store.GetMessages(id, includeHidden)
	if err == store.ErrSessionNotFound {
		return nil, errors.NewNotFoundError(fmt.Sprintf("session %s not found", id))
	}
	return msgs, err
}

func (s *Service) GetImage(id, name string) ([]byte, error) { return s.store.GetImage(id, name) }

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	// Placeholder until launch stores the real cancel func under the same
	// lock acquisition in launch.
	s.running[id] = func() {}
	return true
}

func (s *Service) launch(id string, input agent.Input) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	safego.Go(s.logger, "agent-turn-"+id, func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()
		if err := s.loop.Run(ctx, id, input); err != nil {
			s.logger.Error("agent turn failed",
				zap.String("session_id", id),
				zap.Error(err),
			)
		}
	})
}

func displayName(input string) string {
	name := strings.TrimSpace(input)
	if len(name) > 48 {
		name = name[:48]
	}
	if name == "" {
		name = "New session"
	}
	return name
}

// Assembler adapts the contextassembler package to the agent loop's
// interface, binding it to the store's image blobs.
type Assembler struct {
	Images contextassembler.ImageLoader
}

func (a Assembler) Assemble(sessionID string, msgs []session.Message) ([]llm.Content, error) {
	return contextassembler.Assemble(sessionID, msgs, a.Images)
}

func (a Assembler) AppendMerging(history []llm.Content, content llm.Content) []llm.Content {
	return contextassembler.AppendMerging(history, content)
}
