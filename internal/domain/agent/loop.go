package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
)

// ComputerToolName is the name grounded calls carry: the remote
// OS-automation endpoint the tool runtime dispatches them to.
const ComputerToolName = ".computer"

// Loop drives one session's turns. One Loop instance serves the whole
// process; all per-turn state (geometry, tiles, parts buffer, pending flag)
// lives on the stack of Run.
type Loop struct {
	deps    Deps
	config  Config
	catalog map[string]bool
	logger  *zap.Logger
}

// NewLoop builds a Loop, filling in clock and id defaults.
func NewLoop(deps Deps, config Config, logger *zap.Logger) *Loop {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultConfig().Temperature
	}
	return &Loop{
		deps:    deps,
		config:  config,
		catalog: tool.CatalogNames(),
		logger:  logger.With(zap.String("component", "agent-loop")),
	}
}

// Run executes turns for sessionID until the session goes stagnant, suspends
// at the review gate, or fails. Terminal status transitions (stagnant,
// pending, error) are persisted and emitted before Run returns; the returned
// error mirrors the error status for the caller's logging.
func (l *Loop) Run(ctx context.Context, sessionID string, input Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("agent loop panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
		if err != nil {
			l.setStatus(sessionID, session.StatusError, err.Error())
		}
	}()

	return l.runTurns(ctx, sessionID, input)
}

// turnState is the transient per-turn bookkeeping of §3: pending flag,
// delayed auto-accepted calls, tool-response accumulator. The parts buffer
// itself lives on runTurns' stack.
type turnState struct {
	pending   bool
	delayed   []ReviewDecision       // auto-accepted calls, executed at turn end
	toolParts []session.ContentBlock // non-computer + forged tool responses
}

func (l *Loop) runTurns(ctx context.Context, sessionID string, input Input) error {
	sess, err := l.deps.Store.Get(sessionID)
	if err != nil {
		return err
	}
	model := sess.Model
	if model == "" {
		model = l.config.Model
	}

	// Seed history from the log before this run appends anything, then keep
	// it in memory for the rest of the run; every message persisted below is
	// mirrored into it so replay from storage would produce the same
	// contents.
	logged, err := l.deps.Store.GetMessages(sessionID, true)
	if err != nil {
		return err
	}
	history, err := l.deps.Assembler.Assemble(sessionID, logged)
	if err != nil {
		return err
	}

	buffer, done, err := l.seed(ctx, sessionID, sess, input)
	if err != nil || done {
		return err
	}

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.setStatus(sessionID, session.StatusRunning, fmt.Sprintf("Turn %d", turn))

		// Observe.
		shot, geo, tiles, st, err := l.observe(ctx, sessionID, turn)
		if err != nil {
			return err
		}
		label := fmt.Sprintf("Screenshot taken at %s", l.deps.Now().UTC().Format(time.RFC3339))
		if err := l.persistObservation(sessionID, turn, shot, tiles, label); err != nil {
			return err
		}
		buffer = append(buffer, llm.TextPart(label))
		for _, t := range tiles {
			buffer = append(buffer, llm.ImagePart(llm.ImageData{MIMEType: "image/png", Data: t}))
		}

		// Plan.
		history = l.deps.Assembler.AppendMerging(history, llm.Content{Role: llm.RoleUser, Parts: buffer})
		resp, err := l.plan(ctx, sessionID, model, history)
		if err != nil {
			return err
		}
		if resp == nil {
			l.setStatus(sessionID, session.StatusError, "Model returned empty response even after retry.")
			return nil
		}

		modelMsg := l.newMessage(sessionID, session.RoleModel, nil, session.VisibilityBoth)
		var modelParts []llm.Part
		if resp.Thought != "" {
			modelMsg.Content = append(modelMsg.Content, session.ThoughtBlock(resp.Thought))
		}
		if resp.Text != "" {
			modelMsg.Content = append(modelMsg.Content, session.TextBlock(resp.Text))
			modelParts = append(modelParts, llm.TextPart(resp.Text))
		}
		for _, fc := range resp.ToolCalls {
			modelMsg.Content = append(modelMsg.Content, session.FunctionCallBlock(session.FunctionCall{
				ID: fc.ID, Name: fc.Name, Args: fc.Args,
			}))
			modelParts = append(modelParts, llm.FunctionCallPart(fc))
		}
		if err := l.persist(sessionID, modelMsg); err != nil {
			return err
		}
		history = l.deps.Assembler.AppendMerging(history, llm.Content{Role: llm.RoleModel, Parts: modelParts})

		// Ground and dispatch.
		if len(resp.ToolCalls) == 0 {
			l.setStatus(sessionID, session.StatusStagnant, "No more tool calls from model.")
			return nil
		}

		state, reviewMsgs, err := l.ground(ctx, sessionID, sess, resp.ToolCalls, geo, tiles, st, shot)
		if err != nil {
			return err
		}

		// Finalize: the grouped tool message precedes the review messages so
		// replay produces identical ordering (§5).
		if len(state.toolParts) > 0 {
			msg := l.newMessage(sessionID, session.RoleTool, state.toolParts, session.VisibilityBoth)
			if err := l.persist(sessionID, msg); err != nil {
				return err
			}
		}
		for _, m := range reviewMsgs {
			if err := l.persist(sessionID, m); err != nil {
				return err
			}
		}

		if state.pending {
			l.setStatus(sessionID, session.StatusPending, "Tool call pending.")
			return nil
		}

		delayedParts, err := l.executeDelayed(ctx, sessionID, state.delayed)
		if err != nil {
			return err
		}

		buffer = nil
		for _, p := range state.toolParts {
			buffer = append(buffer, llm.FunctionResponsePart(llm.FunctionResponse{
				ID:     p.FunctionResponse.ID,
				Name:   p.FunctionResponse.Name,
				Output: p.FunctionResponse.Output,
				Error:  p.FunctionResponse.Error,
			}))
		}
		buffer = append(buffer, delayedParts...)
	}
}

// seed implements §4.6 step 1: persist the user text, or execute/reject the
// resolved review decisions. done is true when the turn must not continue
// (all decisions rejected).
func (l *Loop) seed(ctx context.Context, sessionID string, sess *session.Session, input Input) (buffer []llm.Part, done bool, err error) {
	if len(input.Decisions) == 0 {
		msg := l.newMessage(sessionID, session.RoleUser,
			[]session.ContentBlock{session.TextBlock(input.Text)}, session.VisibilityBoth)
		if err := l.persist(sessionID, msg); err != nil {
			return nil, false, err
		}
		return []llm.Part{llm.TextPart(input.Text)}, false, nil
	}

	allRejected := true
	for _, d := range input.Decisions {
		fr := session.FunctionResponse{ID: d.Original.ID, Name: d.Original.Name}
		if d.Choice == session.ChoiceRejectOnce {
			fr.Error = "Rejected by user"
		} else {
			allRejected = false
			output, execErr := l.deps.Computer.Execute(ctx, d.Grounded.Args)
			if execErr != nil {
				if ctx.Err() != nil {
					return nil, false, execErr
				}
				fr.Error = execErr.Error()
			} else {
				fr.Output = output
			}
		}
		msg := l.newMessage(sessionID, session.RoleTool,
			[]session.ContentBlock{session.FunctionResponseBlock(fr)}, session.VisibilityBoth)
		if err := l.persist(sessionID, msg); err != nil {
			return nil, false, err
		}
		buffer = append(buffer, llm.FunctionResponsePart(llm.FunctionResponse{
			ID: fr.ID, Name: fr.Name, Output: fr.Output, Error: fr.Error,
		}))
	}

	if allRejected {
		l.setStatus(sessionID, session.StatusStagnant, "User rejected all tool calls.")
		return nil, true, nil
	}
	return buffer, false, nil
}

// observe captures a screenshot and derives the turn's geometry, tiles and
// tiler. The geometry is a fresh value every call (§9).
func (l *Loop) observe(ctx context.Context, sessionID string, turn int) (shot []byte, geo *geometry.Geometry, tiles [][]byte, st ScreenTiler, err error) {
	shot, err = l.deps.Computer.Screenshot(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(shot))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode screenshot: %w", err)
	}
	geo, err = geometry.New(cfg.Width, cfg.Height)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	st = l.deps.NewTiler(geo)
	tiles, err = st.Tile(shot)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	l.logger.Debug("screenshot tiled",
		zap.String("session_id", sessionID),
		zap.Int("turn", turn),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("tiles", len(tiles)),
	)
	return shot, geo, tiles, st, nil
}

// persistObservation writes the two workflow messages of §4.6 step 2: the
// user-visible original screenshot and the model-only tile set, both with
// the same timestamp label.
func (l *Loop) persistObservation(sessionID string, turn int, shot []byte, tiles [][]byte, label string) error {
	shotName := fmt.Sprintf("turn-%d-screenshot.png", turn)
	if err := l.deps.Store.PutImage(sessionID, shotName, shot); err != nil {
		return err
	}
	userView := l.newMessage(sessionID, session.RoleWorkflow, []session.ContentBlock{
		session.ImageBlock(imageRef(sessionID, shotName)),
		session.TextBlock(label),
	}, session.VisibilityUserOnly)
	if err := l.persist(sessionID, userView); err != nil {
		return err
	}

	blocks := make([]session.ContentBlock, 0, len(tiles)+1)
	for i, t := range tiles {
		name := fmt.Sprintf("turn-%d-tile-%d.png", turn, i)
		if err := l.deps.Store.PutImage(sessionID, name, t); err != nil {
			return err
		}
		blocks = append(blocks, session.ImageBlock(imageRef(sessionID, name)))
	}
	blocks = append(blocks, session.TextBlock(label))
	modelView := l.newMessage(sessionID, session.RoleWorkflow, blocks, session.VisibilityModelOnly)
	return l.persist(sessionID, modelView)
}

// plan issues the streaming planning call, retrying once with "continue" on
// an empty response. A nil response (no error) means empty-after-retry.
func (l *Loop) plan(ctx context.Context, sessionID, model string, history []llm.Content) (*llm.Response, error) {
	resp, err := l.planOnce(ctx, sessionID, model, history)
	if err != nil {
		return nil, err
	}
	if !emptyResponse(resp) {
		return resp, nil
	}

	l.logger.Warn("empty planning response, retrying with continue",
		zap.String("session_id", sessionID))
	retryHistory := l.deps.Assembler.AppendMerging(history,
		llm.Content{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("continue")}})
	resp, err = l.planOnce(ctx, sessionID, model, retryHistory)
	if err != nil {
		return nil, err
	}
	if emptyResponse(resp) {
		return nil, nil
	}
	return resp, nil
}

func (l *Loop) planOnce(ctx context.Context, sessionID, model string, history []llm.Content) (*llm.Response, error) {
	temp := l.config.Temperature
	req := &llm.GenerateRequest{
		Model:       model,
		Contents:    history,
		Tools:       l.catalogDeclarations(),
		Temperature: &temp,
		Thinking:    &llm.ThinkingConfig{IncludeThoughts: true},
	}

	deltaCh := make(chan llm.StreamChunk, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range deltaCh {
			if chunk.DeltaText != "" || chunk.DeltaThought != "" {
				l.deps.Events.StreamMessage(sessionID, session.RoleModel, chunk.DeltaText, chunk.DeltaThought)
			}
		}
	}()

	resp, err := l.deps.LLM.GenerateStream(ctx, req, deltaCh)
	close(deltaCh)
	<-drained
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func emptyResponse(resp *llm.Response) bool {
	return resp == nil || (strings.TrimSpace(resp.Text) == "" && len(resp.ToolCalls) == 0)
}

// catalogDeclarations returns the registry's definitions restricted to the
// five planner-visible tools, in a stable order.
func (l *Loop) catalogDeclarations() []llm.ToolDeclaration {
	defs := l.deps.Registry.List()
	byName := make(map[string]tool.Definition, len(defs))
	for _, d := range defs {
		if l.catalog[d.Name] {
			byName[d.Name] = d
		}
	}
	ordered := []string{"computer_click", "computer_type", "computer_drag_and_drop", "computer_key", "computer_wait"}
	decls := make([]llm.ToolDeclaration, 0, len(byName))
	for _, name := range ordered {
		if d, ok := byName[name]; ok {
			decls = append(decls, llm.ToolDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}
	return decls
}

// ground runs §4.6 step 4 over the plan's function calls in order, building
// the turn's tool-response accumulator, review messages and delayed list.
func (l *Loop) ground(
	ctx context.Context,
	sessionID string,
	sess *session.Session,
	calls []llm.FunctionCall,
	geo *geometry.Geometry,
	tiles [][]byte,
	st ScreenTiler,
	shot []byte,
) (*turnState, []session.Message, error) {
	state := &turnState{}
	var reviewMsgs []session.Message

	detector := l.deps.NewDetector(sessionID, geo, tiles, func(thought, text string) {
		l.deps.Events.StreamMessage(sessionID, session.RoleGroundingModel, text, thought)
	})
	gctx := tool.GroundingContext{
		Detector:  &markingDetector{inner: &cachingDetector{inner: detector}},
		TileCount: len(tiles),
		Highlight: func(tileIndex int, box geometry.Box) ([]byte, error) {
			return st.HighlightBox(shot, tileIndex, box)
		},
	}

	seen := make(map[string]bool)
	reviewSeq := 0
	for _, fc := range calls {
		original := session.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		if original.ID == "" {
			original.ID = l.callID(fc.Name)
		}
		// A broken model repeating an id would corrupt response mapping, so
		// duplicates within one plan response are rejected outright.
		if seen[original.ID] {
			state.pushError(original, fmt.Sprintf("Duplicate function call id %q in model response", original.ID))
			continue
		}
		seen[original.ID] = true

		if !l.catalog[fc.Name] {
			state.toolParts = append(state.toolParts, l.executeDirect(ctx, original))
			continue
		}

		ct, _ := l.deps.Registry.Get(fc.Name)
		catalogTool, ok := ct.(tool.CatalogTool)
		if !ok {
			state.pushError(original, fmt.Sprintf("Tool %s is not groundable", fc.Name))
			continue
		}

		grounded, describe, err := catalogTool.Ground(ctx, fc.Args, gctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			var de *detectionError
			if errors.As(err, &de) {
				state.pushError(original, "Error during grounding: "+de.Unwrap().Error())
			} else {
				state.pushError(original, err.Error())
			}
			continue
		}

		groundedCall := session.FunctionCall{
			ID:   original.ID,
			Name: ComputerToolName,
			Args: mergeAction(grounded),
		}

		reviewID := l.deps.NewID()
		reviewSeq++
		parts, err := describe(ctx, func(ctx context.Context, png []byte, label string) (string, error) {
			name := fmt.Sprintf("review-%s-%d.png", reviewID, reviewSeq)
			reviewSeq++
			if err := l.deps.Store.PutImage(sessionID, name, png); err != nil {
				return "", err
			}
			return name, nil
		})
		if err != nil {
			l.logger.Warn("description producer failed",
				zap.String("session_id", sessionID),
				zap.String("tool", fc.Name),
				zap.Error(err),
			)
		}

		blocks := make([]session.ContentBlock, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				blocks = append(blocks, session.TextBlock(p.Text))
			}
			if p.ImageFilename != "" {
				blocks = append(blocks, session.ImageBlock(imageRef(sessionID, p.ImageFilename)))
			}
		}
		request := l.newMessage(sessionID, session.RoleWorkflow, blocks, session.VisibilityUserOnly)
		request.Review = &session.ToolReviewAttachment{
			Kind:                 session.ReviewRequest,
			ReviewID:             reviewID,
			GroundedFunctionCall: &groundedCall,
			OriginalFunctionCall: &original,
		}
		reviewMsgs = append(reviewMsgs, request)

		if sess.HasAccepted(fc.Name) {
			response := l.newMessage(sessionID, session.RoleUser, nil, session.VisibilityUserOnly)
			response.Review = &session.ToolReviewAttachment{
				Kind:     session.ReviewResponse,
				ReviewID: reviewID,
				Choice:   session.ChoiceAcceptSession,
			}
			reviewMsgs = append(reviewMsgs, response)
			state.delayed = append(state.delayed, ReviewDecision{
				ReviewID: reviewID,
				Grounded: groundedCall,
				Original: original,
				Choice:   session.ChoiceAcceptSession,
			})
		} else {
			state.pending = true
		}
	}

	return state, reviewMsgs, nil
}

// executeDirect runs a non-catalog call through the tool runtime (§4.6
// step 4's first dispatch arm) and returns its response block.
func (l *Loop) executeDirect(ctx context.Context, call session.FunctionCall) session.ContentBlock {
	fr := session.FunctionResponse{ID: call.ID, Name: call.Name}
	t, ok := l.deps.Registry.Get(call.Name)
	if !ok {
		fr.Error = fmt.Sprintf("Unknown tool: %s", call.Name)
		return session.FunctionResponseBlock(fr)
	}
	result, err := t.Execute(ctx, call.Args)
	switch {
	case err != nil:
		fr.Error = err.Error()
	case result.Error != "":
		fr.Error = result.Error
	default:
		fr.Output = result.Output
	}
	return session.FunctionResponseBlock(fr)
}

// executeDelayed runs the auto-accepted grounded calls in order and persists
// their responses as one tool message (awaited, not fire-and-forget, so the
// log ordering of §5 holds).
func (l *Loop) executeDelayed(ctx context.Context, sessionID string, delayed []ReviewDecision) ([]llm.Part, error) {
	if len(delayed) == 0 {
		return nil, nil
	}
	blocks := make([]session.ContentBlock, 0, len(delayed))
	parts := make([]llm.Part, 0, len(delayed))
	for _, d := range delayed {
		fr := session.FunctionResponse{ID: d.Original.ID, Name: d.Original.Name}
		output, err := l.deps.Computer.Execute(ctx, d.Grounded.Args)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			fr.Error = err.Error()
		} else {
			fr.Output = output
		}
		blocks = append(blocks, session.FunctionResponseBlock(fr))
		parts = append(parts, llm.FunctionResponsePart(llm.FunctionResponse{
			ID: fr.ID, Name: fr.Name, Output: fr.Output, Error: fr.Error,
		}))
	}
	msg := l.newMessage(sessionID, session.RoleTool, blocks, session.VisibilityBoth)
	if err := l.persist(sessionID, msg); err != nil {
		return nil, err
	}
	return parts, nil
}

func (s *turnState) pushError(call session.FunctionCall, msg string) {
	s.toolParts = append(s.toolParts, session.FunctionResponseBlock(session.FunctionResponse{
		ID:    call.ID,
		Name:  call.Name,
		Error: msg,
	}))
}

// persist appends one message to the log and emits it to subscribers when
// it is display-visible.
func (l *Loop) persist(sessionID string, msg session.Message) error {
	if err := l.deps.Store.AppendMessages(sessionID, []session.Message{msg}); err != nil {
		return err
	}
	if msg.VisibleForDisplay() {
		l.deps.Events.PersistentMessage(msg)
	}
	return nil
}

func (l *Loop) newMessage(sessionID string, role session.Role, content []session.ContentBlock, vis session.Visibility) session.Message {
	return session.Message{
		ID:         l.deps.NewID(),
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		ForDisplay: vis,
		Timestamp:  l.deps.Now(),
	}
}

func (l *Loop) setStatus(sessionID string, status session.Status, message string) {
	if _, err := l.deps.Store.Update(sessionID, session.Partial{
		Status:        &status,
		StatusMessage: &message,
	}); err != nil {
		l.logger.Error("failed to persist status transition",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	l.deps.Events.SessionStatus(sessionID, status, message)
}

// callID generates a synthetic function-call id when the model omits one:
// <name>-<unix_ms>-<random>.
func (l *Loop) callID(name string) string {
	suffix := l.deps.NewID()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%d-%s", name, l.deps.Now().UnixMilli(), suffix)
}

func imageRef(sessionID, fileName string) string {
	return fmt.Sprintf("internal://%s/%s", sessionID, fileName)
}

// mergeAction flattens a GroundedCall into the argument map the
// OS-automation endpoint accepts: {action: ..., <args>...}.
func mergeAction(call *tool.GroundedCall) map[string]interface{} {
	args := make(map[string]interface{}, len(call.Args)+1)
	args["action"] = call.Action
	for k, v := range call.Args {
		args[k] = v
	}
	return args
}

// markingDetector wraps detection failures so ground can distinguish them
// from argument-validation failures: only the former get the
// "Error during grounding:" prefix (§7).
type markingDetector struct {
	inner tool.Detector
}

func (d *markingDetector) Detect(ctx context.Context, tileIndex int, description string) (*tool.Detection, error) {
	det, err := d.inner.Detect(ctx, tileIndex, description)
	if err != nil {
		return nil, &detectionError{err: err}
	}
	return det, nil
}

type detectionError struct {
	err error
}

func (e *detectionError) Error() string { return e.err.Error() }
func (e *detectionError) Unwrap() error { return e.err }

// cachingDetector memoizes successful detections for one turn, so a planner
// that emits the same (tile, description) pair twice in a single plan
// response doesn't ground it twice. Failures are not cached — a transient
// detection error may succeed on the next call.
type cachingDetector struct {
	inner tool.Detector
	cache map[string]*tool.Detection
}

func (d *cachingDetector) Detect(ctx context.Context, tileIndex int, description string) (*tool.Detection, error) {
	key := fmt.Sprintf("%d\x00%s", tileIndex, description)
	if det, ok := d.cache[key]; ok {
		return det, nil
	}
	det, err := d.inner.Detect(ctx, tileIndex, description)
	if err != nil {
		return nil, err
	}
	if d.cache == nil {
		d.cache = make(map[string]*tool.Detection)
	}
	d.cache[key] = det
	return det, nil
}
