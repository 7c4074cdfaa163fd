package agent_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/application/contextassembler"
	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	"github.com/ngoclaw/agentcore/internal/infrastructure/store"
)

// --- fakes -------------------------------------------------------------------

type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.GenerateRequest
}

func (f *fakeLLM) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Response, error) {
	return f.GenerateStream(ctx, req, nil)
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req *llm.GenerateRequest, deltaCh chan<- llm.StreamChunk) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fakeLLM: no scripted response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if deltaCh != nil && resp.Text != "" {
		deltaCh <- llm.StreamChunk{DeltaText: resp.Text}
	}
	return resp, nil
}

type executed struct {
	args map[string]interface{}
}

type fakeComputer struct {
	mu         sync.Mutex
	screenshot []byte
	executions []executed
	output     string
}

func (f *fakeComputer) Screenshot(ctx context.Context) ([]byte, error) {
	return f.screenshot, nil
}

func (f *fakeComputer) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, executed{args: args})
	return f.output, nil
}

// fakeDetector maps any description to a fixed normalized box, converting
// via the turn's real geometry, or fails with err.
type fakeDetector struct {
	geo *geometry.Geometry
	box geometry.Box
	err error
}

func (f *fakeDetector) Detect(ctx context.Context, tileIndex int, description string) (*tool.Detection, error) {
	if f.err != nil {
		return nil, f.err
	}
	x, y, err := f.geo.ToScreenCoord(tileIndex, f.box)
	if err != nil {
		return nil, err
	}
	return &tool.Detection{TileIndex: tileIndex, Box: f.box, X: x, Y: y}, nil
}

type fakeTiler struct {
	tiles int
}

func (f *fakeTiler) Tile(shot []byte) ([][]byte, error) {
	tiles := make([][]byte, f.tiles)
	for i := range tiles {
		tiles[i] = encodePNG(8, 8)
	}
	return tiles, nil
}

func (f *fakeTiler) HighlightBox(shot []byte, tileIndex int, box geometry.Box) ([]byte, error) {
	return encodePNG(8, 8), nil
}

type statusRecord struct {
	status  session.Status
	message string
}

type fakeEmitter struct {
	mu       sync.Mutex
	statuses []statusRecord
	streamed []string
}

func (f *fakeEmitter) PersistentMessage(msg session.Message) {}

func (f *fakeEmitter) StreamMessage(sessionID string, role session.Role, text, thought string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, string(role)+":"+text)
}

func (f *fakeEmitter) SessionStatus(sessionID string, status session.Status, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusRecord{status: status, message: message})
}

func (f *fakeEmitter) SessionUpdate(sess session.Session) {}

func (f *fakeEmitter) last() statusRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[len(f.statuses)-1]
}

type testAssembler struct {
	images contextassembler.ImageLoader
}

func (a testAssembler) Assemble(sessionID string, msgs []session.Message) ([]llm.Content, error) {
	return contextassembler.Assemble(sessionID, msgs, a.images)
}

func (a testAssembler) AppendMerging(history []llm.Content, content llm.Content) []llm.Content {
	return contextassembler.AppendMerging(history, content)
}

func encodePNG(w, h int) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)))
	return buf.Bytes()
}

// --- harness -----------------------------------------------------------------

type harness struct {
	store    *store.Store
	llm      *fakeLLM
	computer *fakeComputer
	emitter  *fakeEmitter
	detErr   error
	detBox   geometry.Box
	loop     *agent.Loop
	sess     *session.Session
}

func newHarness(t *testing.T, accept ...string) *harness {
	t.Helper()
	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		store:    st,
		llm:      &fakeLLM{},
		computer: &fakeComputer{screenshot: encodePNG(768, 768), output: "ok"},
		emitter:  &fakeEmitter{},
		detBox:   geometry.Box{100, 100, 200, 200},
	}

	registry := tool.NewInMemoryRegistry()
	require.NoError(t, tool.RegisterCatalog(registry))

	var idSeq int
	deps := agent.Deps{
		Store:     st,
		LLM:       h.llm,
		Assembler: testAssembler{images: st},
		Computer:  h.computer,
		Registry:  registry,
		NewTiler:  func(geo *geometry.Geometry) agent.ScreenTiler { return &fakeTiler{tiles: geo.TileCount()} },
		NewDetector: func(sessionID string, geo *geometry.Geometry, tiles [][]byte, stream func(thought, text string)) tool.Detector {
			return &fakeDetector{geo: geo, box: h.detBox, err: h.detErr}
		},
		Events: h.emitter,
		Now:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			idSeq++
			return fmt.Sprintf("id-%04d", idSeq)
		},
	}
	h.loop = agent.NewLoop(deps, agent.Config{Model: "test-model"}, zap.NewNop())

	h.sess = session.New("2024-05-01T12-00-00-000Z", "test", "test-model", time.Now())
	for _, name := range accept {
		h.sess.Accept(name)
	}
	require.NoError(t, st.Create(h.sess))
	return h
}

func (h *harness) messages(t *testing.T) []session.Message {
	t.Helper()
	msgs, err := h.store.GetMessages(h.sess.ID, true)
	require.NoError(t, err)
	return msgs
}

func click(id string, imageID int, desc string) llm.FunctionCall {
	return llm.FunctionCall{
		ID:   id,
		Name: "computer_click",
		Args: map[string]interface{}{"image_id": imageID, "element_description": desc},
	}
}

func reviewRequests(msgs []session.Message) []session.Message {
	var out []session.Message
	for _, m := range msgs {
		if m.Review != nil && m.Review.Kind == session.ReviewRequest {
			out = append(out, m)
		}
	}
	return out
}

func toolResponses(msgs []session.Message) []session.FunctionResponse {
	var out []session.FunctionResponse
	for _, m := range msgs {
		if m.Role != session.RoleTool {
			continue
		}
		for _, b := range m.Content {
			if b.Kind == session.BlockFunctionResponse {
				out = append(out, *b.FunctionResponse)
			}
		}
	}
	return out
}

// --- scenarios ---------------------------------------------------------------

// S1: single click, review requested, then rejected by the user.
func TestLoop_ClickRejectedByUser(t *testing.T) {
	h := newHarness(t)
	h.llm.responses = []*llm.Response{
		{Text: "Clicking the File menu.", ToolCalls: []llm.FunctionCall{click("call-1", 0, "File menu")}},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "Open the file menu"})
	require.NoError(t, err)

	last := h.emitter.last()
	assert.Equal(t, session.StatusPending, last.status)
	assert.Equal(t, "Tool call pending.", last.message)

	msgs := h.messages(t)
	requests := reviewRequests(msgs)
	require.Len(t, requests, 1)
	grounded := requests[0].Review.GroundedFunctionCall
	require.NotNil(t, grounded)
	assert.Equal(t, agent.ComputerToolName, grounded.Name)
	assert.Equal(t, "call-1", grounded.ID)
	// 768x768 screenshot, box [100,100,200,200]: center (150,150) normalized,
	// de-normalized to (round(150*768/1000), round(150*768/1000)) = (115,115).
	assert.Equal(t, []int{115, 115}, toIntSlice(grounded.Args["coordinate"]))

	// User rejects: persist the response, rebuild decisions, resume.
	reject := session.Message{
		ID: "resp-1", SessionID: h.sess.ID, Role: session.RoleUser,
		Review: &session.ToolReviewAttachment{
			Kind:     session.ReviewResponse,
			ReviewID: requests[0].Review.ReviewID,
			Choice:   session.ChoiceRejectOnce,
		},
		ForDisplay: session.VisibilityUserOnly,
		Timestamp:  time.Now(),
	}
	require.NoError(t, h.store.AppendMessages(h.sess.ID, []session.Message{reject}))

	decisions, err := agent.CurrentTurnDecisions(h.messages(t))
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	err = h.loop.Run(context.Background(), h.sess.ID, agent.Input{Decisions: decisions})
	require.NoError(t, err)

	responses := toolResponses(h.messages(t))
	require.Len(t, responses, 1)
	assert.Equal(t, "call-1", responses[0].ID)
	assert.Equal(t, "Rejected by user", responses[0].Error)

	last = h.emitter.last()
	assert.Equal(t, session.StatusStagnant, last.status)
	assert.Equal(t, "User rejected all tool calls.", last.message)
	assert.Empty(t, h.computer.executions, "a rejected call must never reach the OS-automation tool")
}

// S2: one validation error plus one auto-accepted wait in the same turn.
func TestLoop_ValidationErrorAndAutoAcceptedWait(t *testing.T) {
	h := newHarness(t, "computer_wait")
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{
			click("bad-click", 99, "nowhere"),
			{ID: "wait-1", Name: "computer_wait", Args: map[string]interface{}{"time": 2.0}},
		}},
		{Text: "All done."},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "wait a bit"})
	require.NoError(t, err)

	msgs := h.messages(t)
	responses := toolResponses(msgs)
	require.Len(t, responses, 2)
	assert.Equal(t, "bad-click", responses[0].ID)
	assert.Contains(t, responses[0].Error, "Image ID exceeds the number of cropped screenshots")
	assert.Equal(t, "wait-1", responses[1].ID)
	assert.Equal(t, "ok", responses[1].Output)

	requests := reviewRequests(msgs)
	require.Len(t, requests, 1, "only the wait call is grounded, so only one review request")
	assert.Equal(t, "wait-1", requests[0].Review.OriginalFunctionCall.ID)

	// The forged-error tool message precedes the review messages (§5).
	var toolIdx, reviewIdx int
	for i, m := range msgs {
		if m.Role == session.RoleTool && toolIdx == 0 {
			toolIdx = i
		}
		if m.Review != nil && m.Review.Kind == session.ReviewRequest {
			reviewIdx = i
		}
	}
	assert.Less(t, toolIdx, reviewIdx)

	require.Len(t, h.computer.executions, 1)
	assert.Equal(t, "wait", h.computer.executions[0].args["action"])

	last := h.emitter.last()
	assert.Equal(t, session.StatusStagnant, last.status)
	assert.Equal(t, "No more tool calls from model.", last.message)
}

// S3: accept_session means no review gate and a single delayed tool message.
func TestLoop_AcceptSessionSkipsReviewGate(t *testing.T) {
	h := newHarness(t, "computer_click")
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{click("c1", 0, "OK button")}},
		{Text: "Done."},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "press ok"})
	require.NoError(t, err)

	msgs := h.messages(t)

	// A review request is still logged, paired with a synthetic
	// accept_session response; the turn never suspends.
	requests := reviewRequests(msgs)
	require.Len(t, requests, 1)
	var response *session.ToolReviewAttachment
	for _, m := range msgs {
		if m.Review != nil && m.Review.Kind == session.ReviewResponse {
			response = m.Review
		}
	}
	require.NotNil(t, response)
	assert.Equal(t, requests[0].Review.ReviewID, response.ReviewID)
	assert.Equal(t, session.ChoiceAcceptSession, response.Choice)

	responses := toolResponses(msgs)
	require.Len(t, responses, 1)
	assert.Equal(t, "c1", responses[0].ID)
	assert.Equal(t, "ok", responses[0].Output)

	require.Len(t, h.computer.executions, 1)
	assert.Equal(t, "click", h.computer.executions[0].args["action"])

	last := h.emitter.last()
	assert.Equal(t, session.StatusStagnant, last.status)
}

// S4: empty model output, one "continue" retry, then error status.
func TestLoop_EmptyResponseAfterRetry(t *testing.T) {
	h := newHarness(t)
	h.llm.responses = []*llm.Response{
		{Thought: "hmm"}, // thought-only counts as empty
		{},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "do something"})
	require.NoError(t, err)

	last := h.emitter.last()
	assert.Equal(t, session.StatusError, last.status)
	assert.Equal(t, "Model returned empty response even after retry.", last.message)

	// The retry carried an extra user part "continue".
	require.Len(t, h.llm.requests, 2)
	retry := h.llm.requests[1]
	lastContent := retry.Contents[len(retry.Contents)-1]
	lastPart := lastContent.Parts[len(lastContent.Parts)-1]
	assert.Equal(t, "continue", lastPart.Text)

	assert.Empty(t, h.computer.executions)
}

// S5: grounding failure becomes a forged "Error during grounding:" response
// and the turn continues.
func TestLoop_GroundingFailureForgesError(t *testing.T) {
	h := newHarness(t)
	h.detErr = fmt.Errorf("grounding: invalid box: ymin (10) >= ymax (5)")
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{click("c1", 0, "ghost element")}},
		{Text: "Giving up."},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "click the ghost"})
	require.NoError(t, err)

	responses := toolResponses(h.messages(t))
	require.Len(t, responses, 1)
	assert.Equal(t, "c1", responses[0].ID)
	assert.True(t, strings.HasPrefix(responses[0].Error, "Error during grounding:"), responses[0].Error)

	last := h.emitter.last()
	assert.Equal(t, session.StatusStagnant, last.status)
	assert.Empty(t, h.computer.executions)
}

// S6: two pending reviews resolve one at a time; the turn resumes only after
// the second, executing both in request order, one tool message per decision.
func TestLoop_TwoPendingReviewsResumeTogether(t *testing.T) {
	h := newHarness(t)
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{
			click("c1", 0, "first"),
			click("c2", 0, "second"),
		}},
		{Text: "Finished."},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "click both"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, h.emitter.last().status)

	msgs := h.messages(t)
	requests := reviewRequests(msgs)
	require.Len(t, requests, 2)

	answer := func(reviewID string) {
		msg := session.Message{
			ID: "resp-" + reviewID, SessionID: h.sess.ID, Role: session.RoleUser,
			Review: &session.ToolReviewAttachment{
				Kind:     session.ReviewResponse,
				ReviewID: reviewID,
				Choice:   session.ChoiceAcceptOnce,
			},
			ForDisplay: session.VisibilityUserOnly,
			Timestamp:  time.Now(),
		}
		require.NoError(t, h.store.AppendMessages(h.sess.ID, []session.Message{msg}))
	}

	// First response alone does not unblock the turn.
	answer(requests[0].Review.ReviewID)
	assert.NotEmpty(t, agent.OutstandingReviews(h.messages(t)))
	_, err = agent.CurrentTurnDecisions(h.messages(t))
	assert.Error(t, err)

	// Second response resolves the turn; rebuild decisions and resume.
	answer(requests[1].Review.ReviewID)
	assert.Empty(t, agent.OutstandingReviews(h.messages(t)))
	decisions, err := agent.CurrentTurnDecisions(h.messages(t))
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "c1", decisions[0].Original.ID)
	assert.Equal(t, "c2", decisions[1].Original.ID)

	err = h.loop.Run(context.Background(), h.sess.ID, agent.Input{Decisions: decisions})
	require.NoError(t, err)

	require.Len(t, h.computer.executions, 2)

	// Both responses land as tool messages in request order with original ids.
	responses := toolResponses(h.messages(t))
	require.Len(t, responses, 2)
	assert.Equal(t, "c1", responses[0].ID)
	assert.Equal(t, "c2", responses[1].ID)
	assert.Equal(t, session.StatusStagnant, h.emitter.last().status)
}

// A call id repeated within one plan response is rejected with a forged
// error rather than corrupting response mapping.
func TestLoop_DuplicateCallIDsRejected(t *testing.T) {
	h := newHarness(t, "computer_wait")
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{
			{ID: "dup", Name: "computer_wait", Args: map[string]interface{}{"time": 1.0}},
			{ID: "dup", Name: "computer_wait", Args: map[string]interface{}{"time": 2.0}},
		}},
		{Text: "done"},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "wait twice"})
	require.NoError(t, err)

	responses := toolResponses(h.messages(t))
	require.Len(t, responses, 2)
	var dupErr string
	for _, r := range responses {
		if r.Error != "" {
			dupErr = r.Error
		}
	}
	assert.Contains(t, dupErr, "Duplicate function call id")
	require.Len(t, h.computer.executions, 1, "only the first wait executes")
}

// An unknown, unregistered tool name yields a forged Unknown tool error.
func TestLoop_UnknownToolForgesError(t *testing.T) {
	h := newHarness(t)
	h.llm.responses = []*llm.Response{
		{ToolCalls: []llm.FunctionCall{{ID: "x1", Name: "made_up_tool"}}},
		{Text: "ok"},
	}

	err := h.loop.Run(context.Background(), h.sess.ID, agent.Input{Text: "go"})
	require.NoError(t, err)

	responses := toolResponses(h.messages(t))
	require.Len(t, responses, 1)
	assert.Equal(t, "Unknown tool: made_up_tool", responses[0].Error)
}

func toIntSlice(v interface{}) []int {
	switch s := v.(type) {
	case []int:
		return s
	case []interface{}:
		out := make([]int, 0, len(s))
		for _, e := range s {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	}
	return nil
}
