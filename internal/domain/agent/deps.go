// Package agent implements the turn-based control loop at the heart of the
// execution core: screenshot, plan, ground, review, execute, repeat. A turn
// may suspend indefinitely at the review gate; a later tool-review response
// re-enters the loop with the decisions reconstructed from the message log.
package agent

import (
	"context"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
)

// Store is the slice of the Session Store the loop needs. Implemented by
// infrastructure/store.Store.
type Store interface {
	Get(id string) (*session.Session, error)
	Update(id string, partial session.Partial) (*session.Session, error)
	AppendMessages(id string, msgs []session.Message) error
	GetMessages(id string, includeHidden bool) ([]session.Message, error)
	PutImage(id, name string, png []byte) error
	GetImage(id, name string) ([]byte, error)
}

// Assembler reconstructs LLM-facing history from the persisted log and
// merges adjacent same-role turns. Implemented by
// application/contextassembler.
type Assembler interface {
	Assemble(sessionID string, msgs []session.Message) ([]llm.Content, error)
	AppendMerging(history []llm.Content, content llm.Content) []llm.Content
}

// Computer is the OS-automation tool endpoint (§6). Execute takes the
// grounded call's argument map ({action, coordinate, ...}) and returns the
// service's text output.
type Computer interface {
	Screenshot(ctx context.Context) (png []byte, err error)
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ScreenTiler is the per-turn tiling surface the loop needs from the Screen
// Tiler. Implemented by the application package's adapter over
// infrastructure/tiler.Tiler, which pins the default highlight options.
type ScreenTiler interface {
	Tile(screenshotPNG []byte) ([][]byte, error)
	HighlightBox(screenshotPNG []byte, tileIndex int, box geometry.Box) ([]byte, error)
}

// TilerFactory builds a ScreenTiler for one screenshot's geometry. The
// geometry is constructed fresh every turn and never stored at process
// scope.
type TilerFactory func(geo *geometry.Geometry) ScreenTiler

// DetectorFactory builds a grounding detector bound to one turn's geometry
// and tiles. stream receives the grounding model's deltas (surfaced as
// grounding_model stream events).
type DetectorFactory func(sessionID string, geo *geometry.Geometry, tiles [][]byte, stream func(thought, text string)) tool.Detector

// Emitter fans turn progress out to external subscribers (§6). All methods
// must be non-blocking best-effort; the message log is the source of truth.
type Emitter interface {
	PersistentMessage(msg session.Message)
	StreamMessage(sessionID string, role session.Role, text, thought string)
	SessionStatus(sessionID string, status session.Status, message string)
	SessionUpdate(sess session.Session)
}

// Config holds the loop's tunables.
type Config struct {
	Model       string  // planning model when the session doesn't carry one
	Temperature float32 // planning temperature (default 0.2)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.2,
	}
}

// Deps collects the loop's collaborators. Now and NewID may be left nil to
// use the wall clock and uuid-based ids; tests inject deterministic ones.
type Deps struct {
	Store       Store
	LLM         llm.Client
	Assembler   Assembler
	Computer    Computer
	Registry    tool.Registry
	NewTiler    TilerFactory
	NewDetector DetectorFactory
	Events      Emitter

	Now   func() time.Time
	NewID func() string
}

// ReviewDecision is one resolved tool review, reconstructed from the log
// when a pending turn resumes.
type ReviewDecision struct {
	ReviewID string
	Grounded session.FunctionCall
	Original session.FunctionCall
	Choice   session.ReviewChoice
}

// Input starts a turn: either plain user text or the full resolved-decisions
// list of a suspended turn. Exactly one of the two is set.
type Input struct {
	Text      string
	Decisions []ReviewDecision
}
