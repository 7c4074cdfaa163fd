// Package tool declares the abstract computer-control tool set exposed to
// the planning LLM (the Tool Catalog), plus the generic registry/policy
// machinery every registered tool — catalog or otherwise — is dispatched
// through.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
)

// Kind classifies a tool's operation for policy decisions. Every tool in
// this catalog performs a real side effect on the controlled machine, so all
// five computer tools are KindExecute; Kind still exists because the
// registry is not limited to catalog tools (see §4.6 "not one of the
// catalog tools" dispatch path).
type Kind string

const (
	KindRead    Kind = "read"
	KindExecute Kind = "execute"
	KindThink   Kind = "think"
)

// MutatorKinds require confirmation under an ask-mode policy.
var MutatorKinds = map[Kind]bool{
	KindExecute: true,
}

// SafeKinds are auto-allowed even under an ask-mode policy.
var SafeKinds = map[Kind]bool{
	KindRead:  true,
	KindThink: true,
}

// Tool is the abstraction every registered tool implements, whether or not
// it is a catalog (computer-control) tool.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is the outcome of executing a (non-catalog) tool directly.
type Result struct {
	Output   string
	Display  string
	Success  bool
	Metadata map[string]interface{}
	Error    string
}

func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}

// Definition is the JSON-schema shaped tool declaration handed to the LLM.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds every tool known to the process.
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is the default thread-safe Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.tools[name]
	return t, exists
}

func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return defs
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// Policy is a coarse allow/deny gate layered beneath the review-gate
// semantics the agent loop implements via the session accept-set; it exists
// so an operator can disable a tool outright (e.g. keep `scroll` out of the
// registry entirely, per §9's open question (a)) independent of per-session
// review decisions.
type Policy struct {
	AllowList   []string
	DenyList    []string
	AskMode     bool
}

func (p *Policy) IsAllowed(toolName string) bool {
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}
	return false
}

func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	if SafeKinds[kind] {
		return false
	}
	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy to a Registry's contents.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{policy: policy, registry: registry}
}

func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0, len(all))
	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

// Detector resolves a tile + element description to a screen coordinate. It
// is implemented by the infrastructure Grounding Pipeline; the domain layer
// only depends on this narrow interface.
type Detector interface {
	Detect(ctx context.Context, tileIndex int, description string) (*Detection, error)
}

// Detection is a successful grounding result.
type Detection struct {
	TileIndex int
	Box       geometry.Box
	X, Y      int
}

// DescribePart is one element of a grounded call's human-readable
// description, persisted on the workflow review-request message.
type DescribePart struct {
	Text          string `json:"text,omitempty"`
	ImageFilename string `json:"imageFilename,omitempty"`
}

// SaveImageFunc persists PNG bytes under the session's images directory and
// returns the stored filename, for use by a DescribeFunc.
type SaveImageFunc func(ctx context.Context, png []byte, label string) (filename string, err error)

// DescribeFunc produces the ordered description parts for a grounded call,
// given a callback to persist any annotated screenshots it wants to attach.
type DescribeFunc func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error)

// GroundingContext is everything a catalog tool's Ground method needs: a
// detector bound to the current turn's tiled screenshot, the tile count (for
// image_id range validation), and a highlighter used to build the
// description's annotated screenshot.
type GroundingContext struct {
	Detector  Detector
	TileCount int
	Highlight func(tileIndex int, box geometry.Box) (png []byte, err error)
}

// GroundedCall is the low-level `.computer` action ready for the
// OS-automation tool, derived from a high-level catalog call.
type GroundedCall struct {
	Action string                 `json:"action"`
	Args   map[string]interface{} `json:"args"`
}

// CatalogTool is a computer-control tool: it validates its own arguments
// against Schema() and, given a GroundingContext, produces a grounded call
// plus its description producer. Catalog tools are never dispatched through
// Tool.Execute — the agent loop special-cases the five registered names.
type CatalogTool interface {
	Tool
	Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error)
}
