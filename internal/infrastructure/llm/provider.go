// Package llm declares the provider-agnostic request/response shapes the
// agent loop's planning calls and the grounding pipeline are built against,
// plus the provider registry/router that picks among configured backends.
package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Role identifies whose turn a Content belongs to, mirroring the roles a
// provider's wire format expects.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// PartKind tags the variant held by a Part.
type PartKind string

const (
	PartText             PartKind = "text"
	PartThought          PartKind = "thought"
	PartFunctionCall     PartKind = "function_call"
	PartFunctionResponse PartKind = "function_response"
	PartImage            PartKind = "image"
)

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// FunctionResponse carries a tool's result back to the model. Exactly one of
// Output/Error is meaningful.
type FunctionResponse struct {
	ID     string
	Name   string
	Output interface{}
	Error  string
}

// ImageData is an inline image part, PNG unless MIMEType says otherwise.
type ImageData struct {
	MIMEType string
	Data     []byte
}

// Part is a tagged union mirroring the domain session.ContentBlock model,
// kept as a distinct type so this package has no dependency on the domain
// session package.
type Part struct {
	Kind             PartKind
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
	Image            *ImageData
}

func TextPart(text string) Part             { return Part{Kind: PartText, Text: text} }
func ThoughtPart(text string) Part          { return Part{Kind: PartThought, Text: text} }
func FunctionCallPart(fc FunctionCall) Part { return Part{Kind: PartFunctionCall, FunctionCall: &fc} }
func ImagePart(img ImageData) Part          { return Part{Kind: PartImage, Image: &img} }
func FunctionResponsePart(fr FunctionResponse) Part {
	return Part{Kind: PartFunctionResponse, FunctionResponse: &fr}
}

// Content is one turn of conversation: a role plus its ordered parts.
type Content struct {
	Role  Role
	Parts []Part
}

// ToolDeclaration is a JSON-schema tool definition offered to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ThinkingConfig requests extended/visible thinking from providers that
// support it. A nil Budget lets the provider pick its own default.
type ThinkingConfig struct {
	IncludeThoughts bool
	Budget          *int32
}

// GenerateRequest is a provider-agnostic planning or grounding call.
type GenerateRequest struct {
	Model             string
	SystemInstruction string
	Contents          []Content
	Tools             []ToolDeclaration
	Temperature       *float32
	MaxOutputTokens   int32
	Thinking          *ThinkingConfig

	// ResponseMIMEType/ResponseSchema bound the grounding pipeline's call to
	// strict JSON output; both are empty for ordinary planning calls.
	ResponseMIMEType string
	ResponseSchema   map[string]interface{}
}

// StreamChunk is one incremental delta from GenerateStream.
type StreamChunk struct {
	DeltaText    string
	DeltaThought string
	ToolCall     *FunctionCall
	FinishReason string
}

// Response is the aggregated result of a Generate/GenerateStream call.
type Response struct {
	Text       string
	Thought    string
	ToolCalls  []FunctionCall
	ModelUsed  string
	TokensUsed int
}

// Client is what the agent loop and grounding pipeline need from an LLM
// backend: a blocking call and a streaming call that also returns the
// aggregated result once the stream completes.
type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (*Response, error)
	GenerateStream(ctx context.Context, req *GenerateRequest, deltaCh chan<- StreamChunk) (*Response, error)
}

// Provider is an infrastructure-layer LLM backend usable by the Router.
type Provider interface {
	Client
	Name() string
	Models() []string
	SupportsModel(model string) bool
	IsAvailable(ctx context.Context) bool
}

// ProviderConfig configures one provider instance.
type ProviderConfig struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // "gemini" (default) | "anthropic" | "openai"
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models"`
	Priority int      `json:"priority"`
}

// --- Provider factory registry ---
// Providers register themselves via init() in their own package; adding a
// new backend is implement Provider + RegisterFactory("type", New).

type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "gemini"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}

	return factory(cfg, logger), nil
}
