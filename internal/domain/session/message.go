package session

import (
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser           Role = "user"
	RoleModel          Role = "model"
	RoleTool           Role = "tool"
	RoleWorkflow       Role = "workflow"
	RoleGroundingModel Role = "grounding_model"
)

// Visibility is the tri-state forDisplay flag on a message.
//
// The zero value, VisibilityBoth, means the message is sent to both the
// user-facing transport and the LLM. VisibilityUserOnly marks a message
// that must never be replayed to the LLM (a "visible only" note).
// VisibilityModelOnly marks a message that must never be shown to the user
// (an LLM-only message) and is excluded from persistent_message events and
// from get_messages(id, includeHidden=false).
type Visibility int

const (
	VisibilityBoth Visibility = iota
	VisibilityUserOnly
	VisibilityModelOnly
)

// BlockKind tags the variant held by a ContentBlock.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockThought          BlockKind = "thought"
	BlockFunctionCall     BlockKind = "function_call"
	BlockFunctionResponse BlockKind = "function_response"
	BlockImage            BlockKind = "image"
)

// FunctionCall is the {id, name, args} tuple carried by a function_call block.
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse is the {id, name, output|error} tuple carried by a
// function_response block. Exactly one of Output/Error should be set; Output
// may legitimately be nil for a successful call with no payload.
type FunctionResponse struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ContentBlock is a tagged union: text, thought, function_call,
// function_response, or image. Only the field matching Kind is meaningful.
type ContentBlock struct {
	Kind             BlockKind         `json:"kind"`
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	// ImageRef is an internal://<session>/<file> reference; only set when
	// Kind == BlockImage.
	ImageRef string `json:"imageRef,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

func ThoughtBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockThought, Text: text}
}

func FunctionCallBlock(fc FunctionCall) ContentBlock {
	return ContentBlock{Kind: BlockFunctionCall, FunctionCall: &fc}
}

func FunctionResponseBlock(fr FunctionResponse) ContentBlock {
	return ContentBlock{Kind: BlockFunctionResponse, FunctionResponse: &fr}
}

func ImageBlock(ref string) ContentBlock {
	return ContentBlock{Kind: BlockImage, ImageRef: ref}
}

// ReviewKind tags the variant held by a ToolReviewAttachment.
type ReviewKind string

const (
	ReviewRequest  ReviewKind = "request"
	ReviewResponse ReviewKind = "response"
)

// ReviewChoice is the user's resolution of a pending tool-review request.
type ReviewChoice string

const (
	ChoiceAcceptOnce    ReviewChoice = "accept_once"
	ChoiceAcceptSession ReviewChoice = "accept_session"
	ChoiceRejectOnce    ReviewChoice = "reject_once"
)

// ToolReviewAttachment is a tagged union of a review request or response,
// carried alongside a message's content blocks.
type ToolReviewAttachment struct {
	Kind     ReviewKind `json:"kind"`
	ReviewID string     `json:"reviewId"`

	// Request fields.
	GroundedFunctionCall *FunctionCall `json:"groundedFunctionCall,omitempty"`
	OriginalFunctionCall *FunctionCall `json:"originalFunctionCall,omitempty"`

	// Response fields.
	Choice ReviewChoice `json:"choice,omitempty"`
}

// Message is one immutable entry in a session's append-only log.
type Message struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"sessionId"`
	Role       Role                  `json:"role"`
	Content    []ContentBlock        `json:"content"`
	Review     *ToolReviewAttachment `json:"review,omitempty"`
	ForDisplay Visibility            `json:"forDisplay"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Validate checks the invariants from §3: at most one of {thought,
// function_call} per block is trivially true per-block (a block carries one
// kind), so what is checked here is that every thought block carries text and
// that each block has the payload its kind requires. The number of thought
// blocks in a message is not checked. function_response id matching is a
// cross-message invariant checked by the agent loop, not here.
func (m *Message) Validate() error {
	for i, b := range m.Content {
		switch b.Kind {
		case BlockThought:
			if b.Text == "" {
				return fmt.Errorf("message %s: thought block %d carries no text", m.ID, i)
			}
		case BlockFunctionCall:
			if b.FunctionCall == nil {
				return fmt.Errorf("message %s: function_call block %d missing payload", m.ID, i)
			}
		case BlockFunctionResponse:
			if b.FunctionResponse == nil {
				return fmt.Errorf("message %s: function_response block %d missing payload", m.ID, i)
			}
		case BlockImage:
			if b.ImageRef == "" {
				return fmt.Errorf("message %s: image block %d missing reference", m.ID, i)
			}
		case BlockText:
		default:
			return fmt.Errorf("message %s: block %d has unknown kind %q", m.ID, i, b.Kind)
		}
	}
	return nil
}

// VisibleForDisplay reports whether the message should be handed to a
// display-facing consumer (event subscriber, get_messages with
// includeHidden=false): true for VisibilityBoth and VisibilityUserOnly,
// false only for VisibilityModelOnly.
func (m *Message) VisibleForDisplay() bool {
	return m.ForDisplay != VisibilityModelOnly
}

// VisibleToModel reports whether the message should be included in the
// context assembled for the LLM: true for VisibilityBoth and
// VisibilityModelOnly, false for VisibilityUserOnly.
func (m *Message) VisibleToModel() bool {
	return m.ForDisplay != VisibilityUserOnly
}
