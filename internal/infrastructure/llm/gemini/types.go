package gemini

// --- Google Gemini API Types ---
// Reference: https://ai.google.dev/api/rest/v1beta/models/generateContent
//
// Key differences from an OpenAI-shaped chat API:
// - Messages use contents[].parts[] instead of messages[].content
// - Tool calls are parts[].functionCall, tool results parts[].functionResponse
// - System instruction is a separate top-level field
// - Extended thinking surfaces as parts[].thought + parts[].text

// Request is the Gemini generateContent request format.
type Request struct {
	Contents          []Content         `json:"contents"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content represents a conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// Part is a polymorphic content element within a Content.
type Part struct {
	Text string `json:"text,omitempty"`

	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`

	// InlineData carries a base64-encoded image part (screenshot tiles).
	InlineData *Blob `json:"inlineData,omitempty"`

	// Thought marks this part as the model's reasoning trace rather than its
	// user-facing answer (Gemini 2.5+ thinking).
	Thought bool `json:"thought,omitempty"`
}

// Blob is inline binary data (base64 on the wire, handled by encoding/json's
// []byte marshaling).
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FunctionCall represents a model's request to call a function. The wire
// format does not carry a call id; this provider leaves llm.FunctionCall.ID
// empty and the agent loop synthesizes one (see Loop.callID).
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// FunctionResponse provides the result of a function call back to the model.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// ToolDeclaration wraps function declarations for the API.
type ToolDeclaration struct {
	FunctionDeclarations []FunctionDeclarationSpec `json:"functionDeclarations"`
}

// FunctionDeclarationSpec defines a callable function.
type FunctionDeclarationSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ThinkingConfig requests extended thinking.
type ThinkingConfig struct {
	IncludeThoughts bool  `json:"includeThoughts,omitempty"`
	ThinkingBudget  int32 `json:"thinkingBudget,omitempty"`
}

// GenerationConfig controls generation parameters.
type GenerationConfig struct {
	Temperature      float32                `json:"temperature,omitempty"`
	MaxOutputTokens  int32                  `json:"maxOutputTokens,omitempty"`
	CandidateCount   int                    `json:"candidateCount,omitempty"`
	ResponseMIMEType string                 `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
	ThinkingConfig   *ThinkingConfig        `json:"thinkingConfig,omitempty"`
}

// Response is the Gemini generateContent response format.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Candidate is a single response candidate.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"` // "STOP" | "MAX_TOKENS" | "SAFETY"
}

// UsageMetadata reports token consumption.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Total returns the total token count.
func (u *UsageMetadata) Total() int {
	if u.TotalTokenCount > 0 {
		return u.TotalTokenCount
	}
	return u.PromptTokenCount + u.CandidatesTokenCount
}

// ConvertSchema ensures a tool parameter schema has a proper JSON Schema
// shape (Gemini rejects a missing top-level "type").
func ConvertSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	result := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		result[k] = v
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "object"
	}
	return result
}
