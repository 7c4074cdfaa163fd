package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	llm "github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Anthropic Messages API natively. It is offered as
// an alternate planning-model backend alongside the gemini provider; the
// grounding pipeline never targets it (bounded-JSON schema output is
// gemini-only in this deployment).
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Anthropic API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Generate implements llm.Client (non-streaming).
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Response, error) {
	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, string(respBody))
	}

	return p.parseAPIResponse(respBody)
}

// GenerateStream implements llm.Client with Anthropic's event-based SSE.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.GenerateRequest, deltaCh chan<- llm.StreamChunk) (*llm.Response, error) {
	apiReq := p.buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, closing anthropic SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := ParseSSEStream(ctx, resp.Body, deltaCh, p.logger)
	close(streamDone)
	return result, err
}

// --- Internal ---

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (p *Provider) buildAPIRequest(req *llm.GenerateRequest) *Request {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{Model: model, MaxTokens: int(req.MaxOutputTokens)}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 8192 // Anthropic requires explicit max_tokens
	}
	if req.Temperature != nil {
		apiReq.Temperature = float64(*req.Temperature)
	}
	apiReq.System = req.SystemInstruction

	var messages []Message
	for _, c := range req.Contents {
		role := "user"
		if c.Role == llm.RoleModel {
			role = "assistant"
		}

		var blocks []ContentBlock
		var toolResultBlocks []ContentBlock
		for _, part := range c.Parts {
			switch part.Kind {
			case llm.PartText:
				blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
			case llm.PartThought:
				blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: part.Text})
			case llm.PartFunctionCall:
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    part.FunctionCall.ID,
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			case llm.PartFunctionResponse:
				content := part.FunctionResponse.Error
				if content == "" {
					if s, ok := part.FunctionResponse.Output.(string); ok {
						content = s
					} else if b, err := json.Marshal(part.FunctionResponse.Output); err == nil {
						content = string(b)
					}
				}
				toolResultBlocks = append(toolResultBlocks, ContentBlock{
					Type:      "tool_result",
					ToolUseID: part.FunctionResponse.ID,
					Content:   content,
				})
			}
		}

		// Tool results travel as a user-role message regardless of the
		// source block's role, per Anthropic's API shape.
		if len(toolResultBlocks) > 0 {
			messages = append(messages, Message{Role: "user", Content: toolResultBlocks})
		}
		if len(blocks) > 0 {
			messages = append(messages, Message{Role: role, Content: blocks})
		}
	}
	apiReq.Messages = messages

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: ConvertSchema(td.Parameters),
		})
	}

	return apiReq
}

func (p *Provider) parseAPIResponse(body []byte) (*llm.Response, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	resp := &llm.Response{ModelUsed: apiResp.Model, TokensUsed: apiResp.Usage.Total()}

	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Thought += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}

	return resp, nil
}
