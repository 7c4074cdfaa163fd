package gemini

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

func init() {
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Google Gemini API natively over HTTP/SSE. It
// serves the agent loop's planning calls (streaming text + tool calls); the
// grounding pipeline's bounded-JSON call goes through the official
// google.golang.org/genai SDK instead (see internal/infrastructure/grounding),
// since that is the idiomatic way to request schema-constrained output.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Google Gemini API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
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
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "gemini")),
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
	model := p.stripPrefix(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, string(respBody))
	}

	return p.parseAPIResponse(respBody)
}

// GenerateStream implements llm.Client with Gemini SSE streaming.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.GenerateRequest, deltaCh chan<- llm.StreamChunk) (*llm.Response, error) {
	apiReq := p.buildAPIRequest(req)
	model := p.stripPrefix(req.Model)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, closing gemini SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := ParseSSEStream(ctx, resp.Body, deltaCh, p.logger)
	close(streamDone)
	return result, err
}

// --- Internal ---

func (p *Provider) stripPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

func (p *Provider) buildAPIRequest(req *llm.GenerateRequest) *Request {
	apiReq := &Request{
		GenerationConfig: &GenerationConfig{
			MaxOutputTokens:  req.MaxOutputTokens,
			ResponseMIMEType: req.ResponseMIMEType,
			ResponseSchema:   req.ResponseSchema,
		},
	}
	if req.Temperature != nil {
		apiReq.GenerationConfig.Temperature = *req.Temperature
	}
	if req.Thinking != nil {
		tc := &ThinkingConfig{IncludeThoughts: req.Thinking.IncludeThoughts}
		if req.Thinking.Budget != nil {
			tc.ThinkingBudget = *req.Thinking.Budget
		}
		apiReq.GenerationConfig.ThinkingConfig = tc
	}

	if req.SystemInstruction != "" {
		apiReq.SystemInstruction = &Content{Parts: []Part{{Text: req.SystemInstruction}}}
	}

	for _, c := range req.Contents {
		apiReq.Contents = append(apiReq.Contents, toAPIContent(c))
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclarationSpec, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, FunctionDeclarationSpec{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ConvertSchema(td.Parameters),
			})
		}
		apiReq.Tools = []ToolDeclaration{{FunctionDeclarations: decls}}
	}

	return apiReq
}

func toAPIContent(c llm.Content) Content {
	role := "user"
	if c.Role == llm.RoleModel {
		role = "model"
	}
	out := Content{Role: role}
	for _, part := range c.Parts {
		switch part.Kind {
		case llm.PartText:
			out.Parts = append(out.Parts, Part{Text: part.Text})
		case llm.PartThought:
			out.Parts = append(out.Parts, Part{Text: part.Text, Thought: true})
		case llm.PartFunctionCall:
			out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			}})
		case llm.PartFunctionResponse:
			resp := map[string]interface{}{}
			if part.FunctionResponse.Error != "" {
				resp["error"] = part.FunctionResponse.Error
			} else {
				resp["output"] = part.FunctionResponse.Output
			}
			out.Parts = append(out.Parts, Part{FunctionResponse: &FunctionResponse{
				Name:     part.FunctionResponse.Name,
				Response: resp,
			}})
		case llm.PartImage:
			mt := part.Image.MIMEType
			if mt == "" {
				mt = "image/png"
			}
			out.Parts = append(out.Parts, Part{InlineData: &Blob{MIMEType: mt, Data: part.Image.Data}})
		}
	}
	return out
}

func (p *Provider) parseAPIResponse(body []byte) (*llm.Response, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty gemini response: no candidates")
	}

	candidate := apiResp.Candidates[0]
	resp := &llm.Response{ModelUsed: apiResp.ModelVersion}
	if apiResp.UsageMetadata != nil {
		resp.TokensUsed = apiResp.UsageMetadata.Total()
	}

	for _, part := range candidate.Content.Parts {
		switch {
		case part.Thought:
			resp.Thought += part.Text
		case part.Text != "":
			resp.Text += part.Text
		case part.FunctionCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, llm.FunctionCall{
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}

	return resp, nil
}
