// Package grounding implements the Grounding Pipeline (§4.4): converting a
// textual element description plus a tile index into a screen coordinate,
// by invoking a Gemini model in bounded-JSON mode through the official
// google.golang.org/genai SDK. This is the idiomatic way to request
// schema-constrained output, confirmed by the pack's intelligencedev-manifold
// and kadirpekel-hector Gemini clients — the teacher's own hand-rolled
// HTTP gemini provider is used for planning calls, which don't need a
// client library's schema marshalling; the grounding call does.
package grounding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
)

// boxSchema constrains the grounding model's response to
// {box_2d: [ymin, xmin, ymax, xmax], label?: string} with integer
// coordinates, per §4.4 step 2.
var boxSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"box_2d": {
			Type:     genai.TypeArray,
			Items:    &genai.Schema{Type: genai.TypeInteger},
			MinItems: genai.Ptr[int64](4),
			MaxItems: genai.Ptr[int64](4),
		},
		"label": {Type: genai.TypeString},
	},
	Required: []string{"box_2d"},
}

// boxResponse is the JSON shape the model returns, possibly wrapped in an
// array (§4.4 step 3: "if the response is an array, take element 0").
type boxResponse struct {
	Box2D [4]json.Number `json:"box_2d"`
	Label string         `json:"label,omitempty"`
}

// StreamSink receives grounding-model stream deltas, tagged grounding_model
// per §4.4's last paragraph — the same sink the agent loop's planning calls
// use, just a different role tag.
type StreamSink func(thought, text string)

// Pipeline implements tool.Detector against one turn's tiled screenshot.
type Pipeline struct {
	client *genai.Client
	model  string
	geo    *geometry.Geometry
	tiles  [][]byte
	stream StreamSink
}

// New builds a Pipeline bound to one turn's tiles and screen geometry.
// client is a pre-configured genai client (API key / base URL resolved by
// the caller); model is the grounding model id (e.g. "gemini-2.5-flash").
func New(client *genai.Client, model string, geo *geometry.Geometry, tiles [][]byte, stream StreamSink) *Pipeline {
	return &Pipeline{client: client, model: model, geo: geo, tiles: tiles, stream: stream}
}

var _ tool.Detector = (*Pipeline)(nil)

// Detect implements tool.Detector: reject out-of-range tiles, call the
// model in bounded-JSON mode, validate the box, and de-normalize its
// center to a screen coordinate.
func (p *Pipeline) Detect(ctx context.Context, tileIndex int, description string) (*tool.Detection, error) {
	if tileIndex < 0 || tileIndex >= len(p.tiles) {
		return nil, fmt.Errorf("grounding: tile index %d out of range [0,%d)", tileIndex, len(p.tiles))
	}

	prompt := fmt.Sprintf(
		"Return the bounding box of the UI element described as: %q. "+
			"Respond with a JSON object {\"box_2d\": [ymin, xmin, ymax, xmax], \"label\": string} "+
			"where each coordinate is an integer in [0, 1000] normalized to the image.",
		description,
	)

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: p.tiles[tileIndex]}},
			{Text: prompt},
		},
	}}

	zero := float32(0)
	cfg := &genai.GenerateContentConfig{
		Temperature:      &zero,
		ResponseMIMEType: "application/json",
		ResponseSchema:   boxSchema,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(256)),
		},
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("grounding: model call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("grounding: empty response from model")
	}

	var rawText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			if p.stream != nil {
				p.stream(part.Text, "")
			}
			continue
		}
		if part.Text != "" {
			rawText.WriteString(part.Text)
			if p.stream != nil {
				p.stream("", part.Text)
			}
		}
	}

	box, err := parseBox(rawText.String())
	if err != nil {
		return nil, fmt.Errorf("grounding: %w", err)
	}

	x, y, err := p.geo.ToScreenCoord(tileIndex, box)
	if err != nil {
		return nil, fmt.Errorf("grounding: %w", err)
	}

	return &tool.Detection{TileIndex: tileIndex, Box: box, X: x, Y: y}, nil
}

// parseBox implements §4.4 steps 3-4: unwrap an array response, then
// validate box_2d has four in-range elements with ymin < ymax, xmin < xmax.
func parseBox(raw string) (geometry.Box, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return geometry.Box{}, fmt.Errorf("empty grounding response")
	}

	var single boxResponse
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		var list []boxResponse
		if err2 := json.Unmarshal([]byte(raw), &list); err2 != nil {
			return geometry.Box{}, fmt.Errorf("malformed JSON from grounding model: %w", err)
		}
		if len(list) == 0 {
			return geometry.Box{}, fmt.Errorf("grounding model returned an empty array")
		}
		single = list[0]
	}

	var box geometry.Box
	for i, n := range single.Box2D {
		v, err := n.Int64()
		if err != nil {
			return geometry.Box{}, fmt.Errorf("box_2d[%d] is not an integer", i)
		}
		if v < 0 || v > geometry.NormMax {
			return geometry.Box{}, fmt.Errorf("box_2d[%d]=%d out of range [0,%d]", i, v, geometry.NormMax)
		}
		box[i] = int(v)
	}

	if box[0] >= box[2] {
		return geometry.Box{}, fmt.Errorf("invalid box: ymin (%d) >= ymax (%d)", box[0], box[2])
	}
	if box[1] >= box[3] {
		return geometry.Box{}, fmt.Errorf("invalid box: xmin (%d) >= xmax (%d)", box[1], box[3])
	}

	return box, nil
}
