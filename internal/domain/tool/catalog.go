package tool

import (
	"context"
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
)

// --- argument extraction helpers -------------------------------------------------

func reqInt(args map[string]interface{}, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func optInt(args map[string]interface{}, key string, def int) (int, error) {
	if _, ok := args[key]; !ok {
		return def, nil
	}
	return reqInt(args, key)
}

func reqString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func optString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

func optBool(args map[string]interface{}, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func optStringSlice(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func reqFloat(args map[string]interface{}, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func checkImageID(imageID int, gctx GroundingContext) error {
	if imageID < 0 || imageID >= gctx.TileCount {
		return fmt.Errorf("Image ID exceeds the number of cropped screenshots (got %d, have %d)", imageID, gctx.TileCount)
	}
	return nil
}

func annotatedDescription(gctx GroundingContext, label string, tileIndex int, box geometry.Box) DescribeFunc {
	return func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error) {
		parts := []DescribePart{{Text: label}}
		if gctx.Highlight == nil {
			return parts, nil
		}
		png, err := gctx.Highlight(tileIndex, box)
		if err != nil {
			return parts, fmt.Errorf("highlight: %w", err)
		}
		filename, err := save(ctx, png, label)
		if err != nil {
			return parts, fmt.Errorf("save annotated screenshot: %w", err)
		}
		parts = append(parts, DescribePart{ImageFilename: filename})
		return parts, nil
	}
}

// --- click -------------------------------------------------------------------

type ClickTool struct{}

func NewClickTool() *ClickTool { return &ClickTool{} }

func (t *ClickTool) Name() string        { return "computer_click" }
func (t *ClickTool) Description() string { return "Click on a described element of the current screen." }
func (t *ClickTool) Kind() Kind          { return KindExecute }

func (t *ClickTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"image_id":            map[string]interface{}{"type": "integer", "minimum": 0},
			"element_description": map[string]interface{}{"type": "string"},
			"num_clicks":          map[string]interface{}{"type": "integer", "default": 1},
			"button_type":         map[string]interface{}{"type": "string", "enum": []string{"left", "middle", "right"}, "default": "left"},
			"hold_keys":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"image_id", "element_description"},
	}
}

func (t *ClickTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_click must be grounded, not executed directly")
}

func (t *ClickTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	imageID, err := reqInt(args, "image_id")
	if err != nil {
		return nil, nil, err
	}
	desc, err := reqString(args, "element_description")
	if err != nil {
		return nil, nil, err
	}
	numClicks, err := optInt(args, "num_clicks", 1)
	if err != nil {
		return nil, nil, err
	}
	buttonType, _ := optString(args, "button_type")
	if buttonType == "" {
		buttonType = "left"
	}
	if buttonType != "left" && buttonType != "middle" && buttonType != "right" {
		return nil, nil, fmt.Errorf("button_type must be one of left, middle, right")
	}
	holdKeys := optStringSlice(args, "hold_keys")

	if err := checkImageID(imageID, gctx); err != nil {
		return nil, nil, err
	}
	det, err := gctx.Detector.Detect(ctx, imageID, "Click on: "+desc)
	if err != nil {
		return nil, nil, err
	}

	call := &GroundedCall{
		Action: "click",
		Args: map[string]interface{}{
			"coordinate":  []int{det.X, det.Y},
			"num_clicks":  numClicks,
			"button_type": buttonType,
			"hold_keys":   holdKeys,
		},
	}
	return call, annotatedDescription(gctx, fmt.Sprintf("Click on: %s", desc), det.TileIndex, det.Box), nil
}

// --- type --------------------------------------------------------------------

type TypeTool struct{}

func NewTypeTool() *TypeTool { return &TypeTool{} }

func (t *TypeTool) Name() string        { return "computer_type" }
func (t *TypeTool) Description() string { return "Type text, optionally clicking a described element first." }
func (t *TypeTool) Kind() Kind          { return KindExecute }

func (t *TypeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text":                map[string]interface{}{"type": "string"},
			"image_id":            map[string]interface{}{"type": "integer", "minimum": 0},
			"element_description": map[string]interface{}{"type": "string"},
			"overwrite":           map[string]interface{}{"type": "boolean", "default": false},
			"enter":               map[string]interface{}{"type": "boolean", "default": false},
		},
		"required": []string{"text"},
	}
}

func (t *TypeTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_type must be grounded, not executed directly")
}

func (t *TypeTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	text, err := reqString(args, "text")
	if err != nil {
		return nil, nil, err
	}
	overwrite := optBool(args, "overwrite")
	enter := optBool(args, "enter")

	_, hasImageID := args["image_id"]
	desc, hasDesc := optString(args, "element_description")
	if hasImageID != hasDesc {
		return nil, nil, fmt.Errorf("image_id and element_description must both be present or both be absent")
	}

	callArgs := map[string]interface{}{
		"text":      text,
		"overwrite": overwrite,
		"enter":     enter,
	}

	if !hasImageID {
		call := &GroundedCall{Action: "type", Args: callArgs}
		label := fmt.Sprintf("Type: %q", text)
		return call, func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error) {
			return []DescribePart{{Text: label}}, nil
		}, nil
	}

	imageID, err := reqInt(args, "image_id")
	if err != nil {
		return nil, nil, err
	}
	if err := checkImageID(imageID, gctx); err != nil {
		return nil, nil, err
	}
	det, err := gctx.Detector.Detect(ctx, imageID, "Click on: "+desc)
	if err != nil {
		return nil, nil, err
	}
	callArgs["coordinate"] = []int{det.X, det.Y}

	call := &GroundedCall{Action: "type", Args: callArgs}
	label := fmt.Sprintf("Click on %q then type: %q", desc, text)
	return call, annotatedDescription(gctx, label, det.TileIndex, det.Box), nil
}

// --- drag_and_drop -------------------------------------------------------------

type DragAndDropTool struct{}

func NewDragAndDropTool() *DragAndDropTool { return &DragAndDropTool{} }

func (t *DragAndDropTool) Name() string { return "computer_drag_and_drop" }
func (t *DragAndDropTool) Description() string {
	return "Drag from one described element to another."
}
func (t *DragAndDropTool) Kind() Kind { return KindExecute }

func (t *DragAndDropTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"starting_image_id":   map[string]interface{}{"type": "integer", "minimum": 0},
			"starting_description": map[string]interface{}{"type": "string"},
			"ending_image_id":     map[string]interface{}{"type": "integer", "minimum": 0},
			"ending_description":  map[string]interface{}{"type": "string"},
			"hold_keys":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"starting_image_id", "starting_description", "ending_image_id", "ending_description"},
	}
}

func (t *DragAndDropTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_drag_and_drop must be grounded, not executed directly")
}

func (t *DragAndDropTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	startID, err := reqInt(args, "starting_image_id")
	if err != nil {
		return nil, nil, err
	}
	startDesc, err := reqString(args, "starting_description")
	if err != nil {
		return nil, nil, err
	}
	endID, err := reqInt(args, "ending_image_id")
	if err != nil {
		return nil, nil, err
	}
	endDesc, err := reqString(args, "ending_description")
	if err != nil {
		return nil, nil, err
	}
	holdKeys := optStringSlice(args, "hold_keys")

	if err := checkImageID(startID, gctx); err != nil {
		return nil, nil, err
	}
	if err := checkImageID(endID, gctx); err != nil {
		return nil, nil, err
	}

	start, err := gctx.Detector.Detect(ctx, startID, "Drag from: "+startDesc)
	if err != nil {
		return nil, nil, err
	}
	end, err := gctx.Detector.Detect(ctx, endID, "Drop onto: "+endDesc)
	if err != nil {
		return nil, nil, err
	}

	call := &GroundedCall{
		Action: "drag_and_drop",
		Args: map[string]interface{}{
			"coordinate":        []int{start.X, start.Y},
			"target_coordinate": []int{end.X, end.Y},
			"hold_keys":         holdKeys,
		},
	}
	label := fmt.Sprintf("Drag from %q to %q", startDesc, endDesc)
	return call, func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error) {
		parts := []DescribePart{{Text: label}}
		if gctx.Highlight == nil {
			return parts, nil
		}
		png, err := gctx.Highlight(start.TileIndex, start.Box)
		if err != nil {
			return parts, fmt.Errorf("highlight start: %w", err)
		}
		name, err := save(ctx, png, label+" (start)")
		if err != nil {
			return parts, fmt.Errorf("save start screenshot: %w", err)
		}
		parts = append(parts, DescribePart{ImageFilename: name})
		png, err = gctx.Highlight(end.TileIndex, end.Box)
		if err != nil {
			return parts, fmt.Errorf("highlight end: %w", err)
		}
		name, err = save(ctx, png, label+" (end)")
		if err != nil {
			return parts, fmt.Errorf("save end screenshot: %w", err)
		}
		parts = append(parts, DescribePart{ImageFilename: name})
		return parts, nil
	}, nil
}

// --- key ---------------------------------------------------------------------

type KeyTool struct{}

func NewKeyTool() *KeyTool { return &KeyTool{} }

func (t *KeyTool) Name() string        { return "computer_key" }
func (t *KeyTool) Description() string { return "Press one or more keys, optionally held for a duration." }
func (t *KeyTool) Kind() Kind          { return KindExecute }

func (t *KeyTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"keys":          map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"hold_duration": map[string]interface{}{"type": "number", "minimum": 0},
		},
		"required": []string{"keys"},
	}
}

func (t *KeyTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_key must be grounded, not executed directly")
}

func (t *KeyTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	keys := optStringSlice(args, "keys")
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("keys is required")
	}
	var holdDuration float64
	if _, ok := args["hold_duration"]; ok {
		v, err := reqFloat(args, "hold_duration")
		if err != nil {
			return nil, nil, err
		}
		if v < 0 {
			return nil, nil, fmt.Errorf("hold_duration must be >= 0")
		}
		holdDuration = v
	}

	call := &GroundedCall{
		Action: "key",
		Args: map[string]interface{}{
			"keys":          keys,
			"hold_duration": holdDuration,
		},
	}
	label := fmt.Sprintf("Press keys: %v", keys)
	return call, func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error) {
		return []DescribePart{{Text: label}}, nil
	}, nil
}

// --- wait --------------------------------------------------------------------

type WaitTool struct{}

func NewWaitTool() *WaitTool { return &WaitTool{} }

func (t *WaitTool) Name() string        { return "computer_wait" }
func (t *WaitTool) Description() string { return "Wait for a number of seconds." }
func (t *WaitTool) Kind() Kind          { return KindExecute }

func (t *WaitTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"time": map[string]interface{}{"type": "number", "minimum": 0},
		},
		"required": []string{"time"},
	}
}

func (t *WaitTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_wait must be grounded, not executed directly")
}

func (t *WaitTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	seconds, err := reqFloat(args, "time")
	if err != nil {
		return nil, nil, err
	}
	if seconds < 0 {
		return nil, nil, fmt.Errorf("time must be >= 0")
	}
	call := &GroundedCall{Action: "wait", Args: map[string]interface{}{"time": seconds}}
	label := fmt.Sprintf("Wait %.1fs", seconds)
	return call, func(ctx context.Context, save SaveImageFunc) ([]DescribePart, error) {
		return []DescribePart{{Text: label}}, nil
	}, nil
}

// --- scroll (disabled, per §9 open question (a)) ------------------------------
//
// ScrollTool has the same grounding shape as the other five tools, but is
// deliberately never passed to RegisterCatalog — it must not be visible to
// the planner. It is kept here, not deleted, because the spec documents it
// as present-but-disabled rather than absent.

type ScrollTool struct{}

func NewScrollTool() *ScrollTool { return &ScrollTool{} }

func (t *ScrollTool) Name() string        { return "computer_scroll" }
func (t *ScrollTool) Description() string { return "Scroll the view in a direction. Not exposed to the planner." }
func (t *ScrollTool) Kind() Kind          { return KindExecute }

func (t *ScrollTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"image_id":            map[string]interface{}{"type": "integer", "minimum": 0},
			"element_description": map[string]interface{}{"type": "string"},
			"direction":           map[string]interface{}{"type": "string", "enum": []string{"up", "down", "left", "right"}},
			"amount":              map[string]interface{}{"type": "integer", "minimum": 1, "default": 3},
		},
		"required": []string{"image_id", "element_description", "direction"},
	}
}

func (t *ScrollTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return nil, fmt.Errorf("computer_scroll must be grounded, not executed directly")
}

func (t *ScrollTool) Ground(ctx context.Context, args map[string]interface{}, gctx GroundingContext) (*GroundedCall, DescribeFunc, error) {
	imageID, err := reqInt(args, "image_id")
	if err != nil {
		return nil, nil, err
	}
	desc, err := reqString(args, "element_description")
	if err != nil {
		return nil, nil, err
	}
	direction, err := reqString(args, "direction")
	if err != nil {
		return nil, nil, err
	}
	amount, err := optInt(args, "amount", 3)
	if err != nil {
		return nil, nil, err
	}

	if err := checkImageID(imageID, gctx); err != nil {
		return nil, nil, err
	}
	det, err := gctx.Detector.Detect(ctx, imageID, "Scroll at: "+desc)
	if err != nil {
		return nil, nil, err
	}

	call := &GroundedCall{
		Action: "scroll",
		Args: map[string]interface{}{
			"coordinate": []int{det.X, det.Y},
			"direction":  direction,
			"amount":     amount,
		},
	}
	label := fmt.Sprintf("Scroll %s at %q", direction, desc)
	return call, annotatedDescription(gctx, label, det.TileIndex, det.Box), nil
}

// RegisterCatalog registers the five planner-visible tools. computer_scroll
// is intentionally excluded — see ScrollTool's doc comment.
func RegisterCatalog(r Registry) error {
	catalog := []Tool{
		NewClickTool(),
		NewTypeTool(),
		NewDragAndDropTool(),
		NewKeyTool(),
		NewWaitTool(),
	}
	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// CatalogNames lists the planner-visible tool names, used by the agent loop
// to decide whether a function call needs grounding or direct execution.
func CatalogNames() map[string]bool {
	return map[string]bool{
		"computer_click":         true,
		"computer_type":          true,
		"computer_drag_and_drop": true,
		"computer_key":           true,
		"computer_wait":          true,
	}
}
