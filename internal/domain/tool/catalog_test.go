package tool

import (
	"context"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	det *Detection
	err error
}

func (s *stubDetector) Detect(ctx context.Context, tileIndex int, description string) (*Detection, error) {
	if s.err != nil {
		return nil, s.err
	}
	d := *s.det
	d.TileIndex = tileIndex
	return &d, nil
}

func gctxWith(det *Detection, tiles int) GroundingContext {
	return GroundingContext{
		Detector:  &stubDetector{det: det},
		TileCount: tiles,
		Highlight: func(tileIndex int, box geometry.Box) ([]byte, error) { return []byte("png"), nil },
	}
}

func TestClickTool_Ground(t *testing.T) {
	click := NewClickTool()
	gctx := gctxWith(&Detection{X: 115, Y: 115, Box: geometry.Box{100, 100, 200, 200}}, 1)

	call, describe, err := click.Ground(context.Background(), map[string]interface{}{
		"image_id":            0,
		"element_description": "File menu",
	}, gctx)
	require.NoError(t, err)
	assert.Equal(t, "click", call.Action)
	assert.Equal(t, []int{115, 115}, call.Args["coordinate"])
	assert.Equal(t, 1, call.Args["num_clicks"])
	assert.Equal(t, "left", call.Args["button_type"])

	parts, err := describe(context.Background(), func(ctx context.Context, png []byte, label string) (string, error) {
		return "shot.png", nil
	})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "shot.png", parts[1].ImageFilename)
}

func TestClickTool_ImageIDOutOfRange(t *testing.T) {
	click := NewClickTool()
	gctx := gctxWith(&Detection{}, 1)

	_, _, err := click.Ground(context.Background(), map[string]interface{}{
		"image_id":            99,
		"element_description": "anything",
	}, gctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Image ID exceeds the number of cropped screenshots")
}

func TestTypeTool_RequiresBothOrNeitherImageFields(t *testing.T) {
	typ := NewTypeTool()
	gctx := gctxWith(&Detection{}, 1)

	_, _, err := typ.Ground(context.Background(), map[string]interface{}{
		"text":     "hello",
		"image_id": 0,
	}, gctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must both be present or both be absent")
}

func TestTypeTool_NoImageJustTypes(t *testing.T) {
	typ := NewTypeTool()
	gctx := gctxWith(&Detection{}, 1)

	call, _, err := typ.Ground(context.Background(), map[string]interface{}{
		"text": "hello",
	}, gctx)
	require.NoError(t, err)
	assert.Equal(t, "type", call.Action)
	assert.Nil(t, call.Args["coordinate"])
}

func TestWaitTool_RejectsNegative(t *testing.T) {
	wait := NewWaitTool()
	_, _, err := wait.Ground(context.Background(), map[string]interface{}{"time": -1.0}, GroundingContext{})
	require.Error(t, err)
}

func TestRegisterCatalog_ExcludesScroll(t *testing.T) {
	reg := NewInMemoryRegistry()
	require.NoError(t, RegisterCatalog(reg))
	assert.False(t, reg.Has("computer_scroll"))
	for name := range CatalogNames() {
		assert.True(t, reg.Has(name))
	}
}
