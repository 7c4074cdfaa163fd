package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WiderThanTall(t *testing.T) {
	g, err := New(2000, 768)
	require.NoError(t, err)
	assert.Equal(t, 768, g.TileSide)
	assert.Equal(t, DirectionVertical, g.Direction)

	require.NotEmpty(t, g.Starts)
	assert.Equal(t, Point{X: 0, Y: 0}, g.Starts[0])

	step := 384 // round(768*0.5)
	for i := 1; i < len(g.Starts); i++ {
		prev := g.Starts[i-1].X
		cur := g.Starts[i].X
		assert.LessOrEqual(t, cur+g.TileSide, 2000)
		if i < len(g.Starts)-1 || cur-prev == step {
			assert.Equal(t, step, cur-prev)
		}
	}
	last := g.Starts[len(g.Starts)-1]
	assert.Equal(t, 2000, last.X+g.TileSide)
}

func TestNew_TallerThanWide(t *testing.T) {
	g, err := New(768, 2000)
	require.NoError(t, err)
	assert.Equal(t, 768, g.TileSide)
	assert.Equal(t, DirectionHorizontal, g.Direction)
	assert.Equal(t, Point{X: 0, Y: 0}, g.Starts[0])
	last := g.Starts[len(g.Starts)-1]
	assert.Equal(t, 2000, last.Y+g.TileSide)
}

func TestNew_Square_DefaultsHorizontal(t *testing.T) {
	g, err := New(1024, 1024)
	require.NoError(t, err)
	assert.Equal(t, DirectionHorizontal, g.Direction)
	assert.Equal(t, []Point{{X: 0, Y: 0}}, g.Starts)
}

func TestNew_ExtraStartOnlyWhenPastLastStep(t *testing.T) {
	// 768 + 384 = 1152 exactly divides evenly with no remainder: last
	// step-based start already reaches width-s, so no extra point appended.
	g, err := New(1152, 768)
	require.NoError(t, err)
	last := g.Starts[len(g.Starts)-1]
	assert.Equal(t, 1152, last.X+g.TileSide)
	// exactly two starts: 0 and 384 (384+768=1152)
	assert.Equal(t, []Point{{X: 0, Y: 0}, {X: 384, Y: 0}}, g.Starts)
}

func TestToScreenCoord_OutOfRangeTile(t *testing.T) {
	g, err := New(1920, 1080)
	require.NoError(t, err)
	_, _, err = g.ToScreenCoord(len(g.Starts), Box{0, 0, 100, 100})
	assert.Error(t, err)
}

func TestToScreenCoord_IdempotentCenter(t *testing.T) {
	g, err := New(1920, 1080)
	require.NoError(t, err)

	for tile := 0; tile < g.TileCount(); tile++ {
		box := Box{100, 100, 500, 600}
		x, y, err := g.ToScreenCoord(tile, box)
		require.NoError(t, err)

		cx, cy := box.Center()
		ex, ey, err := g.ToScreenPoint(tile, cx, cy)
		require.NoError(t, err)
		assert.Equal(t, ex, x)
		assert.Equal(t, ey, y)
	}
}

func TestToScreenCoord_KnownValue(t *testing.T) {
	g, err := New(1536, 768)
	require.NoError(t, err)
	// box center at normalized (150,150) on tile 0 starting at (0,0):
	// round(150*768/1000) = round(115.2) = 115
	x, y, err := g.ToScreenCoord(0, Box{100, 100, 200, 200})
	require.NoError(t, err)
	assert.Equal(t, 115, x)
	assert.Equal(t, 115, y)
}
