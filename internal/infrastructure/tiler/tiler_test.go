package tiler

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
)

func encodeTestPNG(t *testing.T, w, h int, fill color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeTestPNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestTile_CountAndDimensions(t *testing.T) {
	shot := encodeTestPNG(t, 2000, 768, color.White)
	geo, err := geometry.New(2000, 768)
	require.NoError(t, err)

	tiles, err := New(geo).Tile(shot)
	require.NoError(t, err)
	require.Len(t, tiles, geo.TileCount())

	for _, tile := range tiles {
		img := decodeTestPNG(t, tile)
		assert.Equal(t, geometry.TileDim, img.Bounds().Dx())
		assert.Equal(t, geometry.TileDim, img.Bounds().Dy())
	}
}

func TestTile_SingleTileForSquare(t *testing.T) {
	shot := encodeTestPNG(t, 500, 500, color.White)
	geo, err := geometry.New(500, 500)
	require.NoError(t, err)

	tiles, err := New(geo).Tile(shot)
	require.NoError(t, err)
	assert.Len(t, tiles, 1)
}

func TestTile_ResolutionMismatchFails(t *testing.T) {
	shot := encodeTestPNG(t, 800, 600, color.White)
	geo, err := geometry.New(1024, 768)
	require.NoError(t, err)

	_, err = New(geo).Tile(shot)
	assert.Error(t, err)
}

func TestHighlightBox_PreservesResolutionAndDarkensOutside(t *testing.T) {
	shot := encodeTestPNG(t, 768, 768, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	geo, err := geometry.New(768, 768)
	require.NoError(t, err)
	tl := New(geo)

	box := geometry.Box{100, 100, 400, 400}
	out, err := tl.HighlightBox(shot, 0, box, HighlightOptions{})
	require.NoError(t, err)

	img := decodeTestPNG(t, out)
	assert.Equal(t, 768, img.Bounds().Dx())
	assert.Equal(t, 768, img.Bounds().Dy())

	// Outside the box the vignette halves the channel values.
	r, _, _, _ := img.At(700, 700).RGBA()
	assert.InDelta(t, 100, int(r>>8), 2)

	// Well inside the box (away from the stroke) the pixel is untouched.
	r, _, _, _ = img.At(200, 200).RGBA()
	assert.InDelta(t, 200, int(r>>8), 2)
}

func TestHighlightArrow_PreservesResolution(t *testing.T) {
	shot := encodeTestPNG(t, 768, 768, color.White)
	geo, err := geometry.New(768, 768)
	require.NoError(t, err)
	tl := New(geo)

	out, err := tl.HighlightArrow(shot,
		0, geometry.Box{100, 100, 200, 200},
		0, geometry.Box{600, 600, 700, 700},
		HighlightOptions{})
	require.NoError(t, err)

	img := decodeTestPNG(t, out)
	assert.Equal(t, 768, img.Bounds().Dx())
	assert.Equal(t, 768, img.Bounds().Dy())
}

func TestHighlightBox_TileIndexOutOfRange(t *testing.T) {
	shot := encodeTestPNG(t, 768, 768, color.White)
	geo, err := geometry.New(768, 768)
	require.NoError(t, err)

	_, err = New(geo).HighlightBox(shot, 5, geometry.Box{0, 0, 10, 10}, HighlightOptions{})
	assert.Error(t, err)
}
