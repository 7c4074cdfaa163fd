// Package tiler implements the Screen Tiler (§4.3): decomposing a
// screenshot into the overlapping square tiles described by a
// geometry.Geometry, mapping a tile's normalized box/point back to screen
// coordinates, and annotating a screenshot with review highlight overlays.
//
// Resize/crop goes through github.com/disintegration/imaging, the pack's
// pure-Go (no cgo) image library; the highlight vignette and stroked
// rectangle/arrow are hand-drawn with the standard image/draw primitives
// plus golang.org/x/image/vector for antialiased strokes, since no example
// repo in the pack carries a line/rect-drawing library — see DESIGN.md.
package tiler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/vector"

	"github.com/ngoclaw/agentcore/internal/domain/geometry"
)

// DefaultStrokeWidth is used by HighlightBox/HighlightArrow when the caller
// doesn't specify one.
const DefaultStrokeWidth = 4

// DefaultColor is the default highlight stroke color: a solid red.
var DefaultColor = color.RGBA{R: 255, G: 64, B: 64, A: 255}

// Tiler produces and maps tiles for one screenshot's geometry. It is
// constructed fresh per screenshot (§9) — never a process-wide singleton.
type Tiler struct {
	geo *geometry.Geometry
}

// New builds a Tiler for a screenshot of the geometry's native resolution.
func New(geo *geometry.Geometry) *Tiler {
	return &Tiler{geo: geo}
}

// Tile decodes the screenshot, crops one square per geometry starting
// point, resizes each to geometry.TileDim x geometry.TileDim, and
// re-encodes as PNG. The image's resolution must match the geometry that
// created this Tiler.
func (t *Tiler) Tile(screenshotPNG []byte) ([][]byte, error) {
	img, err := png.Decode(bytes.NewReader(screenshotPNG))
	if err != nil {
		return nil, fmt.Errorf("tiler: decode screenshot: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != t.geo.Width || bounds.Dy() != t.geo.Height {
		return nil, fmt.Errorf("tiler: screenshot resolution %dx%d does not match geometry %dx%d",
			bounds.Dx(), bounds.Dy(), t.geo.Width, t.geo.Height)
	}

	tiles := make([][]byte, 0, len(t.geo.Starts))
	for _, start := range t.geo.Starts {
		rect := image.Rect(start.X, start.Y, start.X+t.geo.TileSide, start.Y+t.geo.TileSide)
		cropped := imaging.Crop(img, rect)
		resized := imaging.Resize(cropped, geometry.TileDim, geometry.TileDim, imaging.Lanczos)

		var buf bytes.Buffer
		if err := png.Encode(&buf, resized); err != nil {
			return nil, fmt.Errorf("tiler: encode tile: %w", err)
		}
		tiles = append(tiles, buf.Bytes())
	}
	return tiles, nil
}

// ToScreenCoord de-normalizes a box for the tile at tileIndex and returns
// its integer-floor center in screen coordinates.
func (t *Tiler) ToScreenCoord(tileIndex int, box geometry.Box) (x, y int, err error) {
	return t.geo.ToScreenCoord(tileIndex, box)
}

// ToScreenPoint de-normalizes a single normalized point for the tile at
// tileIndex.
func (t *Tiler) ToScreenPoint(tileIndex int, cx, cy int) (x, y int, err error) {
	return t.geo.ToScreenPoint(tileIndex, cx, cy)
}

// HighlightOptions configures a highlight's stroke appearance. A zero value
// falls back to DefaultColor / DefaultStrokeWidth.
type HighlightOptions struct {
	Color       color.Color
	StrokeWidth int
}

func (o HighlightOptions) resolve() (color.Color, int) {
	c := o.Color
	if c == nil {
		c = DefaultColor
	}
	w := o.StrokeWidth
	if w <= 0 {
		w = DefaultStrokeWidth
	}
	return c, w
}

// boxRect converts a normalized box for a tile into a screen-space
// image.Rectangle, clamped to the screenshot bounds.
func (t *Tiler) boxRect(tileIndex int, box geometry.Box) (image.Rectangle, error) {
	if tileIndex < 0 || tileIndex >= len(t.geo.Starts) {
		return image.Rectangle{}, fmt.Errorf("tiler: tile index %d out of range", tileIndex)
	}
	start := t.geo.Starts[tileIndex]
	x0 := start.X + roundDiv(box[1]*t.geo.TileSide, geometry.NormMax)
	y0 := start.Y + roundDiv(box[0]*t.geo.TileSide, geometry.NormMax)
	x1 := start.X + roundDiv(box[3]*t.geo.TileSide, geometry.NormMax)
	y1 := start.Y + roundDiv(box[2]*t.geo.TileSide, geometry.NormMax)
	r := image.Rect(x0, y0, x1, y1).Canon()
	return r.Intersect(image.Rect(0, 0, t.geo.Width, t.geo.Height)), nil
}

func roundDiv(a, b int) int {
	v := float64(a) / float64(b)
	if v >= 0 {
		return int(math.Floor(v + 0.5))
	}
	return int(math.Ceil(v - 0.5))
}

// HighlightBox returns screenshotPNG re-encoded with a 50%-opacity black
// vignette everywhere outside the de-normalized rectangle for
// (tileIndex, box), plus a stroked border around it. Resolution and
// mimeType (PNG) are preserved.
func (t *Tiler) HighlightBox(screenshotPNG []byte, tileIndex int, box geometry.Box, opts HighlightOptions) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(screenshotPNG))
	if err != nil {
		return nil, fmt.Errorf("tiler: decode screenshot: %w", err)
	}
	rect, err := t.boxRect(tileIndex, box)
	if err != nil {
		return nil, err
	}

	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	applyVignette(out, rect)

	col, width := opts.resolve()
	strokeRect(out, rect, col, width)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("tiler: encode highlighted image: %w", err)
	}
	return buf.Bytes(), nil
}

// HighlightArrow returns screenshotPNG with the vignette exposing both the
// start and end rectangles, plus a stroked line from the start rectangle's
// center to the end rectangle's center with an arrowhead at the end.
func (t *Tiler) HighlightArrow(screenshotPNG []byte, startTile int, startBox geometry.Box, endTile int, endBox geometry.Box, opts HighlightOptions) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(screenshotPNG))
	if err != nil {
		return nil, fmt.Errorf("tiler: decode screenshot: %w", err)
	}
	startRect, err := t.boxRect(startTile, startBox)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	endRect, err := t.boxRect(endTile, endBox)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}

	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	applyVignetteMulti(out, startRect, endRect)

	col, width := opts.resolve()
	strokeRect(out, startRect, col, width)
	strokeRect(out, endRect, col, width)

	sx, sy := center(startRect)
	ex, ey := center(endRect)
	strokeArrow(out, sx, sy, ex, ey, col, width)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("tiler: encode highlighted image: %w", err)
	}
	return buf.Bytes(), nil
}

func center(r image.Rectangle) (int, int) {
	return (r.Min.X + r.Max.X) / 2, (r.Min.Y + r.Max.Y) / 2
}

// applyVignette darkens every pixel outside keep by 50%.
func applyVignette(img *image.NRGBA, keep image.Rectangle) {
	applyVignetteMulti(img, keep)
}

func applyVignetteMulti(img *image.NRGBA, keep ...image.Rectangle) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			p := image.Pt(x, y)
			inside := false
			for _, r := range keep {
				if p.In(r) {
					inside = true
					break
				}
			}
			if inside {
				continue
			}
			darken(img, x, y, 0.5)
		}
	}
}

func darken(img *image.NRGBA, x, y int, factor float64) {
	i := img.PixOffset(x, y)
	img.Pix[i] = uint8(float64(img.Pix[i]) * factor)
	img.Pix[i+1] = uint8(float64(img.Pix[i+1]) * factor)
	img.Pix[i+2] = uint8(float64(img.Pix[i+2]) * factor)
}

// strokeRect draws a width-pixel border around r using a rasterized
// vector.Rasterizer path, so the border is antialiased regardless of width.
func strokeRect(img *image.NRGBA, r image.Rectangle, col color.Color, width int) {
	if r.Empty() {
		return
	}
	outer := r.Inset(-width / 2)
	inner := r.Inset(width - width/2)
	rasterizeRing(img, outer, inner, col)
}

// rasterizeRing fills outer minus inner (a rectangular ring) using
// golang.org/x/image/vector, then composites it onto img with draw.Over so
// the stroke blends with the darkened vignette beneath it.
func rasterizeRing(img *image.NRGBA, outer, inner image.Rectangle, col color.Color) {
	bounds := img.Bounds()
	outer = outer.Intersect(bounds)
	if outer.Empty() {
		return
	}
	rast := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	addRect(rast, outer)
	mask := image.NewAlpha(bounds)
	rast.Draw(mask, bounds, image.Opaque, image.Point{})

	rast2 := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	addRect(rast2, inner)
	innerMask := image.NewAlpha(bounds)
	rast2.Draw(innerMask, bounds, image.Opaque, image.Point{})

	solid := image.NewUniform(col)
	for y := outer.Min.Y; y < outer.Max.Y; y++ {
		for x := outer.Min.X; x < outer.Max.X; x++ {
			if innerMask.AlphaAt(x, y).A > 0 {
				continue
			}
			if mask.AlphaAt(x, y).A == 0 {
				continue
			}
			draw.Draw(img, image.Rect(x, y, x+1, y+1), solid, image.Point{}, draw.Over)
		}
	}
}

func addRect(rast *vector.Rasterizer, r image.Rectangle) {
	rast.MoveTo(float32(r.Min.X), float32(r.Min.Y))
	rast.LineTo(float32(r.Max.X), float32(r.Min.Y))
	rast.LineTo(float32(r.Max.X), float32(r.Max.Y))
	rast.LineTo(float32(r.Min.X), float32(r.Max.Y))
	rast.ClosePath()
}

// strokeArrow draws a straight line from (x0,y0) to (x1,y1) plus a filled
// triangular arrowhead at the end, width-pixels thick.
func strokeArrow(img *image.NRGBA, x0, y0, x1, y1 int, col color.Color, width int) {
	drawLine(img, x0, y0, x1, y1, col, width)

	angle := math.Atan2(float64(y1-y0), float64(x1-x0))
	const headLen = 16.0
	const headAngle = math.Pi / 7

	leftX := float64(x1) - headLen*math.Cos(angle-headAngle)
	leftY := float64(y1) - headLen*math.Sin(angle-headAngle)
	rightX := float64(x1) - headLen*math.Cos(angle+headAngle)
	rightY := float64(y1) - headLen*math.Sin(angle+headAngle)

	fillTriangle(img,
		image.Pt(x1, y1),
		image.Pt(int(leftX), int(leftY)),
		image.Pt(int(rightX), int(rightY)),
		col,
	)
}

// drawLine renders a straight segment as a rasterized thin rectangle
// (perpendicular offset by width/2 on each side), antialiased via
// golang.org/x/image/vector.
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, col color.Color, width int) {
	bounds := img.Bounds()
	dx, dy := float64(x1-x0), float64(y1-y0)
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*float64(width)/2, dx/length*float64(width)/2

	rast := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	rast.MoveTo(float32(float64(x0)+nx), float32(float64(y0)+ny))
	rast.LineTo(float32(float64(x1)+nx), float32(float64(y1)+ny))
	rast.LineTo(float32(float64(x1)-nx), float32(float64(y1)-ny))
	rast.LineTo(float32(float64(x0)-nx), float32(float64(y0)-ny))
	rast.ClosePath()

	mask := image.NewAlpha(bounds)
	rast.Draw(mask, bounds, image.Opaque, image.Point{})
	solid := image.NewUniform(col)
	draw.DrawMask(img, bounds, solid, image.Point{}, mask, image.Point{}, draw.Over)
}

func fillTriangle(img *image.NRGBA, a, b, c image.Point, col color.Color) {
	bounds := img.Bounds()
	rast := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	rast.MoveTo(float32(a.X), float32(a.Y))
	rast.LineTo(float32(b.X), float32(b.Y))
	rast.LineTo(float32(c.X), float32(c.Y))
	rast.ClosePath()

	mask := image.NewAlpha(bounds)
	rast.Draw(mask, bounds, image.Opaque, image.Point{})
	solid := image.NewUniform(col)
	draw.DrawMask(img, bounds, solid, image.Point{}, mask, image.Point{}, draw.Over)
}
