// Package geometry implements the pure screen-tiling math used by the
// Screen Tiler and Grounding Pipeline: given a screenshot's native
// resolution, compute the deterministic set of overlapping square tile
// starting points, and convert normalized [0,1000] box coordinates back to
// screen space for a given tile.
//
// Nothing here performs I/O or touches image bytes; a Geometry is a plain
// value, constructed fresh for every screenshot per §9 (never a process-wide
// singleton).
package geometry

import (
	"fmt"
	"math"
)

const (
	// NormMax is the upper bound (inclusive) of a normalized coordinate.
	NormMax = 1000
	// TileDim is the fixed side length tiles are resized to before being
	// sent to the LLM.
	TileDim = 768
)

// Direction is the long axis a screenshot is tiled along.
type Direction string

const (
	DirectionHorizontal Direction = "horizontal"
	DirectionVertical   Direction = "vertical"
)

// Point is a tile's top-left starting coordinate in screen space.
type Point struct {
	X int
	Y int
}

// Geometry is the tiling derived from one screenshot's (width, height).
type Geometry struct {
	Width     int
	Height    int
	TileSide  int
	Direction Direction
	Starts    []Point
}

// New computes the tiling for a screenshot of the given native resolution.
// Tile side s = min(w, h); direction is vertical if w > h, else horizontal
// (so a square screenshot defaults to horizontal, per §4.3). Starting points
// begin at the origin and step by round(s*0.5) along the long axis; a final
// start at (long_axis - s) is appended only if it lies strictly past the
// last step-based start.
func New(width, height int) (*Geometry, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("geometry: invalid resolution %dx%d", width, height)
	}

	s := width
	if height < s {
		s = height
	}

	direction := DirectionHorizontal
	longAxis := height
	if width > height {
		direction = DirectionVertical
		longAxis = width
	}

	step := roundHalfAwayFromZero(float64(s) * 0.5)
	if step < 1 {
		step = 1
	}

	var offsets []int
	for x := 0; x+s <= longAxis; x += step {
		offsets = append(offsets, x)
	}
	if len(offsets) == 0 {
		offsets = append(offsets, 0)
	}
	last := longAxis - s
	if last > offsets[len(offsets)-1] {
		offsets = append(offsets, last)
	}

	starts := make([]Point, len(offsets))
	for i, off := range offsets {
		if width > height {
			starts[i] = Point{X: off, Y: 0}
		} else {
			starts[i] = Point{X: 0, Y: off}
		}
	}

	return &Geometry{
		Width:     width,
		Height:    height,
		TileSide:  s,
		Direction: direction,
		Starts:    starts,
	}, nil
}

// TileCount returns the number of tiles this geometry describes.
func (g *Geometry) TileCount() int {
	return len(g.Starts)
}

// Box is a normalized [ymin, xmin, ymax, xmax] rectangle, each coordinate in
// [0, NormMax].
type Box [4]int

// Center returns the box's integer-floor center in normalized space.
func (b Box) Center() (cx, cy int) {
	cx = (b[1] + b[3]) / 2
	cy = (b[0] + b[2]) / 2
	return
}

// ToScreenCoord de-normalizes a box's center, for the tile at tileIndex, to a
// screen coordinate: (x0 + round(cx*s/1000), y0 + round(cy*s/1000)).
func (g *Geometry) ToScreenCoord(tileIndex int, box Box) (x, y int, err error) {
	if tileIndex < 0 || tileIndex >= len(g.Starts) {
		return 0, 0, fmt.Errorf("geometry: tile index %d out of range [0,%d)", tileIndex, len(g.Starts))
	}
	cx, cy := box.Center()
	return g.ToScreenPoint(tileIndex, cx, cy)
}

// ToScreenPoint de-normalizes a single normalized point (cx, cy) for the
// tile at tileIndex.
func (g *Geometry) ToScreenPoint(tileIndex int, cx, cy int) (x, y int, err error) {
	if tileIndex < 0 || tileIndex >= len(g.Starts) {
		return 0, 0, fmt.Errorf("geometry: tile index %d out of range [0,%d)", tileIndex, len(g.Starts))
	}
	start := g.Starts[tileIndex]
	x = start.X + roundDiv(cx*g.TileSide, NormMax)
	y = start.Y + roundDiv(cy*g.TileSide, NormMax)
	return x, y, nil
}

func roundDiv(a, b int) int {
	return int(roundHalfAwayFromZero(float64(a) / float64(b)))
}

func roundHalfAwayFromZero(v float64) int {
	if v >= 0 {
		return int(math.Floor(v + 0.5))
	}
	return int(math.Ceil(v - 0.5))
}
