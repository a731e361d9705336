package analyst

import (
	"fmt"
	"math"
)

// Grid is a Web Mercator grid of non-negative values stored row-major by y then x.
type Grid struct {
	Zoom   int
	West   int
	North  int
	Width  int
	Height int
	Values []float64
}

// NewGrid allocates a zeroed grid with the given georeference.
func NewGrid(zoom, west, north, width, height int) *Grid {
	return &Grid{
		Zoom:   zoom,
		West:   west,
		North:  north,
		Width:  width,
		Height: height,
		Values: make([]float64, width*height),
	}
}

// At returns the value of cell (x, y).
func (g *Grid) At(x, y int) float64 {
	return g.Values[y*g.Width+x]
}

// Set assigns the value of cell (x, y).
func (g *Grid) Set(x, y int, v float64) {
	g.Values[y*g.Width+x] = v
}

// Cells returns the number of cells in the grid.
func (g *Grid) Cells() int {
	return g.Width * g.Height
}

// CheckZoom reports a *ZoomMismatchError when the grid is not at zoom.
func (g *Grid) CheckZoom(zoom int) error {
	if g.Zoom != zoom {
		return &ZoomMismatchError{Requested: zoom, Grid: g.Zoom}
	}
	return nil
}

// ZoomMismatchError is returned when a job and its destination grid are at different zooms.
type ZoomMismatchError struct {
	Requested int
	Grid      int
}

func (e *ZoomMismatchError) Error() string {
	return fmt.Sprintf("grid zooms do not match: job zoom %d, destination grid zoom %d", e.Requested, e.Grid)
}

const tileSize = 256

// PixelToLon converts a global Web Mercator pixel x at zoom to a longitude.
func PixelToLon(x float64, zoom int) float64 {
	return x/(tileSize*math.Exp2(float64(zoom)))*360 - 180
}

// PixelToLat converts a global Web Mercator pixel y at zoom to a latitude.
func PixelToLat(y float64, zoom int) float64 {
	n := math.Pi - 2*math.Pi*y/(tileSize*math.Exp2(float64(zoom)))
	return math.Atan(math.Sinh(n)) * 180 / math.Pi
}
