// Package gridcache loads destination density grids from blob storage and memoizes them.
package gridcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// MaxCells bounds the extent a density grid header may declare.
const MaxCells = 1 << 26

// ReadGrid decodes a gzip-compressed density grid: zoom, west, north, width and height as
// little-endian int32s, then width*height delta-coded int32 counts row-major by y then x.
func ReadGrid(r io.Reader) (*analyst.Grid, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open density grid: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var header [5]int32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read density grid header: %w", err)
	}
	zoom, west, north, width, height := header[0], header[1], header[2], header[3], header[4]
	if width < 0 || height < 0 || int64(width)*int64(height) > MaxCells {
		return nil, fmt.Errorf("invalid density grid extent %dx%d", width, height)
	}

	g := analyst.NewGrid(int(zoom), int(west), int(north), int(width), int(height))
	row := make([]int32, width)
	var val int32
	for y := range int(height) {
		if err := binary.Read(br, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("read density grid row %d: %w", y, err)
		}
		base := y * int(width)
		for x, d := range row {
			val += d
			g.Values[base+x] = float64(val)
		}
	}
	return g, nil
}

// WriteGrid encodes g in the format ReadGrid reads. Values are rounded to whole counts.
func WriteGrid(w io.Writer, g *analyst.Grid) error {
	zw := gzip.NewWriter(w)
	header := []int32{int32(g.Zoom), int32(g.West), int32(g.North), int32(g.Width), int32(g.Height)}
	if err := binary.Write(zw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write density grid header: %w", err)
	}
	deltas := make([]int32, len(g.Values))
	var prev int32
	for i, v := range g.Values {
		cur := int32(math.Round(v))
		deltas[i] = cur - prev
		prev = cur
	}
	if err := binary.Write(zw, binary.LittleEndian, deltas); err != nil {
		return fmt.Errorf("write density grid values: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close density grid: %w", err)
	}
	return nil
}
