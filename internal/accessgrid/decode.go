package accessgrid

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// Grid is a fully materialized access grid.
type Grid struct {
	Header
	// Samples holds one vector per origin, indexed y*Width+x.
	Samples [][]int32
}

// NewGrid allocates a grid with zeroed sample vectors for every origin.
func NewGrid(h Header) *Grid {
	g := &Grid{Header: h, Samples: make([][]int32, h.Origins())}
	for i := range g.Samples {
		g.Samples[i] = make([]int32, h.NSamples)
	}
	return g
}

// Origin returns the sample vector at (x, y).
func (g *Grid) Origin(x, y int) []int32 {
	return g.Samples[y*int(g.Width)+x]
}

// Visitor receives the pieces of an access grid as they are decoded.
type Visitor struct {
	// Header, if set, is called once before any origin.
	Header func(h Header) error
	// Origin is called for every origin in row-major order. samples is reused between calls.
	Origin func(x, y int, samples []int32) error
}

// Scan decodes an access grid stream in a single pass.
// Any error aborts the scan; callers must discard whatever the visitor accumulated.
func Scan(r io.Reader, v Visitor) (Header, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, &TruncatedError{Section: "gzip header", Err: err}
		}
		return Header{}, fmt.Errorf("open access grid stream: %w", err)
	}
	defer zr.Close()

	ir := &intReader{r: bufio.NewReader(zr)}
	h, err := readHeader(ir)
	if err != nil {
		return Header{}, err
	}
	if v.Header != nil {
		if err := v.Header(h); err != nil {
			return Header{}, err
		}
	}

	values := make([]int32, h.NSamples)
	for y := 0; y < int(h.Height); y++ {
		for x := 0; x < int(h.Width); x++ {
			// Values are delta-coded per origin.
			var val int32
			for i := range values {
				delta, err := ir.readInt("origin record")
				if err != nil {
					return Header{}, fmt.Errorf("origin (%d, %d) sample %d: %w", x, y, i, err)
				}
				val += delta
				values[i] = val
			}
			if v.Origin == nil {
				continue
			}
			if err := v.Origin(x, y, values); err != nil {
				return Header{}, err
			}
		}
	}
	return h, nil
}

// Decode materializes every origin's sample vector.
func Decode(r io.Reader) (*Grid, error) {
	var g *Grid
	_, err := Scan(r, Visitor{
		Header: func(h Header) error {
			g = &Grid{Header: h, Samples: make([][]int32, 0, h.Origins())}
			return nil
		},
		Origin: func(_, _ int, values []int32) error {
			g.Samples = append(g.Samples, append([]int32(nil), values...))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DecodeIndex returns a scalar grid holding sample index of every origin.
func DecodeIndex(r io.Reader, index int) (*analyst.Grid, error) {
	var out *analyst.Grid
	_, err := Scan(r, Visitor{
		Header: func(h Header) error {
			if index < 0 || index >= int(h.NSamples) {
				return fmt.Errorf("sample index %d out of range for %d samples", index, h.NSamples)
			}
			out = analyst.NewGrid(int(h.Zoom), int(h.West), int(h.North), int(h.Width), int(h.Height))
			return nil
		},
		Origin: func(x, y int, values []int32) error {
			out.Set(x, y, float64(values[index]))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
