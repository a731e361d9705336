package accessgrid

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Writer streams an access grid one origin at a time in row-major order.
type Writer struct {
	zw      *gzip.Writer
	header  Header
	written int
	buf     []byte
	closed  bool
}

// NewWriter writes the access grid header to w and returns a Writer for the origin records.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(appendHeader(nil, h)); err != nil {
		return nil, fmt.Errorf("write access grid header: %w", err)
	}
	return &Writer{
		zw:     zw,
		header: h,
		buf:    make([]byte, 0, 4*int(h.NSamples)),
	}, nil
}

// WriteOrigin appends the next origin's samples, delta-coded.
func (w *Writer) WriteOrigin(samples []int32) error {
	if w.closed {
		return fmt.Errorf("access grid writer is closed")
	}
	if w.written >= w.header.Origins() {
		return fmt.Errorf("access grid already holds all %d origins", w.header.Origins())
	}
	if len(samples) != int(w.header.NSamples) {
		return fmt.Errorf("origin %d has %d samples, header declares %d", w.written, len(samples), w.header.NSamples)
	}
	w.buf = appendDeltas(w.buf[:0], samples)
	if _, err := w.zw.Write(w.buf); err != nil {
		return fmt.Errorf("write origin %d: %w", w.written, err)
	}
	w.written++
	return nil
}

// Close flushes the compressed stream. It fails if fewer origins than the header
// declares were written; the underlying writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("close access grid stream: %w", err)
	}
	if w.written != w.header.Origins() {
		return fmt.Errorf("access grid incomplete: wrote %d of %d origins", w.written, w.header.Origins())
	}
	return nil
}

// Encode writes g in full.
func Encode(w io.Writer, g *Grid) error {
	if len(g.Samples) != g.Origins() {
		return fmt.Errorf("grid has %d sample vectors, header declares %d origins", len(g.Samples), g.Origins())
	}
	aw, err := NewWriter(w, g.Header)
	if err != nil {
		return err
	}
	for _, samples := range g.Samples {
		if err := aw.WriteOrigin(samples); err != nil {
			return err
		}
	}
	return aw.Close()
}
