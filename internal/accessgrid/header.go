package accessgrid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every access grid.
	Magic = "ACCESSGR"
	// Version is the only access grid version this package reads and writes.
	Version int32 = 0
)

// Header georeferences an access grid and sizes its records.
type Header struct {
	Zoom     int32
	West     int32
	North    int32
	Width    int32
	Height   int32
	NSamples int32
}

// Origins returns the number of origin records following the header.
func (h Header) Origins() int {
	return int(h.Width) * int(h.Height)
}

func (h Header) validate() error {
	if h.Width < 0 || h.Height < 0 || h.NSamples < 0 {
		return fmt.Errorf("invalid access grid header: width %d, height %d, nSamples %d",
			h.Width, h.Height, h.NSamples)
	}
	return nil
}

// intReader reads little-endian int32s and tracks the decompressed offset.
type intReader struct {
	r      io.Reader
	offset int64
	buf    [4]byte
}

func (ir *intReader) read(p []byte, section string) error {
	n, err := io.ReadFull(ir.r, p)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &TruncatedError{Section: section, Offset: ir.offset, Want: len(p), Got: n, Err: err}
		}
		return fmt.Errorf("read %s: %w", section, err)
	}
	ir.offset += int64(n)
	return nil
}

func (ir *intReader) readInt(section string) (int32, error) {
	if err := ir.read(ir.buf[:], section); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(ir.buf[:])), nil
}

// readInts fills dst in order, naming each field for error context.
func (ir *intReader) readInts(names []string, dst ...*int32) error {
	for i, d := range dst {
		v, err := ir.readInt(names[i])
		if err != nil {
			return err
		}
		*d = v
	}
	return nil
}

func readHeader(ir *intReader) (Header, error) {
	magic := make([]byte, len(Magic))
	if err := ir.read(magic, "magic"); err != nil {
		return Header{}, err
	}
	if string(magic) != Magic {
		return Header{}, fmt.Errorf("%w: found magic %q, expected %q", ErrNotAccessGrid, magic, Magic)
	}
	version, err := ir.readInt("version")
	if err != nil {
		return Header{}, err
	}
	if version != Version {
		return Header{}, &VersionError{Format: "access grids", Expected: Version, Found: version}
	}
	var h Header
	err = ir.readInts(
		[]string{"zoom", "west", "north", "width", "height", "nSamples"},
		&h.Zoom, &h.West, &h.North, &h.Width, &h.Height, &h.NSamples,
	)
	if err != nil {
		return Header{}, err
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func appendHeader(buf []byte, h Header) []byte {
	buf = append(buf, Magic...)
	return appendInts(buf, Version, h.Zoom, h.West, h.North, h.Width, h.Height, h.NSamples)
}

func appendInts(buf []byte, values ...int32) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return buf
}

// appendDeltas delta-codes samples against an implicit leading zero.
func appendDeltas(buf []byte, samples []int32) []byte {
	var prev int32
	for _, v := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v-prev))
		prev = v
	}
	return buf
}
