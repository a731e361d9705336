package accessgrid

import (
	"bytes"
	"fmt"
)

const (
	// OriginMagic opens every origin record.
	OriginMagic = "ORIGIN"
	// OriginVersion is the only origin record version this package reads and writes.
	OriginVersion int32 = 0
)

// Origin is one origin's sample vector and its position in the regional extent.
type Origin struct {
	X       int32
	Y       int32
	Samples []int32
}

// EncodeOrigin serializes o as an uncompressed origin record.
func EncodeOrigin(o Origin) []byte {
	buf := make([]byte, 0, len(OriginMagic)+16+4*len(o.Samples))
	buf = append(buf, OriginMagic...)
	buf = appendInts(buf, OriginVersion, o.X, o.Y, int32(len(o.Samples)))
	return appendDeltas(buf, o.Samples)
}

// DecodeOrigin parses an origin record produced by EncodeOrigin.
func DecodeOrigin(data []byte) (Origin, error) {
	ir := &intReader{r: bytes.NewReader(data)}
	magic := make([]byte, len(OriginMagic))
	if err := ir.read(magic, "origin magic"); err != nil {
		return Origin{}, err
	}
	if string(magic) != OriginMagic {
		return Origin{}, fmt.Errorf("%w: found magic %q, expected %q", ErrNotOrigin, magic, OriginMagic)
	}
	version, err := ir.readInt("origin version")
	if err != nil {
		return Origin{}, err
	}
	if version != OriginVersion {
		return Origin{}, &VersionError{Format: "origin records", Expected: OriginVersion, Found: version}
	}
	var o Origin
	var n int32
	if err := ir.readInts([]string{"x", "y", "nSamples"}, &o.X, &o.Y, &n); err != nil {
		return Origin{}, err
	}
	if n < 0 {
		return Origin{}, fmt.Errorf("invalid origin record: nSamples %d", n)
	}
	if want := int64(n) * 4; int64(len(data))-ir.offset < want {
		return Origin{}, &TruncatedError{
			Section: "origin samples",
			Offset:  ir.offset,
			Want:    int(want),
			Got:     len(data) - int(ir.offset),
		}
	}
	o.Samples = make([]int32, n)
	var val int32
	for i := range o.Samples {
		delta, err := ir.readInt("origin samples")
		if err != nil {
			return Origin{}, err
		}
		val += delta
		o.Samples[i] = val
	}
	return o, nil
}
