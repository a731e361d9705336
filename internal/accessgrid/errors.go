package accessgrid

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAccessGrid is returned when the stream does not start with the access grid magic.
	ErrNotAccessGrid = errors.New("input not in access grid format")
	// ErrNotOrigin is returned when a payload does not start with the origin magic.
	ErrNotOrigin = errors.New("input not in origin format")
	// ErrTruncated matches every *TruncatedError.
	ErrTruncated = errors.New("truncated input")
)

// VersionError reports an unsupported format version.
type VersionError struct {
	Format   string
	Expected int32
	Found    int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("version mismatch of %s, expected %d, found %d", e.Format, e.Expected, e.Found)
}

// TruncatedError reports a short read while parsing a section of the input.
type TruncatedError struct {
	Section string
	// Offset is the decompressed byte offset where the read started.
	Offset int64
	Want   int
	Got    int
	Err    error
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated input reading %s at byte %d: want %d bytes, got %d",
		e.Section, e.Offset, e.Want, e.Got)
}

// Unwrap returns the underlying read error.
func (e *TruncatedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTruncated) hold.
func (e *TruncatedError) Is(target error) bool { return target == ErrTruncated }
