package analyst

import (
	"context"
	"io"
	"iter"
)

// StreetRouter searches the street network around an origin.
type StreetRouter interface {
	// ReachedStops returns the distance in millimetres to every transit stop within
	// radiusMeters of (lat, lon), keyed by stop index.
	ReachedStops(ctx context.Context, lat, lon float64, mode LegMode, radiusMeters int) (map[int]int, error)
}

// TransitRouter runs the range transit search.
type TransitRouter interface {
	// Route returns the travel time in seconds to every stop for every iteration,
	// indexed [iteration][stop], given access times in seconds to the reached stops.
	Route(ctx context.Context, req ProfileRequest, accessSeconds map[int]int) ([][]int, error)
}

// TargetLinker provides non-transit travel times from an origin to grid cells.
type TargetLinker interface {
	// DirectTimes returns the street travel time in seconds to every cell of grid,
	// indexed like grid.Values. Unreachable cells carry math.MaxInt32.
	DirectTimes(ctx context.Context, lat, lon float64, mode LegMode, grid *Grid) ([]int, error)
}

// Propagator turns per-stop times into per-cell times.
type Propagator interface {
	// Propagate yields each destination cell index with its travel time for every iteration.
	Propagate(
		ctx context.Context,
		timesAtStops [][]int,
		directTimes []int,
		grid *Grid,
		req ProfileRequest,
		cutoffSeconds int,
	) (iter.Seq2[int, []int], error)
}

// GridCache resolves destination density grids by identifier.
type GridCache interface {
	Get(ctx context.Context, id string) (*Grid, error)
}

// Publisher hands an encoded result to the result transport.
type Publisher interface {
	// Publish sends body to destination tagged with attrs and returns the message ID.
	Publish(ctx context.Context, destination string, body []byte, attrs map[string]string) (string, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, req GridRequest) error
	Dequeue(ctx context.Context) (GridRequest, error)
}

// BlobStore reads and writes opaque objects.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// JobStatus is the lifecycle state of a regional job.
type JobStatus string

// Regional job states.
const (
	JobStatusPending  JobStatus = "pending"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Finished reports whether the job can no longer change state.
func (s JobStatus) Finished() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// RegionalJob describes a multi-origin analysis being collated.
type RegionalJob struct {
	ID        string
	Grid      string
	Zoom      int
	West      int
	North     int
	Width     int
	Height    int
	NSamples  int
	Received  int
	Status    JobStatus
	ResultURI string
	// Failure explains why a failed job stopped.
	Failure   string
}

// Origins returns the number of origins in the job's extent.
func (j RegionalJob) Origins() int {
	return j.Width * j.Height
}

// JobRegistry persists regional job metadata.
type JobRegistry interface {
	CreateJob(ctx context.Context, job RegionalJob) error
	GetJob(ctx context.Context, jobID string) (RegionalJob, error)
	UpdateProgress(ctx context.Context, jobID string, received int) error
	CompleteJob(ctx context.Context, jobID string, resultURI string) error
	FailJob(ctx context.Context, jobID string, reason string) error
}
