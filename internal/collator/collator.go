// Package collator assembles per-origin results into regional access grids.
package collator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/metrics"
)

// JobIDAttribute names the message attribute carrying the regional job ID.
const JobIDAttribute = "jobId"

// FailureAttribute carries the reason on a message reporting that the job cannot finish.
const FailureAttribute = "failure"

// ResultPath returns where the access grid of jobID is stored under prefix.
func ResultPath(prefix, jobID string) string {
	return path.Join(prefix, jobID+".access")
}

// Collator consumes origin result messages. Handle calls are serialized so a single
// collator owns each job's assembly.
type Collator struct {
	registry     analyst.JobRegistry
	buffer       OriginBuffer
	store        analyst.BlobStore
	resultPrefix string
	logger       *zap.Logger

	mu sync.Mutex
}

// New constructs a Collator.
func New(
	registry analyst.JobRegistry,
	buffer OriginBuffer,
	store analyst.BlobStore,
	resultPrefix string,
	logger *zap.Logger,
) *Collator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collator{
		registry:     registry,
		buffer:       buffer,
		store:        store,
		resultPrefix: resultPrefix,
		logger:       logger,
	}
}

// Handle processes one result message: base64-wrapped origin record bytes tagged with the job ID.
// Malformed messages return a plain error; failures of the registry, buffer or blob store wrap
// analyst.ErrRetry.
func (c *Collator) Handle(ctx context.Context, data []byte, attrs map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobID := attrs[JobIDAttribute]
	if jobID == "" {
		metrics.ObserveOriginReceived("rejected")
		return fmt.Errorf("result message has no %s attribute", JobIDAttribute)
	}
	if reason, ok := attrs[FailureAttribute]; ok {
		return c.fail(ctx, jobID, reason)
	}
	origin, err := decodeMessage(data)
	if err != nil {
		metrics.ObserveOriginReceived("rejected")
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	job, err := c.registry.GetJob(ctx, jobID)
	if errors.Is(err, analyst.ErrJobNotFound) {
		metrics.ObserveOriginReceived("rejected")
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	if job.Status.Finished() {
		metrics.ObserveOriginReceived("duplicate")
		c.logger.Debug("origin for finished job ignored",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}
	if err := checkOrigin(job, origin); err != nil {
		metrics.ObserveOriginReceived("rejected")
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	index := int(origin.Y)*job.Width + int(origin.X)
	fresh, received, err := c.buffer.Store(ctx, jobID, index, origin)
	if err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	if fresh {
		metrics.ObserveOriginReceived("stored")
	} else {
		// A redelivery may follow a failed progress update or assembly, so it still
		// drives the job toward completion.
		metrics.ObserveOriginReceived("duplicate")
		c.logger.Debug("duplicate origin",
			zap.String("job_id", jobID),
			zap.Int32("x", origin.X),
			zap.Int32("y", origin.Y),
			zap.Int("received", received),
		)
	}

	if err := c.registry.UpdateProgress(ctx, jobID, received); err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	if received < job.Origins() {
		return nil
	}
	return c.complete(ctx, job)
}

// fail records that the job cannot finish and releases its buffered origins.
func (c *Collator) fail(ctx context.Context, jobID, reason string) error {
	job, err := c.registry.GetJob(ctx, jobID)
	if errors.Is(err, analyst.ErrJobNotFound) {
		metrics.ObserveOriginReceived("rejected")
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	metrics.ObserveOriginReceived("failed")
	if job.Status.Finished() {
		return nil
	}
	if err := c.registry.FailJob(ctx, jobID, reason); err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	if err := c.buffer.Drop(ctx, jobID); err != nil {
		c.logger.Warn("release buffered origins failed", zap.String("job_id", jobID), zap.Error(err))
	}
	c.logger.Warn("regional job failed", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

func decodeMessage(data []byte) (accessgrid.Origin, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return accessgrid.Origin{}, fmt.Errorf("decode base64 result: %w", err)
	}
	return accessgrid.DecodeOrigin(raw[:n])
}

func checkOrigin(job analyst.RegionalJob, origin accessgrid.Origin) error {
	if origin.X < 0 || int(origin.X) >= job.Width || origin.Y < 0 || int(origin.Y) >= job.Height {
		return fmt.Errorf("origin (%d, %d) outside %dx%d extent", origin.X, origin.Y, job.Width, job.Height)
	}
	if len(origin.Samples) != job.NSamples {
		return fmt.Errorf("origin (%d, %d) has %d samples, job expects %d",
			origin.X, origin.Y, len(origin.Samples), job.NSamples)
	}
	return nil
}

// complete writes the access grid in row-major order and marks the job complete.
func (c *Collator) complete(ctx context.Context, job analyst.RegionalJob) error {
	header := accessgrid.Header{
		Zoom:     int32(job.Zoom),
		West:     int32(job.West),
		North:    int32(job.North),
		Width:    int32(job.Width),
		Height:   int32(job.Height),
		NSamples: int32(job.NSamples),
	}
	var buf bytes.Buffer
	w, err := accessgrid.NewWriter(&buf, header)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	for i := range job.Origins() {
		origin, err := c.buffer.Load(ctx, job.ID, i)
		if err != nil {
			return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
		}
		if err := w.WriteOrigin(origin.Samples); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	size := buf.Len()
	uri, err := c.store.PutObject(ctx, ResultPath(c.resultPrefix, job.ID), "application/octet-stream", &buf)
	if err != nil {
		return fmt.Errorf("%w: store access grid: %w", analyst.ErrRetry, err)
	}
	if err := c.registry.CompleteJob(ctx, job.ID, uri); err != nil {
		return fmt.Errorf("%w: %w", analyst.ErrRetry, err)
	}
	if err := c.buffer.Drop(ctx, job.ID); err != nil {
		c.logger.Warn("release buffered origins failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveGridAssembled()
	c.logger.Info("access grid assembled",
		zap.String("job_id", job.ID),
		zap.String("uri", uri),
		zap.Int("origins", job.Origins()),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	return nil
}
