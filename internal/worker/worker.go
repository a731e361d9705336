// Package worker implements the single-origin accessibility pipeline and its queue loop.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/metrics"
)

// DefaultStreetRadiusMeters bounds the access search around an origin.
const DefaultStreetRadiusMeters = 2000

// JobIDAttribute names the message attribute carrying the regional job ID.
const JobIDAttribute = "jobId"

// FailureAttribute marks a result message reporting that an origin cannot be computed.
// Its value is the reason and the body is empty.
const FailureAttribute = "failure"

const tracerName = "github.com/JakeFAU/regional-access/internal/worker"

// Config controls Worker behavior.
type Config struct {
	StreetRadiusMeters int
	// AggregateWorkers parallelizes the aggregation across cells when above 1.
	AggregateWorkers int
	// ResultTopic is used when a work item names no output destination.
	ResultTopic string
}

// Routing bundles the routing engine collaborators.
type Routing struct {
	Street     analyst.StreetRouter
	Transit    analyst.TransitRouter
	Linker     analyst.TargetLinker
	Propagator analyst.Propagator
}

// Worker consumes work items and emits one encoded origin result per item.
type Worker struct {
	queue     analyst.Queue
	grids     analyst.GridCache
	routing   Routing
	publisher analyst.Publisher
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue analyst.Queue,
	grids analyst.GridCache,
	routing Routing,
	publisher analyst.Publisher,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.StreetRadiusMeters <= 0 {
		cfg.StreetRadiusMeters = DefaultStreetRadiusMeters
	}
	return &Worker{
		queue:     queue,
		grids:     grids,
		routing:   routing,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued origin",
			zap.String("job_id", req.JobID),
			zap.Int("x", req.X),
			zap.Int("y", req.Y),
		)
		w.processJob(ctx, req)
	}
}

func (w *Worker) processJob(ctx context.Context, req analyst.GridRequest) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	msgID, err := w.Process(ctx, req)
	elapsed := w.clock.Since(start)
	if err != nil {
		metrics.ObserveOriginJob("failed", elapsed)
		w.logger.Error("origin failed",
			zap.String("job_id", req.JobID),
			zap.Int("x", req.X),
			zap.Int("y", req.Y),
			zap.Error(err),
		)
		if Fatal(err) {
			w.reportFailure(ctx, req, err)
		}
		return
	}
	metrics.ObserveOriginJob("succeeded", elapsed)
	w.logger.Info("origin published",
		zap.String("job_id", req.JobID),
		zap.Int("x", req.X),
		zap.Int("y", req.Y),
		zap.String("message_id", msgID),
		zap.Duration("elapsed", elapsed),
	)
}

// Fatal reports whether err will recur for every origin of the job, so redelivery cannot help.
func Fatal(err error) bool {
	var zm *analyst.ZoomMismatchError
	return errors.As(err, &zm) ||
		errors.Is(err, analyst.ErrInvalidWorkItem) ||
		errors.Is(err, analyst.ErrObjectNotFound)
}

// reportFailure tells the collator that the job cannot finish.
func (w *Worker) reportFailure(ctx context.Context, req analyst.GridRequest, cause error) {
	attrs := map[string]string{
		JobIDAttribute:   req.JobID,
		FailureAttribute: fmt.Sprintf("origin (%d, %d): %v", req.X, req.Y, cause),
	}
	if _, err := w.publisher.Publish(ctx, w.destination(req), nil, attrs); err != nil {
		w.logger.Error("publish job failure",
			zap.String("job_id", req.JobID),
			zap.Error(err),
		)
	}
}

func (w *Worker) destination(req analyst.GridRequest) string {
	if req.OutputQueue != "" {
		return req.OutputQueue
	}
	return w.cfg.ResultTopic
}

// Process computes the origin's sample vector and publishes it. Nothing is published on error.
func (w *Worker) Process(ctx context.Context, req analyst.GridRequest) (msgID string, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "origin.process")
	span.SetAttributes(
		attribute.String("job_id", req.JobID),
		attribute.Int("x", req.X),
		attribute.Int("y", req.Y),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	samples, err := w.Compute(ctx, req)
	if err != nil {
		return "", err
	}

	payload := accessgrid.EncodeOrigin(accessgrid.Origin{
		X:       int32(req.X),
		Y:       int32(req.Y),
		Samples: samples,
	})
	metrics.ObserveResultSize(len(payload))

	destination := w.destination(req)
	body := []byte(base64.StdEncoding.EncodeToString(payload))
	msgID, err = w.publisher.Publish(ctx, destination, body, map[string]string{JobIDAttribute: req.JobID})
	if err != nil {
		return "", fmt.Errorf("publish origin result: %w", err)
	}
	w.logger.Debug("origin result encoded",
		zap.String("job_id", req.JobID),
		zap.String("destination", destination),
		zap.String("size", humanize.Bytes(uint64(len(payload)))),
	)
	return msgID, nil
}

// Compute runs the access search, transit search, propagation, bootstrap and aggregation for
// one origin.
func (w *Worker) Compute(ctx context.Context, req analyst.GridRequest) (analyst.SampleVector, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", analyst.ErrInvalidWorkItem, err)
	}
	grid, err := w.grids.Get(ctx, req.Grid)
	if err != nil {
		return nil, fmt.Errorf("load destination grid: %w", err)
	}
	if err := grid.CheckZoom(req.Zoom); err != nil {
		return nil, err
	}

	profile := req.Request
	profile.FromLat = analyst.PixelToLat(float64(req.North+req.Y)+0.5, req.Zoom)
	profile.FromLon = analyst.PixelToLon(float64(req.West+req.X)+0.5, req.Zoom)
	mode := profile.StreetMode()

	accessSeconds, err := w.accessTimes(ctx, profile, mode)
	if err != nil {
		return nil, err
	}
	timesAtStops, err := w.routing.Transit.Route(ctx, profile, accessSeconds)
	if err != nil {
		return nil, fmt.Errorf("transit search: %w", err)
	}
	directTimes, err := w.routing.Linker.DirectTimes(ctx, profile.FromLat, profile.FromLon, mode, grid)
	if err != nil {
		return nil, fmt.Errorf("direct travel times: %w", err)
	}
	targets, err := w.routing.Propagator.Propagate(ctx, timesAtStops, directTimes, grid, profile, req.CutoffSeconds())
	if err != nil {
		return nil, fmt.Errorf("propagate travel times: %w", err)
	}

	rng := analyst.NewMersenneTwister(uint64(w.clock.Now().UnixNano()))
	weights, err := analyst.NewBootstrapWeights(rng, len(timesAtStops), analyst.BootstrapReplicates)
	if err != nil {
		return nil, fmt.Errorf("bootstrap weights: %w", err)
	}

	agg := analyst.Aggregator{Workers: w.cfg.AggregateWorkers}
	samples, err := agg.Aggregate(ctx, targets, grid, req.CutoffSeconds(), weights)
	if err != nil {
		return nil, fmt.Errorf("aggregate accessibility: %w", err)
	}
	w.logger.Debug("origin aggregated",
		zap.String("job_id", req.JobID),
		zap.String("mode", string(mode)),
		zap.Int("stops_reached", len(accessSeconds)),
		zap.Int("iterations", len(timesAtStops)),
		zap.Int32("point_estimate", samples[0]),
	)
	return samples, nil
}

// accessTimes converts street distances to reached stops into seconds at the mode's speed.
func (w *Worker) accessTimes(ctx context.Context, profile analyst.ProfileRequest, mode analyst.LegMode) (map[int]int, error) {
	reached, err := w.routing.Street.ReachedStops(ctx, profile.FromLat, profile.FromLon, mode, w.cfg.StreetRadiusMeters)
	if err != nil {
		return nil, fmt.Errorf("street search: %w", err)
	}
	mmPerSecond := int(profile.SpeedFor(mode) * 1000)
	if mmPerSecond <= 0 {
		return nil, fmt.Errorf("speed for %s access must be positive", mode)
	}
	seconds := make(map[int]int, len(reached))
	for stop, mm := range reached {
		seconds[stop] = mm / mmPerSecond
	}
	return seconds, nil
}
