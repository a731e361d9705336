package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/analyst"
	pubmemory "github.com/JakeFAU/regional-access/internal/publisher/memory"
	queuememory "github.com/JakeFAU/regional-access/internal/queue/memory"
	"github.com/JakeFAU/regional-access/internal/routing/fixture"
)

func TestWorker_Process_PublishesOriginRecord(t *testing.T) {
	t.Parallel()

	env := newFakeEnv()
	w := env.worker(Config{})

	msgID, err := w.Process(context.Background(), env.request())
	require.NoError(t, err)
	assert.Equal(t, "memory-1", msgID)

	msgs := env.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "results", msgs[0].Destination)
	assert.Equal(t, map[string]string{"jobId": "job-1"}, msgs[0].Attributes)

	raw, err := base64.StdEncoding.DecodeString(string(msgs[0].Body))
	require.NoError(t, err)
	origin, err := accessgrid.DecodeOrigin(raw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), origin.X)
	assert.Equal(t, int32(0), origin.Y)
	require.Len(t, origin.Samples, analyst.BootstrapReplicates+1)
	for i, v := range origin.Samples {
		require.Equalf(t, int32(10), v, "sample %d", i)
	}

	// 2600 mm at 1.3 m/s is two whole seconds.
	assert.Equal(t, map[int]int{0: 2}, env.transit.access)
	assert.InDelta(t, analyst.PixelToLon(1.5, 9), env.transit.profile.FromLon, 1e-12)
	assert.InDelta(t, analyst.PixelToLat(0.5, 9), env.transit.profile.FromLat, 1e-12)
	assert.Equal(t, analyst.LegModeWalk, env.street.mode)
	assert.Equal(t, DefaultStreetRadiusMeters, env.street.radius)
}

func TestWorker_Process_UsesCarSpeedForCarAccess(t *testing.T) {
	t.Parallel()

	env := newFakeEnv()
	w := env.worker(Config{StreetRadiusMeters: 500})
	req := env.request()
	req.Request.AccessModes = []analyst.LegMode{analyst.LegModeWalk, analyst.LegModeCar}
	req.Request.CarSpeed = 13

	_, err := w.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, analyst.LegModeCar, env.street.mode)
	assert.Equal(t, 500, env.street.radius)
	assert.Equal(t, map[int]int{0: 0}, env.transit.access)
}

func TestWorker_Process_ZoomMismatchIsFatal(t *testing.T) {
	t.Parallel()

	env := newFakeEnv()
	w := env.worker(Config{})
	req := env.request()
	req.Zoom = 10

	_, err := w.Process(context.Background(), req)
	var zm *analyst.ZoomMismatchError
	require.ErrorAs(t, err, &zm)
	assert.Equal(t, 10, zm.Requested)
	assert.Equal(t, 9, zm.Grid)
	assert.False(t, env.street.called, "no routing before the zoom check")
	assert.Empty(t, env.publisher.Messages())
}

func TestWorker_Process_FailuresPublishNothing(t *testing.T) {
	t.Parallel()

	cases := map[string]func(env *fakeEnv, req *analyst.GridRequest){
		"missing grid":   func(_ *fakeEnv, req *analyst.GridRequest) { req.Grid = "absent" },
		"invalid item":   func(_ *fakeEnv, req *analyst.GridRequest) { req.CutoffMinutes = 0 },
		"transit fails":  func(env *fakeEnv, _ *analyst.GridRequest) { env.transit.err = errors.New("no timetable") },
		"zero speed":     func(_ *fakeEnv, req *analyst.GridRequest) { req.Request.WalkSpeed = 0 },
		"no iterations":  func(env *fakeEnv, _ *analyst.GridRequest) { env.transit.iterations = 0 },
		"publish failed": func(env *fakeEnv, _ *analyst.GridRequest) { env.publisher.FailWith(errors.New("down")) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newFakeEnv()
			req := env.request()
			mutate(env, &req)

			_, err := env.worker(Config{}).Process(context.Background(), req)
			require.Error(t, err)
			assert.Empty(t, env.publisher.Messages())
		})
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()

	assert.True(t, Fatal(&analyst.ZoomMismatchError{Requested: 10, Grid: 9}))
	assert.True(t, Fatal(fmt.Errorf("load destination grid: %w", analyst.ErrObjectNotFound)))
	assert.True(t, Fatal(fmt.Errorf("%w: grid is required", analyst.ErrInvalidWorkItem)))
	assert.False(t, Fatal(errors.New("publish origin result: down")))
	assert.False(t, Fatal(context.Canceled))
}

func TestWorker_Process_InvalidItemIsFatal(t *testing.T) {
	t.Parallel()

	env := newFakeEnv()
	req := env.request()
	req.CutoffMinutes = 0
	_, err := env.worker(Config{}).Process(context.Background(), req)
	require.ErrorIs(t, err, analyst.ErrInvalidWorkItem)
	assert.True(t, Fatal(err))
}

func TestWorker_Process_LeavesReachedStopsUntouched(t *testing.T) {
	t.Parallel()

	env := newFakeEnv()
	shared := map[int]int{0: 2600}
	street := &sharedStreet{reached: shared}
	routing := env.routing()
	routing.Street = street
	w := New(nil, env.grids, routing, env.publisher, clock.NewMock(), Config{}, zap.NewNop())

	_, err := w.Process(context.Background(), env.request())
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 2600}, shared)
	assert.Equal(t, map[int]int{0: 2}, env.transit.access)
}

func TestWorker_Run_ConsumesQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newFakeEnv()
	queue := queuememory.NewQueue(4)
	w := New(queue, env.grids, env.routing(), env.publisher, clock.NewMock(), Config{}, zap.NewNop())

	bad := env.request()
	bad.Grid = "absent"
	require.NoError(t, queue.Enqueue(ctx, bad))
	require.NoError(t, queue.Enqueue(ctx, env.request()))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(env.publisher.Messages()) == 2
	}, time.Second, 10*time.Millisecond)

	// The missing grid is reported as a job failure ahead of the good origin's record.
	msgs := env.publisher.Messages()
	assert.Empty(t, msgs[0].Body)
	assert.Equal(t, "job-1", msgs[0].Attributes[JobIDAttribute])
	assert.Contains(t, msgs[0].Attributes[FailureAttribute], "origin (1, 0)")
	assert.NotContains(t, msgs[1].Attributes, FailureAttribute)
	assert.NotEmpty(t, msgs[1].Body)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_Process_WithFixtureNetwork(t *testing.T) {
	t.Parallel()

	network, err := fixture.Parse(strings.NewReader(`{"stops": []}`))
	require.NoError(t, err)

	grid := analyst.NewGrid(12, 524288, 524288, 3, 1)
	copy(grid.Values, []float64{10, 20, 30})
	grids := fakeGrids{"jobs": grid}
	publisher := pubmemory.New()
	routing := Routing{Street: network, Transit: network, Linker: network, Propagator: network}
	w := New(nil, grids, routing, publisher, clock.NewMock(), Config{AggregateWorkers: 2}, zap.NewNop())

	req := analyst.GridRequest{
		JobID: "job-fixture", Grid: "jobs",
		Zoom: 12, West: 524288, North: 524288, Width: 1, Height: 1,
		Request:       analyst.ProfileRequest{WalkSpeed: 1.3, AccessModes: []analyst.LegMode{analyst.LegModeWalk}},
		CutoffMinutes: 1,
		OutputQueue:   "results",
	}
	samples, err := w.Compute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, samples, analyst.BootstrapReplicates+1)
	// Cells sit 0, ~38 and ~76 m from the origin; at 1.3 m/s all are under a minute.
	assert.Equal(t, int32(60), samples[0])
	assert.Equal(t, int32(60), samples[analyst.BootstrapReplicates])
}

type fakeEnv struct {
	grids     fakeGrids
	street    *fakeStreet
	transit   *fakeTransit
	linker    *fakeLinker
	prop      *fakePropagator
	publisher *pubmemory.Publisher
}

func newFakeEnv() *fakeEnv {
	grid := analyst.NewGrid(9, 0, 0, 2, 1)
	grid.Values[0], grid.Values[1] = 10, 5
	return &fakeEnv{
		grids:  fakeGrids{"jobs": grid},
		street: &fakeStreet{reached: map[int]int{0: 2600}},
		transit: &fakeTransit{
			iterations: 3,
		},
		linker: &fakeLinker{},
		prop: &fakePropagator{times: [][]int{
			{100, 100, 100},
			{700, 700, 700},
		}},
		publisher: pubmemory.New(),
	}
}

func (e *fakeEnv) routing() Routing {
	return Routing{Street: e.street, Transit: e.transit, Linker: e.linker, Propagator: e.prop}
}

func (e *fakeEnv) worker(cfg Config) *Worker {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	return New(nil, e.grids, e.routing(), e.publisher, mock, cfg, zap.NewNop())
}

func (e *fakeEnv) request() analyst.GridRequest {
	return analyst.GridRequest{
		JobID:  "job-1",
		Grid:   "jobs",
		Zoom:   9,
		Width:  2,
		Height: 1,
		X:      1,
		Y:      0,
		Request: analyst.ProfileRequest{
			AccessModes: []analyst.LegMode{analyst.LegModeWalk},
			WalkSpeed:   1.3,
		},
		CutoffMinutes: 10,
		OutputQueue:   "results",
	}
}

type fakeGrids map[string]*analyst.Grid

func (f fakeGrids) Get(_ context.Context, id string) (*analyst.Grid, error) {
	g, ok := f[id]
	if !ok {
		return nil, analyst.ErrObjectNotFound
	}
	return g, nil
}

type fakeStreet struct {
	mu      sync.Mutex
	reached map[int]int
	mode    analyst.LegMode
	radius  int
	called  bool
}

func (f *fakeStreet) ReachedStops(_ context.Context, _, _ float64, mode analyst.LegMode, radius int) (map[int]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.mode = mode
	f.radius = radius
	out := make(map[int]int, len(f.reached))
	for k, v := range f.reached {
		out[k] = v
	}
	return out, nil
}

// sharedStreet hands out the same map on every call.
type sharedStreet struct {
	reached map[int]int
}

func (s *sharedStreet) ReachedStops(context.Context, float64, float64, analyst.LegMode, int) (map[int]int, error) {
	return s.reached, nil
}

type fakeTransit struct {
	mu         sync.Mutex
	iterations int
	err        error
	access     map[int]int
	profile    analyst.ProfileRequest
}

func (f *fakeTransit) Route(_ context.Context, req analyst.ProfileRequest, access map[int]int) ([][]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.access = access
	f.profile = req
	out := make([][]int, f.iterations)
	for i := range out {
		out[i] = []int{5}
	}
	return out, nil
}

type fakeLinker struct{}

func (fakeLinker) DirectTimes(_ context.Context, _, _ float64, _ analyst.LegMode, grid *analyst.Grid) ([]int, error) {
	return make([]int, grid.Cells()), nil
}

type fakePropagator struct {
	times [][]int
}

func (f *fakePropagator) Propagate(
	_ context.Context,
	_ [][]int,
	_ []int,
	_ *analyst.Grid,
	_ analyst.ProfileRequest,
	_ int,
) (iter.Seq2[int, []int], error) {
	return func(yield func(int, []int) bool) {
		for target, times := range f.times {
			if !yield(target, append([]int(nil), times...)) {
				return
			}
		}
	}, nil
}
