package collator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/storage/memory"
)

func message(x, y int32, samples ...int32) []byte {
	raw := accessgrid.EncodeOrigin(accessgrid.Origin{X: x, Y: y, Samples: samples})
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

func attrs(jobID string) map[string]string {
	return map[string]string{JobIDAttribute: jobID}
}

type fixture struct {
	registry *memory.JobRegistry
	store    *memory.BlobStore
	c        *Collator
}

func newFixture(t *testing.T, buffer OriginBuffer) *fixture {
	t.Helper()
	f := &fixture{registry: memory.NewJobRegistry(), store: memory.NewBlobStore()}
	require.NoError(t, f.registry.CreateJob(context.Background(), analyst.RegionalJob{
		ID: "job-1", Grid: "jobs", Zoom: 9, West: 100, North: 200, Width: 2, Height: 2, NSamples: 3,
	}))
	f.c = New(f.registry, buffer, f.store, "results", zap.NewNop())
	return f
}

func TestCollatorAssemblesGridOutOfOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, NewMemoryBuffer())

	require.NoError(t, f.c.Handle(ctx, message(1, 1, 4, 4, 5), attrs("job-1")))
	require.NoError(t, f.c.Handle(ctx, message(0, 0, 1, 1, 2), attrs("job-1")))
	// Redelivery of an origin is ignored.
	require.NoError(t, f.c.Handle(ctx, message(0, 0, 9, 9, 9), attrs("job-1")))
	require.NoError(t, f.c.Handle(ctx, message(1, 0, 2, 2, 3), attrs("job-1")))

	job, err := f.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, analyst.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.Received)

	require.NoError(t, f.c.Handle(ctx, message(0, 1, 3, 3, 4), attrs("job-1")))

	job, err = f.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, analyst.JobStatusComplete, job.Status)
	assert.Equal(t, "memory://results/job-1.access", job.ResultURI)

	rc, err := f.store.GetObject(ctx, "results/job-1.access")
	require.NoError(t, err)
	defer rc.Close()
	grid, err := accessgrid.Decode(rc)
	require.NoError(t, err)
	assert.Equal(t, accessgrid.Header{Zoom: 9, West: 100, North: 200, Width: 2, Height: 2, NSamples: 3}, grid.Header)
	assert.Equal(t, [][]int32{{1, 1, 2}, {2, 2, 3}, {3, 3, 4}, {4, 4, 5}}, grid.Samples)

	// Late duplicates after completion are ignored too.
	require.NoError(t, f.c.Handle(ctx, message(1, 1, 4, 4, 5), attrs("job-1")))
}

func TestCollatorRejectsMalformedMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, NewMemoryBuffer())

	tests := map[string]struct {
		data  []byte
		attrs map[string]string
	}{
		"missing job id":  {message(0, 0, 1, 2, 3), nil},
		"unknown job":     {message(0, 0, 1, 2, 3), attrs("job-404")},
		"not base64":      {[]byte("!!!"), attrs("job-1")},
		"not an origin":   {[]byte(base64.StdEncoding.EncodeToString([]byte("ACCESSGR"))), attrs("job-1")},
		"outside extent":  {message(2, 0, 1, 2, 3), attrs("job-1")},
		"wrong samples":   {message(0, 0, 1, 2), attrs("job-1")},
		"negative origin": {message(-1, 0, 1, 2, 3), attrs("job-1")},
	}
	for name, tc := range tests {
		err := f.c.Handle(ctx, tc.data, tc.attrs)
		require.Errorf(t, err, name)
		assert.Falsef(t, errors.Is(err, analyst.ErrRetry), "%s should not be retried", name)
	}

	job, err := f.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, job.Received)
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingStore) GetObject(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func TestCollatorStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := memory.NewJobRegistry()
	require.NoError(t, registry.CreateJob(ctx, analyst.RegionalJob{ID: "job-1", Width: 1, Height: 1, NSamples: 1}))
	c := New(registry, NewMemoryBuffer(), failingStore{}, "results", nil)

	err := c.Handle(ctx, message(0, 0, 7), attrs("job-1"))
	require.ErrorIs(t, err, analyst.ErrRetry)
	require.ErrorContains(t, err, "bucket unavailable")

	job, err := registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, analyst.JobStatusPending, job.Status)
}

// flakyStore fails writes until healed.
type flakyStore struct {
	*memory.BlobStore
	healed atomic.Bool
}

func (s *flakyStore) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	if !s.healed.Load() {
		return "", errors.New("bucket unavailable")
	}
	return s.BlobStore.PutObject(ctx, path, contentType, data)
}

func TestCollatorRedeliveryCompletesAfterStoreRecovers(t *testing.T) {
	t.Parallel()

	buffers := map[string]func() OriginBuffer{
		"memory": func() OriginBuffer { return NewMemoryBuffer() },
		"redis": func() OriginBuffer {
			return &RedisBuffer{client: newFakeRedis(), ttl: DefaultBufferTTL}
		},
	}
	for name, newBuffer := range buffers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			registry := memory.NewJobRegistry()
			require.NoError(t, registry.CreateJob(ctx, analyst.RegionalJob{ID: "job-1", Width: 1, Height: 1, NSamples: 2}))
			store := &flakyStore{BlobStore: memory.NewBlobStore()}
			c := New(registry, newBuffer(), store, "results", nil)

			require.ErrorIs(t, c.Handle(ctx, message(0, 0, 7, 8), attrs("job-1")), analyst.ErrRetry)
			job, err := registry.GetJob(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, analyst.JobStatusPending, job.Status)

			store.healed.Store(true)
			require.NoError(t, c.Handle(ctx, message(0, 0, 7, 8), attrs("job-1")))

			job, err = registry.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, analyst.JobStatusComplete, job.Status)
			assert.Equal(t, 1, job.Received)

			rc, err := store.GetObject(ctx, "results/job-1.access")
			require.NoError(t, err)
			defer rc.Close()
			grid, err := accessgrid.Decode(rc)
			require.NoError(t, err)
			assert.Equal(t, [][]int32{{7, 8}}, grid.Samples)
		})
	}
}

func failure(jobID, reason string) map[string]string {
	return map[string]string{JobIDAttribute: jobID, FailureAttribute: reason}
}

func TestCollatorFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, NewMemoryBuffer())

	require.NoError(t, f.c.Handle(ctx, message(0, 0, 1, 1, 2), attrs("job-1")))
	require.NoError(t, f.c.Handle(ctx, nil, failure("job-1", "origin (1, 0): grid zoom 10 does not match 9")))

	job, err := f.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, analyst.JobStatusFailed, job.Status)
	assert.Contains(t, job.Failure, "zoom 10")

	// Later origins and repeated failures leave the job as it is.
	require.NoError(t, f.c.Handle(ctx, message(1, 0, 2, 2, 3), attrs("job-1")))
	require.NoError(t, f.c.Handle(ctx, nil, failure("job-1", "another")))
	job, err = f.registry.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, analyst.JobStatusFailed, job.Status)
	assert.Contains(t, job.Failure, "zoom 10")

	_, err = f.store.GetObject(ctx, "results/job-1.access")
	require.ErrorIs(t, err, analyst.ErrObjectNotFound)

	err = f.c.Handle(ctx, nil, failure("job-404", "x"))
	require.ErrorIs(t, err, analyst.ErrJobNotFound)
}

func TestResultPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "results/abc.access", ResultPath("results", "abc"))
	assert.Equal(t, "abc.access", ResultPath("", "abc"))
}
