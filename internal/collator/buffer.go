package collator

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
)

// OriginBuffer holds the origins of in-flight jobs until the access grid can be assembled.
type OriginBuffer interface {
	// Store keeps origin at index unless it was already received. It reports whether the
	// origin was new and how many distinct origins the job now holds.
	Store(ctx context.Context, jobID string, index int, origin accessgrid.Origin) (fresh bool, received int, err error)
	// Load returns the origin stored at index.
	Load(ctx context.Context, jobID string, index int) (accessgrid.Origin, error)
	// Drop releases everything held for the job.
	Drop(ctx context.Context, jobID string) error
}

type memoryJob struct {
	received *bitset.BitSet
	origins  map[int]accessgrid.Origin
}

// MemoryBuffer keeps origins in process memory.
type MemoryBuffer struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
}

// NewMemoryBuffer constructs an empty MemoryBuffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{jobs: make(map[string]*memoryJob)}
}

// Store implements OriginBuffer.
func (b *MemoryBuffer) Store(_ context.Context, jobID string, index int, origin accessgrid.Origin) (bool, int, error) {
	if index < 0 {
		return false, 0, fmt.Errorf("negative origin index %d", index)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		job = &memoryJob{received: bitset.New(0), origins: make(map[int]accessgrid.Origin)}
		b.jobs[jobID] = job
	}
	if job.received.Test(uint(index)) {
		return false, int(job.received.Count()), nil
	}
	job.received.Set(uint(index))
	job.origins[index] = origin
	return true, int(job.received.Count()), nil
}

// Load implements OriginBuffer.
func (b *MemoryBuffer) Load(_ context.Context, jobID string, index int) (accessgrid.Origin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return accessgrid.Origin{}, fmt.Errorf("no origins buffered for job %s", jobID)
	}
	origin, ok := job.origins[index]
	if !ok {
		return accessgrid.Origin{}, fmt.Errorf("origin %d of job %s not received", index, jobID)
	}
	return origin, nil
}

// Drop implements OriginBuffer.
func (b *MemoryBuffer) Drop(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
	return nil
}
