// Package reducer collapses the per-origin samples of an access grid into a scalar grid.
package reducer

import (
	"context"
	"fmt"
	"io"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/analyst"
)

// Reducer summarizes one origin's samples.
type Reducer interface {
	// Check reports whether the reducer can handle vectors of nSamples values.
	Check(nSamples int) error
	// Reduce returns the summary of samples. samples must not be retained.
	Reduce(samples []int32) float64
}

// Selecting picks the value at Index. Index 0 is the point estimate.
type Selecting struct {
	Index int
}

// Check implements Reducer.
func (s Selecting) Check(nSamples int) error {
	if s.Index < 0 || s.Index >= nSamples {
		return fmt.Errorf("sample index %d out of range for %d samples", s.Index, nSamples)
	}
	return nil
}

// Reduce implements Reducer.
func (s Selecting) Reduce(samples []int32) float64 {
	return float64(samples[s.Index])
}

// Percentile takes the P-th percentile (0..100) of the bootstrap replicates, skipping the
// point estimate. A vector holding only the point estimate reduces to that value.
type Percentile struct {
	P float64
}

// Check implements Reducer.
func (p Percentile) Check(nSamples int) error {
	if p.P < 0 || p.P > 100 {
		return fmt.Errorf("percentile %v outside [0, 100]", p.P)
	}
	if nSamples < 1 {
		return fmt.Errorf("percentile needs at least one sample")
	}
	return nil
}

// Reduce implements Reducer.
func (p Percentile) Reduce(samples []int32) float64 {
	replicates := samples
	if len(samples) > 1 {
		replicates = samples[1:]
	}
	xs := make([]float64, len(replicates))
	for i, v := range replicates {
		xs[i] = float64(v)
	}
	slices.Sort(xs)
	return stat.Quantile(p.P/100, stat.Empirical, xs, nil)
}

// Mean averages the bootstrap replicates.
type Mean struct{}

// Check implements Reducer.
func (Mean) Check(nSamples int) error {
	if nSamples < 1 {
		return fmt.Errorf("mean needs at least one sample")
	}
	return nil
}

// Reduce implements Reducer.
func (Mean) Reduce(samples []int32) float64 {
	replicates := samples
	if len(samples) > 1 {
		replicates = samples[1:]
	}
	xs := make([]float64, len(replicates))
	for i, v := range replicates {
		xs[i] = float64(v)
	}
	return stat.Mean(xs, nil)
}

// Apply reduces every origin of the access grid read from r.
func Apply(r io.Reader, red Reducer) (*analyst.Grid, error) {
	var out *analyst.Grid
	_, err := accessgrid.Scan(r, accessgrid.Visitor{
		Header: func(h accessgrid.Header) error {
			if err := red.Check(int(h.NSamples)); err != nil {
				return err
			}
			out = analyst.NewGrid(int(h.Zoom), int(h.West), int(h.North), int(h.Width), int(h.Height))
			return nil
		},
		Origin: func(x, y int, samples []int32) error {
			out.Set(x, y, red.Reduce(samples))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reduce access grid: %w", err)
	}
	return out, nil
}

// ApplyObject reduces the access grid stored at path.
func ApplyObject(ctx context.Context, store analyst.BlobStore, path string, red Reducer) (*analyst.Grid, error) {
	rc, err := store.GetObject(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch access grid: %w", err)
	}
	defer rc.Close()
	return Apply(rc, red)
}
