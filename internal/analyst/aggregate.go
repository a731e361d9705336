package analyst

import (
	"context"
	"fmt"
	"iter"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Aggregator sums destination density reachable within a cutoff for every bootstrap replicate.
type Aggregator struct {
	// Workers is the number of goroutines classifying cells. Values below 2 run inline.
	Workers int
}

type targetTimes struct {
	target int
	times  []int
}

// Aggregate consumes per-cell travel times and returns one accessibility value per row of weights.
// A cell counts toward replicate b when more than half of the original iterations, weighted by
// row b, are strictly below cutoffSeconds. Yielded time slices must not be reused by targets.
func (a Aggregator) Aggregate(
	ctx context.Context,
	targets iter.Seq2[int, []int],
	grid *Grid,
	cutoffSeconds int,
	weights BootstrapWeights,
) (SampleVector, error) {
	if len(weights) == 0 || weights.Iterations() == 0 {
		return nil, fmt.Errorf("bootstrap weights are empty")
	}
	var (
		sums []float64
		err  error
	)
	if a.Workers < 2 {
		sums = make([]float64, len(weights))
		for t, times := range targets {
			if err = accumulate(sums, grid, t, times, cutoffSeconds, weights); err != nil {
				break
			}
		}
	} else {
		sums, err = a.aggregateParallel(ctx, targets, grid, cutoffSeconds, weights)
	}
	if err != nil {
		return nil, err
	}
	// A producer that stops early on cancellation must not yield a partial sum.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("aggregation interrupted: %w", err)
	}

	samples := make(SampleVector, len(sums))
	for i, s := range sums {
		samples[i] = int32(math.Round(s))
	}
	return samples, nil
}

func (a Aggregator) aggregateParallel(
	ctx context.Context,
	targets iter.Seq2[int, []int],
	grid *Grid,
	cutoffSeconds int,
	weights BootstrapWeights,
) ([]float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	cells := make(chan targetTimes, a.Workers*4)
	partials := make([][]float64, a.Workers)

	g.Go(func() error {
		defer close(cells)
		for t, times := range targets {
			select {
			case cells <- targetTimes{target: t, times: times}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := range partials {
		partial := make([]float64, len(weights))
		partials[w] = partial
		g.Go(func() error {
			for cell := range cells {
				if err := accumulate(partial, grid, cell.target, cell.times, cutoffSeconds, weights); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate cells: %w", err)
	}
	sums := make([]float64, len(weights))
	for _, partial := range partials {
		floats.Add(sums, partial)
	}
	return sums, nil
}

// accumulate adds the density of one cell into sums according to its reachability class.
// A time equal to the cutoff marks the cell neither below nor above.
func accumulate(sums []float64, grid *Grid, target int, times []int, cutoff int, weights BootstrapWeights) error {
	if target < 0 || target >= len(grid.Values) {
		return fmt.Errorf("target %d outside destination grid of %d cells", target, len(grid.Values))
	}
	iterations := weights.Iterations()
	if len(times) != iterations {
		return fmt.Errorf("target %d has %d travel times, want %d iterations", target, len(times), iterations)
	}

	foundBelow, foundAbove := false, false
	for _, time := range times {
		if time < cutoff {
			foundBelow = true
		}
		if time > cutoff {
			foundAbove = true
		}
	}
	density := grid.Values[target]

	switch {
	case foundBelow && foundAbove:
		majority := iterations / 2
		for b, row := range weights {
			count := 0
			for i, time := range times {
				if time >= cutoff {
					continue
				}
				count += row[i]
				if count > majority {
					sums[b] += density
					break
				}
			}
		}
	case foundBelow:
		for b := range sums {
			sums[b] += density
		}
	}
	return nil
}
