package analyst

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mathext/prng"
)

// BootstrapWeights holds, per replicate, how many times each iteration is resampled.
// Row 0 is all ones (the point estimate); rows 1..B are resampled with replacement.
type BootstrapWeights [][]int

// NewMersenneTwister returns a generator backed by MT19937, seeded with seed.
func NewMersenneTwister(seed uint64) *rand.Rand {
	mt := prng.NewMT19937()
	mt.Seed(seed)
	return rand.New(mt)
}

// NewBootstrapWeights draws a (replicates+1) x iterations weight matrix from rng.
func NewBootstrapWeights(rng *rand.Rand, iterations, replicates int) (BootstrapWeights, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("bootstrap needs at least one iteration, got %d", iterations)
	}
	if replicates < 0 {
		return nil, fmt.Errorf("replicate count must be >= 0, got %d", replicates)
	}
	weights := make(BootstrapWeights, replicates+1)
	for b := range weights {
		weights[b] = make([]int, iterations)
	}
	for i := range weights[0] {
		weights[0][i] = 1
	}
	for b := 1; b < len(weights); b++ {
		row := weights[b]
		for draw := 0; draw < iterations; draw++ {
			row[rng.IntN(iterations)]++
		}
	}
	return weights, nil
}

// Iterations returns the number of original iterations the weights cover.
func (w BootstrapWeights) Iterations() int {
	if len(w) == 0 {
		return 0
	}
	return len(w[0])
}
