package fixture

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// ReachedStops returns straight-line distances in millimetres to stops within radiusMeters.
func (n *Network) ReachedStops(
	ctx context.Context,
	lat, lon float64,
	_ analyst.LegMode,
	radiusMeters int,
) (map[int]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reached := make(map[int]int)
	for i, s := range n.Stops {
		d := distanceMeters(lat, lon, s.Lat, s.Lon)
		if d <= float64(radiusMeters) {
			reached[i] = int(d * 1000)
		}
	}
	return reached, nil
}

// Route relaxes rides for up to req.MaxRides rounds per iteration. Each boarding pays the
// iteration's wait. Times above the maximum trip duration are reported unreachable.
func (n *Network) Route(ctx context.Context, req analyst.ProfileRequest, accessSeconds map[int]int) ([][]int, error) {
	rounds := req.MaxRides
	if rounds <= 0 {
		rounds = len(n.Rides)
	}
	limit := req.MaxTripDurationMinutes * 60

	out := make([][]int, len(n.WaitSeconds))
	for it, wait := range n.WaitSeconds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transit search interrupted: %w", err)
		}
		times := make([]int, len(n.Stops))
		for i := range times {
			times[i] = Unreachable
		}
		for stop, secs := range accessSeconds {
			if stop < 0 || stop >= len(times) {
				return nil, fmt.Errorf("access to unknown stop %d", stop)
			}
			times[stop] = min(times[stop], secs)
		}
		for range rounds {
			next := slices.Clone(times)
			changed := false
			for _, r := range n.Rides {
				if times[r.From] == Unreachable {
					continue
				}
				if t := times[r.From] + wait + r.Seconds; t < next[r.To] {
					next[r.To] = t
					changed = true
				}
			}
			times = next
			if !changed {
				break
			}
		}
		if limit > 0 {
			for i, t := range times {
				if t > limit {
					times[i] = Unreachable
				}
			}
		}
		out[it] = times
	}
	return out, nil
}

// DirectTimes returns street-only travel times from the origin to every cell of grid.
func (n *Network) DirectTimes(
	ctx context.Context,
	lat, lon float64,
	mode analyst.LegMode,
	grid *analyst.Grid,
) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	speed := n.Speeds[mode]
	if speed <= 0 {
		return nil, fmt.Errorf("no speed configured for mode %s", mode)
	}
	out := make([]int, grid.Cells())
	for i := range out {
		cLat, cLon := cellCenter(grid, i)
		d := distanceMeters(lat, lon, cLat, cLon)
		if d > n.MaxDirectMeters {
			out[i] = Unreachable
			continue
		}
		out[i] = int(d / speed)
	}
	return out, nil
}

type egress struct {
	stop    int
	seconds int
}

// Propagate combines stop times with walking egress and direct times, yielding every cell's
// travel time for each iteration.
func (n *Network) Propagate(
	ctx context.Context,
	timesAtStops [][]int,
	directTimes []int,
	grid *analyst.Grid,
	req analyst.ProfileRequest,
	_ int,
) (iter.Seq2[int, []int], error) {
	if len(directTimes) != grid.Cells() {
		return nil, fmt.Errorf("direct times cover %d cells, grid has %d", len(directTimes), grid.Cells())
	}
	for i, times := range timesAtStops {
		if len(times) != len(n.Stops) {
			return nil, fmt.Errorf("iteration %d has %d stop times, network has %d stops", i, len(times), len(n.Stops))
		}
	}
	walk := req.WalkSpeed
	if walk <= 0 {
		walk = n.Speeds[analyst.LegModeWalk]
	}
	limit := req.MaxTripDurationMinutes * 60

	links := make([][]egress, grid.Cells())
	for cell := range links {
		cLat, cLon := cellCenter(grid, cell)
		for s, stop := range n.Stops {
			if d := distanceMeters(stop.Lat, stop.Lon, cLat, cLon); d <= n.EgressRadiusMeters {
				links[cell] = append(links[cell], egress{stop: s, seconds: int(d / walk)})
			}
		}
	}

	return func(yield func(int, []int) bool) {
		for cell := range links {
			if ctx.Err() != nil {
				return
			}
			times := make([]int, len(timesAtStops))
			for it, atStops := range timesAtStops {
				best := directTimes[cell]
				for _, e := range links[cell] {
					if t := atStops[e.stop]; t != Unreachable && t+e.seconds < best {
						best = t + e.seconds
					}
				}
				if limit > 0 && best > limit {
					best = Unreachable
				}
				times[it] = best
			}
			if !yield(cell, times) {
				return
			}
		}
	}, nil
}
