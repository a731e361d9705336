// Package fixture is an in-memory routing engine loaded from a JSON network description.
// It implements the street search, transit search, direct linking and propagation
// collaborators for local runs and tests; production deployments plug in a real engine.
package fixture

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// Unreachable marks a stop or cell that cannot be reached.
const Unreachable = math.MaxInt32

const earthRadiusMeters = 6371008.8

// Stop is a transit stop.
type Stop struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Ride is a direct transit connection between two stops.
type Ride struct {
	From    int `json:"from"`
	To      int `json:"to"`
	Seconds int `json:"seconds"`
}

// Network is a small transit network with straight-line street access.
type Network struct {
	Stops []Stop `json:"stops"`
	Rides []Ride `json:"rides"`
	// WaitSeconds holds the boarding wait for each Monte Carlo iteration.
	WaitSeconds []int `json:"waitSeconds"`
	// Speeds in metres per second by street mode, used for direct trips.
	Speeds             map[analyst.LegMode]float64 `json:"speeds"`
	MaxDirectMeters    float64                     `json:"maxDirectMeters"`
	EgressRadiusMeters float64                     `json:"egressRadiusMeters"`
}

// Load reads a network from a JSON file.
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing fixture: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a network and applies defaults.
func Parse(r io.Reader) (*Network, error) {
	var n Network
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("decode routing fixture: %w", err)
	}
	if err := n.init(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (n *Network) init() error {
	for i, r := range n.Rides {
		if r.From < 0 || r.From >= len(n.Stops) || r.To < 0 || r.To >= len(n.Stops) {
			return fmt.Errorf("ride %d references unknown stop", i)
		}
		if r.Seconds < 0 {
			return fmt.Errorf("ride %d has negative duration", i)
		}
	}
	if len(n.WaitSeconds) == 0 {
		n.WaitSeconds = []int{0}
	}
	if n.Speeds == nil {
		n.Speeds = make(map[analyst.LegMode]float64)
	}
	defaults := map[analyst.LegMode]float64{
		analyst.LegModeWalk:    1.3,
		analyst.LegModeBicycle: 4,
		analyst.LegModeCar:     11,
	}
	for mode, speed := range defaults {
		if n.Speeds[mode] <= 0 {
			n.Speeds[mode] = speed
		}
	}
	if n.MaxDirectMeters <= 0 {
		n.MaxDirectMeters = 2000
	}
	if n.EgressRadiusMeters <= 0 {
		n.EgressRadiusMeters = 1000
	}
	return nil
}

// Iterations is the number of Monte Carlo draws each transit search produces.
func (n *Network) Iterations() int {
	return len(n.WaitSeconds)
}

func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

func cellCenter(g *analyst.Grid, index int) (lat, lon float64) {
	x := index % g.Width
	y := index / g.Width
	return analyst.PixelToLat(float64(g.North+y)+0.5, g.Zoom), analyst.PixelToLon(float64(g.West+x)+0.5, g.Zoom)
}
