// Package analyst holds the domain types and collaborator interfaces for
// single-origin regional accessibility jobs.
package analyst

import "fmt"

// BootstrapReplicates is the number of resampled replicates stored after the point estimate.
const BootstrapReplicates = 1000

// LegMode is an access mode a job may allow for reaching transit.
type LegMode string

// Supported access modes.
const (
	LegModeWalk    LegMode = "WALK"
	LegModeBicycle LegMode = "BICYCLE"
	LegModeCar     LegMode = "CAR"
)

// ProfileRequest carries the routing parameters of a job.
type ProfileRequest struct {
	AccessModes            []LegMode `json:"accessModes"`
	MaxRides               int       `json:"maxRides"`
	MaxTripDurationMinutes int       `json:"maxTripDurationMinutes"`
	// Speeds are in metres per second.
	WalkSpeed float64 `json:"walkSpeed"`
	BikeSpeed float64 `json:"bikeSpeed"`
	CarSpeed  float64 `json:"carSpeed"`
	// FromLat and FromLon are filled in by the worker from the origin pixel.
	FromLat float64 `json:"fromLat"`
	FromLon float64 `json:"fromLon"`
}

// StreetMode selects the access mode for the street search, CAR > BICYCLE > WALK.
func (p ProfileRequest) StreetMode() LegMode {
	has := func(m LegMode) bool {
		for _, am := range p.AccessModes {
			if am == m {
				return true
			}
		}
		return false
	}
	switch {
	case has(LegModeCar):
		return LegModeCar
	case has(LegModeBicycle):
		return LegModeBicycle
	default:
		return LegModeWalk
	}
}

// SpeedFor returns the configured speed in metres per second for mode.
func (p ProfileRequest) SpeedFor(mode LegMode) float64 {
	switch mode {
	case LegModeCar:
		return p.CarSpeed
	case LegModeBicycle:
		return p.BikeSpeed
	default:
		return p.WalkSpeed
	}
}

// GridRequest is the work descriptor for one origin of a regional analysis.
type GridRequest struct {
	JobID string `json:"jobId"`
	// Grid identifies the destination density grid.
	Grid string `json:"grid"`
	// Zoom, West, North, Width and Height describe the regional analysis extent.
	Zoom   int `json:"zoom"`
	West   int `json:"west"`
	North  int `json:"north"`
	Width  int `json:"width"`
	Height int `json:"height"`
	// X and Y locate the origin within the extent.
	X             int            `json:"x"`
	Y             int            `json:"y"`
	Request       ProfileRequest `json:"request"`
	CutoffMinutes int            `json:"cutoffMinutes"`
	OutputQueue   string         `json:"outputQueue"`
}

// CutoffSeconds returns the travel time threshold in seconds.
func (r GridRequest) CutoffSeconds() int {
	return r.CutoffMinutes * 60
}

// Validate checks the fields a worker relies on.
func (r GridRequest) Validate() error {
	switch {
	case r.JobID == "":
		return fmt.Errorf("jobId is required")
	case r.Grid == "":
		return fmt.Errorf("grid is required")
	case r.CutoffMinutes <= 0:
		return fmt.Errorf("cutoffMinutes must be > 0")
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("extent must be non-empty, got %dx%d", r.Width, r.Height)
	case r.X < 0 || r.X >= r.Width || r.Y < 0 || r.Y >= r.Height:
		return fmt.Errorf("origin (%d, %d) outside %dx%d extent", r.X, r.Y, r.Width, r.Height)
	}
	return nil
}

// SampleVector is the point estimate followed by the bootstrap replicates for one origin.
type SampleVector []int32
