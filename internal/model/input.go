package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// BoundingBox is the area-of-interest descriptor submitted by the
// client, as two opposite corners in WGS84 coordinates.
type BoundingBox struct {
	Lat1 float64 `json:"lat1" yaml:"lat1"`
	Lng1 float64 `json:"lng1" yaml:"lng1"`
	Lat2 float64 `json:"lat2" yaml:"lat2"`
	Lng2 float64 `json:"lng2" yaml:"lng2"`
}

func validCoordinates(lat, lng float64) bool {
	return lat > -90 && lat <= 90 && lng > -180 && lng <= 180
}

// Validate checks that both corners are in range and distinct.
func (b BoundingBox) Validate() error {
	if !validCoordinates(b.Lat1, b.Lng1) || !validCoordinates(b.Lat2, b.Lng2) {
		return errors.New("lat & lng must fall in the range -90 < lat <= 90, -180 < lng <= 180")
	}
	if b.Lat1 == b.Lat2 && b.Lng1 == b.Lng2 {
		return errors.New("lat1, lng1 must not equal lat2, lng2")
	}
	return nil
}

// WKT renders the box as a closed WKT polygon, corners ordered
// counterclockwise from the south-west corner.
func (b BoundingBox) WKT() string {
	minLat, maxLat := math.Min(b.Lat1, b.Lat2), math.Max(b.Lat1, b.Lat2)
	minLng, maxLng := math.Min(b.Lng1, b.Lng2), math.Max(b.Lng1, b.Lng2)
	return fmt.Sprintf("POLYGON ((%g %g, %g %g, %g %g, %g %g, %g %g))",
		minLng, minLat,
		maxLng, minLat,
		maxLng, maxLat,
		minLng, maxLat,
		minLng, minLat,
	)
}

// AreaKm2 approximates the box area in square kilometres. Good enough
// for admission control; not a survey-grade computation.
func (b BoundingBox) AreaKm2() float64 {
	const kmPerDegree = 111.32
	latSpan := math.Abs(b.Lat1-b.Lat2) * kmPerDegree
	midLat := (b.Lat1 + b.Lat2) / 2
	lngSpan := math.Abs(b.Lng1-b.Lng2) * kmPerDegree * math.Cos(midLat*math.Pi/180)
	return latSpan * lngSpan
}

// Scenario carries the sea-level/climate options threaded into the
// boundary-condition inputs of a run.
type Scenario struct {
	ProjectedYear           int    `json:"projectedYear,omitempty"`
	AddVerticalLandMovement bool   `json:"addVerticalLandMovement,omitempty"`
	ConfidenceLevel         string `json:"confidenceLevel,omitempty"`
}

// Validate checks scenario option values. Zero values are allowed and
// filled with configured defaults at execution time.
func (s Scenario) Validate() error {
	if s.ProjectedYear != 0 && (s.ProjectedYear < 2000 || s.ProjectedYear > 2300) {
		return fmt.Errorf("projectedYear %d out of supported range 2000-2300", s.ProjectedYear)
	}
	switch strings.ToLower(s.ConfidenceLevel) {
	case "", "low", "medium", "high":
		return nil
	default:
		return fmt.Errorf("confidenceLevel must be one of low, medium, high")
	}
}

// SimulationInput is the payload describing one flood-simulation
// request. The gateway validates it for well-formedness at submission;
// feasibility (area bounds) is re-checked by the pipeline precondition
// stage.
type SimulationInput struct {
	Area                  BoundingBox `json:"area"`
	Scenario              Scenario    `json:"scenario,omitempty"`
	ResolutionMetres      float64     `json:"resolutionMetres,omitempty"`
	EndTimeSeconds        int         `json:"endTimeSeconds,omitempty"`
	OutputTimestepSeconds int         `json:"outputTimestepSeconds,omitempty"`
}

// Validate checks the input for syntactic well-formedness.
func (in SimulationInput) Validate() error {
	if in.Area == (BoundingBox{}) {
		return errors.New("missing required field 'area'")
	}
	if err := in.Area.Validate(); err != nil {
		return err
	}
	if err := in.Scenario.Validate(); err != nil {
		return err
	}
	if in.ResolutionMetres < 0 {
		return errors.New("resolutionMetres must be positive")
	}
	if in.EndTimeSeconds < 0 || in.OutputTimestepSeconds < 0 {
		return errors.New("endTimeSeconds and outputTimestepSeconds must be positive")
	}
	return nil
}
