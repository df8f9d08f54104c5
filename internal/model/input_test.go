package model

import (
	"strings"
	"testing"
)

func TestBoundingBoxValidate(t *testing.T) {
	cases := []struct {
		name string
		box  BoundingBox
		ok   bool
	}{
		{"valid", BoundingBox{50.7, -1.9, 50.8, -1.8}, true},
		{"lat too high", BoundingBox{91, 0, 50, 1}, false},
		{"lat at -90 excluded", BoundingBox{-90, 0, 50, 1}, false},
		{"lat at 90 included", BoundingBox{90, 0, 50, 1}, true},
		{"lng too low", BoundingBox{50, -181, 51, 0}, false},
		{"lng at -180 excluded", BoundingBox{50, -180, 51, 0}, false},
		{"lng at 180 included", BoundingBox{50, 180, 51, 0}, true},
		{"identical corners", BoundingBox{50.7, -1.9, 50.7, -1.9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.box.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBoundingBoxWKT(t *testing.T) {
	box := BoundingBox{Lat1: 50.8, Lng1: -1.8, Lat2: 50.7, Lng2: -1.9}
	wkt := box.WKT()
	if !strings.HasPrefix(wkt, "POLYGON ((") || !strings.HasSuffix(wkt, "))") {
		t.Fatalf("malformed polygon: %s", wkt)
	}
	// Ring must close on the south-west corner regardless of the
	// corner order given by the caller.
	if !strings.HasPrefix(wkt, "POLYGON ((-1.9 50.7") || !strings.HasSuffix(wkt, "-1.9 50.7))") {
		t.Fatalf("ring not anchored at south-west corner: %s", wkt)
	}
}

func TestAreaKm2Approximation(t *testing.T) {
	// One degree square at the equator is roughly 111.32 km each side.
	box := BoundingBox{Lat1: -0.5, Lng1: -0.5, Lat2: 0.5, Lng2: 0.5}
	area := box.AreaKm2()
	if area < 12000 || area > 12500 {
		t.Fatalf("equator degree-square area out of expected band: %.1f", area)
	}
}

func TestScenarioValidate(t *testing.T) {
	if err := (Scenario{}).Validate(); err != nil {
		t.Fatalf("zero scenario must be valid: %v", err)
	}
	if err := (Scenario{ProjectedYear: 2100, ConfidenceLevel: "high"}).Validate(); err != nil {
		t.Fatalf("expected valid scenario: %v", err)
	}
	if err := (Scenario{ProjectedYear: 1990}).Validate(); err == nil {
		t.Fatal("expected error for out-of-range year")
	}
	if err := (Scenario{ConfidenceLevel: "certain"}).Validate(); err == nil {
		t.Fatal("expected error for unknown confidence level")
	}
}

func TestSimulationInputValidate(t *testing.T) {
	in := SimulationInput{Area: BoundingBox{50.7, -1.9, 50.8, -1.8}}
	if err := in.Validate(); err != nil {
		t.Fatalf("expected valid input: %v", err)
	}

	if err := (SimulationInput{}).Validate(); err == nil {
		t.Fatal("expected error for missing area")
	}

	in.ResolutionMetres = -1
	if err := in.Validate(); err == nil {
		t.Fatal("expected error for negative resolution")
	}
}
