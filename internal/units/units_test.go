package units

import (
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name       string
		speedKnots float64
		units      string
		expected   float64
	}{
		{"10 kn to knots", 10.0, Knots, 10.0},
		{"10 kn to m/s", 10.0, MPS, 5.14444},
		{"10 kn to km/h", 10.0, KMH, 18.52},
		{"10 kn to mph", 10.0, MPH, 11.5078},
		{"unknown units pass through", 10.0, "unknown", 10.0},
		{"0 kn to mph", 0.0, MPH, 0.0},
		{"harbour speed 5 kn to km/h", 5.0, KMH, 9.26},
		{"container ship 22 kn to m/s", 22.0, MPS, 11.3178},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.speedKnots, tt.units)
			if math.Abs(result-tt.expected) > 0.001 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.speedKnots, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid knots", Knots, true},
		{"valid mps", MPS, true},
		{"valid kmh", KMH, true},
		{"valid mph", MPH, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "MPH", false},
		{"case sensitive", "Knots", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestValidUnitsString(t *testing.T) {
	expected := "knots, mps, kmh, mph"
	result := ValidUnitsString()
	if result != expected {
		t.Errorf("ValidUnitsString() = %s, want %s", result, expected)
	}
}
