// Package units provides shared constants and validation for speed units.
// AIS reports speed over ground in knots; conversions start from knots.
package units

import "strings"

// Unit constants
const (
	Knots = "knots"
	MPS   = "mps"
	KMH   = "kmh"
	MPH   = "mph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Knots, MPS, KMH, MPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ValidUnitsString returns a comma-separated list of valid units for error
// messages.
func ValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed in knots to the target units. Unknown units
// return the input unchanged.
func ConvertSpeed(speedKnots float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKnots * 0.514444
	case KMH:
		return speedKnots * 1.852
	case MPH:
		return speedKnots * 1.15078
	default:
		return speedKnots
	}
}
