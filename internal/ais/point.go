// Package ais defines the in-flight AIS position report type and the pure
// kinematic feature functions derived from pairs of reports.
package ais

import "time"

// HeadingUnavailable is the AIS sentinel meaning "heading not available".
const HeadingUnavailable = 511

// Point is a single decoded AIS position report. Points are created by the
// loader, flow through the detection pipeline, and are never persisted as-is;
// derived rows (latest state, position history, alerts) are persisted instead.
type Point struct {
	MMSI      string
	Timestamp time.Time
	Lat       float64
	Lon       float64

	// Optional channels. Nil means the source field was empty.
	SOG     *float64 // speed over ground, knots
	COG     *float64 // course over ground, degrees [0,360)
	Heading *float64 // bow direction, degrees [0,360), or 511 = unavailable
}

// ValidMMSI reports whether s is a well-formed MMSI: exactly nine ASCII digits.
func ValidMMSI(s string) bool {
	if len(s) != 9 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// HeadingValue returns the point's heading and true when a usable heading is
// present. The 511 sentinel counts as missing.
func (p *Point) HeadingValue() (float64, bool) {
	if p.Heading == nil || *p.Heading == HeadingUnavailable {
		return 0, false
	}
	return *p.Heading, true
}

// COGValue returns the point's course over ground and true when present.
func (p *Point) COGValue() (float64, bool) {
	if p.COG == nil {
		return 0, false
	}
	return *p.COG, true
}

// SOGValue returns the point's speed over ground and true when present.
func (p *Point) SOGValue() (float64, bool) {
	if p.SOG == nil {
		return 0, false
	}
	return *p.SOG, true
}
