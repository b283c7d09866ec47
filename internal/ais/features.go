package ais

import "math"

// EarthRadiusM is the WGS-84 mean radius used for great-circle distances.
const EarthRadiusM = 6371000.0

// MetersPerSecToKnots converts m/s to knots.
const MetersPerSecToKnots = 1.9438445

// DtSec returns the elapsed source time in seconds from p to q. Negative when
// q precedes p.
func DtSec(p, q *Point) float64 {
	return q.Timestamp.Sub(p.Timestamp).Seconds()
}

// DistanceM returns the haversine great-circle distance in meters between the
// two points' coordinates.
func DistanceM(p, q *Point) float64 {
	return HaversineM(p.Lat, p.Lon, q.Lat, q.Lon)
}

// HaversineM computes the great-circle distance in meters between two
// (lat, lon) pairs in degrees.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(a))
}

// ImpliedSpeedKn returns the speed in knots implied by the distance between p
// and q over their time gap. The second return is false when dt <= 0, where
// the value is undefined.
func ImpliedSpeedKn(p, q *Point) (float64, bool) {
	dt := DtSec(p, q)
	if dt <= 0 {
		return 0, false
	}
	return DistanceM(p, q) / dt * MetersPerSecToKnots, true
}

// AngleDiffDeg returns the smallest signed angular difference b-a modulo 360,
// in [-180, 180].
func AngleDiffDeg(a, b float64) float64 {
	d := math.Mod(b-a, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}

// TurnRateDegS returns |AngleDiffDeg(a, b)| / dt in degrees per second. The
// second return is false when dt <= 0, where the rate is undefined.
func TurnRateDegS(a, b, dt float64) (float64, bool) {
	if dt <= 0 {
		return 0, false
	}
	return math.Abs(AngleDiffDeg(a, b)) / dt, true
}
