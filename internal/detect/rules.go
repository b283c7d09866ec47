// Package detect implements the anomaly rules evaluated over consecutive AIS
// position reports. Each rule inspects a (prev, curr) pair from the track
// window and yields at most one candidate alert with a severity score and
// structured evidence.
package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/aegis-data/aiswatch/internal/ais"
	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/monitoring"
)

// Rule type identifiers. This enum is closed: persisted alerts and cooldown
// rows reference these strings.
const (
	TypeTeleport              = "TELEPORT"
	TypeTeleportT2            = "TELEPORT_T2"
	TypePositionInvalid       = "POSITION_INVALID"
	TypeTurnRate              = "TURN_RATE"
	TypeTurnRateT2            = "TURN_RATE_T2"
	TypeAcceleration          = "ACCELERATION"
	TypeHeadingCOGConsistency = "HEADING_COG_CONSISTENCY"
)

// Fixed rule thresholds not exposed as operator configuration.
const (
	teleportShortMaxSec    = 120.0
	teleportMediumMaxSec   = 1800.0
	teleportT2MinKnots     = 25.0
	longGapSpeedMps        = 20.0 // distance_m > 20*dt_sec across long gaps
	turnRateT2MinDegPerSec = 1.0
	turnRateT2MinSpeedKn   = 5.0
	accelDiffThresholdKn   = 15.0
	accelMaxKnotsPerSec    = 1.0
	headingCOGDivergence   = 90.0
	headingCOGMinRate      = 2.0
	stuckMinSeconds        = 60.0
	stuckMaxDistanceM      = 1.0
	nullIslandEpsilon      = 0.001
)

// Candidate is a rule's proposed alert before cooldown filtering.
type Candidate struct {
	Type     string
	Severity int
	Summary  string
	Evidence map[string]any
}

// Engine evaluates the rule set in a fixed order. It is stateless apart from
// its thresholds and safe for reuse across sessions.
type Engine struct {
	cfg *config.DetectionConfig
}

// NewEngine creates an Engine using cfg's thresholds. A nil cfg uses defaults.
func NewEngine(cfg *config.DetectionConfig) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{cfg: cfg}
}

type rule struct {
	name string
	eval func(e *Engine, prev, curr *ais.Point) *Candidate
}

// Evaluation order is fixed so alert output is deterministic for a given
// input. Integrity checks run before their tier-2 counterparts because the
// tier-2 rules suppress themselves when tier 1 fired.
var rules = []rule{
	{TypePositionInvalid, (*Engine).positionInvalid},
	{TypeTeleport, (*Engine).teleport},
	{TypeTeleportT2, (*Engine).teleportT2},
	{TypeTurnRate, (*Engine).turnRate},
	{TypeTurnRateT2, (*Engine).turnRateT2},
	{TypeAcceleration, (*Engine).acceleration},
	{TypeHeadingCOGConsistency, (*Engine).headingCOGConsistency},
}

// Evaluate runs all rules against (prev, curr) and returns the candidates
// that fired, in rule order. prev may be nil for a vessel's first point; only
// POSITION_INVALID can fire then. A panicking rule is logged with the point
// identity and skipped; it never aborts the session.
func (e *Engine) Evaluate(prev, curr *ais.Point) []Candidate {
	var out []Candidate
	for _, r := range rules {
		if c := e.evalSafe(r, prev, curr); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (e *Engine) evalSafe(r rule, prev, curr *ais.Point) (c *Candidate) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("rule %s panicked on mmsi=%s ts=%s: %v",
				r.name, curr.MMSI, curr.Timestamp.Format(time.RFC3339), rec)
			c = nil
		}
	}()
	c = r.eval(e, prev, curr)
	if c != nil && (c.Severity < 0 || c.Severity > 100) {
		monitoring.Logf("rule %s produced out-of-range severity %d for mmsi=%s; dropping",
			r.name, c.Severity, curr.MMSI)
		return nil
	}
	return c
}

// clampSeverity truncates v to an int and bounds it to [lo, hi]. NaN and Inf
// collapse to lo so a degenerate metric can never poison persistence.
func clampSeverity(v, lo, hi float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = lo
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int(v)
}

// pairEvidence returns the coordinate/timestamp fields shared by the pairwise
// rules' evidence payloads.
func pairEvidence(prev, curr *ais.Point) map[string]any {
	return map[string]any{
		"p1_lat":       prev.Lat,
		"p1_lon":       prev.Lon,
		"p1_timestamp": prev.Timestamp.Format(time.RFC3339),
		"p2_lat":       curr.Lat,
		"p2_lon":       curr.Lon,
		"p2_timestamp": curr.Timestamp.Format(time.RFC3339),
	}
}

// teleportTier returns the applicable tier-1 threshold for a gap of dt
// seconds, and false when the gap is outside the tiered range.
func (e *Engine) teleportTier(dt float64) (threshold float64, tier string, ok bool) {
	switch {
	case dt > 0 && dt <= teleportShortMaxSec:
		return e.cfg.GetTeleportSpeedKnotsShort(), "short", true
	case dt > teleportShortMaxSec && dt <= teleportMediumMaxSec:
		return e.cfg.GetTeleportSpeedKnotsMedium(), "medium", true
	}
	return 0, "", false
}

// teleport fires on physically impossible jumps: implied speed at or above the
// tiered threshold for the observed time gap.
func (e *Engine) teleport(prev, curr *ais.Point) *Candidate {
	if prev == nil {
		return nil
	}
	dt := ais.DtSec(prev, curr)
	threshold, tier, ok := e.teleportTier(dt)
	if !ok {
		return nil
	}
	sp, ok := ais.ImpliedSpeedKn(prev, curr)
	if !ok || sp < threshold {
		return nil
	}

	d := ais.DistanceM(prev, curr)
	ev := pairEvidence(prev, curr)
	ev["dt_sec"] = dt
	ev["distance_m"] = d
	ev["implied_speed_kn"] = sp
	ev["tier"] = tier
	return &Candidate{
		Type:     TypeTeleport,
		Severity: clampSeverity(40+0.4*(sp-threshold), 70, 100),
		Summary:  fmt.Sprintf("Implied speed %.1f kn over %.0fs exceeds %.0f kn (%s gap)", sp, dt, threshold, tier),
		Evidence: ev,
	}
}

// teleportT2 fires on suspicious but not impossible jumps: speeds in the band
// below the tier-1 threshold, or sustained high speed across long gaps where
// tier 1 declines to judge.
func (e *Engine) teleportT2(prev, curr *ais.Point) *Candidate {
	if prev == nil {
		return nil
	}
	dt := ais.DtSec(prev, curr)
	if dt <= 0 {
		return nil
	}
	sp, ok := ais.ImpliedSpeedKn(prev, curr)
	if !ok {
		return nil
	}
	d := ais.DistanceM(prev, curr)

	var tier string
	if threshold, t, tiered := e.teleportTier(dt); tiered {
		// Suppressed when tier 1 fires for this pair.
		if sp < teleportT2MinKnots || sp >= threshold {
			return nil
		}
		tier = t
	} else {
		// Long gap: only flag when the average pace stays above ~40 kn for
		// the whole gap.
		if d <= longGapSpeedMps*dt {
			return nil
		}
		tier = "long_gap"
	}

	ev := pairEvidence(prev, curr)
	ev["dt_sec"] = dt
	ev["distance_m"] = d
	ev["implied_speed_kn"] = sp
	ev["tier"] = tier
	return &Candidate{
		Type:     TypeTeleportT2,
		Severity: clampSeverity(15+0.3*sp, 15, 60),
		Summary:  fmt.Sprintf("Suspicious jump: %.1f kn over %.0fs (%s gap)", sp, dt, tier),
		Evidence: ev,
	}
}

// positionInvalid is the only rule that can fire without a previous point. It
// flags out-of-range coordinates, the (0,0) "null island" artifact, and
// positions frozen in place while the vessel reports way on.
func (e *Engine) positionInvalid(prev, curr *ais.Point) *Candidate {
	evidence := func(reason string, dt float64) map[string]any {
		ev := map[string]any{
			"lat":    curr.Lat,
			"lon":    curr.Lon,
			"reason": reason,
		}
		if sog, ok := curr.SOGValue(); ok {
			ev["sog"] = sog
		}
		if dt > 0 {
			ev["dt_sec"] = dt
		}
		return ev
	}

	if curr.Lat < -90 || curr.Lat > 90 || curr.Lon < -180 || curr.Lon > 180 {
		return &Candidate{
			Type:     TypePositionInvalid,
			Severity: 75,
			Summary:  fmt.Sprintf("Position out of bounds: lat=%.4f lon=%.4f", curr.Lat, curr.Lon),
			Evidence: evidence("out_of_bounds", 0),
		}
	}

	if math.Abs(curr.Lat) < nullIslandEpsilon && math.Abs(curr.Lon) < nullIslandEpsilon {
		return &Candidate{
			Type:     TypePositionInvalid,
			Severity: 75,
			Summary:  "Position at or near (0, 0)",
			Evidence: evidence("null_island", 0),
		}
	}

	if prev != nil {
		dt := ais.DtSec(prev, curr)
		prevSOG, ok := prev.SOGValue()
		if ok && prevSOG >= 1 && dt >= stuckMinSeconds && ais.DistanceM(prev, curr) < stuckMaxDistanceM {
			return &Candidate{
				Type:     TypePositionInvalid,
				Severity: 70,
				Summary:  fmt.Sprintf("Position unchanged for %.0fs while SOG=%.1f kn", dt, prevSOG),
				Evidence: evidence("stuck", dt),
			}
		}
	}
	return nil
}

// turnAngles selects the angle channel shared by both points: heading when
// both carry a usable heading, else COG when both carry COG. ok is false when
// neither channel is available on both points.
func turnAngles(prev, curr *ais.Point) (a, b float64, angleType string, ok bool) {
	if ha, okA := prev.HeadingValue(); okA {
		if hb, okB := curr.HeadingValue(); okB {
			return ha, hb, "heading", true
		}
	}
	if ca, okA := prev.COGValue(); okA {
		if cb, okB := curr.COGValue(); okB {
			return ca, cb, "cog", true
		}
	}
	return 0, 0, "", false
}

// pairSpeed returns the speed used for gating the turn rules: reported SOG
// when present, else the implied speed over the pair.
func pairSpeed(prev, curr *ais.Point) (float64, bool) {
	if sog, ok := curr.SOGValue(); ok {
		return sog, true
	}
	return ais.ImpliedSpeedKn(prev, curr)
}

// turnRate fires when a vessel at speed changes its heading (or course)
// faster than a ship can physically turn.
func (e *Engine) turnRate(prev, curr *ais.Point) *Candidate {
	c, _ := e.turnRateInner(prev, curr)
	return c
}

// turnRateInner also reports whether the rule's preconditions were met with a
// defined rate, so the tier-2 rule can reuse the computation.
func (e *Engine) turnRateInner(prev, curr *ais.Point) (*Candidate, *turnMetrics) {
	if prev == nil {
		return nil, nil
	}
	dt := ais.DtSec(prev, curr)
	if dt <= 0 || dt > teleportShortMaxSec {
		return nil, nil
	}
	a, b, angleType, ok := turnAngles(prev, curr)
	if !ok {
		return nil, nil
	}
	speed, ok := pairSpeed(prev, curr)
	if !ok {
		return nil, nil
	}
	rate, ok := ais.TurnRateDegS(a, b, dt)
	if !ok {
		return nil, nil
	}
	m := &turnMetrics{
		dt:        dt,
		delta:     ais.AngleDiffDeg(a, b),
		rate:      rate,
		speed:     speed,
		angleType: angleType,
	}

	maxRate := e.cfg.GetMaxTurnRateDegPerSec()
	if speed < e.cfg.GetMinSpeedForTurnCheckKnots() || rate < maxRate {
		return nil, m
	}

	ev := pairEvidence(prev, curr)
	m.fill(ev, "normal")
	return &Candidate{
		Type:     TypeTurnRate,
		Severity: clampSeverity(50+10*(rate-maxRate), 70, 95),
		Summary:  fmt.Sprintf("Turn rate %.2f deg/s at %.1f kn (%s)", rate, speed, angleType),
		Evidence: ev,
	}, m
}

type turnMetrics struct {
	dt        float64
	delta     float64
	rate      float64
	speed     float64
	angleType string
}

func (m *turnMetrics) fill(ev map[string]any, tier string) {
	ev["dt_sec"] = m.dt
	ev["delta_angle_deg"] = m.delta
	ev["turn_rate_deg_s"] = m.rate
	ev["speed_kn"] = m.speed
	ev["angle_type"] = m.angleType
	ev["tier"] = tier
}

// turnRateT2 flags moderate turns below the tier-1 threshold, including slow
// vessels the tier-1 rule ignores.
func (e *Engine) turnRateT2(prev, curr *ais.Point) *Candidate {
	t1, m := e.turnRateInner(prev, curr)
	if t1 != nil || m == nil {
		return nil
	}
	if m.rate < turnRateT2MinDegPerSec || m.speed < turnRateT2MinSpeedKn {
		return nil
	}

	tier := "normal"
	if m.speed < e.cfg.GetMinSpeedForTurnCheckKnots() {
		tier = "low_speed"
	}
	ev := pairEvidence(prev, curr)
	m.fill(ev, tier)
	return &Candidate{
		Type:     TypeTurnRateT2,
		Severity: clampSeverity(25+10*m.rate, 25, 55),
		Summary:  fmt.Sprintf("Moderate turn %.2f deg/s at %.1f kn (%s)", m.rate, m.speed, m.angleType),
		Evidence: ev,
	}
}

// acceleration flags reported speeds inconsistent with the vessel's actual
// displacement, and physically impossible speed changes between reports.
func (e *Engine) acceleration(prev, curr *ais.Point) *Candidate {
	if prev == nil {
		return nil
	}
	prevSOG, ok := prev.SOGValue()
	if !ok {
		return nil
	}
	currSOG, ok := curr.SOGValue()
	if !ok {
		return nil
	}
	dt := ais.DtSec(prev, curr)
	if dt <= 1 || dt > 300 {
		return nil
	}
	implied, ok := ais.ImpliedSpeedKn(prev, curr)
	if !ok {
		return nil
	}

	diff := math.Abs(currSOG - implied)
	accel := math.Abs(currSOG-prevSOG) / dt
	if diff < accelDiffThresholdKn && accel < accelMaxKnotsPerSec {
		return nil
	}

	return &Candidate{
		Type:     TypeAcceleration,
		Severity: clampSeverity(20+diff, 25, 85),
		Summary:  fmt.Sprintf("SOG %.1f kn vs implied %.1f kn (accel %.2f kn/s)", currSOG, implied, accel),
		Evidence: map[string]any{
			"dt_sec":              dt,
			"difference_kn":       diff,
			"implied_speed_kn":    implied,
			"sog_reported":        currSOG,
			"accel_knots_per_sec": accel,
		},
	}
}

// headingCOGConsistency flags a vessel at speed whose bow points far away from
// its track over ground while the disagreement appeared faster than a real
// maneuver could produce it.
func (e *Engine) headingCOGConsistency(prev, curr *ais.Point) *Candidate {
	if prev == nil {
		return nil
	}
	heading, ok := curr.HeadingValue()
	if !ok {
		return nil
	}
	cog, ok := curr.COGValue()
	if !ok {
		return nil
	}
	speed, ok := pairSpeed(prev, curr)
	if !ok || speed < e.cfg.GetMinSpeedForTurnCheckKnots() {
		return nil
	}
	dt := ais.DtSec(prev, curr)
	if dt <= 0 {
		return nil
	}

	divergence := math.Abs(ais.AngleDiffDeg(heading, cog))
	rate := divergence / dt
	if divergence < headingCOGDivergence || rate < headingCOGMinRate {
		return nil
	}

	angleType := "cog"
	if _, ok := prev.HeadingValue(); ok {
		angleType = "heading"
	}
	return &Candidate{
		Type:     TypeHeadingCOGConsistency,
		Severity: clampSeverity(60+0.2*divergence, 70, 85),
		Summary:  fmt.Sprintf("Heading/COG disagree by %.0f deg at %.1f kn", divergence, speed),
		Evidence: map[string]any{
			"dt_sec":           dt,
			"angle_change_deg": divergence,
			"turn_rate_deg_s":  rate,
			"speed_kn":         speed,
			"angle_type":       angleType,
		},
	}
}
