package geometry

import (
	"math"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/config"
)

// SiderealDaySeconds is the length of one sidereal day.
const SiderealDaySeconds = 86164.0905

const deg = math.Pi / 180.0

// Mount converts between axis steps and sky angles for an equatorial mount.
// HA step 0 sits on the West limit switch and grows eastward; Dec step 0
// sits on the North limit switch and grows southward.
type Mount struct {
	LatitudeDeg       float64
	HAStepsPerDegree  float64
	DecStepsPerDegree float64
	HAZeroDeg         float64 // hour angle at HA step 0
	DecZeroDeg        float64 // declination at Dec step 0
}

// NewMount creates the mount geometry from configuration.
func NewMount(cfg *config.Config) Mount {
	return Mount{
		LatitudeDeg:       cfg.Mount.LatitudeDeg,
		HAStepsPerDegree:  cfg.Mount.HAStepsPerDegree,
		DecStepsPerDegree: cfg.Mount.DecStepsPerDegree,
		HAZeroDeg:         cfg.Mount.HAZeroDeg,
		DecZeroDeg:        cfg.Mount.DecZeroDeg,
	}
}

// HADegrees converts an HA step position to an hour angle in degrees.
func (m Mount) HADegrees(steps int32) float64 {
	return m.HAZeroDeg - float64(steps)/m.HAStepsPerDegree
}

// DecDegrees converts a Dec step position to a declination in degrees.
func (m Mount) DecDegrees(steps int32) float64 {
	return m.DecZeroDeg - float64(steps)/m.DecStepsPerDegree
}

// HASteps converts an hour angle in degrees to an HA step position.
func (m Mount) HASteps(haDeg float64) int32 {
	return int32(math.Round((m.HAZeroDeg - haDeg) * m.HAStepsPerDegree))
}

// DecSteps converts a declination in degrees to a Dec step position.
func (m Mount) DecSteps(decDeg float64) int32 {
	return int32(math.Round((m.DecZeroDeg - decDeg) * m.DecStepsPerDegree))
}

// SiderealStepsPerSecond is the HA step rate that cancels Earth's rotation.
func (m Mount) SiderealStepsPerSecond() float64 {
	return m.HAStepsPerDegree * 360.0 / SiderealDaySeconds
}

// Altitude returns the altitude in degrees of a pointing at the given hour
// angle and declination.
func (m Mount) Altitude(haDeg, decDeg float64) float64 {
	phi, dec, h := m.LatitudeDeg*deg, decDeg*deg, haDeg*deg
	sinAlt := math.Sin(phi)*math.Sin(dec) + math.Cos(phi)*math.Cos(dec)*math.Cos(h)
	return math.Asin(clamp(sinAlt, -1, 1)) / deg
}

// CrossingHourAngle returns the positive hour angle in degrees at which a
// star of declination decDeg sinks to altitude altDeg. always is true when
// the star never drops that low, never when it never rises that high.
func (m Mount) CrossingHourAngle(decDeg, altDeg float64) (h float64, always, never bool) {
	phi, dec, alt := m.LatitudeDeg*deg, decDeg*deg, altDeg*deg
	denom := math.Cos(phi) * math.Cos(dec)
	if math.Abs(denom) < 1e-12 {
		if m.Altitude(0, decDeg) >= altDeg {
			return 180, true, false
		}
		return 0, false, true
	}
	cosH := (math.Sin(alt) - math.Sin(phi)*math.Sin(dec)) / denom
	switch {
	case cosH <= -1:
		return 180, true, false
	case cosH >= 1:
		return 0, false, true
	}
	return math.Acos(cosH) / deg, false, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
