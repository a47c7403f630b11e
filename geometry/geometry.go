// Package geometry computes baseline coordinates.
package geometry

import (
	"math"
)

// Calculator computes UVW coordinates of a baseline in meters for unix
// time in seconds.
type Calculator interface {
	UVW(time float64, antenna1, antenna2 int) (u, v, w float64)
}

// Earth is a rigid rotating earth model. Antenna positions are local
// equatorial coordinates: X points to the local meridian on the equator,
// Y to the east and Z to the celestial pole. It ignores precession,
// nutation and aberration.
type Earth struct {
	// Positions of antennas in meters.
	Positions [][3]float64
	// RA and Dec of the phase centre in radians.
	RA  float64
	Dec float64
	// Longitude of the array in radians, east positive.
	Longitude float64
}

// UVW returns coordinates of the baseline from antenna1 to antenna2.
func (e *Earth) UVW(time float64, antenna1, antenna2 int) (u, v, w float64) {
	u1, v1, w1 := e.antennaUVW(time, antenna1)
	u2, v2, w2 := e.antennaUVW(time, antenna2)
	return u1 - u2, v1 - v2, w1 - w2
}

func (e *Earth) antennaUVW(time float64, antenna int) (u, v, w float64) {
	p := e.Positions[antenna]
	ha := LocalSiderealTime(time, e.Longitude) - e.RA
	sinH, cosH := math.Sincos(ha)
	sinD, cosD := math.Sincos(e.Dec)
	u = sinH*p[0] + cosH*p[1]
	v = -sinD*cosH*p[0] + sinD*sinH*p[1] + cosD*p[2]
	w = cosD*cosH*p[0] - cosD*sinH*p[1] + sinD*p[2]
	return u, v, w
}

const (
	unixJ2000   = 946728000.0
	secondsDay  = 86400.0
	siderealDay = 360.98564736629
)

// LocalSiderealTime returns local sidereal angle in radians for unix time.
func LocalSiderealTime(time, longitude float64) float64 {
	days := (time - unixJ2000) / secondsDay
	gmst := math.Mod(280.46061837+siderealDay*days, 360)
	lst := gmst*math.Pi/180 + longitude
	lst = math.Mod(lst, 2*math.Pi)
	if lst < 0 {
		lst += 2 * math.Pi
	}
	return lst
}

// Fixed returns the same coordinates at any time. Used when antenna
// positions are unknown.
type Fixed struct{}

// UVW returns zero coordinates.
func (Fixed) UVW(float64, int, int) (u, v, w float64) {
	return 0, 0, 0
}
