package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// EarthRadiusKm is the mean radius used for all trip distances.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// BearingDeg returns the initial bearing from the first coordinate to the second,
// in degrees within (-180, 180].
func BearingDeg(lat1, lng1, lat2, lng2 float64) float64 {
	return orbgeo.Bearing(orb.Point{lng1, lat1}, orb.Point{lng2, lat2})
}

// TurnAngleDeg returns the change of heading at the middle point of three
// consecutive coordinates, folded into [0, 180].
func TurnAngleDeg(lat1, lng1, lat2, lng2, lat3, lng3 float64) float64 {
	in := BearingDeg(lat1, lng1, lat2, lng2)
	out := BearingDeg(lat2, lng2, lat3, lng3)
	angle := math.Mod(math.Abs(in-out), 360)
	if angle > 180 {
		return 360 - angle
	}
	return angle
}

// ValidCoordinate reports whether lat/lng fall inside the WGS84 ranges.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
