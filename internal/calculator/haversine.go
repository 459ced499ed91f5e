package calculator

import (
	"math"
)

const earthRadiusKm = 6371.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// hav is the haversine of an angle in radians, sin²(θ/2).
func hav(theta float64) float64 {
	s := math.Sin(theta / 2)
	return s * s
}

// Haversine computes the great-circle distance between two points in kilometers.
// Inputs are not range-checked; out-of-range degrees give a defined but meaningless result.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRadians(lat1), toRadians(lat2)
	dLat := phi2 - phi1
	dLon := toRadians(lon2 - lon1)

	a := hav(dLat) + math.Cos(phi1)*math.Cos(phi2)*hav(dLon)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}
