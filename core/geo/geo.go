package geo

import "math"

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance in meters between two
// WGS84 coordinates.
func HaversineMeters(lon1, lat1, lon2, lat2 float64) float64 {
	rlat1 := radians(lat1)
	rlat2 := radians(lat2)
	dlat := rlat2 - rlat1
	dlon := radians(lon2) - radians(lon1)

	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Pow(math.Sin(dlon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
