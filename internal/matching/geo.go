package matching

import "math"

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// boundingBox returns the lat/lng ranges enclosing a circle of radiusKm.
func boundingBox(center Location, radiusKm float64) (minLat, maxLat, minLng, maxLng float64) {
	dLat := radiusKm / 111.32
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLng := 180.0
	if cos > 1e-6 {
		dLng = math.Min(180, radiusKm/(111.32*cos))
	}
	return center.Lat - dLat, center.Lat + dLat, center.Lng - dLng, center.Lng + dLng
}
