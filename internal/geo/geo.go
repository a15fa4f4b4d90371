package geo

import (
	"errors"
	"math"

	"github.com/example/roadside-dispatch/internal/models"
)

// EarthRadiusMeters is the spherical earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

var ErrInvalidLocation = errors.New("invalid location")

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// TrailDistance sums the segment lengths of a trail in recorded order,
// rounded to whole meters. Fewer than two points yield zero.
func TrailDistance(points []models.TrailPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(points); i++ {
		a, b := points[i-1], points[i]
		sum += Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
	}
	return math.Round(sum)
}

// ValidateCoord rejects NaN/Inf and out-of-range coordinates.
func ValidateCoord(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return ErrInvalidLocation
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}
