package geo

import (
	"fmt"
	"math"

	"reliefline/internal/domain"
)

// EarthRadiusKm is the mean spherical Earth radius.
const EarthRadiusKm = 6371.0

// InvalidCoordinateError reports a coordinate outside the valid degree range.
type InvalidCoordinateError struct {
	Field string
	Value float64
}

func (e InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate: %s=%v out of range", e.Field, e.Value)
}

// Validate checks that a location holds in-range degrees.
func Validate(l domain.Location) error {
	if l.Latitude < -90 || l.Latitude > 90 || math.IsNaN(l.Latitude) {
		return InvalidCoordinateError{Field: "latitude", Value: l.Latitude}
	}
	if l.Longitude < -180 || l.Longitude > 180 || math.IsNaN(l.Longitude) {
		return InvalidCoordinateError{Field: "longitude", Value: l.Longitude}
	}
	return nil
}

// Distance returns the great-circle distance in km between two locations
// using the haversine formula on a spherical Earth.
func Distance(a, b domain.Location) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(radians(a.Latitude))*math.Cos(radians(b.Latitude))*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
