// Package calculator provides great-circle distance calculations between
// geographic coordinates and the road-distance estimate used when live
// routing data is unavailable.
package calculator

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

const (
	// EarthRadiusKM is the Earth's radius in kilometers
	EarthRadiusKM = 6371.0

	// EarthRadiusMeters is the same mean radius expressed in meters
	EarthRadiusMeters = 6371000.0

	// TortuosityFactor approximates road-network indirection over
	// straight-line distance.
	TortuosityFactor = 1.3

	// coordinatePrecision is the number of decimal places kept in cache keys (~1cm).
	coordinatePrecision = 7
)

// ErrInvalidCoordinate is returned when a latitude/longitude pair falls
// outside the valid geographic range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate represents a GPS coordinate
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Rounded returns the coordinate rounded to 7 decimal places. Rounded
// coordinates are the identity of a cache origin.
func (c Coordinate) Rounded() Coordinate {
	return Coordinate{
		Latitude:  RoundTo(c.Latitude, coordinatePrecision),
		Longitude: RoundTo(c.Longitude, coordinatePrecision),
	}
}

// Validate checks the coordinate lies within ±90 latitude and ±180 longitude.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: (%f, %f)", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	}
	return nil
}

// String renders the coordinate as "lat,lng", the form routing APIs expect.
func (c Coordinate) String() string {
	return fmt.Sprintf("%.7f,%.7f", c.Latitude, c.Longitude)
}

// GreatCircleDistanceKM calculates the Haversine distance between two
// coordinates in kilometers, rounded to 2 decimal places.
func GreatCircleDistanceKM(a, b Coordinate) float64 {
	return RoundTo(Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude), 2)
}

// GreatCircleDistanceMeters calculates the great-circle distance between two
// coordinates in meters. s2 computes the central angle with the same
// Haversine derivation, so the result divided by 1000 matches Haversine.
func GreatCircleDistanceMeters(a, b Coordinate) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// EstimateRoadDistanceKM is the fallback road distance: straight-line
// distance scaled by TortuosityFactor, rounded to 2 decimal places.
func EstimateRoadDistanceKM(a, b Coordinate) float64 {
	return RoundTo(GreatCircleDistanceKM(a, b)*TortuosityFactor, 2)
}

// Haversine calculates the great-circle distance between two points
// on the Earth's surface given their latitudes and longitudes in decimal degrees
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// c = 2 ⋅ atan2( √a, √(1−a) )
// d = R ⋅ c
//
// where:
// φ is latitude, λ is longitude, R is earth's radius (6371 km)
// Δφ is the difference in latitude, Δλ is the difference in longitude
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lon1Rad := degreesToRadians(lon1)
	lat2Rad := degreesToRadians(lat2)
	lon2Rad := degreesToRadians(lon2)

	deltaLat := lat2Rad - lat1Rad
	deltaLon := lon2Rad - lon1Rad

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

// RoundTo rounds v to the given number of decimal places, half away from zero.
func RoundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
