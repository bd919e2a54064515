// Package model holds the school and distance record types shared by the
// cache, resolver and transport layers.
package model

import (
	"github.com/stuartshay/school-distance/internal/calculator"
)

// Source identifies how a distance was resolved.
type Source string

// Distance sources
const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// School is a destination read from the school roster.
type School struct {
	ID        int64
	Name      string
	Latitude  float64
	Longitude float64
}

// Coordinate returns the school's location.
func (s School) Coordinate() calculator.Coordinate {
	return calculator.Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// DistanceRecord is one resolved origin -> school distance. DurationMinutes
// is nil for fallback estimates.
type DistanceRecord struct {
	Origin          calculator.Coordinate
	SchoolID        int64
	DistanceKM      float64
	DurationMinutes *float64
	Source          Source
}

// Distances maps school ID to its resolved record.
type Distances map[int64]DistanceRecord

// IndexBySchool builds a Distances map from a record list. Later records win
// when a school appears twice.
func IndexBySchool(records []DistanceRecord) Distances {
	out := make(Distances, len(records))
	for _, r := range records {
		out[r.SchoolID] = r
	}
	return out
}

// NamesBySchool maps school ID to display name.
func NamesBySchool(schools []School) map[int64]string {
	names := make(map[int64]string, len(schools))
	for _, s := range schools {
		names[s.ID] = s.Name
	}
	return names
}
