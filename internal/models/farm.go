package models

import (
	"time"
)

// Farm is the top-level context for the dashboard.
// Latitude/Longitude are only used as the map's fallback center.
type Farm struct {
	CreatedAt   time.Time `json:"created_at"`
	Description *string   `json:"description,omitempty"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

// Center returns the farm location as a map center.
func (f Farm) Center() LngLat {
	return LngLat{f.Longitude, f.Latitude}
}

// Paddock is a fenced area of a farm with its boundary geometry.
// The set of paddocks for a farm is immutable within a session.
type Paddock struct {
	CreatedAt time.Time `json:"created_at"`
	Geometry  Geometry  `json:"geom_geojson"`
	ID        string    `json:"id"`
	FarmID    string    `json:"farm_id"`
	Name      string    `json:"name"`
	AreaHa    float64   `json:"area_ha"`
}

// LngLat is a [longitude, latitude] pair, GeoJSON order.
type LngLat [2]float64

// Lng returns the longitude.
func (p LngLat) Lng() float64 { return p[0] }

// Lat returns the latitude.
func (p LngLat) Lat() float64 { return p[1] }
