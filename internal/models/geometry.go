package models

import (
	"encoding/json"
	"fmt"
)

// GeoJSON geometry type names accepted for paddock boundaries.
const (
	GeometryPolygon      = "Polygon"
	GeometryMultiPolygon = "MultiPolygon"
)

// Polygon is a GeoJSON Polygon: [rings][points][lon,lat] in WGS84.
type Polygon struct {
	Coordinates [][][2]float64
}

// MarshalJSON renders the polygon as a GeoJSON geometry object.
func (p Polygon) MarshalJSON() ([]byte, error) {
	geom := struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	}{
		Type:        GeometryPolygon,
		Coordinates: p.Coordinates,
	}
	return json.Marshal(geom)
}

// UnmarshalJSON parses a GeoJSON Polygon geometry object.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	var geom struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	}

	if err := json.Unmarshal(data, &geom); err != nil {
		return fmt.Errorf("failed to unmarshal polygon: %w", err)
	}

	if geom.Type != "" && geom.Type != GeometryPolygon {
		return fmt.Errorf("expected Polygon type, got %s", geom.Type)
	}

	p.Coordinates = geom.Coordinates
	return nil
}

// MultiPolygon is a GeoJSON MultiPolygon: [polygons][rings][points][lon,lat].
// Paddocks split by a track or creek arrive in this form.
type MultiPolygon struct {
	Coordinates [][][][2]float64
}

// MarshalJSON renders the multipolygon as a GeoJSON geometry object.
func (mp MultiPolygon) MarshalJSON() ([]byte, error) {
	geom := struct {
		Type        string           `json:"type"`
		Coordinates [][][][2]float64 `json:"coordinates"`
	}{
		Type:        GeometryMultiPolygon,
		Coordinates: mp.Coordinates,
	}
	return json.Marshal(geom)
}

// UnmarshalJSON parses a GeoJSON MultiPolygon geometry object.
func (mp *MultiPolygon) UnmarshalJSON(data []byte) error {
	var geom struct {
		Type        string           `json:"type"`
		Coordinates [][][][2]float64 `json:"coordinates"`
	}

	if err := json.Unmarshal(data, &geom); err != nil {
		return fmt.Errorf("failed to unmarshal multipolygon: %w", err)
	}

	if geom.Type != "" && geom.Type != GeometryMultiPolygon {
		return fmt.Errorf("expected MultiPolygon type, got %s", geom.Type)
	}

	mp.Coordinates = geom.Coordinates
	return nil
}

// Geometry holds a paddock boundary, which is either a Polygon or a
// MultiPolygon. Exactly one of the two pointers is set for a decoded value;
// the zero value encodes as JSON null.
type Geometry struct {
	Polygon      *Polygon
	MultiPolygon *MultiPolygon
}

// NewPolygonGeometry wraps polygon rings in a Geometry.
func NewPolygonGeometry(rings [][][2]float64) Geometry {
	return Geometry{Polygon: &Polygon{Coordinates: rings}}
}

// NewMultiPolygonGeometry wraps multipolygon coordinates in a Geometry.
func NewMultiPolygonGeometry(polygons [][][][2]float64) Geometry {
	return Geometry{MultiPolygon: &MultiPolygon{Coordinates: polygons}}
}

// Type returns the GeoJSON type name, or "" for an empty geometry.
func (g Geometry) Type() string {
	switch {
	case g.Polygon != nil:
		return GeometryPolygon
	case g.MultiPolygon != nil:
		return GeometryMultiPolygon
	default:
		return ""
	}
}

// IsEmpty reports whether no geometry is set.
func (g Geometry) IsEmpty() bool {
	return g.Polygon == nil && g.MultiPolygon == nil
}

// MarshalJSON renders whichever geometry is set.
func (g Geometry) MarshalJSON() ([]byte, error) {
	switch {
	case g.Polygon != nil:
		return json.Marshal(g.Polygon)
	case g.MultiPolygon != nil:
		return json.Marshal(g.MultiPolygon)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON dispatches on the GeoJSON "type" member.
// Geometries are consumed as delivered; no ring or winding checks are made.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*g = Geometry{}
		return nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to unmarshal geometry: %w", err)
	}

	switch head.Type {
	case GeometryPolygon:
		var p Polygon
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*g = Geometry{Polygon: &p}
	case GeometryMultiPolygon:
		var mp MultiPolygon
		if err := json.Unmarshal(data, &mp); err != nil {
			return err
		}
		*g = Geometry{MultiPolygon: &mp}
	default:
		return fmt.Errorf("unsupported geometry type %q", head.Type)
	}

	return nil
}
