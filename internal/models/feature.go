package models

import (
	"encoding/json"
	"reflect"
)

// FeatureProperties are the attributes the map paints from.
type FeatureProperties struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Bucket   Bucket `json:"bucket"`
	Fill     string `json:"fill"`
	Measured bool   `json:"measured"`
}

// Feature is one renderable paddock.
type Feature struct {
	Geometry   Geometry          `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// MarshalJSON renders the feature as a GeoJSON Feature.
func (f Feature) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string            `json:"type"`
		Geometry   Geometry          `json:"geometry"`
		Properties FeatureProperties `json:"properties"`
	}{
		Type:       "Feature",
		Geometry:   f.Geometry,
		Properties: f.Properties,
	})
}

// FeatureCollection is the derived, ordered set of renderable paddocks.
// It is rebuilt from its inputs on every change and never patched.
type FeatureCollection struct {
	Features []Feature `json:"features"`
}

// MarshalJSON renders the collection as a GeoJSON FeatureCollection.
// An empty collection encodes with an empty features array.
func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	features := fc.Features
	if features == nil {
		features = []Feature{}
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Features []Feature `json:"features"`
	}{
		Type:     "FeatureCollection",
		Features: features,
	})
}

// Len returns the number of features.
func (fc FeatureCollection) Len() int {
	return len(fc.Features)
}

// Equal reports whether two collections would render identically.
// Nil and empty collections are equal.
func (fc FeatureCollection) Equal(other FeatureCollection) bool {
	if len(fc.Features) != len(other.Features) {
		return false
	}
	for i := range fc.Features {
		if fc.Features[i].Properties != other.Features[i].Properties {
			return false
		}
		if !reflect.DeepEqual(fc.Features[i].Geometry, other.Features[i].Geometry) {
			return false
		}
	}
	return true
}
