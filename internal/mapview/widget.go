// Package mapview owns the interactive map: a lifecycle state machine over an
// abstract map widget, and the SSE-backed widget the service ships with.
package mapview

import (
	"context"

	"github.com/stwalsh4118/paddockview/internal/models"
)

// Layer and source identifiers used for paddock rendering.
const (
	SourcePaddocks   = "paddocks"
	LayerPaddockFill = "paddock-fill"
	LayerPaddockLine = "paddock-line"
)

// Layer types.
const (
	LayerTypeFill = "fill"
	LayerTypeLine = "line"
)

// Layer describes one style layer drawn from a source.
type Layer struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Source string                 `json:"source"`
	Paint  map[string]interface{} `json:"paint"`
}

// WidgetOptions are passed to a Provider when constructing a widget.
type WidgetOptions struct {
	Container string
	Style     string
	Token     string
	Center    models.LngLat
	Zoom      float64
}

// Widget is an interactive map instance. Mutations are only valid after the
// load callback has fired. Callbacks may run on a goroutine other than the
// caller's.
type Widget interface {
	// OnLoad registers fn to run once the style has loaded. If it already has,
	// fn runs immediately.
	OnLoad(fn func())

	// OnError registers fn to run if the style fails to load.
	OnError(fn func(error))

	AddSource(id string, data models.FeatureCollection) error
	SetSourceData(id string, data models.FeatureCollection) error
	AddLayer(layer Layer) error

	// OnClick subscribes fn to clicks on layerID and returns the unsubscribe func.
	OnClick(layerID string, fn func(paddockID string)) (unsubscribe func())

	// Remove releases the widget. Safe to call more than once.
	Remove()
}

// Provider constructs widgets.
type Provider interface {
	NewWidget(ctx context.Context, opts WidgetOptions) (Widget, error)
}
