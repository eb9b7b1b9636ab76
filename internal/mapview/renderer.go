package mapview

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/models"
)

var (
	// ErrDisposed is returned for operations on a disposed renderer.
	ErrDisposed = errors.New("map renderer disposed")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("map renderer already initialized")
)

// State is the renderer lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisposed
	// StateDisabled means no map could be created; the fallback panel is shown.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configure the rendered paddock layers.
type Settings struct {
	Token          string
	Style          string
	Zoom           float64
	FillOpacity    float64
	LineColor      string
	LineWidth      float64
	FallbackCenter models.LngLat
}

// View is a point-in-time snapshot of what the map is showing.
// Fallback is true when the map is unavailable and the panel replaces it.
type View struct {
	State      State                    `json:"state"`
	Collection models.FeatureCollection `json:"collection"`
	Center     models.LngLat            `json:"center"`
	Zoom       float64                  `json:"zoom"`
	Fallback   bool                     `json:"fallback"`
	Pending    bool                     `json:"pending"`
}

// Renderer keeps a widget's paddock layers consistent with the latest
// feature collection. All transitions are serialized by mu; widget callbacks
// may arrive on any goroutine.
type Renderer struct {
	provider Provider
	settings Settings
	log      *logger.Logger

	mu           sync.Mutex
	state        State
	session      int
	widget       Widget
	center       models.LngLat
	latest       models.FeatureCollection
	pending      *models.FeatureCollection
	applied      *models.FeatureCollection
	unsubscribes []func()
	onSelect     func(paddockID string)
}

// NewRenderer creates an uninitialized renderer.
func NewRenderer(provider Provider, settings Settings, log *logger.Logger) *Renderer {
	return &Renderer{
		provider: provider,
		settings: settings,
		log:      log.WithComponent("map_renderer"),
		center:   settings.FallbackCenter,
	}
}

// Initialize requests a widget for container. Without a token, or when the
// provider cannot construct a widget, the renderer enters StateDisabled and
// returns nil. The initial collection is shown once the widget is ready unless
// a Refresh arrived first.
func (r *Renderer) Initialize(ctx context.Context, container string, initial models.FeatureCollection, center models.LngLat) error {
	r.mu.Lock()
	switch r.state {
	case StateUninitialized:
	case StateDisposed:
		r.mu.Unlock()
		return ErrDisposed
	default:
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}

	if center != (models.LngLat{}) {
		r.center = center
	}
	if r.pending == nil {
		r.latest = initial
		r.pending = &initial
	}

	if r.settings.Token == "" {
		r.state = StateDisabled
		r.pending = nil
		center := r.center
		r.mu.Unlock()
		r.log.Info("Map token missing, showing fallback panel", map[string]interface{}{
			"center": center,
		})
		return nil
	}

	widget, err := r.provider.NewWidget(ctx, WidgetOptions{
		Container: container,
		Style:     r.settings.Style,
		Token:     r.settings.Token,
		Center:    r.center,
		Zoom:      r.settings.Zoom,
	})
	if err != nil {
		r.state = StateDisabled
		r.pending = nil
		r.mu.Unlock()
		r.log.Error("Failed to create map widget", err, map[string]interface{}{
			"container": container,
		})
		return nil
	}

	r.state = StateInitializing
	r.session++
	session := r.session
	r.widget = widget
	r.mu.Unlock()

	widget.OnError(func(err error) { r.handleLoadError(session, err) })
	widget.OnLoad(func() { r.handleLoad(session) })
	return nil
}

// Refresh shows fc. While ready an identical collection is a no-op. Before
// ready the latest collection is kept and applied once on the ready
// transition. A disabled renderer only records fc for the fallback view.
func (r *Renderer) Refresh(fc models.FeatureCollection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized, StateInitializing:
		r.latest = fc
		r.pending = &fc
		return nil
	case StateDisabled:
		r.latest = fc
		return nil
	}

	r.latest = fc
	if r.applied != nil && r.applied.Equal(fc) {
		return nil
	}
	if err := r.widget.SetSourceData(SourcePaddocks, fc); err != nil {
		return fmt.Errorf("update paddock source: %w", err)
	}
	r.applied = &fc
	return nil
}

// SetCenter moves the map center to center. It applies until the widget is
// ready, so a disabled renderer shows it on the fallback panel. A zero center
// is ignored.
func (r *Renderer) SetCenter(center models.LngLat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if center == (models.LngLat{}) {
		return
	}
	switch r.state {
	case StateUninitialized, StateInitializing, StateDisabled:
		r.center = center
	}
}

// OnSelect sets the handler for paddock clicks.
func (r *Renderer) OnSelect(fn func(paddockID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onSelect = fn
}

// Dispose releases click subscriptions and the widget. Safe to call more than
// once; a style load that completes afterwards is ignored.
func (r *Renderer) Dispose() {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}

	r.state = StateDisposed
	r.session++
	r.pending = nil
	unsubscribes := r.unsubscribes
	r.unsubscribes = nil
	widget := r.widget
	r.widget = nil
	r.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	if widget != nil {
		widget.Remove()
	}
	r.log.Debug("Map renderer disposed", nil)
}

// State returns the current lifecycle state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// View returns a snapshot of the displayed map.
func (r *Renderer) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	return View{
		State:      r.state,
		Collection: r.latest,
		Center:     r.center,
		Zoom:       r.settings.Zoom,
		Fallback:   r.state == StateDisabled,
		Pending:    r.pending != nil,
	}
}

func (r *Renderer) handleLoad(session int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInitializing || session != r.session {
		r.log.Debug("Ignoring style load for stale widget", nil)
		return
	}

	data := models.FeatureCollection{}
	if r.pending != nil {
		data = *r.pending
	}

	if err := r.attachLayers(data); err != nil {
		r.log.Error("Failed to attach paddock layers", err, nil)
		r.disableLocked()
		return
	}

	unsubscribe := r.widget.OnClick(LayerPaddockFill, r.handleClick)
	r.unsubscribes = append(r.unsubscribes, unsubscribe)

	r.applied = &data
	r.pending = nil
	r.state = StateReady
	r.log.Info("Map ready", map[string]interface{}{
		"features": data.Len(),
	})
}

func (r *Renderer) handleLoadError(session int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInitializing || session != r.session {
		return
	}
	r.log.Error("Map style failed to load, showing fallback panel", err, nil)
	r.disableLocked()
}

// disableLocked drops the widget and falls back to the panel. mu must be held.
func (r *Renderer) disableLocked() {
	for _, unsubscribe := range r.unsubscribes {
		unsubscribe()
	}
	r.unsubscribes = nil
	if r.widget != nil {
		r.widget.Remove()
		r.widget = nil
	}
	r.session++
	r.pending = nil
	r.state = StateDisabled
}

func (r *Renderer) attachLayers(data models.FeatureCollection) error {
	if err := r.widget.AddSource(SourcePaddocks, data); err != nil {
		return fmt.Errorf("add paddock source: %w", err)
	}

	fill := Layer{
		ID:     LayerPaddockFill,
		Type:   LayerTypeFill,
		Source: SourcePaddocks,
		Paint: map[string]interface{}{
			"fill-color":   []interface{}{"get", "fill"},
			"fill-opacity": r.settings.FillOpacity,
		},
	}
	if err := r.widget.AddLayer(fill); err != nil {
		return fmt.Errorf("add fill layer: %w", err)
	}

	line := Layer{
		ID:     LayerPaddockLine,
		Type:   LayerTypeLine,
		Source: SourcePaddocks,
		Paint: map[string]interface{}{
			"line-color": r.settings.LineColor,
			"line-width": r.settings.LineWidth,
		},
	}
	if err := r.widget.AddLayer(line); err != nil {
		return fmt.Errorf("add line layer: %w", err)
	}
	return nil
}

func (r *Renderer) handleClick(paddockID string) {
	r.mu.Lock()
	fn := r.onSelect
	ready := r.state == StateReady
	r.mu.Unlock()

	if !ready || fn == nil || paddockID == "" {
		return
	}
	fn(paddockID)
}
