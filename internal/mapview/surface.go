package mapview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/models"
	"github.com/stwalsh4118/paddockview/internal/sse"
)

const styleScheme = "mapbox://styles/"

// Surface errors.
var (
	ErrSurfaceRemoved = errors.New("map surface removed")
	ErrNotLoaded      = errors.New("map style not loaded")
	ErrUnknownLayer   = errors.New("unknown layer")
	ErrUnknownSource  = errors.New("unknown source")
	ErrDuplicateLayer = errors.New("layer already exists")
)

// SurfaceSnapshot is the browser-facing state of a surface.
type SurfaceSnapshot struct {
	ID        string                              `json:"id"`
	Container string                              `json:"container"`
	Style     string                              `json:"style"`
	StyleName string                              `json:"style_name,omitempty"`
	Center    models.LngLat                       `json:"center"`
	Zoom      float64                             `json:"zoom"`
	Loaded    bool                                `json:"loaded"`
	Removed   bool                                `json:"removed"`
	Sources   map[string]models.FeatureCollection `json:"sources"`
	Layers    []Layer                             `json:"layers"`
	Listeners int                                 `json:"listeners"`
}

// sourceEvent is broadcast when a source's data changes.
type sourceEvent struct {
	SurfaceID string                   `json:"surface_id"`
	SourceID  string                   `json:"source_id"`
	Data      models.FeatureCollection `json:"data"`
}

// Surface is a Widget whose rendering happens in connected browsers. It loads
// the style document over HTTP, keeps sources and layers, streams them over
// SSE, and receives clicks back through Click.
type Surface struct {
	id        string
	container string
	style     string
	center    models.LngLat
	zoom      float64
	broker    sse.Manager
	log       *logger.Logger
	cancel    context.CancelFunc

	mu          sync.Mutex
	styleName   string
	loaded      bool
	failed      error
	removed     bool
	sources     map[string]models.FeatureCollection
	layers      []Layer
	handlers    map[string]map[int]func(string)
	nextHandler int
	onLoad      []func()
	onError     []func(error)
}

// SurfaceProvider creates Surfaces and tracks the current one for the HTTP
// surface. It fetches styles from StyleAPIURL.
type SurfaceProvider struct {
	httpClient  *http.Client
	styleAPIURL string
	broker      sse.Manager
	log         *logger.Logger

	mu      sync.Mutex
	current *Surface
}

// NewSurfaceProvider creates a provider. New SSE clients receive the current
// surface snapshot on connect.
func NewSurfaceProvider(styleAPIURL string, timeout time.Duration, broker sse.Manager, log *logger.Logger) *SurfaceProvider {
	p := &SurfaceProvider{
		httpClient:  &http.Client{Timeout: timeout},
		styleAPIURL: strings.TrimRight(styleAPIURL, "/"),
		broker:      broker,
		log:         log.WithComponent("map_surface"),
	}
	broker.SetClientConnectCallback(p.sendCurrent)
	return p
}

// NewWidget creates a surface and starts loading its style in the background.
// The load is abandoned when ctx is cancelled or the surface is removed.
func (p *SurfaceProvider) NewWidget(ctx context.Context, opts WidgetOptions) (Widget, error) {
	styleURL, err := ResolveStyleURL(p.styleAPIURL, opts.Style, opts.Token)
	if err != nil {
		return nil, err
	}

	loadCtx, cancel := context.WithCancel(ctx)
	s := &Surface{
		id:        uuid.New().String(),
		container: opts.Container,
		style:     opts.Style,
		center:    opts.Center,
		zoom:      opts.Zoom,
		broker:    p.broker,
		log:       p.log,
		cancel:    cancel,
		sources:   make(map[string]models.FeatureCollection),
		handlers:  make(map[string]map[int]func(string)),
	}

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	go s.loadStyle(loadCtx, p.httpClient, styleURL)
	return s, nil
}

// Current returns the most recently created surface that has not been removed.
func (p *SurfaceProvider) Current() (*Surface, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.isRemoved() {
		return nil, false
	}
	return p.current, true
}

func (p *SurfaceProvider) sendCurrent(clientID string) {
	s, ok := p.Current()
	if !ok {
		return
	}
	p.broker.SendToClient(clientID, sse.Message{Type: sse.EventSurface, Data: s.Snapshot()})
}

// ResolveStyleURL turns a style reference into a fetchable URL carrying the
// access token. "mapbox://styles/owner/id" resolves against apiURL; http(s)
// URLs are used as given.
func ResolveStyleURL(apiURL, style, token string) (string, error) {
	var raw string
	switch {
	case strings.HasPrefix(style, styleScheme):
		path := strings.TrimPrefix(style, styleScheme)
		if path == "" {
			return "", fmt.Errorf("invalid style %q", style)
		}
		raw = strings.TrimRight(apiURL, "/") + "/" + path
	case strings.HasPrefix(style, "http://"), strings.HasPrefix(style, "https://"):
		raw = style
	default:
		return "", fmt.Errorf("unsupported style %q", style)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse style URL: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Surface) loadStyle(ctx context.Context, client *http.Client, styleURL string) {
	name, err := fetchStyle(ctx, client, styleURL)

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	var callbacks []func()
	var errCallbacks []func(error)
	if err != nil {
		s.failed = err
		errCallbacks = s.onError
	} else {
		s.loaded = true
		s.styleName = name
		callbacks = s.onLoad
	}
	s.onLoad = nil
	s.onError = nil
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("Map style load failed", map[string]interface{}{
			"surface_id": s.id,
			"error":      err.Error(),
		})
		for _, fn := range errCallbacks {
			fn(err)
		}
		return
	}

	s.log.Debug("Map style loaded", map[string]interface{}{
		"surface_id": s.id,
		"style_name": name,
	})
	for _, fn := range callbacks {
		fn()
	}
	s.broadcastSnapshot()
}

// fetchStyle downloads the style document and returns its name.
func fetchStyle(ctx context.Context, client *http.Client, styleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, styleURL, nil)
	if err != nil {
		return "", fmt.Errorf("build style request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch style: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("fetch style: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode style: %w", err)
	}
	return doc.Name, nil
}

func (s *Surface) OnLoad(fn func()) {
	s.mu.Lock()
	if s.removed || s.failed != nil {
		s.mu.Unlock()
		return
	}
	if !s.loaded {
		s.onLoad = append(s.onLoad, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

func (s *Surface) OnError(fn func(error)) {
	s.mu.Lock()
	if s.removed || s.loaded {
		s.mu.Unlock()
		return
	}
	if s.failed == nil {
		s.onError = append(s.onError, fn)
		s.mu.Unlock()
		return
	}
	err := s.failed
	s.mu.Unlock()
	fn(err)
}

func (s *Surface) AddSource(id string, data models.FeatureCollection) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sources[id] = data
	s.mu.Unlock()

	s.broadcastSource(id, data)
	return nil
}

func (s *Surface) SetSourceData(id string, data models.FeatureCollection) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.sources[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	s.sources[id] = data
	s.mu.Unlock()

	s.broadcastSource(id, data)
	return nil
}

func (s *Surface) AddLayer(layer Layer) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.sources[layer.Source]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, layer.Source)
	}
	for _, existing := range s.layers {
		if existing.ID == layer.ID {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateLayer, layer.ID)
		}
	}
	s.layers = append(s.layers, layer)
	s.mu.Unlock()

	s.broadcastSnapshot()
	return nil
}

func (s *Surface) OnClick(layerID string, fn func(paddockID string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return func() {}
	}

	s.nextHandler++
	key := s.nextHandler
	if s.handlers[layerID] == nil {
		s.handlers[layerID] = make(map[int]func(string))
	}
	s.handlers[layerID][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers[layerID], key)
			if len(s.handlers[layerID]) == 0 {
				delete(s.handlers, layerID)
			}
		})
	}
}

func (s *Surface) Remove() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	s.handlers = make(map[string]map[int]func(string))
	s.onLoad = nil
	s.onError = nil
	s.mu.Unlock()

	s.cancel()
	s.broker.Broadcast(sse.Message{
		Type: sse.EventRemoved,
		Data: map[string]string{"surface_id": s.id},
	})
}

// Click dispatches a browser click on layerID to its subscribers.
func (s *Surface) Click(layerID, paddockID string) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	known := false
	for _, layer := range s.layers {
		if layer.ID == layerID {
			known = true
			break
		}
	}
	if !known {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layerID)
	}
	handlers := make([]func(string), 0, len(s.handlers[layerID]))
	for _, fn := range s.handlers[layerID] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(paddockID)
	}
	return nil
}

// ListenerCount returns the number of live click subscriptions.
func (s *Surface) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, hs := range s.handlers {
		n += len(hs)
	}
	return n
}

// Snapshot returns a copy of the surface state.
func (s *Surface) Snapshot() SurfaceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make(map[string]models.FeatureCollection, len(s.sources))
	for id, data := range s.sources {
		sources[id] = data
	}
	layers := make([]Layer, len(s.layers))
	copy(layers, s.layers)

	n := 0
	for _, hs := range s.handlers {
		n += len(hs)
	}

	return SurfaceSnapshot{
		ID:        s.id,
		Container: s.container,
		Style:     s.style,
		StyleName: s.styleName,
		Center:    s.center,
		Zoom:      s.zoom,
		Loaded:    s.loaded,
		Removed:   s.removed,
		Sources:   sources,
		Layers:    layers,
		Listeners: n,
	}
}

func (s *Surface) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removed
}

// mutableLocked reports whether the surface accepts mutations. mu must be held.
func (s *Surface) mutableLocked() error {
	if s.removed {
		return ErrSurfaceRemoved
	}
	if !s.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (s *Surface) broadcastSource(id string, data models.FeatureCollection) {
	s.broker.Broadcast(sse.Message{
		Type: sse.EventSource,
		Data: sourceEvent{SurfaceID: s.id, SourceID: id, Data: data},
	})
}

func (s *Surface) broadcastSnapshot() {
	s.broker.Broadcast(sse.Message{Type: sse.EventSurface, Data: s.Snapshot()})
}
