package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stwalsh4118/paddockview/internal/geojoin"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/mapview"
	"github.com/stwalsh4118/paddockview/internal/models"
	"github.com/stwalsh4118/paddockview/internal/repository"
	"github.com/stwalsh4118/paddockview/internal/trend"
	"golang.org/x/sync/errgroup"
)

// Service-level errors
var (
	ErrNoFarm          = errors.New("no farm available")
	ErrUnknownDate     = errors.New("date has no observations")
	ErrUnknownPaddock  = errors.New("paddock not found")
	ErrPipelineRunning = errors.New("pipeline already running")
	ErrStopped         = errors.New("dashboard service stopped")
)

// eventQueueSize bounds how many continuations can wait for the loop.
const eventQueueSize = 64

// Branch names a load path. Each branch reports its own status.
type Branch string

const (
	BranchFarm           Branch = "farm"
	BranchPaddocks       Branch = "paddocks"
	BranchDates          Branch = "dates"
	BranchRecommendation Branch = "recommendation"
	BranchWeather        Branch = "weather"
	BranchObservations   Branch = "observations"
	BranchSeries         Branch = "series"
	BranchPipeline       Branch = "pipeline"
)

// Branch status values.
const (
	StatusLoading = "loading"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// BranchStatus is the outcome of the most recent load on a branch.
type BranchStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorNotice is the single user-visible error. A later error replaces an
// unread earlier one.
type ErrorNotice struct {
	Source  Branch    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Loading flags, one per load path.
type Loading struct {
	Farm           bool `json:"farm"`
	Paddocks       bool `json:"paddocks"`
	Dates          bool `json:"dates"`
	Recommendation bool `json:"recommendation"`
	Weather        bool `json:"weather"`
	Observations   bool `json:"observations"`
	Series         bool `json:"series"`
}

// Any reports whether any load is in flight.
func (l Loading) Any() bool {
	return l.Farm || l.Paddocks || l.Dates || l.Recommendation || l.Weather || l.Observations || l.Series
}

// Dashboard is a snapshot of the orchestrated state.
type Dashboard struct {
	Farm                   *models.Farm                  `json:"farm"`
	NoFarm                 bool                          `json:"no_farm"`
	Paddocks               []models.Paddock              `json:"paddocks"`
	Dates                  []string                      `json:"dates"`
	SelectedDate           string                        `json:"selected_date"`
	Observations           []models.Observation          `json:"observations"`
	Collection             models.FeatureCollection      `json:"collection"`
	SelectedPaddockID      string                        `json:"selected_paddock_id"`
	Series                 *trend.Series                 `json:"series"`
	Recommendation         *models.Recommendation        `json:"recommendation"`
	SelectedRecommendation *models.PaddockRecommendation `json:"selected_recommendation"`
	Weather                []models.WeatherDay           `json:"weather"`
	Branches               map[Branch]BranchStatus       `json:"branches"`
	Error                  *ErrorNotice                  `json:"error"`
	Loading                Loading                       `json:"loading"`
	PipelineRunning        bool                          `json:"pipeline_running"`
	LastIngest             *models.IngestResult          `json:"last_ingest"`
}

// MapRenderer receives every recomputed feature collection and the farm
// location once it is known.
type MapRenderer interface {
	Refresh(fc models.FeatureCollection) error
	SetCenter(center models.LngLat)
}

// DashboardService orchestrates the farm → paddocks/dates/recommendation/weather
// → observations → series cascade. All state is owned by the goroutine running
// Run; every other method posts onto it.
type DashboardService interface {
	// Run processes events until ctx is cancelled.
	Run(ctx context.Context) error

	// Activate loads the farm context once. Later calls are no-ops.
	Activate(ctx context.Context) error

	// Reload re-runs the whole farm context cascade.
	Reload(ctx context.Context) error

	// SelectDate changes the observation date.
	// Returns ErrNoFarm without a farm and ErrUnknownDate for a date not in the list.
	SelectDate(ctx context.Context, date string) error

	// SelectPaddock changes the charted paddock. An empty id clears the selection.
	// An id not in the current set clears it too and returns ErrUnknownPaddock.
	SelectPaddock(ctx context.Context, paddockID string) error

	// RunPipeline triggers ingest, then refreshes recommendation and weather,
	// one after the other. Returns ErrPipelineRunning while a run is active.
	// A failing step stops the run, becomes the error notice and is returned.
	RunPipeline(ctx context.Context) (*models.IngestResult, error)

	// DismissError clears the error notice.
	DismissError(ctx context.Context) error

	// Snapshot returns a copy of the current state.
	Snapshot(ctx context.Context) (*Dashboard, error)
}

// dashboardState is only touched on the loop goroutine.
type dashboardState struct {
	activated         bool
	farm              *models.Farm
	noFarm            bool
	paddocks          []models.Paddock
	dates             []string
	selectedDate      string
	observations      []models.Observation
	collection        models.FeatureCollection
	selectedPaddockID string
	series            *trend.Series
	recommendation    *models.Recommendation
	weather           []models.WeatherDay
	branches          map[Branch]BranchStatus
	notice            *ErrorNotice
	loading           Loading
	pipelineRunning   bool
	lastIngest        *models.IngestResult

	// Generations guard against stale responses. A result is applied only if
	// its generation and selection key are still current.
	contextGen     int
	observationGen int
	seriesGen      int
}

// dashboardService is the concrete implementation of DashboardService.
type dashboardService struct {
	repo     repository.FarmRepository
	renderer MapRenderer
	log      *logger.Logger

	events  chan func()
	stopped chan struct{}
	ctx     context.Context

	state dashboardState
}

// NewDashboardService creates a DashboardService. Run must be started before
// any other method returns.
func NewDashboardService(repo repository.FarmRepository, renderer MapRenderer, log *logger.Logger) DashboardService {
	return &dashboardService{
		repo:     repo,
		renderer: renderer,
		log:      log.WithComponent("dashboard"),
		events:   make(chan func(), eventQueueSize),
		stopped:  make(chan struct{}),
		ctx:      context.Background(),
		state: dashboardState{
			paddocks:     []models.Paddock{},
			dates:        []string{},
			observations: []models.Observation{},
			weather:      []models.WeatherDay{},
			branches:     make(map[Branch]BranchStatus),
		},
	}
}

func (s *dashboardService) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.stopped)

	s.log.Info("Dashboard loop started", nil)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Dashboard loop stopped", nil)
			return ctx.Err()
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *dashboardService) Activate(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state.activated {
			return nil
		}
		s.loadFarmContext()
		return nil
	})
}

func (s *dashboardService) Reload(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.loadFarmContext()
		return nil
	})
}

func (s *dashboardService) SelectDate(ctx context.Context, date string) error {
	return s.call(ctx, func() error {
		st := &s.state
		if st.farm == nil {
			return ErrNoFarm
		}
		if !contains(st.dates, date) {
			return fmt.Errorf("%w: %s", ErrUnknownDate, date)
		}
		if date == st.selectedDate {
			return nil
		}
		st.selectedDate = date
		s.loadObservations()
		return nil
	})
}

func (s *dashboardService) SelectPaddock(ctx context.Context, paddockID string) error {
	return s.call(ctx, func() error {
		st := &s.state
		if st.farm == nil {
			return ErrNoFarm
		}
		if paddockID != "" && !hasPaddock(st.paddocks, paddockID) {
			s.selectPaddock("")
			return fmt.Errorf("%w: %s", ErrUnknownPaddock, paddockID)
		}
		if paddockID == st.selectedPaddockID {
			return nil
		}
		s.selectPaddock(paddockID)
		return nil
	})
}

func (s *dashboardService) RunPipeline(ctx context.Context) (*models.IngestResult, error) {
	var farmID string
	err := s.call(ctx, func() error {
		st := &s.state
		if st.farm == nil {
			return ErrNoFarm
		}
		if st.pipelineRunning {
			return ErrPipelineRunning
		}
		st.pipelineRunning = true
		st.branches[BranchPipeline] = BranchStatus{Status: StatusLoading}
		farmID = st.farm.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Pipeline started", map[string]interface{}{"farm_id": farmID})

	result, err := s.repo.TriggerIngest(ctx, farmID)
	if err != nil {
		s.post(func() {
			s.state.pipelineRunning = false
			s.fail(BranchPipeline, err, true)
		})
		return nil, fmt.Errorf("trigger ingest: %w", err)
	}

	// Ingest has finished; dependent data is refreshed one step at a time.
	// The first failing step ends the run.
	var gen int
	if !s.await(func() { gen = s.beginLoad(BranchRecommendation) }) {
		return nil, ErrStopped
	}
	rec, recErr := s.repo.LatestRecommendation(ctx, farmID)
	s.post(func() { s.applyRecommendation(gen, rec, recErr) })
	if recErr != nil && !repository.IsNotFound(recErr) {
		return nil, s.pipelineFailed(result, recErr, "refresh recommendation")
	}

	if !s.await(func() { gen = s.beginLoad(BranchWeather) }) {
		return nil, ErrStopped
	}
	weather, weatherErr := s.repo.WeatherForecast(ctx, farmID)
	s.post(func() { s.applyWeather(gen, weather, weatherErr) })
	if weatherErr != nil {
		return nil, s.pipelineFailed(result, weatherErr, "refresh weather")
	}

	finished := s.await(func() {
		s.state.pipelineRunning = false
		s.state.lastIngest = result
		s.state.branches[BranchPipeline] = BranchStatus{Status: StatusOK}
	})
	if !finished {
		return nil, ErrStopped
	}

	s.log.Info("Pipeline finished", map[string]interface{}{
		"farm_id":          farmID,
		"scenes_processed": result.ScenesProcessed,
		"weather_days":     result.WeatherDays,
	})
	return result, nil
}

// pipelineFailed ends a run whose ingest succeeded but whose refresh step
// failed. The ingest result is kept and err becomes the error notice.
func (s *dashboardService) pipelineFailed(result *models.IngestResult, err error, step string) error {
	done := s.await(func() {
		s.state.pipelineRunning = false
		s.state.lastIngest = result
		s.fail(BranchPipeline, err, true)
	})
	if !done {
		return ErrStopped
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (s *dashboardService) DismissError(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.state.notice = nil
		return nil
	})
}

func (s *dashboardService) Snapshot(ctx context.Context) (*Dashboard, error) {
	var snap *Dashboard
	err := s.call(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// call runs fn on the loop and waits for its result.
func (s *dashboardService) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.events <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// await runs fn on the loop and waits for it regardless of any request
// context. It returns false if the loop has stopped.
func (s *dashboardService) await(fn func()) bool {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-s.stopped:
		return false
	}
}

// post queues fn on the loop without waiting for it to run.
func (s *dashboardService) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// beginLoad marks a context branch as loading and returns the context
// generation its result must match. Must run on the loop.
func (s *dashboardService) beginLoad(branch Branch) int {
	st := &s.state
	switch branch {
	case BranchRecommendation:
		st.loading.Recommendation = true
	case BranchWeather:
		st.loading.Weather = true
	}
	st.branches[branch] = BranchStatus{Status: StatusLoading}
	return st.contextGen
}

// loadFarmContext starts the cascade from the top. Must run on the loop.
func (s *dashboardService) loadFarmContext() {
	st := &s.state
	st.activated = true
	st.contextGen++
	st.observationGen++
	st.seriesGen++
	gen := st.contextGen

	st.loading.Farm = true
	st.branches[BranchFarm] = BranchStatus{Status: StatusLoading}

	ctx := s.ctx
	go func() {
		farms, err := s.repo.ListFarms(ctx)
		s.post(func() { s.applyFarms(gen, farms, err) })
	}()
}

func (s *dashboardService) applyFarms(gen int, farms []models.Farm, err error) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	st.loading.Farm = false

	if err != nil {
		s.fail(BranchFarm, err, true)
		return
	}
	st.branches[BranchFarm] = BranchStatus{Status: StatusOK}

	if len(farms) == 0 {
		s.log.Info("No farm found", nil)
		s.resetFarm()
		st.noFarm = true
		return
	}

	if st.farm != nil && st.farm.ID != farms[0].ID {
		s.resetFarm()
	}
	farm := farms[0]
	st.farm = &farm
	st.noFarm = false
	if s.renderer != nil {
		s.renderer.SetCenter(farm.Center())
	}
	s.fanOut(gen, farm.ID)
}

// fanOut loads the four independent branches of a farm context. Each branch
// posts its own result; a failure in one never affects the others.
func (s *dashboardService) fanOut(gen int, farmID string) {
	st := &s.state
	st.loading.Paddocks = true
	st.loading.Dates = true
	st.loading.Recommendation = true
	st.loading.Weather = true
	for _, b := range []Branch{BranchPaddocks, BranchDates, BranchRecommendation, BranchWeather} {
		st.branches[b] = BranchStatus{Status: StatusLoading}
	}

	ctx := s.ctx
	go func() {
		var g errgroup.Group

		g.Go(func() error {
			paddocks, err := s.repo.ListPaddocks(ctx, farmID)
			s.post(func() { s.applyPaddocks(gen, paddocks, err) })
			return nil
		})
		g.Go(func() error {
			dates, err := s.repo.ListObservationDates(ctx, farmID)
			s.post(func() { s.applyDates(gen, dates, err) })
			return nil
		})
		g.Go(func() error {
			rec, err := s.repo.LatestRecommendation(ctx, farmID)
			s.post(func() { s.applyRecommendation(gen, rec, err) })
			return nil
		})
		g.Go(func() error {
			weather, err := s.repo.WeatherForecast(ctx, farmID)
			s.post(func() { s.applyWeather(gen, weather, err) })
			return nil
		})

		_ = g.Wait()
		s.post(func() { s.contextLoaded(gen) })
	}()
}

func (s *dashboardService) contextLoaded(gen int) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	s.log.Info("Farm context loaded", map[string]interface{}{
		"farm_id":        st.farm.ID,
		"paddocks":       len(st.paddocks),
		"dates":          len(st.dates),
		"recommendation": st.branches[BranchRecommendation].Status,
		"weather":        st.branches[BranchWeather].Status,
	})
}

func (s *dashboardService) applyPaddocks(gen int, paddocks []models.Paddock, err error) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	st.loading.Paddocks = false

	if err != nil {
		s.fail(BranchPaddocks, err, true)
		return
	}
	st.branches[BranchPaddocks] = BranchStatus{Status: StatusOK}
	st.paddocks = paddocks
	s.rebuildCollection()

	selected := st.selectedPaddockID
	if !hasPaddock(paddocks, selected) {
		selected = ""
		if len(paddocks) > 0 {
			selected = paddocks[0].ID
		}
	}
	s.selectPaddock(selected)
}

func (s *dashboardService) applyDates(gen int, dates []string, err error) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	st.loading.Dates = false

	if err != nil {
		s.fail(BranchDates, err, true)
		return
	}
	st.branches[BranchDates] = BranchStatus{Status: StatusOK}
	st.dates = dates

	if !contains(dates, st.selectedDate) {
		st.selectedDate = ""
		if len(dates) > 0 {
			st.selectedDate = dates[0]
		}
	}
	s.loadObservations()
}

func (s *dashboardService) applyRecommendation(gen int, rec *models.Recommendation, err error) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	st.loading.Recommendation = false

	switch {
	case repository.IsNotFound(err):
		st.recommendation = nil
		st.branches[BranchRecommendation] = BranchStatus{Status: StatusOK}
	case err != nil:
		st.recommendation = nil
		s.fail(BranchRecommendation, err, false)
	default:
		st.recommendation = rec
		st.branches[BranchRecommendation] = BranchStatus{Status: StatusOK}
	}
}

func (s *dashboardService) applyWeather(gen int, weather []models.WeatherDay, err error) {
	st := &s.state
	if gen != st.contextGen {
		return
	}
	st.loading.Weather = false

	if err != nil {
		st.weather = []models.WeatherDay{}
		s.fail(BranchWeather, err, false)
		return
	}
	st.weather = weather
	st.branches[BranchWeather] = BranchStatus{Status: StatusOK}
}

// loadObservations fetches observations for the selected date, or clears
// them when no date is selected. Must run on the loop.
func (s *dashboardService) loadObservations() {
	st := &s.state
	st.observationGen++
	gen := st.observationGen
	date := st.selectedDate

	if date == "" || st.farm == nil {
		st.loading.Observations = false
		st.observations = []models.Observation{}
		s.rebuildCollection()
		return
	}

	st.loading.Observations = true
	st.branches[BranchObservations] = BranchStatus{Status: StatusLoading}

	ctx := s.ctx
	farmID := st.farm.ID
	go func() {
		observations, err := s.repo.ObservationsByDate(ctx, farmID, date)
		s.post(func() { s.applyObservations(gen, date, observations, err) })
	}()
}

func (s *dashboardService) applyObservations(gen int, date string, observations []models.Observation, err error) {
	st := &s.state
	if gen != st.observationGen || date != st.selectedDate {
		s.log.Debug("Discarding stale observations", map[string]interface{}{"date": date})
		return
	}
	st.loading.Observations = false

	if err != nil {
		s.fail(BranchObservations, err, true)
		return
	}
	st.branches[BranchObservations] = BranchStatus{Status: StatusOK}

	if dups := geojoin.DuplicateObservations(observations); len(dups) > 0 {
		s.log.Warn("Duplicate observations for date, last one wins", map[string]interface{}{
			"date":     date,
			"paddocks": dups,
		})
	}
	st.observations = observations
	s.rebuildCollection()
}

// selectPaddock sets the selection and loads its series. An empty id clears
// the series without a request. Must run on the loop.
func (s *dashboardService) selectPaddock(paddockID string) {
	st := &s.state
	st.selectedPaddockID = paddockID
	st.seriesGen++
	gen := st.seriesGen
	st.series = nil

	if paddockID == "" {
		st.loading.Series = false
		delete(st.branches, BranchSeries)
		return
	}

	st.loading.Series = true
	st.branches[BranchSeries] = BranchStatus{Status: StatusLoading}

	ctx := s.ctx
	go func() {
		raw, err := s.repo.PaddockSeries(ctx, paddockID)
		s.post(func() { s.applySeries(gen, paddockID, raw, err) })
	}()
}

func (s *dashboardService) applySeries(gen int, paddockID string, raw *models.PaddockSeries, err error) {
	st := &s.state
	if gen != st.seriesGen || paddockID != st.selectedPaddockID {
		s.log.Debug("Discarding stale series", map[string]interface{}{"paddock_id": paddockID})
		return
	}
	st.loading.Series = false

	if err != nil {
		s.fail(BranchSeries, err, true)
		return
	}
	st.branches[BranchSeries] = BranchStatus{Status: StatusOK}

	series := trend.Empty(paddockID)
	if raw != nil {
		series = trend.Project(*raw)
		series.PaddockID = paddockID
	}
	st.series = &series
}

// rebuildCollection recomputes the feature collection and pushes it to the map.
func (s *dashboardService) rebuildCollection() {
	st := &s.state
	st.collection = geojoin.Build(st.paddocks, st.observations)
	if s.renderer == nil {
		return
	}
	if err := s.renderer.Refresh(st.collection); err != nil && !errors.Is(err, mapview.ErrDisposed) {
		s.log.Error("Failed to refresh map", err, map[string]interface{}{
			"features": st.collection.Len(),
		})
	}
}

// resetFarm drops everything derived from the current farm.
func (s *dashboardService) resetFarm() {
	st := &s.state
	st.farm = nil
	st.paddocks = []models.Paddock{}
	st.dates = []string{}
	st.selectedDate = ""
	st.observations = []models.Observation{}
	st.recommendation = nil
	st.weather = []models.WeatherDay{}
	st.lastIngest = nil
	st.observationGen++
	s.selectPaddock("")
	s.rebuildCollection()
}

// fail records a branch failure. Shared failures also replace the error notice.
func (s *dashboardService) fail(branch Branch, err error, shared bool) {
	st := &s.state
	st.branches[branch] = BranchStatus{Status: StatusFailed, Message: err.Error()}
	s.log.Warn("Load failed", map[string]interface{}{
		"branch": string(branch),
		"error":  err.Error(),
	})
	if shared {
		st.notice = &ErrorNotice{
			Source:  branch,
			Message: err.Error(),
			At:      time.Now(),
		}
	}
}

func (s *dashboardService) snapshot() *Dashboard {
	st := &s.state

	snap := &Dashboard{
		NoFarm:            st.noFarm,
		Paddocks:          append([]models.Paddock{}, st.paddocks...),
		Dates:             append([]string{}, st.dates...),
		SelectedDate:      st.selectedDate,
		Observations:      append([]models.Observation{}, st.observations...),
		Collection:        models.FeatureCollection{Features: append([]models.Feature{}, st.collection.Features...)},
		SelectedPaddockID: st.selectedPaddockID,
		Recommendation:    st.recommendation,
		Weather:           append([]models.WeatherDay{}, st.weather...),
		Branches:          make(map[Branch]BranchStatus, len(st.branches)),
		Loading:           st.loading,
		PipelineRunning:   st.pipelineRunning,
		LastIngest:        st.lastIngest,
	}
	if st.farm != nil {
		farm := *st.farm
		snap.Farm = &farm
	}
	if st.series != nil {
		series := *st.series
		series.Points = append([]trend.Point{}, st.series.Points...)
		snap.Series = &series
	}
	if st.notice != nil {
		notice := *st.notice
		snap.Error = &notice
	}
	if rec, ok := st.recommendation.ForPaddock(st.selectedPaddockID); ok {
		snap.SelectedRecommendation = &rec
	}
	for b, status := range st.branches {
		snap.Branches[b] = status
	}
	return snap
}

func contains(items []string, item string) bool {
	for _, candidate := range items {
		if candidate == item {
			return true
		}
	}
	return false
}

func hasPaddock(paddocks []models.Paddock, id string) bool {
	for _, p := range paddocks {
		if p.ID == id {
			return true
		}
	}
	return false
}
