package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/mapview"
	"github.com/stwalsh4118/paddockview/internal/models"
	"github.com/stwalsh4118/paddockview/internal/repository"
)

// MockFarmRepository is a mock implementation of FarmRepository for testing
type MockFarmRepository struct {
	mock.Mock
}

func (m *MockFarmRepository) ListFarms(ctx context.Context) ([]models.Farm, error) {
	args := m.Called(ctx)
	farms, _ := args.Get(0).([]models.Farm)
	return farms, args.Error(1)
}

func (m *MockFarmRepository) ListPaddocks(ctx context.Context, farmID string) ([]models.Paddock, error) {
	args := m.Called(ctx, farmID)
	paddocks, _ := args.Get(0).([]models.Paddock)
	return paddocks, args.Error(1)
}

func (m *MockFarmRepository) ListObservationDates(ctx context.Context, farmID string) ([]string, error) {
	args := m.Called(ctx, farmID)
	dates, _ := args.Get(0).([]string)
	return dates, args.Error(1)
}

func (m *MockFarmRepository) ObservationsByDate(ctx context.Context, farmID, date string) ([]models.Observation, error) {
	args := m.Called(ctx, farmID, date)
	observations, _ := args.Get(0).([]models.Observation)
	return observations, args.Error(1)
}

func (m *MockFarmRepository) PaddockSeries(ctx context.Context, paddockID string) (*models.PaddockSeries, error) {
	args := m.Called(ctx, paddockID)
	series, _ := args.Get(0).(*models.PaddockSeries)
	return series, args.Error(1)
}

func (m *MockFarmRepository) WeatherForecast(ctx context.Context, farmID string) ([]models.WeatherDay, error) {
	args := m.Called(ctx, farmID)
	days, _ := args.Get(0).([]models.WeatherDay)
	return days, args.Error(1)
}

func (m *MockFarmRepository) LatestRecommendation(ctx context.Context, farmID string) (*models.Recommendation, error) {
	args := m.Called(ctx, farmID)
	rec, _ := args.Get(0).(*models.Recommendation)
	return rec, args.Error(1)
}

func (m *MockFarmRepository) TriggerIngest(ctx context.Context, farmID string) (*models.IngestResult, error) {
	args := m.Called(ctx, farmID)
	result, _ := args.Get(0).(*models.IngestResult)
	return result, args.Error(1)
}

func (m *MockFarmRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// recordingRenderer keeps every collection pushed to the map.
type recordingRenderer struct {
	mu          sync.Mutex
	collections []models.FeatureCollection
	centers     []models.LngLat
	err         error
}

func (r *recordingRenderer) SetCenter(center models.LngLat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.centers = append(r.centers, center)
}

func (r *recordingRenderer) Refresh(fc models.FeatureCollection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections = append(r.collections, fc)
	return r.err
}

func (r *recordingRenderer) last() (models.FeatureCollection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.collections) == 0 {
		return models.FeatureCollection{}, false
	}
	return r.collections[len(r.collections)-1], true
}

const farmID = "farm-1"

var (
	testFarm = models.Farm{ID: farmID, Name: "Riverside", Latitude: -36.85, Longitude: 174.76}
	p1       = testPaddock("p-1")
	p2       = testPaddock("p-2")
)

func testPaddock(id string) models.Paddock {
	return models.Paddock{
		ID:       id,
		FarmID:   farmID,
		Name:     "Paddock " + id,
		Geometry: models.NewPolygonGeometry([][][2]float64{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}),
	}
}

func seriesFor(id string, values ...float64) *models.PaddockSeries {
	points := make([]models.SeriesPoint, 0, len(values))
	for i, v := range values {
		points = append(points, models.SeriesPoint{
			ObsDate: time.Date(2024, 1, 1+7*i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
			Value:   v,
		})
	}
	return &models.PaddockSeries{PaddockID: id, Points: points}
}

// startService runs the loop until the test ends.
func startService(t *testing.T, repo *MockFarmRepository, renderer MapRenderer) DashboardService {
	t.Helper()

	svc := NewDashboardService(repo, renderer, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc
}

func snapshot(t *testing.T, svc DashboardService) *Dashboard {
	t.Helper()
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// waitIdle waits until no load is in flight.
func waitIdle(t *testing.T, svc DashboardService) *Dashboard {
	t.Helper()
	var snap *Dashboard
	require.Eventually(t, func() bool {
		snap = snapshot(t, svc)
		return !snap.Loading.Any() && snap.Branches[BranchFarm].Status != StatusLoading
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

// happyRepo wires a farm with two paddocks and two dates.
func happyRepo() *MockFarmRepository {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1, p2}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{"2024-01-01", "2024-01-08"}, nil)
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(&models.Recommendation{
		ID:      "rec-1",
		FarmID:  farmID,
		Summary: "Rotate stock",
		PaddockRecommendations: []models.PaddockRecommendation{
			{PaddockID: "p-1", RecType: "GRAZE_NOW", Message: "Graze"},
		},
	}, nil)
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{{Date: "2024-01-08", RainMM: 2}}, nil)
	return repo
}

func TestActivate_DefaultSelection(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{
		{PaddockID: "p-2", Bucket: models.BucketHigh},
	}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1", 0.41234, 0.45), nil)
	renderer := &recordingRenderer{}
	svc := startService(t, repo, renderer)

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	assert.Equal(t, "2024-01-01", snap.SelectedDate)
	assert.Equal(t, "p-1", snap.SelectedPaddockID)
	require.NotNil(t, snap.Farm)
	assert.Equal(t, farmID, snap.Farm.ID)
	assert.Nil(t, snap.Error)

	require.Equal(t, 2, snap.Collection.Len())
	assert.Equal(t, models.BucketLow, snap.Collection.Features[0].Properties.Bucket)
	assert.Equal(t, models.BucketHigh, snap.Collection.Features[1].Properties.Bucket)

	require.NotNil(t, snap.Series)
	assert.Equal(t, "p-1", snap.Series.PaddockID)
	assert.Equal(t, 0.412, snap.Series.Points[0].Value)

	require.NotNil(t, snap.SelectedRecommendation)
	assert.Equal(t, "GRAZE_NOW", snap.SelectedRecommendation.RecType)
	assert.Len(t, snap.Weather, 1)

	last, ok := renderer.last()
	require.True(t, ok)
	assert.True(t, snap.Collection.Equal(last))
	repo.AssertExpectations(t)
}

func TestActivate_IsIdempotent(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	repo.AssertNumberOfCalls(t, "ListFarms", 1)
}

func TestActivate_NoFarm(t *testing.T) {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{}, nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	assert.True(t, snap.NoFarm)
	assert.Nil(t, snap.Farm)
	assert.Nil(t, snap.Error)
	repo.AssertNotCalled(t, "ListPaddocks", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "ListObservationDates", mock.Anything, mock.Anything)

	assert.ErrorIs(t, svc.SelectDate(context.Background(), "2024-01-01"), ErrNoFarm)
	assert.ErrorIs(t, svc.SelectPaddock(context.Background(), "p-1"), ErrNoFarm)
	_, err := svc.RunPipeline(context.Background())
	assert.ErrorIs(t, err, ErrNoFarm)
}

func TestActivate_FarmLoadFails(t *testing.T) {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return(nil, &repository.APIError{Message: "backend down", StatusCode: http.StatusBadGateway})
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	require.NotNil(t, snap.Error)
	assert.Equal(t, BranchFarm, snap.Error.Source)
	assert.Equal(t, "backend down", snap.Error.Message)
	assert.False(t, snap.NoFarm)
}

func TestActivate_NoDatesShowsPaddocksAsLow(t *testing.T) {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{}, nil)
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(nil, &repository.APIError{StatusCode: http.StatusNotFound, Message: "none"})
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	renderer := &recordingRenderer{}
	svc := startService(t, repo, renderer)

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	assert.Empty(t, snap.Dates)
	assert.Equal(t, "", snap.SelectedDate)
	assert.Nil(t, snap.Error)
	require.Equal(t, 1, snap.Collection.Len())
	assert.Equal(t, models.BucketLow, snap.Collection.Features[0].Properties.Bucket)
	assert.Equal(t, models.ColorFor(models.BucketLow), snap.Collection.Features[0].Properties.Fill)
	assert.Nil(t, snap.Recommendation)
	assert.Equal(t, StatusOK, snap.Branches[BranchRecommendation].Status)

	require.NotNil(t, snap.Series)
	assert.True(t, snap.Series.NoData)

	last, ok := renderer.last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Len())
	repo.AssertNotCalled(t, "ObservationsByDate", mock.Anything, mock.Anything, mock.Anything)
}

func TestActivate_RecommendationFailureIsIsolated(t *testing.T) {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1, p2}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{"2024-01-01"}, nil)
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(nil, errors.New("recommendation service exploded"))
	repo.On("WeatherForecast", mock.Anything, farmID).Return(nil, errors.New("weather down"))
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1", 0.3), nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	assert.Nil(t, snap.Error, "isolated branches must not raise the shared error")
	assert.Len(t, snap.Paddocks, 2)
	assert.Equal(t, []string{"2024-01-01"}, snap.Dates)
	assert.Equal(t, 2, snap.Collection.Len())
	assert.Nil(t, snap.Recommendation)
	assert.Equal(t, StatusFailed, snap.Branches[BranchRecommendation].Status)
	assert.Equal(t, "recommendation service exploded", snap.Branches[BranchRecommendation].Message)
	assert.Equal(t, StatusFailed, snap.Branches[BranchWeather].Status)
	assert.Equal(t, StatusOK, snap.Branches[BranchPaddocks].Status)
	assert.Equal(t, StatusOK, snap.Branches[BranchDates].Status)
}

func TestActivate_ErrorNoticeLastWriteWins(t *testing.T) {
	paddocksReleased := make(chan time.Time)
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return(nil, errors.New("dates failed"))
	repo.On("ListPaddocks", mock.Anything, farmID).WaitUntil(paddocksReleased).Return(nil, errors.New("paddocks failed"))
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(nil, &repository.APIError{StatusCode: http.StatusNotFound})
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{}, nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	require.Eventually(t, func() bool {
		snap := snapshot(t, svc)
		return snap.Error != nil && snap.Error.Source == BranchDates
	}, 2*time.Second, 5*time.Millisecond)

	close(paddocksReleased)
	snap := waitIdle(t, svc)

	require.NotNil(t, snap.Error)
	assert.Equal(t, BranchPaddocks, snap.Error.Source)
	assert.Equal(t, "paddocks failed", snap.Error.Message)

	require.NoError(t, svc.DismissError(context.Background()))
	assert.Nil(t, snapshot(t, svc).Error)
}

func TestSelectDate(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-08").Return([]models.Observation{
		{PaddockID: "p-1", Bucket: models.BucketVeryLow},
	}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	renderer := &recordingRenderer{}
	svc := startService(t, repo, renderer)
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	require.NoError(t, svc.SelectDate(context.Background(), "2024-01-08"))
	snap := waitIdle(t, svc)

	assert.Equal(t, "2024-01-08", snap.SelectedDate)
	assert.Equal(t, models.BucketVeryLow, snap.Collection.Features[0].Properties.Bucket)
	last, _ := renderer.last()
	assert.Equal(t, models.BucketVeryLow, last.Features[0].Properties.Bucket)

	t.Run("unknown date leaves state unchanged", func(t *testing.T) {
		err := svc.SelectDate(context.Background(), "1999-01-01")
		assert.ErrorIs(t, err, ErrUnknownDate)
		assert.Equal(t, "2024-01-08", snapshot(t, svc).SelectedDate)
	})

	t.Run("same date issues no request", func(t *testing.T) {
		require.NoError(t, svc.SelectDate(context.Background(), "2024-01-08"))
		waitIdle(t, svc)
		repo.AssertNumberOfCalls(t, "ObservationsByDate", 2)
	})
}

func TestSelectDate_StaleObservationsDiscarded(t *testing.T) {
	release := make(chan time.Time)
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil).Once()
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	svc := startService(t, repo, &recordingRenderer{})
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	returned := make(chan struct{})
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-08").
		WaitUntil(release).
		Run(func(mock.Arguments) { close(returned) }).
		Return([]models.Observation{{PaddockID: "p-1", Bucket: models.BucketVeryLow}}, nil)
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").
		Return([]models.Observation{{PaddockID: "p-1", Bucket: models.BucketHigh}}, nil)

	require.NoError(t, svc.SelectDate(context.Background(), "2024-01-08"))
	require.NoError(t, svc.SelectDate(context.Background(), "2024-01-01"))
	require.Eventually(t, func() bool {
		snap := snapshot(t, svc)
		return !snap.Loading.Observations && snap.Collection.Features[0].Properties.Bucket == models.BucketHigh
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	waitFor(t, returned)

	snap := snapshot(t, svc)
	assert.Equal(t, "2024-01-01", snap.SelectedDate)
	assert.Equal(t, models.BucketHigh, snap.Collection.Features[0].Properties.Bucket)
}

func TestSelectPaddock_StaleSeriesDiscarded(t *testing.T) {
	release := make(chan time.Time)
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	returned := make(chan struct{})
	repo.On("PaddockSeries", mock.Anything, "p-1").
		WaitUntil(release).
		Run(func(mock.Arguments) { close(returned) }).
		Return(seriesFor("p-1", 0.1, 0.2), nil)
	repo.On("PaddockSeries", mock.Anything, "p-2").Return(seriesFor("p-2", 0.7, 0.8, 0.9), nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	require.Eventually(t, func() bool {
		return snapshot(t, svc).Loading.Series
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.SelectPaddock(context.Background(), "p-2"))
	require.Eventually(t, func() bool {
		snap := snapshot(t, svc)
		return snap.Series != nil && snap.Series.PaddockID == "p-2"
	}, 2*time.Second, 5*time.Millisecond)

	// P1's response resolves after P2 is selected.
	close(release)
	waitFor(t, returned)

	snap := snapshot(t, svc)
	assert.Equal(t, "p-2", snap.SelectedPaddockID)
	require.NotNil(t, snap.Series)
	assert.Equal(t, "p-2", snap.Series.PaddockID)
	assert.Len(t, snap.Series.Points, 3)
	assert.Nil(t, snap.Error)
}

func TestSelectPaddock_StaleErrorDiscarded(t *testing.T) {
	release := make(chan time.Time)
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	returned := make(chan struct{})
	repo.On("PaddockSeries", mock.Anything, "p-1").
		WaitUntil(release).
		Run(func(mock.Arguments) { close(returned) }).
		Return(nil, errors.New("p-1 timed out"))
	repo.On("PaddockSeries", mock.Anything, "p-2").Return(seriesFor("p-2", 0.5), nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	require.Eventually(t, func() bool { return snapshot(t, svc).Loading.Series }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.SelectPaddock(context.Background(), "p-2"))

	close(release)
	waitFor(t, returned)
	snap := waitIdle(t, svc)

	assert.Nil(t, snap.Error)
	assert.Equal(t, StatusOK, snap.Branches[BranchSeries].Status)
}

func TestSelectPaddock_ClearAndUnknown(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1", 0.4), nil)
	svc := startService(t, repo, &recordingRenderer{})
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	require.NoError(t, svc.SelectPaddock(context.Background(), ""))
	snap := snapshot(t, svc)
	assert.Equal(t, "", snap.SelectedPaddockID)
	assert.Nil(t, snap.Series)
	assert.Nil(t, snap.SelectedRecommendation)

	err := svc.SelectPaddock(context.Background(), "p-404")
	assert.ErrorIs(t, err, ErrUnknownPaddock)
	snap = snapshot(t, svc)
	assert.Equal(t, "", snap.SelectedPaddockID)
	assert.Nil(t, snap.Series)

	repo.AssertNumberOfCalls(t, "PaddockSeries", 1)
}

func TestRunPipeline_SequentialRefresh(t *testing.T) {
	ingestRelease := make(chan time.Time)
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(&models.Recommendation{ID: "rec-1", FarmID: farmID}, nil).Once()
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(&models.Recommendation{ID: "rec-2", FarmID: farmID}, nil)
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{}, nil).Once()
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{{Date: "2024-01-09"}, {Date: "2024-01-10"}}, nil)
	repo.On("TriggerIngest", mock.Anything, farmID).WaitUntil(ingestRelease).
		Return(&models.IngestResult{FarmID: farmID, ScenesProcessed: 2, RecommendationID: "rec-2"}, nil)

	svc := startService(t, repo, &recordingRenderer{})
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	type outcome struct {
		result *models.IngestResult
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		result, err := svc.RunPipeline(context.Background())
		finished <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return snapshot(t, svc).PipelineRunning }, 2*time.Second, 5*time.Millisecond)
	_, err := svc.RunPipeline(context.Background())
	assert.ErrorIs(t, err, ErrPipelineRunning)
	assert.Equal(t, "rec-1", snapshot(t, svc).Recommendation.ID, "no refresh before ingest completes")

	close(ingestRelease)
	out := <-finished
	require.NoError(t, out.err)
	assert.Equal(t, 2, out.result.ScenesProcessed)

	snap := snapshot(t, svc)
	assert.False(t, snap.PipelineRunning)
	assert.Equal(t, "rec-2", snap.Recommendation.ID)
	assert.Len(t, snap.Weather, 2)
	require.NotNil(t, snap.LastIngest)
	assert.Equal(t, StatusOK, snap.Branches[BranchPipeline].Status)

	var order []string
	for _, call := range repo.Calls {
		switch call.Method {
		case "TriggerIngest", "LatestRecommendation", "WeatherForecast":
			order = append(order, call.Method)
		}
	}
	require.Len(t, order, 5)
	assert.Equal(t, []string{"TriggerIngest", "LatestRecommendation", "WeatherForecast"}, order[2:])
}

func TestRunPipeline_IngestFailure(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	repo.On("TriggerIngest", mock.Anything, farmID).Return(nil, &repository.APIError{Message: "ingest exploded", StatusCode: 500})
	svc := startService(t, repo, &recordingRenderer{})
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	_, err := svc.RunPipeline(context.Background())

	require.Error(t, err)
	require.Eventually(t, func() bool { return !snapshot(t, svc).PipelineRunning }, 2*time.Second, 5*time.Millisecond)
	snap := snapshot(t, svc)
	require.NotNil(t, snap.Error)
	assert.Equal(t, BranchPipeline, snap.Error.Source)
	assert.Equal(t, "ingest exploded", snap.Error.Message)
	repo.AssertNumberOfCalls(t, "LatestRecommendation", 1)
}

func TestRunPipeline_RefreshFailure(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(repo *MockFarmRepository)
		failed     Branch
		message    string
		weatherRun int
	}{
		{
			name: "recommendation refresh fails",
			setup: func(repo *MockFarmRepository) {
				repo.On("LatestRecommendation", mock.Anything, farmID).
					Return(nil, &repository.APIError{Message: "recommendation service down", StatusCode: http.StatusServiceUnavailable})
				repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{}, nil)
			},
			failed:     BranchRecommendation,
			message:    "recommendation service down",
			weatherRun: 1,
		},
		{
			name: "weather refresh fails",
			setup: func(repo *MockFarmRepository) {
				repo.On("LatestRecommendation", mock.Anything, farmID).Return(&models.Recommendation{ID: "rec-2", FarmID: farmID}, nil)
				repo.On("WeatherForecast", mock.Anything, farmID).
					Return(nil, &repository.APIError{Message: "forecast provider timeout", StatusCode: http.StatusGatewayTimeout})
			},
			failed:     BranchWeather,
			message:    "forecast provider timeout",
			weatherRun: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockFarmRepository)
			repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
			repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1}, nil)
			repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{}, nil)
			repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
			repo.On("TriggerIngest", mock.Anything, farmID).Return(&models.IngestResult{FarmID: farmID, ScenesProcessed: 1}, nil)
			tt.setup(repo)

			svc := startService(t, repo, &recordingRenderer{})
			require.NoError(t, svc.Activate(context.Background()))
			waitIdle(t, svc)
			require.NoError(t, svc.DismissError(context.Background()))

			result, err := svc.RunPipeline(context.Background())

			require.Error(t, err)
			assert.Nil(t, result)
			var apiErr *repository.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.message, apiErr.Message)

			snap := waitIdle(t, svc)
			assert.False(t, snap.PipelineRunning)
			require.NotNil(t, snap.Error)
			assert.Equal(t, BranchPipeline, snap.Error.Source)
			assert.Equal(t, tt.message, snap.Error.Message)
			assert.Equal(t, StatusFailed, snap.Branches[BranchPipeline].Status)
			assert.Equal(t, StatusFailed, snap.Branches[tt.failed].Status)
			require.NotNil(t, snap.LastIngest, "ingest itself succeeded")
			repo.AssertNumberOfCalls(t, "WeatherForecast", tt.weatherRun)
		})
	}
}

func TestReload_RetriesAfterFailure(t *testing.T) {
	repo := new(MockFarmRepository)
	repo.On("ListFarms", mock.Anything).Return(nil, errors.New("connection refused")).Once()
	repo.On("ListFarms", mock.Anything).Return([]models.Farm{testFarm}, nil)
	repo.On("ListPaddocks", mock.Anything, farmID).Return([]models.Paddock{p1}, nil)
	repo.On("ListObservationDates", mock.Anything, farmID).Return([]string{}, nil)
	repo.On("LatestRecommendation", mock.Anything, farmID).Return(nil, &repository.APIError{StatusCode: http.StatusNotFound})
	repo.On("WeatherForecast", mock.Anything, farmID).Return([]models.WeatherDay{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	svc := startService(t, repo, &recordingRenderer{})

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)
	require.NotNil(t, snap.Error)

	require.NoError(t, svc.Reload(context.Background()))
	snap = waitIdle(t, svc)

	require.NotNil(t, snap.Farm)
	assert.Len(t, snap.Paddocks, 1)
	assert.Equal(t, StatusOK, snap.Branches[BranchFarm].Status)
}

func TestRendererDisposedIsTolerated(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)
	svc := startService(t, repo, &recordingRenderer{err: mapview.ErrDisposed})

	require.NoError(t, svc.Activate(context.Background()))
	snap := waitIdle(t, svc)

	assert.Nil(t, snap.Error)
	assert.Equal(t, 2, snap.Collection.Len())
}

func TestDisabledRendererKeepsDashboardWorking(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1", 0.2, 0.3), nil)
	repo.On("PaddockSeries", mock.Anything, "p-2").Return(seriesFor("p-2", 0.6), nil)

	renderer := mapview.NewRenderer(nil, mapview.Settings{FallbackCenter: testFarm.Center()}, logger.Nop())
	require.NoError(t, renderer.Initialize(context.Background(), "map", models.FeatureCollection{}, testFarm.Center()))
	require.Equal(t, mapview.StateDisabled, renderer.State())

	svc := startService(t, repo, renderer)
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)
	require.NoError(t, svc.SelectPaddock(context.Background(), "p-2"))
	snap := waitIdle(t, svc)

	assert.Nil(t, snap.Error)
	require.NotNil(t, snap.Series)
	assert.Equal(t, "p-2", snap.Series.PaddockID)

	view := renderer.View()
	assert.True(t, view.Fallback)
	assert.Equal(t, mapview.StateDisabled, view.State)
	assert.Equal(t, 2, view.Collection.Len())
}

func TestActivate_FarmLocationCentersFallbackMap(t *testing.T) {
	repo := happyRepo()
	repo.On("ObservationsByDate", mock.Anything, farmID, "2024-01-01").Return([]models.Observation{}, nil)
	repo.On("PaddockSeries", mock.Anything, "p-1").Return(seriesFor("p-1"), nil)

	configured := models.LngLat{170.5, -45.87}
	renderer := mapview.NewRenderer(nil, mapview.Settings{FallbackCenter: configured}, logger.Nop())
	require.NoError(t, renderer.Initialize(context.Background(), "map", models.FeatureCollection{}, models.LngLat{}))
	require.Equal(t, configured, renderer.View().Center)

	svc := startService(t, repo, renderer)
	require.NoError(t, svc.Activate(context.Background()))
	waitIdle(t, svc)

	view := renderer.View()
	assert.True(t, view.Fallback)
	assert.Equal(t, testFarm.Center(), view.Center)
}

func TestCallAfterStop(t *testing.T) {
	svc := NewDashboardService(new(MockFarmRepository), nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := svc.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

// waitFor blocks until ch closes, then gives the loop time to process
// whatever the closing goroutine posted.
func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mocked call")
	}
	time.Sleep(20 * time.Millisecond)
}
