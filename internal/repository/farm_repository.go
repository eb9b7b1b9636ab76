package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stwalsh4118/paddockview/internal/models"
)

// maxErrorBody caps how much of a non-2xx body becomes the error message.
const maxErrorBody = 4 << 10

// APIError is returned for a non-2xx backend response.
// Message is the response body text, which is what the dashboard shows.
type APIError struct {
	Method     string
	Path       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// FarmRepository defines read access to the farm backend plus the ingest trigger.
// Every method returns an *APIError for non-2xx responses and a wrapped
// transport error otherwise.
type FarmRepository interface {
	// ListFarms returns all farms in backend order.
	ListFarms(ctx context.Context) ([]models.Farm, error)

	// ListPaddocks returns a farm's paddocks in backend order.
	ListPaddocks(ctx context.Context, farmID string) ([]models.Paddock, error)

	// ListObservationDates returns the dates with observations, source order preserved.
	ListObservationDates(ctx context.Context, farmID string) ([]string, error)

	// ObservationsByDate returns the observations of one calendar date.
	ObservationsByDate(ctx context.Context, farmID, date string) ([]models.Observation, error)

	// PaddockSeries returns one paddock's observation series, ascending by date.
	PaddockSeries(ctx context.Context, paddockID string) (*models.PaddockSeries, error)

	// WeatherForecast returns the farm forecast.
	WeatherForecast(ctx context.Context, farmID string) ([]models.WeatherDay, error)

	// LatestRecommendation returns the newest recommendation.
	// The backend answers 404 when none has been generated yet.
	LatestRecommendation(ctx context.Context, farmID string) (*models.Recommendation, error)

	// TriggerIngest runs the ingest pipeline and returns once it has finished.
	TriggerIngest(ctx context.Context, farmID string) (*models.IngestResult, error)

	// Ping checks that the backend health endpoint answers 2xx.
	Ping(ctx context.Context) error
}

// envelope is the backend response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// farmRepository is the HTTP implementation of FarmRepository.
type farmRepository struct {
	baseURL      string
	httpClient   *http.Client
	ingestClient *http.Client
}

// NewFarmRepository creates a FarmRepository for the backend at baseURL,
// e.g. "http://localhost:8000/api/v1". The ingest job runs synchronously on
// the backend, so TriggerIngest gets its own ingestTimeout.
func NewFarmRepository(baseURL string, timeout, ingestTimeout time.Duration) FarmRepository {
	return &farmRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		ingestClient: &http.Client{
			Timeout: ingestTimeout,
		},
	}
}

func (r *farmRepository) ListFarms(ctx context.Context) ([]models.Farm, error) {
	var farms []models.Farm
	if err := r.get(ctx, "/farms", nil, &farms); err != nil {
		return nil, err
	}
	return nonNil(farms), nil
}

func (r *farmRepository) ListPaddocks(ctx context.Context, farmID string) ([]models.Paddock, error) {
	var paddocks []models.Paddock
	if err := r.get(ctx, "/farms/"+url.PathEscape(farmID)+"/paddocks", nil, &paddocks); err != nil {
		return nil, err
	}
	return nonNil(paddocks), nil
}

func (r *farmRepository) ListObservationDates(ctx context.Context, farmID string) ([]string, error) {
	var payload models.ObservationDates
	if err := r.get(ctx, "/farms/"+url.PathEscape(farmID)+"/observations/dates", nil, &payload); err != nil {
		return nil, err
	}
	return nonNil(payload.Dates), nil
}

func (r *farmRepository) ObservationsByDate(ctx context.Context, farmID, date string) ([]models.Observation, error) {
	query := url.Values{}
	query.Set("date", date)

	var observations []models.Observation
	if err := r.get(ctx, "/farms/"+url.PathEscape(farmID)+"/observations", query, &observations); err != nil {
		return nil, err
	}
	return nonNil(observations), nil
}

func (r *farmRepository) PaddockSeries(ctx context.Context, paddockID string) (*models.PaddockSeries, error) {
	var series models.PaddockSeries
	if err := r.get(ctx, "/paddocks/"+url.PathEscape(paddockID)+"/observations", nil, &series); err != nil {
		return nil, err
	}
	if series.PaddockID == "" {
		series.PaddockID = paddockID
	}
	series.Points = nonNil(series.Points)
	return &series, nil
}

func (r *farmRepository) WeatherForecast(ctx context.Context, farmID string) ([]models.WeatherDay, error) {
	var days []models.WeatherDay
	if err := r.get(ctx, "/farms/"+url.PathEscape(farmID)+"/weather/forecast", nil, &days); err != nil {
		return nil, err
	}
	return nonNil(days), nil
}

func (r *farmRepository) LatestRecommendation(ctx context.Context, farmID string) (*models.Recommendation, error) {
	var rec *models.Recommendation
	if err := r.get(ctx, "/farms/"+url.PathEscape(farmID)+"/recommendations/latest", nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *farmRepository) TriggerIngest(ctx context.Context, farmID string) (*models.IngestResult, error) {
	var result models.IngestResult
	if err := r.do(ctx, r.ingestClient, http.MethodPost, "/farms/"+url.PathEscape(farmID)+"/jobs/ingest", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *farmRepository) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Method:     http.MethodGet,
			Path:       "/health",
			Message:    fmt.Sprintf("backend unhealthy: %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

func (r *farmRepository) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return r.do(ctx, r.httpClient, http.MethodGet, path, query, out)
}

// do issues one request and decodes the envelope's data member into out.
// A 204 response, or an envelope without data, leaves out untouched.
func (r *farmRepository) do(ctx context.Context, client *http.Client, method, path string, query url.Values, out interface{}) error {
	target := r.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := strings.TrimSpace(string(text))
		if message == "" {
			message = fmt.Sprintf("Request failed: %d", resp.StatusCode)
		}
		return &APIError{
			Method:     method,
			Path:       path,
			Message:    message,
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
