package models

import (
	"time"
)

// Recommendation is the latest farm-wide advisory.
type Recommendation struct {
	CreatedAt              time.Time               `json:"created_at"`
	ID                     string                  `json:"id"`
	FarmID                 string                  `json:"farm_id"`
	WeekStart              string                  `json:"created_for_week_start"`
	Summary                string                  `json:"summary_md"`
	PaddockRecommendations []PaddockRecommendation `json:"paddock_recommendations"`
}

// PaddockRecommendation is one per-paddock advisory row.
type PaddockRecommendation struct {
	PaddockID string `json:"paddock_id"`
	RecType   string `json:"rec_type"`
	Message   string `json:"message"`
	Severity  string `json:"severity,omitempty"`
}

// ForPaddock returns the first row for paddockID, if any.
func (r *Recommendation) ForPaddock(paddockID string) (PaddockRecommendation, bool) {
	if r == nil || paddockID == "" {
		return PaddockRecommendation{}, false
	}
	for _, row := range r.PaddockRecommendations {
		if row.PaddockID == paddockID {
			return row, true
		}
	}
	return PaddockRecommendation{}, false
}

// WeatherDay is one day of the farm forecast.
type WeatherDay struct {
	Date     string  `json:"date"`
	Source   string  `json:"source,omitempty"`
	RainMM   float64 `json:"rain_mm"`
	TempMinC float64 `json:"temp_min_c"`
	TempMaxC float64 `json:"temp_max_c"`
	WindKPH  float64 `json:"wind_kph,omitempty"`
}

// IngestResult is the payload returned when the pipeline job completes.
type IngestResult struct {
	FarmID           string `json:"farm_id"`
	RecommendationID string `json:"recommendation_id"`
	ScenesProcessed  int    `json:"scenes_processed"`
	WeatherDays      int    `json:"weather_days"`
}
