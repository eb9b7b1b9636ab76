package models

import (
	"encoding/json"
	"fmt"
)

// PaddockSeries is the raw time-series payload for one paddock.
// Points arrive ordered by date ascending.
type PaddockSeries struct {
	Slope     *float64      `json:"slope,omitempty"`
	Direction *string       `json:"direction,omitempty"`
	PaddockID string        `json:"paddock_id"`
	Points    []SeriesPoint `json:"points"`
}

// SeriesPoint is one raw observation in a paddock series.
type SeriesPoint struct {
	ObsDate string  `json:"obs_date"`
	Value   float64 `json:"value"`
}

// UnmarshalJSON accepts the scalar either as "value" or as "ndvi_mean".
func (p *SeriesPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		ObsDate  string   `json:"obs_date"`
		Value    *float64 `json:"value"`
		NDVIMean *float64 `json:"ndvi_mean"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal series point: %w", err)
	}

	p.ObsDate = raw.ObsDate
	switch {
	case raw.Value != nil:
		p.Value = *raw.Value
	case raw.NDVIMean != nil:
		p.Value = *raw.NDVIMean
	default:
		return fmt.Errorf("series point %q has no value", raw.ObsDate)
	}
	return nil
}
