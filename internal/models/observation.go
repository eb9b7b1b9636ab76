package models

// QualityFlag describes how trustworthy a satellite observation is.
type QualityFlag string

const (
	QualityOK     QualityFlag = "OK"
	QualityCloudy QualityFlag = "CLOUDY"
	QualityNoData QualityFlag = "NO_DATA"
)

// Observation is a paddock's vegetation reading for one calendar date.
// The date is implied by the query that produced it.
type Observation struct {
	CloudPct    *float64    `json:"cloud_pct,omitempty"`
	PaddockID   string      `json:"paddock_id"`
	PaddockName string      `json:"paddock_name,omitempty"`
	Bucket      Bucket      `json:"bucket"`
	QualityFlag QualityFlag `json:"quality_flag,omitempty"`
	NDVIMean    *float64    `json:"ndvi_mean"`
}

// ObservationDates is the payload of the observation dates endpoint.
type ObservationDates struct {
	Dates []string `json:"dates"`
}
