// Package trend turns a raw paddock series into chart-ready points.
package trend

import (
	"math"
	"time"

	"github.com/stwalsh4118/paddockview/internal/models"
)

// Precision is the number of decimal places kept for charted values.
const Precision = 3

// NDVI is bounded; values outside the domain are clamped.
const (
	MinValue = -1.0
	MaxValue = 1.0
)

// Chart y-axis domain.
const (
	AxisMin = 0.0
	AxisMax = 1.0
)

// Window is how many trailing points the fallback slope uses.
const Window = 3

// Direction thresholds in value units per day.
const (
	upAbove   = 0.001
	downBelow = -0.001
)

// Direction labels.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionFlat = "flat"
)

const dateLayout = "2006-01-02"

// Point is one charted (date, value) pair.
type Point struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Series is the chart state for one paddock.
// NoData is true when there is nothing to plot; the chart shows an explicit
// "no observations yet" state instead of empty axes.
type Series struct {
	Slope     *float64 `json:"slope,omitempty"`
	Direction *string  `json:"direction,omitempty"`
	PaddockID string   `json:"paddock_id"`
	Points    []Point  `json:"points"`
	AxisMin   float64  `json:"axis_min"`
	AxisMax   float64  `json:"axis_max"`
	NoData    bool     `json:"no_data"`
}

// Empty returns the no-data series for paddockID.
func Empty(paddockID string) Series {
	return Series{
		PaddockID: paddockID,
		Points:    []Point{},
		AxisMin:   AxisMin,
		AxisMax:   AxisMax,
		NoData:    true,
	}
}

// Project maps a raw series to chart points. Input order is preserved; the
// points are never sorted. Slope and direction come from the payload when
// present and are otherwise computed from the last Window points.
func Project(raw models.PaddockSeries) Series {
	if len(raw.Points) == 0 {
		return Empty(raw.PaddockID)
	}

	points := make([]Point, 0, len(raw.Points))
	for _, p := range raw.Points {
		points = append(points, Point{
			Date:  p.ObsDate,
			Value: Round(Clamp(p.Value)),
		})
	}

	slope := raw.Slope
	direction := raw.Direction
	if slope == nil {
		slope = Slope(raw.Points)
	}
	if direction == nil {
		direction = DirectionOf(slope)
	}

	return Series{
		Slope:     slope,
		Direction: direction,
		PaddockID: raw.PaddockID,
		Points:    points,
		AxisMin:   AxisMin,
		AxisMax:   AxisMax,
	}
}

// Round rounds v to Precision decimal places.
func Round(v float64) float64 {
	scale := math.Pow10(Precision)
	return math.Round(v*scale) / scale
}

// Clamp limits v to [MinValue, MaxValue].
func Clamp(v float64) float64 {
	return math.Max(MinValue, math.Min(MaxValue, v))
}

// Slope returns the change per day between the first and last of the trailing
// Window points, or nil if it cannot be computed.
func Slope(points []models.SeriesPoint) *float64 {
	if len(points) > Window {
		points = points[len(points)-Window:]
	}
	if len(points) < 2 {
		return nil
	}

	first, last := points[0], points[len(points)-1]
	start, err := time.Parse(dateLayout, first.ObsDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse(dateLayout, last.ObsDate)
	if err != nil {
		return nil
	}

	days := end.Sub(start).Hours() / 24
	if days <= 0 {
		return nil
	}

	slope := (last.Value - first.Value) / days
	return &slope
}

// DirectionOf labels a slope, or returns nil for a nil slope.
func DirectionOf(slope *float64) *string {
	if slope == nil {
		return nil
	}

	var d string
	switch {
	case *slope > upAbove:
		d = DirectionUp
	case *slope < downBelow:
		d = DirectionDown
	default:
		d = DirectionFlat
	}
	return &d
}
