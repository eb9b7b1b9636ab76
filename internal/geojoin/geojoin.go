// Package geojoin combines paddock boundaries with the observations of one
// date into the feature collection the map renders.
package geojoin

import (
	"github.com/stwalsh4118/paddockview/internal/models"
)

// Build returns one feature per paddock, in paddock order.
//
// Observations are keyed by paddock id; if the backend returns more than one
// row for a paddock the last one wins. Observations for paddocks not in the
// set are ignored, so every feature references a known paddock. Build keeps
// no state and performs no I/O.
func Build(paddocks []models.Paddock, observations []models.Observation) models.FeatureCollection {
	byPaddock := make(map[string]*models.Observation, len(observations))
	for i := range observations {
		byPaddock[observations[i].PaddockID] = &observations[i]
	}

	features := make([]models.Feature, 0, len(paddocks))
	for _, paddock := range paddocks {
		class := models.Classify(byPaddock[paddock.ID])
		features = append(features, models.Feature{
			Geometry: paddock.Geometry,
			Properties: models.FeatureProperties{
				ID:       paddock.ID,
				Name:     paddock.Name,
				Bucket:   class.Bucket,
				Fill:     class.Color,
				Measured: class.Measured,
			},
		})
	}

	return models.FeatureCollection{Features: features}
}

// DuplicateObservations returns the paddock ids that appear more than once in
// observations, in first-seen order. Callers use it to log backend anomalies.
func DuplicateObservations(observations []models.Observation) []string {
	seen := make(map[string]int, len(observations))
	var dups []string
	for _, obs := range observations {
		seen[obs.PaddockID]++
		if seen[obs.PaddockID] == 2 {
			dups = append(dups, obs.PaddockID)
		}
	}
	return dups
}
