// Package rules implements the pure Rule Engine: given a
// session and its recent history, each Evaluator decides whether a
// configured Rule is violated. Nothing here touches the store or the cache —
// the Lifecycle Core supplies all inputs and persists the results.
package rules

import (
	"context"
	"math"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// Evaluator implements one rule type. Evaluate receives the rule to apply,
// and the result always carries the exact rule that produced it — callers
// never re-match results against the active rule list.
type Evaluator interface {
	Type() models.RuleType
	Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error)
}

// HaversineDistance calculates the great-circle distance in km between two
// lat/lng points.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func noViolation(rule *models.Rule) models.RuleResult {
	return models.RuleResult{Rule: rule, Violated: false}
}

func liveSessionsForUser(recent []models.Session, serverUserID, excludeID string) []models.Session {
	var out []models.Session
	for _, s := range recent {
		if s.ServerUserID != serverUserID || s.ID == excludeID {
			continue
		}
		if s.IsLive() {
			out = append(out, s)
		}
	}
	return out
}

func deviceKey(s *models.Session) string {
	return s.Player + "|" + s.Platform
}

func relatedIDs(sessions []models.Session, selfID string) []string {
	ids := make([]string, 0, len(sessions)+1)
	ids = append(ids, selfID)
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
