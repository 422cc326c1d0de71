package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type NewLocationEvaluator struct{}

func NewNewLocationEvaluator() *NewLocationEvaluator {
	return &NewLocationEvaluator{}
}

func (e *NewLocationEvaluator) Type() models.RuleType {
	return models.RuleTypeNewLocation
}

// Evaluate violates (below the impossible-travel threshold) the first time
// a user streams from an IP/geo further than MinDistanceKm from every known
// prior location.
func (e *NewLocationEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.NewLocationParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing new_location parameters: %w", err)
	}
	params.Validate()

	if session.Lat == 0 && session.Lon == 0 {
		return noViolation(rule), nil
	}

	var known []models.Session
	for _, s := range recent {
		if s.ServerUserID != session.ServerUserID || s.ID == session.ID {
			continue
		}
		if session.IPAddress != "" && s.IPAddress == session.IPAddress {
			return noViolation(rule), nil
		}
		if s.Lat != 0 || s.Lon != 0 {
			known = append(known, s)
		}
	}

	// First observed location for this user: let them establish history.
	if len(known) == 0 {
		return noViolation(rule), nil
	}

	minDistance := -1.0
	for _, s := range known {
		dist := HaversineDistance(session.Lat, session.Lon, s.Lat, s.Lon)
		if minDistance < 0 || dist < minDistance {
			minDistance = dist
		}
	}

	if minDistance < params.MinDistanceKm {
		return noViolation(rule), nil
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: models.SeverityLow,
		Data: models.RuleResultData{
			Message: fmt.Sprintf("streaming from new location: %s, %s (%.0f km from nearest known location)", session.City, session.Country, minDistance),
			Extra: map[string]interface{}{
				"city":         session.City,
				"country":      session.Country,
				"min_distance": minDistance,
			},
		},
	}, nil
}
