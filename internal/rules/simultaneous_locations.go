package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/units"
)

type SimultaneousLocationsEvaluator struct{}

func NewSimultaneousLocationsEvaluator() *SimultaneousLocationsEvaluator {
	return &SimultaneousLocationsEvaluator{}
}

func (e *SimultaneousLocationsEvaluator) Type() models.RuleType {
	return models.RuleTypeSimultaneousLocs
}

// Evaluate violates when this user has ≥2 currently live sessions whose
// pairwise geo-distance is ≥ MinDistanceKm; relatedSessionIds is the full
// live set.
func (e *SimultaneousLocationsEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.SimultaneousLocationsParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing simultaneous_locations parameters: %w", err)
	}
	params.Validate()

	others := liveSessionsForUser(recent, session.ServerUserID, session.ID)
	if len(others) == 0 {
		return noViolation(rule), nil
	}

	live := append([]models.Session{*session}, others...)

	maxDistance := 0.0
	var far1, far2 *models.Session
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := &live[i], &live[j]
			if a.Lat == 0 && a.Lon == 0 {
				continue
			}
			if b.Lat == 0 && b.Lon == 0 {
				continue
			}
			dist := HaversineDistance(a.Lat, a.Lon, b.Lat, b.Lon)
			if dist > maxDistance {
				maxDistance = dist
				far1, far2 = a, b
			}
		}
	}

	if maxDistance < params.MinDistanceKm {
		return noViolation(rule), nil
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: rule.Type.DefaultSeverity(),
		Data: models.RuleResultData{
			Message: fmt.Sprintf("streaming from %d locations simultaneously (%s apart)",
				len(live), units.FormatDistance(maxDistance, params.Units())),
			RelatedSessionIDs: relatedIDs(others, session.ID),
			Extra: map[string]interface{}{
				"max_distance_km": maxDistance,
				"location_1":      map[string]interface{}{"city": far1.City, "country": far1.Country, "ip_address": far1.IPAddress},
				"location_2":      map[string]interface{}{"city": far2.City, "country": far2.Country, "ip_address": far2.IPAddress},
			},
		},
	}, nil
}
