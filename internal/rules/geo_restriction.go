package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type GeoRestrictionEvaluator struct{}

func NewGeoRestrictionEvaluator() *GeoRestrictionEvaluator {
	return &GeoRestrictionEvaluator{}
}

func (e *GeoRestrictionEvaluator) Type() models.RuleType {
	return models.RuleTypeGeoRestriction
}

// Evaluate violates when the ISO country of session's geo is in
// BlockedCountries.
func (e *GeoRestrictionEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.GeoRestrictionParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing geo_restriction parameters: %w", err)
	}

	country := strings.ToUpper(session.Country)
	if country == "" {
		return noViolation(rule), nil
	}

	for _, blocked := range params.BlockedCountries {
		if strings.EqualFold(blocked, country) {
			return models.RuleResult{
				Rule:     rule,
				Violated: true,
				Severity: rule.Type.DefaultSeverity(),
				Data: models.RuleResultData{
					Message: fmt.Sprintf("streaming from blocked country: %s", country),
					Extra: map[string]interface{}{
						"country":           country,
						"city":              session.City,
						"ip_address":        session.IPAddress,
						"blocked_countries": params.BlockedCountries,
					},
				},
			}, nil
		}
	}

	return noViolation(rule), nil
}
