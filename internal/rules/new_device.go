package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type NewDeviceEvaluator struct{}

func NewNewDeviceEvaluator() *NewDeviceEvaluator {
	return &NewDeviceEvaluator{}
}

func (e *NewDeviceEvaluator) Type() models.RuleType {
	return models.RuleTypeNewDevice
}

// Evaluate violates (at low severity, informational) the first time a
// player/platform combination is seen for a user within the configured
// window.
func (e *NewDeviceEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.NewDeviceParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing new_device parameters: %w", err)
	}
	params.Validate()

	key := deviceKey(session)
	cutoff := session.StartedAt.AddDate(0, 0, -params.WindowDays)

	for _, s := range recent {
		if s.ServerUserID != session.ServerUserID || s.ID == session.ID {
			continue
		}
		if s.StartedAt.Before(cutoff) {
			continue
		}
		if deviceKey(&s) == key {
			return noViolation(rule), nil
		}
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: models.SeverityLow,
		Data: models.RuleResultData{
			Message: fmt.Sprintf("streaming from new device: %s (%s)", session.Player, session.Platform),
			Extra: map[string]interface{}{
				"player":   session.Player,
				"platform": session.Platform,
			},
		},
	}, nil
}
