package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type DeviceVelocityEvaluator struct{}

func NewDeviceVelocityEvaluator() *DeviceVelocityEvaluator {
	return &DeviceVelocityEvaluator{}
}

func (e *DeviceVelocityEvaluator) Type() models.RuleType {
	return models.RuleTypeDeviceVelocity
}

// Evaluate counts distinct IPs used by this user within WindowHours; if the
// count exceeds MaxIps, it violates.
func (e *DeviceVelocityEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.DeviceVelocityParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing device_velocity parameters: %w", err)
	}
	params.Validate()

	cutoff := session.StartedAt.Add(-time.Duration(params.WindowHours) * time.Hour)
	ips := map[string]struct{}{}
	if session.IPAddress != "" {
		ips[session.IPAddress] = struct{}{}
	}
	for _, s := range recent {
		if s.ServerUserID != session.ServerUserID || s.ID == session.ID {
			continue
		}
		if s.StartedAt.Before(cutoff) {
			continue
		}
		if s.IPAddress != "" {
			ips[s.IPAddress] = struct{}{}
		}
	}

	if len(ips) <= params.MaxIPs {
		return noViolation(rule), nil
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: rule.Type.DefaultSeverity(),
		Data: models.RuleResultData{
			Message: fmt.Sprintf("%d distinct IPs used in the past %d hour(s) (max: %d)", len(ips), params.WindowHours, params.MaxIPs),
			Extra: map[string]interface{}{
				"ip_count":     len(ips),
				"max_ips":      params.MaxIPs,
				"window_hours": params.WindowHours,
			},
		},
	}, nil
}
