package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type ISPVelocityEvaluator struct {
	geo GeoResolver
}

func NewISPVelocityEvaluator(geo GeoResolver) *ISPVelocityEvaluator {
	return &ISPVelocityEvaluator{geo: geo}
}

func (e *ISPVelocityEvaluator) Type() models.RuleType {
	return models.RuleTypeISPVelocity
}

// Evaluate is the AS-organization analogue of device_velocity: counts
// distinct ISPs used by this user within WindowHours; if it exceeds MaxISPs,
// it violates.
func (e *ISPVelocityEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.ISPVelocityParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing isp_velocity parameters: %w", err)
	}
	params.Validate()

	currentISP := e.ispFor(session.IPAddress)
	if currentISP == "" {
		return noViolation(rule), nil
	}

	cutoff := session.StartedAt.Add(-time.Duration(params.WindowHours) * time.Hour)
	isps := map[string]struct{}{currentISP: {}}
	for _, s := range recent {
		if s.ServerUserID != session.ServerUserID || s.ID == session.ID {
			continue
		}
		if s.StartedAt.Before(cutoff) {
			continue
		}
		if isp := e.ispFor(s.IPAddress); isp != "" {
			isps[isp] = struct{}{}
		}
	}

	if len(isps) <= params.MaxISPs {
		return noViolation(rule), nil
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: rule.Type.DefaultSeverity(),
		Data: models.RuleResultData{
			Message: fmt.Sprintf("%d distinct ISPs used in the past %d hour(s) (max: %d)", len(isps), params.WindowHours, params.MaxISPs),
			Extra: map[string]interface{}{
				"isp_count":    len(isps),
				"max_isps":     params.MaxISPs,
				"current_isp":  currentISP,
				"window_hours": params.WindowHours,
			},
		},
	}, nil
}

func (e *ISPVelocityEvaluator) ispFor(ip string) string {
	if e.geo == nil || ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	geo := e.geo.Lookup(parsed)
	if geo == nil {
		return ""
	}
	return geo.ISP
}
