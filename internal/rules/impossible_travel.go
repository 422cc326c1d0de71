package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/units"
)

// GeoResolver is consumed by evaluators that need a fresh lookup beyond the
// fingerprint already attached to a models.Session. Most evaluators never
// call it: the core trusts the adapter/geoip-normalized strings already on
// the session and never re-derives them. It
// exists so ISP-aware evaluators (isp_velocity) can resolve the ASN org for
// an IP that has no cached fingerprint yet. Matches internal/geoip.Resolver's
// signature exactly so that type satisfies it without an adapter.
type GeoResolver interface {
	Lookup(ip net.IP) *models.GeoResult
}

type ImpossibleTravelEvaluator struct {
	geo GeoResolver
}

func NewImpossibleTravelEvaluator(geo GeoResolver) *ImpossibleTravelEvaluator {
	return &ImpossibleTravelEvaluator{geo: geo}
}

func (e *ImpossibleTravelEvaluator) Type() models.RuleType {
	return models.RuleTypeImpossibleTravel
}

// Evaluate computes the great-circle distance between session's geo and the
// most recent prior session for the same user within params.WindowHours; if
// the required speed exceeds MaxSpeedKmh, it violates at the rule type's
// default severity. The severity does not vary with the size of the excess;
// the ratio is only recorded in the result data as excess_ratio.
func (e *ImpossibleTravelEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.ImpossibleTravelParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing impossible_travel parameters: %w", err)
	}
	params.Validate()

	if session.Lat == 0 && session.Lon == 0 {
		return noViolation(rule), nil
	}

	window := time.Duration(params.WindowHours) * time.Hour
	prior := mostRecentPriorSession(recent, session, window)
	if prior == nil || (prior.Lat == 0 && prior.Lon == 0) {
		return noViolation(rule), nil
	}

	elapsedHours := session.StartedAt.Sub(priorObservedAt(prior)).Hours()
	if elapsedHours <= 0 {
		return noViolation(rule), nil
	}

	distanceKm := HaversineDistance(prior.Lat, prior.Lon, session.Lat, session.Lon)
	requiredSpeedKmh := distanceKm / elapsedHours

	if requiredSpeedKmh <= params.MaxSpeedKmh {
		return noViolation(rule), nil
	}

	excess := requiredSpeedKmh / params.MaxSpeedKmh

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: rule.Type.DefaultSeverity(),
		Data: models.RuleResultData{
			Message: fmt.Sprintf("required speed %s exceeds max %s",
				units.FormatSpeed(requiredSpeedKmh, params.Units()),
				units.FormatSpeed(params.MaxSpeedKmh, params.Units())),
			RelatedSessionIDs: []string{prior.ID, session.ID},
			Extra: map[string]interface{}{
				"distance_km":        distanceKm,
				"required_speed_kmh": requiredSpeedKmh,
				"max_speed_kmh":      params.MaxSpeedKmh,
				"excess_ratio":       excess,
			},
		},
	}, nil
}

// mostRecentPriorSession returns the most recent session for the same user
// (other than this one), observed before session and within window, ignoring
// sessions without a usable geo fix.
func mostRecentPriorSession(recent []models.Session, session *models.Session, window time.Duration) *models.Session {
	var best *models.Session
	var bestAt time.Time
	cutoff := session.StartedAt.Add(-window)
	for i := range recent {
		c := &recent[i]
		if c.ID == session.ID || c.ServerUserID != session.ServerUserID {
			continue
		}
		observedAt := priorObservedAt(c)
		if !observedAt.Before(session.StartedAt) || observedAt.Before(cutoff) {
			continue
		}
		if best == nil || observedAt.After(bestAt) {
			best = c
			bestAt = observedAt
		}
	}
	return best
}

func priorObservedAt(s *models.Session) time.Time {
	if s.StoppedAt != nil {
		return *s.StoppedAt
	}
	return s.LastSeenAt
}
