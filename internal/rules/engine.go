package rules

import (
	"context"
	"log"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// Engine dispatches each active rule to its registered Evaluator and
// collects the violated results.
type Engine struct {
	evaluators map[models.RuleType]Evaluator
}

// NewEngine builds an Engine with every known rule type registered.
func NewEngine(geo GeoResolver) *Engine {
	e := &Engine{evaluators: make(map[models.RuleType]Evaluator)}
	e.Register(NewImpossibleTravelEvaluator(geo))
	e.Register(NewSimultaneousLocationsEvaluator())
	e.Register(NewDeviceVelocityEvaluator())
	e.Register(NewConcurrentStreamsEvaluator())
	e.Register(NewGeoRestrictionEvaluator())
	e.Register(NewNewDeviceEvaluator())
	e.Register(NewNewLocationEvaluator())
	e.Register(NewISPVelocityEvaluator(geo))
	return e
}

func (e *Engine) Register(ev Evaluator) {
	e.evaluators[ev.Type()] = ev
}

// Evaluate runs every active rule applicable to session's owner against
// session and recent, returning only violated results.
// "Applicable" means global (ServerUserID == nil) or addressed to this
// session's server user (Rule.AppliesTo).
func (e *Engine) Evaluate(ctx context.Context, session *models.Session, activeRules []models.Rule, recent []models.Session) []models.RuleResult {
	if session == nil {
		return nil
	}
	var out []models.RuleResult
	for i := range activeRules {
		rule := &activeRules[i]
		if !rule.IsActive || !rule.AppliesTo(session.ServerUserID) {
			continue
		}
		ev, ok := e.evaluators[rule.Type]
		if !ok {
			continue
		}
		result, err := ev.Evaluate(ctx, rule, session, recent)
		if err != nil {
			log.Printf("rules: evaluating %s for rule %s: %v", rule.Type, rule.ID, err)
			continue
		}
		if result.Violated {
			out = append(out, result)
		}
	}
	return out
}
