package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type ConcurrentStreamsEvaluator struct{}

func NewConcurrentStreamsEvaluator() *ConcurrentStreamsEvaluator {
	return &ConcurrentStreamsEvaluator{}
}

func (e *ConcurrentStreamsEvaluator) Type() models.RuleType {
	return models.RuleTypeConcurrentStreams
}

// Evaluate violates when the count of live sessions for this user
// (including this one) exceeds MaxStreams; relatedSessionIds is the full
// live set.
func (e *ConcurrentStreamsEvaluator) Evaluate(ctx context.Context, rule *models.Rule, session *models.Session, recent []models.Session) (models.RuleResult, error) {
	var params models.ConcurrentStreamsParams
	if err := json.Unmarshal(rule.Parameters, &params); err != nil {
		return models.RuleResult{}, fmt.Errorf("parsing concurrent_streams parameters: %w", err)
	}
	params.Validate()

	others := liveSessionsForUser(recent, session.ServerUserID, session.ID)
	total := len(others) + 1
	if total <= params.MaxStreams {
		return noViolation(rule), nil
	}

	return models.RuleResult{
		Rule:     rule,
		Violated: true,
		Severity: rule.Type.DefaultSeverity(),
		Data: models.RuleResultData{
			Message:           fmt.Sprintf("%d concurrent streams detected (max: %d)", total, params.MaxStreams),
			RelatedSessionIDs: relatedIDs(others, session.ID),
			Extra: map[string]interface{}{
				"stream_count": total,
				"max_streams":  params.MaxStreams,
			},
		},
	}, nil
}
