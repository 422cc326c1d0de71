// Package violations is the Violation Recorder: deduplicated
// insert + trust-score decrement inside the Lifecycle Core's transaction, and
// post-commit broadcast + notification enqueue. Only the transaction-aware
// path exists; there is no out-of-transaction recorder.
package violations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/store"
)

// Notification is what the recorder hands to the durable notification queue.
// Channel dispatch (email, webhooks) is out of scope; the core only enqueues.
type Notification struct {
	ViolationID string          `json:"violation_id"`
	RuleName    string          `json:"rule_name"`
	RuleType    models.RuleType `json:"rule_type"`
	Severity    models.Severity `json:"severity"`
	Username    string          `json:"username"`
	ServerName  string          `json:"server_name"`
	Message     string          `json:"message"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NotificationEnqueuer is the durable-queue sink. A nil
// enqueuer disables notifications without affecting lifecycle correctness.
type NotificationEnqueuer interface {
	EnqueueViolation(ctx context.Context, n Notification) error
}

type Recorder struct {
	store  *store.Store
	cache  *cache.Cache
	notify NotificationEnqueuer
}

func NewRecorder(s *store.Store, c *cache.Cache, notify NotificationEnqueuer) *Recorder {
	return &Recorder{store: s, cache: c, notify: notify}
}

// InsertResult is one successfully recorded violation, carried out of the
// transaction for the post-commit broadcast.
type InsertResult struct {
	Violation     models.Violation
	Rule          *models.Rule
	Message       string
	NewTrustScore int
}

// IsDuplicateInTx reads the 5-minute unacknowledged window for
// (serverUserID, ruleType) and decides whether a violation triggered by
// triggeringSessionID with relatedSessionIDs would duplicate an existing
// one. Callers hold the advisory lock for multi-session types.
func (r *Recorder) IsDuplicateInTx(ctx context.Context, tx *sql.Tx, serverUserID string, ruleType models.RuleType, triggeringSessionID string, relatedSessionIDs []string, now time.Time) (bool, error) {
	window, err := r.store.RecentUnacknowledgedTx(ctx, tx, serverUserID, ruleType, now.Add(-models.DedupWindow))
	if err != nil {
		return false, err
	}
	if len(window) == 0 {
		return false, nil
	}

	if !ruleType.MultiSession() {
		for _, v := range window {
			if v.SessionID == triggeringSessionID {
				return true, nil
			}
		}
		return false, nil
	}

	related := make(map[string]struct{}, len(relatedSessionIDs)+1)
	related[triggeringSessionID] = struct{}{}
	for _, id := range relatedSessionIDs {
		related[id] = struct{}{}
	}
	for _, v := range window {
		// The existing violation's triggering session appears in this call's set.
		if _, ok := related[v.SessionID]; ok {
			return true, nil
		}
		var data models.RuleResultData
		if err := json.Unmarshal(v.Data, &data); err != nil {
			log.Printf("violations: undecodable data on violation %s: %v", v.ID, err)
			continue
		}
		// This call's triggering session appears in the existing set, or the
		// two related sets overlap.
		for _, id := range data.RelatedSessionIDs {
			if _, ok := related[id]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// CreateInTx inserts the violation and decrements the user's trust score by
// the severity penalty, all inside tx. Returns nil (not an error) when the
// unique constraint absorbed the insert — the dedup race lost, nothing to
// broadcast.
func (r *Recorder) CreateInTx(ctx context.Context, tx *sql.Tx, rule *models.Rule, serverUserID, sessionID string, result models.RuleResult, now time.Time) (*InsertResult, error) {
	severity := result.Severity
	if !severity.Valid() {
		severity = rule.Type.DefaultSeverity()
	}
	data, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal violation data: %w", err)
	}
	v := models.Violation{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleType:     rule.Type,
		ServerUserID: serverUserID,
		SessionID:    sessionID,
		Severity:     severity,
		Data:         data,
		CreatedAt:    now,
	}
	inserted, err := r.store.InsertViolationTx(ctx, tx, &v)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	score, err := r.store.DecrementTrustScoreTx(ctx, tx, serverUserID, severity.TrustPenalty())
	if err != nil {
		return nil, err
	}
	return &InsertResult{
		Violation:     v,
		Rule:          rule,
		Message:       result.Data.Message,
		NewTrustScore: score,
	}, nil
}

// RecordResultsInTx runs the dedup-then-insert sequence for every violated
// result, inside tx. The rule a result carries is always the rule that
// produced it — results are never re-matched against the active rule list.
// Multi-session types take the advisory lock before the window read so two
// transactions cannot both observe an empty window.
func (r *Recorder) RecordResultsInTx(ctx context.Context, tx *sql.Tx, serverUserID, sessionID string, results []models.RuleResult, now time.Time) ([]InsertResult, error) {
	var out []InsertResult
	for _, result := range results {
		if !result.Violated || result.Rule == nil {
			continue
		}
		rule := result.Rule
		record := func() error {
			dup, err := r.IsDuplicateInTx(ctx, tx, serverUserID, rule.Type, sessionID, result.Data.RelatedSessionIDs, now)
			if err != nil {
				return err
			}
			if dup {
				return nil
			}
			res, err := r.CreateInTx(ctx, tx, rule, serverUserID, sessionID, result, now)
			if err != nil {
				return err
			}
			if res != nil {
				out = append(out, *res)
			}
			return nil
		}

		var err error
		if rule.Type.MultiSession() {
			err = r.store.WithAdvisoryLock(store.AdvisoryLockKey(serverUserID, string(rule.Type)), record)
		} else {
			err = record()
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BroadcastPayload is the violation:new wire shape: the violation joined to
// user/rule/server detail.
type BroadcastPayload struct {
	models.Violation
	RuleName   string `json:"rule_name"`
	Username   string `json:"username"`
	ServerName string `json:"server_name"`
	TrustScore int    `json:"trust_score"`
	Message    string `json:"message,omitempty"`
}

// Broadcast publishes violation:new and enqueues one notification per
// recorded result. Strictly post-commit; failures here are logged and never
// undo the committed rows.
func (r *Recorder) Broadcast(ctx context.Context, results []InsertResult) {
	for _, res := range results {
		serverUser, err := r.store.GetServerUser(ctx, res.Violation.ServerUserID)
		if err != nil {
			log.Printf("violations: loading server user %s for broadcast: %v", res.Violation.ServerUserID, err)
			continue
		}
		serverName := ""
		if srv, err := r.store.GetServer(ctx, serverUser.ServerID); err == nil {
			serverName = srv.Name
		}

		payload := BroadcastPayload{
			Violation:  res.Violation,
			RuleName:   res.Rule.Name,
			Username:   serverUser.Username,
			ServerName: serverName,
			TrustScore: res.NewTrustScore,
			Message:    res.Message,
		}
		if err := r.cache.Publish(ctx, cache.TopicViolationNew, payload); err != nil {
			log.Printf("violations: publishing violation %s: %v", res.Violation.ID, err)
		}
		if r.notify == nil {
			continue
		}
		n := Notification{
			ViolationID: res.Violation.ID,
			RuleName:    res.Rule.Name,
			RuleType:    res.Violation.RuleType,
			Severity:    res.Violation.Severity,
			Username:    serverUser.Username,
			ServerName:  serverName,
			Message:     res.Message,
			CreatedAt:   res.Violation.CreatedAt,
		}
		if err := r.notify.EnqueueViolation(ctx, n); err != nil {
			log.Printf("violations: enqueueing notification for %s: %v", res.Violation.ID, err)
		}
	}
}
