package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/models"
)

func seedRule(t *testing.T, s *Store, rt models.RuleType) *models.Rule {
	t.Helper()
	r := &models.Rule{Name: "rule-" + string(rt), Type: rt, IsActive: true}
	if err := s.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return r
}

func inTx(t *testing.T, s *Store, fn func(tx *sql.Tx)) {
	t.Helper()
	if err := s.WithSerializableTx(context.Background(), func(tx *sql.Tx) error {
		fn(tx)
		return nil
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestInsertViolationConflictAbsorbed(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	su := seedServerUser(t, s, srv.ID, "ext-1")
	sess := seedSession(t, s, srv.ID, su.ID, "K1", "R1", time.Now().UTC())
	rule := seedRule(t, s, models.RuleTypeGeoRestriction)

	v := &models.Violation{
		ID: uuid.NewString(), RuleID: rule.ID, RuleType: rule.Type,
		ServerUserID: su.ID, SessionID: sess.ID, Severity: models.SeverityHigh,
		Data: json.RawMessage(`{}`), CreatedAt: time.Now().UTC(),
	}
	inTx(t, s, func(tx *sql.Tx) {
		inserted, err := s.InsertViolationTx(ctx, tx, v)
		if err != nil || !inserted {
			t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
		}
	})

	dup := *v
	dup.ID = uuid.NewString()
	inTx(t, s, func(tx *sql.Tx) {
		inserted, err := s.InsertViolationTx(ctx, tx, &dup)
		if err != nil {
			t.Fatalf("duplicate insert errored instead of no-op: %v", err)
		}
		if inserted {
			t.Fatal("duplicate (user, type, session) must be absorbed by ON CONFLICT")
		}
	})
}

func TestRecentUnacknowledgedWindow(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	su := seedServerUser(t, s, srv.ID, "ext-1")
	rule := seedRule(t, s, models.RuleTypeConcurrentStreams)
	now := time.Now().UTC()

	mk := func(sessionKey string, createdAt time.Time, acked bool) {
		sess := seedSession(t, s, srv.ID, su.ID, sessionKey, "R1", createdAt.Add(-time.Minute))
		v := &models.Violation{
			ID: uuid.NewString(), RuleID: rule.ID, RuleType: rule.Type,
			ServerUserID: su.ID, SessionID: sess.ID, Severity: models.SeverityWarning,
			Data: json.RawMessage(`{}`), CreatedAt: createdAt,
		}
		if acked {
			at := createdAt.Add(time.Second)
			v.AcknowledgedAt = &at
		}
		inTx(t, s, func(tx *sql.Tx) {
			if _, err := s.InsertViolationTx(ctx, tx, v); err != nil {
				t.Fatal(err)
			}
		})
	}

	mk("K1", now.Add(-10*time.Minute), false) // outside window
	mk("K2", now.Add(-2*time.Minute), true)   // acknowledged
	mk("K3", now.Add(-1*time.Minute), false)  // in window

	inTx(t, s, func(tx *sql.Tx) {
		got, err := s.RecentUnacknowledgedTx(ctx, tx, su.ID, rule.Type, now.Add(-models.DedupWindow))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 violation inside the unacknowledged window, got %d", len(got))
		}
	})
}

func TestDecrementTrustScoreFloor(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	su := seedServerUser(t, s, srv.ID, "ext-1")

	var score int
	inTx(t, s, func(tx *sql.Tx) {
		var err error
		score, err = s.DecrementTrustScoreTx(ctx, tx, su.ID, 20)
		if err != nil {
			t.Fatal(err)
		}
	})
	if score != 80 {
		t.Fatalf("expected 80 after one high penalty, got %d", score)
	}

	for i := 0; i < 10; i++ {
		inTx(t, s, func(tx *sql.Tx) {
			var err error
			score, err = s.DecrementTrustScoreTx(ctx, tx, su.ID, 20)
			if err != nil {
				t.Fatal(err)
			}
		})
	}
	if score != 0 {
		t.Fatalf("trust score must floor at 0, got %d", score)
	}
}

func TestAcknowledgeViolation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	srv := seedServer(t, s)
	su := seedServerUser(t, s, srv.ID, "ext-1")
	sess := seedSession(t, s, srv.ID, su.ID, "K1", "R1", time.Now().UTC())
	rule := seedRule(t, s, models.RuleTypeDeviceVelocity)

	v := &models.Violation{
		ID: uuid.NewString(), RuleID: rule.ID, RuleType: rule.Type,
		ServerUserID: su.ID, SessionID: sess.ID, Severity: models.SeverityLow,
		Data: json.RawMessage(`{}`), CreatedAt: time.Now().UTC(),
	}
	inTx(t, s, func(tx *sql.Tx) {
		if _, err := s.InsertViolationTx(ctx, tx, v); err != nil {
			t.Fatal(err)
		}
	})

	if err := s.AcknowledgeViolation(ctx, v.ID, time.Now().UTC()); err != nil {
		t.Fatalf("AcknowledgeViolation: %v", err)
	}
	got, err := s.GetViolation(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AcknowledgedAt == nil {
		t.Fatal("expected acknowledged_at set")
	}

	// Second acknowledge is a no-op on an already-acknowledged row.
	if err := s.AcknowledgeViolation(ctx, v.ID, time.Now().UTC()); err != models.ErrNotFound {
		t.Fatalf("expected ErrNotFound on re-acknowledge, got %v", err)
	}
}

func TestAdvisoryLockSerializes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	key := AdvisoryLockKey("user-1", string(models.RuleTypeConcurrentStreams))
	var inside int
	var maxInside int
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			s.WithAdvisoryLock(key, func() error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				time.Sleep(2 * time.Millisecond)
				inside--
				return nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if maxInside != 1 {
		t.Fatalf("advisory lock admitted %d goroutines at once", maxInside)
	}
}
