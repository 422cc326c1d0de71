package rules

import (
	"context"
	"testing"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

func TestSimultaneousLocationsEvaluator_ViolatesFarApartLiveSessions(t *testing.T) {
	e := NewSimultaneousLocationsEvaluator()
	rule := ruleWith(models.RuleTypeSimultaneousLocs, models.SimultaneousLocationsParams{MinDistanceKm: 50})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.Lat, session.Lon = 37.77, -122.42

	other := sessionFor("s2", "u1", now)
	other.Lat, other.Lon = 40.71, -74.00

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{other})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Violated {
		t.Fatal("expected violation: two live sessions 4000+ km apart")
	}
	if result.Severity != models.SeverityWarning {
		t.Fatalf("expected warning severity, got %s", result.Severity)
	}
	if len(result.Data.RelatedSessionIDs) != 2 {
		t.Fatalf("expected 2 related session ids, got %v", result.Data.RelatedSessionIDs)
	}
}

func TestSimultaneousLocationsEvaluator_NoViolationWhenClose(t *testing.T) {
	e := NewSimultaneousLocationsEvaluator()
	rule := ruleWith(models.RuleTypeSimultaneousLocs, models.SimultaneousLocationsParams{MinDistanceKm: 50})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.Lat, session.Lon = 37.77, -122.42

	other := sessionFor("s2", "u1", now)
	other.Lat, other.Lon = 37.78, -122.43

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{other})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Violated {
		t.Fatal("expected no violation: sessions are within the same household")
	}
}

func TestSimultaneousLocationsEvaluator_IgnoresStoppedSessions(t *testing.T) {
	e := NewSimultaneousLocationsEvaluator()
	rule := ruleWith(models.RuleTypeSimultaneousLocs, models.SimultaneousLocationsParams{MinDistanceKm: 50})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.Lat, session.Lon = 37.77, -122.42

	stoppedAt := now
	other := sessionFor("s2", "u1", now)
	other.Lat, other.Lon = 40.71, -74.00
	other.StoppedAt = &stoppedAt

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{other})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Violated {
		t.Fatal("expected no violation: the other session is already stopped")
	}
}
