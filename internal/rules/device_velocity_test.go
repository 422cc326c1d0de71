package rules

import (
	"context"
	"testing"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

func TestDeviceVelocityEvaluator_ViolatesOverMaxIPs(t *testing.T) {
	e := NewDeviceVelocityEvaluator()
	rule := ruleWith(models.RuleTypeDeviceVelocity, models.DeviceVelocityParams{MaxIPs: 2, WindowHours: 1})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.IPAddress = "10.0.0.3"

	s1 := sessionFor("s2", "u1", now.Add(-10*time.Minute))
	s1.IPAddress = "10.0.0.1"
	s2 := sessionFor("s3", "u1", now.Add(-5*time.Minute))
	s2.IPAddress = "10.0.0.2"

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{s1, s2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Violated {
		t.Fatal("expected violation: 3 distinct IPs within window, max 2")
	}
	if result.Severity != models.SeverityLow {
		t.Fatalf("expected low severity, got %s", result.Severity)
	}
}

func TestDeviceVelocityEvaluator_IgnoresIPsOutsideWindow(t *testing.T) {
	e := NewDeviceVelocityEvaluator()
	rule := ruleWith(models.RuleTypeDeviceVelocity, models.DeviceVelocityParams{MaxIPs: 1, WindowHours: 1})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.IPAddress = "10.0.0.1"

	stale := sessionFor("s2", "u1", now.Add(-2*time.Hour))
	stale.IPAddress = "10.0.0.2"

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{stale})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Violated {
		t.Fatal("expected no violation: the other IP is outside the window")
	}
}

func TestDeviceVelocityEvaluator_DedupesRepeatedIP(t *testing.T) {
	e := NewDeviceVelocityEvaluator()
	rule := ruleWith(models.RuleTypeDeviceVelocity, models.DeviceVelocityParams{MaxIPs: 1, WindowHours: 1})
	now := time.Now()

	session := sessionFor("s1", "u1", now)
	session.IPAddress = "10.0.0.1"

	same := sessionFor("s2", "u1", now.Add(-10*time.Minute))
	same.IPAddress = "10.0.0.1"

	result, err := e.Evaluate(context.Background(), rule, &session, []models.Session{same})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Violated {
		t.Fatal("expected no violation: same IP counted once")
	}
}
