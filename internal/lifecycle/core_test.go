package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/rules"
	"github.com/ydkmlt84/tracearr/internal/store"
	"github.com/ydkmlt84/tracearr/internal/violations"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *store.Store
	cache  *cache.Cache
	core   *Core
	clock  *testClock
	server *models.Server
	user   *models.ServerUser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	ch := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { ch.Close() })

	ctx := context.Background()
	srv := &models.Server{Name: "plex-main", Variant: models.ServerVariantPlex, BaseURL: "http://p", AccessToken: "t"}
	if err := s.CreateServer(ctx, srv); err != nil {
		t.Fatal(err)
	}
	users, err := s.CreateServerUsersBatch(ctx, []store.NewServerUser{
		{ServerID: srv.ID, ExternalID: "e1", Username: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := rules.NewEngine(nil)
	recorder := violations.NewRecorder(s, ch, nil)
	core := NewCore(s, ch, engine, recorder, WithClock(clock.Now))

	return &fixture{store: s, cache: ch, core: core, clock: clock, server: srv, user: &users[0]}
}

func (f *fixture) processed(sessionKey, ratingKey string, state models.SessionState, progressMs, totalMs int64) models.ProcessedSession {
	return models.ProcessedSession{
		ObservedSession: models.ObservedSession{
			SessionKey: sessionKey, RatingKey: ratingKey,
			ExternalUserID: f.user.ExternalID, Username: f.user.Username,
			MediaTitle: "The Thing", MediaType: models.MediaTypeMovie,
			State: state, ProgressMs: progressMs, TotalDurationMs: totalMs,
		},
		Quality: "1080p",
	}
}

func (f *fixture) create(t *testing.T, p models.ProcessedSession, recent []models.Session, activeRules []models.Rule) *CreateResult {
	t.Helper()
	res, err := f.core.CreateSessionWithRules(context.Background(), p, f.server, f.user, nil, activeRules, recent)
	if err != nil {
		t.Fatalf("CreateSessionWithRules: %v", err)
	}
	return res
}

func (f *fixture) seedRule(t *testing.T, rt models.RuleType, params string) models.Rule {
	t.Helper()
	r := &models.Rule{Name: "r-" + string(rt), Type: rt, IsActive: true, Parameters: json.RawMessage(params)}
	if err := f.store.CreateRule(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return *r
}

// Scenario 1: push start at t=0, gone from the poll at t=300s.
func TestHappyPathCreateStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, f.processed("S1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	sess := res.Session
	if sess.State != models.SessionStatePlaying || sess.ReferenceID != nil {
		t.Fatalf("unexpected created session: %+v", sess)
	}

	f.clock.Advance(5 * time.Minute)
	outcome, err := f.core.StopSessionAtomic(ctx, sess, f.clock.Now(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.WasUpdated {
		t.Fatal("expected this stop to win")
	}
	if outcome.DurationMs != 300_000 {
		t.Fatalf("expected durationMs=300000, got %d", outcome.DurationMs)
	}
	if outcome.Watched {
		t.Fatal("5% progress must not be watched")
	}
	if outcome.ShortSession {
		t.Fatal("300s clears the engagement threshold")
	}
}

// Scenario 2: play 60s, pause 60s, play 120s, stop.
func TestPauseResumeAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, f.processed("S1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	sess := res.Session

	f.clock.Advance(time.Minute)
	updated, err := f.core.UpdateExistingSession(ctx, sess,
		f.processed("S1", "R1", models.SessionStatePaused, 60_000, 6_000_000),
		models.SessionStatePaused, f.server.Name, f.user.Username)
	if err != nil || updated == nil {
		t.Fatalf("pause update: %v %v", updated, err)
	}
	if updated.LastPausedAt == nil {
		t.Fatal("paused session must carry last_paused_at")
	}

	f.clock.Advance(time.Minute)
	updated, err = f.core.UpdateExistingSession(ctx, updated,
		f.processed("S1", "R1", models.SessionStatePlaying, 60_000, 6_000_000),
		models.SessionStatePlaying, f.server.Name, f.user.Username)
	if err != nil || updated == nil {
		t.Fatalf("resume update: %v %v", updated, err)
	}
	if updated.PausedDurationMs != 60_000 {
		t.Fatalf("expected 60000ms paused, got %d", updated.PausedDurationMs)
	}
	if updated.LastPausedAt != nil {
		t.Fatal("resumed session must clear last_paused_at")
	}

	f.clock.Advance(2 * time.Minute)
	outcome, err := f.core.StopSessionAtomic(ctx, updated, f.clock.Now(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.DurationMs != 180_000 {
		t.Fatalf("expected durationMs=180000, got %d", outcome.DurationMs)
	}

	row, err := f.store.GetSession(ctx, updated.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.PausedDurationMs != 60_000 {
		t.Fatalf("persisted pausedDurationMs=%d, want 60000", row.PausedDurationMs)
	}
}

// Scenario 3: same content re-observed under a new session key while the old
// session is live — a quality change linking the successor to the root.
func TestQualityChangeContinuity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, f.processed("K1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)

	f.clock.Advance(30 * time.Second)
	pb := f.processed("K2", "R1", models.SessionStatePlaying, 30_000, 6_000_000)
	pb.Quality = "4K"
	b := f.create(t, pb, nil, nil)

	if b.QualityChange == nil {
		t.Fatal("expected quality change report")
	}
	if b.QualityChange.PreviousSessionID != a.Session.ID {
		t.Fatalf("quality change should reference %s, got %s", a.Session.ID, b.QualityChange.PreviousSessionID)
	}
	if b.Session.ReferenceID == nil || *b.Session.ReferenceID != a.Session.ID {
		t.Fatalf("successor must point at chain root %s, got %v", a.Session.ID, b.Session.ReferenceID)
	}

	old, err := f.store.GetSession(ctx, a.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.StoppedAt == nil {
		t.Fatal("prior session must be stopped by the quality change")
	}
	if old.Watched {
		t.Fatal("preserveWatched must keep the prior session unwatched at 0% progress")
	}

	// A third hop chains to the root, not the intermediate.
	f.clock.Advance(30 * time.Second)
	pc := f.processed("K3", "R1", models.SessionStatePlaying, 60_000, 6_000_000)
	c := f.create(t, pc, nil, nil)
	if c.Session.ReferenceID == nil || *c.Session.ReferenceID != a.Session.ID {
		t.Fatalf("chain follower must point at root %s, got %v", a.Session.ID, c.Session.ReferenceID)
	}
}

// Scenario 4: same session key switches content; no continuity link.
func TestMediaChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, f.processed("K", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)

	f.clock.Advance(50 * time.Second)
	res, err := f.core.HandleMediaChange(ctx, a.Session,
		f.processed("K", "R2", models.SessionStatePlaying, 0, 3_000_000),
		f.server, f.user, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected media change to proceed")
	}
	if res.Created.Session.SessionKey != "K" || res.Created.Session.RatingKey != "R2" {
		t.Fatalf("unexpected successor: %+v", res.Created.Session)
	}
	if res.Created.Session.ReferenceID != nil {
		t.Fatal("media change must not link a continuity chain")
	}

	old, _ := f.store.GetSession(ctx, a.Session.ID)
	if old.StoppedAt == nil {
		t.Fatal("prior session must be stopped")
	}

	// Racing media change against an already-stopped session is a no-op.
	res2, err := f.core.HandleMediaChange(ctx, a.Session,
		f.processed("K", "R3", models.SessionStatePlaying, 0, 0),
		f.server, f.user, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res2 != nil {
		t.Fatal("media change on stopped session must return nil")
	}
}

// Scenario 5: two concurrent creates for one user with maxStreams=1 produce
// exactly one violation and exactly one 10-point decrement.
func TestConcurrentStreamsViolationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.seedRule(t, models.RuleTypeConcurrentStreams, `{"max_streams": 1}`)
	activeRules := []models.Rule{rule}

	// An established live session the two racers both observe.
	base := f.create(t, f.processed("K0", "R0", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	recent := []models.Session{*base.Session}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var violationCount int
	for _, key := range []string{"K1", "K2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := f.core.CreateUnderLock(ctx,
				f.processed(key, "R-"+key, models.SessionStatePlaying, 0, 6_000_000),
				f.server, f.user, nil, activeRules, recent)
			if err != nil && !errors.Is(err, ErrLockNotAcquired) {
				t.Error(err)
				return
			}
			if res != nil {
				mu.Lock()
				violationCount += len(res.Violations)
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	if violationCount != 1 {
		t.Fatalf("expected exactly one violation across racers, got %d", violationCount)
	}
	user, err := f.store.GetServerUser(ctx, f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if user.TrustScore != 90 {
		t.Fatalf("warning penalty must apply exactly once, score %d", user.TrustScore)
	}
}

// Scenario 6: SF -> NYC in five minutes violates impossible_travel as high.
func TestImpossibleTravelViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.seedRule(t, models.RuleTypeImpossibleTravel, `{"max_speed_kmh": 500}`)
	activeRules := []models.Rule{rule}

	sf := f.create(t, f.processed("K1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	// Give the prior session its SF geo fix directly; the fixture creates
	// sessions without a resolver.
	prior := *sf.Session
	prior.Lat, prior.Lon = 37.77, -122.42
	if _, err := f.core.StopSessionAtomic(ctx, sf.Session, f.clock.Now(), false, false); err != nil {
		t.Fatal(err)
	}
	stopped := f.clock.Now()
	prior.StoppedAt = &stopped

	f.clock.Advance(5 * time.Minute)
	nyc := &models.GeoResult{IP: "203.0.113.9", Lat: 40.71, Lng: -74.00, City: "New York", Country: "US"}
	res, err := f.core.CreateSessionWithRules(ctx,
		f.processed("K2", "R2", models.SessionStatePlaying, 0, 6_000_000),
		f.server, f.user, nyc, activeRules, []models.Session{prior})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one impossible_travel violation, got %d", len(res.Violations))
	}
	v := res.Violations[0]
	if v.Violation.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", v.Violation.Severity)
	}
	if v.NewTrustScore != 80 {
		t.Fatalf("expected trust 80 after one high violation, got %d", v.NewTrustScore)
	}
}

func TestResumeLinksChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, f.processed("K1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	f.clock.Advance(10 * time.Minute)
	if _, err := f.core.UpdateProgress(ctx, a.Session, 600_000, f.server.Name, f.user.Username); err != nil {
		t.Fatal(err)
	}
	a.Session.ProgressMs = 600_000
	if _, err := f.core.StopSessionAtomic(ctx, a.Session, f.clock.Now(), false, false); err != nil {
		t.Fatal(err)
	}

	// Resuming an hour later, further along: links to the earlier session.
	f.clock.Advance(time.Hour)
	b := f.create(t, f.processed("K2", "R1", models.SessionStatePlaying, 700_000, 6_000_000), nil, nil)
	if b.QualityChange != nil {
		t.Fatal("resume is not a quality change")
	}
	if b.Session.ReferenceID == nil || *b.Session.ReferenceID != a.Session.ID {
		t.Fatalf("resume must link to %s, got %v", a.Session.ID, b.Session.ReferenceID)
	}

	// A restart from earlier progress does not link.
	if _, err := f.core.StopSessionAtomic(ctx, b.Session, f.clock.Now(), false, false); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	cRes := f.create(t, f.processed("K3", "R1", models.SessionStatePlaying, 100_000, 6_000_000), nil, nil)
	if cRes.Session.ReferenceID != nil {
		t.Fatalf("rewatch from earlier progress must start a fresh chain, got %v", cRes.Session.ReferenceID)
	}
}

func TestWatchedLatchSurvivesStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, f.processed("K1", "R1", models.SessionStatePlaying, 0, 1_000_000), nil, nil)

	f.clock.Advance(3 * time.Minute)
	transitioned, err := f.core.UpdateProgress(ctx, a.Session, 850_000, f.server.Name, f.user.Username)
	if err != nil {
		t.Fatal(err)
	}
	if !transitioned {
		t.Fatal("85% progress must flip the watched latch")
	}

	// A later observation with regressed progress must not unlatch.
	row, _ := f.store.GetSession(ctx, a.Session.ID)
	if !row.Watched {
		t.Fatal("latch not persisted")
	}
	if _, err := f.core.UpdateProgress(ctx, row, 100_000, f.server.Name, f.user.Username); err != nil {
		t.Fatal(err)
	}
	row, _ = f.store.GetSession(ctx, a.Session.ID)
	if !row.Watched {
		t.Fatal("watched latch must be monotonic")
	}

	outcome, err := f.core.StopSessionAtomic(ctx, row, f.clock.Now(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Watched {
		t.Fatal("stop must preserve the latch")
	}
}

func TestStopIdempotentAcrossObservers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, f.processed("K1", "R1", models.SessionStatePlaying, 0, 6_000_000), nil, nil)
	f.clock.Advance(time.Minute)

	first, err := f.core.StopSessionAtomic(ctx, a.Session, f.clock.Now(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.core.StopSessionAtomic(ctx, a.Session, f.clock.Now(), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !first.WasUpdated || second.WasUpdated {
		t.Fatalf("exactly one stop must win: first=%v second=%v", first.WasUpdated, second.WasUpdated)
	}

	// And the update path degrades to a no-op after the stop.
	updated, err := f.core.UpdateExistingSession(ctx, a.Session,
		f.processed("K1", "R1", models.SessionStatePlaying, 90_000, 6_000_000),
		models.SessionStatePlaying, f.server.Name, f.user.Username)
	if err != nil {
		t.Fatal(err)
	}
	if updated != nil {
		t.Fatal("update after stop must not apply")
	}
}

func TestCreateLockSerializesProducers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var created, skipped int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.core.CreateUnderLock(ctx,
				f.processed("K1", "R1", models.SessionStatePlaying, 0, 6_000_000),
				f.server, f.user, nil, nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrLockNotAcquired), errors.Is(err, ErrSessionExists):
				skipped++
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	live, err := f.store.FindAllLiveByKey(ctx, f.server.ID, "K1")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 {
		t.Fatalf("at-most-one-live violated: %d live rows", len(live))
	}
	if created+skipped != 4 {
		t.Fatalf("every producer must either create or skip, created=%d skipped=%d", created, skipped)
	}
}
