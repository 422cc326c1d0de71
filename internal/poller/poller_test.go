package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/lifecycle"
	"github.com/ydkmlt84/tracearr/internal/mediaserver"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/rules"
	"github.com/ydkmlt84/tracearr/internal/store"
	"github.com/ydkmlt84/tracearr/internal/violations"
)

type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	sessions []models.ObservedSession
	err      error
	calls    int
}

func (f *fakeAdapter) Name() string                  { return f.name }
func (f *fakeAdapter) Variant() models.ServerVariant { return models.ServerVariantPlex }

func (f *fakeAdapter) GetSessions(context.Context) ([]models.ObservedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.ObservedSession, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeAdapter) GetUsers(context.Context) ([]mediaserver.RemoteUser, error) { return nil, nil }

func (f *fakeAdapter) GetLibraries(context.Context) ([]mediaserver.Library, error) { return nil, nil }

func (f *fakeAdapter) TestConnection(context.Context) error { return nil }

func (f *fakeAdapter) set(sessions ...models.ObservedSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
	f.err = nil
}

func (f *fakeAdapter) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store  *store.Store
	cache  *cache.Cache
	poller *Poller
	server *models.Server
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

	engine := rules.NewEngine(nil)
	recorder := violations.NewRecorder(s, ch, nil)
	core := lifecycle.NewCore(s, ch, engine, recorder)
	// Long interval: ticks are driven explicitly through TriggerPoll.
	p := New(s, ch, core, nil, time.Hour)

	return &fixture{store: s, cache: ch, poller: p, server: srv}
}

func observed(sessionKey, ratingKey, externalUserID string, state models.SessionState, progressMs int64) models.ObservedSession {
	return models.ObservedSession{
		SessionKey: sessionKey, RatingKey: ratingKey,
		ExternalUserID: externalUserID, Username: "alice",
		MediaTitle: "The Movie", MediaType: models.MediaTypeMovie,
		State: state, ProgressMs: progressMs, TotalDurationMs: 6_000_000,
	}
}

func waitPoll(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.pollNotify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a poll tick")
	}
}

func triggerAndWaitPoll(t *testing.T, p *Poller) {
	t.Helper()
	p.TriggerPoll("")
	waitPoll(t, p)
}

func (f *fixture) liveByKey(t *testing.T, key string) *models.Session {
	t.Helper()
	sess, err := f.store.FindLiveByKey(context.Background(), f.server.ID, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		t.Fatal(err)
	}
	return sess
}

func TestPollCreatesAndStopsSessions(t *testing.T) {
	f := newFixture(t)
	adapter := &fakeAdapter{name: "plex-main"}
	adapter.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 0))
	f.poller.AddServer(*f.server, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)
	defer f.poller.Stop()
	waitPoll(t, f.poller)

	sess := f.liveByKey(t, "K1")
	if sess == nil {
		t.Fatal("expected session created on first tick")
	}
	if sess.State != models.SessionStatePlaying {
		t.Fatalf("unexpected state %s", sess.State)
	}

	// User auto-created with default trust.
	users, err := f.store.ServerUsersByServer(ctx, f.server.ID)
	if err != nil {
		t.Fatal(err)
	}
	if su, ok := users["e1"]; !ok || su.TrustScore != models.DefaultTrustScore {
		t.Fatalf("expected auto-created server user, got %+v", users)
	}

	// Session disappears: next tick stops it.
	adapter.set()
	triggerAndWaitPoll(t, f.poller)

	if f.liveByKey(t, "K1") != nil {
		t.Fatal("expected session stopped after disappearing")
	}
	row, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.StoppedAt == nil || row.DurationMs == nil {
		t.Fatalf("stop did not persist terminal fields: %+v", row)
	}
}

func TestPollPauseTransitions(t *testing.T) {
	f := newFixture(t)
	adapter := &fakeAdapter{name: "plex-main"}
	adapter.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 0))
	f.poller.AddServer(*f.server, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)
	defer f.poller.Stop()
	waitPoll(t, f.poller)

	adapter.set(observed("K1", "R1", "e1", models.SessionStatePaused, 60_000))
	triggerAndWaitPoll(t, f.poller)

	sess := f.liveByKey(t, "K1")
	if sess == nil || sess.State != models.SessionStatePaused || sess.LastPausedAt == nil {
		t.Fatalf("expected paused with stamp, got %+v", sess)
	}

	// Hold the pause long enough to accumulate measurable duration.
	time.Sleep(20 * time.Millisecond)
	adapter.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 60_000))
	triggerAndWaitPoll(t, f.poller)

	sess = f.liveByKey(t, "K1")
	if sess == nil || sess.State != models.SessionStatePlaying {
		t.Fatalf("expected playing, got %+v", sess)
	}
	if sess.LastPausedAt != nil {
		t.Fatal("resume must clear the pause stamp")
	}
	if sess.PausedDurationMs <= 0 {
		t.Fatal("resume must accumulate paused duration")
	}
}

func TestPollMediaChange(t *testing.T) {
	f := newFixture(t)
	adapter := &fakeAdapter{name: "plex-main"}
	adapter.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 0))
	f.poller.AddServer(*f.server, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)
	defer f.poller.Stop()
	waitPoll(t, f.poller)
	first := f.liveByKey(t, "K1")

	adapter.set(observed("K1", "R2", "e1", models.SessionStatePlaying, 0))
	triggerAndWaitPoll(t, f.poller)

	sess := f.liveByKey(t, "K1")
	if sess == nil || sess.RatingKey != "R2" {
		t.Fatalf("expected new content under same key, got %+v", sess)
	}
	if sess.ID == first.ID {
		t.Fatal("media change must create a new session row")
	}
	old, err := f.store.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.StoppedAt == nil {
		t.Fatal("prior content must be stopped")
	}
}

func TestPollSkipsFailingServer(t *testing.T) {
	f := newFixture(t)
	bad := &fakeAdapter{name: "plex-bad"}
	bad.fail(errors.New("connection refused"))
	good := &fakeAdapter{name: "plex-good"}
	good.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 0))

	ctx := context.Background()
	badSrv := &models.Server{Name: "plex-bad", Variant: models.ServerVariantPlex, BaseURL: "http://bad", AccessToken: "t"}
	if err := f.store.CreateServer(ctx, badSrv); err != nil {
		t.Fatal(err)
	}
	f.poller.AddServer(*badSrv, bad)
	f.poller.AddServer(*f.server, good)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(runCtx)
	defer f.poller.Stop()
	waitPoll(t, f.poller)

	if f.liveByKey(t, "K1") == nil {
		t.Fatal("healthy server must be polled despite sibling failure")
	}

	// A failing fetch must not stop that server's live sessions.
	good.fail(errors.New("timeout"))
	triggerAndWaitPoll(t, f.poller)
	if f.liveByKey(t, "K1") == nil {
		t.Fatal("sessions must survive a failed poll tick for their server")
	}
}

func TestReconciliationRequestTriggersPoll(t *testing.T) {
	f := newFixture(t)
	adapter := &fakeAdapter{name: "plex-main"}
	f.poller.AddServer(*f.server, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)
	defer f.poller.Stop()
	waitPoll(t, f.poller)
	before := adapter.callCount()

	adapter.set(observed("K1", "R1", "e1", models.SessionStatePlaying, 0))
	if err := f.cache.Publish(ctx, cache.TopicReconciliation, map[string]string{"server_id": f.server.ID}); err != nil {
		t.Fatal(err)
	}
	waitPoll(t, f.poller)

	if adapter.callCount() <= before {
		t.Fatal("reconciliation request must trigger an out-of-band poll")
	}
	if f.liveByKey(t, "K1") == nil {
		t.Fatal("reconciliation poll must converge the missed session")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	adapter := &fakeAdapter{name: "plex-main"}
	f.poller.AddServer(*f.server, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.Start(ctx)
	f.poller.Start(ctx) // second start must not spawn a second loop
	defer f.poller.Stop()
	waitPoll(t, f.poller)

	triggerAndWaitPoll(t, f.poller)
	select {
	case <-f.poller.pollNotify:
		t.Fatal("unexpected extra poll tick from a duplicate loop")
	case <-time.After(100 * time.Millisecond):
	}
}
