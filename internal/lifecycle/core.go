// Package lifecycle is the authority over session rows:
// every create, update, and stop flows through here, inside a serializable
// transaction, with rule evaluation and violation recording coordinated in
// the same transaction and all broadcasts strictly post-commit.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/rules"
	"github.com/ydkmlt84/tracearr/internal/statetracker"
	"github.com/ydkmlt84/tracearr/internal/store"
	"github.com/ydkmlt84/tracearr/internal/violations"
)

// ErrLockNotAcquired means the other producer holds the create-lock for this
// (server, session key); the caller skips creation and lets it win.
var ErrLockNotAcquired = errors.New("session create lock not acquired")

// ErrSessionExists means the other producer already created the live session
// for this key; duplicate work, skipped silently by callers.
var ErrSessionExists = errors.New("live session already exists for key")

// ResumeWindow bounds how far back the resume check looks for an unfinished
// viewing of the same content.
const ResumeWindow = 24 * time.Hour

type Core struct {
	store    *store.Store
	cache    *cache.Cache
	engine   *rules.Engine
	recorder *violations.Recorder

	now func() time.Time
}

type Option func(*Core)

// WithClock injects a deterministic clock. Tests use it; production keeps
// the default.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

func NewCore(s *store.Store, ch *cache.Cache, engine *rules.Engine, recorder *violations.Recorder, opts ...Option) *Core {
	c := &Core{
		store:    s,
		cache:    ch,
		engine:   engine,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QualityChange reports that creating a session stopped an earlier live
// session of the same content at a different quality.
type QualityChange struct {
	PreviousSessionID string
	PreviousQuality   string
	NewQuality        string
}

// CreateResult is what CreateSessionWithRules hands back after commit.
type CreateResult struct {
	Session       *models.Session
	Violations    []violations.InsertResult
	QualityChange *QualityChange
}

// CreateUnderLock wraps CreateSessionWithRules in the distributed
// create-lock for (server, session key). Returns ErrLockNotAcquired when the
// other producer holds it.
func (c *Core) CreateUnderLock(ctx context.Context, processed models.ProcessedSession, server *models.Server, serverUser *models.ServerUser, geo *models.GeoResult, activeRules []models.Rule, recent []models.Session) (*CreateResult, error) {
	var result *CreateResult
	acquired, err := c.cache.WithSessionCreateLock(ctx, server.ID, processed.SessionKey, func() error {
		// Double-check under the lock: the other producer may have created
		// the session and released before we acquired.
		if _, err := c.store.FindLiveByKey(ctx, server.ID, processed.SessionKey); err == nil {
			return ErrSessionExists
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		var err error
		result, err = c.CreateSessionWithRules(ctx, processed, server, serverUser, geo, activeRules, recent)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}
	return result, nil
}

// CreateSessionWithRules births a session: quality-change and resume checks
// first (idempotent reads plus at most one guarded stop), then one
// serializable transaction inserting the row, evaluating rules, and
// recording deduplicated violations. Broadcasts happen after commit.
func (c *Core) CreateSessionWithRules(ctx context.Context, processed models.ProcessedSession, server *models.Server, serverUser *models.ServerUser, geo *models.GeoResult, activeRules []models.Rule, recent []models.Session) (*CreateResult, error) {
	now := c.now()

	var referenceID *string
	var qualityChange *QualityChange

	if processed.RatingKey != "" {
		existing, err := c.store.FindLiveByUserContent(ctx, serverUser.ID, processed.RatingKey)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			outcome, err := c.StopSessionAtomic(ctx, existing, now, false, true)
			if err != nil {
				return nil, err
			}
			if outcome.WasUpdated {
				ref := models.RootReferenceID(existing.ID, existing.ReferenceID)
				referenceID = &ref
				qualityChange = &QualityChange{
					PreviousSessionID: existing.ID,
					PreviousQuality:   existing.Quality,
					NewQuality:        processed.Quality,
				}
			}
		}
	}

	if referenceID == nil && processed.RatingKey != "" {
		prev, err := c.store.RecentFinishedByContent(ctx, serverUser.ID, processed.RatingKey, now.Add(-ResumeWindow))
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if prev != nil && !prev.Watched && prev.ProgressMs <= processed.ProgressMs {
			ref := models.RootReferenceID(prev.ID, prev.ReferenceID)
			referenceID = &ref
		}
	}

	sess := c.buildSession(processed, server, serverUser, geo, referenceID, now)

	var recorded []violations.InsertResult
	err := c.store.WithSerializableTx(ctx, func(tx *sql.Tx) error {
		recorded = nil
		if err := c.store.InsertSessionTx(ctx, tx, sess); err != nil {
			return err
		}
		results := c.engine.Evaluate(ctx, sess, activeRules, recent)
		var err error
		recorded, err = c.recorder.RecordResultsInTx(ctx, tx, serverUser.ID, sess.ID, results, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	projection := &models.ActiveSession{Session: *sess, ServerName: server.Name, Username: serverUser.Username}
	if err := c.cache.AddActiveSession(ctx, projection); err != nil {
		log.Printf("lifecycle: caching session %s: %v", sess.ID, err)
	}
	if err := c.cache.Publish(ctx, cache.TopicSessionStarted, projection); err != nil {
		log.Printf("lifecycle: publishing session start %s: %v", sess.ID, err)
	}
	c.recorder.Broadcast(ctx, recorded)

	return &CreateResult{Session: sess, Violations: recorded, QualityChange: qualityChange}, nil
}

func (c *Core) buildSession(processed models.ProcessedSession, server *models.Server, serverUser *models.ServerUser, geo *models.GeoResult, referenceID *string, now time.Time) *models.Session {
	state := processed.State
	if state != models.SessionStatePaused {
		state = models.SessionStatePlaying
	}
	sess := &models.Session{
		ID:           uuid.NewString(),
		ServerID:     server.ID,
		ServerUserID: serverUser.ID,
		SessionKey:   processed.SessionKey,
		RatingKey:    processed.RatingKey,
		State:        state,

		Title:         processed.MediaTitle,
		MediaType:     processed.MediaType,
		SeasonNumber:  processed.SeasonNumber,
		EpisodeNumber: processed.EpisodeNumber,
		Year:          processed.Year,
		ArtworkPath:   processed.ArtworkPath,

		StartedAt:  now,
		LastSeenAt: now,

		ProgressMs:      processed.ProgressMs,
		TotalDurationMs: processed.TotalDurationMs,
		Watched:         statetracker.WatchCompletion(processed.ProgressMs, processed.TotalDurationMs),

		ReferenceID: referenceID,
	}
	if state == models.SessionStatePaused {
		pausedAt := now
		if processed.LastPausedDate != nil {
			pausedAt = time.UnixMilli(*processed.LastPausedDate).UTC()
		}
		sess.LastPausedAt = &pausedAt
	}

	sess.Fingerprint = models.Fingerprint{
		IPAddress:     processed.IPAddress,
		Player:        processed.PlayerName,
		Device:        processed.NormalizedDevice,
		Product:       processed.Product,
		Platform:      processed.NormalizedPlatform,
		Quality:       processed.Quality,
		IsTranscode:   processed.IsTranscode,
		VideoDecision: processed.VideoDecision,
		AudioDecision: processed.AudioDecision,
		BitrateKbps:   processed.BitrateKbps,
	}
	if geo != nil {
		sess.City = geo.City
		sess.Country = geo.Country
		sess.Lat = geo.Lat
		sess.Lon = geo.Lng
	}
	return sess
}

// UpdateExistingSession applies a new observation to a live session:
// pause accounting, watched latch, quality/progress refresh. A concurrent
// stop degrades this to a silent no-op: no broadcast, no cache write.
// Returns the updated session, or nil when not applied.
func (c *Core) UpdateExistingSession(ctx context.Context, existing *models.Session, processed models.ProcessedSession, newState models.SessionState, serverName, username string) (*models.Session, error) {
	now := c.now()

	pause := statetracker.AccumulatePause(existing.State, newState,
		statetracker.PauseState{LastPausedAt: existing.LastPausedAt, PausedDurationMs: existing.PausedDurationMs}, now)
	// Jellyfin reports the pause stamp itself; trust it over the inferred one
	// on the transition into paused.
	if newState == models.SessionStatePaused && existing.State != models.SessionStatePaused && processed.LastPausedDate != nil {
		t := time.UnixMilli(*processed.LastPausedDate).UTC()
		pause.LastPausedAt = &t
	}

	watched := existing.Watched || statetracker.WatchCompletion(processed.ProgressMs, processed.TotalDurationMs)

	totalDuration := processed.TotalDurationMs
	if totalDuration == 0 {
		totalDuration = existing.TotalDurationMs
	}

	fields := store.SessionUpdateFields{
		State:            newState,
		Quality:          processed.Quality,
		BitrateKbps:      processed.BitrateKbps,
		ProgressMs:       processed.ProgressMs,
		TotalDurationMs:  totalDuration,
		PausedDurationMs: pause.PausedDurationMs,
		LastPausedAt:     pause.LastPausedAt,
		Watched:          watched,
		LastSeenAt:       now,
	}
	applied, err := c.store.UpdateLiveByID(ctx, existing.ID, fields)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}

	updated := *existing
	updated.State = newState
	updated.Quality = processed.Quality
	updated.BitrateKbps = processed.BitrateKbps
	updated.ProgressMs = processed.ProgressMs
	updated.TotalDurationMs = totalDuration
	updated.PausedDurationMs = pause.PausedDurationMs
	updated.LastPausedAt = pause.LastPausedAt
	updated.Watched = watched
	updated.LastSeenAt = now

	projection := &models.ActiveSession{Session: updated, ServerName: serverName, Username: username}
	if err := c.cache.UpdateActiveSession(ctx, projection); err != nil {
		log.Printf("lifecycle: refreshing cached session %s: %v", updated.ID, err)
	}
	if err := c.cache.Publish(ctx, cache.TopicSessionUpdated, projection); err != nil {
		log.Printf("lifecycle: publishing session update %s: %v", updated.ID, err)
	}
	return &updated, nil
}

// UpdateProgress is the push processor's cheap path: write
// progress and the watched latch only, and broadcast only when watched
// transitions false→true.
func (c *Core) UpdateProgress(ctx context.Context, existing *models.Session, progressMs int64, serverName, username string) (bool, error) {
	now := c.now()
	watched := statetracker.WatchCompletion(progressMs, existing.TotalDurationMs)
	applied, err := c.store.UpdateLiveProgress(ctx, existing.ID, progressMs, watched, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	transition := watched && !existing.Watched
	if !transition {
		return false, nil
	}
	updated := *existing
	updated.ProgressMs = progressMs
	updated.Watched = true
	updated.LastSeenAt = now
	projection := &models.ActiveSession{Session: updated, ServerName: serverName, Username: username}
	if err := c.cache.UpdateActiveSession(ctx, projection); err != nil {
		log.Printf("lifecycle: refreshing cached session %s: %v", updated.ID, err)
	}
	if err := c.cache.Publish(ctx, cache.TopicSessionUpdated, projection); err != nil {
		log.Printf("lifecycle: publishing watched transition %s: %v", updated.ID, err)
	}
	return true, nil
}

// StopOutcome reports an atomic stop. WasUpdated=false means another
// observer stopped the session first; the caller must not broadcast again.
type StopOutcome struct {
	WasUpdated   bool
	DurationMs   int64
	Watched      bool
	ShortSession bool
}

// StopSessionAtomic terminates a live session. The
// database guard makes the stop exactly-once; cache removal and the
// session:stopped broadcast fire only for the winning call.
func (c *Core) StopSessionAtomic(ctx context.Context, session *models.Session, stoppedAt time.Time, forceStopped, preserveWatched bool) (StopOutcome, error) {
	res := statetracker.StopDuration(statetracker.StopInput{
		StartedAt:        session.StartedAt,
		LastPausedAt:     session.LastPausedAt,
		PausedDurationMs: session.PausedDurationMs,
	}, stoppedAt)

	watched := session.Watched
	if !preserveWatched {
		watched = watched || statetracker.WatchCompletion(session.ProgressMs, session.TotalDurationMs)
	}
	short := !statetracker.ShouldRecord(res.DurationMs)

	applied, err := c.store.StopLiveByID(ctx, session.ID, store.SessionStopFields{
		StoppedAt:        stoppedAt,
		DurationMs:       res.DurationMs,
		PausedDurationMs: res.FinalPausedDurationMs,
		Watched:          watched,
		ShortSession:     short,
		ForceStopped:     forceStopped,
	})
	if err != nil {
		return StopOutcome{}, err
	}
	outcome := StopOutcome{
		WasUpdated:   applied,
		DurationMs:   res.DurationMs,
		Watched:      watched,
		ShortSession: short,
	}
	if !applied {
		return outcome, nil
	}

	if err := c.cache.RemoveActiveSession(ctx, session.ID); err != nil {
		log.Printf("lifecycle: evicting stopped session %s: %v", session.ID, err)
	}
	if err := c.cache.Publish(ctx, cache.TopicSessionStopped, map[string]string{"session_id": session.ID}); err != nil {
		log.Printf("lifecycle: publishing session stop %s: %v", session.ID, err)
	}
	return outcome, nil
}

// MediaChangeResult reports a same-key content switch: the stopped prior
// session and the created successor.
type MediaChangeResult struct {
	Stopped *models.Session
	Created *CreateResult
}

// HandleMediaChange handles the same sessionKey playing a different
// ratingKey: stop the old content without preserving
// watched — it may now complete honestly — then create the new session. A
// lost stop race returns nil: the other observer owns this transition.
func (c *Core) HandleMediaChange(ctx context.Context, existing *models.Session, processed models.ProcessedSession, server *models.Server, serverUser *models.ServerUser, geo *models.GeoResult, activeRules []models.Rule, recent []models.Session) (*MediaChangeResult, error) {
	outcome, err := c.StopSessionAtomic(ctx, existing, c.now(), false, false)
	if err != nil {
		return nil, err
	}
	if !outcome.WasUpdated {
		return nil, nil
	}
	created, err := c.CreateSessionWithRules(ctx, processed, server, serverUser, geo, activeRules, recent)
	if err != nil {
		return nil, err
	}
	return &MediaChangeResult{Stopped: existing, Created: created}, nil
}
