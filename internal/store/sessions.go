package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const sessionColumns = `id, server_id, server_user_id, session_key, rating_key, state,
	title, media_type, season_number, episode_number, year, artwork_path,
	started_at, last_seen_at, stopped_at, paused_duration_ms, last_paused_at, duration_ms,
	progress_ms, total_duration_ms, watched, short_session, force_stopped, reference_id,
	ip_address, geo_city, geo_region, geo_country, geo_lat, geo_lon,
	player, device, product, platform, quality, is_transcode, video_decision, audio_decision, bitrate_kbps`

type rowScanner interface{ Scan(...any) error }

func scanSession(sc rowScanner) (models.Session, error) {
	var s models.Session
	var startedAt, lastSeenAt string
	var stoppedAt, lastPausedAt, referenceID sql.NullString
	var durationMs sql.NullInt64
	var videoDecision, audioDecision string

	err := sc.Scan(
		&s.ID, &s.ServerID, &s.ServerUserID, &s.SessionKey, &s.RatingKey, &s.State,
		&s.Title, &s.MediaType, &s.SeasonNumber, &s.EpisodeNumber, &s.Year, &s.ArtworkPath,
		&startedAt, &lastSeenAt, &stoppedAt, &s.PausedDurationMs, &lastPausedAt, &durationMs,
		&s.ProgressMs, &s.TotalDurationMs, &s.Watched, &s.ShortSession, &s.ForceStopped, &referenceID,
		&s.IPAddress, &s.City, &s.Region, &s.Country, &s.Lat, &s.Lon,
		&s.Player, &s.Device, &s.Product, &s.Platform, &s.Quality, &s.IsTranscode, &videoDecision, &audioDecision, &s.BitrateKbps,
	)
	if err != nil {
		return s, err
	}

	if s.StartedAt, err = parseSQLiteTime(startedAt); err != nil {
		return s, fmt.Errorf("session %s started_at: %w", s.ID, err)
	}
	if s.LastSeenAt, err = parseSQLiteTime(lastSeenAt); err != nil {
		return s, fmt.Errorf("session %s last_seen_at: %w", s.ID, err)
	}
	if s.StoppedAt, err = scanTimePtr(stoppedAt); err != nil {
		return s, fmt.Errorf("session %s stopped_at: %w", s.ID, err)
	}
	if s.LastPausedAt, err = scanTimePtr(lastPausedAt); err != nil {
		return s, fmt.Errorf("session %s last_paused_at: %w", s.ID, err)
	}
	if durationMs.Valid {
		d := durationMs.Int64
		s.DurationMs = &d
	}
	if referenceID.Valid && referenceID.String != "" {
		r := referenceID.String
		s.ReferenceID = &r
	}
	s.VideoDecision = models.TranscodeDecision(videoDecision)
	s.AudioDecision = models.TranscodeDecision(audioDecision)
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx so insert/update helpers
// can run standalone or inside the Lifecycle Core's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertSessionTx inserts a new session row inside tx. The partial unique
// index on (server_id, session_key) WHERE stopped_at IS NULL enforces the
// at-most-one-live invariant at the database level.
func (s *Store) InsertSessionTx(ctx context.Context, tx *sql.Tx, sess *models.Session) error {
	return insertSession(ctx, tx, sess)
}

// InsertSession is the non-transactional form, used by tests and backfill.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	return insertSession(ctx, s.db, sess)
}

func insertSession(ctx context.Context, db execer, sess *models.Session) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.ServerID, sess.ServerUserID, sess.SessionKey, sess.RatingKey, sess.State,
		sess.Title, sess.MediaType, sess.SeasonNumber, sess.EpisodeNumber, sess.Year, sess.ArtworkPath,
		fmtTime(sess.StartedAt), fmtTime(sess.LastSeenAt), fmtTimePtr(sess.StoppedAt),
		sess.PausedDurationMs, fmtTimePtr(sess.LastPausedAt), sess.DurationMs,
		sess.ProgressMs, sess.TotalDurationMs, sess.Watched, sess.ShortSession, sess.ForceStopped, sess.ReferenceID,
		sess.IPAddress, sess.City, sess.Region, sess.Country, sess.Lat, sess.Lon,
		sess.Player, sess.Device, sess.Product, sess.Platform, sess.Quality,
		sess.IsTranscode, string(sess.VideoDecision), string(sess.AudioDecision), sess.BitrateKbps,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// FindLiveByKey returns the live session for (serverID, sessionKey), or
// models.ErrNotFound. At most one can exist (partial unique index).
func (s *Store) FindLiveByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND session_key = ? AND stopped_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, serverID, sessionKey))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find live by key: %w", err)
	}
	return &sess, nil
}

// FindAllLiveByKey returns every live session for (serverID, sessionKey).
// Normally that is zero or one row; more indicates duplicates from before
// the unique index existed, which the push processor cleans up on stop.
func (s *Store) FindAllLiveByKey(ctx context.Context, serverID, sessionKey string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND session_key = ? AND stopped_at IS NULL
		ORDER BY started_at DESC`, serverID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("find all live by key: %w", err)
	}
	return scanSessions(rows)
}

// FindLiveByUserContent returns the most recent live session playing
// ratingKey for serverUserID, or models.ErrNotFound. Used by the
// quality-change check.
func (s *Store) FindLiveByUserContent(ctx context.Context, serverUserID, ratingKey string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_user_id = ? AND rating_key = ? AND stopped_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, serverUserID, ratingKey))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find live by user content: %w", err)
	}
	return &sess, nil
}

// RecentFinishedByContent returns the most recently stopped session for
// (serverUserID, ratingKey) stopped at or after since, or models.ErrNotFound.
// Used by the resume check.
func (s *Store) RecentFinishedByContent(ctx context.Context, serverUserID, ratingKey string, since time.Time) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_user_id = ? AND rating_key = ? AND stopped_at IS NOT NULL AND stopped_at >= ?
		ORDER BY stopped_at DESC LIMIT 1`, serverUserID, ratingKey, fmtTime(since)))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recent finished by content: %w", err)
	}
	return &sess, nil
}

// LiveSessionsByServer returns every live session on one server.
func (s *Store) LiveSessionsByServer(ctx context.Context, serverID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND stopped_at IS NULL
		ORDER BY started_at`, serverID)
	if err != nil {
		return nil, fmt.Errorf("live sessions by server: %w", err)
	}
	return scanSessions(rows)
}

// LiveSessions returns every live session across all servers.
func (s *Store) LiveSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE stopped_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("live sessions: %w", err)
	}
	return scanSessions(rows)
}

// BatchRecentSessionsByUsers loads the recent (live or stopped) sessions for
// a set of server users within windowDays, grouped by server_user_id. This is
// the rule engine's history input, fetched in one query per poll tick.
func (s *Store) BatchRecentSessionsByUsers(ctx context.Context, serverUserIDs []string, windowDays int) (map[string][]models.Session, error) {
	out := make(map[string][]models.Session, len(serverUserIDs))
	if len(serverUserIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(serverUserIDs))
	args := make([]any, 0, len(serverUserIDs)+1)
	for i, id := range serverUserIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, fmtTime(time.Now().UTC().AddDate(0, 0, -windowDays)))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_user_id IN (`+strings.Join(placeholders, ",")+`)
			AND (stopped_at IS NULL OR started_at >= ?)
		ORDER BY started_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("batch recent sessions: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		out[sess.ServerUserID] = append(out[sess.ServerUserID], sess)
	}
	return out, nil
}

// SessionUpdateFields is the patch UpdateLiveByID applies to a live row.
type SessionUpdateFields struct {
	State            models.SessionState
	Quality          string
	BitrateKbps      int64
	ProgressMs       int64
	TotalDurationMs  int64
	PausedDurationMs int64
	LastPausedAt     *time.Time
	Watched          bool
	LastSeenAt       time.Time
}

// UpdateLiveByID applies fields to the session iff it is still live. The
// "stopped_at IS NULL" guard makes the update idempotent against a concurrent
// stop: it reports applied=false instead of resurrecting a stopped row.
func (s *Store) UpdateLiveByID(ctx context.Context, id string, f SessionUpdateFields) (bool, error) {
	return updateLiveByID(ctx, s.db, id, f)
}

// UpdateLiveByIDTx is UpdateLiveByID inside an existing transaction.
func (s *Store) UpdateLiveByIDTx(ctx context.Context, tx *sql.Tx, id string, f SessionUpdateFields) (bool, error) {
	return updateLiveByID(ctx, tx, id, f)
}

func updateLiveByID(ctx context.Context, db execer, id string, f SessionUpdateFields) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET
			state = ?, quality = ?, bitrate_kbps = ?, progress_ms = ?, total_duration_ms = ?,
			paused_duration_ms = ?, last_paused_at = ?, watched = ?, last_seen_at = ?
		WHERE id = ? AND stopped_at IS NULL`,
		f.State, f.Quality, f.BitrateKbps, f.ProgressMs, f.TotalDurationMs,
		f.PausedDurationMs, fmtTimePtr(f.LastPausedAt), f.Watched, fmtTime(f.LastSeenAt),
		id)
	if err != nil {
		return false, fmt.Errorf("update live session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateLiveProgress is the push processor's cheap path: progress plus the
// watched latch, nothing else. The watched OR keeps the latch monotonic even
// if the caller passes false.
func (s *Store) UpdateLiveProgress(ctx context.Context, id string, progressMs int64, watched bool, seenAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET progress_ms = ?, watched = (watched OR ?), last_seen_at = ?
		WHERE id = ? AND stopped_at IS NULL`,
		progressMs, watched, fmtTime(seenAt), id)
	if err != nil {
		return false, fmt.Errorf("update live progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SessionStopFields is what StopLiveByID writes when terminating a session.
type SessionStopFields struct {
	StoppedAt        time.Time
	DurationMs       int64
	PausedDurationMs int64
	Watched          bool
	ShortSession     bool
	ForceStopped     bool
}

// StopLiveByID terminates the session iff it is still live, returning whether
// this call was the one that stopped it. A second stop observes applied=false.
func (s *Store) StopLiveByID(ctx context.Context, id string, f SessionStopFields) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			state = ?, stopped_at = ?, duration_ms = ?, last_paused_at = NULL,
			paused_duration_ms = ?, watched = ?, short_session = ?, force_stopped = ?
		WHERE id = ? AND stopped_at IS NULL`,
		models.SessionStateStopped, fmtTime(f.StoppedAt), f.DurationMs,
		f.PausedDurationMs, f.Watched, f.ShortSession, f.ForceStopped,
		id)
	if err != nil {
		return false, fmt.Errorf("stop live session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SessionPage is one page of a cursor walk over the sessions table, newest
// first. NextCursor is empty when the walk is exhausted.
type SessionPage struct {
	Sessions   []models.Session
	NextCursor string
}

// ListSessionsPage paginates sessions by (started_at, id) descending. Pass an
// empty cursor for the first page; feed NextCursor back for the rest.
func (s *Store) ListSessionsPage(ctx context.Context, cursor string, limit int) (*SessionPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if cursor != "" {
		cursorTime, cursorID, ok := strings.Cut(cursor, "|")
		if !ok {
			return nil, fmt.Errorf("malformed cursor %q", cursor)
		}
		query += ` WHERE (started_at < ?) OR (started_at = ? AND id < ?)`
		args = append(args, cursorTime, cursorTime, cursorID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions page: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	page := &SessionPage{Sessions: sessions}
	if len(sessions) > limit {
		page.Sessions = sessions[:limit]
		last := page.Sessions[limit-1]
		page.NextCursor = fmtTime(last.StartedAt) + "|" + last.ID
	}
	return page, nil
}
