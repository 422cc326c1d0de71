package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const serverUserColumns = `id, server_id, external_id, user_id, username, thumb_url, trust_score, created_at, updated_at`

func scanServerUser(sc rowScanner) (models.ServerUser, error) {
	var u models.ServerUser
	var createdAt, updatedAt string
	err := sc.Scan(&u.ID, &u.ServerID, &u.ExternalID, &u.UserID, &u.Username,
		&u.ThumbURL, &u.TrustScore, &createdAt, &updatedAt)
	if err != nil {
		return u, err
	}
	if u.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return u, err
	}
	u.UpdatedAt, err = parseSQLiteTime(updatedAt)
	return u, err
}

// ServerUsersByServer loads every server-user on one server, keyed by the
// adapter's external id. The poller uses this map to spot unseen viewers.
func (s *Store) ServerUsersByServer(ctx context.Context, serverID string) (map[string]models.ServerUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverUserColumns+` FROM server_users WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("server users by server: %w", err)
	}
	defer rows.Close()
	out := make(map[string]models.ServerUser)
	for rows.Next() {
		u, err := scanServerUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ExternalID] = u
	}
	return out, rows.Err()
}

func (s *Store) GetServerUser(ctx context.Context, id string) (*models.ServerUser, error) {
	u, err := scanServerUser(s.db.QueryRowContext(ctx,
		`SELECT `+serverUserColumns+` FROM server_users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server user: %w", err)
	}
	return &u, nil
}

// NewServerUser is the input to CreateServerUsersBatch: one not-yet-known
// viewer observed on a server.
type NewServerUser struct {
	ServerID   string
	ExternalID string
	Username   string
	ThumbURL   string
}

// CreateServerUsersBatch inserts the missing server-users in one transaction,
// creating the owning identity row for each first. A
// concurrent insert of the same (server, external id) is absorbed by the
// unique constraint; the existing row is returned in that case.
func (s *Store) CreateServerUsersBatch(ctx context.Context, users []NewServerUser) ([]models.ServerUser, error) {
	if len(users) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]models.ServerUser, 0, len(users))
	for _, nu := range users {
		userID := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, created_at) VALUES (?, ?)`, userID, fmtTime(now)); err != nil {
			return nil, fmt.Errorf("create user identity: %w", err)
		}
		id := uuid.NewString()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO server_users (`+serverUserColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(server_id, external_id) DO NOTHING`,
			id, nu.ServerID, nu.ExternalID, userID, nu.Username, nu.ThumbURL,
			models.DefaultTrustScore, fmtTime(now), fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("create server user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			existing, err := scanServerUser(tx.QueryRowContext(ctx,
				`SELECT `+serverUserColumns+` FROM server_users WHERE server_id = ? AND external_id = ?`,
				nu.ServerID, nu.ExternalID))
			if err != nil {
				return nil, fmt.Errorf("load conflicting server user: %w", err)
			}
			out = append(out, existing)
			continue
		}
		out = append(out, models.ServerUser{
			ID: id, ServerID: nu.ServerID, ExternalID: nu.ExternalID, UserID: userID,
			Username: nu.Username, ThumbURL: nu.ThumbURL,
			TrustScore: models.DefaultTrustScore, CreatedAt: now, UpdatedAt: now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecrementTrustScoreTx lowers a user's trust score by penalty inside tx,
// floored at zero. Returns the new score.
func (s *Store) DecrementTrustScoreTx(ctx context.Context, tx *sql.Tx, serverUserID string, penalty int) (int, error) {
	_, err := tx.ExecContext(ctx,
		`UPDATE server_users SET trust_score = MAX(0, trust_score - ?), updated_at = ?
		WHERE id = ?`, penalty, fmtTime(time.Now().UTC()), serverUserID)
	if err != nil {
		return 0, fmt.Errorf("decrement trust score: %w", err)
	}
	var score int
	if err := tx.QueryRowContext(ctx,
		`SELECT trust_score FROM server_users WHERE id = ?`, serverUserID).Scan(&score); err != nil {
		return 0, fmt.Errorf("read trust score: %w", err)
	}
	return score, nil
}

// ResetTrustScore restores a user's trust score, used by maintenance resets.
func (s *Store) ResetTrustScore(ctx context.Context, serverUserID string, score int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE server_users SET trust_score = ?, updated_at = ? WHERE id = ?`,
		models.ClampTrustScore(score), fmtTime(time.Now().UTC()), serverUserID)
	if err != nil {
		return fmt.Errorf("reset trust score: %w", err)
	}
	return nil
}
