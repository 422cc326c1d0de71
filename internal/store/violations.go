package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const violationColumns = `id, rule_id, rule_type, server_user_id, session_id, severity, data, created_at, acknowledged_at`

func scanViolation(sc rowScanner) (models.Violation, error) {
	var v models.Violation
	var data, createdAt string
	var acknowledgedAt sql.NullString
	err := sc.Scan(&v.ID, &v.RuleID, &v.RuleType, &v.ServerUserID, &v.SessionID,
		&v.Severity, &data, &createdAt, &acknowledgedAt)
	if err != nil {
		return v, err
	}
	v.Data = json.RawMessage(data)
	if v.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return v, err
	}
	v.AcknowledgedAt, err = scanTimePtr(acknowledgedAt)
	return v, err
}

// InsertViolationTx inserts v inside tx with ON CONFLICT DO NOTHING against
// the (server_user_id, rule_type, session_id) unique constraint. Returns
// whether a row was actually inserted — false means the dedup race lost and
// the caller treats it exactly like a dedup hit.
func (s *Store) InsertViolationTx(ctx context.Context, tx *sql.Tx, v *models.Violation) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO violations (`+violationColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(server_user_id, rule_type, session_id) DO NOTHING`,
		v.ID, v.RuleID, v.RuleType, v.ServerUserID, v.SessionID, v.Severity,
		string(v.Data), fmtTime(v.CreatedAt), fmtTimePtr(v.AcknowledgedAt))
	if err != nil {
		return false, fmt.Errorf("insert violation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentUnacknowledgedTx reads the dedup window inside tx: unacknowledged
// violations of ruleType for serverUserID created at or after since.
func (s *Store) RecentUnacknowledgedTx(ctx context.Context, tx *sql.Tx, serverUserID string, ruleType models.RuleType, since time.Time) ([]models.Violation, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+violationColumns+` FROM violations
		WHERE server_user_id = ? AND rule_type = ? AND acknowledged_at IS NULL AND created_at >= ?
		ORDER BY created_at DESC`,
		serverUserID, ruleType, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("recent unacknowledged violations: %w", err)
	}
	defer rows.Close()
	var out []models.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetViolation(ctx context.Context, id string) (*models.Violation, error) {
	v, err := scanViolation(s.db.QueryRowContext(ctx,
		`SELECT `+violationColumns+` FROM violations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get violation: %w", err)
	}
	return &v, nil
}

// ViolationsByUser lists a user's violations, newest first.
func (s *Store) ViolationsByUser(ctx context.Context, serverUserID string, limit int) ([]models.Violation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+violationColumns+` FROM violations
		WHERE server_user_id = ? ORDER BY created_at DESC LIMIT ?`,
		serverUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("violations by user: %w", err)
	}
	defer rows.Close()
	var out []models.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AcknowledgeViolation marks a violation acknowledged, ending its dedup window.
func (s *Store) AcknowledgeViolation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE violations SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("acknowledge violation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CountViolationsSince counts violations created at or after since, for the
// aggregator's dashboard stats.
func (s *Store) CountViolationsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE created_at >= ?`, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}
