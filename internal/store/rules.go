package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const ruleColumns = `id, name, type, parameters, is_active, server_user_id, created_at, updated_at`

func scanRule(sc rowScanner) (models.Rule, error) {
	var r models.Rule
	var params string
	var serverUserID sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&r.ID, &r.Name, &r.Type, &params, &r.IsActive, &serverUserID, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.Parameters = json.RawMessage(params)
	if serverUserID.Valid && serverUserID.String != "" {
		v := serverUserID.String
		r.ServerUserID = &v
	}
	if r.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return r, err
	}
	r.UpdatedAt, err = parseSQLiteTime(updatedAt)
	return r, err
}

func (s *Store) CreateRule(ctx context.Context, r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, r.Type, string(r.Parameters), r.IsActive, r.ServerUserID,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// ActiveRules returns every rule with is_active set, global first.
func (s *Store) ActiveRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE is_active = 1
		ORDER BY server_user_id IS NOT NULL, name`)
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	defer rows.Close()
	var out []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleActive flips a rule's is_active flag.
func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
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
