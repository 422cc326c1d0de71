package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const serverColumns = `id, name, variant, base_url, access_token, machine_identifier, created_at, updated_at`

func scanServer(sc rowScanner) (models.Server, error) {
	var srv models.Server
	var createdAt, updatedAt string
	err := sc.Scan(&srv.ID, &srv.Name, &srv.Variant, &srv.BaseURL, &srv.AccessToken,
		&srv.MachineIdentifier, &createdAt, &updatedAt)
	if err != nil {
		return srv, err
	}
	if srv.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return srv, err
	}
	srv.UpdatedAt, err = parseSQLiteTime(updatedAt)
	return srv, err
}

func (s *Store) CreateServer(ctx context.Context, srv *models.Server) error {
	if err := srv.Validate(); err != nil {
		return err
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	srv.CreatedAt, srv.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (`+serverColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		srv.ID, srv.Name, srv.Variant, srv.BaseURL, srv.AccessToken,
		srv.MachineIdentifier, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, id string) (*models.Server, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &srv, nil
}

func (s *Store) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}
