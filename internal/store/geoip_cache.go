package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const (
	geoCacheTTL = 30 * 24 * time.Hour
	geoColumns  = `ip, lat, lng, city, country, isp`
)

func scanGeoResult(scanner interface{ Scan(...any) error }) (models.GeoResult, error) {
	var geo models.GeoResult
	err := scanner.Scan(&geo.IP, &geo.Lat, &geo.Lng, &geo.City, &geo.Country, &geo.ISP)
	return geo, err
}

func (s *Store) GetCachedGeo(ip string) (*models.GeoResult, error) {
	geo, err := scanGeoResult(s.db.QueryRow(
		`SELECT `+geoColumns+` FROM ip_geo_cache
		WHERE ip = ? AND cached_at > ?`, ip, fmtTime(time.Now().UTC().Add(-geoCacheTTL)),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached geo: %w", err)
	}
	return &geo, nil
}

func (s *Store) SetCachedGeo(geo *models.GeoResult) error {
	_, err := s.db.Exec(
		`INSERT INTO ip_geo_cache (`+geoColumns+`, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			lat=excluded.lat, lng=excluded.lng, city=excluded.city,
			country=excluded.country, isp=excluded.isp, cached_at=excluded.cached_at`,
		geo.IP, geo.Lat, geo.Lng, geo.City, geo.Country, geo.ISP, fmtTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("set cached geo: %w", err)
	}
	return nil
}

func (s *Store) GetCachedGeos(ips []string) (map[string]*models.GeoResult, error) {
	if len(ips) == 0 {
		return map[string]*models.GeoResult{}, nil
	}
	placeholders := make([]string, len(ips))
	args := make([]any, 0, len(ips)+1)
	for i, ip := range ips {
		placeholders[i] = "?"
		args = append(args, ip)
	}
	args = append(args, fmtTime(time.Now().UTC().Add(-geoCacheTTL)))

	rows, err := s.db.Query(
		`SELECT `+geoColumns+` FROM ip_geo_cache
		WHERE ip IN (`+strings.Join(placeholders, ",")+`) AND cached_at > ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get cached geos: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*models.GeoResult, len(ips))
	for rows.Next() {
		geo, err := scanGeoResult(rows)
		if err != nil {
			return nil, err
		}
		result[geo.IP] = &geo
	}
	return result, rows.Err()
}
