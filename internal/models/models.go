// Package models holds the entity types shared across tracearr's session
// lifecycle and rule evaluation engine.
package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrNoRowsAffected names the case where a conditional write (guarded by
// "stoppedAt IS NULL" or similar) matched no row — not a failure, just a
// no-op the caller must interpret. The store's guarded updates report that
// case as applied=false and do not return this error.
var ErrNoRowsAffected = errors.New("no rows affected")

type ServerVariant string

const (
	ServerVariantPlex     ServerVariant = "plex"
	ServerVariantJellyfin ServerVariant = "jellyfin"
	ServerVariantEmby     ServerVariant = "emby"
)

func (v ServerVariant) Valid() bool {
	switch v {
	case ServerVariantPlex, ServerVariantJellyfin, ServerVariantEmby:
		return true
	}
	return false
}

// Server is one monitored media-server instance.
type Server struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Variant           ServerVariant `json:"variant"`
	BaseURL           string        `json:"base_url"`
	AccessToken       string        `json:"-"`
	MachineIdentifier string        `json:"machine_identifier,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (s *Server) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if !s.Variant.Valid() {
		return errors.New("variant must be plex, jellyfin, or emby")
	}
	if s.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if s.AccessToken == "" {
		return errors.New("access_token is required")
	}
	return nil
}

// ServerUser is the per-server identity of a viewer: unique per
// (server, externalId), always mapped to an owning UserId.
type ServerUser struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	ExternalID string    `json:"external_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	ThumbURL   string    `json:"thumb_url,omitempty"`
	TrustScore int       `json:"trust_score"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const DefaultTrustScore = 100

// ClampTrustScore enforces the [0,100] invariant.
func ClampTrustScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

type SessionState string

const (
	SessionStatePlaying SessionState = "playing"
	SessionStatePaused  SessionState = "paused"
	SessionStateStopped SessionState = "stopped"
)

type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
	MediaTypeTrack   MediaType = "track"
	MediaTypeLive    MediaType = "live"
	MediaTypePhoto   MediaType = "photo"
	MediaTypeUnknown MediaType = "unknown"
)

// TranscodeDecision mirrors the adapter-reported video/audio decision.
type TranscodeDecision string

const (
	TranscodeDecisionDirectPlay TranscodeDecision = "direct_play"
	TranscodeDecisionCopy       TranscodeDecision = "copy"
	TranscodeDecisionTranscode  TranscodeDecision = "transcode"
)

// Fingerprint carries the observation-time network/device identity of a
// session, used by the rule engine's geo/device rules.
type Fingerprint struct {
	IPAddress     string            `json:"ip_address,omitempty"`
	City          string            `json:"city,omitempty"`
	Region        string            `json:"region,omitempty"`
	Country       string            `json:"country,omitempty"`
	Lat           float64           `json:"lat,omitempty"`
	Lon           float64           `json:"lon,omitempty"`
	Player        string            `json:"player,omitempty"`
	Device        string            `json:"device,omitempty"`
	Product       string            `json:"product,omitempty"`
	Platform      string            `json:"platform,omitempty"`
	Quality       string            `json:"quality,omitempty"`
	IsTranscode   bool              `json:"is_transcode,omitempty"`
	VideoDecision TranscodeDecision `json:"video_decision,omitempty"`
	AudioDecision TranscodeDecision `json:"audio_decision,omitempty"`
	BitrateKbps   int64             `json:"bitrate_kbps,omitempty"`
}

// Session is the canonical row reconstructed by the Lifecycle Core.
type Session struct {
	ID           string       `json:"id"`
	ServerID     string       `json:"server_id"`
	ServerUserID string       `json:"server_user_id"`
	SessionKey   string       `json:"session_key"`
	RatingKey    string       `json:"rating_key,omitempty"`
	State        SessionState `json:"state"`

	Title         string    `json:"title"`
	MediaType     MediaType `json:"media_type"`
	SeasonNumber  int       `json:"season_number,omitempty"`
	EpisodeNumber int       `json:"episode_number,omitempty"`
	Year          int       `json:"year,omitempty"`
	ArtworkPath   string    `json:"artwork_path,omitempty"`

	StartedAt        time.Time  `json:"started_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	PausedDurationMs int64      `json:"paused_duration_ms"`
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`
	DurationMs       *int64     `json:"duration_ms,omitempty"`

	ProgressMs      int64 `json:"progress_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	Watched         bool  `json:"watched"`
	ShortSession    bool  `json:"short_session"`
	ForceStopped    bool  `json:"force_stopped,omitempty"`

	ReferenceID *string `json:"reference_id,omitempty"`

	Fingerprint
}

// IsLive reports whether the session has not yet stopped.
func (s *Session) IsLive() bool {
	return s.StoppedAt == nil
}

// RootReferenceID returns the chain root this session should point at when
// it becomes a follower of `existing`: existing's own reference if it is
// already a follower, else existing's own id.
func RootReferenceID(existingID string, existingReferenceID *string) string {
	if existingReferenceID != nil && *existingReferenceID != "" {
		return *existingReferenceID
	}
	return existingID
}

// ActiveSession is the cache/broadcast projection of a live Session (C4).
type ActiveSession struct {
	Session
	ServerName string `json:"server_name"`
	Username   string `json:"username"`
}
