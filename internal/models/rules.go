package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ydkmlt84/tracearr/internal/units"
)

type RuleType string

const (
	RuleTypeImpossibleTravel  RuleType = "impossible_travel"
	RuleTypeSimultaneousLocs  RuleType = "simultaneous_locations"
	RuleTypeDeviceVelocity    RuleType = "device_velocity"
	RuleTypeConcurrentStreams RuleType = "concurrent_streams"
	RuleTypeGeoRestriction    RuleType = "geo_restriction"

	RuleTypeNewDevice   RuleType = "new_device"
	RuleTypeNewLocation RuleType = "new_location"
	RuleTypeISPVelocity RuleType = "isp_velocity"
)

func (rt RuleType) Valid() bool {
	switch rt {
	case RuleTypeImpossibleTravel, RuleTypeSimultaneousLocs, RuleTypeDeviceVelocity,
		RuleTypeConcurrentStreams, RuleTypeGeoRestriction,
		RuleTypeNewDevice, RuleTypeNewLocation, RuleTypeISPVelocity:
		return true
	}
	return false
}

// MultiSession reports whether a rule type's violations carry relatedSessionIds
// and therefore require the advisory-lock-guarded dedup path.
func (rt RuleType) MultiSession() bool {
	switch rt {
	case RuleTypeConcurrentStreams, RuleTypeSimultaneousLocs:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityWarning, SeverityHigh:
		return true
	}
	return false
}

// TrustPenalty is the default severity-to-decrement table.
func (s Severity) TrustPenalty() int {
	switch s {
	case SeverityHigh:
		return 20
	case SeverityWarning:
		return 10
	case SeverityLow:
		return 5
	default:
		return 0
	}
}

// DefaultSeverity is the rule-type default severity mapping.
func (rt RuleType) DefaultSeverity() Severity {
	switch rt {
	case RuleTypeGeoRestriction, RuleTypeImpossibleTravel:
		return SeverityHigh
	case RuleTypeConcurrentStreams, RuleTypeSimultaneousLocs:
		return SeverityWarning
	case RuleTypeDeviceVelocity, RuleTypeISPVelocity:
		return SeverityLow
	default:
		return SeverityLow
	}
}

// Rule is a configured policy, global or scoped to one ServerUser.
type Rule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         RuleType        `json:"type"`
	Parameters   json.RawMessage `json:"parameters"`
	IsActive     bool            `json:"is_active"`
	ServerUserID *string         `json:"server_user_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if !r.Type.Valid() {
		return errors.New("invalid rule type")
	}
	if len(r.Parameters) == 0 {
		r.Parameters = json.RawMessage("{}")
	}
	return nil
}

// AppliesTo reports whether this rule should be evaluated for serverUserID:
// global rules apply to everyone, scoped rules only to their owner.
func (r *Rule) AppliesTo(serverUserID string) bool {
	return r.ServerUserID == nil || *r.ServerUserID == serverUserID
}

type ImpossibleTravelParams struct {
	MaxSpeedKmh float64 `json:"max_speed_kmh"`
	WindowHours int     `json:"window_hours"`
	UnitSystem  string  `json:"unit_system,omitempty"`
}

// Units parses the configured display unit system, defaulting to metric.
func (p *ImpossibleTravelParams) Units() units.System {
	return units.ParseSystem(p.UnitSystem)
}

func (p *ImpossibleTravelParams) Validate() {
	if p.MaxSpeedKmh <= 0 {
		p.MaxSpeedKmh = 800
	}
	if p.WindowHours <= 0 {
		p.WindowHours = 24
	}
}

type SimultaneousLocationsParams struct {
	MinDistanceKm float64 `json:"min_distance_km"`
	UnitSystem    string  `json:"unit_system,omitempty"`
}

func (p *SimultaneousLocationsParams) Units() units.System {
	return units.ParseSystem(p.UnitSystem)
}

func (p *SimultaneousLocationsParams) Validate() {
	if p.MinDistanceKm <= 0 {
		p.MinDistanceKm = 50
	}
}

type DeviceVelocityParams struct {
	MaxIPs      int `json:"max_ips"`
	WindowHours int `json:"window_hours"`
}

func (p *DeviceVelocityParams) Validate() {
	if p.MaxIPs <= 0 {
		p.MaxIPs = 3
	}
	if p.WindowHours <= 0 {
		p.WindowHours = 1
	}
}

type ConcurrentStreamsParams struct {
	MaxStreams int `json:"max_streams"`
}

func (p *ConcurrentStreamsParams) Validate() {
	if p.MaxStreams <= 0 {
		p.MaxStreams = 2
	}
}

type GeoRestrictionParams struct {
	BlockedCountries []string `json:"blocked_countries"`
}

type NewDeviceParams struct {
	WindowDays int `json:"window_days"`
}

func (p *NewDeviceParams) Validate() {
	if p.WindowDays <= 0 {
		p.WindowDays = 30
	}
}

type NewLocationParams struct {
	MinDistanceKm float64 `json:"min_distance_km"`
}

func (p *NewLocationParams) Validate() {
	if p.MinDistanceKm <= 0 {
		p.MinDistanceKm = 50
	}
}

type ISPVelocityParams struct {
	MaxISPs     int `json:"max_isps"`
	WindowHours int `json:"window_hours"`
}

func (p *ISPVelocityParams) Validate() {
	if p.MaxISPs <= 0 {
		p.MaxISPs = 2
	}
	if p.WindowHours <= 0 {
		p.WindowHours = 6
	}
}

// RuleResult is the output of one evaluator run against one session.
type RuleResult struct {
	Rule     *Rule
	Violated bool
	Severity Severity
	Data     RuleResultData
}

// RuleResultData is the opaque per-result payload. RelatedSessionIDs is set
// for multi-session rule types (concurrent_streams, simultaneous_locations).
type RuleResultData struct {
	Message           string                 `json:"message"`
	RelatedSessionIDs []string               `json:"related_session_ids,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// Violation is a recorded policy breach.
type Violation struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	RuleType       RuleType        `json:"rule_type"`
	ServerUserID   string          `json:"server_user_id"`
	SessionID      string          `json:"session_id"`
	Severity       Severity        `json:"severity"`
	Data           json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// DedupWindow is the 5-minute unacknowledged-violation window.
const DedupWindow = 5 * time.Minute
