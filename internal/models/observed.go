package models

// ObservedSession is the unified shape a media-server adapter produces from
// its raw protocol response. Adapters
// themselves are out of scope; this type is the contract the core consumes.
type ObservedSession struct {
	SessionKey     string
	ExternalUserID string
	Username       string
	UserThumb      string

	RatingKey      string
	MediaTitle     string
	MediaType      MediaType
	ShowTitle      string
	SeasonNumber   int
	EpisodeNumber  int
	Year           int
	Artwork        string
	ShowArtwork    string
	ChannelArtwork string
	TrackArtwork   string

	IPAddress  string
	PlayerName string
	DeviceID   string
	Product    string
	Device     string
	Platform   string

	Resolution    string // e.g. "1080" or "4k"
	BitrateKbps   int64
	VideoDecision TranscodeDecision
	AudioDecision TranscodeDecision
	IsTranscode   bool

	State SessionState

	TotalDurationMs int64
	ProgressMs      int64

	// LastPausedDate is jellyfin-only: when set, it takes precedence over a
	// state-inferred pause stamp.
	LastPausedDate *int64 // unix millis, nil if not reported
}

// ProcessedSession is ObservedSession normalized by the Session Mapper (C2):
// quality/device/platform strings canonicalized and artwork resolved.
type ProcessedSession struct {
	ObservedSession
	Quality            string
	NormalizedDevice   string
	NormalizedPlatform string
	ArtworkPath        string
}

// SessionUpdate is a server-push notification keyed by the adapter's session
// key.
type SessionUpdate struct {
	ServerID   string
	SessionKey string
	RatingKey  string
	Kind       PushEventKind
	ProgressMs int64
}

type PushEventKind string

const (
	PushEventPlaying  PushEventKind = "playing"
	PushEventPaused   PushEventKind = "paused"
	PushEventStopped  PushEventKind = "stopped"
	PushEventProgress PushEventKind = "progress"
)
