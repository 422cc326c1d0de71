// Package mapper normalizes a media-server adapter's raw ObservedSession
// into a ProcessedSession: quality/device/platform strings canonicalized,
// and an artwork path resolved by media type.
package mapper

import (
	"fmt"
	"strings"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// Process normalizes an ObservedSession into a ProcessedSession.
func Process(obs models.ObservedSession) models.ProcessedSession {
	return models.ProcessedSession{
		ObservedSession:    obs,
		Quality:            quality(obs),
		NormalizedDevice:   normalizeDevice(obs.Device),
		NormalizedPlatform: normalizePlatform(obs.Platform),
		ArtworkPath:        artworkPath(obs),
	}
}

// quality picks the adapter's resolution string first, normalized into a
// display bucket; falls back to a bitrate-derived estimate, then to a bare
// transcode/direct label.
func quality(obs models.ObservedSession) string {
	if res := normalizeResolution(obs.Resolution); res != "" {
		return res
	}
	if obs.BitrateKbps > 0 {
		mbps := float64(obs.BitrateKbps) / 1000.0
		return fmt.Sprintf("%.0fMbps", mbps)
	}
	if obs.IsTranscode {
		return "Transcoding"
	}
	return "Direct"
}

// normalizeResolution maps adapter resolution strings (plex reports "4k",
// "1080", "sd"; jellyfin/emby report pixel heights or widths) onto the
// canonical display buckets. Widescreen/anamorphic heights are
// recognized by width where the reported value looks like a height rather
// than the canonical vertical resolution.
func normalizeResolution(res string) string {
	r := strings.ToLower(strings.TrimSpace(res))
	if r == "" {
		return ""
	}
	switch r {
	case "4k", "2160", "2160p":
		return "4K"
	case "1080", "1080p":
		return "1080p"
	case "720", "720p":
		return "720p"
	case "480", "480p", "sd":
		return "480p"
	case "576", "576p":
		return "576p"
	}
	// Some adapters report a bare width for anamorphic/widescreen content
	// (e.g. 3840 for 4K, 1920 for 1080p) instead of the canonical height.
	switch {
	case r == "3840" || r == "4096":
		return "4K"
	case r == "1920":
		return "1080p"
	case r == "1280":
		return "720p"
	}
	return strings.ToUpper(r[:1]) + r[1:]
}

// deviceMap canonicalizes adapter-reported device identifiers.
var deviceMap = map[string]string{
	"androidtv":   "Android TV",
	"android tv":  "Android TV",
	"appletv":     "Apple TV",
	"apple tv":    "Apple TV",
	"tizen":       "Samsung TV",
	"samsung":     "Samsung TV",
	"webos":       "LG TV",
	"lg":          "LG TV",
	"roku":        "Roku",
	"xbox":        "Xbox",
	"playstation": "PlayStation",
	"ps4":         "PlayStation",
	"ps5":         "PlayStation",
	"chromecast":  "Chromecast",
	"ios":         "iOS",
	"iphone":      "iOS",
	"ipad":        "iOS",
	"android":     "Android",
}

func normalizeDevice(device string) string {
	key := strings.ToLower(strings.TrimSpace(device))
	if canon, ok := deviceMap[key]; ok {
		return canon
	}
	for k, v := range deviceMap {
		if strings.Contains(key, k) {
			return v
		}
	}
	if device == "" {
		return "Unknown"
	}
	return device
}

// platformMap canonicalizes adapter-reported client platform/browser names.
// A name equal to or containing a key (e.g. "Chrome Mobile") is rewritten to that
// key's canonical name; any other non-empty platform is returned as reported.
var platformMap = map[string]string{
	"safari":  "Safari",
	"chrome":  "Chrome",
	"firefox": "Firefox",
	"edge":    "Edge",
	"tizen":   "Tizen/Samsung TV",
	"samsung": "Tizen/Samsung TV",
}

func normalizePlatform(platform string) string {
	key := strings.ToLower(strings.TrimSpace(platform))
	if canon, ok := platformMap[key]; ok {
		return canon
	}
	for k, v := range platformMap {
		if strings.Contains(key, k) {
			return v
		}
	}
	if platform == "" {
		return "Unknown"
	}
	return platform
}

// artworkPath picks artwork by media type: episodes prefer
// the show's thumbnail over the episode's own, live TV prefers the channel
// thumbnail, music prefers the track's own art.
func artworkPath(obs models.ObservedSession) string {
	switch obs.MediaType {
	case models.MediaTypeEpisode:
		if obs.ShowArtwork != "" {
			return obs.ShowArtwork
		}
		return obs.Artwork
	case models.MediaTypeLive:
		if obs.ChannelArtwork != "" {
			return obs.ChannelArtwork
		}
		return obs.Artwork
	case models.MediaTypeTrack:
		if obs.TrackArtwork != "" {
			return obs.TrackArtwork
		}
		return obs.Artwork
	default:
		return obs.Artwork
	}
}
