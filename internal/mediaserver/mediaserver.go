// Package mediaserver defines the adapter contracts the core consumes.
// Concrete HTTP clients for plex/jellyfin/emby live outside
// the core; anything satisfying MediaServer can be polled, and anything
// satisfying RealtimeSubscriber can feed the push processor.
package mediaserver

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// AdapterTimeout is the deadline every adapter call runs under. A timeout
// bubbles up and the server is skipped for the current poll tick.
const AdapterTimeout = 10 * time.Second

// RemoteUser is one viewer account as the media server reports it.
type RemoteUser struct {
	ExternalID string
	Username   string
	ThumbURL   string
}

// Library is one content library on the media server.
type Library struct {
	ID   string
	Name string
	Type string
}

// MediaServer is the per-variant adapter client.
type MediaServer interface {
	Name() string
	Variant() models.ServerVariant
	GetSessions(ctx context.Context) ([]models.ObservedSession, error)
	GetUsers(ctx context.Context) ([]RemoteUser, error)
	GetLibraries(ctx context.Context) ([]Library, error)
	TestConnection(ctx context.Context) error
}

// RealtimeSubscriber is the server-push event stream (plex). The channel
// closes when the subscription ends; consumers range over it.
type RealtimeSubscriber interface {
	Subscribe(ctx context.Context) (<-chan models.SessionUpdate, error)
}

// Limited wraps a MediaServer with a call-rate limiter and the adapter
// deadline, so a misbehaving poll loop cannot hammer a server.
type Limited struct {
	inner   MediaServer
	limiter *rate.Limiter
}

// Limit wraps ms so each call first reserves limiter capacity and then runs
// under AdapterTimeout.
func Limit(ms MediaServer, limit rate.Limit, burst int) *Limited {
	return &Limited{inner: ms, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string                  { return l.inner.Name() }
func (l *Limited) Variant() models.ServerVariant { return l.inner.Variant() }

func (l *Limited) GetSessions(ctx context.Context) ([]models.ObservedSession, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, AdapterTimeout)
	defer cancel()
	return l.inner.GetSessions(ctx)
}

func (l *Limited) GetUsers(ctx context.Context) ([]RemoteUser, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, AdapterTimeout)
	defer cancel()
	return l.inner.GetUsers(ctx)
}

func (l *Limited) GetLibraries(ctx context.Context) ([]Library, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, AdapterTimeout)
	defer cancel()
	return l.inner.GetLibraries(ctx)
}

func (l *Limited) TestConnection(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, AdapterTimeout)
	defer cancel()
	return l.inner.TestConnection(ctx)
}
