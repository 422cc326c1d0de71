// Package aggregator periodically recomputes the cached dashboard
// statistics. The cache entry is derived state: any session or
// violation write invalidates it, and this job repopulates it on a timer.
package aggregator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/store"
)

const DefaultInterval = 60 * time.Second

// DashboardStats is the cached derived-statistics shape.
type DashboardStats struct {
	ActiveSessions  int       `json:"active_sessions"`
	PausedSessions  int       `json:"paused_sessions"`
	ViolationsToday int       `json:"violations_today"`
	GeneratedAt     time.Time `json:"generated_at"`
}

type Aggregator struct {
	store    *store.Store
	cache    *cache.Cache
	interval time.Duration
	enabled  bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Aggregator)

func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithEnabled toggles the background refresh; RunOnce still works when
// disabled.
func WithEnabled(enabled bool) Option {
	return func(a *Aggregator) { a.enabled = enabled }
}

func New(s *store.Store, c *cache.Cache, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    s,
		cache:    c,
		interval: DefaultInterval,
		enabled:  true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the refresh loop. A second Start while running only logs.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.enabled {
		log.Println("aggregator: disabled, not starting")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		log.Println("aggregator: already running")
		return
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx)
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	if err := a.RunOnce(ctx); err != nil {
		log.Printf("aggregator: initial refresh: %v", err)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				log.Printf("aggregator: refresh: %v", err)
			}
		}
	}
}

// RunOnce recomputes the statistics and writes the cache entry.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	live, err := a.store.LiveSessions(ctx)
	if err != nil {
		return err
	}
	paused := 0
	for _, s := range live {
		if s.State == models.SessionStatePaused {
			paused++
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	violationsToday, err := a.store.CountViolationsSince(ctx, midnight)
	if err != nil {
		return err
	}

	stats := DashboardStats{
		ActiveSessions:  len(live),
		PausedSessions:  paused,
		ViolationsToday: violationsToday,
		GeneratedAt:     now,
	}
	return a.cache.SetDashboardStats(ctx, stats)
}
