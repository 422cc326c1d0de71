// Package poller is the periodic observer: every tick it
// fetches each server's active sessions, normalizes them, and drives the
// Lifecycle Core — create under the distributed lock, update in place, stop
// what disappeared. Servers are polled in parallel; within one server the
// tick is sequential.
package poller

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/lifecycle"
	"github.com/ydkmlt84/tracearr/internal/mapper"
	"github.com/ydkmlt84/tracearr/internal/mediaserver"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/store"
)

const DefaultInterval = 60 * time.Second

// RuleWindowDays bounds the per-user history loaded as rule-engine input.
const RuleWindowDays = 7

// GeoResolver is the cached IP resolution path shared with the push processor.
type GeoResolver interface {
	Resolve(ip string) *models.GeoResult
}

type serverEntry struct {
	server  models.Server
	adapter mediaserver.MediaServer
}

type Poller struct {
	store    *store.Store
	cache    *cache.Cache
	core     *lifecycle.Core
	geo      GeoResolver
	interval time.Duration

	mu      sync.RWMutex
	servers map[string]serverEntry

	startOnce   sync.Once
	cancel      context.CancelFunc
	done        chan struct{}
	triggerPoll chan string
	pollNotify  chan struct{}

	unsubscribe func()
}

func New(s *store.Store, c *cache.Cache, core *lifecycle.Core, geo GeoResolver, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:       s,
		cache:       c,
		core:        core,
		geo:         geo,
		interval:    interval,
		servers:     make(map[string]serverEntry),
		triggerPoll: make(chan string, 8),
		pollNotify:  make(chan struct{}, 1),
	}
}

// AddServer registers a server for polling from the next tick on.
func (p *Poller) AddServer(server models.Server, adapter mediaserver.MediaServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[server.ID] = serverEntry{server: server, adapter: adapter}
}

// RemoveServer stops polling a server. Its live sessions are closed out on
// the next tick of whatever server observes them — or never, which the next
// restart reconciles.
func (p *Poller) RemoveServer(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, serverID)
}

// Start launches the poll loop and subscribes to reconciliation requests
// from the push processor. Second and later calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.done = make(chan struct{})

		unsub, err := p.cache.Subscribe(ctx, cache.TopicReconciliation, func(payload []byte) {
			var req struct {
				ServerID string `json:"server_id"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				log.Printf("poller: undecodable reconciliation request: %v", err)
				return
			}
			p.TriggerPoll(req.ServerID)
		})
		if err != nil {
			log.Printf("poller: subscribing to reconciliation requests: %v", err)
		} else {
			p.unsubscribe = unsub
		}

		go p.run(ctx)
	})
}

func (p *Poller) Stop() {
	if p.cancel != nil && p.done != nil {
		p.cancel()
		<-p.done
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// TriggerPoll requests an out-of-band poll. Empty serverID means all
// servers. Non-blocking; a full queue drops the request (the ticker is the
// backstop).
func (p *Poller) TriggerPoll(serverID string) {
	select {
	case p.triggerPoll <- serverID:
	default:
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx, "")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, "")
		case serverID := <-p.triggerPoll:
			p.poll(ctx, serverID)
		}
	}
}

// poll runs one tick over every registered server (or just one), in
// parallel across servers. A failing server is logged and skipped; the
// others proceed.
func (p *Poller) poll(ctx context.Context, onlyServerID string) {
	p.mu.RLock()
	entries := make([]serverEntry, 0, len(p.servers))
	for id, e := range p.servers {
		if onlyServerID != "" && id != onlyServerID {
			continue
		}
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	var g errgroup.Group
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := p.pollServer(ctx, entry); err != nil {
				log.Printf("polling %s: %v", entry.server.Name, err)
			}
			return nil
		})
	}
	g.Wait()

	select {
	case p.pollNotify <- struct{}{}:
	default:
	}
}

func (p *Poller) pollServer(ctx context.Context, entry serverEntry) error {
	srv := entry.server

	fetchCtx, cancel := context.WithTimeout(ctx, mediaserver.AdapterTimeout)
	observed, err := entry.adapter.GetSessions(fetchCtx)
	cancel()
	if err != nil {
		return err
	}

	processed := make([]models.ProcessedSession, 0, len(observed))
	for _, obs := range observed {
		processed = append(processed, mapper.Process(obs))
	}

	users, err := p.ensureServerUsers(ctx, srv.ID, processed)
	if err != nil {
		return err
	}

	live, err := p.store.LiveSessionsByServer(ctx, srv.ID)
	if err != nil {
		return err
	}
	liveByKey := make(map[string]*models.Session, len(live))
	for i := range live {
		liveByKey[live[i].SessionKey] = &live[i]
	}

	activeRules, err := p.store.ActiveRules(ctx)
	if err != nil {
		return err
	}

	userIDs := make([]string, 0, len(users))
	for _, su := range users {
		userIDs = append(userIDs, su.ID)
	}
	recentByUser, err := p.store.BatchRecentSessionsByUsers(ctx, userIDs, RuleWindowDays)
	if err != nil {
		return err
	}

	for _, ps := range processed {
		su, ok := users[ps.ExternalUserID]
		if !ok {
			log.Printf("poller %s: observation %s has no server user %q, skipping", srv.Name, ps.SessionKey, ps.ExternalUserID)
			continue
		}
		existing, seen := liveByKey[ps.SessionKey]
		if seen {
			delete(liveByKey, ps.SessionKey)
			if err := p.applyToExisting(ctx, srv, &su, existing, ps, activeRules, recentByUser[su.ID]); err != nil {
				log.Printf("poller %s: updating session %s: %v", srv.Name, ps.SessionKey, err)
			}
			continue
		}
		if err := p.createSession(ctx, srv, &su, ps, activeRules, recentByUser[su.ID]); err != nil {
			log.Printf("poller %s: creating session %s: %v", srv.Name, ps.SessionKey, err)
		}
	}

	// Anything still in liveByKey was not observed this tick: stopped.
	now := time.Now().UTC()
	for _, gone := range liveByKey {
		if _, err := p.core.StopSessionAtomic(ctx, gone, now, false, false); err != nil {
			log.Printf("poller %s: stopping session %s: %v", srv.Name, gone.SessionKey, err)
		}
	}
	return nil
}

// ensureServerUsers loads this server's user map and batch-inserts anyone
// observed for the first time.
func (p *Poller) ensureServerUsers(ctx context.Context, serverID string, processed []models.ProcessedSession) (map[string]models.ServerUser, error) {
	users, err := p.store.ServerUsersByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	var missing []store.NewServerUser
	seen := make(map[string]struct{})
	for _, ps := range processed {
		if ps.ExternalUserID == "" {
			continue
		}
		if _, ok := users[ps.ExternalUserID]; ok {
			continue
		}
		if _, dup := seen[ps.ExternalUserID]; dup {
			continue
		}
		seen[ps.ExternalUserID] = struct{}{}
		missing = append(missing, store.NewServerUser{
			ServerID:   serverID,
			ExternalID: ps.ExternalUserID,
			Username:   ps.Username,
			ThumbURL:   ps.UserThumb,
		})
	}
	if len(missing) > 0 {
		created, err := p.store.CreateServerUsersBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, su := range created {
			users[su.ExternalID] = su
		}
	}
	return users, nil
}

func (p *Poller) applyToExisting(ctx context.Context, srv models.Server, su *models.ServerUser, existing *models.Session, ps models.ProcessedSession, activeRules []models.Rule, recent []models.Session) error {
	if ps.RatingKey != "" && existing.RatingKey != "" && existing.RatingKey != ps.RatingKey {
		_, err := p.core.HandleMediaChange(ctx, existing, ps, &srv, su, p.resolve(ps.IPAddress), activeRules, recent)
		return err
	}
	newState := ps.State
	if newState != models.SessionStatePaused {
		newState = models.SessionStatePlaying
	}
	_, err := p.core.UpdateExistingSession(ctx, existing, ps, newState, srv.Name, su.Username)
	return err
}

func (p *Poller) createSession(ctx context.Context, srv models.Server, su *models.ServerUser, ps models.ProcessedSession, activeRules []models.Rule, recent []models.Session) error {
	_, err := p.core.CreateUnderLock(ctx, ps, &srv, su, p.resolve(ps.IPAddress), activeRules, recent)
	switch err {
	case nil, lifecycle.ErrLockNotAcquired, lifecycle.ErrSessionExists:
		// Not acquired / already created: the other producer owns this one.
		return nil
	default:
		return err
	}
}

func (p *Poller) resolve(ip string) *models.GeoResult {
	if p.geo == nil {
		return nil
	}
	return p.geo.Resolve(ip)
}
