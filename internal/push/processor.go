// Package push is the Push Processor: one consumer task per
// attached server reading playing/paused/stopped/progress notifications and
// driving the Lifecycle Core for the affected session keys. When an event
// contradicts local state, it asks for a reconciliation poll instead of
// guessing.
package push

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/lifecycle"
	"github.com/ydkmlt84/tracearr/internal/mapper"
	"github.com/ydkmlt84/tracearr/internal/mediaserver"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/store"
)

// GeoResolver is the cached IP resolution path shared with the poller.
type GeoResolver interface {
	Resolve(ip string) *models.GeoResult
}

// RuleWindowDays bounds the history loaded as rule-engine input.
const RuleWindowDays = 7

type Processor struct {
	store *store.Store
	cache *cache.Cache
	core  *lifecycle.Core
	geo   GeoResolver

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func New(s *store.Store, c *cache.Cache, core *lifecycle.Core, geo GeoResolver) *Processor {
	return &Processor{
		store: s,
		cache: c,
		core:  core,
		geo:   geo,
		subs:  make(map[string]context.CancelFunc),
	}
}

// Attach subscribes to one server's push stream and consumes it until Detach
// or Stop. Attaching an already-attached server replaces the subscription.
func (p *Processor) Attach(ctx context.Context, server *models.Server, adapter mediaserver.MediaServer, rt mediaserver.RealtimeSubscriber) error {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := rt.Subscribe(subCtx)
	if err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	if old, ok := p.subs[server.ID]; ok {
		old()
	}
	p.subs[server.ID] = cancel
	p.mu.Unlock()

	srv := *server
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-subCtx.Done():
				return
			case update, ok := <-ch:
				if !ok {
					return
				}
				p.handle(subCtx, &srv, adapter, update)
			}
		}
	}()
	return nil
}

// Detach unsubscribes one server.
func (p *Processor) Detach(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.subs[serverID]; ok {
		cancel()
		delete(p.subs, serverID)
	}
}

// Stop unsubscribes everything and waits for in-flight events to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	for id, cancel := range p.subs {
		cancel()
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Processor) handle(ctx context.Context, server *models.Server, adapter mediaserver.MediaServer, u models.SessionUpdate) {
	var err error
	switch u.Kind {
	case models.PushEventPlaying:
		err = p.handlePlaying(ctx, server, adapter, u)
	case models.PushEventPaused:
		err = p.handlePaused(ctx, server, u)
	case models.PushEventStopped:
		err = p.handleStopped(ctx, server, u)
	case models.PushEventProgress:
		err = p.handleProgress(ctx, server, u)
	default:
		return
	}
	if err != nil {
		// One dropped event; the next poll tick reconverges.
		log.Printf("push %s: %s event for key %s: %v", server.Name, u.Kind, u.SessionKey, err)
	}
}

// snapshot fetches the adapter's current view of one session key.
func (p *Processor) snapshot(ctx context.Context, adapter mediaserver.MediaServer, sessionKey string) (*models.ObservedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, mediaserver.AdapterTimeout)
	defer cancel()
	sessions, err := adapter.GetSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].SessionKey == sessionKey {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

func (p *Processor) handlePlaying(ctx context.Context, server *models.Server, adapter mediaserver.MediaServer, u models.SessionUpdate) error {
	existing, err := p.store.FindLiveByKey(ctx, server.ID, u.SessionKey)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	obs, err := p.snapshot(ctx, adapter, u.SessionKey)
	if err != nil {
		return err
	}
	if obs == nil {
		// The adapter no longer knows this key. If we track it, our state
		// has drifted; ask for a poll rather than guessing a stop.
		if existing != nil {
			p.requestReconciliation(ctx, server.ID)
		}
		return nil
	}
	processed := mapper.Process(*obs)

	if existing != nil {
		if processed.RatingKey != "" && existing.RatingKey != "" && existing.RatingKey != processed.RatingKey {
			return p.mediaChange(ctx, server, existing, processed)
		}
		serverUser, err := p.store.GetServerUser(ctx, existing.ServerUserID)
		if err != nil {
			return err
		}
		_, err = p.core.UpdateExistingSession(ctx, existing, processed, models.SessionStatePlaying, server.Name, serverUser.Username)
		return err
	}

	return p.createFromObservation(ctx, server, processed)
}

func (p *Processor) mediaChange(ctx context.Context, server *models.Server, existing *models.Session, processed models.ProcessedSession) error {
	serverUser, err := p.store.GetServerUser(ctx, existing.ServerUserID)
	if err != nil {
		return err
	}
	geo := p.resolve(processed.IPAddress)
	activeRules, err := p.store.ActiveRules(ctx)
	if err != nil {
		return err
	}
	recent, err := p.store.BatchRecentSessionsByUsers(ctx, []string{serverUser.ID}, RuleWindowDays)
	if err != nil {
		return err
	}
	_, err = p.core.HandleMediaChange(ctx, existing, processed, server, serverUser, geo, activeRules, recent[serverUser.ID])
	return err
}

func (p *Processor) createFromObservation(ctx context.Context, server *models.Server, processed models.ProcessedSession) error {
	serverUser, err := p.ensureServerUser(ctx, server, processed.ObservedSession)
	if err != nil {
		return err
	}
	geo := p.resolve(processed.IPAddress)
	activeRules, err := p.store.ActiveRules(ctx)
	if err != nil {
		return err
	}
	recent, err := p.store.BatchRecentSessionsByUsers(ctx, []string{serverUser.ID}, RuleWindowDays)
	if err != nil {
		return err
	}
	_, err = p.core.CreateUnderLock(ctx, processed, server, serverUser, geo, activeRules, recent[serverUser.ID])
	if errors.Is(err, lifecycle.ErrLockNotAcquired) || errors.Is(err, lifecycle.ErrSessionExists) {
		return nil
	}
	return err
}

func (p *Processor) ensureServerUser(ctx context.Context, server *models.Server, obs models.ObservedSession) (*models.ServerUser, error) {
	if obs.ExternalUserID == "" {
		return nil, errors.New("observation carries no external user id")
	}
	known, err := p.store.ServerUsersByServer(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	if su, ok := known[obs.ExternalUserID]; ok {
		return &su, nil
	}
	created, err := p.store.CreateServerUsersBatch(ctx, []store.NewServerUser{{
		ServerID:   server.ID,
		ExternalID: obs.ExternalUserID,
		Username:   obs.Username,
		ThumbURL:   obs.UserThumb,
	}})
	if err != nil {
		return nil, err
	}
	return &created[0], nil
}

func (p *Processor) resolve(ip string) *models.GeoResult {
	if p.geo == nil {
		return nil
	}
	return p.geo.Resolve(ip)
}

func (p *Processor) handlePaused(ctx context.Context, server *models.Server, u models.SessionUpdate) error {
	existing, err := p.store.FindLiveByKey(ctx, server.ID, u.SessionKey)
	if errors.Is(err, models.ErrNotFound) {
		// A pause for a session we never saw start: state gap.
		p.requestReconciliation(ctx, server.ID)
		return nil
	}
	if err != nil {
		return err
	}
	serverUser, err := p.store.GetServerUser(ctx, existing.ServerUserID)
	if err != nil {
		return err
	}
	processed := processedFromExisting(existing, u)
	_, err = p.core.UpdateExistingSession(ctx, existing, processed, models.SessionStatePaused, server.Name, serverUser.Username)
	return err
}

func (p *Processor) handleStopped(ctx context.Context, server *models.Server, u models.SessionUpdate) error {
	all, err := p.store.FindAllLiveByKey(ctx, server.ID, u.SessionKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range all {
		if _, err := p.core.StopSessionAtomic(ctx, &all[i], now, false, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleProgress(ctx context.Context, server *models.Server, u models.SessionUpdate) error {
	existing, err := p.store.FindLiveByKey(ctx, server.ID, u.SessionKey)
	if errors.Is(err, models.ErrNotFound) {
		p.requestReconciliation(ctx, server.ID)
		return nil
	}
	if err != nil {
		return err
	}
	serverUser, err := p.store.GetServerUser(ctx, existing.ServerUserID)
	if err != nil {
		return err
	}
	_, err = p.core.UpdateProgress(ctx, existing, u.ProgressMs, server.Name, serverUser.Username)
	return err
}

// requestReconciliation asks the poller for a one-shot pass over serverID.
func (p *Processor) requestReconciliation(ctx context.Context, serverID string) {
	if err := p.cache.Publish(ctx, cache.TopicReconciliation, map[string]string{"server_id": serverID}); err != nil {
		log.Printf("push: publishing reconciliation for %s: %v", serverID, err)
	}
}

// processedFromExisting synthesizes the minimal processed view for events
// that carry no snapshot (paused): everything carries over from the live row
// except progress.
func processedFromExisting(existing *models.Session, u models.SessionUpdate) models.ProcessedSession {
	progress := u.ProgressMs
	if progress == 0 {
		progress = existing.ProgressMs
	}
	return models.ProcessedSession{
		ObservedSession: models.ObservedSession{
			SessionKey:      existing.SessionKey,
			RatingKey:       existing.RatingKey,
			MediaTitle:      existing.Title,
			MediaType:       existing.MediaType,
			State:           models.SessionStatePaused,
			ProgressMs:      progress,
			TotalDurationMs: existing.TotalDurationMs,
			BitrateKbps:     existing.BitrateKbps,
		},
		Quality: existing.Quality,
	}
}
