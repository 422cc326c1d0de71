// Package cache operates the key-value projection of the live session
// population plus the distributed create-lock and the event bus. The cache is derived state only: the database's "stopped_at IS
// NULL" guard is the arbiter of session existence, and every write here goes
// through an atomic pipeline or an atomic SET primitive — never
// read-modify-write.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ydkmlt84/tracearr/internal/models"
)

const (
	activeIDsKey      = "tracearr:active:ids"
	sessionKeyPrefix  = "tracearr:sessions:"
	dashboardStatsKey = "tracearr:dashboard:stats"

	sessionPayloadTTL = time.Hour
	dashboardTTL      = 5 * time.Minute

	// createLockTTL bounds how long a crashed lock holder can block the
	// other producer.
	createLockTTL = 5 * time.Second

	commandTimeout = 3 * time.Second
)

type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection before returning.
func New(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func sessionPayloadKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// CreateLockKey is the durable lock keyspace shape.
func CreateLockKey(serverID, sessionKey string) string {
	return fmt.Sprintf("session:lock:%s:%s", serverID, sessionKey)
}

// AddActiveSession registers a live session: add-id + setex payload +
// dashboard invalidation, in one pipeline.
func (c *Cache) AddActiveSession(ctx context.Context, as *models.ActiveSession) error {
	payload, err := json.Marshal(as)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, activeIDsKey, as.ID)
	pipe.Set(ctx, sessionPayloadKey(as.ID), payload, sessionPayloadTTL)
	pipe.Del(ctx, dashboardStatsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add active session: %w", err)
	}
	return nil
}

// UpdateActiveSession refreshes a live session's payload. Same pipeline as
// AddActiveSession; SADD on a present member is a no-op, so the two are
// interchangeable and always leave the set and the payload consistent.
func (c *Cache) UpdateActiveSession(ctx context.Context, as *models.ActiveSession) error {
	return c.AddActiveSession(ctx, as)
}

// RemoveActiveSession drops a stopped session: remove-id + del payload +
// dashboard invalidation, in one pipeline.
func (c *Cache) RemoveActiveSession(ctx context.Context, sessionID string) error {
	pipe := c.client.Pipeline()
	pipe.SRem(ctx, activeIDsKey, sessionID)
	pipe.Del(ctx, sessionPayloadKey(sessionID))
	pipe.Del(ctx, dashboardStatsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove active session: %w", err)
	}
	return nil
}

// SyncActiveSessions applies a poll tick's deltas in a single pipeline:
// upserts (new and updated sessions) plus removals for stopped ones.
func (c *Cache) SyncActiveSessions(ctx context.Context, upserts []models.ActiveSession, stoppedIDs []string) error {
	if len(upserts) == 0 && len(stoppedIDs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for i := range upserts {
		payload, err := json.Marshal(&upserts[i])
		if err != nil {
			return fmt.Errorf("marshal active session: %w", err)
		}
		pipe.SAdd(ctx, activeIDsKey, upserts[i].ID)
		pipe.Set(ctx, sessionPayloadKey(upserts[i].ID), payload, sessionPayloadTTL)
	}
	for _, id := range stoppedIDs {
		pipe.SRem(ctx, activeIDsKey, id)
		pipe.Del(ctx, sessionPayloadKey(id))
	}
	pipe.Del(ctx, dashboardStatsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sync active sessions: %w", err)
	}
	return nil
}

// ActiveSessionIDs returns the membership set of the live index.
func (c *Cache) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, activeIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active session ids: %w", err)
	}
	return ids, nil
}

// ActiveSessions unions the ID set with the per-id payloads. IDs whose
// payload has expired are pruned from the set on the way out — a stale ID is
// not an error, just a member that outlived its SETEX.
func (c *Cache) ActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	ids, err := c.ActiveSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionPayloadKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("active session payloads: %w", err)
	}

	var out []models.ActiveSession
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok || raw == "" {
			stale = append(stale, ids[i])
			continue
		}
		var as models.ActiveSession
		if err := json.Unmarshal([]byte(raw), &as); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, as)
	}
	if len(stale) > 0 {
		if err := c.client.SRem(ctx, activeIDsKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune stale session ids: %w", err)
		}
	}
	return out, nil
}

// WithSessionCreateLock serializes the Poller/Push-Processor creation race
// for one (server, session key): SET NX EX, run op on success, always
// release. acquired=false means the other producer holds it and the caller
// must skip creation.
func (c *Cache) WithSessionCreateLock(ctx context.Context, serverID, sessionKey string, op func() error) (acquired bool, err error) {
	key := CreateLockKey(serverID, sessionKey)
	ok, err := c.client.SetNX(ctx, key, "1", createLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire create lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer c.client.Del(context.WithoutCancel(ctx), key)
	return true, op()
}

// SetDashboardStats caches the aggregator's derived statistics.
func (c *Cache) SetDashboardStats(ctx context.Context, stats any) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal dashboard stats: %w", err)
	}
	if err := c.client.Set(ctx, dashboardStatsKey, payload, dashboardTTL).Err(); err != nil {
		return fmt.Errorf("set dashboard stats: %w", err)
	}
	return nil
}

// GetDashboardStats unmarshals the cached statistics into dest, reporting
// whether an entry was present.
func (c *Cache) GetDashboardStats(ctx context.Context, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, dashboardStatsKey).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get dashboard stats: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal dashboard stats: %w", err)
	}
	return true, nil
}
