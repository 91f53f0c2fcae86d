package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/hubcore/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "hubcore"
	maxWatchRetries  = 5
)

// RedisConfig configures a RedisRegistry.
type RedisConfig struct {
	// KeyPrefix namespaces keys (default "hubcore").
	KeyPrefix string
	// SessionTTL expires idle sessions; each write refreshes it. Zero keeps
	// sessions until they are ended.
	SessionTTL time.Duration
}

// RedisRegistry stores each session as a JSON value and indexes active
// sessions per workspace in a set. Writes to a session use WATCH so that
// concurrent resyncs of the same session do not interleave.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry backed by rdb
func NewRedisRegistry(rdb *redis.Client, cfg RedisConfig) *RedisRegistry {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &RedisRegistry{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.SessionTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisRegistry) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, sessionID)
}

func (r *RedisRegistry) workspaceKey(workspaceID string) string {
	return fmt.Sprintf("%s:workspace:%s:active", r.prefix, workspaceID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRegistry) load(ctx context.Context, g getter, sessionID string) (*models.Session, error) {
	data, err := g.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

// store queues the writes for s on pipe. previousWorkspace is removed from
// the index when the session moved workspaces.
func (r *RedisRegistry) store(ctx context.Context, pipe redis.Pipeliner, s *models.Session, previousWorkspace string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	pipe.Set(ctx, r.sessionKey(s.SessionID), data, r.ttl)
	if previousWorkspace != "" && previousWorkspace != s.WorkspaceID {
		pipe.SRem(ctx, r.workspaceKey(previousWorkspace), s.SessionID)
	}
	if s.Status.IsTerminal() {
		pipe.SRem(ctx, r.workspaceKey(s.WorkspaceID), s.SessionID)
	} else {
		pipe.SAdd(ctx, r.workspaceKey(s.WorkspaceID), s.SessionID)
	}
	return nil
}

// update runs fn against the current session under WATCH and writes the
// result. fn receives nil when the session does not exist.
func (r *RedisRegistry) update(ctx context.Context, sessionID string, fn func(existing *models.Session) (*models.Session, error)) (*models.Session, error) {
	key := r.sessionKey(sessionID)
	var result *models.Session

	txf := func(tx *redis.Tx) error {
		existing, err := r.load(ctx, tx, sessionID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		next, err := fn(existing)
		if err != nil {
			return err
		}
		previousWorkspace := ""
		if existing != nil {
			previousWorkspace = existing.WorkspaceID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.store(ctx, pipe, next, previousWorkspace)
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("failed to update session %s: too much contention", sessionID)
}

// Register upserts s. On return s carries the stored start time.
func (r *RedisRegistry) Register(ctx context.Context, s *models.Session) error {
	now := r.now()
	if err := prepare(s, now); err != nil {
		return err
	}
	stored, err := r.update(ctx, s.SessionID, func(existing *models.Session) (*models.Session, error) {
		next := *s
		if existing != nil {
			next.StartedAt = existing.StartedAt
		}
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	s.StartedAt = stored.StartedAt
	return nil
}

// ActivePeers returns active sessions in workspaceID other than
// excludeSessionID, oldest first. Index entries whose session expired are
// pruned.
func (r *RedisRegistry) ActivePeers(ctx context.Context, workspaceID, excludeSessionID string) ([]*models.Session, error) {
	wsKey := r.workspaceKey(workspaceID)
	ids, err := r.rdb.SMembers(ctx, wsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	peers := []*models.Session{}
	var candidates []string
	for _, id := range ids {
		if id != excludeSessionID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return peers, nil
	}

	keys := make([]string, len(candidates))
	for i, id := range candidates {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load peers: %w", err)
	}

	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, candidates[i])
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			log.Printf("[Registry] Warning: skipping undecodable session %s: %v", candidates[i], err)
			continue
		}
		if s.WorkspaceID != workspaceID || s.Status != models.SessionStatusActive {
			continue
		}
		peers = append(peers, &s)
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, wsKey, stale...).Err(); err != nil {
			log.Printf("[Registry] Warning: failed to prune expired sessions from %s: %v", workspaceID, err)
		}
	}

	sortPeers(peers)
	return peers, nil
}

// Resync applies u atomically.
func (r *RedisRegistry) Resync(ctx context.Context, sessionID string, u Update) (*models.Session, error) {
	return r.ResyncFunc(ctx, sessionID, func(*models.Session) Update { return u })
}

// ResyncFunc builds the update from the session read under WATCH. A
// conflicting write reruns build against the fresh value.
func (r *RedisRegistry) ResyncFunc(ctx context.Context, sessionID string, build func(*models.Session) Update) (*models.Session, error) {
	return r.update(ctx, sessionID, func(existing *models.Session) (*models.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		build(existing).apply(existing, r.now())
		return existing, nil
	})
}

// End marks a session handed off or completed and drops it from the
// workspace index.
func (r *RedisRegistry) End(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	if err := validateEndStatus(status); err != nil {
		return nil, err
	}
	return r.update(ctx, sessionID, func(existing *models.Session) (*models.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		now := r.now()
		existing.Status = status
		existing.UpdatedAt = now
		existing.EndedAt = &now
		return existing, nil
	})
}

// Get retrieves a session by ID
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return r.load(ctx, r.rdb, sessionID)
}
