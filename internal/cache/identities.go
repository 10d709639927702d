package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// payloadVersion is bumped whenever the cached JSON layout changes.
const payloadVersion = 1

// Loader loads active identities from the primary store.
type Loader interface {
	LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error)
}

// kv is the subset of redis.Cmdable the cache needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type payload struct {
	Version    int                       `json:"version"`
	CachedAt   time.Time                 `json:"cached_at"`
	Identities []database.StoredIdentity `json:"identities"`
}

// IdentitySource serves LoadActiveIdentities from Redis, falling back to the primary store on a
// miss or any Redis failure. Redis is never required for correctness.
type IdentitySource struct {
	next Loader
	rdb  kv
	key  string
	ttl  time.Duration
	log  *zap.Logger
}

// NewIdentitySource decorates next with a Redis cache stored under key for ttl.
func NewIdentitySource(next Loader, rdb kv, key string, ttl time.Duration, logger *zap.Logger) *IdentitySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentitySource{
		next: next,
		rdb:  rdb,
		key:  key,
		ttl:  ttl,
		log:  logger.Named("cache"),
	}
}

// LoadActiveIdentities returns the cached identity set or loads and caches it.
func (s *IdentitySource) LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error) {
	if identities, ok := s.get(ctx); ok {
		return identities, nil
	}

	identities, err := s.next.LoadActiveIdentities(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, identities)
	return identities, nil
}

// Purge drops the cached identity set.
func (s *IdentitySource) Purge(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", s.key, err)
	}
	return nil
}

func (s *IdentitySource) get(ctx context.Context) ([]database.StoredIdentity, bool) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.log.Warn("reading identity cache failed, using primary store", zap.Error(err))
		return nil, false
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.Version != payloadVersion {
		s.log.Warn("discarding unreadable identity cache entry", zap.Error(err), zap.Int("version", p.Version))
		return nil, false
	}
	s.log.Debug("identity cache hit", zap.Int("identities", len(p.Identities)), zap.Time("cached_at", p.CachedAt))
	return p.Identities, true
}

func (s *IdentitySource) set(ctx context.Context, identities []database.StoredIdentity) {
	data, err := json.Marshal(payload{Version: payloadVersion, CachedAt: time.Now().UTC(), Identities: identities})
	if err != nil {
		s.log.Warn("encoding identity cache entry failed", zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		s.log.Warn("writing identity cache failed", zap.Error(err))
	}
}
