// Package idempotency deduplicates side-effecting actions by a
// caller-supplied key scoped to the calling agent.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/leadops/internal/persistence"
)

const DefaultTTL = 24 * time.Hour

// Store is the slice of persistence.Store the cache needs.
type Store interface {
	GetIdempotency(ctx context.Context, agentID, key string) (*persistence.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec persistence.IdempotencyRecord) error
	DeleteExpiredIdempotency(ctx context.Context, agentID, key string, now time.Time) error
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Action is the wrapped side effect. Its result must be JSON.
type Action func(ctx context.Context) (json.RawMessage, error)

// Result is what Handle returns. Cached is true when Body came from a
// previous execution.
type Result struct {
	Cached bool
	Body   json.RawMessage
}

type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs action at most once per (agentID, key) within the TTL. An empty
// key runs action directly. Action errors are returned and never cached.
// Storage trouble degrades to running the action uncached; it never fails a
// call whose action succeeded.
func (c *Cache) Handle(ctx context.Context, agentID, key string, action Action) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		body, err := action(ctx)
		return Result{Body: body}, err
	}

	now := c.now()
	rec, err := c.store.GetIdempotency(ctx, agentID, key)
	switch {
	case err != nil:
		c.logger.Warn("idempotency lookup failed; executing uncached",
			"agent_id", agentID, "idempotency_key", key, "error", err)
	case rec != nil && !rec.Expired(now):
		return Result{Cached: true, Body: json.RawMessage(rec.ResultBody)}, nil
	case rec != nil:
		if err := c.store.DeleteExpiredIdempotency(ctx, agentID, key, now); err != nil {
			c.logger.Warn("delete expired idempotency record failed",
				"agent_id", agentID, "idempotency_key", key, "error", err)
		}
	}

	body, err := action(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	stored := persistence.IdempotencyRecord{
		AgentID:    agentID,
		Key:        key,
		ResultBody: body,
		ExpiresAt:  now.Add(c.ttl),
		CreatedAt:  now,
	}
	if err := c.store.PutIdempotency(ctx, stored); err != nil {
		c.logger.Warn("store idempotency record failed",
			"agent_id", agentID, "idempotency_key", key, "error", err)
	}
	return Result{Body: body}, nil
}

// PurgeExpired deletes every inert record.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	return c.store.PurgeExpiredIdempotency(ctx, c.now())
}
