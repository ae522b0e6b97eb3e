// Package cache accelerates repeat resolutions with a Redis-backed read
// cache of consolidated views.
//
// Keys are the cluster members' email and phone values, so a lookup by either
// field finds the view. A cached view only answers a request whose email and
// phone both already appear in it; anything else is new information and must
// go through the store. Every write path invalidates the post-write cluster's
// keys, with a short TTL as a backstop against missed invalidations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"reconcile/internal/identity"
)

const (
	emailKeyPrefix = "reconcile:view:email:"
	phoneKeyPrefix = "reconcile:view:phone:"
)

// ViewCache is a best-effort cache: every error degrades to a store read and
// never fails a resolution.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a view cache over the given client.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ViewCache {
	return &ViewCache{client: client, ttl: ttl, logger: logger}
}

// Get returns a cached view that fully covers the observation, or nil. A view
// covers the observation when every provided field already appears in it,
// which is exactly the condition under which a resolution is a pure read.
func (c *ViewCache) Get(ctx context.Context, obs identity.Observation) *identity.ConsolidatedContact {
	if c == nil {
		return nil
	}

	key := ""
	switch {
	case obs.Email != "":
		key = emailKeyPrefix + obs.Email
	case obs.Phone != "":
		key = phoneKeyPrefix + obs.Phone
	default:
		return nil
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		c.warn(ctx, "view cache read failed", err)
		return nil
	}

	var view identity.ConsolidatedContact
	if err := json.Unmarshal(raw, &view); err != nil {
		c.warn(ctx, "view cache entry corrupt", err)
		return nil
	}

	if obs.Email != "" && !contains(view.Emails, obs.Email) {
		return nil
	}
	if obs.Phone != "" && !contains(view.PhoneNumbers, obs.Phone) {
		return nil
	}
	return &view
}

// Put stores the view under every member email and phone key.
func (c *ViewCache) Put(ctx context.Context, view *identity.ConsolidatedContact) {
	if c == nil || view == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}

	pipe := c.client.Pipeline()
	for _, key := range keysOf(view) {
		pipe.Set(ctx, key, raw, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.warn(ctx, "view cache write failed", err)
	}
}

// Invalidate removes the view's keys. Called after any write touching the
// cluster, with the post-write view so demoted primaries' values are covered
// too (their emails and phones are members of the surviving cluster).
func (c *ViewCache) Invalidate(ctx context.Context, view *identity.ConsolidatedContact) {
	if c == nil || view == nil {
		return
	}
	keys := keysOf(view)
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.warn(ctx, "view cache invalidation failed", err)
	}
}

func keysOf(view *identity.ConsolidatedContact) []string {
	keys := make([]string, 0, len(view.Emails)+len(view.PhoneNumbers))
	for _, e := range view.Emails {
		keys = append(keys, emailKeyPrefix+e)
	}
	for _, p := range view.PhoneNumbers {
		keys = append(keys, phoneKeyPrefix+p)
	}
	return keys
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func (c *ViewCache) warn(ctx context.Context, msg string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.WarnContext(ctx, msg, "error", err.Error())
}
