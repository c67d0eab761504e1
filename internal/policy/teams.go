package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TeamResolver looks up the teams an external agent belongs to.
type TeamResolver interface {
	TeamIDs(ctx context.Context, externalAgentID string) ([]string, error)
}

// StaticTeams resolves team ids from a fixed map.
type StaticTeams map[string][]string

// TeamIDs implements TeamResolver.
func (s StaticTeams) TeamIDs(_ context.Context, externalAgentID string) ([]string, error) {
	return s[externalAgentID], nil
}

// TeamCache memoizes TeamResolver lookups with a bounded size and TTL.
// Each evaluator owns its own cache.
type TeamCache struct {
	resolver TeamResolver
	cache    *expirable.LRU[string, []string]
}

// NewTeamCache wraps resolver. size <= 0 defaults to 1024, ttl <= 0 to 5 minutes.
func NewTeamCache(resolver TeamResolver, size int, ttl time.Duration) *TeamCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TeamCache{
		resolver: resolver,
		cache:    expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

// Resolve returns the team ids of externalAgentID, consulting the resolver on a miss.
func (c *TeamCache) Resolve(ctx context.Context, externalAgentID string) ([]string, error) {
	if externalAgentID == "" {
		return nil, nil
	}
	if ids, ok := c.cache.Get(externalAgentID); ok {
		return ids, nil
	}
	ids, err := c.resolver.TeamIDs(ctx, externalAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve teams for %s: %w", externalAgentID, err)
	}
	c.cache.Add(externalAgentID, ids)
	return ids, nil
}

// Purge drops every cached entry.
func (c *TeamCache) Purge() {
	c.cache.Purge()
}
