package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultMembershipTTL bounds how long memberships of a crashed instance's connections linger in Redis.
const defaultMembershipTTL = 24 * time.Hour

// Registry tracks which connections belong to which groups.
type Registry interface {
	Add(ctx context.Context, connectionID, group string) error
	// RemoveAll removes the connection from every group and returns those groups.
	RemoveAll(ctx context.Context, connectionID string) ([]string, error)
	Members(ctx context.Context, group string) ([]string, error)
}

// MemoryRegistry is a registry for a single instance.
type MemoryRegistry struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
	conns  map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		groups: make(map[string]map[string]struct{}),
		conns:  make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRegistry) Add(_ context.Context, connectionID, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[group] == nil {
		r.groups[group] = make(map[string]struct{})
	}
	r.groups[group][connectionID] = struct{}{}

	if r.conns[connectionID] == nil {
		r.conns[connectionID] = make(map[string]struct{})
	}
	r.conns[connectionID][group] = struct{}{}

	return nil
}

func (r *MemoryRegistry) RemoveAll(_ context.Context, connectionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]string, 0, len(r.conns[connectionID]))
	for g := range r.conns[connectionID] {
		groups = append(groups, g)

		delete(r.groups[g], connectionID)
		if len(r.groups[g]) == 0 {
			delete(r.groups, g)
		}
	}
	delete(r.conns, connectionID)

	sort.Strings(groups)
	return groups, nil
}

func (r *MemoryRegistry) Members(_ context.Context, group string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		members = append(members, id)
	}

	sort.Strings(members)
	return members, nil
}

type RedisRegistryConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// RedisRegistry shares group membership between instances.
type RedisRegistry struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(c RedisRegistryConfig) *RedisRegistry {
	r := &RedisRegistry{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if r.ttl <= 0 {
		r.ttl = defaultMembershipTTL
	}

	return r
}

func (r *RedisRegistry) Add(ctx context.Context, connectionID, group string) error {
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.getGroupKey(group), connectionID)
		p.Expire(ctx, r.getGroupKey(group), r.ttl)
		p.SAdd(ctx, r.getConnKey(connectionID), group)
		p.Expire(ctx, r.getConnKey(connectionID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", connectionID, group, err)
	}

	return nil
}

func (r *RedisRegistry) RemoveAll(ctx context.Context, connectionID string) ([]string, error) {
	groups, err := r.redis.SMembers(ctx, r.getConnKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get groups of %s: %w", connectionID, err)
	}

	_, err = r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, g := range groups {
			p.SRem(ctx, r.getGroupKey(g), connectionID)
		}
		p.Del(ctx, r.getConnKey(connectionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove %s from groups: %w", connectionID, err)
	}

	sort.Strings(groups)
	return groups, nil
}

func (r *RedisRegistry) Members(ctx context.Context, group string) ([]string, error) {
	members, err := r.redis.SMembers(ctx, r.getGroupKey(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("get members of %s: %w", group, err)
	}

	sort.Strings(members)
	return members, nil
}

func (r *RedisRegistry) getGroupKey(group string) string {
	return fmt.Sprintf("%s:group:%s", r.prefix, group)
}

func (r *RedisRegistry) getConnKey(connectionID string) string {
	return fmt.Sprintf("%s:conn:%s:groups", r.prefix, connectionID)
}
