// Package mesh keeps a node's view of its peers and wires each peer's pins
// into the local router through balanced transport clients.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// ErrMemberNotFound is returned when a member id is unknown.
var ErrMemberNotFound = errors.New("member not found")

// Member is one node as published in the registry.
type Member struct {
	ID       string   `json:"id"`
	Instance string   `json:"instance,omitempty"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Pins     []string `json:"pins"`
	Model    string   `json:"model,omitempty"`
	Base     bool     `json:"base,omitempty"`
	Joined   int64    `json:"joined,omitempty"`
}

// Registry stores live members. Entries expire unless refreshed.
type Registry interface {
	Register(ctx context.Context, m Member, ttl time.Duration) error
	Deregister(ctx context.Context, id string) error
	Members(ctx context.Context) ([]Member, error)
	Close() error
}

// RedisRegistry implements Registry on Redis. Every member is a JSON value with
// a TTL plus an entry in a sorted set scored by its expiry.
type RedisRegistry struct {
	client *backend.Client
	prefix string
}

// RegistryOption configures a RedisRegistry.
type RegistryOption func(*RedisRegistry)

// WithPrefix sets the key prefix of the registry.
func WithPrefix(prefix string) RegistryOption {
	return func(r *RedisRegistry) {
		r.prefix = prefix
	}
}

// NewRedisRegistry connects a registry to the given server.
func NewRedisRegistry(address, password string, db int, opts ...RegistryOption) *RedisRegistry {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisRegistryFromClient(rdb, opts...)
}

// NewRedisRegistryFromClient creates a registry on an existing client.
func NewRedisRegistryFromClient(client *backend.Client, opts ...RegistryOption) *RedisRegistry {
	r := &RedisRegistry{
		client: client,
		prefix: "microwizard:mesh:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + "member:" + id
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + "members"
}

// Register stores m and refreshes its expiry.
func (r *RedisRegistry) Register(ctx context.Context, m Member, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(m.ID), data, ttl)
	pipe.ZAdd(ctx, r.indexKey(), backend.Z{
		Score:  float64(time.Now().Add(ttl).UnixMilli()),
		Member: m.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register member: %w", err)
	}
	return nil
}

// Deregister removes a member.
func (r *RedisRegistry) Deregister(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key(id))
	pipe.ZRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister member: %w", err)
	}
	return nil
}

// Members returns the live members. Expired index entries are pruned first.
func (r *RedisRegistry) Members(ctx context.Context) ([]Member, error) {
	now := time.Now().UnixMilli()
	err := r.client.ZRemRangeByScore(ctx, r.indexKey(), "-inf", fmt.Sprintf("%d", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired members: %w", err)
	}

	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}

	members := make([]Member, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// value expired before its index entry
			r.client.ZRem(ctx, r.indexKey(), ids[i])
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal member %s: %w", ids[i], err)
		}
		members = append(members, m)
	}
	return members, nil
}

// Get returns one member.
func (r *RedisRegistry) Get(ctx context.Context, id string) (Member, error) {
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, fmt.Errorf("failed to get member: %w", err)
	}

	var m Member
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return Member{}, fmt.Errorf("failed to unmarshal member: %w", err)
	}
	return m, nil
}

// Close closes the redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
