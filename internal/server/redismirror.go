package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/windyrun/tunnel/internal/obs"
)

const redisOpTimeout = 2 * time.Second

// RedisMirror publishes tunnel presence to Redis so external dashboards can
// see registrations across instances. The in-memory Registry stays
// authoritative for routing; keys expire on their own if an instance dies
// without unregistering.
type RedisMirror struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
}

// NewRedisMirror connects and verifies the Redis endpoint.
func NewRedisMirror(addr, password string, db int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisMirror{
		client:     rdb,
		instanceID: "tunneld-" + uuid.NewString(),
		keyTTL:     5 * time.Minute,
	}, nil
}

var _ Mirror = (*RedisMirror)(nil)

func (m *RedisMirror) TunnelRegistered(info TunnelInfo) { m.write(info) }

// TunnelSeen refreshes the record and its TTL on every heartbeat.
func (m *RedisMirror) TunnelSeen(info TunnelInfo) { m.write(info) }

func (m *RedisMirror) write(info TunnelInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		obs.Error("redis.mirror.marshal", obs.Fields{"err": err.Error(), "subdomain": info.Subdomain})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := m.client.Pipeline()
	pipe.Set(ctx, "tunnel:"+info.Subdomain, data, m.keyTTL)
	pipe.Set(ctx, "instance:"+info.Subdomain, m.instanceID, m.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.mirror.set", obs.Fields{"err": err.Error(), "subdomain": info.Subdomain})
	}
}

func (m *RedisMirror) TunnelRemoved(subdomain string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := m.client.Pipeline()
	pipe.Del(ctx, "tunnel:"+subdomain)
	pipe.Del(ctx, "instance:"+subdomain)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.mirror.del", obs.Fields{"err": err.Error(), "subdomain": subdomain})
	}
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error { return m.client.Close() }
