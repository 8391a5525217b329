package discovery

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/route"
)

const redisKeyPrefix = "playhouse:servers:"

// Redis keeps one TTL'd hash per member under playhouse:servers:<id>. A
// member that stops refreshing simply expires; nothing is ever pruned by
// hand. Corrupt entries parse to Disabled so they cannot attract traffic.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and pings. ttl <= 0 takes the 10s default.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging registry redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// UpdateServerInfo publishes self with a fresh TTL and scans out every
// live member.
func (r *Redis) UpdateServerInfo(ctx context.Context, self mesh.ServerInfo) ([]mesh.ServerInfo, error) {
	key := redisKeyPrefix + self.ServerID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"server_type": self.Type.String(),
		"service_id":  int(self.ServiceID),
		"address":     self.Address,
		"state":       self.State.String(),
		"weight":      self.Weight,
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("publishing server info for %q: %w", self.ServerID, err)
	}

	var out []mesh.ServerInfo
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		fields, err := r.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		if len(fields) == 0 {
			// Истёк между SCAN и HGETALL.
			continue
		}
		out = append(out, infoFromFields(strings.TrimPrefix(k, redisKeyPrefix), fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning server registry: %w", err)
	}
	slices.SortFunc(out, func(a, b mesh.ServerInfo) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return out, nil
}

func infoFromFields(id string, f map[string]string) mesh.ServerInfo {
	serviceID, _ := strconv.Atoi(f["service_id"])
	weight, _ := strconv.Atoi(f["weight"])
	return mesh.ServerInfo{
		ServerID:  id,
		Type:      route.ParseServerType(f["server_type"]),
		ServiceID: uint16(serviceID),
		Address:   f["address"],
		State:     mesh.ParseState(f["state"]),
		Weight:    weight,
	}
}
