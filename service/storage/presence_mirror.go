package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: chat:presence:<user>
// value 是持有连接的网关 id，TTL 决定在线有效期，由网关周期续期。
func presenceKey(userID int64) string {
	return "chat:presence:" + strconv.FormatInt(userID, 10)
}

// RedisPresence 把单进程的在线表镜像到 redis，供其它进程查询。
// 写失败只影响跨进程可见性，不影响本地在线判定。
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// SetOnline 标记用户在线并续期 TTL
func (p *RedisPresence) SetOnline(ctx context.Context, userID int64, gatewayID string, ttl time.Duration) error {
	return p.rdb.Set(ctx, presenceKey(userID), gatewayID, ttl).Err()
}

// SetOffline 主动下线（删 key）
func (p *RedisPresence) SetOffline(ctx context.Context, userID int64) error {
	return p.rdb.Del(ctx, presenceKey(userID)).Err()
}

// Lookup 查询用户是否在线以及落在哪个网关
func (p *RedisPresence) Lookup(ctx context.Context, userID int64) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
