package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const poolKey = "presence:pool"

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Presence pool operations. The pool is a sorted set scored by the member's
// last activity time so stale entries can be swept by score range.

func (r *RedisClient) AddToPool(ctx context.Context, userID string, lastActivity time.Time) error {
	return r.client.ZAdd(ctx, poolKey, redis.Z{
		Score:  float64(lastActivity.Unix()),
		Member: userID,
	}).Err()
}

func (r *RedisClient) RemoveFromPool(ctx context.Context, userID string) error {
	return r.client.ZRem(ctx, poolKey, userID).Err()
}

func (r *RedisClient) InPool(ctx context.Context, userID string) (bool, error) {
	err := r.client.ZScore(ctx, poolKey, userID).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisClient) PoolMembers(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, poolKey, 0, -1).Result()
}

// SweepPool removes members whose score is older than cutoff and returns how
// many were dropped.
func (r *RedisClient) SweepPool(ctx context.Context, cutoff time.Time) (int64, error) {
	max := fmt.Sprintf("%d", cutoff.Unix())
	return r.client.ZRemRangeByScore(ctx, poolKey, "-inf", max).Result()
}

// AcquireSweepLease takes a short exclusive lease so only one instance
// enqueues a given periodic task per interval. The lease simply expires; it
// is never released early, which caps the sweep rate even across restarts.
func (r *RedisClient) AcquireSweepLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "sweeplease:"+name, 1, ttl).Result()
}

// Pub/Sub for real-time user notifications across instances.

// PublishUserEvent fans an event out to whichever instance holds the user's
// connection. The returned count is the number of subscribers that received
// it; zero means the user is reachable nowhere.
func (r *RedisClient) PublishUserEvent(ctx context.Context, userID string, eventType string, payload any) (int64, error) {
	channel := fmt.Sprintf("user:%s:events", userID)
	envelope := map[string]any{
		"type":      eventType,
		"data":      payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return 0, err
	}

	return r.client.Publish(ctx, channel, data).Result()
}

type RedisSubscriber struct {
	*redis.PubSub
}

func (rs *RedisSubscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return rs.PubSub.ReceiveMessage(ctx)
}

func (r *RedisClient) SubscribeToUserEvents(ctx context.Context, userID string) *RedisSubscriber {
	channel := fmt.Sprintf("user:%s:events", userID)
	pubsub := r.client.Subscribe(ctx, channel)
	return &RedisSubscriber{PubSub: pubsub}
}
