package services

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
)

// EventPublisher delivers lifecycle events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events []models.LifecycleEvent) error
	Close() error
}

// RedisPublisher implements EventPublisher using a Redis stream
type RedisPublisher struct {
	client    *redis.Client
	stream    string
	maxLength int64
}

// NewRedisPublisher creates a new Redis publisher
func NewRedisPublisher(addr string, db int, stream string, maxLength int64) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	return &RedisPublisher{
		client:    client,
		stream:    stream,
		maxLength: maxLength,
	}
}

// Ping checks that the Redis server answers.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish appends every event to the stream in one pipeline. The stream is
// trimmed approximately to the configured maximum length.
func (p *RedisPublisher) Publish(ctx context.Context, events []models.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return trackererrors.NewSink("redis", "encode event "+ev.ListingID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLength,
			Approx: p.maxLength > 0,
			Values: map[string]interface{}{
				"type":       string(ev.Type),
				"listing_id": ev.ListingID,
				"date":       ev.Date,
				"payload":    string(payload),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return trackererrors.NewSink("redis", "publish to "+p.stream, err)
	}
	return nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

var _ EventPublisher = (*RedisPublisher)(nil)
