package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream events are appended to.
const DefaultStream = "videogen:events"

// RedisEmitter appends events to a Redis stream.
type RedisEmitter struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// RedisConfig holds stream settings.
type RedisConfig struct {
	Stream string

	// MaxLen caps the stream length (approximate trimming, default 5000)
	MaxLen int64
}

// NewRedisEmitter creates an emitter writing through client.
func NewRedisEmitter(client redis.Cmdable, cfg RedisConfig) *RedisEmitter {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 5000
	}
	return &RedisEmitter{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

func (e *RedisEmitter) Emit(ctx context.Context, ev Event) error {
	if err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func streamValues(ev Event) map[string]any {
	data := []byte("{}")
	if len(ev.Data) > 0 {
		if b, err := json.Marshal(ev.Data); err == nil {
			data = b
		}
	}
	return map[string]any{
		"job_id": ev.JobID,
		"type":   string(ev.Type),
		"state":  ev.State,
		"ts":     ev.Time.UTC().Format(time.RFC3339Nano),
		"data":   string(data),
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
