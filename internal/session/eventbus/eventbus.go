// Package eventbus is the optional cross-process fan-out for session
// lifecycle events. The in-process default (internal/uibus.LocalBus) is
// enough for a single `research run` invocation; a deployment that runs
// several batches across processes sharing one dashboard wires a
// RedisPublisher here instead, so every process's final session status
// (completed, failed or cancelled) reaches the same stream. Grounded on the teacher's internal/queue/producer.go
// (a redis.Client wrapped behind a narrow interface, XAdd onto one stream,
// structured log line alongside the enqueue).
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one session lifecycle transition.
type Event struct {
	SessionID string
	Phase     string
	Status    string
	Message   string
	At        time.Time
}

// Publisher fans Events out to whatever cross-process transport backs it.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// RedisPublisher publishes session Events onto a single redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher returns a Publisher writing onto the given stream name.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	values := map[string]any{
		"session_id": evt.SessionID,
		"phase":      evt.Phase,
		"status":     evt.Status,
		"message":    evt.Message,
		"at":         evt.At.Format(time.RFC3339Nano),
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("eventbus: publish (stream=%s): %w", p.stream, err)
	}

	slog.InfoContext(ctx, "published session event",
		"session_id", evt.SessionID, "phase", evt.Phase, "status", evt.Status, "stream", p.stream)
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
