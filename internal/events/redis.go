package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imyashkale/sitedeploy/internal/logger"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultChannel  = "sitedeploy:events"
	historyKey      = "sitedeploy:events:recent"
	historyLength   = 1000
	redisOpTimeout  = 500 * time.Millisecond
	redisDialBudget = 2 * time.Second
)

// RedisPublisher publishes events on a Redis channel and keeps a capped history list
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisPublisher connects to Redis and verifies the connection
func NewRedisPublisher(addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialBudget)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logger.WithField("addr", addr).Info("Connected to Redis event bus")
	return NewRedisPublisherWithClient(client), nil
}

// NewRedisPublisherWithClient wraps an existing client
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: defaultChannel, timeout: redisOpTimeout}
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.LPush(ctx, historyKey, payload)
	pipe.LTrim(ctx, historyKey, 0, historyLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (p *RedisPublisher) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > historyLength {
		limit = historyLength
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe streams events until ctx is done
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Publisher
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
