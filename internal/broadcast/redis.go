package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one case-activity message fanned out to connected clients.
// Payloads carry identifiers only, never document contents.
type Event struct {
	Event      string         `json:"event"`
	CaseID     string         `json:"caseId"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

// RedisPublisher fans case activity out over redis pub/sub. Delivery is best
// effort; a failed publish never affects the transition that triggered it.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts)}, nil
}

// NewRedisPublisherWithClient wraps an existing client, mainly for tests.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func channelFor(caseID string) string {
	return "case:" + caseID + ":events"
}

func (p *RedisPublisher) Publish(ctx context.Context, event, caseID string, attributes map[string]any) error {
	payload, err := json.Marshal(Event{
		Event:      event,
		CaseID:     caseID,
		Attributes: attributes,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}
	if err := p.client.Publish(ctx, channelFor(caseID), payload).Err(); err != nil {
		return fmt.Errorf("publish case event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription for one case's activity channel. The caller
// drains msgs until ctx is done; closing is handled internally.
func (p *RedisPublisher) Subscribe(ctx context.Context, caseID string) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, channelFor(caseID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe case events: %w", err)
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
			case m, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
