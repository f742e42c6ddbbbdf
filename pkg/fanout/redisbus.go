package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus over redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client redis.UniversalClient
	log    *slog.Logger
	// maxElapsed bounds how long Subscribe keeps retrying the confirmation.
	maxElapsed time.Duration
}

func NewRedisBus(client redis.UniversalClient, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, log: log, maxElapsed: 30 * time.Second}
}

func (r *RedisBus) Publish(ctx context.Context, topic string, msg string) error {
	return r.client.Publish(ctx, topic, msg).Err()
}

// Subscribe waits for redis to confirm the subscription, retrying with
// exponential backoff, before returning the message channel.
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan string, func() error, error) {
	sub := r.client.Subscribe(ctx, topic)
	attempt := 0
	if _, err := backoff.Retry(ctx, func() (interface{}, error) {
		attempt++
		v, err := sub.Receive(ctx)
		if err != nil {
			r.log.Warn("redis subscribe not confirmed", "topic", topic, "attempt", attempt, "err", err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(r.maxElapsed)); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to confirm subscription to %s: %w", topic, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}
