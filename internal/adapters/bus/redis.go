// Package bus adapts Redis pub/sub to the core.Bus contract used for
// all signaling traffic with the meeting stack.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisBus struct {
	rc *redis.Client
}

// Connect dials Redis and verifies the connection, retrying with
// exponential backoff while the broker comes up.
func Connect(ctx context.Context, addr, password string, db int) (*RedisBus, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	if err := backoff.Retry(func() error {
		return rc.Ping(ctx).Err()
	}, policy); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	log.Info().Str("module", "adapters.bus").Str("addr", addr).Msg("connected to redis")
	return &RedisBus{rc: rc}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", channel, err)
	}
	if err := b.rc.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe pumps channel into h on a dedicated goroutine until ctx
// ends. go-redis re-establishes the pubsub connection on its own.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h func(data []byte)) error {
	ps := b.rc.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	log.Info().Str("module", "adapters.bus").Str("channel", channel).Msg("subscribed")

	go func() {
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("module", "adapters.bus").Str("channel", channel).Msg("subscription closed")
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn().Str("module", "adapters.bus").Str("channel", channel).Msg("subscription channel closed")
					return
				}
				h([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.rc.Close()
}
