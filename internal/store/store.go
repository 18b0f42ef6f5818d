package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store wraps a connection pool to the Redis engine. All repositories
// share one Store; subscriptions additionally take dedicated pub/sub
// connections via Subscribe.
type Store struct {
	client *redis.Client
}

func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Publish sends payload to all current subscribers of topic. Fire and
// forget: nothing is retained for absent subscribers.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a subscription on topic. The returned PubSub holds a
// dedicated connection which is released by closing it.
func (s *Store) Subscribe(ctx context.Context, topic string) *redis.PubSub {
	return s.client.Subscribe(ctx, topic)
}
