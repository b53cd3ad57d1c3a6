// Package redis implements the kv.Store contract over a Redis server. This
// is the backend for shared deployments where two routers aggregate dual
// confirmations through the same store.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/finp2p/finp2p-router/internal/kv"
)

// Store is a Redis-backed kv.Store.
type Store struct {
	client *goredis.Client

	mu   sync.Mutex
	subs []*goredis.PubSub
}

// Open connects to the Redis server at url (redis://host:port/db).
func Open(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, kv.NewStoreError("open", url, err)
	}
	return &Store{client: goredis.NewClient(opts)}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrKeyNotFound
	}
	if err != nil {
		return "", kv.NewStoreError("get", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return kv.NewStoreError("set", key, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return kv.NewStoreError("del", key, err)
	}
	return nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return kv.NewStoreError("hset", key, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrKeyNotFound
	}
	if err != nil {
		return "", kv.NewStoreError("hget", key, err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, kv.NewStoreError("hgetall", key, err)
	}
	return v, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return kv.NewStoreError("hdel", key, err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return kv.NewStoreError("sadd", key, err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return kv.NewStoreError("srem", key, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, kv.NewStoreError("smembers", key, err)
	}
	return v, nil
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return kv.NewStoreError("publish", channel, err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, kv.NewStoreError("subscribe", channel, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return kv.NewStoreError("ping", "", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Close()
	}
	s.subs = nil
	s.mu.Unlock()
	return s.client.Close()
}
