// Package memory implements the kv.Store contract entirely in process.
// It backs tests and standalone single-router deployments.
package memory

import (
	"context"
	"sync"

	"github.com/finp2p/finp2p-router/internal/kv"
)

// Store is an in-memory kv.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	subs    map[string][]chan string
	closed  bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string][]chan string),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", kv.ErrStoreClosed
	}
	v, ok := s.strings[key]
	if !ok {
		return "", kv.ErrKeyNotFound
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	s.strings[key] = value
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	return nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", kv.ErrStoreClosed
	}
	v, ok := s.hashes[key][field]
	if !ok {
		return "", kv.ErrKeyNotFound
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.mu.RLock()
	subs := make([]chan string, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return kv.ErrStoreClosed
	}
	for _, ch := range subs {
		// Non-blocking: a slow subscriber must not stall the publisher.
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, kv.ErrStoreClosed
	}

	ch := make(chan string, 64)
	s.subs[channel] = append(s.subs[channel], ch)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, sub := range subs {
			if sub == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan string)
	return nil
}
