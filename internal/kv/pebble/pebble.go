// Package pebble implements the kv.Store contract over a local pebble
// database. Hashes and sets are emulated with key prefixes; pub/sub is
// in-process only, which is sufficient for a single-node deployment.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/finp2p/finp2p-router/internal/kv"
)

// Key encoding:
//   s/<key>            -> string value
//   h/<key>/<field>    -> hash field value
//   z/<key>/<member>   -> set member (empty value)
const (
	stringPrefix = "s/"
	hashPrefix   = "h/"
	setPrefix    = "z/"
)

// Store is a pebble-backed kv.Store.
type Store struct {
	db *pebble.DB

	mu     sync.Mutex
	subs   map[string][]chan string
	closed bool
}

// Open opens (or creates) a pebble store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, kv.NewStoreError("open", path, err)
	}
	return &Store{db: db, subs: make(map[string][]chan string)}, nil
}

func (s *Store) get(key []byte) (string, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", kv.ErrKeyNotFound
		}
		return "", kv.NewStoreError("get", string(key), err)
	}
	defer closer.Close()
	// Copy the value out; pebble reuses the buffer after closer.Close.
	return string(append([]byte(nil), val...)), nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.get([]byte(stringPrefix + key))
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.db.Set([]byte(stringPrefix+key), []byte(value), pebble.Sync); err != nil {
		return kv.NewStoreError("set", key, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete([]byte(stringPrefix+key), nil); err != nil {
		return kv.NewStoreError("del", key, err)
	}
	for _, prefix := range []string{hashPrefix + key + "/", setPrefix + key + "/"} {
		if err := batch.DeleteRange([]byte(prefix), upperBound([]byte(prefix)), nil); err != nil {
			return kv.NewStoreError("del", key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return kv.NewStoreError("del", key, err)
	}
	return nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	k := hashPrefix + key + "/" + field
	if err := s.db.Set([]byte(k), []byte(value), pebble.Sync); err != nil {
		return kv.NewStoreError("hset", key, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	return s.get([]byte(hashPrefix + key + "/" + field))
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	prefix := []byte(hashPrefix + key + "/")
	out := make(map[string]string)
	if err := s.scan(prefix, func(k, v []byte) {
		out[string(k[len(prefix):])] = string(v)
	}); err != nil {
		return nil, kv.NewStoreError("hgetall", key, err)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, f := range fields {
		if err := batch.Delete([]byte(hashPrefix+key+"/"+f), nil); err != nil {
			return kv.NewStoreError("hdel", key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return kv.NewStoreError("hdel", key, err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, m := range members {
		if err := batch.Set([]byte(setPrefix+key+"/"+m), nil, nil); err != nil {
			return kv.NewStoreError("sadd", key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return kv.NewStoreError("sadd", key, err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, m := range members {
		if err := batch.Delete([]byte(setPrefix+key+"/"+m), nil); err != nil {
			return kv.NewStoreError("srem", key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return kv.NewStoreError("srem", key, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	prefix := []byte(setPrefix + key + "/")
	var out []string
	if err := s.scan(prefix, func(k, _ []byte) {
		out = append(out, string(k[len(prefix):]))
	}); err != nil {
		return nil, kv.NewStoreError("smembers", key, err)
	}
	return out, nil
}

// scan iterates every key with the given prefix.
func (s *Store) scan(prefix []byte, fn func(k, v []byte)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		fn(k, v)
	}
	return iter.Error()
}

// upperBound returns the smallest key strictly greater than every key with
// the given prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	subs := make([]chan string, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return kv.ErrStoreClosed
	}
	for _, ch := range subs {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan string)
	s.mu.Unlock()

	return s.db.Close()
}
