package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finp2p/finp2p-router/internal/kv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStringOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v1", got)

	require.NoError(t, s.Set(ctx, "k", "v2"))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", got)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestHashOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f1", "a"))
	require.NoError(t, s.HSet(ctx, "h", "f2", "b"))

	got, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.Equal(t, "a", got)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "a", "f2": "b"}, all)

	require.NoError(t, s.HDel(ctx, "h", "f1"))
	_, err = s.HGet(ctx, "h", "f1")
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	// Field names must not leak across hash keys.
	require.NoError(t, s.HSet(ctx, "h2", "f9", "z"))
	all, err = s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f2": "b"}, all)
}

func TestSetOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "s", "a", "b", "a"))
	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "s", "a"))
	members, err = s.SMembers(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "durable", "yes"))
	require.NoError(t, s.HSet(ctx, "h", "f", "v"))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "durable")
	require.NoError(t, err)
	require.Equal(t, "yes", got)
	got, err = s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestPubSub(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msgs, cancel, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "chan", "hello"))
	require.Equal(t, "hello", <-msgs)
}

func TestPingAfterClose(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}
