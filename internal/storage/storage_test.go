package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBMetaGetSet(t *testing.T) {
	ctx := context.Background()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get(ctx, "identity")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set(ctx, "identity", "v1"))
	require.NoError(t, db.Set(ctx, "identity", "v2"))
	got, err := db.Get(ctx, "identity")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestDBPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, "identity", "stable"))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(ctx, "identity")
	require.NoError(t, err)
	assert.Equal(t, "stable", got)
}

func TestPeerCacheKeepsAddrsOnEmptyUpdate(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.UpsertCachedPeer(CachedPeer{PeerID: "p1", Name: "Ana", Addrs: []string{"/ip4/10.0.0.2/tcp/4001"}}))
	require.NoError(t, db.UpsertCachedPeer(CachedPeer{PeerID: "p1", Name: "Ana B"}))

	p, ok := db.GetCachedPeer("p1")
	require.True(t, ok)
	assert.Equal(t, "Ana B", p.Name)
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001"}, p.Addrs)
	assert.Equal(t, "Ana B", db.GetPeerName("p1"))

	list, err := db.ListCachedPeers()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteCachedPeer("p1"))
	_, ok = db.GetCachedPeer("p1")
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}), "together:")
	defer store.Close()

	_, err = store.Get(ctx, "identity")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "identity", "key-bytes"))
	got, err := store.Get(ctx, "identity")
	require.NoError(t, err)
	assert.Equal(t, "key-bytes", got)
	assert.True(t, s.Exists("together:identity"))
}

func TestDialRedisFailsFast(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	_, err = DialRedis(context.Background(), addr, "", "")
	assert.Error(t, err)
}
