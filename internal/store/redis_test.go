package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBroadcasterInvalidatesRemoteStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	backend := NewMemoryBackend()
	seedMgr := NewManager(backend, nil)
	seed, err := seedMgr.Begin(ctx)
	require.NoError(t, err)
	w := newWidget("v1")
	require.NoError(t, seed.Add(w))
	require.NoError(t, seed.Commit(ctx, true))

	local := NewRedisBroadcaster(client, nil)
	remote := NewRedisBroadcaster(client, nil)
	require.NoError(t, local.Listen(ctx))

	reader, err := seedMgr.Begin(ctx)
	require.NoError(t, err)
	seen, err := Load[*widget](ctx, reader, w.ID)
	require.NoError(t, err)

	// Another process changed the row directly in the shared database.
	tx, err := backend.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, Record{Key: KeyOf(w), Data: []byte(`{"id":"` + w.ID.String() + `","name":"v2","count":0,"number":0,"station":"st-1"}`)}))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, remote.Publish(ctx, []Key{KeyOf(w)}))

	require.Eventually(t, func() bool {
		got, err := Load[*widget](ctx, reader, w.ID)
		return err == nil && got.Name == "v2"
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, "v2", seen.Name)
	require.NoError(t, reader.Rollback(ctx, true))
}
