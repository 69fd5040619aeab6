package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPings(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()

	client, err := New(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	srv.Close()
	_, err = New(context.Background(), addr)
	require.Error(t, err)
}
