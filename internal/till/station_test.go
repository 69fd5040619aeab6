package till_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

func TestEnsureStationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	stores := store.NewManager(store.NewMemoryBackend(), nil)

	st, err := stores.Begin(ctx)
	require.NoError(t, err)
	first, err := till.EnsureStation(ctx, st, "loja", "caixa-02")
	require.NoError(t, err)
	require.Equal(t, till.StationID("caixa-02"), first.ID)
	require.Equal(t, till.BranchID("loja"), first.BranchID)
	require.NoError(t, st.Commit(ctx, true))

	st, err = stores.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = st.Rollback(ctx, true) }()
	again, err := till.EnsureStation(ctx, st, "loja", "caixa-02")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Zero(t, st.PendingCount())

	_, err = till.EnsureStation(ctx, st, "loja", "")
	require.Error(t, err)
}
