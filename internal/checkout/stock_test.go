package checkout

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
)

func TestFirstAvailableSpreadsOverBatches(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	req := BatchRequest{
		Item:     sales.SaleItem{Code: "789"},
		Quantity: decimal.NewFromInt(5),
		Available: []*inventory.StockBalance{
			{BatchID: &a, Quantity: decimal.NewFromInt(3)},
			{BatchID: &b, Quantity: decimal.NewFromInt(4)},
		},
	}
	got, err := FirstAvailable{}.SelectBatches(context.Background(), req)
	require.NoError(t, err)
	require.True(t, got[a].Equal(decimal.NewFromInt(3)))
	require.True(t, got[b].Equal(decimal.NewFromInt(2)))

	split, err := splitItem(sales.SaleItem{ID: uuid.New(), Quantity: req.Quantity}, got, req.Available)
	require.NoError(t, err)
	require.Len(t, split, 2)
}

func TestFirstAvailableShort(t *testing.T) {
	a := uuid.New()
	_, err := FirstAvailable{}.SelectBatches(context.Background(), BatchRequest{
		Quantity:  decimal.NewFromInt(5),
		Available: []*inventory.StockBalance{{BatchID: &a, Quantity: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, ErrInvalidBatchSelection)
}
