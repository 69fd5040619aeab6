package checkout

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// BatchRequest asks which batches an item is taken from.
type BatchRequest struct {
	SaleID     uuid.UUID
	Item       sales.SaleItem
	StorableID uuid.UUID
	Quantity   decimal.Decimal
	Available  []*inventory.StockBalance
}

// BatchSelector maps a quantity onto batches; the mapping must sum to the
// requested quantity.
type BatchSelector interface {
	SelectBatches(ctx context.Context, req BatchRequest) (map[uuid.UUID]decimal.Decimal, error)
}

type stockKey struct {
	storable uuid.UUID
	batch    uuid.UUID
}

type catalog struct {
	st    *store.Store
	cache map[uuid.UUID]*sales.Sellable
}

func newCatalog(st *store.Store) *catalog {
	return &catalog{st: st, cache: make(map[uuid.UUID]*sales.Sellable)}
}

func (c *catalog) sellable(ctx context.Context, id uuid.UUID) (*sales.Sellable, error) {
	if s, ok := c.cache[id]; ok {
		return s, nil
	}
	s, err := store.Load[*sales.Sellable](ctx, c.st, id)
	if err != nil {
		return nil, fmt.Errorf("checkout: sellable %s: %w", id, err)
	}
	c.cache[id] = s
	return s, nil
}

// missingStock sums pending quantities per storable and batch and compares
// them with the branch balances. Storables allowing no batch never miss.
func (c *Coordinator) missingStock(ctx context.Context, st *store.Store, cat *catalog, sale *sales.Sale) ([]Missing, error) {
	required := make(map[stockKey]decimal.Decimal)
	var order []stockKey
	batchOf := make(map[stockKey]*uuid.UUID)
	for _, item := range sale.Items {
		sellable, err := cat.sellable(ctx, item.SellableID)
		if err != nil {
			return nil, err
		}
		if sellable.Storable == nil || sellable.Storable.AllowNoBatch {
			continue
		}
		pending := item.Pending()
		if !pending.IsPositive() {
			continue
		}
		key := stockKey{storable: sellable.ID}
		if item.BatchID != nil {
			key.batch = *item.BatchID
		}
		if _, seen := required[key]; !seen {
			order = append(order, key)
			batchOf[key] = item.BatchID
		}
		required[key] = required[key].Add(pending)
	}

	var missing []Missing
	for _, key := range order {
		sellable := cat.cache[key.storable]
		var available decimal.Decimal
		var err error
		if sellable.Storable.IsBatch && batchOf[key] == nil {
			available, err = c.stock.AvailableAll(ctx, st, key.storable, sale.BranchID)
		} else {
			available, err = c.stock.Available(ctx, st, key.storable, sale.BranchID, batchOf[key])
		}
		if err != nil {
			return nil, err
		}
		if required[key].GreaterThan(available) {
			missing = append(missing, Missing{StorableID: key.storable, BatchID: batchOf[key], Required: required[key], Available: available})
		}
	}
	return missing, nil
}

// resolveBatches assigns batches to batch-controlled items sold without one,
// splitting an item when it spans several batches.
func (c *Coordinator) resolveBatches(ctx context.Context, st *store.Store, cat *catalog, sale *sales.Sale) error {
	var extra []sales.SaleItem
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.BatchID != nil || !item.Pending().IsPositive() {
			continue
		}
		sellable, err := cat.sellable(ctx, item.SellableID)
		if err != nil {
			return err
		}
		if sellable.Storable == nil || !sellable.Storable.IsBatch {
			continue
		}
		available, err := c.stock.Batches(ctx, st, sellable.ID, sale.BranchID)
		if err != nil {
			return err
		}
		if len(available) == 0 {
			continue
		}
		if len(available) == 1 && available[0].Quantity.GreaterThanOrEqual(item.Quantity) {
			id := *available[0].BatchID
			item.BatchID = &id
			continue
		}
		if c.batches == nil {
			return fmt.Errorf("%w: %s", ErrBatchSelectionRequired, sellable.Code)
		}
		mapping, err := c.batches.SelectBatches(ctx, BatchRequest{
			SaleID:     sale.ID,
			Item:       *item,
			StorableID: sellable.ID,
			Quantity:   item.Quantity,
			Available:  available,
		})
		if err != nil {
			return err
		}
		split, err := splitItem(*item, mapping, available)
		if err != nil {
			return err
		}
		*item = split[0]
		extra = append(extra, split[1:]...)
	}
	sale.Items = append(sale.Items, extra...)
	return nil
}

func splitItem(item sales.SaleItem, mapping map[uuid.UUID]decimal.Decimal, available []*inventory.StockBalance) ([]sales.SaleItem, error) {
	known := make(map[uuid.UUID]bool, len(available))
	for _, b := range available {
		known[*b.BatchID] = true
	}
	ids := make([]uuid.UUID, 0, len(mapping))
	sum := decimal.Zero
	for id, qty := range mapping {
		if !known[id] || !qty.IsPositive() {
			return nil, fmt.Errorf("%w: batch %s", ErrInvalidBatchSelection, id)
		}
		ids = append(ids, id)
		sum = sum.Add(qty)
	}
	if len(ids) == 0 || !sum.Equal(item.Quantity) {
		return nil, fmt.Errorf("%w: %s != %s", ErrInvalidBatchSelection, sum, item.Quantity)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]sales.SaleItem, 0, len(ids))
	for i, id := range ids {
		part := item
		if i > 0 {
			part.ID = uuid.New()
		}
		batch := id
		part.BatchID = &batch
		part.Quantity = mapping[id]
		out = append(out, part)
	}
	return out, nil
}

// decreaseStock takes every pending quantity out of stock.
func (c *Coordinator) decreaseStock(ctx context.Context, st *store.Store, cat *catalog, sale *sales.Sale) error {
	for i := range sale.Items {
		item := &sale.Items[i]
		sellable, err := cat.sellable(ctx, item.SellableID)
		if err != nil {
			return err
		}
		pending := item.Pending()
		if sellable.Storable == nil || !pending.IsPositive() {
			continue
		}
		ref := sale.ID
		if _, err := c.stock.DecreaseStock(ctx, st, inventory.MoveInput{
			StorableID:    sellable.ID,
			BranchID:      sale.BranchID,
			BatchID:       item.BatchID,
			Quantity:      pending,
			Reason:        inventory.ReasonSale,
			RefID:         &ref,
			AllowNegative: sellable.Storable.AllowNoBatch,
		}); err != nil {
			return err
		}
		item.QuantityDecreased = item.Quantity
	}
	return nil
}

// orderMissing converts a quote into an order and asks production for the
// composed sellables that are short.
func (c *Coordinator) orderMissing(ctx context.Context, st *store.Store, cat *catalog, sale *sales.Sale, missing []Missing) error {
	sale.Status = sales.StatusOrdered
	for _, m := range missing {
		sellable := cat.cache[m.StorableID]
		if sellable == nil || !sellable.Composed {
			continue
		}
		order := &sales.ProductionOrder{
			ID:         uuid.New(),
			SaleID:     sale.ID,
			SellableID: sellable.ID,
			Quantity:   m.Required.Sub(decimal.Max(m.Available, decimal.Zero)),
			CreatedAt:  c.now(),
		}
		if err := st.Add(order); err != nil {
			return err
		}
	}
	return nil
}

// FirstAvailable takes the quantity from the offered batches in order, for
// stations without an operator screen to pick from.
type FirstAvailable struct{}

// SelectBatches implements BatchSelector.
func (FirstAvailable) SelectBatches(_ context.Context, req BatchRequest) (map[uuid.UUID]decimal.Decimal, error) {
	left := req.Quantity
	out := make(map[uuid.UUID]decimal.Decimal)
	for _, b := range req.Available {
		if !left.IsPositive() {
			break
		}
		if b.BatchID == nil || !b.Quantity.IsPositive() {
			continue
		}
		take := decimal.Min(left, b.Quantity)
		out[*b.BatchID] = take
		left = left.Sub(take)
	}
	if left.IsPositive() {
		return nil, fmt.Errorf("%w: %s short by %s", ErrInvalidBatchSelection, req.Item.Code, left)
	}
	return out, nil
}
