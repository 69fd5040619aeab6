package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// MoveInput describes a stock movement.
type MoveInput struct {
	StorableID    uuid.UUID
	BranchID      uuid.UUID
	BatchID       *uuid.UUID
	Quantity      decimal.Decimal
	Reason        Reason
	RefID         *uuid.UUID
	AllowNegative bool
}

// Service posts stock movements inside the caller's store.
type Service struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Balance returns the balance row, creating an empty one when missing.
func (s *Service) Balance(ctx context.Context, st *store.Store, storableID, branchID uuid.UUID, batchID *uuid.UUID) (*StockBalance, error) {
	id := BalanceID(storableID, branchID, batchID)
	bal, err := store.Load[*StockBalance](ctx, st, id)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	bal = &StockBalance{ID: id, StorableID: storableID, BranchID: branchID, BatchID: batchID}
	if err := st.Add(bal); err != nil {
		return nil, err
	}
	return bal, nil
}

// Available returns the quantity of one (storable, branch, batch) balance.
func (s *Service) Available(ctx context.Context, st *store.Store, storableID, branchID uuid.UUID, batchID *uuid.UUID) (decimal.Decimal, error) {
	bal, err := store.Load[*StockBalance](ctx, st, BalanceID(storableID, branchID, batchID))
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Quantity, nil
}

// AvailableAll sums every batch of the storable in the branch.
func (s *Service) AvailableAll(ctx context.Context, st *store.Store, storableID, branchID uuid.UUID) (decimal.Decimal, error) {
	rows, err := store.FindAll[*StockBalance](ctx, st, map[string]any{"storable_id": storableID, "branch_id": branchID})
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.Quantity)
	}
	return sum, nil
}

// Batches lists balances of the storable in the branch with a batch and positive quantity.
func (s *Service) Batches(ctx context.Context, st *store.Store, storableID, branchID uuid.UUID) ([]*StockBalance, error) {
	rows, err := store.FindAll[*StockBalance](ctx, st, map[string]any{"storable_id": storableID, "branch_id": branchID})
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		if row.BatchID != nil && row.Quantity.IsPositive() {
			out = append(out, row)
		}
	}
	return out, nil
}

// DecreaseStock removes quantity from stock.
func (s *Service) DecreaseStock(ctx context.Context, st *store.Store, in MoveInput) (*StockMove, error) {
	if !in.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	in.Quantity = in.Quantity.Neg()
	return s.postMovement(ctx, st, in)
}

// IncreaseStock adds quantity to stock.
func (s *Service) IncreaseStock(ctx context.Context, st *store.Store, in MoveInput) (*StockMove, error) {
	if !in.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	return s.postMovement(ctx, st, in)
}

func (s *Service) postMovement(ctx context.Context, st *store.Store, in MoveInput) (*StockMove, error) {
	if in.Quantity.IsZero() {
		return nil, ErrInvalidQuantity
	}
	if in.StorableID == uuid.Nil || in.BranchID == uuid.Nil {
		return nil, errors.New("inventory: storable and branch required")
	}
	bal, err := s.Balance(ctx, st, in.StorableID, in.BranchID, in.BatchID)
	if err != nil {
		return nil, err
	}
	next := bal.Quantity.Add(in.Quantity)
	if next.IsNegative() && !in.AllowNegative {
		return nil, fmt.Errorf("%w: %s would become %s", ErrNegativeStock, in.StorableID, next)
	}
	bal.Quantity = next
	move := &StockMove{
		ID:         uuid.New(),
		StorableID: in.StorableID,
		BranchID:   in.BranchID,
		BatchID:    in.BatchID,
		Quantity:   in.Quantity,
		Balance:    next,
		Reason:     in.Reason,
		RefID:      in.RefID,
		CreatedAt:  s.now().UTC(),
	}
	if err := st.Add(move); err != nil {
		return nil, err
	}
	s.logger.Debug("stock move",
		slog.String("storable", in.StorableID.String()),
		slog.String("quantity", in.Quantity.String()),
		slog.String("reason", string(in.Reason)))
	return move, nil
}

// OpenInventory starts a count of every balance in the branch.
func (s *Service) OpenInventory(ctx context.Context, st *store.Store, branchID uuid.UUID) (*Inventory, error) {
	open, err := store.FindAll[*Inventory](ctx, st, map[string]any{"branch_id": branchID, "status": InventoryOpen})
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, ErrInventoryOpen
	}
	rows, err := store.FindAll[*StockBalance](ctx, st, map[string]any{"branch_id": branchID})
	if err != nil {
		return nil, err
	}
	inv := &Inventory{ID: uuid.New(), BranchID: branchID, Status: InventoryOpen, OpenDate: s.now().UTC()}
	for _, row := range rows {
		inv.Items = append(inv.Items, InventoryItem{StorableID: row.StorableID, BatchID: row.BatchID, RecordedQuantity: row.Quantity})
	}
	if err := st.Add(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Count records the counted quantity of one item. Storables absent from the
// snapshot are added with a zero recorded quantity.
func (s *Service) Count(inv *Inventory, storableID uuid.UUID, batchID *uuid.UUID, qty decimal.Decimal) error {
	if inv.Status != InventoryOpen {
		return ErrInventoryClosed
	}
	if qty.IsNegative() {
		return ErrInvalidQuantity
	}
	counted := qty
	for i := range inv.Items {
		if inv.Items[i].StorableID == storableID && sameBatch(inv.Items[i].BatchID, batchID) {
			inv.Items[i].CountedQuantity = &counted
			return nil
		}
	}
	inv.Items = append(inv.Items, InventoryItem{StorableID: storableID, BatchID: batchID, CountedQuantity: &counted})
	return nil
}

// CloseInventory freezes counts and posts offsetting moves for every difference.
// Uncounted items are left untouched.
func (s *Service) CloseInventory(ctx context.Context, st *store.Store, inv *Inventory) ([]*StockMove, error) {
	if inv.Status != InventoryOpen {
		return nil, ErrInventoryClosed
	}
	var moves []*StockMove
	ref := inv.ID
	for _, item := range inv.Items {
		if item.CountedQuantity == nil {
			continue
		}
		diff := item.CountedQuantity.Sub(item.RecordedQuantity)
		if diff.IsZero() {
			continue
		}
		move, err := s.postMovement(ctx, st, MoveInput{
			StorableID:    item.StorableID,
			BranchID:      inv.BranchID,
			BatchID:       item.BatchID,
			Quantity:      diff,
			Reason:        ReasonInventory,
			RefID:         &ref,
			AllowNegative: true,
		})
		if err != nil {
			return nil, err
		}
		moves = append(moves, move)
	}
	now := s.now().UTC()
	inv.Status = InventoryClosed
	inv.CloseDate = &now
	return moves, nil
}
