package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

const (
	KindBalance   = "stock_balance"
	KindMove      = "stock_move"
	KindInventory = "inventory"
)

var (
	// ErrNegativeStock indicates a movement would drive the balance below zero.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInvalidQuantity indicates a zero quantity movement or a negative count.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrInventoryClosed indicates the inventory no longer accepts counts.
	ErrInventoryClosed = errors.New("inventory: inventory is closed")
	// ErrInventoryOpen indicates the branch already has an open inventory.
	ErrInventoryOpen = errors.New("inventory: branch already has an open inventory")
	// ErrNotCounted indicates an item of the inventory is not part of the count.
	ErrNotCounted = errors.New("inventory: item not part of inventory")
)

func init() {
	store.Register(KindBalance, func() store.Entity { return &StockBalance{} })
	store.Register(KindMove, func() store.Entity { return &StockMove{} })
	store.Register(KindInventory, func() store.Entity { return &Inventory{} })
}

// StockBalance is the quantity of a storable in a branch, optionally per batch.
type StockBalance struct {
	ID         uuid.UUID       `json:"id"`
	StorableID uuid.UUID       `json:"storable_id"`
	BranchID   uuid.UUID       `json:"branch_id"`
	BatchID    *uuid.UUID      `json:"batch_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (*StockBalance) EntityKind() string     { return KindBalance }
func (b *StockBalance) EntityID() uuid.UUID { return b.ID }

// BalanceID derives the id of the balance row of (storable, branch, batch).
func BalanceID(storableID, branchID uuid.UUID, batchID *uuid.UUID) uuid.UUID {
	key := "stock:" + storableID.String() + ":" + branchID.String()
	if batchID != nil {
		key += ":" + batchID.String()
	}
	return uuid.NewSHA1(uuid.Nil, []byte(key))
}

// Reason labels a stock move.
type Reason string

const (
	ReasonSale       Reason = "sale"
	ReasonReturn     Reason = "return"
	ReasonInventory  Reason = "inventory_adjustment"
	ReasonReceiving  Reason = "receiving"
	ReasonProduction Reason = "production"
)

// StockMove is an append-only signed quantity change.
type StockMove struct {
	ID         uuid.UUID       `json:"id"`
	StorableID uuid.UUID       `json:"storable_id"`
	BranchID   uuid.UUID       `json:"branch_id"`
	BatchID    *uuid.UUID      `json:"batch_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Balance    decimal.Decimal `json:"balance"`
	Reason     Reason          `json:"reason"`
	RefID      *uuid.UUID      `json:"ref_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (*StockMove) EntityKind() string     { return KindMove }
func (m *StockMove) EntityID() uuid.UUID { return m.ID }

// InventoryStatus is OPEN while counting.
type InventoryStatus string

const (
	InventoryOpen   InventoryStatus = "OPEN"
	InventoryClosed InventoryStatus = "CLOSED"
)

// InventoryItem is one counted balance.
type InventoryItem struct {
	StorableID       uuid.UUID        `json:"storable_id"`
	BatchID          *uuid.UUID       `json:"batch_id"`
	RecordedQuantity decimal.Decimal  `json:"recorded_quantity"`
	CountedQuantity  *decimal.Decimal `json:"counted_quantity"`
}

// Inventory is a physical count of a branch.
type Inventory struct {
	ID        uuid.UUID       `json:"id"`
	BranchID  uuid.UUID       `json:"branch_id"`
	Status    InventoryStatus `json:"status"`
	OpenDate  time.Time       `json:"open_date"`
	CloseDate *time.Time      `json:"close_date"`
	Items     []InventoryItem `json:"items"`
}

func (*Inventory) EntityKind() string     { return KindInventory }
func (i *Inventory) EntityID() uuid.UUID { return i.ID }

func sameBatch(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
