// Package ledger mirrors till cash movements as double-entry account transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

const (
	KindAccount     = "account"
	KindTransaction = "account_transaction"
)

// Well-known account codes.
const (
	AccountTills     = "tills"
	AccountImbalance = "imbalance"
	AccountBanks     = "banks"
)

// Operation labels the origin of a transaction.
type Operation string

const (
	OperationTillAdd    Operation = "till_add"
	OperationTillRemove Operation = "till_remove"
	OperationSale       Operation = "sale"
)

var (
	// ErrUnbalanced indicates a transaction moving value onto its own account.
	ErrUnbalanced = errors.New("ledger: source and destination must differ")
	// ErrInvalidValue indicates a zero or negative value.
	ErrInvalidValue = errors.New("ledger: value must be positive")
)

func init() {
	store.Register(KindAccount, func() store.Entity { return &Account{} })
	store.Register(KindTransaction, func() store.Entity { return &AccountTransaction{} })
}

// Account is a ledger account.
type Account struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
	Name string    `json:"name"`
}

func (*Account) EntityKind() string     { return KindAccount }
func (a *Account) EntityID() uuid.UUID { return a.ID }

// AccountID derives the stable id of a well-known account.
func AccountID(code string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("ledger:account:"+code))
}

// AccountTransaction moves Value from Source to Dest.
type AccountTransaction struct {
	ID          uuid.UUID       `json:"id"`
	SourceID    uuid.UUID       `json:"source_account_id"`
	DestID      uuid.UUID       `json:"dest_account_id"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
	TillEntryID *uuid.UUID      `json:"till_entry_id"`
	Operation   Operation       `json:"operation"`
	Date        time.Time       `json:"date"`
}

func (*AccountTransaction) EntityKind() string     { return KindTransaction }
func (t *AccountTransaction) EntityID() uuid.UUID { return t.ID }

// PostingInput describes one transaction.
type PostingInput struct {
	SourceCode  string
	DestCode    string
	Value       decimal.Decimal
	Description string
	TillEntryID *uuid.UUID
	Operation   Operation
}

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if in.SourceCode == "" || in.DestCode == "" {
		return errors.New("ledger: source and destination accounts required")
	}
	if in.SourceCode == in.DestCode {
		return ErrUnbalanced
	}
	if !in.Value.IsPositive() {
		return ErrInvalidValue
	}
	if in.Operation == "" {
		return errors.New("ledger: operation required")
	}
	return nil
}

// Ledger posts transactions inside the caller's store.
type Ledger struct {
	now func() time.Time
}

// New constructs a Ledger.
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// WithNow overrides the clock, for tests.
func (l *Ledger) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// EnsureAccount returns the account with code, creating it on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, st *store.Store, code string) (*Account, error) {
	acc, err := store.Load[*Account](ctx, st, AccountID(code))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	acc = &Account{ID: AccountID(code), Code: code, Name: code}
	if err := st.Add(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Post records a transaction between two accounts.
func (l *Ledger) Post(ctx context.Context, st *store.Store, in PostingInput) (*AccountTransaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	source, err := l.EnsureAccount(ctx, st, in.SourceCode)
	if err != nil {
		return nil, fmt.Errorf("ledger: source account: %w", err)
	}
	dest, err := l.EnsureAccount(ctx, st, in.DestCode)
	if err != nil {
		return nil, fmt.Errorf("ledger: destination account: %w", err)
	}
	tx := &AccountTransaction{
		ID:          uuid.New(),
		SourceID:    source.ID,
		DestID:      dest.ID,
		Value:       in.Value,
		Description: in.Description,
		TillEntryID: in.TillEntryID,
		Operation:   in.Operation,
		Date:        l.now(),
	}
	if err := st.Add(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Balance is incoming minus outgoing value of the account with code.
func (l *Ledger) Balance(ctx context.Context, st *store.Store, code string) (decimal.Decimal, error) {
	id := AccountID(code)
	in, err := store.FindAll[*AccountTransaction](ctx, st, map[string]any{"dest_account_id": id})
	if err != nil {
		return decimal.Zero, err
	}
	out, err := store.FindAll[*AccountTransaction](ctx, st, map[string]any{"source_account_id": id})
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, tx := range in {
		balance = balance.Add(tx.Value)
	}
	for _, tx := range out {
		balance = balance.Sub(tx.Value)
	}
	return balance, nil
}
