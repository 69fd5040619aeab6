package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrTillNotOpen            = errors.New("checkout: till is not open")
	ErrMissingStock           = errors.New("checkout: missing stock")
	ErrInvalidBatchSelection  = errors.New("checkout: batch selection does not match item quantity")
	ErrBatchSelectionRequired = errors.New("checkout: batch selection required")
	ErrPaymentsIncomplete     = errors.New("checkout: payments do not cover sale total")
	ErrSaleNotConfirmable     = errors.New("checkout: sale cannot be confirmed")
	ErrLatePayments           = errors.New("checkout: client has late payments")
	ErrSalespersonLocked      = errors.New("checkout: salesperson cannot be changed")
	ErrSalespersonRequired    = errors.New("checkout: salesperson must be chosen")
	ErrInvoiceExhausted       = errors.New("checkout: no free invoice number")
)

// Missing is the shortfall of one storable/batch.
type Missing struct {
	StorableID uuid.UUID
	BatchID    *uuid.UUID
	Required   decimal.Decimal
	Available  decimal.Decimal
}

// MissingStockError lists every shortfall of a sale. It matches ErrMissingStock.
type MissingStockError struct {
	Items []Missing
}

func (e *MissingStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, m := range e.Items {
		parts = append(parts, fmt.Sprintf("%s needs %s has %s", m.StorableID, m.Required, m.Available))
	}
	return ErrMissingStock.Error() + ": " + strings.Join(parts, "; ")
}

func (e *MissingStockError) Is(target error) bool {
	return target == ErrMissingStock
}
