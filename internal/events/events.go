// Package events dispatches station events to subscribers. A subscriber error
// vetoes the operation that emitted the event.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind enumerates the events emitted by the till, coupon and checkout flows.
type Kind int

const (
	TillOpen Kind = iota + 1
	TillClose
	TillAddCash
	TillRemoveCash
	TillAddTillEntry
	SaleStatusChanged
	CouponCreated
	ConfirmSaleWizardFinish
	GerencialReportPrint
	GerencialReportCancel
	CheckECFState
	HasPendingReduceZ
	CardPaymentReceiptPrepare
	CardPaymentReceiptPrinted
	CancelPendingPayments
)

var kindNames = map[Kind]string{
	TillOpen:                  "till_open",
	TillClose:                 "till_close",
	TillAddCash:               "till_add_cash",
	TillRemoveCash:            "till_remove_cash",
	TillAddTillEntry:          "till_add_till_entry",
	SaleStatusChanged:         "sale_status_changed",
	CouponCreated:             "coupon_created",
	ConfirmSaleWizardFinish:   "confirm_sale_wizard_finish",
	GerencialReportPrint:      "gerencial_report_print",
	GerencialReportCancel:     "gerencial_report_cancel",
	CheckECFState:             "check_ecf_state",
	HasPendingReduceZ:         "has_pending_reduce_z",
	CardPaymentReceiptPrepare: "card_payment_receipt_prepare",
	CardPaymentReceiptPrinted: "card_payment_receipt_printed",
	CancelPendingPayments:     "cancel_pending_payments",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is the payload passed to subscribers.
type Event interface {
	Kind() Kind
}

// TillOpened is emitted before a till is persisted as open.
type TillOpened struct {
	StationID   uuid.UUID
	TillID      uuid.UUID
	InitialCash decimal.Decimal
}

// TillClosing is emitted before a till is persisted as closed.
type TillClosing struct {
	StationID   uuid.UUID
	TillID      uuid.UUID
	OpeningDate time.Time
	PreviousDay bool
	Balance     decimal.Decimal
}

// TillCashMoved is emitted for supplies (Kind TillAddCash) and withdrawals (TillRemoveCash).
type TillCashMoved struct {
	EventKind Kind
	StationID uuid.UUID
	TillID    uuid.UUID
	Value     decimal.Decimal
	Reason    string
}

// TillEntryAdded is emitted after a till entry is appended.
type TillEntryAdded struct {
	TillID  uuid.UUID
	EntryID uuid.UUID
	Value   decimal.Decimal
}

// SaleStatusChange is emitted after a sale status transition is committed.
type SaleStatusChange struct {
	SaleID    uuid.UUID
	OldStatus string
	NewStatus string
}

// CouponCreatedEvent is emitted after a coupon closes and its sale commits.
type CouponCreatedEvent struct {
	SaleID   uuid.UUID
	CouponID int64
}

// ConfirmSaleFinished closes the confirmation flow.
type ConfirmSaleFinished struct {
	SaleID uuid.UUID
}

// GerencialReport is emitted around a managerial report reprint of card receipts.
// EventKind is GerencialReportPrint or GerencialReportCancel.
type GerencialReport struct {
	EventKind Kind
	SaleID    uuid.UUID
	NSU       string
}

// ECFStateCheck asks the printer subscriber to validate the printer at startup.
type ECFStateCheck struct {
	StationID uuid.UUID
}

// PendingReduceQuery asks the printer whether a reduction is pending. The
// subscriber sets Pending.
type PendingReduceQuery struct {
	StationID uuid.UUID
	Pending   *bool
}

// Receipt is a card receipt to print after commit.
type Receipt struct {
	PaymentID uuid.UUID
	NSU       string
	Text      string
}

// ReceiptPrepare lets payment integrations hand over receipts for a sale. The
// subscriber appends to Receipts.
type ReceiptPrepare struct {
	SaleID   uuid.UUID
	Receipts *[]Receipt
}

// ReceiptsPrinted reports the outcome of receipt printing.
type ReceiptsPrinted struct {
	SaleID    uuid.UUID
	AnyFailed bool
}

// PendingPaymentsCancel is emitted when a coupon is cancelled with payments in flight.
type PendingPaymentsCancel struct {
	SaleID uuid.UUID
}

func (TillOpened) Kind() Kind            { return TillOpen }
func (TillClosing) Kind() Kind           { return TillClose }
func (e TillCashMoved) Kind() Kind       { return e.EventKind }
func (TillEntryAdded) Kind() Kind        { return TillAddTillEntry }
func (SaleStatusChange) Kind() Kind      { return SaleStatusChanged }
func (CouponCreatedEvent) Kind() Kind    { return CouponCreated }
func (ConfirmSaleFinished) Kind() Kind   { return ConfirmSaleWizardFinish }
func (e GerencialReport) Kind() Kind     { return e.EventKind }
func (ECFStateCheck) Kind() Kind         { return CheckECFState }
func (PendingReduceQuery) Kind() Kind    { return HasPendingReduceZ }
func (ReceiptPrepare) Kind() Kind        { return CardPaymentReceiptPrepare }
func (ReceiptsPrinted) Kind() Kind       { return CardPaymentReceiptPrinted }
func (PendingPaymentsCancel) Kind() Kind { return CancelPendingPayments }

// Handler reacts to an event. Returning an error vetoes the emitting operation.
type Handler func(ctx context.Context, ev Event) error

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Emit calls every handler of the event kind and stops at the first error.
// A nil Bus accepts every event.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind()]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers reports how many handlers listen to kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
