// Package coupon drives one fiscal coupon on the printer for one sale.
//
// Every printer step runs under the operator loop: Retry repeats the step,
// Defer returns false leaving the session where it was, Cancel abandons the
// coupon. Fatal device errors leave the session FAILED.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
)

// State is the coupon session state.
type State int

const (
	StateNew State = iota
	StateOpen
	StateCustomerIdentified
	StateItemsAdded
	StateTotalized
	StatePaymentsAdded
	StateClosed
	StateCancelled
	StateFailed
)

var stateNames = [...]string{"NEW", "OPEN", "CUSTOMER_IDENTIFIED", "ITEMS_ADDED", "TOTALIZED", "PAYMENTS_ADDED", "CLOSED", "CANCELLED", "FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCancelled || s == StateFailed
}

// NotPrinted is the printer id recorded for items the printer never saw.
const NotPrinted = -1

var (
	ErrInvalidTransition = errors.New("coupon: invalid state transition")
	ErrItemNotAdded      = errors.New("coupon: item was not added to the coupon")
)

// Printer is the part of the fiscal facade a coupon needs.
type Printer interface {
	Capabilities(ctx context.Context) (fiscal.Capabilities, error)
	OpenCoupon(ctx context.Context) error
	IdentifyCustomer(ctx context.Context, c fiscal.Customer) error
	AddItem(ctx context.Context, item fiscal.Item) (int, error)
	RemoveItem(ctx context.Context, id int) error
	Totalize(ctx context.Context, discount, surcharge decimal.Decimal) (decimal.Decimal, error)
	AddPayment(ctx context.Context, p fiscal.Payment) error
	CloseCoupon(ctx context.Context, message string) error
	CancelCoupon(ctx context.Context) error
	PrintPaymentReceipt(ctx context.Context, receipt string) error
	ReprintPaymentReceipt(ctx context.Context, receipt string) error
	GetCOO(ctx context.Context) (int64, error)
	HasOpenCoupon(ctx context.Context) (bool, error)
}

type line struct {
	id    int
	total decimal.Decimal
}

// Session is the state of one coupon. It is used by a single checkout.
type Session struct {
	printer  Printer
	prompter prompt.Prompter
	bus      *events.Bus
	logger   *slog.Logger

	state        State
	coo          int64
	lines        map[uuid.UUID][]line
	printedTotal decimal.Decimal
	adjustment   decimal.Decimal
	paymentsSent int
	printerDone  bool
	anyFailed    bool
}

// NewSession constructs a session in state NEW.
func NewSession(printer Printer, prompter prompt.Prompter, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		printer:  printer,
		prompter: prompter,
		bus:      bus,
		logger:   logger,
		lines:    make(map[uuid.UUID][]line),
	}
}

func (s *Session) State() State { return s.state }

// COO is the coupon number, known once CLOSED.
func (s *Session) COO() int64 { return s.coo }

// Adjustment is the difference between the sale total and the total the
// printer reported at totalisation.
func (s *Session) Adjustment() decimal.Decimal { return s.adjustment }

// AnyFailed reports whether a receipt failed to print inline.
func (s *Session) AnyFailed() bool { return s.anyFailed }

// PrinterIDs returns the printer ids recorded for a sale item.
func (s *Session) PrinterIDs(itemID uuid.UUID) []int {
	out := make([]int, 0, len(s.lines[itemID]))
	for _, l := range s.lines[itemID] {
		out = append(out, l.id)
	}
	return out
}

// Empty reports whether no item reached the printer.
func (s *Session) Empty() bool {
	for _, lines := range s.lines {
		for _, l := range lines {
			if l.id != NotPrinted {
				return false
			}
		}
	}
	return true
}

func (s *Session) expect(op string, allowed ...State) error {
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, s.state)
}

func (s *Session) loop(ctx context.Context, step string, fn func(context.Context) error) error {
	return prompt.Loop(ctx, s.prompter, step, prompt.RetryDeferCancel, fiscal.IsRecoverable, fn)
}

// settle applies the outcome of a step.
func (s *Session) settle(ctx context.Context, step string, err error, next State) (bool, error) {
	switch {
	case err == nil:
		s.state = next
		return true, nil
	case errors.Is(err, prompt.ErrDeferred):
		s.logger.Info("coupon step deferred", slog.String("step", step), slog.String("state", s.state.String()))
		return false, nil
	case errors.Is(err, prompt.ErrCancelled):
		s.abandon(ctx)
		return false, err
	case fiscal.IsFatal(err):
		s.state = StateFailed
		s.logger.Error("coupon failed", slog.String("step", step), slog.Any("error", err))
		return false, err
	default:
		return false, fmt.Errorf("coupon: %s: %w", step, err)
	}
}

// abandon cancels whatever the printer holds open, without asking.
func (s *Session) abandon(ctx context.Context) {
	s.state = StateCancelled
	open, err := s.printer.HasOpenCoupon(ctx)
	if err != nil || !open {
		return
	}
	if err := s.printer.CancelCoupon(ctx); err != nil {
		s.logger.Warn("cancel of abandoned coupon failed", slog.Any("error", err))
	}
}

// Open opens the coupon. A coupon left open on the printer is cancelled and the
// open retried once.
func (s *Session) Open(ctx context.Context) (bool, error) {
	if err := s.expect("open", StateNew); err != nil {
		return false, err
	}
	cancelled := false
	err := s.loop(ctx, "open coupon", func(ctx context.Context) error {
		err := s.printer.OpenCoupon(ctx)
		if errors.Is(err, fiscal.ErrCouponAlreadyOpen) && !cancelled {
			s.logger.Warn("printer holds an open coupon, cancelling it")
			if cerr := s.printer.CancelCoupon(ctx); cerr != nil && !errors.Is(cerr, fiscal.ErrCouponNotOpen) {
				return cerr
			}
			cancelled = true
			err = s.printer.OpenCoupon(ctx)
		}
		return err
	})
	return s.settle(ctx, "open coupon", err, StateOpen)
}

// IdentifyCustomer prints the customer document on the coupon. It moves an open
// coupon to CUSTOMER_IDENTIFIED; later states keep their state.
func (s *Session) IdentifyCustomer(ctx context.Context, c fiscal.Customer) (bool, error) {
	if err := s.expect("identify customer", StateOpen, StateItemsAdded, StateTotalized, StatePaymentsAdded); err != nil {
		return false, err
	}
	next := s.state
	if next == StateOpen {
		next = StateCustomerIdentified
	}
	err := s.loop(ctx, "identify customer", func(ctx context.Context) error {
		return s.printer.IdentifyCustomer(ctx, c)
	})
	return s.settle(ctx, "identify customer", err, next)
}

// AddItem prints item for the sale item itemID. Calling it again for the same
// sale item accumulates printer ids. Items priced at zero or less are recorded
// as NotPrinted.
func (s *Session) AddItem(ctx context.Context, itemID uuid.UUID, item fiscal.Item) (bool, error) {
	if err := s.expect("add item", StateOpen, StateCustomerIdentified, StateItemsAdded); err != nil {
		return false, err
	}
	if !item.Price.IsPositive() {
		s.lines[itemID] = append(s.lines[itemID], line{id: NotPrinted})
		s.state = StateItemsAdded
		return true, nil
	}
	var id int
	err := s.loop(ctx, "add item", func(ctx context.Context) error {
		var err error
		id, err = s.printer.AddItem(ctx, item)
		return err
	})
	ok, err := s.settle(ctx, "add item", err, StateItemsAdded)
	if ok {
		total := item.Total()
		s.lines[itemID] = append(s.lines[itemID], line{id: id, total: total})
		s.printedTotal = s.printedTotal.Add(total)
	}
	return ok, err
}

// RemoveItem removes every printer id of the sale item in insertion order.
// Ids already removed stay removed when a later one is deferred.
func (s *Session) RemoveItem(ctx context.Context, itemID uuid.UUID) (bool, error) {
	if err := s.expect("remove item", StateItemsAdded); err != nil {
		return false, err
	}
	if _, ok := s.lines[itemID]; !ok {
		return false, ErrItemNotAdded
	}
	for len(s.lines[itemID]) > 0 {
		l := s.lines[itemID][0]
		if l.id != NotPrinted {
			err := s.loop(ctx, "remove item", func(ctx context.Context) error {
				return s.printer.RemoveItem(ctx, l.id)
			})
			if ok, err := s.settle(ctx, "remove item", err, StateItemsAdded); !ok {
				return false, err
			}
			s.printedTotal = s.printedTotal.Sub(l.total)
		}
		s.lines[itemID] = s.lines[itemID][1:]
	}
	delete(s.lines, itemID)
	return true, nil
}

// Totalize closes the item list. The difference between saleTotal and the
// printed items goes to the printer as discount or surcharge; what the printer
// still disagrees on is kept as Adjustment.
func (s *Session) Totalize(ctx context.Context, saleTotal decimal.Decimal) (bool, error) {
	if err := s.expect("totalize", StateOpen, StateCustomerIdentified, StateItemsAdded); err != nil {
		return false, err
	}
	if s.Empty() {
		s.state = StateTotalized
		return true, nil
	}
	discount, surcharge := decimal.Zero, decimal.Zero
	diff := saleTotal.Sub(s.printedTotal)
	if diff.IsNegative() {
		discount = diff.Neg()
	} else {
		surcharge = diff
	}
	var reported decimal.Decimal
	err := s.loop(ctx, "totalize", func(ctx context.Context) error {
		var err error
		reported, err = s.printer.Totalize(ctx, discount, surcharge)
		return err
	})
	ok, err := s.settle(ctx, "totalize", err, StateTotalized)
	if ok {
		s.adjustment = saleTotal.Sub(reported)
		if !s.adjustment.IsZero() {
			s.logger.Warn("printer total differs from sale total",
				slog.String("sale_total", saleTotal.StringFixed(2)),
				slog.String("printer_total", reported.StringFixed(2)))
		}
	}
	return ok, err
}

// AddPayments sends the payments not yet sent. A deferred session resumes
// from the first unsent payment.
func (s *Session) AddPayments(ctx context.Context, payments []fiscal.Payment) (bool, error) {
	if err := s.expect("add payments", StateTotalized); err != nil {
		return false, err
	}
	if s.Empty() {
		s.state = StatePaymentsAdded
		return true, nil
	}
	for s.paymentsSent < len(payments) {
		p := payments[s.paymentsSent]
		err := s.loop(ctx, "add payment", func(ctx context.Context) error {
			return s.printer.AddPayment(ctx, p)
		})
		if ok, err := s.settle(ctx, "add payment", err, StateTotalized); !ok {
			return false, err
		}
		s.paymentsSent++
	}
	s.state = StatePaymentsAdded
	return true, nil
}

// Close finishes the coupon and reads its COO. An empty coupon is not a no-op
// here: it is cancelled on the printer and takes the COO of the cancelled
// document, so every confirmed sale carries a coupon number.
func (s *Session) Close(ctx context.Context, message string) (bool, error) {
	if err := s.expect("close", StatePaymentsAdded); err != nil {
		return false, err
	}
	empty := s.Empty()
	err := s.loop(ctx, "close coupon", func(ctx context.Context) error {
		if !s.printerDone {
			var err error
			if empty {
				err = s.printer.CancelCoupon(ctx)
			} else {
				err = s.printer.CloseCoupon(ctx, message)
			}
			if err != nil {
				return err
			}
			s.printerDone = true
		}
		coo, err := s.printer.GetCOO(ctx)
		if err != nil {
			return err
		}
		s.coo = coo
		return nil
	})
	return s.settle(ctx, "close coupon", err, StateClosed)
}

// Cancel cancels the coupon from any non-terminal state, NEW included, so a
// coupon left open on the printer is cancelled too. A printer with nothing
// open still leaves the session CANCELLED.
func (s *Session) Cancel(ctx context.Context) (bool, error) {
	if s.state.Terminal() {
		return false, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.state)
	}
	err := s.loop(ctx, "cancel coupon", func(ctx context.Context) error {
		open, err := s.printer.HasOpenCoupon(ctx)
		if err != nil {
			return err
		}
		if !open {
			return fiscal.ErrCouponNotOpen
		}
		return s.printer.CancelCoupon(ctx)
	})
	if errors.Is(err, fiscal.ErrCouponNotOpen) {
		s.logger.Info("printer had no open coupon to cancel")
		err = nil
	}
	return s.settle(ctx, "cancel coupon", err, StateCancelled)
}

// Void cancels a closed coupon whose sale could not be stored. It asks no
// one; the caller reports a failure.
func (s *Session) Void(ctx context.Context) error {
	if err := s.expect("void", StateClosed); err != nil {
		return err
	}
	if err := s.printer.CancelCoupon(ctx); err != nil {
		return fmt.Errorf("coupon: void %d: %w", s.coo, err)
	}
	s.state = StateCancelled
	return nil
}

// MergeReceipts joins receipts sharing an NSU, keeping first-seen order.
func MergeReceipts(receipts []events.Receipt) []events.Receipt {
	index := make(map[string]int, len(receipts))
	var out []events.Receipt
	for _, r := range receipts {
		if i, ok := index[r.NSU]; ok && r.NSU != "" {
			out[i].Text = strings.TrimRight(out[i].Text, "\n") + "\n" + r.Text
			continue
		}
		index[r.NSU] = len(out)
		out = append(out, r)
	}
	return out
}

// PrintReceipts prints card receipts of a closed coupon, one per NSU. After a
// failure, printers without inline duplicates get the remaining receipts
// through a managerial report. Receipt failures never undo the sale.
func (s *Session) PrintReceipts(ctx context.Context, saleID uuid.UUID, receipts []events.Receipt) error {
	if s.state != StateClosed {
		return fmt.Errorf("%w: print receipts from %s", ErrInvalidTransition, s.state)
	}
	merged := MergeReceipts(receipts)
	if len(merged) == 0 {
		return nil
	}
	caps, err := s.printer.Capabilities(ctx)
	if err != nil {
		return err
	}
	for _, r := range merged {
		if s.anyFailed && !caps.SupportsDuplicateReceipt {
			s.reprint(ctx, saleID, r)
			continue
		}
		err := s.printer.PrintPaymentReceipt(ctx, r.Text)
		if err == nil {
			continue
		}
		s.anyFailed = true
		s.logger.Warn("card receipt failed", slog.String("nsu", r.NSU), slog.Any("error", err))
		if fiscal.IsFatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reprint(ctx, saleID, r)
	}
	return nil
}

func (s *Session) reprint(ctx context.Context, saleID uuid.UUID, r events.Receipt) {
	if err := s.bus.Emit(ctx, events.GerencialReport{EventKind: events.GerencialReportPrint, SaleID: saleID, NSU: r.NSU}); err != nil {
		s.logger.Warn("managerial report vetoed", slog.Any("error", err))
		return
	}
	err := prompt.Loop(ctx, s.prompter, "reprint receipt", prompt.RetryCancel, fiscal.IsRecoverable, func(ctx context.Context) error {
		return s.printer.ReprintPaymentReceipt(ctx, r.Text)
	})
	if err == nil {
		return
	}
	s.logger.Warn("managerial receipt reprint failed", slog.String("nsu", r.NSU), slog.Any("error", err))
	if err := s.bus.Emit(ctx, events.GerencialReport{EventKind: events.GerencialReportCancel, SaleID: saleID, NSU: r.NSU}); err != nil {
		s.logger.Warn("managerial report cancel vetoed", slog.Any("error", err))
	}
}
