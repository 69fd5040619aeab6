// Package checkout confirms sales: it prints the coupon, then stores the
// confirmed sale with its stock, payment and till effects in one commit.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/coupon"
	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

const maxInvoiceAttempts = 20

// Outcomes reported to the Observer.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeOrdered   = "ordered"
	OutcomeDeferred  = "deferred"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
)

// Observer receives the outcome of every confirmation.
type Observer interface {
	ObserveCheckout(outcome string, elapsed time.Duration)
}

// Auditor records confirmed sales.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps are the collaborators of a Coordinator. Batches, Observer and Auditor
// are optional.
type Deps struct {
	Stores   *store.Manager
	Printer  coupon.Printer
	Prompter prompt.Prompter
	Bus      *events.Bus
	Tills    *till.Manager
	Stock    *inventory.Service
	Params   params.Provider
	Batches  BatchSelector
	Observer Observer
	Auditor  Auditor
	Logger   *slog.Logger
}

// ConfirmRequest asks to confirm one sale at one station.
type ConfirmRequest struct {
	SaleID              uuid.UUID `validate:"required"`
	StationID           uuid.UUID `validate:"required"`
	Origin              till.Origin `validate:"omitempty,oneof=pos till"`
	OrderOnMissingStock bool
	// ReturnChoice is the customer's pick when the policy is CLIENT_CHOICE.
	ReturnChoice  params.ReturnPolicy `validate:"omitempty,oneof=RETURN_MONEY RETURN_CREDIT"`
	SalespersonID *uuid.UUID
	Message       string `validate:"max=200"`
}

// Result describes what ConfirmSale did.
type Result struct {
	SaleID         uuid.UUID
	Status         sales.SaleStatus
	CouponID       int64
	InvoiceNumber  int64
	Ordered        bool
	Deferred       bool
	AlreadyDone    bool
	Missing        []Missing
	Change         decimal.Decimal
	ChangeMethod   sales.Method
	Adjustment     decimal.Decimal
	ReceiptsFailed bool
}

// Coordinator confirms sales for a station, one checkout at a time.
type Coordinator struct {
	stores   *store.Manager
	printer  coupon.Printer
	prompter prompt.Prompter
	bus      *events.Bus
	tills    *till.Manager
	stock    *inventory.Service
	params   params.Provider
	batches  BatchSelector
	observer Observer
	auditor  Auditor
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// New constructs a Coordinator.
func New(d Deps) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stock := d.Stock
	if stock == nil {
		stock = inventory.NewService(logger)
	}
	return &Coordinator{
		stores:   d.Stores,
		printer:  d.Printer,
		prompter: d.Prompter,
		bus:      d.Bus,
		tills:    d.Tills,
		stock:    stock,
		params:   d.Params,
		batches:  d.Batches,
		observer: d.Observer,
		auditor:  d.Auditor,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (c *Coordinator) WithNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// ConfirmSale prints the coupon of a sale and stores it CONFIRMED. Nothing is
// written unless the coupon closed; a coupon whose sale cannot be stored is
// cancelled on the printer.
func (c *Coordinator) ConfirmSale(ctx context.Context, req ConfirmRequest) (res Result, err error) {
	start := time.Now()
	outcome := OutcomeFailed
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCheckout(outcome, time.Since(start))
		}
	}()
	if err := c.validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("checkout: invalid request: %w", err)
	}
	values, err := c.params.Current(ctx)
	if err != nil {
		return Result{}, err
	}

	st, err := c.stores.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	done := false
	defer func() {
		if !done {
			if rbErr := st.Rollback(ctx, true); rbErr != nil {
				c.logger.Warn("checkout rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	sale, err := store.Load[*sales.Sale](ctx, st, req.SaleID)
	if err != nil {
		return Result{}, fmt.Errorf("checkout: load sale: %w", err)
	}
	res = Result{SaleID: sale.ID}
	switch sale.Status {
	case sales.StatusConfirmed, sales.StatusPaid:
		outcome = OutcomeNoop
		res.Status, res.CouponID, res.InvoiceNumber, res.AlreadyDone = sale.Status, sale.CouponID, sale.InvoiceNumber, true
		return res, nil
	case sales.StatusQuote, sales.StatusOrdered:
	default:
		return res, fmt.Errorf("%w: status %s", ErrSaleNotConfirmable, sale.Status)
	}
	oldStatus := sale.Status

	if err := c.applyPolicies(ctx, st, values, sale, req); err != nil {
		return res, err
	}

	if values.ConfirmSalesOnTill && req.Origin == till.OriginPOS {
		sale.Status = sales.StatusOrdered
		if err := st.Commit(ctx, true); err != nil {
			return res, err
		}
		done = true
		outcome = OutcomeOrdered
		c.emitStatus(ctx, sale, oldStatus)
		res.Status, res.Ordered = sale.Status, true
		return res, nil
	}

	current, err := c.tills.Current(ctx, st, req.StationID)
	if err != nil {
		if errors.Is(err, till.ErrTillNotOpen) {
			return res, fmt.Errorf("%w: %w", ErrTillNotOpen, err)
		}
		return res, err
	}
	if current.Status != till.StatusOpen {
		return res, fmt.Errorf("%w: till is %s", ErrTillNotOpen, current.Status)
	}
	if c.tills.AwaitsReduction(current) {
		return res, fmt.Errorf("%w: till opened %s awaits its reduction", ErrTillNotOpen, current.OpeningDate.Format(time.DateOnly))
	}

	cat := newCatalog(st)
	missing, err := c.missingStock(ctx, st, cat, sale)
	if err != nil {
		return res, err
	}
	if len(missing) > 0 {
		if sale.Status != sales.StatusQuote || !req.OrderOnMissingStock {
			return res, &MissingStockError{Items: missing}
		}
		if err := c.orderMissing(ctx, st, cat, sale, missing); err != nil {
			return res, err
		}
		if err := st.Commit(ctx, true); err != nil {
			return res, err
		}
		done = true
		outcome = OutcomeOrdered
		c.emitStatus(ctx, sale, oldStatus)
		res.Status, res.Ordered, res.Missing = sale.Status, true, missing
		return res, nil
	}
	if err := c.resolveBatches(ctx, st, cat, sale); err != nil {
		return res, err
	}

	total := sale.TotalAmount()
	incoming := sale.IncomingTotal()
	if incoming.LessThan(total) {
		return res, fmt.Errorf("%w: %s < %s", ErrPaymentsIncomplete, incoming.StringFixed(2), total.StringFixed(2))
	}

	session := coupon.NewSession(c.printer, c.prompter, c.bus, c.logger)
	ok, err := c.printCoupon(ctx, session, st, values, sale, req.Message)
	if err == nil && !ok {
		// The coupon stays open on the printer; the next Open cancels it.
		outcome = OutcomeDeferred
		res.Deferred = true
		res.Status = sale.Status
		return res, nil
	}
	if err != nil {
		c.abandon(ctx, session, sale)
		if errors.Is(err, prompt.ErrCancelled) {
			outcome = OutcomeCancelled
		}
		return res, err
	}
	sale.CouponID = session.COO()
	if adj := session.Adjustment(); !adj.IsZero() {
		sale.AdjustmentValue = adj
		res.Adjustment = adj
	}

	if err := c.persist(ctx, st, values, cat, current, sale, req, &res); err != nil {
		c.void(ctx, session, sale)
		return res, err
	}
	if err := st.Commit(ctx, true); err != nil {
		c.void(ctx, session, sale)
		return res, err
	}
	done = true
	outcome = OutcomeConfirmed
	res.Status, res.CouponID, res.InvoiceNumber = sale.Status, sale.CouponID, sale.InvoiceNumber

	c.logger.Info("sale confirmed",
		slog.String("sale", sale.ID.String()),
		slog.Int64("coupon", sale.CouponID),
		slog.Int64("invoice", sale.InvoiceNumber),
		slog.String("total", total.StringFixed(2)))
	c.afterCommit(ctx, session, sale, oldStatus, &res)
	return res, nil
}

// applyPolicies enforces the salesperson, late payment and trade parameters.
func (c *Coordinator) applyPolicies(ctx context.Context, st *store.Store, values params.Values, sale *sales.Sale, req ConfirmRequest) error {
	switch values.AcceptChangeSalesperson {
	case params.SalespersonDisallow:
		if req.SalespersonID != nil && *req.SalespersonID != sale.SalespersonID {
			return ErrSalespersonLocked
		}
	case params.SalespersonForceChoose:
		if req.SalespersonID == nil {
			return ErrSalespersonRequired
		}
		sale.SalespersonID = *req.SalespersonID
	default:
		if req.SalespersonID != nil {
			sale.SalespersonID = *req.SalespersonID
		}
	}

	if sale.ClientID != nil && values.LatePaymentsPolicy != params.LateAllow {
		late, err := sales.HasLatePayments(ctx, st, *sale.ClientID, c.now())
		if err != nil {
			return err
		}
		if late {
			if values.LatePaymentsPolicy == params.LateDisallowSales {
				return ErrLatePayments
			}
			for _, p := range sale.Group.Payments {
				if p.Method == sales.MethodStoreCredit && p.Status != sales.PaymentCancelled {
					return fmt.Errorf("%w: store credit not accepted", ErrLatePayments)
				}
			}
		}
	}

	if sale.TradeCredit.IsPositive() {
		if values.UseTradeAsDiscount {
			sale.DiscountValue = sale.DiscountValue.Add(sale.TradeCredit)
		} else {
			sale.Group.Payments = append(sale.Group.Payments, sales.Payment{
				ID:          uuid.New(),
				Method:      sales.MethodCredit,
				Direction:   sales.DirectionIn,
				Value:       sale.TradeCredit,
				Description: "trade",
				DueDate:     c.now(),
				Status:      sales.PaymentPreview,
			})
		}
		sale.TradeCredit = decimal.Zero
	}
	return nil
}

// printCoupon runs the coupon from open to close. ok is false when the
// operator deferred a step.
func (c *Coordinator) printCoupon(ctx context.Context, session *coupon.Session, st *store.Store, values params.Values, sale *sales.Sale, message string) (bool, error) {
	if ok, err := session.Open(ctx); !ok {
		return false, err
	}
	if values.EnablePaulistaInvoice && sale.ClientID != nil {
		client, err := store.Load[*sales.Client](ctx, st, *sale.ClientID)
		if err != nil {
			return false, err
		}
		if client.Document != "" {
			customer := fiscal.Customer{Document: client.Document, Name: client.Name, Address: client.Address}
			if ok, err := session.IdentifyCustomer(ctx, customer); !ok {
				return false, err
			}
		}
	}
	for _, item := range sale.TopLevelItems() {
		if ok, err := c.addItem(ctx, session, sale, item.ID, *item); !ok {
			return false, err
		}
	}
	if ok, err := session.Totalize(ctx, sale.TotalAmount()); !ok {
		return false, err
	}
	var payments []fiscal.Payment
	for _, p := range sale.Group.Payments {
		if p.Direction == sales.DirectionIn && p.Status != sales.PaymentCancelled {
			payments = append(payments, fiscal.Payment{Method: string(p.Method), Value: p.Value, Description: p.Description})
		}
	}
	if ok, err := session.AddPayments(ctx, payments); !ok {
		return false, err
	}
	return session.Close(ctx, message)
}

// addItem prints an item and, recursively, its package children under the
// same sale item id.
func (c *Coordinator) addItem(ctx context.Context, session *coupon.Session, sale *sales.Sale, ownerID uuid.UUID, item sales.SaleItem) (bool, error) {
	line := fiscal.Item{
		Code:        item.Code,
		Description: item.Description,
		Quantity:    item.Quantity,
		Price:       item.Price,
		Unit:        item.Unit,
		TaxCode:     item.TaxCode,
	}
	if ok, err := session.AddItem(ctx, ownerID, line); !ok {
		return false, err
	}
	for _, child := range sale.Children(item.ID) {
		if ok, err := c.addItem(ctx, session, sale, ownerID, *child); !ok {
			return false, err
		}
	}
	return true, nil
}

// persist applies every database effect of a confirmed sale inside st.
func (c *Coordinator) persist(ctx context.Context, st *store.Store, values params.Values, cat *catalog, current *till.Till, sale *sales.Sale, req ConfirmRequest, res *Result) error {
	now := c.now()
	sale.Status = sales.StatusConfirmed
	sale.ConfirmDate = &now

	if err := c.decreaseStock(ctx, st, cat, sale); err != nil {
		return err
	}

	total := sale.TotalAmount()
	overpay := sale.IncomingTotal().Sub(total)
	moneyIn := decimal.Zero
	var moneyPayment *uuid.UUID
	var client *sales.Client
	for i := range sale.Group.Payments {
		p := &sale.Group.Payments[i]
		if p.Direction != sales.DirectionIn || p.Status != sales.PaymentPreview {
			continue
		}
		if err := p.SetPending(); err != nil {
			return err
		}
		switch p.Method {
		case sales.MethodMoney:
			if err := p.Pay(now); err != nil {
				return err
			}
			moneyIn = moneyIn.Add(p.Value)
			if moneyPayment == nil {
				id := p.ID
				moneyPayment = &id
			}
		case sales.MethodCredit:
			if client == nil {
				loaded, err := c.saleClient(ctx, st, sale)
				if err != nil {
					return err
				}
				client = loaded
			}
			if p.Value.GreaterThan(client.Credit) {
				return fmt.Errorf("%w: %s > %s", sales.ErrInsufficientCredit, p.Value, client.Credit)
			}
			client.Credit = client.Credit.Sub(p.Value)
			if err := p.Pay(now); err != nil {
				return err
			}
		}
	}

	applied := moneyIn
	if overpay.IsPositive() {
		method := c.changeMethod(values, req)
		if method == sales.MethodCredit && sale.ClientID == nil {
			c.logger.Warn("credit change requires a client, returning money", slog.String("sale", sale.ID.String()))
			method = sales.MethodMoney
		}
		if method == sales.MethodCredit {
			if client == nil {
				loaded, err := c.saleClient(ctx, st, sale)
				if err != nil {
					return err
				}
				client = loaded
			}
			client.Credit = client.Credit.Add(overpay)
		}
		changeID := uuid.New()
		sale.Group.Payments = append(sale.Group.Payments, sales.Payment{
			ID:          changeID,
			Method:      method,
			Direction:   sales.DirectionOut,
			Value:       overpay,
			Description: "change",
			DueDate:     now,
			Status:      sales.PaymentPaid,
			PaidDate:    &now,
		})
		applied = decimal.Max(moneyIn.Sub(overpay), decimal.Zero)
		res.Change, res.ChangeMethod = overpay, method
		// Money change beyond the cash received leaves the drawer.
		if paidOut := overpay.Sub(moneyIn); method == sales.MethodMoney && paidOut.IsPositive() {
			desc := "change of coupon " + strconv.FormatInt(sale.CouponID, 10)
			if _, err := c.tills.AddPaymentEntry(ctx, st, current, paidOut.Neg(), desc, changeID); err != nil {
				return err
			}
		}
	}
	if applied.IsPositive() && moneyPayment != nil {
		desc := "coupon " + strconv.FormatInt(sale.CouponID, 10)
		if _, err := c.tills.AddPaymentEntry(ctx, st, current, applied, desc, *moneyPayment); err != nil {
			return err
		}
	}
	if sale.AllIncomingPaid() {
		sale.Status = sales.StatusPaid
	}
	return c.allocateInvoice(ctx, st, sale)
}

func (c *Coordinator) saleClient(ctx context.Context, st *store.Store, sale *sales.Sale) (*sales.Client, error) {
	if sale.ClientID == nil {
		return nil, sales.ErrClientRequired
	}
	return store.Load[*sales.Client](ctx, st, *sale.ClientID)
}

func (c *Coordinator) changeMethod(values params.Values, req ConfirmRequest) sales.Method {
	policy := values.ReturnPolicyOnSales
	if policy == params.ReturnClientChoice {
		policy = req.ReturnChoice
	}
	if policy == params.ReturnCredit {
		return sales.MethodCredit
	}
	return sales.MethodMoney
}

// allocateInvoice picks the next invoice number. A number held by another
// store is skipped after rolling back to the savepoint.
func (c *Coordinator) allocateInvoice(ctx context.Context, st *store.Store, sale *sales.Sale) error {
	if sale.InvoiceNumber > 0 {
		return nil
	}
	const sp = "invoice_number"
	if err := st.Savepoint(ctx, sp); err != nil {
		return err
	}
	highest, err := st.Max(ctx, sales.KindSale, "invoice_number")
	if err != nil {
		return err
	}
	next := highest + 1
	for attempt := 0; attempt < maxInvoiceAttempts; attempt++ {
		sale.InvoiceNumber = next
		err := st.Flush(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrInvoiceNumberClash) {
			return err
		}
		c.logger.Info("invoice number taken, trying next", slog.Int64("invoice", next))
		if err := st.RollbackTo(ctx, sp); err != nil {
			return err
		}
		next++
	}
	return fmt.Errorf("%w after %d attempts", ErrInvoiceExhausted, maxInvoiceAttempts)
}

// abandon cleans up after a coupon that did not close.
func (c *Coordinator) abandon(ctx context.Context, session *coupon.Session, sale *sales.Sale) {
	if session.State() == coupon.StateNew {
		return
	}
	if !session.State().Terminal() {
		if _, err := session.Cancel(ctx); err != nil {
			c.logger.Warn("coupon cancel failed", slog.Any("error", err))
		}
	}
	c.cancelPending(ctx, sale)
}

// void cancels a closed coupon whose sale could not be stored.
func (c *Coordinator) void(ctx context.Context, session *coupon.Session, sale *sales.Sale) {
	if err := session.Void(ctx); err != nil {
		c.logger.Error("closed coupon could not be cancelled",
			slog.Int64("coupon", session.COO()),
			slog.String("sale", sale.ID.String()),
			slog.Any("error", err))
	}
	c.cancelPending(ctx, sale)
}

func (c *Coordinator) cancelPending(ctx context.Context, sale *sales.Sale) {
	if err := c.bus.Emit(ctx, events.PendingPaymentsCancel{SaleID: sale.ID}); err != nil {
		c.logger.Warn("cancel pending payments failed", slog.Any("error", err))
	}
}

func (c *Coordinator) emitStatus(ctx context.Context, sale *sales.Sale, old sales.SaleStatus) {
	if old == sale.Status {
		return
	}
	if err := c.bus.Emit(ctx, events.SaleStatusChange{SaleID: sale.ID, OldStatus: string(old), NewStatus: string(sale.Status)}); err != nil {
		c.logger.Warn("sale status subscriber failed", slog.Any("error", err))
	}
}

// afterCommit emits the post-sale events and prints card receipts. Nothing
// here can undo the sale.
func (c *Coordinator) afterCommit(ctx context.Context, session *coupon.Session, sale *sales.Sale, old sales.SaleStatus, res *Result) {
	c.emitStatus(ctx, sale, old)
	if err := c.bus.Emit(ctx, events.CouponCreatedEvent{SaleID: sale.ID, CouponID: sale.CouponID}); err != nil {
		c.logger.Warn("coupon created subscriber failed", slog.Any("error", err))
	}

	var receipts []events.Receipt
	for _, p := range sale.Group.Payments {
		if p.Card != nil && p.Card.Receipt != "" && p.Status != sales.PaymentCancelled {
			receipts = append(receipts, events.Receipt{PaymentID: p.ID, NSU: p.Card.NSU, Text: p.Card.Receipt})
		}
	}
	if err := c.bus.Emit(ctx, events.ReceiptPrepare{SaleID: sale.ID, Receipts: &receipts}); err != nil {
		c.logger.Warn("receipt prepare subscriber failed", slog.Any("error", err))
	}
	if err := session.PrintReceipts(ctx, sale.ID, receipts); err != nil {
		c.logger.Warn("card receipts not printed", slog.Any("error", err))
	}
	res.ReceiptsFailed = session.AnyFailed()
	if err := c.bus.Emit(ctx, events.ReceiptsPrinted{SaleID: sale.ID, AnyFailed: session.AnyFailed()}); err != nil {
		c.logger.Warn("receipt printed subscriber failed", slog.Any("error", err))
	}
	if err := c.bus.Emit(ctx, events.ConfirmSaleFinished{SaleID: sale.ID}); err != nil {
		c.logger.Warn("confirm finish subscriber failed", slog.Any("error", err))
	}

	if c.auditor != nil {
		entry := shared.AuditLog{
			ActorID:  sale.SalespersonID.String(),
			Action:   "sale.confirm",
			Entity:   sales.KindSale,
			EntityID: sale.ID.String(),
			Meta: map[string]any{
				"coupon_id":      sale.CouponID,
				"invoice_number": sale.InvoiceNumber,
				"total":          sale.TotalAmount().StringFixed(2),
			},
			At: c.now(),
		}
		if err := c.auditor.Record(ctx, entry); err != nil {
			c.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
}

// Reconcile lists confirmed sales of the station that carry no coupon number.
func (c *Coordinator) Reconcile(ctx context.Context, stationID uuid.UUID) ([]*sales.Sale, error) {
	st, err := c.stores.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Rollback(ctx, true) }()
	var out []*sales.Sale
	for _, status := range []sales.SaleStatus{sales.StatusConfirmed, sales.StatusPaid} {
		found, err := store.FindAll[*sales.Sale](ctx, st, map[string]any{"station_id": stationID, "status": status, "coupon_id": 0})
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}
