package checkout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/checkout"
	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/virtual"
	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/ledger"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

type env struct {
	stores   *store.Manager
	printer  *virtual.Printer
	prompter *prompt.Scripted
	bus      *events.Bus
	tills    *till.Manager
	stock    *inventory.Service
	coord    *checkout.Coordinator
	station  *till.Station
	now      time.Time
	outcomes []string
}

func (e *env) ObserveCheckout(outcome string, _ time.Duration) {
	e.outcomes = append(e.outcomes, outcome)
}

func money(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newEnv(t *testing.T, values params.Values) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		stores:   store.NewManager(store.NewMemoryBackend(), nil),
		printer:  virtual.NewDefault(),
		prompter: &prompt.Scripted{},
		bus:      events.NewBus(),
		stock:    inventory.NewService(nil),
		now:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	facade := fiscal.NewFacade(e.printer, nil, nil)
	fiscal.NewECF(facade, e.prompter, nil, "").Attach(e.bus)
	provider := params.Static(values)
	e.tills = till.NewManager(e.bus, provider, ledger.New(), nil)
	e.tills.WithNow(func() time.Time { return e.now })
	e.coord = checkout.New(checkout.Deps{
		Stores:   e.stores,
		Printer:  facade,
		Prompter: e.prompter,
		Bus:      e.bus,
		Tills:    e.tills,
		Stock:    e.stock,
		Params:   provider,
		Observer: e,
	})
	e.coord.WithNow(func() time.Time { return e.now })

	st, err := e.stores.Begin(ctx)
	require.NoError(t, err)
	e.station = &till.Station{ID: uuid.New(), Name: "caixa-01", BranchID: uuid.New()}
	require.NoError(t, st.Add(e.station))
	require.NoError(t, st.Commit(ctx, false))
	_, err = e.tills.Open(ctx, st, till.OpenInput{StationID: e.station.ID, InitialCash: money("100.00"), Origin: till.OriginTill})
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, true))
	return e
}

// begin returns a store closed at test end.
func (e *env) begin(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := e.stores.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Rollback(ctx, true) })
	return st
}

func (e *env) sellable(t *testing.T, st *store.Store, code, price string, storable *sales.Storable, stock string) *sales.Sellable {
	t.Helper()
	s := &sales.Sellable{ID: uuid.New(), Code: code, Description: "Produto " + code, Price: money(price), Unit: "UN", TaxCode: "T18", Storable: storable}
	require.NoError(t, st.Add(s))
	if stock != "" {
		_, err := e.stock.IncreaseStock(context.Background(), st, inventory.MoveInput{
			StorableID: s.ID,
			BranchID:   e.station.BranchID,
			Quantity:   money(stock),
			Reason:     inventory.ReasonReceiving,
		})
		require.NoError(t, err)
	}
	return s
}

func (e *env) sale(t *testing.T, st *store.Store, items []*sales.Sellable, quantities []string, payments ...sales.Payment) *sales.Sale {
	t.Helper()
	sale := sales.NewSale(e.station.BranchID, e.station.ID, e.now)
	for i, s := range items {
		sale.Items = append(sale.Items, sales.SaleItem{
			ID:          uuid.New(),
			SellableID:  s.ID,
			Code:        s.Code,
			Description: s.Description,
			Quantity:    money(quantities[i]),
			Price:       s.Price,
			BasePrice:   s.Price,
			Unit:        s.Unit,
			TaxCode:     s.TaxCode,
		})
	}
	sale.Group.Payments = append(sale.Group.Payments, payments...)
	require.NoError(t, st.Add(sale))
	return sale
}

func cash(value string) sales.Payment {
	return sales.Payment{ID: uuid.New(), Method: sales.MethodMoney, Direction: sales.DirectionIn, Value: money(value), Status: sales.PaymentPreview}
}

func (e *env) tillBalance(t *testing.T) (decimal.Decimal, int) {
	t.Helper()
	ctx := context.Background()
	st := e.begin(t)
	current, err := e.tills.Current(ctx, st, e.station.ID)
	require.NoError(t, err)
	balance, err := e.tills.Balance(ctx, st, current)
	require.NoError(t, err)
	entries, err := e.tills.Entries(ctx, st, current)
	require.NoError(t, err)
	return balance, len(entries)
}

func (e *env) reload(t *testing.T, id uuid.UUID) *sales.Sale {
	t.Helper()
	sale, err := store.Load[*sales.Sale](context.Background(), e.begin(t), id)
	require.NoError(t, err)
	return sale
}

func (e *env) commit(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.Commit(context.Background(), true))
}

func (e *env) confirm(t *testing.T, saleID uuid.UUID) (checkout.Result, error) {
	t.Helper()
	return e.coord.ConfirmSale(context.Background(), checkout.ConfirmRequest{SaleID: saleID, StationID: e.station.ID, Origin: till.OriginTill})
}

func countCalls(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestCashSaleIsPaid(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", &sales.Storable{}, "10")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusPaid, res.Status)
	require.Positive(t, res.CouponID)
	require.EqualValues(t, 1, res.InvoiceNumber)
	require.False(t, res.ReceiptsFailed)

	stored := e.reload(t, sale.ID)
	require.Equal(t, sales.StatusPaid, stored.Status)
	require.Equal(t, res.CouponID, stored.CouponID)
	require.NotNil(t, stored.ConfirmDate)
	require.Len(t, stored.Group.Payments, 1)
	require.Equal(t, sales.PaymentPaid, stored.Group.Payments[0].Status)
	require.Equal(t, "1", stored.Items[0].QuantityDecreased.String())

	balance, entries := e.tillBalance(t)
	require.Equal(t, "140.00", balance.StringFixed(2))
	require.Equal(t, 2, entries)

	available, err := e.stock.Available(context.Background(), e.begin(t), product.ID, e.station.BranchID, nil)
	require.NoError(t, err)
	require.Equal(t, "9", available.String())

	docs := e.printer.Documents()
	last := docs[len(docs)-1]
	require.Equal(t, "COUPON", last.Kind)
	require.Equal(t, res.CouponID, last.COO)
	require.False(t, last.Cancelled)
	require.Equal(t, []string{checkout.OutcomeConfirmed}, e.outcomes)
}

func TestOutOfPaperRetryConfirms(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	e.printer.FailNext(fiscal.OpTotalize, fiscal.ErrOutOfPaper)
	e.prompter.Answers = []prompt.Choice{prompt.Retry}

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusPaid, res.Status)
	require.Len(t, e.prompter.Asked, 1)
	require.Equal(t, 2, countCalls(e.printer.Calls(), fiscal.OpTotalize))

	balance, entries := e.tillBalance(t)
	require.Equal(t, "140.00", balance.StringFixed(2))
	require.Equal(t, 2, entries)
}

func TestCancelLeavesNothingBehind(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	a := e.sellable(t, st, "111", "10.00", &sales.Storable{}, "5")
	b := e.sellable(t, st, "222", "30.00", &sales.Storable{}, "5")
	sale := e.sale(t, st, []*sales.Sellable{a, b}, []string{"1", "1"}, cash("40.00"))
	e.commit(t, st)

	e.printer.FailNext(fiscal.OpTotalize, fiscal.ErrOutOfPaper)
	var cancelled int
	e.bus.Subscribe(events.CancelPendingPayments, func(context.Context, events.Event) error {
		cancelled++
		return nil
	})

	_, err := e.confirm(t, sale.ID)
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.False(t, e.printer.CouponOpen())
	require.Equal(t, 1, cancelled)

	stored := e.reload(t, sale.ID)
	require.Equal(t, sales.StatusQuote, stored.Status)
	require.Zero(t, stored.CouponID)
	for _, item := range stored.Items {
		require.True(t, item.QuantityDecreased.IsZero())
	}
	available, err := e.stock.Available(context.Background(), e.begin(t), a.ID, e.station.BranchID, nil)
	require.NoError(t, err)
	require.Equal(t, "5", available.String())

	balance, entries := e.tillBalance(t)
	require.Equal(t, "100.00", balance.StringFixed(2))
	require.Equal(t, 1, entries)
	require.Equal(t, []string{checkout.OutcomeCancelled}, e.outcomes)
}

func TestOverpaymentReturnedAsCredit(t *testing.T) {
	values := params.Defaults()
	values.ReturnPolicyOnSales = params.ReturnCredit
	e := newEnv(t, values)
	st := e.begin(t)
	client := &sales.Client{ID: uuid.New(), Name: "Maria"}
	require.NoError(t, st.Add(client))
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("50.00"))
	sale.ClientID = &client.ID
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.MethodCredit, res.ChangeMethod)
	require.Equal(t, "10.00", res.Change.StringFixed(2))

	stored := e.reload(t, sale.ID)
	require.Len(t, stored.Group.Payments, 2)
	change := stored.Group.Payments[1]
	require.Equal(t, sales.DirectionOut, change.Direction)
	require.Equal(t, sales.MethodCredit, change.Method)
	require.Equal(t, "10.00", change.Value.StringFixed(2))

	reloaded, err := store.Load[*sales.Client](context.Background(), e.begin(t), client.ID)
	require.NoError(t, err)
	require.Equal(t, "10.00", reloaded.Credit.StringFixed(2))

	balance, _ := e.tillBalance(t)
	require.Equal(t, "140.00", balance.StringFixed(2))
}

func TestCreditChangeWithoutClientFallsBackToMoney(t *testing.T) {
	values := params.Defaults()
	values.ReturnPolicyOnSales = params.ReturnCredit
	e := newEnv(t, values)
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("50.00"))
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.MethodMoney, res.ChangeMethod)
	balance, _ := e.tillBalance(t)
	require.Equal(t, "140.00", balance.StringFixed(2))
}

func TestCardOverpaymentPaysChangeFromDrawer(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	card := sales.Payment{ID: uuid.New(), Method: sales.MethodCard, Direction: sales.DirectionIn, Value: money("50.00"), Status: sales.PaymentPreview}
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, card)
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.MethodMoney, res.ChangeMethod)
	require.Equal(t, "10.00", res.Change.StringFixed(2))

	balance, entries := e.tillBalance(t)
	require.Equal(t, "90.00", balance.StringFixed(2))
	require.Equal(t, 2, entries)
}

func TestMixedOverpaymentNetsCashInDrawer(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	card := sales.Payment{ID: uuid.New(), Method: sales.MethodCard, Direction: sales.DirectionIn, Value: money("30.00"), Status: sales.PaymentPreview}
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, card, cash("20.00"))
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, "10.00", res.Change.StringFixed(2))

	balance, entries := e.tillBalance(t)
	require.Equal(t, "110.00", balance.StringFixed(2))
	require.Equal(t, 2, entries)
}

func TestInvoiceNumberClashTakesNext(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	other := e.begin(t)
	rival := sales.NewSale(e.station.BranchID, e.station.ID, e.now)
	rival.InvoiceNumber = 1
	require.NoError(t, other.Add(rival))
	require.NoError(t, other.Flush(ctx))

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.InvoiceNumber)
	require.Equal(t, sales.StatusPaid, e.reload(t, sale.ID).Status)
}

func TestMissingStockIsReported(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", &sales.Storable{}, "1")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"3"}, cash("120.00"))
	e.commit(t, st)

	_, err := e.confirm(t, sale.ID)
	require.ErrorIs(t, err, checkout.ErrMissingStock)
	var missing *checkout.MissingStockError
	require.True(t, errors.As(err, &missing))
	require.Len(t, missing.Items, 1)
	require.Equal(t, "3", missing.Items[0].Required.String())
	require.Equal(t, "1", missing.Items[0].Available.String())
	require.Zero(t, countCalls(e.printer.Calls(), fiscal.OpOpenCoupon))
}

func TestMissingStockCanBeOrdered(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", &sales.Storable{}, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"2"}, cash("80.00"))
	e.commit(t, st)

	res, err := e.coord.ConfirmSale(context.Background(), checkout.ConfirmRequest{
		SaleID: sale.ID, StationID: e.station.ID, Origin: till.OriginTill, OrderOnMissingStock: true,
	})
	require.NoError(t, err)
	require.True(t, res.Ordered)
	require.Equal(t, sales.StatusOrdered, e.reload(t, sale.ID).Status)
	require.Zero(t, countCalls(e.printer.Calls(), fiscal.OpOpenCoupon))
}

func TestAllowNoBatchSellsWithoutStock(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", &sales.Storable{IsBatch: true, AllowNoBatch: true}, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusPaid, res.Status)
	available, err := e.stock.AvailableAll(context.Background(), e.begin(t), product.ID, e.station.BranchID)
	require.NoError(t, err)
	require.Equal(t, "-1", available.String())
}

func TestConfirmTwiceIsNoop(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	first, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	second, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.True(t, second.AlreadyDone)
	require.Equal(t, first.CouponID, second.CouponID)
	require.Equal(t, 1, countCalls(e.printer.Calls(), fiscal.OpOpenCoupon))
	_, entries := e.tillBalance(t)
	require.Equal(t, 2, entries)
}

func TestPaymentsMustCoverTotal(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("30.00"))
	e.commit(t, st)

	_, err := e.confirm(t, sale.ID)
	require.ErrorIs(t, err, checkout.ErrPaymentsIncomplete)
	require.Zero(t, countCalls(e.printer.Calls(), fiscal.OpOpenCoupon))
}

func TestDeferredCouponKeepsSaleUnconfirmed(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	e.printer.FailNext(fiscal.OpAddPayment, fiscal.ErrPrinterOffline)
	e.prompter.Answers = []prompt.Choice{prompt.Defer}
	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.True(t, res.Deferred)
	require.Equal(t, sales.StatusQuote, e.reload(t, sale.ID).Status)

	// The next attempt cancels the leftover coupon and goes through.
	res, err = e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusPaid, res.Status)
	require.False(t, e.printer.CouponOpen())
}

func TestConfirmRequiresOpenTill(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	current, err := e.tills.Current(ctx, st, e.station.ID)
	require.NoError(t, err)
	_, err = e.tills.Close(ctx, st, current, false)
	require.NoError(t, err)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	_, err = e.confirm(t, sale.ID)
	require.ErrorIs(t, err, checkout.ErrTillNotOpen)
}

func TestConfirmRejectsTillFromPreviousDay(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	e.now = e.now.AddDate(0, 0, 1)
	_, err := e.confirm(t, sale.ID)
	require.ErrorIs(t, err, checkout.ErrTillNotOpen)
	require.Equal(t, sales.StatusQuote, e.reload(t, sale.ID).Status)
	require.False(t, e.printer.CouponOpen())
}

func TestPOSOrdersWhenTillConfirms(t *testing.T) {
	values := params.Defaults()
	values.ConfirmSalesOnTill = true
	e := newEnv(t, values)
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, cash("40.00"))
	e.commit(t, st)

	res, err := e.coord.ConfirmSale(context.Background(), checkout.ConfirmRequest{SaleID: sale.ID, StationID: e.station.ID, Origin: till.OriginPOS})
	require.NoError(t, err)
	require.True(t, res.Ordered)
	require.Equal(t, sales.StatusOrdered, res.Status)

	res, err = e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusPaid, res.Status)
}

func TestCardReceiptsPrintAfterCommit(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	product := e.sellable(t, st, "789", "40.00", nil, "")
	card := sales.Payment{
		ID: uuid.New(), Method: sales.MethodCard, Direction: sales.DirectionIn, Value: money("40.00"), Status: sales.PaymentPreview,
		Card: &sales.CardData{NSU: "000123", Acquirer: "cielo", Receipt: "VIA CLIENTE"},
	}
	sale := e.sale(t, st, []*sales.Sellable{product}, []string{"1"}, card)
	e.commit(t, st)

	res, err := e.confirm(t, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sales.StatusConfirmed, res.Status)
	require.Equal(t, 1, countCalls(e.printer.Calls(), fiscal.OpPrintReceipt))

	stored := e.reload(t, sale.ID)
	require.Equal(t, sales.PaymentPending, stored.Group.Payments[0].Status)
	_, entries := e.tillBalance(t)
	require.Equal(t, 1, entries)
}

func TestReconcileFindsSalesWithoutCoupon(t *testing.T) {
	e := newEnv(t, params.Defaults())
	st := e.begin(t)
	orphan := sales.NewSale(e.station.BranchID, e.station.ID, e.now)
	orphan.Status = sales.StatusConfirmed
	require.NoError(t, st.Add(orphan))
	printed := sales.NewSale(e.station.BranchID, e.station.ID, e.now)
	printed.Status = sales.StatusPaid
	printed.CouponID = 7
	require.NoError(t, st.Add(printed))
	e.commit(t, st)

	found, err := e.coord.Reconcile(context.Background(), e.station.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, orphan.ID, found[0].ID)
}
