package sales

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

type fixedScale struct {
	weight, perKg decimal.Decimal
}

func (s fixedScale) Read(context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return s.weight, s.perKg, nil
}

type supervisorCreds map[string]decimal.Decimal

func (c supervisorCreds) MaxDiscount(_ context.Context, username, password string) (decimal.Decimal, error) {
	limit, ok := c[username]
	if !ok || password != "secret" {
		return decimal.Zero, errors.New("invalid credentials")
	}
	return limit, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T, values params.Values) (*Service, *store.Store, *Sale) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewManager(store.NewMemoryBackend(), nil).Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Rollback(ctx, true) })
	svc := NewService(params.Static(values), fixedScale{weight: dec("0.750"), perKg: dec("40")}, supervisorCreds{"ana": dec("30")}, nil, nil)
	sale := NewSale(uuid.New(), uuid.New(), time.Now())
	require.NoError(t, st.Add(sale))
	return svc, st, sale
}

func addSellable(t *testing.T, st *store.Store, s *Sellable) *Sellable {
	t.Helper()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	require.NoError(t, st.Add(s))
	return s
}

func TestAddItemValidatesQuantity(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()
	soap := addSellable(t, st, &Sellable{Code: "001", Description: "Sabonete", Price: dec("2.50")})

	_, err := svc.AddItem(ctx, st, sale, AddItemInput{SellableID: soap.ID, Quantity: dec("0")})
	require.ErrorIs(t, err, ErrNegativeQuantity)
	_, err = svc.AddItem(ctx, st, sale, AddItemInput{SellableID: soap.ID, Quantity: dec("2147483648")})
	require.ErrorIs(t, err, ErrQuantityTooLarge)

	item, err := svc.AddItem(ctx, st, sale, AddItemInput{SellableID: soap.ID, Quantity: dec("2147483647")})
	require.NoError(t, err)
	assert.Equal(t, "001", item.Code)
	require.Len(t, sale.Items, 1)
}

func TestAddItemPriceCeiling(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()
	soap := addSellable(t, st, &Sellable{Code: "001", Price: dec("10")})

	higher := dec("12")
	_, err := svc.AddItem(ctx, st, sale, AddItemInput{SellableID: soap.ID, Quantity: dec("1"), Price: &higher})
	require.ErrorIs(t, err, ErrPriceAboveCatalog)

	allowed := params.Defaults()
	allowed.AllowHigherSalePrice = true
	svc2, st2, sale2 := newFixture(t, allowed)
	soap2 := addSellable(t, st2, &Sellable{Code: "001", Price: dec("10")})
	item, err := svc2.AddItem(ctx, st2, sale2, AddItemInput{SellableID: soap2.ID, Quantity: dec("1"), Price: &higher})
	require.NoError(t, err)
	assert.True(t, item.Price.Equal(higher))
}

func TestDiscountNeedsSupervisorAboveCeiling(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()
	tv := addSellable(t, st, &Sellable{Code: "TV", Price: dec("100")})
	_, err := svc.AddItem(ctx, st, sale, AddItemInput{SellableID: tv.ID, Quantity: dec("1")})
	require.NoError(t, err)

	require.NoError(t, svc.SetDiscount(ctx, sale, DiscountInput{Value: dec("5")}))
	err = svc.SetDiscount(ctx, sale, DiscountInput{Value: dec("20")})
	require.ErrorIs(t, err, ErrMaxDiscountExceeded)
	err = svc.SetDiscount(ctx, sale, DiscountInput{Value: dec("20"), Supervisor: "ana", SupervisorPw: "wrong"})
	require.ErrorIs(t, err, ErrMaxDiscountExceeded)
	require.NoError(t, svc.SetDiscount(ctx, sale, DiscountInput{Value: dec("20"), Supervisor: "ana", SupervisorPw: "secret"}))
	err = svc.SetDiscount(ctx, sale, DiscountInput{Value: dec("40"), Supervisor: "ana", SupervisorPw: "secret"})
	require.ErrorIs(t, err, ErrMaxDiscountExceeded)
	assert.True(t, sale.TotalAmount().Equal(dec("80")))
}

func TestWeighableReadsScale(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	cheese := addSellable(t, st, &Sellable{Code: "QJ", Price: dec("38"), Weighable: true, Unit: "KG"})
	item, err := svc.AddItem(context.Background(), st, sale, AddItemInput{SellableID: cheese.ID, FromScale: true})
	require.NoError(t, err)
	assert.True(t, item.Quantity.Equal(dec("0.750")))
	assert.True(t, item.Total().Equal(dec("30")))
}

func TestPackageAddsChildrenAndRemoveDropsThem(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()
	shampoo := addSellable(t, st, &Sellable{Code: "SH", Price: dec("15")})
	conditioner := addSellable(t, st, &Sellable{Code: "CO", Price: dec("12")})
	kit := addSellable(t, st, &Sellable{Code: "KIT", Package: true, Components: []Component{
		{SellableID: shampoo.ID, Quantity: dec("1")},
		{SellableID: conditioner.ID, Quantity: dec("2")},
	}})

	parent, err := svc.AddItem(ctx, st, sale, AddItemInput{SellableID: kit.ID, Quantity: dec("1")})
	require.NoError(t, err)
	require.Len(t, sale.Items, 3)
	assert.Len(t, sale.Children(parent.ID), 2)
	assert.True(t, sale.TotalAmount().Equal(dec("39")))

	require.NoError(t, svc.RemoveItem(ctx, sale, parent.ID))
	require.Empty(t, sale.Items)
	require.ErrorIs(t, svc.RemoveItem(ctx, sale, parent.ID), ErrItemNotFound)
}

func TestAddPaymentInstallmentsAndCredit(t *testing.T) {
	svc, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()

	planned, err := svc.AddPayment(ctx, st, sale, PaymentInput{Method: MethodCard, Value: dec("100"), Installments: 3})
	require.NoError(t, err)
	require.Len(t, planned, 3)
	assert.True(t, planned[0].Value.Equal(dec("33.33")))
	assert.True(t, planned[2].Value.Equal(dec("33.34")))
	assert.Equal(t, PaymentPreview, planned[0].Status)
	assert.True(t, sale.IncomingTotal().Equal(dec("100")))

	_, err = svc.AddPayment(ctx, st, sale, PaymentInput{Method: MethodCredit, Value: dec("10")})
	require.ErrorIs(t, err, ErrClientRequired)

	client := &Client{ID: uuid.New(), Name: "Maria", Credit: dec("5")}
	require.NoError(t, st.Add(client))
	sale.ClientID = &client.ID
	_, err = svc.AddPayment(ctx, st, sale, PaymentInput{Method: MethodCredit, Value: dec("10")})
	require.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestHasLatePayments(t *testing.T) {
	_, st, sale := newFixture(t, params.Defaults())
	ctx := context.Background()
	clientID := uuid.New()
	sale.ClientID = &clientID
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	sale.Group.Payments = []Payment{{
		ID: uuid.New(), Method: MethodStoreCredit, Direction: DirectionIn,
		Value: dec("50"), Status: PaymentPending, DueDate: now.AddDate(0, 0, -3),
	}}

	late, err := HasLatePayments(ctx, st, clientID, now)
	require.NoError(t, err)
	require.True(t, late)

	late, err = HasLatePayments(ctx, st, uuid.New(), now)
	require.NoError(t, err)
	require.False(t, late)
}

func TestPaymentTransitions(t *testing.T) {
	p := Payment{Status: PaymentPreview}
	require.ErrorIs(t, p.Pay(time.Now()), ErrInvalidPaymentTransition)
	require.NoError(t, p.SetPending())
	require.NoError(t, p.Pay(time.Now()))
	require.ErrorIs(t, p.Cancel(), ErrInvalidPaymentTransition)
}
