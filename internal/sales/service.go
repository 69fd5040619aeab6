package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

var maxQuantity = decimal.NewFromInt(math.MaxInt32)

// Scale reads a weighing scale.
type Scale interface {
	Read(ctx context.Context) (weight, pricePerKg decimal.Decimal, err error)
}

// Credentials authorises a supervisor and returns the discount percentage the
// supervisor may grant.
type Credentials interface {
	MaxDiscount(ctx context.Context, username, password string) (decimal.Decimal, error)
}

// PaymentPlanner splits a value into payments for a method.
type PaymentPlanner interface {
	Plan(ctx context.Context, sale *Sale, in PaymentInput) ([]Payment, error)
}

// AddItemInput describes an item entered at the station.
type AddItemInput struct {
	SellableID   uuid.UUID        `validate:"required"`
	Quantity     decimal.Decimal  `validate:"-"`
	Price        *decimal.Decimal `validate:"-"`
	BatchID      *uuid.UUID       `validate:"omitempty"`
	FromScale    bool
	Supervisor   string `validate:"omitempty,max=64"`
	SupervisorPw string `validate:"required_with=Supervisor"`
}

// DiscountInput sets the sale discount, optionally authorised by a supervisor.
type DiscountInput struct {
	Value        decimal.Decimal `validate:"-"`
	Supervisor   string          `validate:"omitempty,max=64"`
	SupervisorPw string          `validate:"required_with=Supervisor"`
}

// PaymentInput describes a payment entered at checkout.
type PaymentInput struct {
	Method       Method          `validate:"required,oneof=money card check bill credit store_credit"`
	Value        decimal.Decimal `validate:"-"`
	Installments int             `validate:"gte=0,lte=48"`
	FirstDue     time.Time
	Card         *CardData
}

// Service edits sales at the station.
type Service struct {
	params    params.Provider
	scale     Scale
	creds     Credentials
	planner   PaymentPlanner
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs Service. scale and creds may be nil.
func NewService(p params.Provider, scale Scale, creds Credentials, planner PaymentPlanner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if planner == nil {
		planner = InstallmentPlanner{}
	}
	return &Service{
		params:    p,
		scale:     scale,
		creds:     creds,
		planner:   planner,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ValidateQuantity enforces 0 < q <= MaxInt32.
func ValidateQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return ErrNegativeQuantity
	}
	if q.GreaterThan(maxQuantity) {
		return ErrQuantityTooLarge
	}
	return nil
}

func editable(sale *Sale) error {
	if sale.Status != StatusQuote && sale.Status != StatusOrdered {
		return fmt.Errorf("%w: status %s", ErrSaleNotEditable, sale.Status)
	}
	return nil
}

// AddItem appends an item, and for package sellables its component children.
func (s *Service) AddItem(ctx context.Context, st *store.Store, sale *Sale, in AddItemInput) (*SaleItem, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if err := editable(sale); err != nil {
		return nil, err
	}
	values, err := s.params.Current(ctx)
	if err != nil {
		return nil, err
	}
	sellable, err := store.Load[*Sellable](ctx, st, in.SellableID)
	if err != nil {
		return nil, err
	}

	quantity := in.Quantity
	price := sellable.Price
	if sellable.Weighable && (in.FromScale || quantity.IsZero()) && s.scale != nil {
		weight, perKg, err := s.scale.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("sales: read scale: %w", err)
		}
		if !weight.IsPositive() {
			return nil, ErrScaleNoWeight
		}
		quantity = weight
		if perKg.IsPositive() {
			price = perKg
		}
	}
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	if in.Price != nil {
		if in.Price.IsNegative() {
			return nil, ErrNegativePrice
		}
		if in.Price.GreaterThan(sellable.Price) && !values.AllowHigherSalePrice {
			return nil, fmt.Errorf("%w: %s > %s", ErrPriceAboveCatalog, in.Price, sellable.Price)
		}
		if in.Price.LessThan(sellable.Price) {
			granted := discountPercent(sellable.Price.Sub(*in.Price), sellable.Price)
			if err := s.checkDiscount(ctx, values, granted, in.Supervisor, in.SupervisorPw); err != nil {
				return nil, err
			}
		}
		price = *in.Price
	}

	item := SaleItem{
		ID:          uuid.New(),
		SellableID:  sellable.ID,
		Code:        sellable.Code,
		Description: sellable.Description,
		Quantity:    quantity,
		Price:       price,
		BasePrice:   sellable.Price,
		BatchID:     in.BatchID,
		Unit:        sellable.Unit,
		TaxCode:     sellable.TaxCode,
	}
	if sellable.Package {
		item.Price = decimal.Zero
	}
	sale.Items = append(sale.Items, item)
	parentID := item.ID

	if sellable.Package {
		for _, comp := range sellable.Components {
			child, err := store.Load[*Sellable](ctx, st, comp.SellableID)
			if err != nil {
				return nil, fmt.Errorf("sales: package component: %w", err)
			}
			pid := parentID
			sale.Items = append(sale.Items, SaleItem{
				ID:           uuid.New(),
				SellableID:   child.ID,
				Code:         child.Code,
				Description:  child.Description,
				Quantity:     comp.Quantity.Mul(quantity),
				Price:        child.Price,
				BasePrice:    child.Price,
				ParentItemID: &pid,
				Unit:         child.Unit,
				TaxCode:      child.TaxCode,
			})
		}
	}
	added, _ := sale.Item(parentID)
	return added, nil
}

// RemoveItem drops an item and its children.
func (s *Service) RemoveItem(ctx context.Context, sale *Sale, itemID uuid.UUID) error {
	if err := editable(sale); err != nil {
		return err
	}
	if _, ok := sale.Item(itemID); !ok {
		return ErrItemNotFound
	}
	drop := map[uuid.UUID]bool{itemID: true}
	for _, child := range sale.Children(itemID) {
		drop[child.ID] = true
	}
	kept := sale.Items[:0]
	for _, item := range sale.Items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	sale.Items = kept
	return nil
}

// SetDiscount applies a sale discount within MAX_SALE_DISCOUNT or the
// supervisor's limit.
func (s *Service) SetDiscount(ctx context.Context, sale *Sale, in DiscountInput) error {
	if err := s.validator.Struct(in); err != nil {
		return err
	}
	if err := editable(sale); err != nil {
		return err
	}
	if in.Value.IsNegative() {
		return ErrMaxDiscountExceeded
	}
	values, err := s.params.Current(ctx)
	if err != nil {
		return err
	}
	subtotal := sale.Subtotal()
	if in.Value.GreaterThan(subtotal) {
		return ErrMaxDiscountExceeded
	}
	if err := s.checkDiscount(ctx, values, discountPercent(in.Value, subtotal), in.Supervisor, in.SupervisorPw); err != nil {
		return err
	}
	sale.DiscountValue = in.Value
	return nil
}

func (s *Service) checkDiscount(ctx context.Context, values params.Values, percent decimal.Decimal, supervisor, password string) error {
	if percent.LessThanOrEqual(values.MaxSaleDiscount) {
		return nil
	}
	if supervisor == "" || s.creds == nil {
		return fmt.Errorf("%w: %s%% > %s%%", ErrMaxDiscountExceeded, percent.StringFixed(2), values.MaxSaleDiscount)
	}
	limit, err := s.creds.MaxDiscount(ctx, supervisor, password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMaxDiscountExceeded, err)
	}
	if percent.GreaterThan(limit) {
		return fmt.Errorf("%w: %s%% > supervisor limit %s%%", ErrMaxDiscountExceeded, percent.StringFixed(2), limit)
	}
	s.logger.Info("discount authorised by supervisor", slog.String("supervisor", supervisor), slog.String("percent", percent.StringFixed(2)))
	return nil
}

func discountPercent(discount, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return discount.Div(base).Mul(decimal.NewFromInt(100)).Round(4)
}

// AddPayment plans payments for in and appends them as PREVIEW.
func (s *Service) AddPayment(ctx context.Context, st *store.Store, sale *Sale, in PaymentInput) ([]Payment, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if !in.Value.IsPositive() {
		return nil, ErrNegativeQuantity
	}
	if in.Method == MethodCredit {
		client, err := s.Client(ctx, st, sale)
		if err != nil {
			return nil, err
		}
		if in.Value.GreaterThan(client.Credit) {
			return nil, fmt.Errorf("%w: %s > %s", ErrInsufficientCredit, in.Value, client.Credit)
		}
	}
	if in.FirstDue.IsZero() {
		in.FirstDue = s.now()
	}
	planned, err := s.planner.Plan(ctx, sale, in)
	if err != nil {
		return nil, err
	}
	sale.Group.Payments = append(sale.Group.Payments, planned...)
	return planned, nil
}

// Client loads the sale client, ErrClientRequired when none is set.
func (s *Service) Client(ctx context.Context, st *store.Store, sale *Sale) (*Client, error) {
	if sale.ClientID == nil {
		return nil, ErrClientRequired
	}
	return store.Load[*Client](ctx, st, *sale.ClientID)
}

// HasLatePayments reports whether the client has incoming payments still
// pending after their due date.
func HasLatePayments(ctx context.Context, st *store.Store, clientID uuid.UUID, now time.Time) (bool, error) {
	sales, err := store.FindAll[*Sale](ctx, st, map[string]any{"client_id": clientID})
	if err != nil {
		return false, err
	}
	today := truncateDay(now)
	for _, sale := range sales {
		for _, p := range sale.Group.Payments {
			if p.Direction == DirectionIn && p.Status == PaymentPending && p.DueDate.Before(today) {
				return true, nil
			}
		}
	}
	return false, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// InstallmentPlanner splits a value into monthly installments; the last one
// absorbs rounding.
type InstallmentPlanner struct{}

// Plan implements PaymentPlanner.
func (InstallmentPlanner) Plan(ctx context.Context, sale *Sale, in PaymentInput) ([]Payment, error) {
	n := in.Installments
	if n <= 0 {
		n = 1
	}
	if in.Method == MethodMoney && n > 1 {
		return nil, errors.New("sales: money payments cannot be split")
	}
	share := in.Value.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	out := make([]Payment, 0, n)
	remaining := in.Value
	for i := 0; i < n; i++ {
		value := share
		if i == n-1 {
			value = remaining
		}
		remaining = remaining.Sub(value)
		p := Payment{
			ID:        uuid.New(),
			Method:    in.Method,
			Direction: DirectionIn,
			Value:     value,
			DueDate:   in.FirstDue.AddDate(0, i, 0),
			Status:    PaymentPreview,
		}
		if in.Card != nil {
			card := *in.Card
			p.Card = &card
		}
		if n > 1 {
			p.Description = fmt.Sprintf("%d/%d", i+1, n)
		}
		out = append(out, p)
	}
	return out, nil
}
