package sales

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// Entity kinds.
const (
	KindSale            = "sale"
	KindSellable        = "sellable"
	KindBatch           = "batch"
	KindProductionOrder = "production_order"
	KindClient          = "client"
)

// CouponIDConstraint keeps coupon numbers unique per station.
const CouponIDConstraint = "sale.station_coupon"

func init() {
	store.Register(KindSale, func() store.Entity { return &Sale{} })
	store.Register(KindSellable, func() store.Entity { return &Sellable{} })
	store.Register(KindBatch, func() store.Entity { return &Batch{} })
	store.Register(KindProductionOrder, func() store.Entity { return &ProductionOrder{} })
	store.Register(KindClient, func() store.Entity { return &Client{} })
}

// ============================================================================
// SALE
// ============================================================================

// SaleStatus is the sale lifecycle state.
type SaleStatus string

const (
	StatusQuote     SaleStatus = "QUOTE"
	StatusOrdered   SaleStatus = "ORDERED"
	StatusConfirmed SaleStatus = "CONFIRMED"
	StatusPaid      SaleStatus = "PAID"
	StatusReturned  SaleStatus = "RETURNED"
	StatusCancelled SaleStatus = "CANCELLED"
)

// Sale owns its items and payment group.
type Sale struct {
	ID              uuid.UUID       `json:"id"`
	Status          SaleStatus      `json:"status"`
	BranchID        uuid.UUID       `json:"branch_id"`
	StationID       uuid.UUID       `json:"station_id"`
	ClientID        *uuid.UUID      `json:"client_id"`
	SalespersonID   uuid.UUID       `json:"salesperson_id"`
	DiscountValue   decimal.Decimal `json:"discount_value"`
	SurchargeValue  decimal.Decimal `json:"surcharge_value"`
	AdjustmentValue decimal.Decimal `json:"adjustment_value"`
	TradeCredit     decimal.Decimal `json:"trade_credit"`
	InvoiceNumber   int64           `json:"invoice_number"`
	CouponID        int64           `json:"coupon_id"`
	OpenDate        time.Time       `json:"open_date"`
	ConfirmDate     *time.Time      `json:"confirm_date"`
	Items           []SaleItem      `json:"items"`
	Group           PaymentGroup    `json:"group"`
}

// NewSale constructs a sale in QUOTE status.
func NewSale(branchID, stationID uuid.UUID, now time.Time) *Sale {
	id := uuid.New()
	return &Sale{
		ID:        id,
		Status:    StatusQuote,
		BranchID:  branchID,
		StationID: stationID,
		OpenDate:  now,
		Group:     PaymentGroup{ID: uuid.New(), SaleID: id},
	}
}

func (*Sale) EntityKind() string     { return KindSale }
func (s *Sale) EntityID() uuid.UUID { return s.ID }

// UniqueClaims reserves the invoice number and the station coupon id.
func (s *Sale) UniqueClaims() []store.UniqueClaim {
	var claims []store.UniqueClaim
	if s.InvoiceNumber > 0 {
		claims = append(claims, store.UniqueClaim{Constraint: store.InvoiceNumberConstraint, Value: strconv.FormatInt(s.InvoiceNumber, 10)})
	}
	if s.CouponID > 0 {
		claims = append(claims, store.UniqueClaim{Constraint: CouponIDConstraint, Value: s.StationID.String() + ":" + strconv.FormatInt(s.CouponID, 10)})
	}
	return claims
}

// Subtotal sums the item totals.
func (s *Sale) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range s.Items {
		sum = sum.Add(item.Total())
	}
	return sum
}

// TotalAmount is subtotal minus discount plus surcharge.
func (s *Sale) TotalAmount() decimal.Decimal {
	return s.Subtotal().Sub(s.DiscountValue).Add(s.SurchargeValue).Round(2)
}

// Item returns the item with id.
func (s *Sale) Item(id uuid.UUID) (*SaleItem, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// Children returns the items whose parent is id, in sale order.
func (s *Sale) Children(id uuid.UUID) []*SaleItem {
	var out []*SaleItem
	for i := range s.Items {
		if p := s.Items[i].ParentItemID; p != nil && *p == id {
			out = append(out, &s.Items[i])
		}
	}
	return out
}

// TopLevelItems returns items without a parent.
func (s *Sale) TopLevelItems() []*SaleItem {
	var out []*SaleItem
	for i := range s.Items {
		if s.Items[i].ParentItemID == nil {
			out = append(out, &s.Items[i])
		}
	}
	return out
}

// IncomingTotal sums non-cancelled incoming payments.
func (s *Sale) IncomingTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range s.Group.Payments {
		if p.Direction == DirectionIn && p.Status != PaymentCancelled {
			sum = sum.Add(p.Value)
		}
	}
	return sum
}

// AllIncomingPaid reports whether every non-cancelled incoming payment is PAID.
func (s *Sale) AllIncomingPaid() bool {
	for _, p := range s.Group.Payments {
		if p.Direction == DirectionIn && p.Status != PaymentCancelled && p.Status != PaymentPaid {
			return false
		}
	}
	return true
}

// SaleItem is a sale line. Package children reference their parent.
type SaleItem struct {
	ID                uuid.UUID       `json:"id"`
	SellableID        uuid.UUID       `json:"sellable_id"`
	Code              string          `json:"code"`
	Description       string          `json:"description"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	BasePrice         decimal.Decimal `json:"base_price"`
	QuantityDecreased decimal.Decimal `json:"quantity_decreased"`
	BatchID           *uuid.UUID      `json:"batch_id"`
	ParentItemID      *uuid.UUID      `json:"parent_item_id"`
	Unit              string          `json:"unit"`
	TaxCode           string          `json:"tax_code"`
}

// Total is quantity times price rounded to cents.
func (i SaleItem) Total() decimal.Decimal {
	return i.Quantity.Mul(i.Price).Round(2)
}

// Pending is the quantity not yet decreased from stock.
func (i SaleItem) Pending() decimal.Decimal {
	return i.Quantity.Sub(i.QuantityDecreased)
}

// ============================================================================
// PAYMENTS
// ============================================================================

// Method is a payment method.
type Method string

const (
	MethodMoney       Method = "money"
	MethodCard        Method = "card"
	MethodCheck       Method = "check"
	MethodBill        Method = "bill"
	MethodCredit      Method = "credit"
	MethodStoreCredit Method = "store_credit"
)

// Direction tells whether money enters or leaves the store.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

const (
	PaymentPreview   PaymentStatus = "PREVIEW"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// PaymentGroup holds the payments of one sale.
type PaymentGroup struct {
	ID       uuid.UUID `json:"id"`
	SaleID   uuid.UUID `json:"sale_id"`
	Payments []Payment `json:"payments"`
}

// CardData carries the acquirer data of a card payment.
type CardData struct {
	NSU      string `json:"nsu"`
	Acquirer string `json:"acquirer"`
	Receipt  string `json:"receipt"`
}

// Payment is one installment of a payment group.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	Method      Method          `json:"method"`
	Direction   Direction       `json:"direction"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
	DueDate     time.Time       `json:"due_date"`
	Status      PaymentStatus   `json:"status"`
	PaidDate    *time.Time      `json:"paid_date"`
	Card        *CardData       `json:"card"`
}

// Pay moves a PENDING payment to PAID.
func (p *Payment) Pay(now time.Time) error {
	if p.Status != PaymentPending {
		return ErrInvalidPaymentTransition
	}
	p.Status = PaymentPaid
	p.PaidDate = &now
	return nil
}

// SetPending moves a PREVIEW payment to PENDING.
func (p *Payment) SetPending() error {
	if p.Status != PaymentPreview {
		return ErrInvalidPaymentTransition
	}
	p.Status = PaymentPending
	return nil
}

// Cancel cancels a PREVIEW or PENDING payment. Paid payments need a reversing entry.
func (p *Payment) Cancel() error {
	switch p.Status {
	case PaymentPreview, PaymentPending:
		p.Status = PaymentCancelled
		return nil
	default:
		return ErrInvalidPaymentTransition
	}
}

// ============================================================================
// CATALOG
// ============================================================================

// Storable is the stock-keeping facet of a sellable; its id is the sellable id.
type Storable struct {
	IsBatch      bool `json:"is_batch"`
	AllowNoBatch bool `json:"allow_no_batch"`
}

// Component is one child of a composed (package) sellable.
type Component struct {
	SellableID uuid.UUID       `json:"sellable_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// Sellable is a catalog product.
type Sellable struct {
	ID          uuid.UUID       `json:"id"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Unit        string          `json:"unit"`
	TaxCode     string          `json:"tax_code"`
	Weighable   bool            `json:"weighable"`
	Composed    bool            `json:"composed"`
	Package     bool            `json:"package"`
	Components  []Component     `json:"components"`
	Storable    *Storable       `json:"storable"`
}

func (*Sellable) EntityKind() string     { return KindSellable }
func (s *Sellable) EntityID() uuid.UUID { return s.ID }

// UniqueClaims reserves the sellable code.
func (s *Sellable) UniqueClaims() []store.UniqueClaim {
	return []store.UniqueClaim{{Constraint: "sellable.code", Value: s.Code}}
}

// Batch is a lot number of a batch-controlled storable.
type Batch struct {
	ID         uuid.UUID `json:"id"`
	StorableID uuid.UUID `json:"storable_id"`
	Number     string    `json:"number"`
}

func (*Batch) EntityKind() string     { return KindBatch }
func (b *Batch) EntityID() uuid.UUID { return b.ID }

// ProductionOrder asks the workshop to assemble a composed sellable for a sale.
type ProductionOrder struct {
	ID         uuid.UUID       `json:"id"`
	SaleID     uuid.UUID       `json:"sale_id"`
	SellableID uuid.UUID       `json:"sellable_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (*ProductionOrder) EntityKind() string     { return KindProductionOrder }
func (o *ProductionOrder) EntityID() uuid.UUID { return o.ID }

// ============================================================================
// CLIENT
// ============================================================================

// Client is a buyer. Credit is the balance usable through credit payments,
// CreditLimit bounds open store-credit installments.
type Client struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Document    string          `json:"document"`
	Address     string          `json:"address"`
	Credit      decimal.Decimal `json:"credit"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

func (*Client) EntityKind() string     { return KindClient }
func (c *Client) EntityID() uuid.UUID { return c.ID }
