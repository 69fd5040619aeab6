package fiscal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Operation names used for metrics, logs and fault injection.
const (
	OpOpenTill         = "open_till"
	OpCloseTill        = "close_till"
	OpAddCash          = "add_cash"
	OpRemoveCash       = "remove_cash"
	OpOpenCoupon       = "open_coupon"
	OpIdentifyCustomer = "identify_customer"
	OpAddItem          = "add_item"
	OpRemoveItem       = "remove_item"
	OpTotalize         = "totalize"
	OpAddPayment       = "add_payment"
	OpCloseCoupon      = "close_coupon"
	OpCancelCoupon     = "cancel_coupon"
	OpPrintReceipt     = "print_payment_receipt"
	OpReprintReceipt   = "reprint_payment_receipt"
	OpGetCOO           = "get_coo"
	OpCapabilities     = "get_capabilities"
	OpCheckSerial      = "check_serial"
	OpHasOpenCoupon    = "has_open_coupon"
	OpHasPendingReduce = "has_pending_reduce"
)

// Capabilities describes what a printer model accepts.
type Capabilities struct {
	Brand                    string `yaml:"brand" json:"brand"`
	Model                    string `yaml:"model" json:"model"`
	Serial                   string `yaml:"-" json:"serial"`
	SupportsDuplicateReceipt bool   `yaml:"supports_duplicate_receipt" json:"supports_duplicate_receipt"`
	MaxItemCodeLen           int    `yaml:"max_item_code_len" json:"max_item_code_len"`
	MaxItemDescriptionLen    int    `yaml:"max_item_description_len" json:"max_item_description_len"`
	MaxPaymentDescriptionLen int    `yaml:"max_payment_description_len" json:"max_payment_description_len"`
}

// Item is a coupon line.
type Item struct {
	Code        string
	Description string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Unit        string
	TaxCode     string
	Discount    decimal.Decimal
}

// Total is quantity times price minus the line discount, rounded to cents.
func (i Item) Total() decimal.Decimal {
	return i.Quantity.Mul(i.Price).Sub(i.Discount).Round(2)
}

// Payment is a coupon payment line.
type Payment struct {
	Method      string
	Value       decimal.Decimal
	Description string
}

// Customer is the buyer identified on the coupon.
type Customer struct {
	Document string
	Name     string
	Address  string
}

// Reduction parameters for the reduction-Z report.
type Reduction struct {
	Date        time.Time
	PreviousDay bool
}

// Driver talks to one physical or virtual fiscal printer. Calls are blocking
// and never retried by the caller.
type Driver interface {
	OpenTill(ctx context.Context) error
	CloseTill(ctx context.Context, r Reduction) error
	AddCash(ctx context.Context, value decimal.Decimal, reason string) error
	RemoveCash(ctx context.Context, value decimal.Decimal, reason string) error
	OpenCoupon(ctx context.Context) error
	IdentifyCustomer(ctx context.Context, c Customer) error
	AddItem(ctx context.Context, item Item) (int, error)
	RemoveItem(ctx context.Context, id int) error
	// Totalize applies discount or surcharge and returns the printer's total.
	Totalize(ctx context.Context, discount, surcharge decimal.Decimal) (decimal.Decimal, error)
	AddPayment(ctx context.Context, p Payment) error
	CloseCoupon(ctx context.Context, message string) error
	CancelCoupon(ctx context.Context) error
	PrintPaymentReceipt(ctx context.Context, receipt string) error
	// ReprintPaymentReceipt prints a receipt inside a managerial report.
	ReprintPaymentReceipt(ctx context.Context, receipt string) error
	GetCOO(ctx context.Context) (int64, error)
	GetCapabilities(ctx context.Context) (Capabilities, error)
	CheckSerial(ctx context.Context, expected string) error
	HasOpenCoupon(ctx context.Context) (bool, error)
	HasPendingReduce(ctx context.Context) (bool, error)
}
