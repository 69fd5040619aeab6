package sales

import "errors"

var (
	// ErrNegativeQuantity indicates a quantity at or below zero.
	ErrNegativeQuantity = errors.New("sales: quantity must be positive")
	// ErrQuantityTooLarge indicates a quantity above the supported maximum.
	ErrQuantityTooLarge = errors.New("sales: quantity too large")
	// ErrPriceAboveCatalog indicates a price above the catalog price while not allowed.
	ErrPriceAboveCatalog = errors.New("sales: price above catalog price")
	// ErrNegativePrice indicates a price below zero.
	ErrNegativePrice = errors.New("sales: price must not be negative")
	// ErrMaxDiscountExceeded indicates a discount above the allowed ceiling.
	ErrMaxDiscountExceeded = errors.New("sales: discount above allowed maximum")
	// ErrInsufficientCredit indicates the client credit does not cover the payment.
	ErrInsufficientCredit = errors.New("sales: insufficient client credit")
	// ErrSaleNotEditable indicates the sale left QUOTE/ORDERED.
	ErrSaleNotEditable = errors.New("sales: sale cannot be edited")
	// ErrItemNotFound indicates the item is not part of the sale.
	ErrItemNotFound = errors.New("sales: item not found")
	// ErrScaleNoWeight indicates the scale returned no weight.
	ErrScaleNoWeight = errors.New("sales: scale returned no weight")
	// ErrClientRequired indicates the operation needs a client on the sale.
	ErrClientRequired = errors.New("sales: client required")
	// ErrInvalidPaymentTransition indicates a forbidden payment status change.
	ErrInvalidPaymentTransition = errors.New("sales: invalid payment status transition")
)
