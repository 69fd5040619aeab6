package fiscal

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCouponAlreadyOpen indicates the printer holds an open coupon.
	ErrCouponAlreadyOpen = errors.New("fiscal: coupon already open")
	// ErrCouponNotOpen indicates the printer has no open coupon.
	ErrCouponNotOpen = errors.New("fiscal: no coupon open")
	// ErrOutOfPaper indicates the printer ran out of paper.
	ErrOutOfPaper = errors.New("fiscal: printer out of paper")
	// ErrPrinterOffline indicates the printer does not answer.
	ErrPrinterOffline = errors.New("fiscal: printer offline")
	// ErrDriverFault covers every other transient driver failure, timeouts included.
	ErrDriverFault = errors.New("fiscal: driver fault")
	// ErrSerialMismatch indicates the connected printer is not the registered one.
	ErrSerialMismatch = errors.New("fiscal: printer serial mismatch")
	// ErrFatalDriverFault indicates a driver failure that cannot be retried.
	ErrFatalDriverFault = errors.New("fiscal: fatal driver fault")
)

// IsRecoverable reports whether an operator retry can succeed.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrOutOfPaper) ||
		errors.Is(err, ErrPrinterOffline) ||
		errors.Is(err, ErrDriverFault)
}

// IsFatal reports whether the session must be abandoned.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSerialMismatch) || errors.Is(err, ErrFatalDriverFault)
}

// IsStateViolation reports coupon open/closed mismatches.
func IsStateViolation(err error) bool {
	return errors.Is(err, ErrCouponAlreadyOpen) || errors.Is(err, ErrCouponNotOpen)
}

// normalize maps driver errors into the taxonomy. Unknown errors and deadline
// expiries become ErrDriverFault.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRecoverable(err) || IsFatal(err) || IsStateViolation(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDriverFault, op, err)
}
