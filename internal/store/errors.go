package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the entity does not exist in the backend.
	ErrNotFound = errors.New("store: entity not found")
	// ErrStoreClosed is returned by every call on a closed store.
	ErrStoreClosed = errors.New("store: store is closed")
	// ErrStorageFailure wraps every database error not otherwise classified.
	ErrStorageFailure = errors.New("store: storage failure")
	// ErrInvoiceNumberClash indicates another sale already holds the invoice number.
	ErrInvoiceNumberClash = errors.New("store: invoice number already used")
	// ErrUniqueViolation indicates any other unique claim conflict.
	ErrUniqueViolation = errors.New("store: unique constraint violated")
	// ErrUnknownKind indicates the kind was never registered.
	ErrUnknownKind = errors.New("store: unknown entity kind")
	// ErrSavepointNotFound indicates RollbackTo named an unknown savepoint.
	ErrSavepointNotFound = errors.New("store: savepoint not found")
)

// claimError maps a failed claim to its sentinel.
func claimError(claim UniqueClaim) error {
	if claim.Constraint == InvoiceNumberConstraint {
		return fmt.Errorf("%w: %s", ErrInvoiceNumberClash, claim.Value)
	}
	return fmt.Errorf("%w: %s=%s", ErrUniqueViolation, claim.Constraint, claim.Value)
}

// classify keeps store sentinels intact and folds everything else into ErrStorageFailure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStoreClosed),
		errors.Is(err, ErrStorageFailure),
		errors.Is(err, ErrInvoiceNumberClash),
		errors.Is(err, ErrUniqueViolation),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrSavepointNotFound):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
