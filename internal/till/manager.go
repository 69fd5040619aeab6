// Package till manages cash register sessions of a station. Printer events are
// emitted before the database is touched so a printed fiscal document is always
// backed by a record.
package till

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/ledger"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// ReductionExporter runs after a reduction Z was printed, inside the closing store.
type ReductionExporter interface {
	ExportReduction(ctx context.Context, st *store.Store, till *Till, day time.Time) error
}

// OpenInput describes a till opening.
type OpenInput struct {
	StationID   uuid.UUID `validate:"required"`
	InitialCash decimal.Decimal
	Origin      Origin `validate:"omitempty,oneof=pos till"`
}

// CashInput describes a supply or withdrawal.
type CashInput struct {
	Value  decimal.Decimal
	Reason string `validate:"max=120"`
}

// CloseResult reports the outcome of Close.
type CloseResult struct {
	Closed   bool
	Balance  decimal.Decimal
	Warnings []string
}

// Manager coordinates till operations with the printer subscribers.
type Manager struct {
	bus       *events.Bus
	params    params.Provider
	ledger    *ledger.Ledger
	logger    *slog.Logger
	validate  *validator.Validate
	exporters []ReductionExporter
	now       func() time.Time
}

// NewManager constructs Manager. bus may be nil for stations without printer.
func NewManager(bus *events.Bus, provider params.Provider, ldg *ledger.Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ldg == nil {
		ldg = ledger.New()
	}
	return &Manager{
		bus:      bus,
		params:   provider,
		ledger:   ldg,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (m *Manager) WithNow(now func() time.Time) {
	if now != nil {
		m.now = now
		m.ledger.WithNow(now)
	}
}

// AddExporter registers an exporter run on every successful close.
func (m *Manager) AddExporter(e ReductionExporter) {
	m.exporters = append(m.exporters, e)
}

// Open opens a till for the station. The printer prints its opening report
// before anything is written; a printer veto leaves the station untouched.
func (m *Manager) Open(ctx context.Context, st *store.Store, in OpenInput) (*Till, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("till: invalid open input: %w", err)
	}
	if in.InitialCash.IsNegative() {
		return nil, ErrNegativeCash
	}
	if in.Origin == OriginPOS && m.params != nil {
		values, err := m.params.Current(ctx)
		if err != nil {
			return nil, err
		}
		if values.POSSeparateCashier {
			return nil, ErrSeparateCashier
		}
	}
	station, err := store.Load[*Station](ctx, st, in.StationID)
	if err != nil {
		return nil, fmt.Errorf("till: load station: %w", err)
	}
	current, err := m.Current(ctx, st, station.ID)
	switch {
	case err == nil:
		if current.Status == StatusPendingReduce || m.isPreviousDay(current) {
			return nil, ErrTillPendingReduce
		}
		return nil, ErrTillAlreadyOpen
	case !errors.Is(err, ErrTillNotOpen):
		return nil, err
	}

	initial := decimal.Zero
	last, err := m.LastOpened(ctx, st, station.ID)
	if err == nil {
		initial = last.FinalCashAmount
	} else if !errors.Is(err, ErrNoTill) {
		return nil, err
	}

	till := &Till{
		ID:                uuid.New(),
		StationID:         station.ID,
		BranchID:          station.BranchID,
		Status:            StatusOpen,
		OpeningDate:       m.now(),
		InitialCashAmount: initial,
	}
	if err := m.bus.Emit(ctx, events.TillOpened{StationID: station.ID, TillID: till.ID, InitialCash: in.InitialCash}); err != nil {
		return nil, fmt.Errorf("till: open vetoed: %w", err)
	}
	if err := st.Add(till); err != nil {
		return nil, err
	}
	if in.InitialCash.IsPositive() {
		if _, err := m.AddCash(ctx, st, till, CashInput{Value: in.InitialCash, Reason: "Initial cash amount"}); err != nil {
			return nil, err
		}
	}
	m.logger.Info("till opened",
		slog.String("station", station.Name),
		slog.String("till", till.ID.String()),
		slog.String("initial_cash", in.InitialCash.StringFixed(2)))
	return till, nil
}

// Close prints the reduction Z and closes the till. When the operator ignores a
// printer failure the till stays open and the result carries a warning.
func (m *Manager) Close(ctx context.Context, st *store.Store, till *Till, previousDay bool) (CloseResult, error) {
	switch till.Status {
	case StatusClosed:
		return CloseResult{}, ErrTillAlreadyClosed
	case StatusPendingReduce:
		if !previousDay {
			return CloseResult{}, ErrTillPendingReduce
		}
	}
	balance, err := m.Balance(ctx, st, till)
	if err != nil {
		return CloseResult{}, err
	}
	result := CloseResult{Balance: balance}
	if balance.IsNegative() {
		result.Warnings = append(result.Warnings, "till balance is negative: "+balance.StringFixed(2))
	}
	closing := events.TillClosing{
		StationID:   till.StationID,
		TillID:      till.ID,
		OpeningDate: till.OpeningDate,
		PreviousDay: previousDay,
		Balance:     balance,
	}
	if err := m.bus.Emit(ctx, closing); err != nil {
		if errors.Is(err, prompt.ErrIgnored) {
			m.logger.Warn("reduction Z ignored, till left open", slog.String("till", till.ID.String()), slog.Any("error", err))
			result.Warnings = append(result.Warnings, "reduction Z not printed, till left open")
			return result, nil
		}
		return result, fmt.Errorf("till: close vetoed: %w", err)
	}

	now := m.now()
	till.ClosingDate = &now
	till.FinalCashAmount = balance
	till.Status = StatusClosed
	result.Closed = true

	day := now
	if previousDay {
		day = till.OpeningDate
	}
	for _, exp := range m.exporters {
		if err := exp.ExportReduction(ctx, st, till, day); err != nil {
			m.logger.Warn("reduction export failed", slog.String("till", till.ID.String()), slog.Any("error", err))
			result.Warnings = append(result.Warnings, "reduction export failed: "+err.Error())
		}
	}
	m.logger.Info("till closed",
		slog.String("till", till.ID.String()),
		slog.Bool("previous_day", previousDay),
		slog.String("balance", balance.StringFixed(2)))
	return result, nil
}

// AddCash prints a supply and records a positive entry.
func (m *Manager) AddCash(ctx context.Context, st *store.Store, till *Till, in CashInput) (*Entry, error) {
	if err := m.checkCash(till, in); err != nil {
		return nil, err
	}
	move := events.TillCashMoved{EventKind: events.TillAddCash, StationID: till.StationID, TillID: till.ID, Value: in.Value, Reason: in.Reason}
	if err := m.bus.Emit(ctx, move); err != nil {
		return nil, fmt.Errorf("till: supply vetoed: %w", err)
	}
	entry, err := m.appendEntry(ctx, st, till, in.Value, in.Reason, nil)
	if err != nil {
		return nil, err
	}
	if _, err := m.ledger.Post(ctx, st, ledger.PostingInput{
		SourceCode:  ledger.AccountImbalance,
		DestCode:    ledger.AccountTills,
		Value:       in.Value,
		Description: in.Reason,
		TillEntryID: &entry.ID,
		Operation:   ledger.OperationTillAdd,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveCash prints a withdrawal and records a negative entry.
func (m *Manager) RemoveCash(ctx context.Context, st *store.Store, till *Till, in CashInput) (*Entry, error) {
	if err := m.checkCash(till, in); err != nil {
		return nil, err
	}
	balance, err := m.Balance(ctx, st, till)
	if err != nil {
		return nil, err
	}
	if in.Value.GreaterThan(balance) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInsufficientBalance, in.Value.StringFixed(2), balance.StringFixed(2))
	}
	move := events.TillCashMoved{EventKind: events.TillRemoveCash, StationID: till.StationID, TillID: till.ID, Value: in.Value, Reason: in.Reason}
	if err := m.bus.Emit(ctx, move); err != nil {
		return nil, fmt.Errorf("till: withdrawal vetoed: %w", err)
	}
	entry, err := m.appendEntry(ctx, st, till, in.Value.Neg(), in.Reason, nil)
	if err != nil {
		return nil, err
	}
	if _, err := m.ledger.Post(ctx, st, ledger.PostingInput{
		SourceCode:  ledger.AccountTills,
		DestCode:    ledger.AccountImbalance,
		Value:       in.Value,
		Description: in.Reason,
		TillEntryID: &entry.ID,
		Operation:   ledger.OperationTillRemove,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// AddPaymentEntry records cash received (positive) or paid back (negative)
// for a sale payment. The coupon already carries the fiscal record.
func (m *Manager) AddPaymentEntry(ctx context.Context, st *store.Store, till *Till, value decimal.Decimal, description string, paymentID uuid.UUID) (*Entry, error) {
	if till.Status != StatusOpen {
		return nil, ErrTillNotOpen
	}
	if value.IsZero() {
		return nil, ErrZeroOrLessValue
	}
	entry, err := m.appendEntry(ctx, st, till, value, description, &paymentID)
	if err != nil {
		return nil, err
	}
	posting := ledger.PostingInput{
		SourceCode:  ledger.AccountImbalance,
		DestCode:    ledger.AccountTills,
		Value:       value,
		Description: description,
		TillEntryID: &entry.ID,
		Operation:   ledger.OperationSale,
	}
	if value.IsNegative() {
		posting.SourceCode, posting.DestCode = ledger.AccountTills, ledger.AccountImbalance
		posting.Value = value.Neg()
	}
	if _, err := m.ledger.Post(ctx, st, posting); err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *Manager) checkCash(till *Till, in CashInput) error {
	if till.Status != StatusOpen {
		return ErrTillNotOpen
	}
	if !in.Value.IsPositive() {
		return ErrZeroOrLessValue
	}
	if err := m.validate.Struct(in); err != nil {
		return fmt.Errorf("till: invalid cash input: %w", err)
	}
	return nil
}

func (m *Manager) appendEntry(ctx context.Context, st *store.Store, till *Till, value decimal.Decimal, description string, paymentID *uuid.UUID) (*Entry, error) {
	existing, err := m.Entries(ctx, st, till)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		ID:          uuid.New(),
		TillID:      till.ID,
		BranchID:    till.BranchID,
		Sequence:    len(existing) + 1,
		Value:       value,
		Description: description,
		PaymentID:   paymentID,
		CreatedAt:   m.now(),
	}
	if err := st.Add(entry); err != nil {
		return nil, err
	}
	if err := m.bus.Emit(ctx, events.TillEntryAdded{TillID: till.ID, EntryID: entry.ID, Value: value}); err != nil {
		return nil, fmt.Errorf("till: entry vetoed: %w", err)
	}
	return entry, nil
}

// Current returns the station till that is not closed, ErrTillNotOpen when
// there is none.
func (m *Manager) Current(ctx context.Context, st *store.Store, stationID uuid.UUID) (*Till, error) {
	for _, status := range []Status{StatusOpen, StatusPendingReduce} {
		found, err := store.FindAll[*Till](ctx, st, map[string]any{"station_id": stationID, "status": status})
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, ErrTillNotOpen
}

// LastOpened returns the most recently opened till of the station.
func (m *Manager) LastOpened(ctx context.Context, st *store.Store, stationID uuid.UUID) (*Till, error) {
	found, err := store.FindAll[*Till](ctx, st, map[string]any{"station_id": stationID})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNoTill
	}
	last := found[0]
	for _, t := range found[1:] {
		if t.OpeningDate.After(last.OpeningDate) {
			last = t
		}
	}
	return last, nil
}

// NeedsClosing reports whether the station must run a previous-day close
// before selling. An open till from an earlier day is marked PENDING_REDUCE in st.
func (m *Manager) NeedsClosing(ctx context.Context, st *store.Store, stationID uuid.UUID) (bool, error) {
	pending := false
	if err := m.bus.Emit(ctx, events.PendingReduceQuery{StationID: stationID, Pending: &pending}); err != nil {
		m.logger.Warn("pending reduction query failed", slog.Any("error", err))
	}
	current, err := m.Current(ctx, st, stationID)
	if errors.Is(err, ErrTillNotOpen) {
		return pending, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status == StatusPendingReduce {
		return true, nil
	}
	if m.isPreviousDay(current) {
		current.Status = StatusPendingReduce
		return true, nil
	}
	return pending, nil
}

// Balance is the initial cash amount plus every entry value.
func (m *Manager) Balance(ctx context.Context, st *store.Store, till *Till) (decimal.Decimal, error) {
	entries, err := m.Entries(ctx, st, till)
	if err != nil {
		return decimal.Zero, err
	}
	balance := till.InitialCashAmount
	for _, e := range entries {
		balance = balance.Add(e.Value)
	}
	return balance, nil
}

// Entries lists the till entries in creation order.
func (m *Manager) Entries(ctx context.Context, st *store.Store, till *Till) ([]*Entry, error) {
	entries, err := store.FindAll[*Entry](ctx, st, map[string]any{"till_id": till.ID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	return entries, nil
}

// AwaitsReduction reports whether t must get its reduction Z before taking
// more sales: it is PENDING_REDUCE or was opened on an earlier business day.
func (m *Manager) AwaitsReduction(t *Till) bool {
	return t.Status == StatusPendingReduce || (t.Status == StatusOpen && m.isPreviousDay(t))
}

func (m *Manager) isPreviousDay(t *Till) bool {
	now := m.now()
	return businessDay(t.OpeningDate, now.Location()).Before(businessDay(now, now.Location()))
}
