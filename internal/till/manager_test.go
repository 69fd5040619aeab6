package till_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/virtual"
	"github.com/odyssey-erp/odyssey-pdv/internal/ledger"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

type fixture struct {
	stores   *store.Manager
	st       *store.Store
	mgr      *till.Manager
	ledger   *ledger.Ledger
	printer  *virtual.Printer
	prompter *prompt.Scripted
	station  *till.Station
	now      time.Time
}

func newFixture(t *testing.T, values params.Values) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		stores:   store.NewManager(store.NewMemoryBackend(), nil),
		printer:  virtual.NewDefault(),
		prompter: &prompt.Scripted{},
		ledger:   ledger.New(),
		now:      time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}
	bus := events.NewBus()
	fiscal.NewECF(fiscal.NewFacade(f.printer, nil, nil), f.prompter, nil, "").Attach(bus)
	f.mgr = till.NewManager(bus, params.Static(values), f.ledger, nil)
	f.mgr.WithNow(func() time.Time { return f.now })

	st, err := f.stores.Begin(ctx)
	require.NoError(t, err)
	f.station = &till.Station{ID: uuid.New(), Name: "caixa-01", BranchID: uuid.New()}
	require.NoError(t, st.Add(f.station))
	require.NoError(t, st.Commit(ctx, false))
	f.st = st
	t.Cleanup(func() { _ = st.Rollback(ctx, true) })
	return f
}

func money(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func (f *fixture) open(t *testing.T, cash string) *till.Till {
	t.Helper()
	tl, err := f.mgr.Open(context.Background(), f.st, till.OpenInput{StationID: f.station.ID, InitialCash: money(cash), Origin: till.OriginTill})
	require.NoError(t, err)
	return tl
}

func TestOpenRecordsInitialCashAndBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "100.00")

	_, err := f.mgr.AddPaymentEntry(ctx, f.st, tl, money("40.00"), "sale", uuid.New())
	require.NoError(t, err)

	balance, err := f.mgr.Balance(ctx, f.st, tl)
	require.NoError(t, err)
	require.Equal(t, "140.00", balance.StringFixed(2))

	entries, err := f.mgr.Entries(ctx, f.st, tl)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].Sequence)

	docs := f.printer.Documents()
	require.Equal(t, "X", docs[0].Kind)
	require.Equal(t, "SUPPLY", docs[1].Kind)

	tills, err := f.ledger.Balance(ctx, f.st, ledger.AccountTills)
	require.NoError(t, err)
	require.Equal(t, "140.00", tills.StringFixed(2))
}

func TestOpenTwiceFails(t *testing.T) {
	f := newFixture(t, params.Defaults())
	f.open(t, "0")
	_, err := f.mgr.Open(context.Background(), f.st, till.OpenInput{StationID: f.station.ID})
	require.ErrorIs(t, err, till.ErrTillAlreadyOpen)
}

func TestOpenVetoedByPrinterLeavesNoTill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	f.printer.SetOffline(true)

	_, err := f.mgr.Open(ctx, f.st, till.OpenInput{StationID: f.station.ID, InitialCash: money("10")})
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.ErrorIs(t, err, fiscal.ErrPrinterOffline)

	_, err = f.mgr.Current(ctx, f.st, f.station.ID)
	require.ErrorIs(t, err, till.ErrTillNotOpen)
	require.Zero(t, f.st.PendingCount())
}

func TestOpenCloseOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	first := f.open(t, "100.00")

	res, err := f.mgr.Close(ctx, f.st, first, false)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Equal(t, till.StatusClosed, first.Status)
	require.Equal(t, "100.00", first.FinalCashAmount.StringFixed(2))
	require.NoError(t, f.st.Commit(ctx, false))

	f.now = f.now.Add(time.Hour)
	second := f.open(t, "0")
	require.Equal(t, "100.00", second.InitialCashAmount.StringFixed(2))
	last, err := f.mgr.LastOpened(ctx, f.st, f.station.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, last.ID)
	require.NoError(t, f.st.Commit(ctx, false))
}

func TestAddRemoveCashRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "100.00")

	_, err := f.mgr.AddCash(ctx, f.st, tl, till.CashInput{Value: money("30"), Reason: "troco"})
	require.NoError(t, err)
	_, err = f.mgr.RemoveCash(ctx, f.st, tl, till.CashInput{Value: money("30"), Reason: "sangria"})
	require.NoError(t, err)

	balance, err := f.mgr.Balance(ctx, f.st, tl)
	require.NoError(t, err)
	require.Equal(t, "100.00", balance.StringFixed(2))

	entries, err := f.mgr.Entries(ctx, f.st, tl)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[1].Value.Add(entries[2].Value).IsZero())

	supplies, withdrawals := f.printer.CashMoves()
	require.Equal(t, "130", supplies.String())
	require.Equal(t, "30", withdrawals.String())

	imbalance, err := f.ledger.Balance(ctx, f.st, ledger.AccountImbalance)
	require.NoError(t, err)
	require.Equal(t, "-100.00", imbalance.StringFixed(2))
}

func TestCashGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "100.00")

	_, err := f.mgr.AddCash(ctx, f.st, tl, till.CashInput{Value: decimal.Zero})
	require.ErrorIs(t, err, till.ErrZeroOrLessValue)
	_, err = f.mgr.RemoveCash(ctx, f.st, tl, till.CashInput{Value: money("-1")})
	require.ErrorIs(t, err, till.ErrZeroOrLessValue)
	_, err = f.mgr.RemoveCash(ctx, f.st, tl, till.CashInput{Value: money("100.01")})
	require.ErrorIs(t, err, till.ErrInsufficientBalance)

	_, withdrawals := f.printer.CashMoves()
	require.True(t, withdrawals.IsZero())
}

func TestCloseIgnoredLeavesTillOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "0")
	f.printer.FailNext(fiscal.OpCloseTill, fiscal.ErrOutOfPaper)
	f.prompter.Answers = []prompt.Choice{prompt.Ignore}

	res, err := f.mgr.Close(ctx, f.st, tl, false)
	require.NoError(t, err)
	require.False(t, res.Closed)
	require.NotEmpty(t, res.Warnings)
	require.Equal(t, till.StatusOpen, tl.Status)
	require.Nil(t, tl.ClosingDate)
}

func TestCloseCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "0")
	f.printer.FailNext(fiscal.OpCloseTill, fiscal.ErrPrinterOffline)

	_, err := f.mgr.Close(ctx, f.st, tl, false)
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.Equal(t, till.StatusOpen, tl.Status)
}

func TestCloseRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "0")
	f.printer.FailNext(fiscal.OpCloseTill, fiscal.ErrOutOfPaper)
	f.prompter.Answers = []prompt.Choice{prompt.Retry}

	res, err := f.mgr.Close(ctx, f.st, tl, false)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Len(t, f.prompter.Asked, 1)
}

func TestCloseNegativeBalanceWarns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	tl := f.open(t, "0")
	_, err := f.mgr.AddPaymentEntry(ctx, f.st, tl, money("-15"), "change", uuid.New())
	require.NoError(t, err)

	res, err := f.mgr.Close(ctx, f.st, tl, false)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "-15.00", tl.FinalCashAmount.StringFixed(2))
}

type recordingExporter struct {
	days []time.Time
	err  error
}

func (r *recordingExporter) ExportReduction(_ context.Context, _ *store.Store, _ *till.Till, day time.Time) error {
	r.days = append(r.days, day)
	return r.err
}

func TestPreviousDayClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	exporter := &recordingExporter{}
	f.mgr.AddExporter(exporter)
	opened := f.now
	tl := f.open(t, "50")
	require.NoError(t, f.st.Commit(ctx, false))

	require.False(t, f.mgr.AwaitsReduction(tl))
	f.now = f.now.Add(24 * time.Hour)
	require.True(t, f.mgr.AwaitsReduction(tl))
	needs, err := f.mgr.NeedsClosing(ctx, f.st, f.station.ID)
	require.NoError(t, err)
	require.True(t, needs)
	require.Equal(t, till.StatusPendingReduce, tl.Status)

	_, err = f.mgr.Open(ctx, f.st, till.OpenInput{StationID: f.station.ID})
	require.ErrorIs(t, err, till.ErrTillPendingReduce)
	_, err = f.mgr.Close(ctx, f.st, tl, false)
	require.ErrorIs(t, err, till.ErrTillPendingReduce)

	res, err := f.mgr.Close(ctx, f.st, tl, true)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Equal(t, []time.Time{opened}, exporter.days)

	docs := f.printer.Documents()
	require.Equal(t, "Z", docs[len(docs)-1].Kind)
	require.Contains(t, docs[len(docs)-1].Text, "2024-03-15")
	require.Contains(t, docs[len(docs)-1].Text, "dia anterior")
}

func TestExporterFailureIsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	f.mgr.AddExporter(&recordingExporter{err: errors.New("disk full")})
	tl := f.open(t, "0")

	res, err := f.mgr.Close(ctx, f.st, tl, false)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Len(t, res.Warnings, 1)
}

func TestNeedsClosingAsksPrinter(t *testing.T) {
	f := newFixture(t, params.Defaults())
	needs, err := f.mgr.NeedsClosing(context.Background(), f.st, f.station.ID)
	require.NoError(t, err)
	require.False(t, needs)

	f.printer.SetPendingReduce(true)
	needs, err = f.mgr.NeedsClosing(context.Background(), f.st, f.station.ID)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestSeparateCashierBlocksPOS(t *testing.T) {
	values := params.Defaults()
	values.POSSeparateCashier = true
	f := newFixture(t, values)

	_, err := f.mgr.Open(context.Background(), f.st, till.OpenInput{StationID: f.station.ID, Origin: till.OriginPOS})
	require.ErrorIs(t, err, till.ErrSeparateCashier)
	f.open(t, "0")
}

func TestConcurrentStoresOpenOneTill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, params.Defaults())
	other, err := f.stores.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = other.Rollback(ctx, true) }()

	f.open(t, "0")
	_, err = f.mgr.Open(ctx, other, till.OpenInput{StationID: f.station.ID})
	require.NoError(t, err)

	require.NoError(t, f.st.Commit(ctx, false))
	require.ErrorIs(t, other.Commit(ctx, true), store.ErrUniqueViolation)
}
