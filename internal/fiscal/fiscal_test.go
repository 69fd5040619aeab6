package fiscal_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/virtual"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
	fails map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{calls: map[string]int{}, fails: map[string]int{}}
}

func (o *recordingObserver) ObservePrinterCall(op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[op]++
	if err != nil {
		o.fails[op]++
	}
}

func TestFacadeNormalisesUnknownErrors(t *testing.T) {
	printer := virtual.NewDefault()
	obs := newRecordingObserver()
	facade := fiscal.NewFacade(printer, nil, obs)
	ctx := context.Background()

	printer.FailNext(fiscal.OpOpenCoupon, errors.New("serial port timeout"))
	err := facade.OpenCoupon(ctx)
	require.ErrorIs(t, err, fiscal.ErrDriverFault)
	require.True(t, fiscal.IsRecoverable(err))
	require.False(t, fiscal.IsFatal(err))

	printer.FailNext(fiscal.OpOpenCoupon, fiscal.ErrOutOfPaper)
	err = facade.OpenCoupon(ctx)
	require.ErrorIs(t, err, fiscal.ErrOutOfPaper)

	require.NoError(t, facade.OpenCoupon(ctx))
	require.ErrorIs(t, facade.OpenCoupon(ctx), fiscal.ErrCouponAlreadyOpen)

	assert.Equal(t, 4, obs.calls[fiscal.OpOpenCoupon])
	assert.Equal(t, 3, obs.fails[fiscal.OpOpenCoupon])
}

func TestFacadeTruncatesToCapabilities(t *testing.T) {
	printer := virtual.NewDefault()
	facade := fiscal.NewFacade(printer, nil, nil)
	ctx := context.Background()

	require.NoError(t, facade.OpenCoupon(ctx))
	_, err := facade.AddItem(ctx, fiscal.Item{
		Code:        "78912345678901234",
		Description: "Pão de Açúcar integral fatiado pacote família 500g",
		Quantity:    decimal.NewFromInt(1),
		Price:       decimal.RequireFromString("7.90"),
	})
	require.NoError(t, err)

	total, err := facade.Totalize(ctx, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.RequireFromString("7.90")))
	require.NoError(t, facade.AddPayment(ctx, fiscal.Payment{Method: "money", Value: total}))
	require.NoError(t, facade.CloseCoupon(ctx, "obrigado"))

	docs := printer.Documents()
	require.Len(t, docs, 1)
	item := docs[0].Items[0]
	assert.Len(t, item.Code, 13)
	assert.Len(t, item.Description, 29)
	assert.True(t, strings.HasPrefix(item.Description, "Pao de Acucar"))
	assert.LessOrEqual(t, len(docs[0].Payments[0].Description), 40)
}

func TestFormatAmountUsesBrazilianSeparators(t *testing.T) {
	assert.Equal(t, "R$ 1.234,50", fiscal.FormatAmount(decimal.RequireFromString("1234.5")))
	assert.Equal(t, "R$ 0,00", fiscal.FormatAmount(decimal.Zero))
}

func TestProfilesLookup(t *testing.T) {
	profiles, err := fiscal.DefaultProfiles()
	require.NoError(t, err)
	caps, ok := profiles.Lookup("daruma", "fs700")
	require.True(t, ok)
	assert.True(t, caps.SupportsDuplicateReceipt)

	_, err = fiscal.LoadProfiles(strings.NewReader("profiles:\n  - brand: X\n"))
	require.Error(t, err)
}

func TestECFCloseTillIgnoreLeavesError(t *testing.T) {
	printer := virtual.NewDefault()
	facade := fiscal.NewFacade(printer, nil, nil)
	p := &prompt.Scripted{Answers: []prompt.Choice{prompt.Retry, prompt.Ignore}}
	ecf := fiscal.NewECF(facade, p, nil, "")
	bus := events.NewBus()
	ecf.Attach(bus)

	printer.SetOutOfPaper(true)
	err := bus.Emit(context.Background(), events.TillClosing{OpeningDate: time.Now()})
	require.ErrorIs(t, err, prompt.ErrIgnored)
	require.ErrorIs(t, err, fiscal.ErrOutOfPaper)
	require.Len(t, p.Asked, 2)
	require.Equal(t, prompt.RetryIgnoreCancel, p.Asked[0].Choices)
}

func TestECFCheckStateCancelsLeftoverCoupon(t *testing.T) {
	printer := virtual.NewDefault()
	facade := fiscal.NewFacade(printer, nil, nil)
	ecf := fiscal.NewECF(facade, &prompt.Scripted{}, nil, "VIRTUAL0001")
	bus := events.NewBus()
	ecf.Attach(bus)

	printer.ForceOpenCoupon()
	require.NoError(t, bus.Emit(context.Background(), events.ECFStateCheck{}))
	require.False(t, printer.CouponOpen())

	wrong := fiscal.NewECF(facade, &prompt.Scripted{}, nil, "OTHER")
	other := events.NewBus()
	wrong.Attach(other)
	err := other.Emit(context.Background(), events.ECFStateCheck{})
	require.ErrorIs(t, err, fiscal.ErrSerialMismatch)
	require.True(t, fiscal.IsFatal(err))
}

func TestECFPendingReduce(t *testing.T) {
	printer := virtual.NewDefault()
	ecf := fiscal.NewECF(fiscal.NewFacade(printer, nil, nil), nil, nil, "")
	bus := events.NewBus()
	ecf.Attach(bus)

	printer.SetPendingReduce(true)
	pending := false
	require.NoError(t, bus.Emit(context.Background(), events.PendingReduceQuery{Pending: &pending}))
	require.True(t, pending)
}
