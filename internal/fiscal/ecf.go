package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
)

// ECF drives the printer for till events. It owns the operator loop for these
// calls since it sits closest to the device.
type ECF struct {
	printer  *Facade
	prompter prompt.Prompter
	logger   *slog.Logger
	serial   string
}

// NewECF constructs the subscriber. An empty serial skips the serial check.
func NewECF(printer *Facade, prompter prompt.Prompter, logger *slog.Logger, serial string) *ECF {
	if logger == nil {
		logger = slog.Default()
	}
	return &ECF{printer: printer, prompter: prompter, logger: logger, serial: serial}
}

// Attach subscribes the ECF handlers to bus.
func (e *ECF) Attach(bus *events.Bus) {
	bus.Subscribe(events.TillOpen, e.onTillOpen)
	bus.Subscribe(events.TillClose, e.onTillClose)
	bus.Subscribe(events.TillAddCash, e.onCashMove)
	bus.Subscribe(events.TillRemoveCash, e.onCashMove)
	bus.Subscribe(events.CheckECFState, e.onCheckState)
	bus.Subscribe(events.HasPendingReduceZ, e.onPendingReduce)
}

func (e *ECF) loop(ctx context.Context, step string, choices []prompt.Choice, fn func(context.Context) error) error {
	return prompt.Loop(ctx, e.prompter, step, choices, IsRecoverable, fn)
}

func (e *ECF) onTillOpen(ctx context.Context, ev events.Event) error {
	return e.loop(ctx, "open till", prompt.RetryCancel, e.printer.OpenTill)
}

func (e *ECF) onTillClose(ctx context.Context, ev events.Event) error {
	closing, ok := ev.(events.TillClosing)
	if !ok {
		return fmt.Errorf("fiscal: unexpected %T for till close", ev)
	}
	r := Reduction{Date: closing.OpeningDate, PreviousDay: closing.PreviousDay}
	return e.loop(ctx, "reduction Z", prompt.RetryIgnoreCancel, func(ctx context.Context) error {
		return e.printer.CloseTill(ctx, r)
	})
}

func (e *ECF) onCashMove(ctx context.Context, ev events.Event) error {
	move, ok := ev.(events.TillCashMoved)
	if !ok {
		return fmt.Errorf("fiscal: unexpected %T for cash move", ev)
	}
	if move.EventKind == events.TillAddCash {
		return e.loop(ctx, "cash supply", prompt.RetryCancel, func(ctx context.Context) error {
			return e.printer.AddCash(ctx, move.Value, move.Reason)
		})
	}
	return e.loop(ctx, "cash withdrawal", prompt.RetryCancel, func(ctx context.Context) error {
		return e.printer.RemoveCash(ctx, move.Value, move.Reason)
	})
}

// onCheckState validates the printer serial and cancels a coupon left open by
// a crash.
func (e *ECF) onCheckState(ctx context.Context, ev events.Event) error {
	if e.serial != "" {
		if err := e.printer.CheckSerial(ctx, e.serial); err != nil {
			return err
		}
	}
	open, err := e.printer.HasOpenCoupon(ctx)
	if err != nil {
		return err
	}
	if !open {
		return nil
	}
	e.logger.Warn("cancelling coupon left open on printer")
	err = e.loop(ctx, "cancel leftover coupon", prompt.RetryCancel, e.printer.CancelCoupon)
	if errors.Is(err, ErrCouponNotOpen) {
		return nil
	}
	return err
}

func (e *ECF) onPendingReduce(ctx context.Context, ev events.Event) error {
	query, ok := ev.(events.PendingReduceQuery)
	if !ok || query.Pending == nil {
		return nil
	}
	pending, err := e.printer.HasPendingReduce(ctx)
	if err != nil {
		e.logger.Warn("pending reduction query failed", slog.Any("error", err))
		return nil
	}
	if pending {
		*query.Pending = true
	}
	return nil
}
