package fiscal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Observer receives one notification per driver call.
type Observer interface {
	ObservePrinterCall(op string, elapsed time.Duration, err error)
}

// Facade wraps a Driver: it normalises errors, fits text to the printer
// capabilities, and reports every call. It never retries.
type Facade struct {
	driver   Driver
	logger   *slog.Logger
	observer Observer

	capsMu sync.Mutex
	caps   *Capabilities
}

// NewFacade constructs a Facade. observer may be nil.
func NewFacade(driver Driver, logger *slog.Logger, observer Observer) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{driver: driver, logger: logger, observer: observer}
}

func (f *Facade) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := normalize(op, fn(ctx))
	elapsed := time.Since(start)
	if f.observer != nil {
		f.observer.ObservePrinterCall(op, elapsed, err)
	}
	if err != nil {
		f.logger.Warn("fiscal printer call failed",
			slog.String("op", op),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
	} else {
		f.logger.Debug("fiscal printer call", slog.String("op", op), slog.Duration("elapsed", elapsed))
	}
	return err
}

// Capabilities returns the printer capabilities, queried once per facade.
func (f *Facade) Capabilities(ctx context.Context) (Capabilities, error) {
	f.capsMu.Lock()
	defer f.capsMu.Unlock()
	if f.caps != nil {
		return *f.caps, nil
	}
	var caps Capabilities
	err := f.call(ctx, OpCapabilities, func(ctx context.Context) error {
		var err error
		caps, err = f.driver.GetCapabilities(ctx)
		return err
	})
	if err != nil {
		return Capabilities{}, err
	}
	f.caps = &caps
	return caps, nil
}

func (f *Facade) OpenTill(ctx context.Context) error {
	return f.call(ctx, OpOpenTill, f.driver.OpenTill)
}

func (f *Facade) CloseTill(ctx context.Context, r Reduction) error {
	return f.call(ctx, OpCloseTill, func(ctx context.Context) error {
		return f.driver.CloseTill(ctx, r)
	})
}

func (f *Facade) AddCash(ctx context.Context, value decimal.Decimal, reason string) error {
	return f.call(ctx, OpAddCash, func(ctx context.Context) error {
		return f.driver.AddCash(ctx, value, ASCII(reason))
	})
}

func (f *Facade) RemoveCash(ctx context.Context, value decimal.Decimal, reason string) error {
	return f.call(ctx, OpRemoveCash, func(ctx context.Context) error {
		return f.driver.RemoveCash(ctx, value, ASCII(reason))
	})
}

func (f *Facade) OpenCoupon(ctx context.Context) error {
	return f.call(ctx, OpOpenCoupon, f.driver.OpenCoupon)
}

func (f *Facade) IdentifyCustomer(ctx context.Context, c Customer) error {
	c.Name = ASCII(c.Name)
	c.Address = ASCII(c.Address)
	return f.call(ctx, OpIdentifyCustomer, func(ctx context.Context) error {
		return f.driver.IdentifyCustomer(ctx, c)
	})
}

// AddItem truncates code and description to the printer widths and returns
// the printer item id.
func (f *Facade) AddItem(ctx context.Context, item Item) (int, error) {
	caps, err := f.Capabilities(ctx)
	if err != nil {
		return 0, err
	}
	item.Code = Truncate(ASCII(item.Code), caps.MaxItemCodeLen)
	item.Description = Truncate(ASCII(item.Description), caps.MaxItemDescriptionLen)
	var id int
	err = f.call(ctx, OpAddItem, func(ctx context.Context) error {
		var err error
		id, err = f.driver.AddItem(ctx, item)
		return err
	})
	return id, err
}

func (f *Facade) RemoveItem(ctx context.Context, id int) error {
	return f.call(ctx, OpRemoveItem, func(ctx context.Context) error {
		return f.driver.RemoveItem(ctx, id)
	})
}

func (f *Facade) Totalize(ctx context.Context, discount, surcharge decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := f.call(ctx, OpTotalize, func(ctx context.Context) error {
		var err error
		total, err = f.driver.Totalize(ctx, discount, surcharge)
		return err
	})
	return total, err
}

// AddPayment fills a missing description with the method and formatted amount.
func (f *Facade) AddPayment(ctx context.Context, p Payment) error {
	caps, err := f.Capabilities(ctx)
	if err != nil {
		return err
	}
	if p.Description == "" {
		p.Description = p.Method + " " + FormatAmount(p.Value)
	}
	p.Description = Truncate(ASCII(p.Description), caps.MaxPaymentDescriptionLen)
	return f.call(ctx, OpAddPayment, func(ctx context.Context) error {
		return f.driver.AddPayment(ctx, p)
	})
}

func (f *Facade) CloseCoupon(ctx context.Context, message string) error {
	return f.call(ctx, OpCloseCoupon, func(ctx context.Context) error {
		return f.driver.CloseCoupon(ctx, ASCII(message))
	})
}

func (f *Facade) CancelCoupon(ctx context.Context) error {
	return f.call(ctx, OpCancelCoupon, f.driver.CancelCoupon)
}

func (f *Facade) PrintPaymentReceipt(ctx context.Context, receipt string) error {
	return f.call(ctx, OpPrintReceipt, func(ctx context.Context) error {
		return f.driver.PrintPaymentReceipt(ctx, receipt)
	})
}

func (f *Facade) ReprintPaymentReceipt(ctx context.Context, receipt string) error {
	return f.call(ctx, OpReprintReceipt, func(ctx context.Context) error {
		return f.driver.ReprintPaymentReceipt(ctx, receipt)
	})
}

func (f *Facade) GetCOO(ctx context.Context) (int64, error) {
	var coo int64
	err := f.call(ctx, OpGetCOO, func(ctx context.Context) error {
		var err error
		coo, err = f.driver.GetCOO(ctx)
		return err
	})
	return coo, err
}

func (f *Facade) CheckSerial(ctx context.Context, expected string) error {
	return f.call(ctx, OpCheckSerial, func(ctx context.Context) error {
		return f.driver.CheckSerial(ctx, expected)
	})
}

func (f *Facade) HasOpenCoupon(ctx context.Context) (bool, error) {
	var open bool
	err := f.call(ctx, OpHasOpenCoupon, func(ctx context.Context) error {
		var err error
		open, err = f.driver.HasOpenCoupon(ctx)
		return err
	})
	return open, err
}

func (f *Facade) HasPendingReduce(ctx context.Context) (bool, error) {
	var pending bool
	err := f.call(ctx, OpHasPendingReduce, func(ctx context.Context) error {
		var err error
		pending, err = f.driver.HasPendingReduce(ctx)
		return err
	})
	return pending, err
}
