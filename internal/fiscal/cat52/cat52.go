// Package cat52 writes the daily fiscal export file required when the
// Paulista invoice programme is enabled. One file per printer and fiscal day
// lists every coupon with its items and payments as fixed-width records.
package cat52

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

// ErrNoDirectory reports an exporter built without an output directory.
var ErrNoDirectory = errors.New("cat52: output directory not configured")

// CapabilityReader identifies the printer whose day is exported.
type CapabilityReader interface {
	Capabilities(ctx context.Context) (fiscal.Capabilities, error)
}

// Coupon is one exported fiscal coupon.
type Coupon struct {
	Sale     *sales.Sale
	Document string
}

// Exporter writes CAT52 files after each reduction Z.
type Exporter struct {
	dir     string
	printer CapabilityReader
	params  params.Provider
	logger  *slog.Logger
	loc     *time.Location
}

// New constructs an Exporter writing into dir.
func New(dir string, printer CapabilityReader, provider params.Provider, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{dir: dir, printer: printer, params: provider, logger: logger, loc: time.Local}
}

// WithLocation sets the zone fiscal days are cut in.
func (e *Exporter) WithLocation(loc *time.Location) *Exporter {
	if loc != nil {
		e.loc = loc
	}
	return e
}

// ExportReduction implements till.ReductionExporter. It does nothing unless
// the Paulista invoice parameter is on.
func (e *Exporter) ExportReduction(ctx context.Context, st *store.Store, t *till.Till, day time.Time) error {
	values, err := e.params.Current(ctx)
	if err != nil {
		return err
	}
	if !values.EnablePaulistaInvoice {
		return nil
	}
	_, err = e.Export(ctx, st, t.StationID, day)
	return err
}

// Export writes the file for the station's fiscal day and returns its path.
func (e *Exporter) Export(ctx context.Context, st *store.Store, stationID uuid.UUID, day time.Time) (string, error) {
	if e.dir == "" {
		return "", ErrNoDirectory
	}
	caps, err := e.printer.Capabilities(ctx)
	if err != nil {
		return "", fmt.Errorf("cat52: printer identity: %w", err)
	}
	coupons, err := e.coupons(ctx, st, stationID, day)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("cat52: create dir: %w", err)
	}
	path := filepath.Join(e.dir, FileName(caps.Serial, day.In(e.loc)))
	tmp, err := os.CreateTemp(e.dir, ".cat52-*")
	if err != nil {
		return "", fmt.Errorf("cat52: create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, caps, day.In(e.loc), coupons); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("cat52: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("cat52: publish file: %w", err)
	}
	e.logger.Info("cat52 exported",
		slog.String("station", stationID.String()),
		slog.String("path", path),
		slog.Int("coupons", len(coupons)))
	return path, nil
}

// coupons collects the station's printed sales confirmed on day, by COO.
func (e *Exporter) coupons(ctx context.Context, st *store.Store, stationID uuid.UUID, day time.Time) ([]Coupon, error) {
	local := day.In(e.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	end := start.AddDate(0, 0, 1)

	var out []Coupon
	for _, status := range []sales.SaleStatus{sales.StatusConfirmed, sales.StatusPaid, sales.StatusReturned, sales.StatusCancelled} {
		found, err := store.FindAll[*sales.Sale](ctx, st, map[string]any{"station_id": stationID, "status": status})
		if err != nil {
			return nil, err
		}
		for _, sale := range found {
			if sale.CouponID <= 0 || sale.ConfirmDate == nil {
				continue
			}
			if sale.ConfirmDate.Before(start) || !sale.ConfirmDate.Before(end) {
				continue
			}
			c := Coupon{Sale: sale}
			if sale.ClientID != nil {
				client, err := store.Load[*sales.Client](ctx, st, *sale.ClientID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
				if client != nil {
					c.Document = client.Document
				}
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sale.CouponID < out[j].Sale.CouponID })
	return out, nil
}

// FileName is the export file name for a printer serial and day.
func FileName(serial string, day time.Time) string {
	return fmt.Sprintf("%s_%s.txt", alnum(serial), day.Format("20060102"))
}

// ============================================================================
// RECORDS
// ============================================================================

// Write emits the records of one fiscal day:
//
//	E01 printer and day header
//	E14 coupon summary
//	E15 coupon item
//	E21 coupon payment
//	E99 record count trailer
func Write(w io.Writer, caps fiscal.Capabilities, day time.Time, coupons []Coupon) error {
	bw := bufio.NewWriter(w)
	n := 0
	emit := func(fields ...string) error {
		n++
		if _, err := bw.WriteString(strings.Join(fields, "") + "\r\n"); err != nil {
			return fmt.Errorf("cat52: write: %w", err)
		}
		return nil
	}
	serial := alpha(caps.Serial, 20)
	if err := emit("E01", serial, alpha(caps.Brand, 20), alpha(caps.Model, 20), day.Format("20060102")); err != nil {
		return err
	}
	for _, c := range coupons {
		sale := c.Sale
		coo := numeric(sale.CouponID, 9)
		cancelled := "N"
		if sale.Status == sales.StatusCancelled {
			cancelled = "S"
		}
		if err := emit("E14", serial, coo, sale.ConfirmDate.Format("20060102"),
			cents(sale.Subtotal(), 14), cents(sale.DiscountValue, 13), cents(sale.SurchargeValue, 13),
			cents(sale.TotalAmount(), 14), cancelled, alpha(digits(c.Document), 14)); err != nil {
			return err
		}
		for i, item := range sale.Items {
			if err := emit("E15", serial, coo, numeric(int64(i+1), 3),
				alpha(item.Code, 14), alpha(item.Description, 100),
				scaled(item.Quantity, 3, 7), alpha(item.Unit, 3),
				cents(item.Price, 8), cents(item.Total(), 14), alpha(item.TaxCode, 7)); err != nil {
				return err
			}
		}
		for _, p := range sale.Group.Payments {
			if p.Status == sales.PaymentCancelled {
				continue
			}
			value := p.Value
			if p.Direction == sales.DirectionOut {
				value = value.Neg()
			}
			if err := emit("E21", serial, coo, alpha(string(p.Method), 15), signedCents(value, 13)); err != nil {
				return err
			}
		}
	}
	if err := emit("E99", serial, numeric(int64(n+1), 9)); err != nil {
		return err
	}
	return bw.Flush()
}

// alpha left-aligns s in width columns, ASCII only.
func alpha(s string, width int) string {
	s = fiscal.Truncate(strings.ToUpper(fiscal.ASCII(s)), width)
	return s + strings.Repeat(" ", width-len(s))
}

func numeric(v int64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

func cents(v decimal.Decimal, width int) string {
	return scaled(v.Abs(), 2, width)
}

func signedCents(v decimal.Decimal, width int) string {
	if v.IsNegative() {
		return "-" + scaled(v.Abs(), 2, width-1)
	}
	return scaled(v, 2, width)
}

// scaled renders v with places implied decimals, zero padded.
func scaled(v decimal.Decimal, places int32, width int) string {
	n := v.Shift(places).Round(0).IntPart()
	return numeric(n, width)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func alnum(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			return r
		}
		return -1
	}, fiscal.ASCII(s))
	if out == "" {
		return "ECF"
	}
	return out
}
