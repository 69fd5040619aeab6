// Package virtual provides an in-process fiscal printer for tests and demo stations.
package virtual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
)

// Document is one printed fiscal document.
type Document struct {
	COO       int64
	Kind      string
	Items     []fiscal.Item
	Payments  []fiscal.Payment
	Customer  *fiscal.Customer
	Total     decimal.Decimal
	Cancelled bool
	Text      string
	PrintedAt time.Time
}

type line struct {
	item    fiscal.Item
	removed bool
}

// Printer is a fiscal printer kept in memory. It counts COOs like a real
// device: every document, cancelled or not, takes a number.
type Printer struct {
	mu sync.Mutex

	caps          fiscal.Capabilities
	coo           int64
	couponOpen    bool
	lines         []line
	customer      *fiscal.Customer
	totalized     bool
	total         decimal.Decimal
	paid          decimal.Decimal
	payments      []fiscal.Payment
	tillOpen      bool
	pendingReduce bool
	supplies      decimal.Decimal
	withdrawals   decimal.Decimal

	faults    map[string][]error
	offline   bool
	noPaper   bool
	documents []Document
	calls     []string
	now       func() time.Time
}

// New constructs a printer with the given capabilities.
func New(caps fiscal.Capabilities) *Printer {
	if caps.Serial == "" {
		caps.Serial = "VIRTUAL0001"
	}
	return &Printer{caps: caps, faults: make(map[string][]error), now: time.Now}
}

// NewDefault constructs a printer with the built-in virtual profile.
func NewDefault() *Printer {
	caps := fiscal.Capabilities{
		Brand:                    "Virtual",
		Model:                    "Virtual Printer",
		MaxItemCodeLen:           13,
		MaxItemDescriptionLen:    29,
		MaxPaymentDescriptionLen: 40,
	}
	if profiles, err := fiscal.DefaultProfiles(); err == nil {
		if found, ok := profiles.Lookup("Virtual", "Virtual Printer"); ok {
			caps = found
		}
	}
	return New(caps)
}

// WithNow overrides the clock used for document timestamps.
func (p *Printer) WithNow(now func() time.Time) *Printer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now != nil {
		p.now = now
	}
	return p
}

// FailNext queues err for the next call to op. Queued errors are consumed in order.
func (p *Printer) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], errs...)
}

// SetOffline makes every call fail with ErrPrinterOffline until cleared.
func (p *Printer) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

// SetOutOfPaper makes printing calls fail with ErrOutOfPaper until cleared.
func (p *Printer) SetOutOfPaper(out bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noPaper = out
}

// SetPendingReduce flags a reduction the printer still expects.
func (p *Printer) SetPendingReduce(pending bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingReduce = pending
}

// ForceOpenCoupon simulates a coupon left open by a crash.
func (p *Printer) ForceOpenCoupon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coo++
	p.resetCoupon()
	p.couponOpen = true
}

// Documents returns a copy of every printed document.
func (p *Printer) Documents() []Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Document(nil), p.documents...)
}

// Calls returns the operations invoked so far.
func (p *Printer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CouponOpen reports whether a coupon is currently open.
func (p *Printer) CouponOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.couponOpen
}

// TillOpen reports whether the fiscal day is open.
func (p *Printer) TillOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tillOpen
}

// CashMoves returns the accumulated supplies and withdrawals.
func (p *Printer) CashMoves() (decimal.Decimal, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supplies, p.withdrawals
}

// begin records the call and returns an injected fault. Caller holds mu.
func (p *Printer) begin(ctx context.Context, op string, prints bool) error {
	p.calls = append(p.calls, op)
	if err := ctx.Err(); err != nil {
		return err
	}
	if queued := p.faults[op]; len(queued) > 0 {
		p.faults[op] = queued[1:]
		return queued[0]
	}
	if p.offline {
		return fiscal.ErrPrinterOffline
	}
	if prints && p.noPaper {
		return fiscal.ErrOutOfPaper
	}
	return nil
}

func (p *Printer) resetCoupon() {
	p.couponOpen = false
	p.lines = nil
	p.customer = nil
	p.totalized = false
	p.total = decimal.Zero
	p.paid = decimal.Zero
	p.payments = nil
}

func (p *Printer) document(kind, text string) Document {
	p.coo++
	doc := Document{COO: p.coo, Kind: kind, Text: text, PrintedAt: p.now()}
	p.documents = append(p.documents, doc)
	return doc
}

func (p *Printer) OpenTill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpOpenTill, true); err != nil {
		return err
	}
	p.tillOpen = true
	p.document("X", "leitura X")
	return nil
}

func (p *Printer) CloseTill(ctx context.Context, r fiscal.Reduction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpCloseTill, true); err != nil {
		return err
	}
	if p.couponOpen {
		return fiscal.ErrCouponAlreadyOpen
	}
	p.tillOpen = false
	p.pendingReduce = false
	text := "reducao Z " + r.Date.Format("2006-01-02")
	if r.PreviousDay {
		text += " (dia anterior)"
	}
	p.document("Z", text)
	return nil
}

func (p *Printer) AddCash(ctx context.Context, value decimal.Decimal, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpAddCash, true); err != nil {
		return err
	}
	p.supplies = p.supplies.Add(value)
	p.document("SUPPLY", reason)
	p.documents[len(p.documents)-1].Total = value
	return nil
}

func (p *Printer) RemoveCash(ctx context.Context, value decimal.Decimal, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpRemoveCash, true); err != nil {
		return err
	}
	p.withdrawals = p.withdrawals.Add(value)
	p.document("WITHDRAWAL", reason)
	p.documents[len(p.documents)-1].Total = value
	return nil
}

func (p *Printer) OpenCoupon(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpOpenCoupon, true); err != nil {
		return err
	}
	if p.couponOpen {
		return fiscal.ErrCouponAlreadyOpen
	}
	p.coo++
	p.resetCoupon()
	p.couponOpen = true
	return nil
}

func (p *Printer) IdentifyCustomer(ctx context.Context, c fiscal.Customer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpIdentifyCustomer, false); err != nil {
		return err
	}
	if !p.couponOpen {
		return fiscal.ErrCouponNotOpen
	}
	p.customer = &c
	return nil
}

func (p *Printer) AddItem(ctx context.Context, item fiscal.Item) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpAddItem, true); err != nil {
		return 0, err
	}
	if !p.couponOpen || p.totalized {
		return 0, fiscal.ErrCouponNotOpen
	}
	if len([]rune(item.Description)) > p.caps.MaxItemDescriptionLen && p.caps.MaxItemDescriptionLen > 0 {
		return 0, fmt.Errorf("virtual: description longer than %d", p.caps.MaxItemDescriptionLen)
	}
	p.lines = append(p.lines, line{item: item})
	return len(p.lines), nil
}

func (p *Printer) RemoveItem(ctx context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpRemoveItem, true); err != nil {
		return err
	}
	if !p.couponOpen || p.totalized {
		return fiscal.ErrCouponNotOpen
	}
	if id < 1 || id > len(p.lines) || p.lines[id-1].removed {
		return fmt.Errorf("virtual: unknown item %d", id)
	}
	p.lines[id-1].removed = true
	return nil
}

func (p *Printer) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.lines {
		if !l.removed {
			sum = sum.Add(l.item.Total())
		}
	}
	return sum
}

func (p *Printer) Totalize(ctx context.Context, discount, surcharge decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpTotalize, true); err != nil {
		return decimal.Zero, err
	}
	if !p.couponOpen || p.totalized {
		return decimal.Zero, fiscal.ErrCouponNotOpen
	}
	p.total = p.subtotal().Sub(discount).Add(surcharge).Round(2)
	p.totalized = true
	return p.total, nil
}

func (p *Printer) AddPayment(ctx context.Context, pay fiscal.Payment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpAddPayment, true); err != nil {
		return err
	}
	if !p.couponOpen || !p.totalized {
		return fiscal.ErrCouponNotOpen
	}
	p.paid = p.paid.Add(pay.Value)
	p.payments = append(p.payments, pay)
	return nil
}

func (p *Printer) CloseCoupon(ctx context.Context, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpCloseCoupon, true); err != nil {
		return err
	}
	if !p.couponOpen || !p.totalized {
		return fiscal.ErrCouponNotOpen
	}
	if p.paid.LessThan(p.total) {
		return fmt.Errorf("virtual: payments %s below total %s", p.paid, p.total)
	}
	doc := Document{
		COO:       p.coo,
		Kind:      "COUPON",
		Customer:  p.customer,
		Total:     p.total,
		Payments:  append([]fiscal.Payment(nil), p.payments...),
		Text:      message,
		PrintedAt: p.now(),
	}
	for _, l := range p.lines {
		if !l.removed {
			doc.Items = append(doc.Items, l.item)
		}
	}
	p.documents = append(p.documents, doc)
	p.resetCoupon()
	return nil
}

// CancelCoupon cancels the open coupon, or the last closed one when none is open.
func (p *Printer) CancelCoupon(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpCancelCoupon, true); err != nil {
		return err
	}
	if p.couponOpen {
		p.documents = append(p.documents, Document{COO: p.coo, Kind: "COUPON", Cancelled: true, PrintedAt: p.now()})
		p.resetCoupon()
		return nil
	}
	for i := len(p.documents) - 1; i >= 0; i-- {
		if p.documents[i].Kind == "COUPON" {
			if p.documents[i].Cancelled {
				break
			}
			p.documents[i].Cancelled = true
			return nil
		}
	}
	return fiscal.ErrCouponNotOpen
}

func (p *Printer) PrintPaymentReceipt(ctx context.Context, receipt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpPrintReceipt, true); err != nil {
		return err
	}
	p.document("RECEIPT", receipt)
	return nil
}

func (p *Printer) ReprintPaymentReceipt(ctx context.Context, receipt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpReprintReceipt, true); err != nil {
		return err
	}
	p.document("GERENCIAL", receipt)
	return nil
}

func (p *Printer) GetCOO(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpGetCOO, false); err != nil {
		return 0, err
	}
	return p.coo, nil
}

func (p *Printer) GetCapabilities(ctx context.Context) (fiscal.Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpCapabilities, false); err != nil {
		return fiscal.Capabilities{}, err
	}
	return p.caps, nil
}

func (p *Printer) CheckSerial(ctx context.Context, expected string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpCheckSerial, false); err != nil {
		return err
	}
	if expected != p.caps.Serial {
		return fmt.Errorf("%w: expected %s, printer reports %s", fiscal.ErrSerialMismatch, expected, p.caps.Serial)
	}
	return nil
}

func (p *Printer) HasOpenCoupon(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpHasOpenCoupon, false); err != nil {
		return false, err
	}
	return p.couponOpen, nil
}

func (p *Printer) HasPendingReduce(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, fiscal.OpHasPendingReduce, false); err != nil {
		return false, err
	}
	return p.pendingReduce, nil
}

var _ fiscal.Driver = (*Printer)(nil)
