// Package httpapi exposes the station till and checkout operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/checkout"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

// BalanceGauge receives the till balance after every till operation.
type BalanceGauge interface {
	SetTillBalance(station string, balance float64)
}

// Config wires a Handler to one station.
type Config struct {
	StationID   uuid.UUID
	StationName string
	Stores      *store.Manager
	Tills       *till.Manager
	Checkout    *checkout.Coordinator
	Gauge       BalanceGauge
	Logger      *slog.Logger
}

// Handler serves the station endpoints. Printer-driving requests run one at a time.
type Handler struct {
	cfg       Config
	logger    *slog.Logger
	validator *validator.Validate
	mu        sync.Mutex
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger, validator: validator.New()}
}

// MountRoutes registers station routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/till", h.handleTillStatus)
	r.Post("/till/open", h.handleOpen)
	r.Post("/till/close", h.handleClose)
	r.Post("/till/cash", h.handleCash)
	r.Post("/sales/{saleID}/confirm", h.handleConfirm)
	r.Get("/sales/unprinted", h.handleUnprinted)
}

// ============================================================================
// TILL
// ============================================================================

type tillResponse struct {
	ID           uuid.UUID  `json:"id,omitempty"`
	Status       string     `json:"status"`
	OpeningDate  *time.Time `json:"opening_date,omitempty"`
	Balance      string     `json:"balance"`
	NeedsClosing bool       `json:"needs_closing"`
}

func (h *Handler) handleTillStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp tillResponse
	// NeedsClosing may mark a stale till PENDING_REDUCE, so the status read commits.
	err := h.withStore(ctx, true, func(st *store.Store) error {
		needs, err := h.cfg.Tills.NeedsClosing(ctx, st, h.cfg.StationID)
		if err != nil {
			return err
		}
		resp.NeedsClosing = needs
		tl, err := h.cfg.Tills.LastOpened(ctx, st, h.cfg.StationID)
		if errors.Is(err, till.ErrNoTill) {
			resp.Status = "NONE"
			resp.Balance = decimal.Zero.StringFixed(2)
			return nil
		}
		if err != nil {
			return err
		}
		return h.describe(ctx, st, tl, &resp)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type openForm struct {
	InitialCash decimal.Decimal `json:"initial_cash"`
	Origin      till.Origin     `json:"origin" validate:"omitempty,oneof=pos till"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var form openForm
	if !h.decode(w, r, &form) {
		return
	}
	ctx := r.Context()
	var resp tillResponse
	err := h.withStore(ctx, true, func(st *store.Store) error {
		tl, err := h.cfg.Tills.Open(ctx, st, till.OpenInput{StationID: h.cfg.StationID, InitialCash: form.InitialCash, Origin: form.Origin})
		if err != nil {
			return err
		}
		return h.describe(ctx, st, tl, &resp)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

type closeForm struct {
	PreviousDay bool `json:"previous_day"`
}

type closeResponse struct {
	Closed   bool     `json:"closed"`
	Balance  string   `json:"balance"`
	Warnings []string `json:"warnings,omitempty"`
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var form closeForm
	if !h.decode(w, r, &form) {
		return
	}
	ctx := r.Context()
	var res till.CloseResult
	err := h.withStore(ctx, true, func(st *store.Store) error {
		tl, err := h.cfg.Tills.LastOpened(ctx, st, h.cfg.StationID)
		if err != nil {
			return err
		}
		res, err = h.cfg.Tills.Close(ctx, st, tl, form.PreviousDay)
		if err != nil {
			return err
		}
		h.gauge(res.Balance)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closeResponse{Closed: res.Closed, Balance: res.Balance.StringFixed(2), Warnings: res.Warnings})
}

type cashForm struct {
	Direction string          `json:"direction" validate:"required,oneof=in out"`
	Value     decimal.Decimal `json:"value"`
	Reason    string          `json:"reason" validate:"max=120"`
}

func (h *Handler) handleCash(w http.ResponseWriter, r *http.Request) {
	var form cashForm
	if !h.decode(w, r, &form) {
		return
	}
	ctx := r.Context()
	var resp tillResponse
	err := h.withStore(ctx, true, func(st *store.Store) error {
		tl, err := h.cfg.Tills.Current(ctx, st, h.cfg.StationID)
		if err != nil {
			return err
		}
		in := till.CashInput{Value: form.Value, Reason: form.Reason}
		if form.Direction == "in" {
			_, err = h.cfg.Tills.AddCash(ctx, st, tl, in)
		} else {
			_, err = h.cfg.Tills.RemoveCash(ctx, st, tl, in)
		}
		if err != nil {
			return err
		}
		return h.describe(ctx, st, tl, &resp)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// ============================================================================
// SALES
// ============================================================================

type confirmForm struct {
	OrderOnMissingStock bool                `json:"order_on_missing_stock"`
	ReturnChoice        params.ReturnPolicy `json:"return_choice"`
	SalespersonID       *uuid.UUID          `json:"salesperson_id"`
	Message             string              `json:"message"`
}

type confirmResponse struct {
	SaleID         uuid.UUID          `json:"sale_id"`
	Status         sales.SaleStatus   `json:"status"`
	CouponID       int64              `json:"coupon_id,omitempty"`
	InvoiceNumber  int64              `json:"invoice_number,omitempty"`
	Ordered        bool               `json:"ordered,omitempty"`
	Deferred       bool               `json:"deferred,omitempty"`
	AlreadyDone    bool               `json:"already_done,omitempty"`
	Missing        []checkout.Missing `json:"missing,omitempty"`
	Change         string             `json:"change,omitempty"`
	ChangeMethod   sales.Method       `json:"change_method,omitempty"`
	ReceiptsFailed bool               `json:"receipts_failed,omitempty"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	saleID, err := uuid.Parse(chi.URLParam(r, "saleID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Sale", err.Error())
		return
	}
	var form confirmForm
	if !h.decode(w, r, &form) {
		return
	}

	h.mu.Lock()
	res, err := h.cfg.Checkout.ConfirmSale(r.Context(), checkout.ConfirmRequest{
		SaleID:              saleID,
		StationID:           h.cfg.StationID,
		Origin:              till.OriginPOS,
		OrderOnMissingStock: form.OrderOnMissingStock,
		ReturnChoice:        form.ReturnChoice,
		SalespersonID:       form.SalespersonID,
		Message:             form.Message,
	})
	h.mu.Unlock()

	var missing *checkout.MissingStockError
	if errors.As(err, &missing) {
		httpx.JSON(w, http.StatusConflict, confirmResponse{SaleID: saleID, Missing: missing.Items})
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := confirmResponse{
		SaleID:         res.SaleID,
		Status:         res.Status,
		CouponID:       res.CouponID,
		InvoiceNumber:  res.InvoiceNumber,
		Ordered:        res.Ordered,
		Deferred:       res.Deferred,
		AlreadyDone:    res.AlreadyDone,
		ChangeMethod:   res.ChangeMethod,
		ReceiptsFailed: res.ReceiptsFailed,
	}
	if res.Change.IsPositive() {
		resp.Change = res.Change.StringFixed(2)
	}
	status := http.StatusOK
	if res.Deferred {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, resp)
}

type unprintedSale struct {
	ID            uuid.UUID        `json:"id"`
	Status        sales.SaleStatus `json:"status"`
	InvoiceNumber int64            `json:"invoice_number"`
	Total         string           `json:"total"`
}

func (h *Handler) handleUnprinted(w http.ResponseWriter, r *http.Request) {
	found, err := h.cfg.Checkout.Reconcile(r.Context(), h.cfg.StationID)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]unprintedSale, 0, len(found))
	for _, s := range found {
		out = append(out, unprintedSale{ID: s.ID, Status: s.Status, InvoiceNumber: s.InvoiceNumber, Total: s.TotalAmount().StringFixed(2)})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, form any) bool {
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, form); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return false
		}
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// withStore runs fn in a fresh store under the station lock, committing on
// success when commit is set.
func (h *Handler) withStore(ctx context.Context, commit bool, fn func(*store.Store) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := h.cfg.Stores.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		_ = st.Rollback(ctx, true)
		return err
	}
	if !commit {
		return st.Rollback(ctx, true)
	}
	return st.Commit(ctx, true)
}

func (h *Handler) describe(ctx context.Context, st *store.Store, tl *till.Till, resp *tillResponse) error {
	balance, err := h.cfg.Tills.Balance(ctx, st, tl)
	if err != nil {
		return err
	}
	opened := tl.OpeningDate
	resp.ID = tl.ID
	resp.Status = string(tl.Status)
	resp.OpeningDate = &opened
	resp.Balance = balance.StringFixed(2)
	h.gauge(balance)
	return nil
}

func (h *Handler) gauge(balance decimal.Decimal) {
	if h.cfg.Gauge != nil {
		h.cfg.Gauge.SetTillBalance(h.cfg.StationName, balance.InexactFloat64())
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompt.ErrCancelled), errors.Is(err, prompt.ErrDeferred), errors.Is(err, prompt.ErrIgnored):
		httpx.Problem(w, http.StatusConflict, "Operation Aborted", err.Error())
	case errors.Is(err, till.ErrNoTill), errors.Is(err, store.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, till.ErrTillAlreadyOpen), errors.Is(err, till.ErrTillPendingReduce),
		errors.Is(err, till.ErrTillNotOpen), errors.Is(err, till.ErrTillAlreadyClosed),
		errors.Is(err, checkout.ErrTillNotOpen), errors.Is(err, checkout.ErrSaleNotConfirmable),
		errors.Is(err, checkout.ErrLatePayments), errors.Is(err, checkout.ErrSalespersonLocked),
		errors.Is(err, sales.ErrInsufficientCredit):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, till.ErrZeroOrLessValue), errors.Is(err, till.ErrNegativeCash),
		errors.Is(err, till.ErrInsufficientBalance), errors.Is(err, till.ErrSeparateCashier),
		errors.Is(err, checkout.ErrPaymentsIncomplete), errors.Is(err, checkout.ErrSalespersonRequired),
		errors.Is(err, checkout.ErrBatchSelectionRequired), errors.Is(err, checkout.ErrInvalidBatchSelection):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Rejected", err.Error())
	default:
		h.logger.Error("station request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
