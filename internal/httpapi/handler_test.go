package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/checkout"
	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/virtual"
	"github.com/odyssey-erp/odyssey-pdv/internal/httpapi"
	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/ledger"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

type gauge struct{ last float64 }

func (g *gauge) SetTillBalance(_ string, balance float64) { g.last = balance }

type server struct {
	router  http.Handler
	stores  *store.Manager
	station *till.Station
	gauge   *gauge
	now     time.Time
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	s := &server{
		stores: store.NewManager(store.NewMemoryBackend(), nil),
		gauge:  &gauge{},
		now:    time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	bus := events.NewBus()
	printer := virtual.NewDefault()
	prompter := &prompt.Scripted{}
	facade := fiscal.NewFacade(printer, nil, nil)
	fiscal.NewECF(facade, prompter, nil, "").Attach(bus)
	provider := params.Static(params.Defaults())
	tills := till.NewManager(bus, provider, ledger.New(), nil)
	tills.WithNow(func() time.Time { return s.now })
	coord := checkout.New(checkout.Deps{
		Stores:   s.stores,
		Printer:  facade,
		Prompter: prompter,
		Bus:      bus,
		Tills:    tills,
		Stock:    inventory.NewService(nil),
		Params:   provider,
	})
	coord.WithNow(func() time.Time { return s.now })

	st, err := s.stores.Begin(ctx)
	require.NoError(t, err)
	s.station, err = till.EnsureStation(ctx, st, "matriz", "caixa-01")
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, true))

	h := httpapi.NewHandler(httpapi.Config{
		StationID:   s.station.ID,
		StationName: s.station.Name,
		Stores:      s.stores,
		Tills:       tills,
		Checkout:    coord,
		Gauge:       s.gauge,
	})
	r := chi.NewRouter()
	r.Route("/station", h.MountRoutes)
	s.router = r
	return s
}

func (s *server) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestTillLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)

	rec, body := s.do(t, http.MethodGet, "/station/till", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "NONE", body["status"])

	rec, body = s.do(t, http.MethodPost, "/station/till/open", map[string]any{"initial_cash": "100.00", "origin": "till"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "OPEN", body["status"])
	require.Equal(t, "100.00", body["balance"])

	rec, _ = s.do(t, http.MethodPost, "/station/till/open", map[string]any{"initial_cash": "10.00"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = s.do(t, http.MethodPost, "/station/till/cash", map[string]any{"direction": "in", "value": "20.00", "reason": "troco"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "120.00", body["balance"])
	require.InDelta(t, 120.0, s.gauge.last, 0.001)

	rec, _ = s.do(t, http.MethodPost, "/station/till/cash", map[string]any{"direction": "out", "value": "500.00"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/station/till/cash", map[string]any{"direction": "sideways", "value": "1.00"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = s.do(t, http.MethodPost, "/station/till/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["closed"])
	require.Equal(t, "120.00", body["balance"])

	rec, _ = s.do(t, http.MethodPost, "/station/till/close", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmSaleOverHTTP(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	rec, _ := s.do(t, http.MethodPost, "/station/till/open", map[string]any{"initial_cash": "50.00", "origin": "till"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	st, err := s.stores.Begin(ctx)
	require.NoError(t, err)
	item := &sales.Sellable{ID: uuid.New(), Code: "789", Description: "Cafe", Price: decimal.RequireFromString("12.50"), Unit: "UN", TaxCode: "T18"}
	require.NoError(t, st.Add(item))
	sale := sales.NewSale(s.station.BranchID, s.station.ID, s.now)
	sale.Items = append(sale.Items, sales.SaleItem{ID: uuid.New(), SellableID: item.ID, Code: item.Code, Description: item.Description, Quantity: decimal.NewFromInt(2), Price: item.Price, BasePrice: item.Price, Unit: "UN", TaxCode: "T18"})
	sale.Group.Payments = append(sale.Group.Payments, sales.Payment{ID: uuid.New(), Method: sales.MethodMoney, Direction: sales.DirectionIn, Value: decimal.RequireFromString("30.00"), Status: sales.PaymentPreview})
	require.NoError(t, st.Add(sale))
	require.NoError(t, st.Commit(ctx, true))

	rec, body := s.do(t, http.MethodPost, "/station/sales/"+sale.ID.String()+"/confirm", map[string]any{"message": "obrigado"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, string(sales.StatusPaid), body["status"])
	require.Equal(t, "5.00", body["change"])
	require.NotZero(t, body["coupon_id"])

	rec, body = s.do(t, http.MethodPost, "/station/sales/"+sale.ID.String()+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["already_done"])

	rec, body = s.do(t, http.MethodGet, "/station/till", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "75.00", body["balance"])

	rec, _ = s.do(t, http.MethodGet, "/station/sales/unprinted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec, _ = s.do(t, http.MethodPost, "/station/sales/not-a-uuid/confirm", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/station/sales/"+uuid.NewString()+"/confirm", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
