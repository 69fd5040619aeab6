// Command seed loads a demo catalog, operator and parameters into the station store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/app"
	"github.com/odyssey-erp/odyssey-pdv/internal/auth"
	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/sales"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.UsesDatabase() {
		fmt.Fprintln(os.Stderr, "PG_DSN is empty, seeding an in-memory store that vanishes on exit")
	}
	ctx := context.Background()
	station, err := app.OpenStation(ctx, app.StationOptions{Config: cfg, Logger: app.NewLogger(cfg)})
	if err != nil {
		log.Fatalf("open station: %v", err)
	}
	defer station.Close()

	fmt.Println("→ Seeding parameters...")
	for key, value := range map[string]string{
		params.KeyReturnPolicyOnSales:   string(params.ReturnClientChoice),
		params.KeyMaxSaleDiscount:       "10",
		params.KeyAutomaticLogout:       "15",
		params.KeyEnablePaulistaInvoice: "true",
	} {
		if err := station.Params.Set(ctx, key, value); err != nil {
			log.Fatalf("seed parameter %s: %v", key, err)
		}
	}

	st, err := station.Stores.Begin(ctx)
	if err != nil {
		log.Fatalf("begin store: %v", err)
	}
	defer func() { _ = st.Rollback(ctx, true) }()

	fmt.Println("→ Seeding operators...")
	if err := seedOperator(ctx, st, "caixa", "caixa", "5"); err != nil {
		log.Fatalf("seed operator: %v", err)
	}
	if err := seedOperator(ctx, st, "gerente", "gerente", "100"); err != nil {
		log.Fatalf("seed supervisor: %v", err)
	}

	fmt.Println("→ Seeding catalog...")
	branchID := station.BranchID()
	if err := seedCatalog(ctx, st, station.Stock, branchID); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	fmt.Println("→ Seeding clients...")
	client := &sales.Client{
		ID:          seedID("client:consumidor"),
		Name:        "Consumidor Teste",
		Document:    "12345678909",
		Credit:      decimal.RequireFromString("50.00"),
		CreditLimit: decimal.RequireFromString("500.00"),
	}
	if err := addMissing(ctx, st, client); err != nil {
		log.Fatalf("seed client: %v", err)
	}

	if err := st.Commit(ctx, true); err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Println("✓ seed complete")
}

func seedID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("seed:"+name))
}

// addMissing adds e unless an entity with its id already exists.
func addMissing(ctx context.Context, st *store.Store, e store.Entity) error {
	_, err := st.Get(ctx, e.EntityKind(), e.EntityID())
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return st.Add(e)
}

func seedOperator(ctx context.Context, st *store.Store, username, password, maxDiscount string) error {
	user, err := auth.NewUser(username, password, decimal.RequireFromString(maxDiscount), time.Now())
	if err != nil {
		return err
	}
	user.ID = seedID("user:" + username)
	return addMissing(ctx, st, user)
}

func seedCatalog(ctx context.Context, st *store.Store, stock *inventory.Service, branchID uuid.UUID) error {
	coffee := &sales.Sellable{
		ID: seedID("sellable:cafe"), Code: "7891000100103", Description: "Café torrado 500g",
		Price: decimal.RequireFromString("18.90"), Unit: "UN", TaxCode: "T18",
		Storable: &sales.Storable{},
	}
	sugar := &sales.Sellable{
		ID: seedID("sellable:acucar"), Code: "7891000200207", Description: "Açúcar refinado 1kg",
		Price: decimal.RequireFromString("5.49"), Unit: "UN", TaxCode: "T07",
		Storable: &sales.Storable{},
	}
	cheese := &sales.Sellable{
		ID: seedID("sellable:queijo"), Code: "2000001", Description: "Queijo minas frescal",
		Price: decimal.RequireFromString("42.00"), Unit: "KG", TaxCode: "T07", Weighable: true,
		Storable: &sales.Storable{IsBatch: true},
	}
	basket := &sales.Sellable{
		ID: seedID("sellable:cesta"), Code: "9000001", Description: "Cesta café da manhã",
		Unit: "UN", TaxCode: "T18", Package: true,
		Components: []sales.Component{
			{SellableID: coffee.ID, Quantity: decimal.NewFromInt(1)},
			{SellableID: sugar.ID, Quantity: decimal.NewFromInt(2)},
		},
	}
	for _, s := range []*sales.Sellable{coffee, sugar, cheese, basket} {
		if err := addMissing(ctx, st, s); err != nil {
			return err
		}
	}

	batch := &sales.Batch{ID: seedID("batch:queijo:L01"), StorableID: cheese.ID, Number: "L01"}
	if err := addMissing(ctx, st, batch); err != nil {
		return err
	}
	receipts := []inventory.MoveInput{
		{StorableID: coffee.ID, BranchID: branchID, Quantity: decimal.NewFromInt(40), Reason: inventory.ReasonReceiving},
		{StorableID: sugar.ID, BranchID: branchID, Quantity: decimal.NewFromInt(80), Reason: inventory.ReasonReceiving},
		{StorableID: cheese.ID, BranchID: branchID, BatchID: &batch.ID, Quantity: decimal.RequireFromString("12.500"), Reason: inventory.ReasonReceiving},
	}
	for _, in := range receipts {
		available, err := stock.Available(ctx, st, in.StorableID, in.BranchID, in.BatchID)
		if err != nil {
			return err
		}
		if available.IsPositive() {
			continue
		}
		if _, err := stock.IncreaseStock(ctx, st, in); err != nil {
			return err
		}
	}
	return nil
}
