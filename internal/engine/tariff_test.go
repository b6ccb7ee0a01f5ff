package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

func TestResolveTariff(t *testing.T) {
	env := newTestEnv(t)
	price, err := env.Engine.ResolveTariff(env.Ctx, "proj-1", env.Provider.ID, env.Activity.ID, domain.ItemKindActivity)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !price.UnitCost.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unit cost from tariff: %s", price.UnitCost)
	}
	if !price.UnitPrice.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("unit price from sale price: %s", price.UnitPrice)
	}
}

func TestResolveTariffNotContracted(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateProvider(env.Ctx, "Crew Two", "TAX-2")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveTariff(env.Ctx, "proj-1", other.ID, env.Activity.ID, domain.ItemKindActivity)
	if !errors.Is(err, engine.ErrNotContracted) {
		t.Fatalf("expected ErrNotContracted, got %v", err)
	}
}

func TestSetTariffReplacesExisting(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetTariff(env.Ctx, "proj-1", env.Provider.ID, env.Activity.ID, domain.ItemKindActivity, decimal.NewFromInt(650), "tester"); err != nil {
		t.Fatalf("reset tariff: %v", err)
	}
	price, err := env.Engine.ResolveTariff(env.Ctx, "proj-1", env.Provider.ID, env.Activity.ID, domain.ItemKindActivity)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !price.UnitCost.Equal(decimal.NewFromInt(650)) {
		t.Fatalf("expected replaced cost, got %s", price.UnitCost)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM tariffs WHERE provider_id=? AND item_id=?`,
		env.Provider.ID, env.Activity.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("setting a tariff twice must leave exactly one row, got %d", count)
	}
}

func TestTariffSessionDiscardsStaleLookups(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.Engine.CreateSubActivity(env.Ctx, env.Activity.ID, "Backfill", "m", decimal.NewFromInt(120))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetTariff(env.Ctx, "proj-1", env.Provider.ID, sub.ID, domain.ItemKindSubActivity, decimal.NewFromInt(90), "tester"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Config.Tariffs.DebounceMS = 20
	sess := env.Engine.NewTariffSession()

	var mu sync.Mutex
	var results []engine.TariffResult
	deliver := func(r engine.TariffResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}
	// two rapid selection changes: only the second may deliver
	sess.Lookup(env.Ctx, "proj-1", env.Provider.ID, env.Activity.ID, domain.ItemKindActivity, deliver)
	sess.Lookup(env.Ctx, "proj-1", env.Provider.ID, sub.ID, domain.ItemKindSubActivity, deliver)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("expected one settled result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("lookup: %v", results[0].Err)
	}
	if !results[0].Price.UnitCost.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected latest selection's price, got %s", results[0].Price.UnitCost)
	}
}
