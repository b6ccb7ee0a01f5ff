package engine_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

func deliveriesOf(code, name, unit string, qty int64) fakeDeliveries {
	return fakeDeliveries{items: []domain.Delivery{{
		ProductCode: code,
		ProductName: name,
		Unit:        unit,
		Quantity:    decimal.NewFromInt(qty),
	}}}
}

func TestStockBalanceScenario(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Deliveries = deliveriesOf("CABLE-10", "Cable 10mm", "m", 100)

	task := env.createTask(t, 50)
	task, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, qty := range []int64{30, 45} {
		if _, err := env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
			TaskID:      task.ID,
			ProductCode: "CABLE-10",
			ProductName: "Cable 10mm",
			Quantity:    decimal.NewFromInt(qty),
			Unit:        "m",
			ActorID:     "tester",
		}); err != nil {
			t.Fatalf("consume %d: %v", qty, err)
		}
	}
	balances, err := env.Engine.AvailableMaterials(env.Ctx, "proj-1", env.Provider.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected one offerable product, got %d", len(balances))
	}
	b := balances[0]
	if !b.Delivered.Equal(decimal.NewFromInt(100)) || !b.Consumed.Equal(decimal.NewFromInt(75)) || !b.Balance.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance arithmetic: %+v", b)
	}

	// a third registration of 30 exceeds the remaining 25
	_, err = env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
		TaskID:      task.ID,
		ProductCode: "CABLE-10",
		ProductName: "Cable 10mm",
		Quantity:    decimal.NewFromInt(30),
		Unit:        "m",
		ActorID:     "tester",
	})
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestExhaustedProductNotOfferable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Deliveries = deliveriesOf("POLE-8", "Pole 8m", "un", 10)
	task := env.createTask(t, 10)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	if _, err := env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
		TaskID:      task.ID,
		ProductCode: "POLE-8",
		ProductName: "Pole 8m",
		Quantity:    decimal.NewFromInt(10),
		Unit:        "un",
		ActorID:     "tester",
	}); err != nil {
		t.Fatal(err)
	}
	balances, err := env.Engine.AvailableMaterials(env.Ctx, "proj-1", env.Provider.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(balances) != 0 {
		t.Fatalf("zero balance must not be offerable: %+v", balances)
	}
}

func TestConsumptionRequiresExecutionState(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Deliveries = deliveriesOf("CABLE-10", "Cable 10mm", "m", 100)
	task := env.createTask(t, 5)
	_, err := env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
		TaskID:      task.ID,
		ProductCode: "CABLE-10",
		ProductName: "Cable 10mm",
		Quantity:    decimal.NewFromInt(1),
		Unit:        "m",
		ActorID:     "tester",
	})
	if err == nil {
		t.Fatalf("expected consumption rejected while assigned")
	}
}

func TestDeleteConsumptionOnlyInExecution(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Deliveries = deliveriesOf("CABLE-10", "Cable 10mm", "m", 100)
	task := env.createTask(t, 5)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	c, err := env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
		TaskID:      task.ID,
		ProductCode: "CABLE-10",
		ProductName: "Cable 10mm",
		Quantity:    decimal.NewFromInt(2),
		Unit:        "m",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	if err := env.Engine.DeleteConsumption(env.Ctx, c.ID, "tester"); err == nil {
		t.Fatalf("expected delete rejected once approved")
	}
}

func TestRegressionDropsConsumptionRows(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Deliveries = deliveriesOf("CABLE-10", "Cable 10mm", "m", 100)
	task := env.createTask(t, 5)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	if _, err := env.Engine.RegisterConsumption(env.Ctx, engine.ConsumptionOptions{
		TaskID:      task.ID,
		ProductCode: "CABLE-10",
		ProductName: "Cable 10mm",
		Quantity:    decimal.NewFromInt(4),
		Unit:        "m",
		ActorID:     "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskAssigned, -1, "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.Repo.ListConsumptionsByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("storage trigger must drop consumption on regression, got %d rows", len(rows))
	}
	// balance is whole again
	balances, err := env.Engine.AvailableMaterials(env.Ctx, "proj-1", env.Provider.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(balances) != 1 || !balances[0].Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full balance restored: %+v", balances)
	}
}
