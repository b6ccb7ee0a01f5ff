package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Provider domain.Provider
	Zone     domain.Zone
	Activity domain.Activity
}

type fakeDeliveries struct {
	items []domain.Delivery
}

func (f fakeDeliveries) Deliveries(ctx context.Context, providerID, projectID string) ([]domain.Delivery, error) {
	return f.items, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	provider, err := eng.CreateProvider(ctx, "Crew One", "TAX-1")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	zone, err := eng.CreateZone(ctx, "proj-1", "North")
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	activity, err := eng.CreateActivity(ctx, "proj-1", "Trenching", "m", decimal.NewFromInt(800))
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if _, err := eng.SetTariff(ctx, "proj-1", provider.ID, activity.ID, domain.ItemKindActivity, decimal.NewFromInt(500), "tester"); err != nil {
		t.Fatalf("set tariff: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, Provider: provider, Zone: zone, Activity: activity}
}

func (env *testEnv) createTask(t *testing.T, qty int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:  "proj-1",
		ProviderID: env.Provider.ID,
		ActivityID: env.Activity.ID,
		ZoneID:     env.Zone.ID,
		PlannedQty: decimal.NewFromInt(qty),
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 10)
	if task.State != domain.TaskAssigned {
		t.Fatalf("expected assigned, got %s", task.State)
	}
	if !task.ProjectedCost().Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("projected cost: %s", task.ProjectedCost())
	}
	if !task.ProjectedPrice().Equal(decimal.NewFromInt(8000)) {
		t.Fatalf("projected price: %s", task.ProjectedPrice())
	}

	task, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	if err != nil {
		t.Fatalf("to in_execution: %v", err)
	}
	if task.ActualQty == nil || !task.ActualQty.IsZero() {
		t.Fatalf("expected actual reset to zero")
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completion date stamped")
	}
	if !task.ProjectedCost().IsZero() {
		t.Fatalf("projection should follow actual quantity, got %s", task.ProjectedCost())
	}

	seven := decimal.NewFromInt(7)
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ActualQty: &seven, ActorID: "tester"})
	if err != nil {
		t.Fatalf("set actual: %v", err)
	}
	if !task.ProjectedCost().Equal(decimal.NewFromInt(3500)) || !task.ProjectedPrice().Equal(decimal.NewFromInt(5600)) {
		t.Fatalf("projection after actual=7: cost %s price %s", task.ProjectedCost(), task.ProjectedPrice())
	}

	task, err = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	if err != nil {
		t.Fatalf("to approved: %v", err)
	}
	if task.StatementID == nil {
		t.Fatalf("expected statement allocated on approval")
	}

	// approved cannot jump to in_execution
	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester"); err == nil {
		t.Fatalf("expected transition error")
	}
}

func TestRegressionClearsExecutionFields(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 4)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	q := decimal.NewFromInt(3)
	start := "pole-17"
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:          task.ID,
		ActualQty:   &q,
		Geolocation: &domain.Geolocation{Latitude: 41.1, Longitude: -8.6},
		StartPoint:  &start,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	task, err = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	task, err = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskAssigned, -1, "tester")
	if err != nil {
		t.Fatalf("regress: %v", err)
	}
	if task.ActualQty != nil || task.CompletedAt != nil || task.StatementID != nil ||
		task.Geolocation != nil || task.StartPoint != nil || task.EndPoint != nil {
		t.Fatalf("regression must clear execution fields: %+v", task)
	}
	if !task.ProjectedCost().Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("projection back on planned quantity, got %s", task.ProjectedCost())
	}
}

func TestRegressionKeepsEvidence(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 4)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	url := "https://files.example/photo-17.jpg"
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, EvidenceURL: &url, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	task, err = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskAssigned, -1, "tester")
	if err != nil {
		t.Fatalf("regress: %v", err)
	}
	if task.EvidenceURL == nil || *task.EvidenceURL != url {
		t.Fatalf("evidence reference must survive regression: %+v", task.EvidenceURL)
	}
}

func TestIssuedStatementFreezesTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 6)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	five := decimal.NewFromInt(5)
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ActualQty: &five, ActorID: "tester"})
	if err != nil {
		t.Fatalf("set actual: %v", err)
	}
	task, err = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.StatementID == nil {
		t.Fatalf("expected statement allocated on approval")
	}
	stmID := *task.StatementID
	if _, err := env.Engine.IssueStatement(env.Ctx, stmID, "tester"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskAssigned, -1, "tester"); err == nil {
		t.Fatalf("expected regression rejected while statement issued")
	}
	nine := decimal.NewFromInt(9)
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ActualQty: &nine, ActorID: "tester"}); err == nil {
		t.Fatalf("expected amount edit rejected while statement issued")
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.TaskApproved || got.StatementID == nil || *got.StatementID != stmID {
		t.Fatalf("issued statement membership mutated: %+v", got)
	}
	if got.ActualQty == nil || !got.ActualQty.Equal(five) {
		t.Fatalf("issued statement amount mutated: %v", got.ActualQty)
	}

	// paid keeps the freeze
	if _, err := env.Engine.MarkStatementPaid(env.Ctx, stmID, "tester"); err != nil {
		t.Fatalf("paid: %v", err)
	}
	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskAssigned, -1, "tester"); err == nil {
		t.Fatalf("expected regression rejected while statement paid")
	}
}

func TestQuickConfirm(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 12)
	task, err := env.Engine.QuickConfirm(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if task.State != domain.TaskInExecution {
		t.Fatalf("expected in_execution, got %s", task.State)
	}
	if task.ActualQty == nil || !task.ActualQty.Equal(task.PlannedQty) {
		t.Fatalf("expected actual forced to planned")
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completion stamped")
	}
	// confirming again from in_execution is allowed
	if _, err := env.Engine.QuickConfirm(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	if _, err := env.Engine.QuickConfirm(env.Ctx, task.ID, "tester"); err == nil {
		t.Fatalf("expected confirm rejected once approved")
	}
}

func TestPlanningFieldsFrozenAfterAssigned(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 5)
	task, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	qty := decimal.NewFromInt(9)
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, PlannedQty: &qty, ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected planning fields frozen in execution")
	}
}

func TestCreateTaskRequiresTariff(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateActivity(env.Ctx, "proj-1", "Splicing", "un", decimal.NewFromInt(50))
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:  "proj-1",
		ProviderID: env.Provider.ID,
		ActivityID: other.ID,
		ZoneID:     env.Zone.ID,
		PlannedQty: decimal.NewFromInt(1),
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrNotContracted) {
		t.Fatalf("expected ErrNotContracted, got %v", err)
	}
}

func TestCreateTaskItemExclusivity(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.Engine.CreateSubActivity(env.Ctx, env.Activity.ID, "Backfill", "m", decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:     "proj-1",
		ProviderID:    env.Provider.ID,
		ActivityID:    env.Activity.ID,
		SubActivityID: sub.ID,
		ZoneID:        env.Zone.ID,
		PlannedQty:    decimal.NewFromInt(1),
		ActorID:       "tester",
	})
	if err == nil {
		t.Fatalf("expected XOR violation rejected")
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:  "proj-1",
		ProviderID: env.Provider.ID,
		ZoneID:     env.Zone.ID,
		PlannedQty: decimal.NewFromInt(1),
		ActorID:    "tester",
	})
	if err == nil {
		t.Fatalf("expected missing item rejected")
	}
}

func TestDeleteOnlyWhileAssigned(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 2)
	moved, _ := env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	if err := env.Engine.DeleteTask(env.Ctx, moved.ID, "tester"); err == nil {
		t.Fatalf("expected delete rejected in execution")
	}
	back, _ := env.Engine.MoveTask(env.Ctx, moved.ID, domain.TaskAssigned, -1, "tester")
	if err := env.Engine.DeleteTask(env.Ctx, back.ID, "tester"); err != nil {
		t.Fatalf("delete assigned: %v", err)
	}
}

func TestBoardSnapshotOrdering(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, 1)
	b := env.createTask(t, 2)
	c := env.createTask(t, 3)

	// move c to the head of the assigned column
	if _, err := env.Engine.MoveTask(env.Ctx, c.ID, domain.TaskAssigned, 0, "tester"); err != nil {
		t.Fatalf("move: %v", err)
	}
	snap, err := env.Engine.Board(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	col := snap.Columns[domain.TaskAssigned]
	if len(col) != 3 {
		t.Fatalf("expected 3 assigned tasks, got %d", len(col))
	}
	if col[0].ID != c.ID || col[1].ID != a.ID || col[2].ID != b.ID {
		t.Fatalf("unexpected order: %s %s %s", col[0].ID, col[1].ID, col[2].ID)
	}
}

func TestEventAppendOnTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 6)
	_, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskInExecution, -1, "tester")
	_, _ = env.Engine.MoveTask(env.Ctx, task.ID, domain.TaskApproved, -1, "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected events for create and both moves, got %d", count)
	}
}
