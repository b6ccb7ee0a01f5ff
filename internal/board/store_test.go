package board_test

import (
	"context"
	"errors"
	"testing"

	"fieldline/internal/board"
	"fieldline/internal/domain"
)

type fakeLoader struct {
	tasks []domain.Task
	loads int
}

func (l *fakeLoader) LoadTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	l.loads++
	out := make([]domain.Task, len(l.tasks))
	copy(out, l.tasks)
	return out, nil
}

func task(id, state string, pos float64) domain.Task {
	return domain.Task{ID: id, ProjectID: "proj-1", State: state, Position: pos}
}

func TestSnapshotOrdersByPosition(t *testing.T) {
	loader := &fakeLoader{tasks: []domain.Task{
		task("b", domain.TaskAssigned, 200000),
		task("a", domain.TaskAssigned, 100000),
		task("c", domain.TaskInExecution, 50),
	}}
	st := board.NewStore("proj-1", loader)
	snap, err := st.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	col := snap.Columns[domain.TaskAssigned]
	if len(col) != 2 || col[0].ID != "a" || col[1].ID != "b" {
		t.Fatalf("unexpected assigned column: %+v", col)
	}
	if len(snap.Columns[domain.TaskInExecution]) != 1 {
		t.Fatalf("expected one task in execution")
	}
	if len(snap.Columns[domain.TaskApproved]) != 0 {
		t.Fatalf("expected empty approved column")
	}
}

func TestApplyPatchesAfterPersist(t *testing.T) {
	loader := &fakeLoader{}
	st := board.NewStore("proj-1", loader)
	added := task("x", domain.TaskAssigned, 1)
	err := st.Apply(context.Background(), board.Command{
		Persist: func(ctx context.Context) error { return nil },
		Patch:   func(tasks map[string]domain.Task) { tasks[added.ID] = added },
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap, _ := st.Snapshot(context.Background())
	if len(snap.Columns[domain.TaskAssigned]) != 1 {
		t.Fatalf("patch not applied")
	}
}

func TestApplyReloadsCanonicalOnPersistFailure(t *testing.T) {
	loader := &fakeLoader{tasks: []domain.Task{task("canonical", domain.TaskAssigned, 1)}}
	st := board.NewStore("proj-1", loader)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	loadsBefore := loader.loads

	boom := errors.New("storage down")
	err := st.Apply(context.Background(), board.Command{
		Persist: func(ctx context.Context) error { return boom },
		Patch: func(tasks map[string]domain.Task) {
			// must never run when persistence failed
			t.Fatal("patch applied despite persist failure")
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if loader.loads != loadsBefore+1 {
		t.Fatalf("expected canonical reload after failure")
	}
	snap, _ := st.Snapshot(context.Background())
	col := snap.Columns[domain.TaskAssigned]
	if len(col) != 1 || col[0].ID != "canonical" {
		t.Fatalf("projection drifted: %+v", col)
	}
}

func TestCacheReturnsSameStorePerProject(t *testing.T) {
	cache := board.NewCache(&fakeLoader{})
	if cache.For("p1") != cache.For("p1") {
		t.Fatalf("expected one store per project")
	}
	if cache.For("p1") == cache.For("p2") {
		t.Fatalf("expected distinct stores across projects")
	}
}
