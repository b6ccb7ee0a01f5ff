package engine_test

import (
	"testing"

	"fieldline/internal/domain"
)

func TestAllocateIsIdempotentPerProvider(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP-X", "tester")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first.Code != "EP-X-001" {
		t.Fatalf("expected EP-X-001, got %s", first.Code)
	}
	if first.State != domain.StatementDraft {
		t.Fatalf("expected draft, got %s", first.State)
	}
	second, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP-X", "tester")
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same draft reused, got %s and %s", first.ID, second.ID)
	}
}

func TestAllocateDoesNotReuseOtherProvidersDraft(t *testing.T) {
	env := newTestEnv(t)
	mine, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP-X", "tester")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.CreateProvider(env.Ctx, "Crew Two", "TAX-2")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := env.Engine.Allocate(env.Ctx, "proj-1", other.ID, "EP-X", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if theirs.ID == mine.ID {
		t.Fatalf("drafts must be isolated per provider")
	}
	if theirs.Code != "EP-X-002" {
		t.Fatalf("expected next sequential code, got %s", theirs.Code)
	}
}

func TestAllocateClaimsUnownedDraft(t *testing.T) {
	env := newTestEnv(t)
	// seed a neutral draft with no provider
	_, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO payment_statements(id,project_id,code,state,provider_id,created_at,updated_at)
VALUES ('neutral-1','proj-1','EP-000','draft',NULL,'2023-01-01T00:00:00Z','2023-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if s.ID != "neutral-1" {
		t.Fatalf("expected unowned draft claimed, got %s", s.ID)
	}
	if s.ProviderID == nil || *s.ProviderID != env.Provider.ID {
		t.Fatalf("expected draft bound to provider")
	}
}

func TestCreateNextBypassesReuse(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatal(err)
	}
	forced, err := env.Engine.CreateNextStatement(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatalf("create next: %v", err)
	}
	if forced.ID == first.ID {
		t.Fatalf("create next must not reuse the open draft")
	}
	if forced.Code == first.Code {
		t.Fatalf("expected a fresh sequential code")
	}
}

func TestStatementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.RenameStatement(env.Ctx, s.ID, "EP-2024-01", "January measurement", "tester")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if s.Code != "EP-2024-01" || s.Name != "January measurement" {
		t.Fatalf("rename not applied: %+v", s)
	}
	s, err = env.Engine.IssueStatement(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if s.State != domain.StatementIssued {
		t.Fatalf("expected issued, got %s", s.State)
	}
	// cannot issue twice
	if _, err := env.Engine.IssueStatement(env.Ctx, s.ID, "tester"); err == nil {
		t.Fatalf("expected double issue rejected")
	}
	s, err = env.Engine.MarkStatementPaid(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("paid: %v", err)
	}
	if s.State != domain.StatementPaid {
		t.Fatalf("expected paid, got %s", s.State)
	}
}

func TestIssuedDraftNotReallocated(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.IssueStatement(env.Ctx, first.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	next, err := env.Engine.Allocate(env.Ctx, "proj-1", env.Provider.ID, "EP", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == first.ID {
		t.Fatalf("issued statement must not be reused as a draft")
	}
}
