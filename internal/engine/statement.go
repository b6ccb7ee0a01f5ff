package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/board"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

func (e Engine) codePrefix(prefix string) string {
	if prefix != "" {
		return prefix
	}
	if e.Config != nil && e.Config.Statements.CodePrefix != "" {
		return e.Config.Statements.CodePrefix
	}
	return "EP"
}

func (e Engine) padWidth() int {
	if e.Config != nil && e.Config.Statements.PadWidth > 0 {
		return e.Config.Statements.PadWidth
	}
	return 3
}

// nextCode derives the next sequential statement code by scanning existing
// codes for the prefix and taking max+1. Not a database sequence: concurrent
// creations can collide on a code, which is tolerated and fixed by a rename.
func nextCode(existing []string, prefix string, pad int) string {
	max := 0
	for _, code := range existing {
		rest, ok := strings.CutPrefix(code, prefix+"-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%0*d", prefix, pad, max+1)
}

// allocateTx finds or creates the open draft for the provider: the provider's
// own draft wins, then the oldest unowned draft is claimed (first provider to
// claim keeps it), and only then is a fresh draft created.
func (e Engine) allocateTx(ctx context.Context, tx *sql.Tx, projectID, providerID, prefix, actorID string) (domain.PaymentStatement, error) {
	s, err := e.Repo.FindDraftForProviderTx(ctx, tx, projectID, providerID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PaymentStatement{}, err
	}

	s, err = e.Repo.FindUnownedDraftTx(ctx, tx, projectID)
	if err == nil {
		s.ProviderID = &providerID
		s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateStatementTx(ctx, tx, s); err != nil {
			return domain.PaymentStatement{}, err
		}
		if err := e.Events.Append(ctx, tx, "statement.claimed", projectID, "statement", s.ID, actorID, events.EventPayload{
			"provider_id": providerID,
		}); err != nil {
			return domain.PaymentStatement{}, err
		}
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PaymentStatement{}, err
	}

	return e.createStatementTx(ctx, tx, projectID, providerID, prefix, actorID)
}

func (e Engine) createStatementTx(ctx context.Context, tx *sql.Tx, projectID, providerID, prefix, actorID string) (domain.PaymentStatement, error) {
	codes, err := e.Repo.StatementCodesTx(ctx, tx, projectID)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.PaymentStatement{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Code:       nextCode(codes, prefix, e.padWidth()),
		State:      domain.StatementDraft,
		ProviderID: optionalString(providerID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertStatementTx(ctx, tx, s); err != nil {
		return domain.PaymentStatement{}, err
	}
	if err := e.Events.Append(ctx, tx, "statement.created", projectID, "statement", s.ID, actorID, events.EventPayload{
		"code":        s.Code,
		"provider_id": providerID,
	}); err != nil {
		return domain.PaymentStatement{}, err
	}
	return s, nil
}

// Allocate returns the open draft statement for the provider, creating one
// when necessary.
func (e Engine) Allocate(ctx context.Context, projectID, providerID, prefix, actorID string) (domain.PaymentStatement, error) {
	if _, err := e.Repo.GetProvider(ctx, providerID); err != nil {
		return domain.PaymentStatement{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	defer tx.Rollback()
	s, err := e.allocateTx(ctx, tx, projectID, providerID, e.codePrefix(prefix), actorID)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentStatement{}, err
	}
	return s, nil
}

// AllocateStatement attaches an approved task to its provider's open draft.
func (e Engine) AllocateStatement(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.State != domain.TaskApproved {
		return t, fmt.Errorf("task %s is %s; only approved tasks join statements", t.ID, t.State)
	}
	if t.StatementID != nil {
		return t, nil
	}
	store := e.Boards.For(t.ProjectID)
	err = store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			s, err := e.allocateTx(ctx, tx, t.ProjectID, t.ProviderID, e.codePrefix(""), actorID)
			if err != nil {
				return err
			}
			t.StatementID = &s.ID
			t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.allocated", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
				"statement_id":   s.ID,
				"statement_code": s.Code,
			}); err != nil {
				return err
			}
			return tx.Commit()
		},
		Patch: func(tasks map[string]domain.Task) { tasks[t.ID] = t },
	})
	if err != nil {
		return t, err
	}
	return t, nil
}

// CreateNextStatement always opens a fresh draft for the provider, bypassing
// the reuse search. Manual "force a new statement" action.
func (e Engine) CreateNextStatement(ctx context.Context, projectID, providerID, prefix, actorID string) (domain.PaymentStatement, error) {
	if _, err := e.Repo.GetProvider(ctx, providerID); err != nil {
		return domain.PaymentStatement{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	defer tx.Rollback()
	s, err := e.createStatementTx(ctx, tx, projectID, providerID, e.codePrefix(prefix), actorID)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentStatement{}, err
	}
	return s, nil
}

// RenameStatement updates code and/or name. No uniqueness enforcement beyond
// caller discipline.
func (e Engine) RenameStatement(ctx context.Context, statementID, newCode, newName, actorID string) (domain.PaymentStatement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStatementTx(ctx, tx, statementID)
	if err != nil {
		return s, err
	}
	if newCode != "" {
		s.Code = newCode
	}
	if newName != "" {
		s.Name = newName
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStatementTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "statement.renamed", s.ProjectID, "statement", s.ID, actorID, events.EventPayload{
		"code": s.Code,
		"name": s.Name,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func ensureStatementTransition(oldState, newState string) error {
	switch oldState {
	case domain.StatementDraft:
		if newState == domain.StatementIssued {
			return nil
		}
	case domain.StatementIssued:
		if newState == domain.StatementPaid {
			return nil
		}
	}
	return fmt.Errorf("invalid statement state transition %s -> %s", oldState, newState)
}

// IssueStatement emits a draft. From here on task membership is frozen.
func (e Engine) IssueStatement(ctx context.Context, statementID, actorID string) (domain.PaymentStatement, error) {
	return e.transitionStatement(ctx, statementID, domain.StatementIssued, "statement.issued", actorID)
}

// MarkStatementPaid settles an issued statement.
func (e Engine) MarkStatementPaid(ctx context.Context, statementID, actorID string) (domain.PaymentStatement, error) {
	return e.transitionStatement(ctx, statementID, domain.StatementPaid, "statement.paid", actorID)
}

func (e Engine) transitionStatement(ctx context.Context, statementID, newState, evtType, actorID string) (domain.PaymentStatement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentStatement{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStatementTx(ctx, tx, statementID)
	if err != nil {
		return s, err
	}
	if err := ensureStatementTransition(s.State, newState); err != nil {
		return s, err
	}
	if s.ProviderID == nil {
		return s, errors.New("statement has no provider; claim it before issuing")
	}
	s.State = newState
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStatementTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, evtType, s.ProjectID, "statement", s.ID, actorID, events.EventPayload{
		"code":  s.Code,
		"state": s.State,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}
