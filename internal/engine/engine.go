package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldline/internal/board"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Boards     *board.Cache
	Deliveries DeliverySource
	Now        func() time.Time
}

type taskLoader struct {
	repo repo.Repo
}

func (l taskLoader) LoadTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return l.repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Boards: board.NewCache(taskLoader{repo: r}),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) positionGap() float64 {
	if e.Config != nil && e.Config.Board.PositionGap > 0 {
		return e.Config.Board.PositionGap
	}
	return DefaultPositionGap
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "construction-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ensureStatementOpen rejects mutation of a task already carried by an
// issued or paid statement: those documents are payable, their task
// membership and amounts no longer change.
func (e Engine) ensureStatementOpen(ctx context.Context, t domain.Task) error {
	if t.StatementID == nil {
		return nil
	}
	s, err := e.Repo.GetStatement(ctx, *t.StatementID)
	if err != nil {
		return err
	}
	if s.State != domain.StatementDraft {
		return fmt.Errorf("task %s is on statement %s (%s); membership is frozen", t.ID, s.Code, s.State)
	}
	return nil
}

// ensureTaskTransition is the complete lifecycle: forward one column at a
// time, backward only to assigned.
func ensureTaskTransition(oldState, newState string) error {
	switch oldState {
	case domain.TaskAssigned:
		if newState == domain.TaskInExecution {
			return nil
		}
	case domain.TaskInExecution:
		if newState == domain.TaskApproved || newState == domain.TaskAssigned {
			return nil
		}
	case domain.TaskApproved:
		if newState == domain.TaskAssigned {
			return nil
		}
	}
	return fmt.Errorf("invalid task state transition %s -> %s", oldState, newState)
}

// TaskCreateOptions are parameters for creating a task. Exactly one of
// ActivityID/SubActivityID must be set.
type TaskCreateOptions struct {
	ID              string
	ProjectID       string
	ProviderID      string
	ActivityID      string
	SubActivityID   string
	ZoneID          string
	SegmentID       string
	PlannedQty      decimal.Decimal
	AssignedAt      string
	EstCompletionAt string
	Comment         string
	ActorID         string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if (opts.ActivityID == "") == (opts.SubActivityID == "") {
		return domain.Task{}, errors.New("exactly one of activity or sub-activity is required")
	}
	if !opts.PlannedQty.IsPositive() {
		return domain.Task{}, errors.New("planned quantity must be positive")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetProvider(ctx, opts.ProviderID); err != nil {
		return domain.Task{}, err
	}
	zone, err := e.Repo.GetZone(ctx, opts.ZoneID)
	if err != nil {
		return domain.Task{}, err
	}
	if zone.ProjectID != opts.ProjectID {
		return domain.Task{}, fmt.Errorf("zone %s not in project %s", opts.ZoneID, opts.ProjectID)
	}
	if opts.SegmentID != "" {
		seg, err := e.Repo.GetSegment(ctx, opts.SegmentID)
		if err != nil {
			return domain.Task{}, err
		}
		if seg.ZoneID != opts.ZoneID {
			return domain.Task{}, fmt.Errorf("segment %s not in zone %s", opts.SegmentID, opts.ZoneID)
		}
	}
	itemID, itemKind := opts.ActivityID, domain.ItemKindActivity
	if opts.SubActivityID != "" {
		itemID, itemKind = opts.SubActivityID, domain.ItemKindSubActivity
	}
	price, err := e.ResolveTariff(ctx, opts.ProjectID, opts.ProviderID, itemID, itemKind)
	if err != nil {
		return domain.Task{}, err
	}

	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewString()
	}
	assignedAt := opts.AssignedAt
	if assignedAt == "" {
		assignedAt = now
	}
	positions, err := e.Repo.PartitionPositions(ctx, opts.ProjectID, domain.TaskAssigned, "")
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:              id,
		ProjectID:       opts.ProjectID,
		ProviderID:      opts.ProviderID,
		ActivityID:      optionalString(opts.ActivityID),
		SubActivityID:   optionalString(opts.SubActivityID),
		ZoneID:          opts.ZoneID,
		SegmentID:       optionalString(opts.SegmentID),
		State:           domain.TaskAssigned,
		Position:        ComputePosition(positions, len(positions), e.now, e.positionGap()),
		PlannedQty:      opts.PlannedQty,
		UnitCost:        price.UnitCost,
		UnitPrice:       price.UnitPrice,
		AssignedAt:      assignedAt,
		EstCompletionAt: optionalString(opts.EstCompletionAt),
		Comment:         opts.Comment,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	store := e.Boards.For(opts.ProjectID)
	err = store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
				"provider_id": t.ProviderID,
				"state":       t.State,
			}); err != nil {
				return err
			}
			return tx.Commit()
		},
		Patch: func(tasks map[string]domain.Task) { tasks[t.ID] = t },
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Which fields are honored
// depends on the task's state: assigned tasks accept the full planning set,
// tasks in execution or approved accept only execution evidence.
type TaskUpdateOptions struct {
	ID              string
	ProviderID      *string
	ActivityID      *string
	SubActivityID   *string
	ZoneID          *string
	SegmentID       *string
	PlannedQty      *decimal.Decimal
	ActualQty       *decimal.Decimal
	EstCompletionAt *string
	CompletedAt     *string
	Comment         *string
	EvidenceURL     *string
	Geolocation     *domain.Geolocation
	StartPoint      *string
	EndPoint        *string
	ActorID         string
}

func (o TaskUpdateOptions) touchesPlanning() bool {
	return o.ProviderID != nil || o.ActivityID != nil || o.SubActivityID != nil ||
		o.ZoneID != nil || o.SegmentID != nil || o.PlannedQty != nil
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.State != domain.TaskAssigned && opts.touchesPlanning() {
		return t, fmt.Errorf("task %s is %s; planning fields are frozen", t.ID, t.State)
	}
	if err := e.ensureStatementOpen(ctx, t); err != nil {
		return t, err
	}
	repriceNeeded := false
	if t.State == domain.TaskAssigned {
		if opts.ProviderID != nil {
			if _, err := e.Repo.GetProvider(ctx, *opts.ProviderID); err != nil {
				return t, err
			}
			repriceNeeded = repriceNeeded || *opts.ProviderID != t.ProviderID
			t.ProviderID = *opts.ProviderID
		}
		if opts.ActivityID != nil || opts.SubActivityID != nil {
			var act, sub *string
			if opts.ActivityID != nil && *opts.ActivityID != "" {
				act = opts.ActivityID
			}
			if opts.SubActivityID != nil && *opts.SubActivityID != "" {
				sub = opts.SubActivityID
			}
			if (act == nil) == (sub == nil) {
				return t, errors.New("exactly one of activity or sub-activity is required")
			}
			t.ActivityID, t.SubActivityID = act, sub
			repriceNeeded = true
		}
		if opts.ZoneID != nil {
			zone, err := e.Repo.GetZone(ctx, *opts.ZoneID)
			if err != nil {
				return t, err
			}
			if zone.ProjectID != t.ProjectID {
				return t, fmt.Errorf("zone %s not in project %s", zone.ID, t.ProjectID)
			}
			t.ZoneID = *opts.ZoneID
			t.SegmentID = nil
		}
		if opts.SegmentID != nil {
			if *opts.SegmentID == "" {
				t.SegmentID = nil
			} else {
				seg, err := e.Repo.GetSegment(ctx, *opts.SegmentID)
				if err != nil {
					return t, err
				}
				if seg.ZoneID != t.ZoneID {
					return t, fmt.Errorf("segment %s not in zone %s", seg.ID, t.ZoneID)
				}
				t.SegmentID = opts.SegmentID
			}
		}
		if opts.PlannedQty != nil {
			if !opts.PlannedQty.IsPositive() {
				return t, errors.New("planned quantity must be positive")
			}
			t.PlannedQty = *opts.PlannedQty
		}
		if opts.EstCompletionAt != nil {
			t.EstCompletionAt = optionalString(*opts.EstCompletionAt)
		}
	} else {
		if opts.ActualQty != nil {
			if opts.ActualQty.IsNegative() {
				return t, errors.New("actual quantity must not be negative")
			}
			q := *opts.ActualQty
			t.ActualQty = &q
		}
		if opts.CompletedAt != nil {
			t.CompletedAt = optionalString(*opts.CompletedAt)
		}
	}
	if opts.Comment != nil {
		t.Comment = *opts.Comment
	}
	if opts.EvidenceURL != nil {
		t.EvidenceURL = optionalString(*opts.EvidenceURL)
	}
	if opts.Geolocation != nil {
		g := *opts.Geolocation
		t.Geolocation = &g
	}
	if opts.StartPoint != nil {
		t.StartPoint = optionalString(*opts.StartPoint)
	}
	if opts.EndPoint != nil {
		t.EndPoint = optionalString(*opts.EndPoint)
	}
	if repriceNeeded {
		itemID, itemKind := t.Item()
		price, err := e.ResolveTariff(ctx, t.ProjectID, t.ProviderID, itemID, itemKind)
		if err != nil {
			return t, err
		}
		t.UnitCost = price.UnitCost
		t.UnitPrice = price.UnitPrice
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	store := e.Boards.For(t.ProjectID)
	err = store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
				"state": t.State,
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

// MoveTask places a task at index within the board column for newState,
// applying the lifecycle's entry effects when the column changes. Moving
// within the current column repositions only.
func (e Engine) MoveTask(ctx context.Context, taskID, newState string, index int, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	oldState := t.State
	if newState == "" {
		newState = oldState
	}
	if newState != oldState {
		if err := ensureTaskTransition(oldState, newState); err != nil {
			return t, err
		}
		if err := e.ensureStatementOpen(ctx, t); err != nil {
			return t, err
		}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	if newState != oldState {
		switch newState {
		case domain.TaskInExecution:
			if oldState == domain.TaskAssigned {
				zero := decimal.Zero
				t.ActualQty = &zero
				t.CompletedAt = &nowStr
			}
		case domain.TaskApproved:
			// pricing must still hold before the task becomes billable
			itemID, itemKind := t.Item()
			if _, err := e.ResolveTariff(ctx, t.ProjectID, t.ProviderID, itemID, itemKind); err != nil {
				return t, err
			}
		case domain.TaskAssigned:
			t.ActualQty = nil
			t.CompletedAt = nil
			t.StatementID = nil
			t.Geolocation = nil
			t.StartPoint = nil
			t.EndPoint = nil
		}
		t.State = newState
	}

	positions, err := e.Repo.PartitionPositions(ctx, t.ProjectID, newState, t.ID)
	if err != nil {
		return t, err
	}
	if index < 0 {
		index = len(positions)
	}
	t.Position = ComputePosition(positions, index, e.now, e.positionGap())
	t.UpdatedAt = nowStr

	store := e.Boards.For(t.ProjectID)
	err = store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.moved", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
				"from_state": oldState,
				"to_state":   t.State,
				"position":   t.Position,
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

	// Statement allocation must not block the approval itself: the task is
	// already approved, memberships can be repaired later.
	if t.State == domain.TaskApproved && oldState != domain.TaskApproved && t.StatementID == nil {
		allocated, err := e.AllocateStatement(ctx, t.ID, actorID)
		if err != nil {
			log.Printf("statement allocation for task %s failed: %v", t.ID, err)
		} else {
			t = allocated
		}
	}
	return t, nil
}

// QuickConfirm short-cuts the common field flow: the crew confirms the work
// happened as planned. The task lands in execution with actual set to the
// planned quantity and completion stamped now.
func (e Engine) QuickConfirm(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.State != domain.TaskAssigned && t.State != domain.TaskInExecution {
		return t, fmt.Errorf("task %s is %s; confirm applies before approval", t.ID, t.State)
	}
	oldState := t.State
	nowStr := e.now().UTC().Format(time.RFC3339)
	q := t.PlannedQty
	t.ActualQty = &q
	t.CompletedAt = &nowStr
	if t.State == domain.TaskAssigned {
		positions, err := e.Repo.PartitionPositions(ctx, t.ProjectID, domain.TaskInExecution, t.ID)
		if err != nil {
			return t, err
		}
		t.State = domain.TaskInExecution
		t.Position = ComputePosition(positions, len(positions), e.now, e.positionGap())
	}
	t.UpdatedAt = nowStr

	store := e.Boards.For(t.ProjectID)
	err = store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.confirmed", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
				"from_state": oldState,
				"actual_qty": q.String(),
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

// DeleteTask removes an assigned task. Work that has started leaves traces
// (consumption, statement membership) and must be regressed first.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != domain.TaskAssigned {
		return fmt.Errorf("task %s is %s; only assigned tasks can be deleted", t.ID, t.State)
	}
	store := e.Boards.For(t.ProjectID)
	return store.Apply(ctx, board.Command{
		Persist: func(ctx context.Context) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "task.deleted", t.ProjectID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
				return err
			}
			return tx.Commit()
		},
		Patch: func(tasks map[string]domain.Task) { delete(tasks, t.ID) },
	})
}

// Board returns the project's board snapshot.
func (e Engine) Board(ctx context.Context, projectID string) (board.Snapshot, error) {
	return e.Boards.For(projectID).Snapshot(ctx)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
