// Package board keeps an in-memory projection of a project's task board,
// grouped by state and ordered by position key. The store owns its copy of
// the tasks exclusively: every mutation flows through Apply, which persists
// first and only then patches the projection, reloading from storage when
// persistence fails so the projection never drifts from the database.
package board

import (
	"context"
	"sort"
	"sync"

	"fieldline/internal/domain"
)

// Loader fetches the canonical task set for a project.
type Loader interface {
	LoadTasks(ctx context.Context, projectID string) ([]domain.Task, error)
}

// Command is one board mutation. Persist writes the change to storage;
// Patch applies the same change to the in-memory task map once Persist
// has succeeded. Patch must only touch the map it is given.
type Command struct {
	Persist func(ctx context.Context) error
	Patch   func(tasks map[string]domain.Task)
}

// Store holds one project's board.
type Store struct {
	projectID string
	loader    Loader

	mu     sync.Mutex
	loaded bool
	tasks  map[string]domain.Task
}

func NewStore(projectID string, loader Loader) *Store {
	return &Store{projectID: projectID, loader: loader, tasks: map[string]domain.Task{}}
}

func (s *Store) reloadLocked(ctx context.Context) error {
	list, err := s.loader.LoadTasks(ctx, s.projectID)
	if err != nil {
		return err
	}
	s.tasks = make(map[string]domain.Task, len(list))
	for _, t := range list {
		s.tasks[t.ID] = t
	}
	s.loaded = true
	return nil
}

// Reload discards the projection and rebuilds it from storage.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

// Apply runs one mutation. If persistence fails the projection is rebuilt
// from storage before the error is returned, so a failed command can never
// leave a stale in-memory view behind.
func (s *Store) Apply(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.reloadLocked(ctx); err != nil {
			return err
		}
	}
	if cmd.Persist != nil {
		if err := cmd.Persist(ctx); err != nil {
			if rerr := s.reloadLocked(ctx); rerr != nil {
				s.loaded = false
			}
			return err
		}
	}
	if cmd.Patch != nil {
		cmd.Patch(s.tasks)
	}
	return nil
}

// Snapshot is the board as columns keyed by state, tasks ordered by
// position key ascending.
type Snapshot struct {
	Columns map[string][]domain.Task `json:"columns"`
}

func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.reloadLocked(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	snap := Snapshot{Columns: map[string][]domain.Task{
		domain.TaskAssigned:    {},
		domain.TaskInExecution: {},
		domain.TaskApproved:    {},
	}}
	for _, t := range s.tasks {
		snap.Columns[t.State] = append(snap.Columns[t.State], t)
	}
	for state := range snap.Columns {
		col := snap.Columns[state]
		sort.Slice(col, func(i, j int) bool { return col[i].Position < col[j].Position })
	}
	return snap, nil
}

// Cache hands out one Store per project.
type Cache struct {
	loader Loader

	mu     sync.Mutex
	stores map[string]*Store
}

func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, stores: map[string]*Store{}}
}

func (c *Cache) For(projectID string) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stores[projectID]
	if !ok {
		st = NewStore(projectID, c.loader)
		c.stores[projectID] = st
	}
	return st
}
