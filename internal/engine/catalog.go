package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

func (e Engine) validUnit(unit string) error {
	if unit == "" {
		return fmt.Errorf("unit is required")
	}
	if e.Config == nil || len(e.Config.Catalog.Units) == 0 {
		return nil
	}
	for _, u := range e.Config.Catalog.Units {
		if u == unit {
			return nil
		}
	}
	return fmt.Errorf("unit %q not in catalog units", unit)
}

func (e Engine) CreateProvider(ctx context.Context, name, taxID string) (domain.Provider, error) {
	if name == "" {
		return domain.Provider{}, fmt.Errorf("name is required")
	}
	p := domain.Provider{
		ID:        uuid.NewString(),
		Name:      name,
		TaxID:     taxID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProvider(ctx, p); err != nil {
		return domain.Provider{}, err
	}
	return p, nil
}

// DeleteProvider fails with a dependents error while tariffs, tasks or
// statements still reference the provider.
func (e Engine) DeleteProvider(ctx context.Context, id string) error {
	err := e.Repo.DeleteProvider(ctx, id)
	if repo.IsForeignKeyViolation(err) {
		return fmt.Errorf("provider %s has dependents (tasks, tariffs or statements)", id)
	}
	return err
}

func (e Engine) CreateZone(ctx context.Context, projectID, name string) (domain.Zone, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Zone{}, err
	}
	z := domain.Zone{ID: uuid.NewString(), ProjectID: projectID, Name: name}
	if err := e.Repo.InsertZone(ctx, z); err != nil {
		return domain.Zone{}, err
	}
	return z, nil
}

func (e Engine) CreateSegment(ctx context.Context, zoneID, name string) (domain.Segment, error) {
	if _, err := e.Repo.GetZone(ctx, zoneID); err != nil {
		return domain.Segment{}, err
	}
	s := domain.Segment{ID: uuid.NewString(), ZoneID: zoneID, Name: name}
	if err := e.Repo.InsertSegment(ctx, s); err != nil {
		return domain.Segment{}, err
	}
	return s, nil
}

func (e Engine) CreateActivity(ctx context.Context, projectID, name, unit string, salePrice decimal.Decimal) (domain.Activity, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Activity{}, err
	}
	if err := e.validUnit(unit); err != nil {
		return domain.Activity{}, err
	}
	if salePrice.IsNegative() {
		return domain.Activity{}, fmt.Errorf("sale price must not be negative")
	}
	a := domain.Activity{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Unit:      unit,
		SalePrice: salePrice,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertActivity(ctx, a); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

func (e Engine) CreateSubActivity(ctx context.Context, activityID, name, unit string, salePrice decimal.Decimal) (domain.SubActivity, error) {
	if _, err := e.Repo.GetActivity(ctx, activityID); err != nil {
		return domain.SubActivity{}, err
	}
	if err := e.validUnit(unit); err != nil {
		return domain.SubActivity{}, err
	}
	if salePrice.IsNegative() {
		return domain.SubActivity{}, fmt.Errorf("sale price must not be negative")
	}
	s := domain.SubActivity{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		Name:       name,
		Unit:       unit,
		SalePrice:  salePrice,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSubActivity(ctx, s); err != nil {
		return domain.SubActivity{}, err
	}
	return s, nil
}

// DeleteActivity fails with a dependents error while tariffs, tasks or
// sub-activities still reference the activity.
func (e Engine) DeleteActivity(ctx context.Context, id string) error {
	err := e.Repo.DeleteActivity(ctx, id)
	if repo.IsForeignKeyViolation(err) {
		return fmt.Errorf("activity %s has dependents (tasks, tariffs or sub-activities)", id)
	}
	return err
}

func (e Engine) DeleteSubActivity(ctx context.Context, id string) error {
	err := e.Repo.DeleteSubActivity(ctx, id)
	if repo.IsForeignKeyViolation(err) {
		return fmt.Errorf("sub-activity %s has dependents (tasks or tariffs)", id)
	}
	return err
}
