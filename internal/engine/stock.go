package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
	"fieldline/internal/events"
)

// ErrInsufficientBalance means the requested quantity exceeds the computed
// material balance. The check is advisory: two concurrent registrations can
// both pass it and jointly overdraw, which reconciliation later surfaces.
var ErrInsufficientBalance = errors.New("insufficient material balance")

// DeliverySource is the external logistics collaborator, read-only.
type DeliverySource interface {
	Deliveries(ctx context.Context, providerID, projectID string) ([]domain.Delivery, error)
}

// AvailableMaterials reconciles delivered against consumed per product code
// for one provider in one project. Recomputed from source facts on every
// call; only positive balances are offerable.
func (e Engine) AvailableMaterials(ctx context.Context, projectID, providerID string) ([]domain.MaterialBalance, error) {
	if e.Deliveries == nil {
		return nil, errors.New("logistics source not configured")
	}
	deliveries, err := e.Deliveries.Deliveries(ctx, providerID, projectID)
	if err != nil {
		return nil, err
	}
	consumed, err := e.Repo.ConsumedByProduct(ctx, projectID, providerID)
	if err != nil {
		return nil, err
	}
	byCode := map[string]domain.MaterialBalance{}
	for _, d := range deliveries {
		mb := byCode[d.ProductCode]
		mb.Code = d.ProductCode
		mb.Name = d.ProductName
		mb.Unit = d.Unit
		mb.Delivered = mb.Delivered.Add(d.Quantity)
		byCode[d.ProductCode] = mb
	}
	var res []domain.MaterialBalance
	for code, mb := range byCode {
		mb.Consumed = consumed[code]
		mb.Balance = mb.Delivered.Sub(mb.Consumed)
		if mb.Balance.IsPositive() {
			res = append(res, mb)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// ConsumptionOptions are parameters for registering material against a task.
type ConsumptionOptions struct {
	TaskID      string
	ProductCode string
	ProductName string
	Quantity    decimal.Decimal
	Unit        string
	ActorID     string
}

// RegisterConsumption records material consumed by a task in execution,
// denormalizing zone/segment labels for traceability. The balance check runs
// before insertion and never after it.
func (e Engine) RegisterConsumption(ctx context.Context, opts ConsumptionOptions) (domain.StockConsumption, error) {
	if !opts.Quantity.IsPositive() {
		return domain.StockConsumption{}, errors.New("quantity must be positive")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.StockConsumption{}, err
	}
	if t.State != domain.TaskInExecution {
		return domain.StockConsumption{}, fmt.Errorf("task %s is %s; consumption applies in execution only", t.ID, t.State)
	}
	if e.Config == nil || e.Config.Stock.EnforceBalance {
		balances, err := e.AvailableMaterials(ctx, t.ProjectID, t.ProviderID)
		if err != nil {
			return domain.StockConsumption{}, err
		}
		available := decimal.Zero
		for _, b := range balances {
			if b.Code == opts.ProductCode {
				available = b.Balance
				break
			}
		}
		if opts.Quantity.GreaterThan(available) {
			return domain.StockConsumption{}, fmt.Errorf("%w: %s of %s requested, %s available",
				ErrInsufficientBalance, opts.Quantity, opts.ProductCode, available)
		}
	}
	zone, err := e.Repo.GetZone(ctx, t.ZoneID)
	if err != nil {
		return domain.StockConsumption{}, err
	}
	c := domain.StockConsumption{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		ProductCode: opts.ProductCode,
		ProductName: opts.ProductName,
		Quantity:    opts.Quantity,
		Unit:        opts.Unit,
		ZoneLabel:   zone.Name,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if t.SegmentID != nil {
		seg, err := e.Repo.GetSegment(ctx, *t.SegmentID)
		if err != nil {
			return domain.StockConsumption{}, err
		}
		c.SegmentLabel = seg.Name
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockConsumption{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertConsumptionTx(ctx, tx, c); err != nil {
		return domain.StockConsumption{}, err
	}
	if err := e.Events.Append(ctx, tx, "stock.consumed", t.ProjectID, "consumption", c.ID, opts.ActorID, events.EventPayload{
		"task_id":      t.ID,
		"product_code": c.ProductCode,
		"quantity":     c.Quantity.String(),
	}); err != nil {
		return domain.StockConsumption{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StockConsumption{}, err
	}
	return c, nil
}

// DeleteConsumption removes a consumption record while its task is still in
// execution. Balance recomputation happens on the next read.
func (e Engine) DeleteConsumption(ctx context.Context, id, actorID string) error {
	c, err := e.Repo.GetConsumption(ctx, id)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, c.TaskID)
	if err != nil {
		return err
	}
	if t.State != domain.TaskInExecution {
		return fmt.Errorf("task %s is %s; consumption is frozen", t.ID, t.State)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteConsumptionTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stock.released", t.ProjectID, "consumption", id, actorID, events.EventPayload{
		"task_id":      t.ID,
		"product_code": c.ProductCode,
		"quantity":     c.Quantity.String(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
