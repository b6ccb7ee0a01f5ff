package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// ErrNotContracted means no tariff exists for the provider and billable item,
// so the task cannot be priced.
var ErrNotContracted = errors.New("provider not contracted for item")

// Price is the resolved money pair for one task: what the provider is paid
// per unit and what the client is billed per unit.
type Price struct {
	UnitCost  decimal.Decimal
	UnitPrice decimal.Decimal
}

// ResolveTariff prices a billable item for a provider. Unit cost comes from
// the contracted tariff; unit price is the item's own sale price.
func (e Engine) ResolveTariff(ctx context.Context, projectID, providerID, itemID, itemKind string) (Price, error) {
	t, err := e.Repo.GetTariffByTriple(ctx, projectID, providerID, itemID, itemKind)
	if errors.Is(err, repo.ErrNotFound) {
		return Price{}, ErrNotContracted
	}
	if err != nil {
		return Price{}, err
	}
	var salePrice decimal.Decimal
	switch itemKind {
	case domain.ItemKindActivity:
		a, err := e.Repo.GetActivity(ctx, itemID)
		if err != nil {
			return Price{}, err
		}
		salePrice = a.SalePrice
	case domain.ItemKindSubActivity:
		s, err := e.Repo.GetSubActivity(ctx, itemID)
		if err != nil {
			return Price{}, err
		}
		salePrice = s.SalePrice
	default:
		return Price{}, fmt.Errorf("unknown item kind %q", itemKind)
	}
	return Price{UnitCost: t.UnitCost, UnitPrice: salePrice}, nil
}

// SetTariff records the contracted unit cost for a (provider, item) pair,
// replacing any previous rows for the same triple in the same transaction so
// at most one tariff ever matches.
func (e Engine) SetTariff(ctx context.Context, projectID, providerID, itemID, itemKind string, unitCost decimal.Decimal, actorID string) (domain.Tariff, error) {
	if itemKind != domain.ItemKindActivity && itemKind != domain.ItemKindSubActivity {
		return domain.Tariff{}, fmt.Errorf("unknown item kind %q", itemKind)
	}
	if unitCost.IsNegative() {
		return domain.Tariff{}, errors.New("unit cost must not be negative")
	}
	if _, err := e.Repo.GetProvider(ctx, providerID); err != nil {
		return domain.Tariff{}, err
	}
	switch itemKind {
	case domain.ItemKindActivity:
		if _, err := e.Repo.GetActivity(ctx, itemID); err != nil {
			return domain.Tariff{}, err
		}
	case domain.ItemKindSubActivity:
		if _, err := e.Repo.GetSubActivity(ctx, itemID); err != nil {
			return domain.Tariff{}, err
		}
	}
	t := domain.Tariff{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		ProviderID: providerID,
		ItemID:     itemID,
		ItemKind:   itemKind,
		UnitCost:   unitCost,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tariff{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTariffsByTripleTx(ctx, tx, projectID, providerID, itemID, itemKind); err != nil {
		return domain.Tariff{}, err
	}
	if err := e.Repo.InsertTariffTx(ctx, tx, t); err != nil {
		return domain.Tariff{}, err
	}
	if err := e.Events.Append(ctx, tx, "tariff.set", projectID, "tariff", t.ID, actorID, events.EventPayload{
		"provider_id": providerID,
		"item_id":     itemID,
		"item_kind":   itemKind,
		"unit_cost":   unitCost.String(),
	}); err != nil {
		return domain.Tariff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tariff{}, err
	}
	return t, nil
}

// TariffSession serializes interactive pricing lookups. Lookups are debounced
// so a burst of selection changes triggers one resolution, and each lookup
// carries a monotonic ticket so a slow response for an older selection can
// never overwrite a newer one.
type TariffSession struct {
	engine   Engine
	debounce time.Duration

	mu     sync.Mutex
	ticket uint64
	timer  *time.Timer
}

func (e Engine) NewTariffSession() *TariffSession {
	d := 300 * time.Millisecond
	if e.Config != nil && e.Config.Tariffs.DebounceMS > 0 {
		d = time.Duration(e.Config.Tariffs.DebounceMS) * time.Millisecond
	}
	return &TariffSession{engine: e, debounce: d}
}

// TariffResult is delivered to the session callback once a lookup settles.
type TariffResult struct {
	Price Price
	Err   error
}

// Lookup schedules a resolution for the current selection. The callback runs
// after the debounce window, and only if no newer Lookup superseded this one
// in the meantime (stale results are discarded, not delivered).
func (s *TariffSession) Lookup(ctx context.Context, projectID, providerID, itemID, itemKind string, deliver func(TariffResult)) {
	s.mu.Lock()
	s.ticket++
	ticket := s.ticket
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		price, err := s.engine.ResolveTariff(ctx, projectID, providerID, itemID, itemKind)
		s.mu.Lock()
		stale := ticket != s.ticket
		s.mu.Unlock()
		if stale {
			return
		}
		deliver(TariffResult{Price: price, Err: err})
	})
	s.mu.Unlock()
}
