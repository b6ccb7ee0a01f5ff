package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"fieldline/internal/board"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

// Request payloads. Monetary amounts and quantities travel as decimal
// strings so no precision is lost in transit.

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateProviderRequest struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

type CreateZoneRequest struct {
	Name string `json:"name"`
}

type CreateSegmentRequest struct {
	Name string `json:"name"`
}

type CreateActivityRequest struct {
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	SalePrice string `json:"sale_price"`
}

type SetTariffRequest struct {
	ProviderID string `json:"provider_id"`
	ItemID     string `json:"item_id"`
	ItemKind   string `json:"item_kind" enum:"activity,subactivity"`
	UnitCost   string `json:"unit_cost"`
}

type GeolocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PhotoURL  string  `json:"photo_url,omitempty"`
}

type CreateTaskRequest struct {
	ID              *string `json:"id,omitempty"`
	ProviderID      string  `json:"provider_id"`
	ActivityID      *string `json:"activity_id,omitempty"`
	SubActivityID   *string `json:"sub_activity_id,omitempty"`
	ZoneID          string  `json:"zone_id"`
	SegmentID       *string `json:"segment_id,omitempty"`
	PlannedQty      string  `json:"planned_qty"`
	AssignedAt      *string `json:"assigned_at,omitempty" format:"date-time"`
	EstCompletionAt *string `json:"est_completion_at,omitempty" format:"date-time"`
	Comment         *string `json:"comment,omitempty"`
}

type UpdateTaskRequest struct {
	ProviderID      *string             `json:"provider_id,omitempty"`
	ActivityID      *string             `json:"activity_id,omitempty"`
	SubActivityID   *string             `json:"sub_activity_id,omitempty"`
	ZoneID          *string             `json:"zone_id,omitempty"`
	SegmentID       *string             `json:"segment_id,omitempty"`
	PlannedQty      *string             `json:"planned_qty,omitempty"`
	ActualQty       *string             `json:"actual_qty,omitempty"`
	EstCompletionAt *string             `json:"est_completion_at,omitempty" format:"date-time"`
	CompletedAt     *string             `json:"completed_at,omitempty" format:"date-time"`
	Comment         *string             `json:"comment,omitempty"`
	EvidenceURL     *string             `json:"evidence_url,omitempty"`
	Geolocation     *GeolocationRequest `json:"geolocation,omitempty"`
	StartPoint      *string             `json:"start_point,omitempty"`
	EndPoint        *string             `json:"end_point,omitempty"`
}

type MoveTaskRequest struct {
	State string `json:"state,omitempty" enum:"assigned,in_execution,approved"`
	Index *int   `json:"index,omitempty"`
}

type AllocateStatementRequest struct {
	ProviderID string `json:"provider_id"`
	Prefix     string `json:"prefix,omitempty"`
	ForceNew   bool   `json:"force_new,omitempty"`
}

type RenameStatementRequest struct {
	Code *string `json:"code,omitempty"`
	Name *string `json:"name,omitempty"`
}

type CreateConsumptionRequest struct {
	ProductCode string `json:"product_code"`
	ProductName string `json:"product_name"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
}

type CreateAPIKeyRequest struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProviderResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TaxID     string `json:"tax_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ZoneResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type SegmentResponse struct {
	ID     string `json:"id"`
	ZoneID string `json:"zone_id"`
	Name   string `json:"name"`
}

type ActivityResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	SalePrice string `json:"sale_price"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SubActivityResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	SalePrice  string `json:"sale_price"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type TariffResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ProviderID string `json:"provider_id"`
	ItemID     string `json:"item_id"`
	ItemKind   string `json:"item_kind" enum:"activity,subactivity"`
	UnitCost   string `json:"unit_cost"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type PriceResponse struct {
	UnitCost  string `json:"unit_cost"`
	UnitPrice string `json:"unit_price"`
}

type GeolocationResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PhotoURL  string  `json:"photo_url,omitempty"`
}

type TaskResponse struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	ProviderID      string               `json:"provider_id"`
	ActivityID      *string              `json:"activity_id,omitempty"`
	SubActivityID   *string              `json:"sub_activity_id,omitempty"`
	ZoneID          string               `json:"zone_id"`
	SegmentID       *string              `json:"segment_id,omitempty"`
	State           string               `json:"state" enum:"assigned,in_execution,approved"`
	Position        float64              `json:"position"`
	PlannedQty      string               `json:"planned_qty"`
	ActualQty       *string              `json:"actual_qty,omitempty"`
	UnitCost        string               `json:"unit_cost"`
	UnitPrice       string               `json:"unit_price"`
	ProjectedCost   string               `json:"projected_cost"`
	ProjectedPrice  string               `json:"projected_price"`
	AssignedAt      string               `json:"assigned_at" format:"date-time"`
	EstCompletionAt *string              `json:"est_completion_at,omitempty" format:"date-time"`
	CompletedAt     *string              `json:"completed_at,omitempty" format:"date-time"`
	Comment         string               `json:"comment,omitempty"`
	EvidenceURL     *string              `json:"evidence_url,omitempty"`
	Geolocation     *GeolocationResponse `json:"geolocation,omitempty"`
	StartPoint      *string              `json:"start_point,omitempty"`
	EndPoint        *string              `json:"end_point,omitempty"`
	StatementID     *string              `json:"statement_id,omitempty"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
	UpdatedAt       string               `json:"updated_at" format:"date-time"`
}

type BoardResponse struct {
	Columns map[string][]TaskResponse `json:"columns"`
}

type StatementResponse struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name,omitempty"`
	State      string  `json:"state" enum:"draft,issued,paid"`
	ProviderID *string `json:"provider_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type ConsumptionResponse struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	ProductCode  string `json:"product_code"`
	ProductName  string `json:"product_name"`
	Quantity     string `json:"quantity"`
	Unit         string `json:"unit"`
	ZoneLabel    string `json:"zone_label,omitempty"`
	SegmentLabel string `json:"segment_label,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type MaterialBalanceResponse struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Delivered string `json:"delivered"`
	Consumed  string `json:"consumed"`
	Balance   string `json:"balance"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CreateAPIKeyResponse carries the plaintext key exactly once; only its
// hash is stored.
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"project"`
	Statements struct {
		CodePrefix string `json:"code_prefix"`
		PadWidth   int    `json:"pad_width"`
	} `json:"statements"`
	Board struct {
		PositionGap float64 `json:"position_gap"`
	} `json:"board"`
	Stock struct {
		EnforceBalance bool `json:"enforce_balance"`
	} `json:"stock"`
	Tariffs struct {
		DebounceMS int `json:"debounce_ms"`
	} `json:"tariffs"`
	Catalog struct {
		Units []string `json:"units"`
	} `json:"catalog"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func providerResponse(p domain.Provider) ProviderResponse {
	return ProviderResponse(p)
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:        a.ID,
		ProjectID: a.ProjectID,
		Name:      a.Name,
		Unit:      a.Unit,
		SalePrice: a.SalePrice.String(),
		CreatedAt: a.CreatedAt,
	}
}

func subActivityResponse(s domain.SubActivity) SubActivityResponse {
	return SubActivityResponse{
		ID:         s.ID,
		ActivityID: s.ActivityID,
		Name:       s.Name,
		Unit:       s.Unit,
		SalePrice:  s.SalePrice.String(),
		CreatedAt:  s.CreatedAt,
	}
}

func tariffResponse(t domain.Tariff) TariffResponse {
	return TariffResponse{
		ID:         t.ID,
		ProjectID:  t.ProjectID,
		ProviderID: t.ProviderID,
		ItemID:     t.ItemID,
		ItemKind:   t.ItemKind,
		UnitCost:   t.UnitCost.String(),
		CreatedAt:  t.CreatedAt,
	}
}

func priceResponse(p engine.Price) PriceResponse {
	return PriceResponse{
		UnitCost:  p.UnitCost.String(),
		UnitPrice: p.UnitPrice.String(),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		ProviderID:      t.ProviderID,
		ActivityID:      t.ActivityID,
		SubActivityID:   t.SubActivityID,
		ZoneID:          t.ZoneID,
		SegmentID:       t.SegmentID,
		State:           t.State,
		Position:        t.Position,
		PlannedQty:      t.PlannedQty.String(),
		ActualQty:       decPtr(t.ActualQty),
		UnitCost:        t.UnitCost.String(),
		UnitPrice:       t.UnitPrice.String(),
		ProjectedCost:   t.ProjectedCost().String(),
		ProjectedPrice:  t.ProjectedPrice().String(),
		AssignedAt:      t.AssignedAt,
		EstCompletionAt: t.EstCompletionAt,
		CompletedAt:     t.CompletedAt,
		Comment:         t.Comment,
		EvidenceURL:     t.EvidenceURL,
		StartPoint:      t.StartPoint,
		EndPoint:        t.EndPoint,
		StatementID:     t.StatementID,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Geolocation != nil {
		resp.Geolocation = &GeolocationResponse{
			Latitude:  t.Geolocation.Latitude,
			Longitude: t.Geolocation.Longitude,
			PhotoURL:  t.Geolocation.PhotoURL,
		}
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func boardResponse(snap board.Snapshot) BoardResponse {
	resp := BoardResponse{Columns: map[string][]TaskResponse{}}
	for state, col := range snap.Columns {
		resp.Columns[state] = mapTasks(col)
	}
	return resp
}

func statementResponse(s domain.PaymentStatement) StatementResponse {
	return StatementResponse(s)
}

func consumptionResponse(c domain.StockConsumption) ConsumptionResponse {
	return ConsumptionResponse{
		ID:           c.ID,
		TaskID:       c.TaskID,
		ProductCode:  c.ProductCode,
		ProductName:  c.ProductName,
		Quantity:     c.Quantity.String(),
		Unit:         c.Unit,
		ZoneLabel:    c.ZoneLabel,
		SegmentLabel: c.SegmentLabel,
		CreatedAt:    c.CreatedAt,
	}
}

func materialResponse(b domain.MaterialBalance) MaterialBalanceResponse {
	return MaterialBalanceResponse{
		Code:      b.Code,
		Name:      b.Name,
		Unit:      b.Unit,
		Delivered: b.Delivered.String(),
		Consumed:  b.Consumed.String(),
		Balance:   b.Balance.String(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Subject:   k.Subject,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.Statements.CodePrefix = cfg.Statements.CodePrefix
	res.Statements.PadWidth = cfg.Statements.PadWidth
	res.Board.PositionGap = cfg.Board.PositionGap
	res.Stock.EnforceBalance = cfg.Stock.EnforceBalance
	res.Tariffs.DebounceMS = cfg.Tariffs.DebounceMS
	res.Catalog.Units = cfg.Catalog.Units
	return res
}

// Decimal helpers

func decPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDec(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, invalidDecimal(field, raw)
	}
	return d, nil
}

func parseDecPtr(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDec(field, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
