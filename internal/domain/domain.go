package domain

import "github.com/shopspring/decimal"

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Provider is a subcontracted crew. Immutable reference data.
type Provider struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TaxID     string `json:"tax_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Zone struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type Segment struct {
	ID     string `json:"id"`
	ZoneID string `json:"zone_id"`
	Name   string `json:"name"`
}

// Activity is a billable item with its own sale price. It may own
// sub-activities (one level of nesting only).
type Activity struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	SalePrice decimal.Decimal `json:"sale_price"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type SubActivity struct {
	ID         string          `json:"id"`
	ActivityID string          `json:"activity_id"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	SalePrice  decimal.Decimal `json:"sale_price"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

// Billable item kinds referenced by tasks and tariffs.
const (
	ItemKindActivity    = "activity"
	ItemKindSubActivity = "subactivity"
)

// Tariff maps a (project, provider, billable item) triple to a contracted
// unit cost. At most one row per triple.
type Tariff struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	ProviderID string          `json:"provider_id"`
	ItemID     string          `json:"item_id"`
	ItemKind   string          `json:"item_kind" enum:"activity,subactivity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

// Task states.
const (
	TaskAssigned    = "assigned"
	TaskInExecution = "in_execution"
	TaskApproved    = "approved"
)

type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PhotoURL  string  `json:"photo_url,omitempty"`
}

// Task is a unit of planned/executed field work billed to one provider.
// Exactly one of ActivityID/SubActivityID is set. Position orders the task
// within its project+state board partition. ActualQty and CompletedAt are
// only populated once the task leaves the assigned state.
type Task struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	ProviderID      string           `json:"provider_id"`
	ActivityID      *string          `json:"activity_id,omitempty"`
	SubActivityID   *string          `json:"sub_activity_id,omitempty"`
	ZoneID          string           `json:"zone_id"`
	SegmentID       *string          `json:"segment_id,omitempty"`
	State           string           `json:"state" enum:"assigned,in_execution,approved"`
	Position        float64          `json:"position"`
	PlannedQty      decimal.Decimal  `json:"planned_qty"`
	ActualQty       *decimal.Decimal `json:"actual_qty,omitempty"`
	UnitCost        decimal.Decimal  `json:"unit_cost"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	AssignedAt      string           `json:"assigned_at" format:"date-time"`
	EstCompletionAt *string          `json:"est_completion_at,omitempty" format:"date-time"`
	CompletedAt     *string          `json:"completed_at,omitempty" format:"date-time"`
	Comment         string           `json:"comment,omitempty"`
	EvidenceURL     *string          `json:"evidence_url,omitempty"`
	Geolocation     *Geolocation     `json:"geolocation,omitempty"`
	StartPoint      *string          `json:"start_point,omitempty"`
	EndPoint        *string          `json:"end_point,omitempty"`
	StatementID     *string          `json:"statement_id,omitempty"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// Item returns the billable item reference and its kind.
func (t Task) Item() (string, string) {
	if t.SubActivityID != nil {
		return *t.SubActivityID, ItemKindSubActivity
	}
	if t.ActivityID != nil {
		return *t.ActivityID, ItemKindActivity
	}
	return "", ""
}

// BillableQty is the quantity the monetary projection is based on: the
// planned quantity while assigned, the actual quantity afterwards (zero
// until re-entered).
func (t Task) BillableQty() decimal.Decimal {
	if t.State == TaskAssigned {
		return t.PlannedQty
	}
	if t.ActualQty == nil {
		return decimal.Zero
	}
	return *t.ActualQty
}

// ProjectedCost is unit cost times the billable quantity.
func (t Task) ProjectedCost() decimal.Decimal {
	return t.UnitCost.Mul(t.BillableQty())
}

// ProjectedPrice is unit price times the billable quantity.
func (t Task) ProjectedPrice() decimal.Decimal {
	return t.UnitPrice.Mul(t.BillableQty())
}

// Payment statement states.
const (
	StatementDraft  = "draft"
	StatementIssued = "issued"
	StatementPaid   = "paid"
)

// PaymentStatement groups approved tasks into one payable invoice to a
// provider. ProviderID is nil while the draft is still neutral (not yet
// claimed by a provider). Issued and paid statements are immutable with
// respect to task membership.
type PaymentStatement struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name,omitempty"`
	State      string  `json:"state" enum:"draft,issued,paid"`
	ProviderID *string `json:"provider_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// StockConsumption records material consumed against a task in execution.
// Zone/segment labels are denormalized for traceability.
type StockConsumption struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	ProductCode  string          `json:"product_code"`
	ProductName  string          `json:"product_name"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
	ZoneLabel    string          `json:"zone_label,omitempty"`
	SegmentLabel string          `json:"segment_label,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

// Delivery is one flattened line item from the external logistics
// collaborator. Read-only.
type Delivery struct {
	ProductCode string          `json:"product_code"`
	ProductName string          `json:"product_name"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// MaterialBalance is delivered minus consumed for one product.
type MaterialBalance struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Delivered decimal.Decimal `json:"delivered"`
	Consumed  decimal.Decimal `json:"consumed"`
	Balance   decimal.Decimal `json:"balance"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a hashed credential for machine callers (mobile crews,
// logistics integrations). Subject is the principal the key acts as.
type APIKey struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
