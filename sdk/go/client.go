package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	ProviderID     string  `json:"provider_id"`
	State          string  `json:"state"`
	Position       float64 `json:"position"`
	PlannedQty     string  `json:"planned_qty"`
	ActualQty      *string `json:"actual_qty,omitempty"`
	UnitCost       string  `json:"unit_cost"`
	UnitPrice      string  `json:"unit_price"`
	ProjectedCost  string  `json:"projected_cost"`
	ProjectedPrice string  `json:"projected_price"`
	StatementID    *string `json:"statement_id,omitempty"`
}

// Statement represents a payment statement.
type Statement struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name,omitempty"`
	State      string  `json:"state"`
	ProviderID *string `json:"provider_id,omitempty"`
}

// Material represents one product balance.
type Material struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Delivered string `json:"delivered"`
	Consumed  string `json:"consumed"`
	Balance   string `json:"balance"`
}

// Consumption represents one recorded material consumption.
type Consumption struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	ProductCode string `json:"product_code"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
}

// Board is the per-state column view.
type Board struct {
	Columns map[string][]Task `json:"columns"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTaskOptions for CreateTask. Exactly one of ActivityID/SubActivityID
// must be set.
type CreateTaskOptions struct {
	ProviderID    string `json:"provider_id"`
	ActivityID    string `json:"activity_id,omitempty"`
	SubActivityID string `json:"sub_activity_id,omitempty"`
	ZoneID        string `json:"zone_id"`
	SegmentID     string `json:"segment_id,omitempty"`
	PlannedQty    string `json:"planned_qty"`
	Comment       string `json:"comment,omitempty"`
}

// CreateTask creates a task in the assigned column.
func (c *Client) CreateTask(ctx context.Context, opts CreateTaskOptions) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), opts, &resp)
	return resp, err
}

// MoveTask moves a task to a state/index on the board.
func (c *Client) MoveTask(ctx context.Context, taskID, state string, index int) (Task, error) {
	body := map[string]any{"state": state, "index": index}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/move", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ConfirmTask confirms the work happened as planned.
func (c *Client) ConfirmTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/confirm", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Board returns the project board snapshot.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, c.projectPath("board"), nil, &resp)
	return resp, err
}

// Materials returns a provider's available material balances.
func (c *Client) Materials(ctx context.Context, providerID string) ([]Material, error) {
	var resp []Material
	endpoint := c.projectPath(fmt.Sprintf("providers/%s/materials", url.PathEscape(providerID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordConsumption records material consumed against a task.
func (c *Client) RecordConsumption(ctx context.Context, taskID, productCode, productName, quantity, unit string) (Consumption, error) {
	body := map[string]any{
		"product_code": productCode,
		"product_name": productName,
		"quantity":     quantity,
		"unit":         unit,
	}
	var resp Consumption
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/consumptions", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AllocateStatement attaches an approved task to its provider's draft.
func (c *Client) AllocateStatement(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/statement", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListStatements returns the project's payment statements.
func (c *Client) ListStatements(ctx context.Context, state string) ([]Statement, error) {
	endpoint := c.projectPath("statements")
	if state != "" {
		endpoint = fmt.Sprintf("%s?state=%s", endpoint, url.QueryEscape(state))
	}
	var resp []Statement
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
