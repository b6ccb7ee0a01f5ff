// Package logistics talks to the external warehouse system that records
// material deliveries to provider crews. Read-only: the document of record
// lives on the logistics side, this side only reconciles against it.
package logistics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
)

// Client fetches delivery documents over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("logistics api error: status=%d body=%s", e.StatusCode, e.Body)
}

// deliveryDocument mirrors the logistics wire format: documents own line
// items; the reconciliation engine only needs the flattened items.
type deliveryDocument struct {
	ID    string `json:"id"`
	Items []struct {
		ProductCode string          `json:"product_code"`
		ProductName string          `json:"product_name"`
		Unit        string          `json:"unit"`
		Quantity    decimal.Decimal `json:"quantity"`
	} `json:"items"`
}

// Deliveries returns the flattened delivery line items for a provider within
// a project.
func (c *Client) Deliveries(ctx context.Context, providerID, projectID string) ([]domain.Delivery, error) {
	endpoint := fmt.Sprintf("v0/projects/%s/providers/%s/deliveries",
		url.PathEscape(projectID), url.PathEscape(providerID))
	var resp struct {
		Items []deliveryDocument `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, &resp); err != nil {
		return nil, err
	}
	var out []domain.Delivery
	for _, doc := range resp.Items {
		for _, it := range doc.Items {
			out = append(out, domain.Delivery{
				ProductCode: it.ProductCode,
				ProductName: it.ProductName,
				Unit:        it.Unit,
				Quantity:    it.Quantity,
			})
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
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
