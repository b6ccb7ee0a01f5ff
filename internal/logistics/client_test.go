package logistics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldline/internal/logistics"
)

func TestDeliveriesFlattensDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/projects/proj-1/providers/prov-1/deliveries" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Fatalf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[
			{"id":"doc-1","items":[
				{"product_code":"CABLE-10","product_name":"Cable 10mm","unit":"m","quantity":"60"},
				{"product_code":"POLE-8","product_name":"Pole 8m","unit":"un","quantity":"4"}
			]},
			{"id":"doc-2","items":[
				{"product_code":"CABLE-10","product_name":"Cable 10mm","unit":"m","quantity":"40"}
			]}
		]}`))
	}))
	defer srv.Close()

	c := logistics.New(srv.URL, "secret")
	items, err := c.Deliveries(context.Background(), "prov-1", "proj-1")
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 flattened lines, got %d", len(items))
	}
	if items[0].ProductCode != "CABLE-10" || items[0].Quantity.String() != "60" {
		t.Fatalf("unexpected first line: %+v", items[0])
	}
}

func TestDeliveriesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := logistics.New(srv.URL, "")
	_, err := c.Deliveries(context.Background(), "prov-1", "proj-1")
	var apiErr *logistics.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: %d", apiErr.StatusCode)
	}
}
