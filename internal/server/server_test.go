package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

type testServer struct {
	URL      string
	Engine   engine.Engine
	Provider domain.Provider
	Zone     domain.Zone
	Activity domain.Activity
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitProject(ctx, cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	provider, err := e.CreateProvider(ctx, "Crew One", "TAX-1")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	zone, err := e.CreateZone(ctx, cfg.Project.ID, "North")
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	activity, err := e.CreateActivity(ctx, cfg.Project.ID, "Trenching", "m", decimal.NewFromInt(800))
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if _, err := e.SetTariff(ctx, cfg.Project.ID, provider.ID, activity.ID, domain.ItemKindActivity, decimal.NewFromInt(500), "tester"); err != nil {
		t.Fatalf("set tariff: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Provider: provider,
		Zone:     zone,
		Activity: activity,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestTaskApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	createRes, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"provider_id": srv.Provider.ID,
		"activity_id": srv.Activity.ID,
		"zone_id":     srv.Zone.ID,
		"planned_qty": "10",
	}, actorHeaders())
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.UnitCost != "500" || created.UnitPrice != "800" {
		t.Fatalf("expected pricing 500/800, got %s/%s", created.UnitCost, created.UnitPrice)
	}
	if created.ProjectedCost != "5000" {
		t.Fatalf("expected projected cost 5000, got %s", created.ProjectedCost)
	}

	moveRes, moveBody := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/move", map[string]any{
		"state": "in_execution",
	}, actorHeaders())
	if moveRes.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", moveRes.StatusCode, string(moveBody))
	}
	var inExec TaskResponse
	if err := json.Unmarshal(moveBody, &inExec); err != nil {
		t.Fatalf("unmarshal moved task: %v", err)
	}
	if inExec.ActualQty == nil || *inExec.ActualQty != "0" {
		t.Fatalf("expected actual 0 on entering execution, got %v", inExec.ActualQty)
	}

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, base+"/tasks/"+created.ID, map[string]any{
		"actual_qty": "7",
	}, actorHeaders())
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchBody))
	}

	approveRes, approveBody := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/move", map[string]any{
		"state": "approved",
	}, actorHeaders())
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveBody))
	}
	var approved TaskResponse
	if err := json.Unmarshal(approveBody, &approved); err != nil {
		t.Fatalf("unmarshal approved task: %v", err)
	}
	if approved.StatementID == nil {
		t.Fatalf("expected statement allocated on approval")
	}
	if approved.ProjectedCost != "3500" {
		t.Fatalf("expected projected cost 3500, got %s", approved.ProjectedCost)
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/move", map[string]any{
		"state": "in_execution",
	}, actorHeaders())
	if badRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on approved -> in_execution, got %d: %s", badRes.StatusCode, string(badBody))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(badBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestPlanningFrozenOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"provider_id": srv.Provider.ID,
		"activity_id": srv.Activity.ID,
		"zone_id":     srv.Zone.ID,
		"planned_qty": "4",
	}, actorHeaders())
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if res, body := doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/confirm", nil, actorHeaders()); res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(body))
	}

	res, body := doJSON(t, client, http.MethodPatch, base+"/tasks/"+created.ID, map[string]any{
		"planned_qty": "9",
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for frozen planning field, got %d: %s", res.StatusCode, string(body))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "state_conflict" {
		t.Fatalf("expected state_conflict, got %q", envelope.Error.Code)
	}
}

func TestResolveTariffEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodGet,
		base+"/tariffs/resolve?provider_id="+srv.Provider.ID+"&item_id="+srv.Activity.ID+"&item_kind=activity",
		nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var price PriceResponse
	if err := json.Unmarshal(data, &price); err != nil {
		t.Fatalf("unmarshal price: %v", err)
	}
	if price.UnitCost != "500" || price.UnitPrice != "800" {
		t.Fatalf("expected 500/800, got %s/%s", price.UnitCost, price.UnitPrice)
	}

	other, err := srv.Engine.CreateProvider(context.Background(), "Crew Two", "TAX-2")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet,
		base+"/tariffs/resolve?provider_id="+other.ID+"&item_id="+srv.Activity.ID+"&item_kind=activity",
		nil, actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for uncontracted pair, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_contracted" {
		t.Fatalf("expected not_contracted, got %q", envelope.Error.Code)
	}
}

func TestBoardEndpointOrdering(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	var ids []string
	for i := 0; i < 2; i++ {
		_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
			"provider_id": srv.Provider.ID,
			"activity_id": srv.Activity.ID,
			"zone_id":     srv.Zone.ID,
			"planned_qty": "1",
		}, actorHeaders())
		var created TaskResponse
		if err := json.Unmarshal(data, &created); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
		ids = append(ids, created.ID)
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/board", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var board BoardResponse
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	col := board.Columns["assigned"]
	if len(col) != 2 {
		t.Fatalf("expected 2 assigned tasks, got %d", len(col))
	}
	if col[0].ID != ids[0] || col[1].ID != ids[1] {
		t.Fatalf("expected creation order %v, got %s,%s", ids, col[0].ID, col[1].ID)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	key := "machine-key-1"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.NewString(),
		Subject:   "logistics-bot",
		Name:      "logistics",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestStatementLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/statements", map[string]any{
		"provider_id": srv.Provider.ID,
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("allocate status %d: %s", res.StatusCode, string(data))
	}
	var s StatementResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal statement: %v", err)
	}
	if s.Code != "EP-001" {
		t.Fatalf("expected code EP-001, got %s", s.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/statements/"+s.ID+"/issue", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/statements/"+s.ID+"/pay", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pay status %d: %s", res.StatusCode, string(data))
	}
	var paid StatementResponse
	_ = json.Unmarshal(data, &paid)
	if paid.State != "paid" {
		t.Fatalf("expected paid, got %s", paid.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/statements/"+s.ID+"/issue", nil, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict re-issuing paid statement, got %d: %s", res.StatusCode, string(data))
	}
}
