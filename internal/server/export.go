package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

const (
	defaultExportInterval = 2 * time.Second
	defaultExportTimeout  = 5 * time.Second
	defaultExportBatch    = 100
)

// exportDispatcher tails the event log and pushes matching events to the
// reporting collaborators configured under exports. Each endpoint keeps its
// own cursor; delivery failures stall that endpoint until the next tick.
type exportDispatcher struct {
	engine  engine.Engine
	project string
	exports []config.ExportConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartExportDispatcher begins background event export if any endpoints are
// configured. No-op otherwise.
func StartExportDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Exports) == 0 {
		return
	}
	projectID := e.Config.Project.ID
	if strings.TrimSpace(projectID) == "" {
		return
	}
	d := &exportDispatcher{
		engine:  e,
		project: projectID,
		exports: e.Config.Exports,
		client:  &http.Client{Timeout: defaultExportTimeout},
		cursors: make(map[int]int64),
	}
	go d.run()
}

func (d *exportDispatcher) run() {
	ticker := time.NewTicker(defaultExportInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *exportDispatcher) dispatchAll() {
	for i, ex := range d.exports {
		if ex.Enabled != nil && !*ex.Enabled {
			continue
		}
		if strings.TrimSpace(ex.URL) == "" {
			continue
		}
		d.dispatchExport(i, ex)
	}
}

func (d *exportDispatcher) dispatchExport(idx int, ex config.ExportConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultExportBatch, cursor, d.project)
	if err != nil {
		log.Printf("export: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(ex.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, ex, evt); err != nil {
			log.Printf("export: deliver to %s failed: %v", ex.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *exportDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	ctx := context.Background()
	cur, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		log.Printf("export: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *exportDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type exportEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *exportDispatcher) postEvent(ctx context.Context, ex config.ExportConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := exportEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultExportTimeout
	if ex.TimeoutSeconds > 0 {
		timeout = time.Duration(ex.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ex.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldline-Event", evt.Type)
	req.Header.Set("X-Fieldline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Fieldline-Project", d.project)
	if strings.TrimSpace(ex.Secret) != "" {
		req.Header.Set("X-Fieldline-Secret", ex.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
