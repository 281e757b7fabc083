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

	"cycleline/internal/config"
	"cycleline/internal/domain"
	"cycleline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

type notifier struct {
	engine    engine.Engine
	cycle     string
	endpoints []config.NotificationEndpoint
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

// startNotifier launches the background dispatcher. It stops when ctx is
// cancelled, so the embedding caller controls its lifetime.
func startNotifier(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications.Endpoints) == 0 {
		return
	}
	cycleID := e.Config.Cycle.ID
	if strings.TrimSpace(cycleID) == "" {
		return
	}
	n := &notifier{
		engine:    e,
		cycle:     cycleID,
		endpoints: e.Config.Notifications.Endpoints,
		client:    &http.Client{Timeout: defaultNotifyTimeout},
		cursors:   make(map[int]int64),
	}
	go n.run(ctx)
}

func (n *notifier) run(ctx context.Context) {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *notifier) dispatchAll(ctx context.Context) {
	for i, ep := range n.endpoints {
		if ep.Enabled != nil && !*ep.Enabled {
			continue
		}
		if strings.TrimSpace(ep.URL) == "" {
			continue
		}
		n.dispatchEndpoint(ctx, i, ep)
	}
}

func (n *notifier) dispatchEndpoint(ctx context.Context, idx int, ep config.NotificationEndpoint) {
	cursor := n.cursorFor(ctx, idx)
	events, err := n.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor, n.cycle)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(ep.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.postEvent(ctx, ep, evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", ep.URL, err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *notifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEventID(ctx, n.cycle)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifyEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CycleID    string          `json:"cycle_id"`
	ReportID   string          `json:"report_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (n *notifier) postEvent(ctx context.Context, ep config.NotificationEndpoint, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := notifyEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		CycleID:    evt.CycleID,
		ReportID:   evt.ReportID,
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
	timeout := defaultNotifyTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cycleline-Event", evt.Type)
	req.Header.Set("X-Cycleline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Cycleline-Cycle", n.cycle)
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-Cycleline-Secret", ep.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
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
