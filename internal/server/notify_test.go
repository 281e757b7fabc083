package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cycleline/internal/config"
	"cycleline/internal/db"
	"cycleline/internal/engine"
	"cycleline/internal/migrate"
)

func newNotifyEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1")
	e := engine.New(conn, cfg)
	if _, err := e.InitCycle(context.Background(), "cycle-1", "", "boss"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return e
}

func TestNotifierDeliversMatchingEvents(t *testing.T) {
	e := newNotifyEngine(t)

	var mu sync.Mutex
	var delivered []notifyEvent
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt notifyEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			t.Errorf("bad delivery body: %v", err)
		}
		if r.Header.Get("X-Cycleline-Event") != evt.Type {
			t.Errorf("event header %q does not match body type %q", r.Header.Get("X-Cycleline-Event"), evt.Type)
		}
		mu.Lock()
		delivered = append(delivered, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	a, err := e.CreateAssignment(context.Background(), engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ToUser:         "tess",
		Title:          "Provide extracts",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}

	n := &notifier{
		engine: e,
		cycle:  "cycle-1",
		endpoints: []config.NotificationEndpoint{
			{Name: "sink", URL: sink.URL, Events: []string{"assignment.created"}},
		},
		client:  &http.Client{Timeout: time.Second},
		cursors: map[int]int64{0: 0},
	}
	n.dispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("expected one filtered delivery, got %d", len(delivered))
	}
	if delivered[0].Type != "assignment.created" || delivered[0].EntityID != a.ID {
		t.Fatalf("unexpected delivery: %+v", delivered[0])
	}
}

func TestNotifierStopsOnContextCancel(t *testing.T) {
	e := newNotifyEngine(t)
	n := &notifier{
		engine:  e,
		cycle:   "cycle-1",
		client:  &http.Client{Timeout: time.Second},
		cursors: map[int]int64{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("notifier did not stop after cancel")
	}
}
