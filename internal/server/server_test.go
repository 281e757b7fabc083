package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"cycleline/internal/config"
	"cycleline/internal/db"
	"cycleline/internal/engine"
	"cycleline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("cycle-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitCycle(context.Background(), cfg.Cycle.ID, "", "boss"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	srvCtx, cancel := context.WithCancel(context.Background())
	handler, err := New(srvCtx, Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		cancel()
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errCode(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code == "" {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
	return env
}

func asBoss(h map[string]string) map[string]string {
	if h == nil {
		h = map[string]string{}
	}
	h["X-User-Id"] = "boss"
	return h
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func createReport(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles/cycle-1/reports", map[string]any{
		"name":      "FR Y-14A",
		"lob":       "capital",
		"tester_id": "tess",
		"owner_id":  "owen",
	}, asBoss(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report: %d %s", res.StatusCode, string(data))
	}
	var rep map[string]any
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	id, _ := rep["id"].(string)
	if id == "" {
		t.Fatalf("expected report id in %s", string(data))
	}
	return id
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/assignments", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := errCode(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", env.Error.Code)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "ana",
		"roles":   []string{"tester"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
		Source string   `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "ana" || me.Source != "jwt" || len(me.Roles) != 1 || me.Roles[0] != "tester" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected invalid token rejection, got %d %s", res.StatusCode, string(data))
	}
}

func TestAssignmentLifecycleErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reportID := createReport(t, srv)
	client := srv.Client()

	createBody := map[string]any{
		"assignment_type": "information_request",
		"cycle_id":        "cycle-1",
		"report_id":       reportID,
		"phase_name":      "request_info",
		"to_user":         "tess",
		"title":           "Provide Q3 extracts",
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", createBody, asBoss(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assignment: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.ID == "" {
		t.Fatalf("unmarshal assignment: %v %s", err, string(data))
	}

	// duplicate scope
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", createBody, asBoss(nil))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := errCode(t, data)
	if env.Error.Code != "duplicate_active_assignment" {
		t.Fatalf("expected duplicate code, got %s", env.Error.Code)
	}
	if env.Error.Details["existing_id"] != created.ID {
		t.Fatalf("expected existing_id %s, got %v", created.ID, env.Error.Details)
	}

	// a bystander is not the addressee
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+created.ID+"/acknowledge", map[string]any{}, asUser("randy"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if env := errCode(t, data); env.Error.Code != "not_assigned" {
		t.Fatalf("expected not_assigned code, got %s", env.Error.Code)
	}

	// stale optimistic version
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+created.ID+"/acknowledge", map[string]any{
		"expected_version": 99,
	}, asUser("tess"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 stale, got %d %s", res.StatusCode, string(data))
	}
	if env := errCode(t, data); env.Error.Code != "stale_state" {
		t.Fatalf("expected stale_state code, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+created.ID+"/acknowledge", map[string]any{
		"expected_version": created.Version,
	}, asUser("tess"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+created.ID+"/complete", map[string]any{
		"notes": "sent by mail",
	}, asUser("tess"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	// completed rejects further lifecycle edges
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+created.ID+"/start", map[string]any{}, asUser("tess"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if env := errCode(t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/assignments/does-not-exist", nil, asBoss(nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestCompleteAssignmentPutAlias(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reportID := createReport(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", map[string]any{
		"assignment_type": "data_upload_request",
		"cycle_id":        "cycle-1",
		"report_id":       reportID,
		"phase_name":      "request_info",
		"to_user":         "dana",
		"title":           "Upload ledger extract",
	}, asBoss(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assignment: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.ID == "" {
		t.Fatalf("unmarshal assignment: %v %s", err, string(data))
	}

	// PUT is an accepted alias for the complete action
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/assignments/"+created.ID+"/complete", map[string]any{
		"completion_notes": "uploaded",
		"context_updates":  map[string]any{"rows": 42},
	}, asUser("dana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put complete: %d %s", res.StatusCode, string(data))
	}
	var done struct {
		Status  string         `json:"status"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.Context["rows"] != float64(42) {
		t.Fatalf("expected context updates applied, got %v", done.Context)
	}
}

func TestCompletePhaseNotReadyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reportID := createReport(t, srv)
	url := srv.URL + "/v0/cycles/cycle-1/reports/" + reportID + "/phases/data_profiling/complete"
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, nil, asBoss(nil))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := errCode(t, data)
	if env.Error.Code != "phase_not_ready" {
		t.Fatalf("expected phase_not_ready code, got %s", env.Error.Code)
	}
	if _, ok := env.Error.Details["missing_activities"]; !ok {
		t.Fatalf("expected missing_activities detail, got %v", env.Error.Details)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reportID := createReport(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/submit", map[string]any{
		"assignment_type": "rule_approval",
		"cycle_id":        "cycle-1",
		"report_id":       reportID,
		"phase_name":      "data_profiling",
		"items": []map[string]any{
			{"key": "ruleset-v1"},
		},
	}, asUser("tess"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var ap struct {
		Assignment struct {
			ID string `json:"id"`
		} `json:"assignment"`
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &ap); err != nil || len(ap.Items) != 1 {
		t.Fatalf("unmarshal approval: %v %s", err, string(data))
	}

	decideURL := srv.URL + "/v0/approvals/" + ap.Assignment.ID + "/items/" + ap.Items[0].ID + "/decide"
	res, data = doJSON(t, client, http.MethodPost, decideURL, map[string]any{
		"decision": "approved",
	}, asUser("owen"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decided struct {
		Assignment struct {
			Status string `json:"status"`
		} `json:"assignment"`
		AllApproved bool `json:"all_approved"`
	}
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decide: %v", err)
	}
	if !decided.AllApproved || decided.Assignment.Status != "approved" {
		t.Fatalf("expected approved resolution, got %s", string(data))
	}

	// resolved approvals have nothing to resubmit
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+ap.Assignment.ID+"/resubmit", map[string]any{}, asUser("tess"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 resubmit, got %d %s", res.StatusCode, string(data))
	}

	// phase status now reports the gate satisfied
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cycles/cycle-1/reports/"+reportID+"/phases/data_profiling/status", nil, asBoss(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status struct {
		Gates []struct {
			AssignmentType string `json:"assignment_type"`
			Satisfied      bool   `json:"satisfied"`
		} `json:"gates"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(status.Gates) != 1 || !status.Gates[0].Satisfied {
		t.Fatalf("expected satisfied rule_approval gate, got %s", string(data))
	}
}

func TestEventLogOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reportID := createReport(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cycle_id=cycle-1&report_id="+reportID, nil, asBoss(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("expected report.created event in %s", string(data))
	}
}
