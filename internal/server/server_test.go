package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

type testServer struct {
	URL    string
	Token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.Token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("test-workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := app.Seed(context.Background(), e, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
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
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}

	res, body := doJSON(t, testSrv.client, http.MethodPost, testSrv.URL+"/v0/auth/login", map[string]any{
		"email":    "admin@flowdesk.local",
		"password": "changeme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		testSrv.Close()
		t.Fatalf("login status %d: %s", res.StatusCode, string(body))
	}
	var login LoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		testSrv.Close()
		t.Fatalf("unmarshal login: %v", err)
	}
	testSrv.Token = login.Token
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

func createTestUser(t *testing.T, srv *testServer, name, email, role string) domain.User {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"fullName": name,
		"email":    email,
		"password": "secret",
		"role":     role,
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(body))
	}
	var u domain.User
	if err := json.Unmarshal(body, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	return u
}

func createTestTask(t *testing.T, srv *testServer, ownerID string) domain.Task {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":       "Prepare quarterly report",
		"description": "Collect figures and assemble the report",
		"ownerId":     ownerID,
		"deadline":    "2024-02-01T00:00:00Z",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(body))
	}
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return task
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
}

func TestLoginBadPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    "admin@flowdesk.local",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")
	task := createTestTask(t, srv, worker.ID)
	if task.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "IN_PROGRESS",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change status %d: %s", res.StatusCode, string(body))
	}
	var updated domain.Task
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("uppercase literal should case-fold, got %s", updated.Status)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/progress", map[string]any{
		"progress": 40,
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "completed",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete %d: %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &updated)
	if updated.Progress != 100 {
		t.Fatalf("completed should force 100, got %d", updated.Progress)
	}

	// completed is terminal for the status endpoint
	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "pending",
	}, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(body))
	}
}

func TestUnknownStatusLiteralRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")
	task := createTestTask(t, srv, worker.ID)

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "paused",
	}, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
}

func TestProblemReportAndResolve(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")
	task := createTestTask(t, srv, worker.ID)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/problems", map[string]any{
		"description": "missing input data from finance",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report %d: %s", res.StatusCode, string(body))
	}
	var report ReportProblemResponse
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Notification.Severity != domain.SeverityWarning {
		t.Fatalf("expected warning severity, got %s", report.Notification.Severity)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems/"+report.Problem.ID+"/resolve", map[string]any{
		"resolution": "finance sent the data",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems/"+report.Problem.ID+"/resolve", map[string]any{
		"resolution": "again",
	}, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second resolve should conflict, got %d %s", res.StatusCode, string(body))
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    worker.Email,
		"password": "secret",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker login %d: %s", res.StatusCode, string(body))
	}
	var login LoginResponse
	_ = json.Unmarshal(body, &login)
	workerAuth := map[string]string{"Authorization": "Bearer " + login.Token}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/units", map[string]any{
		"name": "Operations",
	}, workerAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(body))
	}
}

func TestFlowInstantiationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/units", map[string]any{
		"name": "Operations",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create unit %d: %s", res.StatusCode, string(body))
	}
	var unit domain.Unit
	_ = json.Unmarshal(body, &unit)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows/templates", map[string]any{
		"name": "Employee Onboarding",
		"stages": []map[string]any{
			{"name": "Paperwork", "ownerRole": "FUNCTIONARY", "expectedDurationDays": 5},
		},
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template %d: %s", res.StatusCode, string(body))
	}
	var tpl domain.FlowTemplate
	if err := json.Unmarshal(body, &tpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}
	stageID := tpl.Stages[0].ID

	// every stage needs at least one task descriptor
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows/instances", map[string]any{
		"templateId":  tpl.ID,
		"name":        "Onboard Jamie",
		"ownerUnitId": unit.ID,
		"kickoffDate": "2024-01-01T00:00:00Z",
		"dueDate":     "2024-01-15T00:00:00Z",
		"tasks":       map[string]any{},
	}, srv.auth())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flows/instances", map[string]any{
		"templateId":  tpl.ID,
		"name":        "Onboard Jamie",
		"ownerUnitId": unit.ID,
		"kickoffDate": "2024-01-01T00:00:00Z",
		"dueDate":     "2024-01-15T00:00:00Z",
		"tasks": map[string]any{
			stageID: []map[string]any{
				{
					"title":       "Collect signed forms",
					"description": "All HR forms signed and filed",
					"ownerId":     worker.ID,
					"dueInDays":   3,
				},
			},
		},
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate %d: %s", res.StatusCode, string(body))
	}
	var inst domain.FlowInstance
	if err := json.Unmarshal(body, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if len(inst.Stages) != 1 {
		t.Fatalf("expected 1 stage status, got %d", len(inst.Stages))
	}
	if inst.Health != domain.HealthOnTrack {
		t.Fatalf("expected on_track, got %s", inst.Health)
	}

	// deleting a template in use conflicts
	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/flows/templates/"+tpl.ID, nil, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/flows/instances/"+inst.ID, nil, srv.auth())
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete instance %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flows/instances/"+inst.ID, nil, srv.auth())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %s", res.StatusCode, string(body))
	}
}

func TestAlertsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	worker := createTestUser(t, srv, "Worker", "worker@flowdesk.local", "FUNCTIONARY")
	task := createTestTask(t, srv, worker.ID)

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "blocked",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("block %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/alerts", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alerts %d: %s", res.StatusCode, string(body))
	}
	var notes []domain.Notification
	if err := json.Unmarshal(body, &notes); err != nil {
		t.Fatalf("unmarshal alerts: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(notes))
	}
	if notes[0].Severity != domain.SeverityDanger {
		t.Fatalf("blocked tasks alert with danger, got %s", notes[0].Severity)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/metrics", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(body))
	}
	var snapshots []domain.MetricSnapshot
	if err := json.Unmarshal(body, &snapshots); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if len(snapshots) != 0 {
		t.Fatalf("no tasks yet, expected empty snapshot list, got %d", len(snapshots))
	}
}
