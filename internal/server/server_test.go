package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"tempoline/internal/config"
	"tempoline/internal/db"
	"tempoline/internal/engine"
	"tempoline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitOrg(context.Background(), "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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

func setupChain(t *testing.T, srv *testServer) (ProductResponse, ValueChainResponse) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/products", map[string]any{"name": "launch"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create product: %d %s", res.StatusCode, string(data))
	}
	var p ProductResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal product: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/products/"+p.ID+"/chains", map[string]any{"name": "build"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create chain: %d %s", res.StatusCode, string(data))
	}
	var v ValueChainResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	return p, v
}

func TestPredecessorEndPropagatesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, v := setupChain(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/chains/"+v.ID+"/tasks", map[string]any{"name": "design"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var a TaskResponse
	_ = json.Unmarshal(data, &a)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/chains/"+v.ID+"/tasks", map[string]any{
		"name":            "implement",
		"predecessor_ids": []string{a.ID},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create successor: %d %s", res.StatusCode, string(data))
	}
	var b TaskResponse
	_ = json.Unmarshal(data, &b)
	if b.AvailableDate != nil {
		t.Fatalf("successor must start unavailable, got %v", b.AvailableDate)
	}

	end := "2030-01-01T10:00:00Z"
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+a.ID, map[string]any{"end_date": end}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end predecessor: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+b.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get successor: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &b)
	if b.AvailableDate == nil || b.AvailableDate.Format("2006-01-02T15:04:05Z") != end {
		t.Fatalf("expected successor available at %s, got %v", end, b.AvailableDate)
	}
}

func TestTrackerOverlapReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, v := setupChain(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/chains/"+v.ID+"/tasks", map[string]any{"name": "work"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/assignments", map[string]any{
		"collaborator_id": "alice",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assignment: %d %s", res.StatusCode, string(data))
	}
	var a AssignmentResponse
	_ = json.Unmarshal(data, &a)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trackers", map[string]any{
		"assignment_id":   a.ID,
		"collaborator_id": "alice",
		"start":           "2030-01-01T09:00:00Z",
		"end":             "2030-01-01T11:00:00Z",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first tracker: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trackers", map[string]any{
		"assignment_id":   a.ID,
		"collaborator_id": "alice",
		"start":           "2030-01-01T10:00:00Z",
		"end":             "2030-01-01T12:00:00Z",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != engine.KindTrackerOverlap {
		t.Fatalf("expected code %s, got %q: %s", engine.KindTrackerOverlap, envelope.Error.Code, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/products", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"org_id":   "org-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with token: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}
}
