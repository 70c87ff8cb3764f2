package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opsdeck/internal/advisor"
	"opsdeck/internal/config"
	"opsdeck/internal/db"
	"opsdeck/internal/engine"
	"opsdeck/internal/migrate"
	"opsdeck/internal/server"
	"opsdeck/internal/session"
)

type testAPI struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(""))
	coord := session.NewCoordinator(conn, session.DefaultKey, time.Second)
	handler, err := server.New(server.Config{
		Engine:      eng,
		Coordinator: coord,
		Advisor:     &advisor.Client{Model: "test"},
		Auth:        server.AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return testAPI{t: t, srv: srv}
}

func (a testAPI) doJSON(method, path, token string, body any, out any) int {
	a.t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, buf)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return res.StatusCode
}

func (a testAPI) login(userID, name, role string) string {
	a.t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	status := a.doJSON(http.MethodPost, "/v0/auth/dev/login", "", map[string]string{
		"user_id": userID,
		"name":    name,
		"role":    role,
	}, &out)
	if status != http.StatusOK {
		a.t.Fatalf("dev login returned %d", status)
	}
	return out.Token
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestNewRejectsPartialConfig(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(""))
	coord := session.NewCoordinator(conn, session.DefaultKey, time.Second)
	adv := &advisor.Client{Model: "test"}

	if _, err := server.New(server.Config{Coordinator: coord, Advisor: adv}); err == nil {
		t.Fatalf("missing engine should be rejected")
	}
	if _, err := server.New(server.Config{Engine: eng, Advisor: adv}); err == nil {
		t.Fatalf("missing coordinator should be rejected")
	}
	if _, err := server.New(server.Config{Engine: eng, Coordinator: coord}); err == nil {
		t.Fatalf("missing advisor should be rejected")
	}
	if _, err := server.New(server.Config{Engine: eng, Coordinator: coord, Advisor: adv}); err != nil {
		t.Fatalf("complete config rejected: %v", err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	api := newTestAPI(t)
	if status := api.doJSON(http.MethodGet, "/v0/health", "", nil, nil); status != http.StatusOK {
		t.Fatalf("health returned %d", status)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	api := newTestAPI(t)
	var envelope errorEnvelope
	status := api.doJSON(http.MethodGet, "/v0/projects", "", nil, &envelope)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
}

func TestProjectAndTaskFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("u-admin", "Tom Admin", "admin")

	var project struct {
		ID string `json:"id"`
	}
	status := api.doJSON(http.MethodPost, "/v0/projects", admin, map[string]string{"name": "falcon"}, &project)
	if status != http.StatusCreated || project.ID == "" {
		t.Fatalf("create project: status %d, id %q", status, project.ID)
	}

	var task struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	status = api.doJSON(http.MethodPost, "/v0/projects/"+project.ID+"/tasks", admin, map[string]any{
		"title":    "Wire up auth",
		"assignee": "Mike",
	}, &task)
	if status != http.StatusCreated {
		t.Fatalf("create task: status %d", status)
	}
	if task.Status != "todo" || task.Priority != "medium" {
		t.Fatalf("defaults not applied: %+v", task)
	}

	var moved struct {
		Status string `json:"status"`
	}
	status = api.doJSON(http.MethodPatch, "/v0/tasks/"+task.ID+"/status", admin, map[string]string{"status": "in_progress"}, &moved)
	if status != http.StatusOK || moved.Status != "in_progress" {
		t.Fatalf("move task: status %d, body %+v", status, moved)
	}

	var board struct {
		Columns []struct {
			Status string `json:"status"`
			Tasks  []struct {
				ID        string `json:"id"`
				Draggable bool   `json:"draggable"`
			} `json:"tasks"`
		} `json:"columns"`
	}
	status = api.doJSON(http.MethodGet, "/v0/projects/"+project.ID+"/board", admin, nil, &board)
	if status != http.StatusOK {
		t.Fatalf("board: status %d", status)
	}
	if len(board.Columns) != 4 {
		t.Fatalf("board should have 4 columns, got %d", len(board.Columns))
	}
	found := false
	for _, col := range board.Columns {
		for _, bt := range col.Tasks {
			if bt.ID == task.ID {
				found = true
				if col.Status != "in_progress" {
					t.Fatalf("task in wrong column %s", col.Status)
				}
				if !bt.Draggable {
					t.Fatalf("admin should see every task draggable")
				}
			}
		}
	}
	if !found {
		t.Fatalf("task missing from board")
	}
}

func TestEmployeeClearance(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("u-admin", "Tom Admin", "admin")
	employee := api.login("u-emp", "Mike Developer", "employee")

	var project struct {
		ID string `json:"id"`
	}
	api.doJSON(http.MethodPost, "/v0/projects", admin, map[string]string{"name": "falcon"}, &project)

	var envelope errorEnvelope
	status := api.doJSON(http.MethodPost, "/v0/projects/"+project.ID+"/tasks", employee, map[string]string{"title": "sneaky"}, &envelope)
	if status != http.StatusForbidden || envelope.Error.Code != "clearance_insufficient" {
		t.Fatalf("employee create task: status %d, code %q", status, envelope.Error.Code)
	}

	var task struct {
		ID string `json:"id"`
	}
	api.doJSON(http.MethodPost, "/v0/projects/"+project.ID+"/tasks", admin, map[string]any{"title": "mine", "assignee": "Mike"}, &task)

	envelope = errorEnvelope{}
	status = api.doJSON(http.MethodDelete, "/v0/tasks/"+task.ID, employee, nil, &envelope)
	if status != http.StatusForbidden || envelope.Error.Code != "clearance_insufficient" {
		t.Fatalf("employee delete: status %d, code %q", status, envelope.Error.Code)
	}

	// own-task move is allowed by the fuzzy assignee match
	var moved struct {
		Status string `json:"status"`
	}
	status = api.doJSON(http.MethodPatch, "/v0/tasks/"+task.ID+"/status", employee, map[string]string{"status": "review"}, &moved)
	if status != http.StatusOK || moved.Status != "review" {
		t.Fatalf("employee move own task: status %d, body %+v", status, moved)
	}
}

func TestMeetingFlow(t *testing.T) {
	api := newTestAPI(t)
	manager := api.login("u-mgr", "Sarah Lead", "manager")
	employee := api.login("u-emp", "Mike Developer", "employee")

	var state struct {
		Active bool `json:"active"`
	}
	api.doJSON(http.MethodGet, "/v0/meeting", employee, nil, &state)
	if state.Active {
		t.Fatalf("no meeting expected at start")
	}

	var envelope errorEnvelope
	status := api.doJSON(http.MethodPost, "/v0/meeting/start", employee, map[string]string{"topic": "Shadow"}, &envelope)
	if status != http.StatusForbidden || envelope.Error.Code != "clearance_insufficient" {
		t.Fatalf("employee start: status %d, code %q", status, envelope.Error.Code)
	}

	var meeting struct {
		ID           string   `json:"id"`
		Participants []string `json:"participants"`
	}
	status = api.doJSON(http.MethodPost, "/v0/meeting/start", manager, map[string]string{"topic": "Sprint Review"}, &meeting)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}

	envelope = errorEnvelope{}
	status = api.doJSON(http.MethodPost, "/v0/meeting/start", manager, map[string]string{"topic": "Again"}, &envelope)
	if status != http.StatusConflict || envelope.Error.Code != "meeting_active" {
		t.Fatalf("second start: status %d, code %q", status, envelope.Error.Code)
	}

	status = api.doJSON(http.MethodPost, "/v0/meeting/join", employee, nil, &meeting)
	if status != http.StatusOK || len(meeting.Participants) != 2 {
		t.Fatalf("join: status %d, participants %v", status, meeting.Participants)
	}

	envelope = errorEnvelope{}
	status = api.doJSON(http.MethodPost, "/v0/meeting/stop", employee, map[string]any{}, &envelope)
	if status != http.StatusForbidden || envelope.Error.Code != "not_host" {
		t.Fatalf("non-host stop: status %d, code %q", status, envelope.Error.Code)
	}

	var archived struct {
		ID         string   `json:"id"`
		Transcript []string `json:"transcript"`
	}
	status = api.doJSON(http.MethodPost, "/v0/meeting/stop", manager, map[string]any{"transcript": []string{"notes"}}, &archived)
	if status != http.StatusOK || archived.ID == "" {
		t.Fatalf("stop: status %d", status)
	}

	api.doJSON(http.MethodGet, "/v0/meeting", employee, nil, &state)
	if state.Active {
		t.Fatalf("meeting should be over")
	}

	var sessions []struct {
		ID string `json:"id"`
	}
	status = api.doJSON(http.MethodGet, "/v0/sessions", manager, nil, &sessions)
	if status != http.StatusOK || len(sessions) != 1 {
		t.Fatalf("sessions: status %d, count %d", status, len(sessions))
	}
}

func TestAdvisorDegradesWithoutEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("u-admin", "Tom Admin", "admin")

	var out struct {
		Draft struct {
			Title    string `json:"title"`
			Priority string `json:"priority"`
		} `json:"draft"`
		Degraded bool `json:"degraded"`
	}
	status := api.doJSON(http.MethodPost, "/v0/advisor/draft-task", admin, map[string]string{"brief": "add caching layer"}, &out)
	if status != http.StatusOK {
		t.Fatalf("draft-task: status %d", status)
	}
	if !out.Degraded {
		t.Fatalf("no endpoint configured, response should be degraded")
	}
	if out.Draft.Title != "add caching layer" || out.Draft.Priority != "medium" {
		t.Fatalf("fallback draft unexpected: %+v", out.Draft)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("u-admin", "Tom Admin", "admin")

	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	status := api.doJSON(http.MethodPost, "/v0/keys", admin, map[string]string{"name": "ci"}, &created)
	if status != http.StatusCreated || created.Key == "" {
		t.Fatalf("create key: status %d, key %q", status, created.Key)
	}

	req, _ := http.NewRequest(http.MethodGet, api.srv.URL+"/v0/me", nil)
	req.Header.Set("X-Api-Key", created.Key)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me with api key: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: status %d", res.StatusCode)
	}
	var me struct {
		UserID string `json:"user_id"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != "u-admin" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	var listed []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	api.doJSON(http.MethodGet, "/v0/keys", admin, nil, &listed)
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("list keys should never return plaintext: %+v", listed)
	}

	if status := api.doJSON(http.MethodDelete, "/v0/keys/"+created.ID, admin, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete key: status %d", status)
	}
}
