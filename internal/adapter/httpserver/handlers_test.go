package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/testdock/internal/domain"
	"github.com/fairyhunter13/testdock/internal/usecase"
)

// staticVerifier resolves fixed tokens to fixed identities.
type staticVerifier map[string]domain.Identity

func (v staticVerifier) Verify(token string) (domain.Identity, error) {
	ident, ok := v[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrUnauthorized)
	}
	return ident, nil
}

type memRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Execution
}

func newMemRepo() *memRepo { return &memRepo{rows: make(map[string]domain.Execution)} }

func (m *memRepo) key(taskID, orgID string) string { return orgID + "/" + taskID }

func (m *memRepo) Upsert(_ domain.Context, e domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.key(e.TaskID, e.OrganizationID)] = e
	return nil
}

func (m *memRepo) Update(ctx domain.Context, e domain.Execution) error { return m.Upsert(ctx, e) }

func (m *memRepo) Get(_ domain.Context, taskID, orgID string) (domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[m.key(taskID, orgID)]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (m *memRepo) ListRecent(_ domain.Context, orgID string, _ int) ([]domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Execution
	for _, e := range m.rows {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) Delete(_ domain.Context, taskID, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(taskID, orgID)
	if _, ok := m.rows[k]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, k)
	return nil
}

type memQueue struct {
	mu   sync.Mutex
	msgs []domain.JobMessage
	err  error
}

func (q *memQueue) EnqueueRun(_ domain.Context, msg domain.JobMessage) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) PublishUpdate(domain.Context, domain.Execution) error { return nil }
func (nopNotifier) PublishLog(domain.Context, string, string, string) error {
	return nil
}

type apiFixture struct {
	repo   *memRepo
	queue  *memQueue
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := newMemRepo()
	queue := &memQueue{}
	svc := usecase.NewExecutionService(repo, queue, nopNotifier{})
	h := NewExecutionHandler(svc)
	verifier := staticVerifier{
		"token-a": {UserID: "user-a", OrganizationID: "org-a", Role: "member"},
		"token-b": {UserID: "user-b", OrganizationID: "org-b", Role: "member"},
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(verifier))
		r.Post("/api/execution-request", h.Submit)
		r.Get("/api/executions", h.List)
		r.Get("/api/executions/{taskId}", h.Get)
		r.Delete("/api/executions/{taskId}", h.Delete)
		r.Get("/api/auth/me", h.Me)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{repo: repo, queue: queue, server: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) (code string) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error.Code
}

func validSubmitBody() map[string]any {
	return map[string]any{
		"taskId":  "task-1",
		"image":   "registry.local/suite:1",
		"command": "npm test",
		"config": map[string]any{
			"environment":   "test",
			"retryAttempts": 1,
		},
	}
}

func TestSubmitRequiresToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/execution-request", "", validSubmitBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH", decodeError(t, resp))
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", validSubmitBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var out usecase.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "queued", out.Status)
	assert.Equal(t, "task-1", out.TaskID)

	require.Len(t, f.queue.msgs, 1)
	// The organization comes from the token, never from the body.
	assert.Equal(t, "org-a", f.queue.msgs[0].OrganizationID)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	body := validSubmitBody()
	delete(body, "image")
	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decodeError(t, resp))
}

func TestSubmitRejectsUnknownEnvironment(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	body := validSubmitBody()
	body["config"] = map[string]any{"environment": "chaos"}
	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decodeError(t, resp))
}

func TestSubmitRejectsExcessiveRetries(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	body := validSubmitBody()
	body["config"] = map[string]any{"environment": "test", "retryAttempts": 6}
	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", decodeError(t, resp))
}

func TestSubmitQueueDown(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.queue.err = domain.ErrQueueUnavailable

	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", validSubmitBody())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "QUEUE_UNAVAILABLE", decodeError(t, resp))

	// The rolled-back record must not be visible afterwards.
	get := f.do(t, http.MethodGet, "/api/executions/task-1", "token-a", nil)
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, get))
}

func TestGetMasksForeignOrganization(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", validSubmitBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// org-b probing org-a's task gets NOT_FOUND, not FORBIDDEN.
	probe := f.do(t, http.MethodGet, "/api/executions/task-1", "token-b", nil)
	assert.Equal(t, http.StatusNotFound, probe.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, probe))

	own := f.do(t, http.MethodGet, "/api/executions/task-1", "token-a", nil)
	assert.Equal(t, http.StatusOK, own.StatusCode)
	_ = own.Body.Close()
}

func TestListEmptyIsArray(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/executions", "token-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var execs []domain.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execs))
	assert.NotNil(t, execs)
	assert.Empty(t, execs)
}

func TestDeleteScopedToOrganization(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/execution-request", "token-a", validSubmitBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	foreign := f.do(t, http.MethodDelete, "/api/executions/task-1", "token-b", nil)
	assert.Equal(t, http.StatusNotFound, foreign.StatusCode)
	_ = foreign.Body.Close()

	own := f.do(t, http.MethodDelete, "/api/executions/task-1", "token-a", nil)
	require.Equal(t, http.StatusOK, own.StatusCode)
	var deleted struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(own.Body).Decode(&deleted))
	assert.True(t, deleted.Success)
	_ = own.Body.Close()

	gone := f.do(t, http.MethodGet, "/api/executions/task-1", "token-a", nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	_ = gone.Body.Close()
}

func TestMeReturnsUserAndOrganization(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/auth/me", "token-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var me struct {
		User struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"user"`
		Organization struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"organization"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "user-a", me.User.ID)
	assert.Equal(t, "member", me.User.Role)
	assert.Equal(t, "org-a", me.Organization.ID)
	assert.Equal(t, "org-a", me.Organization.Name)
}
