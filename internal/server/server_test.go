package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workqueue/internal/db"
	"workqueue/internal/domain"
	"workqueue/internal/engine"
	"workqueue/internal/engine/machine"
	"workqueue/internal/migrate"
	"workqueue/internal/peers"
	"workqueue/internal/query"
	"workqueue/internal/repo"
)

const testSecret = "test-secret"

type stubDocuments struct{}

func (stubDocuments) List(_ context.Context, applicationID string) ([]peers.Document, error) {
	return []peers.Document{{ID: "doc-1", Type: "passport", FileName: applicationID + ".pdf", Status: "Verified"}}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	store := repo.Repo{DB: conn}
	handler, err := New(Config{
		Engine:    engine.New(store, machine.DefaultPolicy(), nil),
		Query:     query.New(store),
		Documents: stubDocuments{},
		Auth:      AuthConfig{JWTSecret: testSecret, TrustHeaders: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

type caller struct {
	id, name, roles string
}

var (
	admin      = caller{"admin-1", "Alice Admin", "Admin"}
	reviewer   = caller{"rev-1", "Rob Reviewer", "Reviewer"}
	compliance = caller{"cm-1", "Carla Compliance", "ComplianceManager"}
	other      = caller{"rev-2", "Rita Reviewer", "Reviewer"}
)

func do(t *testing.T, srv *httptest.Server, who *caller, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+basePath+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who != nil {
		req.Header.Set("X-User-Id", who.id)
		req.Header.Set("X-User-Name", who.name)
		req.Header.Set("X-User-Roles", who.roles)
	}
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func createItem(t *testing.T, srv *httptest.Server, risk string) domain.WorkItem {
	t.Helper()
	status, data := do(t, srv, &admin, http.MethodPost, "", map[string]any{
		"applicationId": "app-42",
		"applicantName": "Grace Hopper",
		"country":       "us",
		"riskLevel":     risk,
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	return decode[domain.WorkItem](t, data)
}

func TestHighRiskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "High")
	assert.Equal(t, "WI-000001", item.HumanNumber)
	assert.Equal(t, "US", item.Country)
	assert.True(t, item.RequiresApproval)

	steps := []struct {
		who    caller
		path   string
		body   any
		status domain.Status
	}{
		{admin, "/assign", map[string]string{"assignedToUserId": reviewer.id, "assignedToUserName": reviewer.name}, domain.StatusAssigned},
		{reviewer, "/start-review", nil, domain.StatusInProgress},
		{reviewer, "/submit-for-approval", map[string]string{"notes": "EDD done"}, domain.StatusPendingApproval},
		{compliance, "/approve", nil, domain.StatusApproved},
		{reviewer, "/complete", map[string]string{"notes": "done"}, domain.StatusCompleted},
	}
	for i, step := range steps {
		who := step.who
		status, data := do(t, srv, &who, http.MethodPost, "/"+item.ID+step.path, step.body)
		require.Equal(t, http.StatusOK, status, "%s: %s", step.path, data)
		res := decode[MutationResponse](t, data)
		assert.Equal(t, step.status, res.Status)
		assert.Equal(t, item.ID, res.ID)
		assert.Equal(t, int64(i+2), res.Version)
		assert.NotEmpty(t, res.Message)
	}

	status, data := do(t, srv, &reviewer, http.MethodGet, "/"+item.ID+"/history", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]domain.HistoryEntry](t, data), len(steps))

	status, data = do(t, srv, &reviewer, http.MethodGet, "/"+item.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[domain.WorkItem](t, data)
	require.NotNil(t, got.NextRefreshAt)
	assert.Equal(t, got.CompletedAt.AddDate(1, 0, 0), *got.NextRefreshAt)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "High")

	cases := []struct {
		name   string
		who    *caller
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing identity", nil, http.MethodGet, "/" + item.ID, nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"unknown item", &reviewer, http.MethodGet, "/does-not-exist", nil, http.StatusNotFound, "NOT_FOUND"},
		{"invalid transition", &compliance, http.MethodPost, "/" + item.ID + "/approve", nil, http.StatusBadRequest, "INVALID_STATE_TRANSITION"},
		{"decline without reason", &compliance, http.MethodPost, "/" + item.ID + "/decline", map[string]string{"reason": " "}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"intake needs admin", &reviewer, http.MethodPost, "", map[string]string{"applicationId": "app-9"}, http.StatusForbidden, "FORBIDDEN"},
		{"bad page size", &reviewer, http.MethodGet, "?pageSize=500", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad overdue flag", &reviewer, http.MethodGet, "?isOverdue=maybe", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"pending approvals need role", &reviewer, http.MethodGet, "/pending-approvals", nil, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, data := do(t, srv, tc.who, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, status, string(data))
			body := decode[map[string]string](t, data)
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestNotAssigneeAndForbiddenApproval(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "Critical")

	status, _ := do(t, srv, &admin, http.MethodPost, "/"+item.ID+"/assign", map[string]string{"assignedToUserId": reviewer.id})
	require.Equal(t, http.StatusOK, status)

	status, data := do(t, srv, &other, http.MethodPost, "/"+item.ID+"/start-review", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "UNAUTHORIZED", decode[map[string]string](t, data)["code"])

	for _, path := range []string{"/start-review", "/submit-for-approval"} {
		status, data = do(t, srv, &reviewer, http.MethodPost, "/"+item.ID+path, nil)
		require.Equal(t, http.StatusOK, status, string(data))
	}
	status, data = do(t, srv, &reviewer, http.MethodPost, "/"+item.ID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", decode[map[string]string](t, data)["code"])
}

func TestQueriesAndComments(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "Low")
	createItem(t, srv, "High")

	status, data := do(t, srv, &admin, http.MethodPost, "/"+item.ID+"/assign", map[string]string{"assignedToUserId": reviewer.id})
	require.Equal(t, http.StatusOK, status, string(data))

	status, data = do(t, srv, &reviewer, http.MethodGet, "/my-items", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	page := decode[PageResponse](t, data)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, item.ID, page.Items[0].ID)
	assert.Equal(t, 20, page.PageSize)

	status, data = do(t, srv, &reviewer, http.MethodGet, "?riskLevel=High", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, 1, decode[PageResponse](t, data).Total)

	status, data = do(t, srv, &reviewer, http.MethodPost, "/"+item.ID+"/comments", map[string]string{"text": "waiting on utility bill"})
	require.Equal(t, http.StatusCreated, status, string(data))
	status, data = do(t, srv, &reviewer, http.MethodGet, "/"+item.ID+"/comments", nil)
	require.Equal(t, http.StatusOK, status)
	comments := decode[[]domain.Comment](t, data)
	require.Len(t, comments, 1)
	assert.Equal(t, reviewer.id, comments[0].CreatedBy)

	status, data = do(t, srv, &reviewer, http.MethodGet, "/"+item.ID+"/documents", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Len(t, decode[[]peers.Document](t, data), 1)

	status, data = do(t, srv, &compliance, http.MethodGet, "/pending-approvals", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Zero(t, decode[PageResponse](t, data).Total)

	status, _ = do(t, srv, &reviewer, http.MethodGet, "/due-for-refresh?asOfDate=2030-01-01", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAssignBodyNamesAssignee(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "Low")

	status, data := do(t, srv, &admin, http.MethodPost, "/"+item.ID+"/assign", map[string]string{
		"assignedToUserId":   reviewer.id,
		"assignedToUserName": reviewer.name,
	})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, domain.StatusAssigned, decode[MutationResponse](t, data).Status)

	status, data = do(t, srv, &reviewer, http.MethodGet, "/"+item.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[domain.WorkItem](t, data)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, reviewer.id, *got.AssignedTo)
	require.NotNil(t, got.AssignedToName)
	assert.Equal(t, reviewer.name, *got.AssignedToName)

	status, data = do(t, srv, &admin, http.MethodPost, "/"+item.ID+"/assign", map[string]string{"userId": other.id})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", decode[map[string]string](t, data)["code"])
}

func TestDueForRefreshAsOfDate(t *testing.T) {
	srv := newTestServer(t)
	item := createItem(t, srv, "Low")
	for _, step := range []struct {
		who  caller
		path string
		body any
	}{
		{admin, "/assign", map[string]string{"assignedToUserId": reviewer.id}},
		{reviewer, "/start-review", nil},
		{reviewer, "/complete", nil},
	} {
		who := step.who
		status, data := do(t, srv, &who, http.MethodPost, "/"+item.ID+step.path, step.body)
		require.Equal(t, http.StatusOK, status, "%s: %s", step.path, data)
	}

	status, data := do(t, srv, &reviewer, http.MethodGet, "/due-for-refresh", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Zero(t, decode[PageResponse](t, data).Total)

	status, data = do(t, srv, &reviewer, http.MethodGet, "/due-for-refresh?asOfDate=2099-01-01", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	page := decode[PageResponse](t, data)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, item.ID, page.Items[0].ID)

	status, data = do(t, srv, &reviewer, http.MethodGet, "/due-for-refresh?asOfDate=someday", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", decode[map[string]string](t, data)["code"])
}

func TestJWTIdentity(t *testing.T) {
	srv := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-jwt", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Name:             "Jwt Admin",
		Roles:            []string{"admin"},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"applicationId": "app-jwt"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+basePath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+basePath, nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	res, err = srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestHealthNeedsNoIdentity(t *testing.T) {
	srv := newTestServer(t)
	status, data := do(t, srv, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}
