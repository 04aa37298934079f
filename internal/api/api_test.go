package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/klytics/sheetkit/internal/app"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/model"
)

func init() { gin.SetMode(gin.TestMode) }

type env struct {
	t   *testing.T
	app *app.App
	srv http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.DB.Path = filepath.Join(dir, "sheetkit.db")
	cfg.KV.InMemory = true
	cfg.Auth.JWTSecret = "test-secret-0123456789"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Audit.FilePath = filepath.Join(dir, "audit.log")
	cfg.Audit.ArchivePath = filepath.Join(dir, "audit-archive.log")
	cfg.Patch.Dir = filepath.Join(dir, "patches")
	cfg.Patch.InstallDir = filepath.Join(dir, "installed")

	a, err := app.New(cfg, nil, "1.0.0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return &env{t: t, app: a, srv: a.Router()}
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *env) login(username string) string {
	e.t.Helper()
	rec := e.do("POST", "/auth/register", "", map[string]string{
		"username": username, "email": username + "@example.com", "password": "correct-horse",
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do("POST", "/auth/login", "", map[string]string{"username": username, "password": "correct-horse"})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[struct {
		Token string `json:"token"`
	}](e.t, rec).Token
}

type idOnly struct {
	ID string `json:"id"`
}

func (e *env) workbook(token, name string) (wbID, wsID string) {
	e.t.Helper()
	rec := e.do("POST", "/workbooks", token, map[string]string{"name": name})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	wbID = decode[idOnly](e.t, rec).ID
	rec = e.do("GET", "/workbooks/"+wbID+"/worksheets", token, nil)
	require.Equal(e.t, http.StatusOK, rec.Code)
	sheets := decode[[]idOnly](e.t, rec)
	require.Len(e.t, sheets, 1)
	return wbID, sheets[0].ID
}

func TestAuthFlow(t *testing.T) {
	e := newEnv(t)

	rec := e.do("GET", "/workbooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := e.login("alice")
	rec = e.do("GET", "/workbooks", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do("POST", "/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do("POST", "/auth/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do("POST", "/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do("GET", "/workbooks", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

type cellBody struct {
	Value   string `json:"value"`
	Formula string `json:"formula"`
	Version int64  `json:"version"`
}

func TestCellsAndRecalculation(t *testing.T) {
	e := newEnv(t)
	token := e.login("alice")
	wb, ws := e.workbook(token, "Budget")
	base := "/workbooks/" + wb + "/worksheets/" + ws

	rec := e.do("PUT", base+"/cells/A1", token, map[string]any{"value": "2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do("PUT", base+"/cells/A2", token, map[string]any{"value": "=A1*3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "6", decode[cellBody](t, rec).Value)

	rec = e.do("PUT", base+"/cells/A1", token, map[string]any{"value": "5"})
	require.Equal(t, http.StatusOK, rec.Code)
	a1 := decode[cellBody](t, rec)

	rec = e.do("GET", base+"/cells/A2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "15", decode[cellBody](t, rec).Value)

	stale := a1.Version - 1
	rec = e.do("PUT", base+"/cells/A1", token, map[string]any{"value": "9", "expected_version": stale})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do("PUT", base+"/cells/ZZZZ0", token, map[string]any{"value": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("GET", base+"/range/A1/A2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]cellBody](t, rec), 2)

	rec = e.do("GET", "/workbooks/"+wb+"/export?format=csv", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5\n15\n", rec.Body.String())

	rec = e.do("DELETE", base, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "last worksheet cannot be deleted")
}

func TestCellFormats(t *testing.T) {
	e := newEnv(t)
	token := e.login("alice")
	wb, ws := e.workbook(token, "Styled")
	base := "/workbooks/" + wb + "/worksheets/" + ws + "/format/"

	rec := e.do("PUT", base+"A1:B1", token, map[string]any{"bold": true, "fill_color": "#FFEE00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[map[string]int](t, rec)["changed"])

	rec = e.do("GET", base+"A1:C3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]model.CellFormat](t, rec)
	assert.Len(t, got, 2)
	assert.True(t, got["B1"].Bold)

	rec = e.do("PUT", base+"A1", token, map[string]any{"vertical_alignment": "middle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("DELETE", base+"A1:B1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["changed"])
}

func TestSharing(t *testing.T) {
	e := newEnv(t)
	owner := e.login("alice")
	guest := e.login("bob")
	wb, ws := e.workbook(owner, "Plan")

	rec := e.do("GET", "/workbooks/"+wb, guest, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do("POST", "/workbooks/"+wb+"/collaborators", owner, map[string]any{"user": "bob", "permission": "ReadOnly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do("GET", "/workbooks/"+wb, guest, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do("PUT", "/workbooks/"+wb+"/worksheets/"+ws+"/cells/A1", guest, map[string]any{"value": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do("GET", "/workbooks/"+wb+"/collaborators", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]json.RawMessage](t, rec), 1)

	rec = e.do("GET", "/workbooks/missing/collaborators", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do("GET", "/workbooks/"+wb+"/classification", guest, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do("POST", "/workbooks/"+wb+"/protect", guest, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFormulaEndpoints(t *testing.T) {
	e := newEnv(t)
	token := e.login("alice")
	wb, ws := e.workbook(token, "Calc")

	rec := e.do("POST", "/formula/validate", token, map[string]string{"formula": "=SUM(A1:A3"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[struct {
		Valid bool `json:"valid"`
	}](t, rec).Valid)

	rec = e.do("GET", "/formula/functions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]json.RawMessage](t, rec))

	rec = e.do("POST", "/formula/evaluate", token, map[string]string{"workbook_id": wb, "worksheet_id": ws, "formula": "=1/0"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]string](t, rec)
	assert.Equal(t, "#DIV/0!", res["value"])
	assert.NotEmpty(t, res["error"])

	rec = e.do("POST", "/formula/evaluate", token, map[string]string{"workbook_id": wb, "worksheet_id": ws, "formula": "=2+3"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", decode[map[string]string](t, rec)["value"])
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t)
	user := e.login("alice")

	rec := e.do("GET", "/admin/audit", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := e.app.Auth.CreateAdmin(context.Background(), "root", "root@example.com", "correct-horse")
	require.NoError(t, err)
	rec = e.do("POST", "/auth/login", "", map[string]string{"username": "root", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	admin := decode[map[string]any](t, rec)["token"].(string)

	rec = e.do("GET", "/admin/audit?page_size=10", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Total int `json:"total"`
	}](t, rec)
	assert.Positive(t, page.Total)

	rec = e.do("GET", "/admin/audit?start=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("POST", "/incidents", user, map[string]string{"title": "Leaked sheet", "severity": "High"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inc := decode[idOnly](t, rec)

	rec = e.do("PUT", "/incidents/"+inc.ID+"/status", user, map[string]string{"status": "Resolved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do("PUT", "/incidents/"+inc.ID+"/status", admin, map[string]string{"status": "Investigating"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do("POST", "/incidents/"+inc.ID+"/escalate", admin, map[string]string{"severity": "Low", "reason": "nah"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("POST", "/admin/patches/check", admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no feed configured")

	rec = e.do("GET", "/admin/usage", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		TotalEvents int `json:"total_events"`
	}](t, rec)
	assert.Positive(t, stats.TotalEvents)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	rec := e.do("GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.0.0", decode[map[string]string](t, rec)["version"])

	req := httptest.NewRequest("GET", "/metrics", nil)
	mrec := httptest.NewRecorder()
	e.srv.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "sheetkit_http_requests_total")
}
