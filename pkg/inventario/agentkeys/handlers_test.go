package agentkeys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/events"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/labinventario/inventario/pkg/inventario/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

type handlerFixture struct {
	db      *gorm.DB
	store   *GormStore
	metrics *observability.Metrics
	events  *events.Recorder
	router  *gin.Engine
	admin   models.User
}

func setupHandler(t *testing.T, installerPath string) *handlerFixture {
	gin.SetMode(gin.TestMode)
	db := setupTestDB(t)
	f := &handlerFixture{
		db:      db,
		store:   NewGormStore(db),
		metrics: observability.NewTestMetrics(),
		events:  &events.Recorder{},
		admin:   createTestUser(t, db, "admin@example.com", models.SystemRoleAdmin),
	}

	r := gin.New()
	mgmt := r.Group("/api/v1/agent-management")
	mgmt.Use(auth.AuthMiddleware(), auth.RequireAdmin())
	NewHandler(f.store, observability.Discard(), f.metrics, installerPath).WithEvents(f.events).RegisterRoutes(mgmt)

	agent := r.Group("/api/v1/agent")
	agent.Use(AuthMiddleware(f.store, observability.Discard(), f.metrics))
	agent.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	f.router = r
	return f
}

func getAuthHeader(user models.User) string {
	token, _ := auth.GenerateToken(user.ID, user.Email, string(user.SystemRole))
	return "Bearer " + token
}

func (f *handlerFixture) do(method, path string, body interface{}, user models.User) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", getAuthHeader(user))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) ping(secret string) int {
	req, _ := http.NewRequest("GET", "/api/v1/agent/ping", nil)
	req.Header.Set(HeaderAgentAPIKey, secret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w.Code
}

func (f *handlerFixture) createKey(t *testing.T, name string) CreateAgentKeyResponse {
	w := f.do("POST", "/api/v1/agent-management", gin.H{"name": name}, f.admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp CreateAgentKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode create response: %v", err)
	}
	return resp
}

func TestCreateAgentKey(t *testing.T) {
	f := setupHandler(t, "")
	lab := createTestLab(t, f.db, "Lab 3")

	w := f.do("POST", "/api/v1/agent-management", gin.H{"name": "Lab 3 agent", "laboratorio_id": lab.ID, "version": "1.4.2"}, f.admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp CreateAgentKeyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !strings.HasPrefix(resp.APIKey, SecretPrefix) || len(resp.APIKey) != 68 {
		t.Errorf("Unexpected api_key %q", resp.APIKey)
	}
	if resp.AgentKey.KeyPrefix != resp.APIKey[:KeyPrefixLength] {
		t.Errorf("Expected key prefix %q, got %q", resp.APIKey[:KeyPrefixLength], resp.AgentKey.KeyPrefix)
	}
	if !resp.AgentKey.Active {
		t.Error("Expected new key to be active")
	}
	if resp.AgentKey.CreatedByID != f.admin.ID {
		t.Errorf("Expected created_by %d, got %d", f.admin.ID, resp.AgentKey.CreatedByID)
	}
	if resp.AgentKey.Laboratory == nil || resp.AgentKey.Laboratory.Name != "Lab 3" {
		t.Errorf("Expected laboratory in response, got %+v", resp.AgentKey.Laboratory)
	}
	if resp.AgentKey.Version == nil || *resp.AgentKey.Version != "1.4.2" {
		t.Errorf("Expected version 1.4.2, got %v", resp.AgentKey.Version)
	}

	if code := f.ping(resp.APIKey); code != http.StatusOK {
		t.Errorf("Expected issued key to authenticate, got %d", code)
	}
	if testutil.ToFloat64(f.metrics.AgentKeysIssued) != 1 {
		t.Error("Expected issued key to be counted")
	}
}

func TestCreateAgentKeyValidation(t *testing.T) {
	f := setupHandler(t, "")

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing name", gin.H{}},
		{"blank name", gin.H{"name": "   "}},
		{"name too long", gin.H{"name": strings.Repeat("a", 256)}},
		{"unknown laboratory", gin.H{"name": "agent", "laboratorio_id": 999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/api/v1/agent-management", tt.body, f.admin)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("Expected 422, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	var count int64
	f.db.Model(&models.AgentAPIKey{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no keys created, got %d", count)
	}
}

func TestManagementRequiresAdmin(t *testing.T) {
	f := setupHandler(t, "")
	user := createTestUser(t, f.db, "user@example.com", models.SystemRoleUser)

	w := f.do("POST", "/api/v1/agent-management", gin.H{"name": "agent"}, user)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}

	req, _ := http.NewRequest("GET", "/api/v1/agent-management", nil)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.Code)
	}
}

func TestListAgentKeys(t *testing.T) {
	f := setupHandler(t, "")
	first := f.createKey(t, "first")
	second := f.createKey(t, "second")

	w := f.do("GET", "/api/v1/agent-management", nil, f.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), first.APIKey) || strings.Contains(w.Body.String(), second.APIKey) {
		t.Error("Listing must not expose secrets")
	}

	var keys []AgentKeyResponse
	json.Unmarshal(w.Body.Bytes(), &keys)
	if len(keys) != 2 {
		t.Fatalf("Expected 2 keys, got %d", len(keys))
	}
	if keys[0].Name != "second" {
		t.Errorf("Expected newest first, got %q", keys[0].Name)
	}
	if keys[0].Creator == nil || keys[0].Creator.Email != f.admin.Email {
		t.Error("Expected creator in listing")
	}
}

func TestRevokeAndReactivate(t *testing.T) {
	f := setupHandler(t, "")
	created := f.createKey(t, "agent")
	id := strconv.FormatUint(uint64(created.AgentKey.ID), 10)

	if code := f.ping(created.APIKey); code != http.StatusOK {
		t.Fatalf("Expected 200 before revoke, got %d", code)
	}

	w := f.do("DELETE", "/api/v1/agent-management/"+id, nil, f.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "API Key desativada com sucesso") {
		t.Errorf("Unexpected revoke body %s", w.Body.String())
	}
	if code := f.ping(created.APIKey); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after revoke, got %d", code)
	}

	w = f.do("POST", "/api/v1/agent-management/"+id+"/reactivate", nil, f.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "API Key reativada com sucesso") {
		t.Errorf("Unexpected reactivate body %s", w.Body.String())
	}
	if code := f.ping(created.APIKey); code != http.StatusOK {
		t.Errorf("Expected 200 after reactivate, got %d", code)
	}

	if testutil.ToFloat64(f.metrics.AgentKeysRevoked) != 1 || testutil.ToFloat64(f.metrics.AgentKeysReactivate) != 1 {
		t.Error("Expected lifecycle events to be counted")
	}
}

func TestRevokeUnknownKey(t *testing.T) {
	f := setupHandler(t, "")

	if w := f.do("DELETE", "/api/v1/agent-management/999", nil, f.admin); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := f.do("POST", "/api/v1/agent-management/abc/reactivate", nil, f.admin); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestBulkRevokeHandler(t *testing.T) {
	f := setupHandler(t, "")
	a := f.createKey(t, "a")
	b := f.createKey(t, "b")

	w := f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{"ids": []uint{a.AgentKey.ID, b.AgentKey.ID}}, f.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Message          string `json:"message"`
		DeactivatedCount int    `json:"deactivated_count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.DeactivatedCount != 2 {
		t.Errorf("Expected 2 deactivated, got %d", resp.DeactivatedCount)
	}
	if resp.Message != "2 agente(s) desativado(s) com sucesso." {
		t.Errorf("Unexpected message %q", resp.Message)
	}
	if f.ping(a.APIKey) != http.StatusUnauthorized || f.ping(b.APIKey) != http.StatusUnauthorized {
		t.Error("Expected both keys to be rejected")
	}
}

func TestBulkRevokeHandlerErrors(t *testing.T) {
	f := setupHandler(t, "")
	a := f.createKey(t, "a")

	if w := f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{"ids": []uint{}}, f.admin); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for empty ids, got %d", w.Code)
	}
	if w := f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{}, f.admin); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for missing ids, got %d", w.Code)
	}

	w := f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{"ids": []uint{a.AgentKey.ID, 999}}, f.admin)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for unknown id, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Dados inválidos") || !strings.Contains(w.Body.String(), "999") {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
	if code := f.ping(a.APIKey); code != http.StatusOK {
		t.Errorf("Expected key to stay active after failed bulk revoke, got %d", code)
	}
	if got := f.events.Types(); len(got) != 1 {
		t.Errorf("Expected only the issue event, got %v", got)
	}
}

func TestBulkRevokeHandlerStoreFailure(t *testing.T) {
	f := setupHandler(t, "")
	a := f.createKey(t, "a")
	if err := f.db.Migrator().DropTable(&models.AgentAPIKey{}); err != nil {
		t.Fatalf("Failed to drop table: %v", err)
	}

	w := f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{"ids": []uint{a.AgentKey.ID}}, f.admin)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Erro ao desativar agentes") {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
}

func TestLifecyclePublishesEvents(t *testing.T) {
	f := setupHandler(t, "")
	a := f.createKey(t, "a")
	b := f.createKey(t, "b")
	id := strconv.FormatUint(uint64(a.AgentKey.ID), 10)

	f.do("DELETE", "/api/v1/agent-management/"+id, nil, f.admin)
	f.do("POST", "/api/v1/agent-management/"+id+"/reactivate", nil, f.admin)
	f.do("POST", "/api/v1/agent-management/bulk-destroy", gin.H{"ids": []uint{a.AgentKey.ID, b.AgentKey.ID}}, f.admin)
	// failed requests publish nothing
	f.do("DELETE", "/api/v1/agent-management/999", nil, f.admin)

	want := []string{
		events.TypeAgentKeyIssued,
		events.TypeAgentKeyIssued,
		events.TypeAgentKeyRevoked,
		events.TypeAgentKeyReactivated,
		events.TypeAgentKeyRevoked,
	}
	got := f.events.Types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected events %v, got %v", want, got)
	}

	for _, ev := range f.events.Events() {
		if strings.Contains(fmt.Sprint(ev.Data), a.APIKey) || strings.Contains(fmt.Sprint(ev.Data), b.APIKey) {
			t.Errorf("Event %s leaks a secret", ev.Type)
		}
	}
}

func TestDownloadInstaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "setup.exe")
	if err := os.WriteFile(path, []byte("MZ-installer"), 0o644); err != nil {
		t.Fatalf("Failed to write installer: %v", err)
	}
	f := setupHandler(t, path)

	w := f.do("GET", "/api/v1/agent-management/download", nil, f.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), InstallerFilename) {
		t.Errorf("Expected attachment named %s, got %q", InstallerFilename, w.Header().Get("Content-Disposition"))
	}
	if w.Body.String() != "MZ-installer" {
		t.Errorf("Unexpected installer body %q", w.Body.String())
	}
}

func TestDownloadInstallerMissing(t *testing.T) {
	f := setupHandler(t, filepath.Join(t.TempDir(), "missing.exe"))

	w := f.do("GET", "/api/v1/agent-management/download", nil, f.admin)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}

	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "Agente não disponível para download" {
		t.Errorf("Unexpected error %q", body["error"])
	}
	if body["message"] == "" {
		t.Error("Expected a message")
	}
}
