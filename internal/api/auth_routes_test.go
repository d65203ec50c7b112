package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/audit"
	"github.com/basekick-labs/arc-catalog/internal/auth"
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// setupAuthenticatedServer wires catalog, audit and token routes behind the
// auth middleware the same way main does.
func setupAuthenticatedServer(t *testing.T) (*auth.Manager, *stubCheckpointer, *fiber.App) {
	t.Helper()
	logger := zerolog.Nop()

	am, err := auth.NewManager(&auth.ManagerConfig{
		DBPath: filepath.Join(t.TempDir(), "auth.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("auth.NewManager: %v", err)
	}
	t.Cleanup(func() { am.Close() })

	db, err := audit.OpenDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	al, err := audit.NewLogger(&audit.LoggerConfig{DB: db, FlushInterval: 10 * time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := al.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { al.Stop() })

	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.OnCommit(al.CommitHook())

	cp := &stubCheckpointer{result: scheduler.CheckpointResult{Sequence: 1}}
	server := NewServer(DefaultServerConfig(), logger)
	server.GetApp().Use(auth.NewMiddleware(auth.DefaultMiddlewareConfig(am)))
	server.RegisterRoutes()
	NewCatalogHandler(m, cp, am, 0, logger).RegisterRoutes(server.GetApp())
	NewAuditHandler(al, am, logger).RegisterRoutes(server.GetApp())
	NewAuthHandler(am, logger).RegisterRoutes(server.GetApp())
	return am, cp, server.GetApp()
}

// doAs is do with a bearer token.
func doAs(t *testing.T, app *fiber.App, token, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var result map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, result
}

func createToken(t *testing.T, am *auth.Manager, name string, perms ...auth.Permission) string {
	t.Helper()
	token, _, err := am.CreateToken(context.Background(), name, "", perms, nil)
	if err != nil {
		t.Fatalf("CreateToken %s: %v", name, err)
	}
	return token
}

func TestCatalogRoutes_RequireToken(t *testing.T) {
	_, _, app := setupAuthenticatedServer(t)

	status, body := doAs(t, app, "", "GET", "/health", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/v1/catalog"},
		{"GET", "/api/v1/databases"},
		{"POST", "/api/v1/databases"},
		{"DELETE", "/api/v1/databases/metrics"},
		{"POST", "/api/v1/catalog/checkpoint"},
		{"GET", "/api/v1/audit"},
		{"GET", "/api/v1/auth/tokens"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			status, body := doAs(t, app, "", route.method, route.path, nil)
			expectStatus(t, status, fiber.StatusUnauthorized, body)
		})
	}

	status, body = doAs(t, app, "not-a-token", "GET", "/api/v1/databases", nil)
	expectStatus(t, status, fiber.StatusUnauthorized, body)
}

func TestCatalogRoutes_Permissions(t *testing.T) {
	am, cp, app := setupAuthenticatedServer(t)
	reader := createToken(t, am, "reader", auth.PermRead)
	writer := createToken(t, am, "writer", auth.PermRead, auth.PermWrite)
	deleter := createToken(t, am, "deleter", auth.PermRead, auth.PermDelete)
	admin := createToken(t, am, "admin", auth.PermAdmin)

	t.Run("read token cannot create", func(t *testing.T) {
		status, body := doAs(t, app, reader, "GET", "/api/v1/databases", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		status, body = doAs(t, app, reader, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
		expectStatus(t, status, fiber.StatusForbidden, body)
	})

	t.Run("write token creates but cannot delete", func(t *testing.T) {
		status, body := doAs(t, app, writer, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
		expectStatus(t, status, fiber.StatusCreated, body)
		status, body = doAs(t, app, writer, "DELETE", "/api/v1/databases/metrics", nil)
		expectStatus(t, status, fiber.StatusForbidden, body)
	})

	t.Run("delete token cannot create but deletes", func(t *testing.T) {
		status, body := doAs(t, app, deleter, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "logs"})
		expectStatus(t, status, fiber.StatusForbidden, body)
		status, body = doAs(t, app, deleter, "DELETE", "/api/v1/databases/metrics", nil)
		expectStatus(t, status, fiber.StatusOK, body)
	})

	t.Run("checkpoint needs admin", func(t *testing.T) {
		status, body := doAs(t, app, writer, "POST", "/api/v1/catalog/checkpoint", nil)
		expectStatus(t, status, fiber.StatusForbidden, body)
		if cp.calls != 0 {
			t.Fatalf("forbidden checkpoint ran %d times", cp.calls)
		}
		status, body = doAs(t, app, admin, "POST", "/api/v1/catalog/checkpoint", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if cp.calls != 1 {
			t.Errorf("Expected 1 checkpoint, got %d", cp.calls)
		}
	})

	t.Run("audit needs admin", func(t *testing.T) {
		status, body := doAs(t, app, deleter, "GET", "/api/v1/audit", nil)
		expectStatus(t, status, fiber.StatusForbidden, body)
		status, body = doAs(t, app, admin, "GET", "/api/v1/audit/stats", nil)
		expectStatus(t, status, fiber.StatusOK, body)
	})
}

func TestAuthHandler_Tokens(t *testing.T) {
	am, _, app := setupAuthenticatedServer(t)
	admin := createToken(t, am, "admin", auth.PermAdmin)
	reader := createToken(t, am, "reader", auth.PermRead)

	status, body := doAs(t, app, reader, "GET", "/api/v1/auth/tokens", nil)
	expectStatus(t, status, fiber.StatusForbidden, body)

	status, body = doAs(t, app, reader, "GET", "/api/v1/auth/verify", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["valid"] != true {
		t.Errorf("Expected valid token, got %v", body)
	}

	status, body = doAs(t, app, admin, "POST", "/api/v1/auth/tokens", CreateTokenRequest{
		Name:        "ingest",
		Permissions: []string{"write"},
		ExpiresIn:   "7d",
	})
	expectStatus(t, status, fiber.StatusCreated, body)
	ingest := body["token"].(string)
	info := body["token_info"].(map[string]interface{})
	id := int64(info["id"].(float64))
	if info["expires_at"] == nil {
		t.Errorf("Expected expiry on created token: %v", info)
	}

	t.Run("created token is usable", func(t *testing.T) {
		status, body := doAs(t, app, ingest, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
		expectStatus(t, status, fiber.StatusCreated, body)
	})

	t.Run("bad requests", func(t *testing.T) {
		status, body := doAs(t, app, admin, "POST", "/api/v1/auth/tokens", CreateTokenRequest{Name: "x", Permissions: []string{"root"}})
		expectStatus(t, status, fiber.StatusBadRequest, body)
		status, body = doAs(t, app, admin, "POST", "/api/v1/auth/tokens", CreateTokenRequest{Name: "y", ExpiresIn: "0d"})
		expectStatus(t, status, fiber.StatusBadRequest, body)
		status, body = doAs(t, app, admin, "POST", "/api/v1/auth/tokens", CreateTokenRequest{Name: "ingest"})
		expectStatus(t, status, fiber.StatusConflict, body)
		status, body = doAs(t, app, admin, "GET", "/api/v1/auth/tokens/abc", nil)
		expectStatus(t, status, fiber.StatusBadRequest, body)
		status, body = doAs(t, app, admin, "GET", "/api/v1/auth/tokens/9999", nil)
		expectStatus(t, status, fiber.StatusNotFound, body)
	})

	status, body = doAs(t, app, admin, "GET", "/api/v1/auth/tokens", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["count"] != float64(3) {
		t.Errorf("Expected 3 tokens, got %v", body["count"])
	}

	status, body = doAs(t, app, admin, "POST", fmt.Sprintf("/api/v1/auth/tokens/%d/rotate", id), nil)
	expectStatus(t, status, fiber.StatusOK, body)
	rotated := body["token"].(string)
	status, body = doAs(t, app, ingest, "GET", "/api/v1/auth/verify", nil)
	expectStatus(t, status, fiber.StatusUnauthorized, body)
	status, body = doAs(t, app, rotated, "GET", "/api/v1/auth/verify", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	status, body = doAs(t, app, admin, "POST", fmt.Sprintf("/api/v1/auth/tokens/%d/revoke", id), nil)
	expectStatus(t, status, fiber.StatusOK, body)
	status, body = doAs(t, app, rotated, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "logs"})
	expectStatus(t, status, fiber.StatusUnauthorized, body)

	status, body = doAs(t, app, admin, "GET", "/api/v1/auth/cache/stats", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	status, body = doAs(t, app, admin, "POST", "/api/v1/auth/cache/invalidate", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	status, body = doAs(t, app, admin, "DELETE", fmt.Sprintf("/api/v1/auth/tokens/%d", id), nil)
	expectStatus(t, status, fiber.StatusOK, body)
	status, body = doAs(t, app, admin, "GET", fmt.Sprintf("/api/v1/auth/tokens/%d", id), nil)
	expectStatus(t, status, fiber.StatusNotFound, body)
}

func TestParseExpiresIn(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"0d", 0, true},
		{"-1h", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseExpiresIn(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseExpiresIn(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseExpiresIn(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
