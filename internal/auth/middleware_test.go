package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func setupMiddlewareTest(t *testing.T, m *Manager) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(NewMiddleware(DefaultMiddlewareConfig(m)))

	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Get("/health", ok)
	app.Get("/metrics", ok)
	app.Get("/api/v1/databases", RequireRead(m), ok)
	app.Post("/api/v1/databases", RequireWrite(m), ok)
	app.Delete("/api/v1/databases/:db", RequireDelete(m), ok)
	app.Post("/api/v1/catalog/checkpoint", RequireAdmin(m), ok)
	return app
}

func request(t *testing.T, app *fiber.App, method, path string, header map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp.StatusCode
}

func TestMiddleware_Authentication(t *testing.T) {
	m := newTestManager(t)
	app := setupMiddlewareTest(t, m)
	token, _, err := m.CreateToken(context.Background(), "reader", "", []Permission{PermRead}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public health", "/health", nil, fiber.StatusOK},
		{"public metrics", "/metrics", nil, fiber.StatusOK},
		{"missing token", "/api/v1/databases", nil, fiber.StatusUnauthorized},
		{"invalid token", "/api/v1/databases", map[string]string{"Authorization": "Bearer nope"}, fiber.StatusUnauthorized},
		{"bearer token", "/api/v1/databases", map[string]string{"Authorization": "Bearer " + token}, fiber.StatusOK},
		{"plain authorization", "/api/v1/databases", map[string]string{"Authorization": token}, fiber.StatusOK},
		{"api key header", "/api/v1/databases", map[string]string{"x-api-key": token}, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := request(t, app, "GET", tt.path, tt.header); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMiddleware_Permissions(t *testing.T) {
	m := newTestManager(t)
	app := setupMiddlewareTest(t, m)
	ctx := context.Background()

	tokens := make(map[string]string)
	for name, perms := range map[string][]Permission{
		"reader":  {PermRead},
		"writer":  {PermRead, PermWrite},
		"deleter": {PermDelete},
		"admin":   {PermAdmin},
	} {
		token, _, err := m.CreateToken(ctx, name, "", perms, nil)
		if err != nil {
			t.Fatal(err)
		}
		tokens[name] = token
	}

	tests := []struct {
		token  string
		method string
		path   string
		want   int
	}{
		{"reader", "GET", "/api/v1/databases", fiber.StatusOK},
		{"reader", "POST", "/api/v1/databases", fiber.StatusForbidden},
		{"reader", "DELETE", "/api/v1/databases/db", fiber.StatusForbidden},
		{"writer", "POST", "/api/v1/databases", fiber.StatusOK},
		{"writer", "DELETE", "/api/v1/databases/db", fiber.StatusForbidden},
		{"deleter", "DELETE", "/api/v1/databases/db", fiber.StatusOK},
		{"deleter", "GET", "/api/v1/databases", fiber.StatusForbidden},
		{"writer", "POST", "/api/v1/catalog/checkpoint", fiber.StatusForbidden},
		{"admin", "POST", "/api/v1/catalog/checkpoint", fiber.StatusOK},
		{"admin", "DELETE", "/api/v1/databases/db", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.token+" "+tt.method+" "+tt.path, func(t *testing.T) {
			got := request(t, app, tt.method, tt.path, map[string]string{"Authorization": "Bearer " + tokens[tt.token]})
			if got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	app := setupMiddlewareTest(t, nil)

	if got := request(t, app, "POST", "/api/v1/catalog/checkpoint", nil); got != fiber.StatusOK {
		t.Errorf("without a manager every route is open, got %d", got)
	}
	if got := request(t, app, "DELETE", "/api/v1/databases/db", nil); got != fiber.StatusOK {
		t.Errorf("without a manager every route is open, got %d", got)
	}
}

func TestRequirePermission_WithoutMiddleware(t *testing.T) {
	m := newTestManager(t)
	app := fiber.New()
	app.Get("/guarded", RequireRead(m), func(c *fiber.Ctx) error { return c.SendString("ok") })

	if got := request(t, app, "GET", "/guarded", nil); got != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", got)
	}
}
