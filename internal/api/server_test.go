package api

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(DefaultServerConfig(), zerolog.Nop())
	s.RegisterRoutes()
	return s
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	status, body := do(t, s.GetApp(), "GET", "/health", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestServer_Ready(t *testing.T) {
	s := newTestServer(t)

	status, body := do(t, s.GetApp(), "GET", "/ready", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	var leaderKnown bool
	s.AddReadinessCheck("raft", func() error {
		if !leaderKnown {
			return errors.New("no leader elected")
		}
		return nil
	})

	status, body = do(t, s.GetApp(), "GET", "/ready", nil)
	expectStatus(t, status, fiber.StatusServiceUnavailable, body)
	checks := body["checks"].(map[string]interface{})
	if checks["raft"] != "no leader elected" {
		t.Errorf("Unexpected checks: %v", checks)
	}

	leaderKnown = true
	status, body = do(t, s.GetApp(), "GET", "/ready", nil)
	expectStatus(t, status, fiber.StatusOK, body)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.GetApp().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Expected Prometheus text, got %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(data), "# TYPE") {
		t.Errorf("Expected exposition format, got %q", data)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = s.GetApp().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.Errorf("Expected JSON metrics, got %q", resp.Header.Get("Content-Type"))
	}

	status, body := do(t, s.GetApp(), "GET", "/api/v1/metrics", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if _, ok := body["catalog"]; !ok {
		t.Errorf("Expected catalog metrics, got %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("Expected timestamp in metrics response")
	}
}

func TestServer_Logs(t *testing.T) {
	s := newTestServer(t)
	logger.GetBuffer().Add(logger.LogEntry{
		Timestamp: time.Now(),
		Level:     "ERROR",
		Component: "server-logs-test",
		Message:   "snapshot upload failed",
	})

	status, body := do(t, s.GetApp(), "GET", "/api/v1/logs?component=server-logs-test&level=warn", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["count"] != float64(1) {
		t.Fatalf("Expected 1 log entry, got %v", body["count"])
	}
	entry := body["logs"].([]interface{})[0].(map[string]interface{})
	if entry["message"] != "snapshot upload failed" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestServer_SecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.GetApp().Test(httptest.NewRequest("GET", "/health", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Errorf("Expected X-Frame-Options DENY, got %q", resp.Header.Get("X-Frame-Options"))
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("Expected nosniff, got %q", resp.Header.Get("X-Content-Type-Options"))
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t)

	status, body := do(t, s.GetApp(), "GET", "/api/v1/nothing-here", nil)
	expectStatus(t, status, fiber.StatusNotFound, body)
	if _, ok := body["error"]; !ok {
		t.Errorf("Expected JSON error body, got %v", body)
	}
}
