package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/cluster/raft"
	"github.com/basekick-labs/arc-catalog/internal/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

type stubCheckpointer struct {
	result scheduler.CheckpointResult
	err    error
	calls  int
}

func (s *stubCheckpointer) RunNow(ctx context.Context) (scheduler.CheckpointResult, error) {
	s.calls++
	return s.result, s.err
}

// followerMutator rejects every write like a raft follower would.
type followerMutator struct {
	current *catalog.Catalog
}

func (f *followerMutator) Apply(ctx context.Context, m catalog.Mutation) (catalog.Result, error) {
	return catalog.Result{Sequence: f.current.Sequence()}, fmt.Errorf("apply %s: %w", m.Kind, raft.ErrNotLeader)
}

func (f *followerMutator) Current() *catalog.Catalog { return f.current }

func (f *followerMutator) LeaderAddr() string { return "10.0.0.1:7000" }

// setupTestCatalogHandler creates a server wired to a fresh local catalog
func setupTestCatalogHandler(t *testing.T, checkpointer Checkpointer) (*catalog.Manager, *fiber.App) {
	t.Helper()

	logger := zerolog.Nop()
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	server := NewServer(DefaultServerConfig(), logger)
	server.RegisterRoutes()
	NewCatalogHandler(m, checkpointer, nil, 0, logger).RegisterRoutes(server.GetApp())
	return m, server.GetApp()
}

// do sends a request and decodes the JSON response body.
func do(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, map[string]interface{}) {
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

func expectStatus(t *testing.T, got, want int, body map[string]interface{}) {
	t.Helper()
	if got != want {
		t.Fatalf("Expected status %d, got %d: %v", want, got, body)
	}
}

func TestCatalogHandler_Databases(t *testing.T) {
	_, app := setupTestCatalogHandler(t, nil)

	status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
	expectStatus(t, status, fiber.StatusCreated, body)
	if body["sequence"] != float64(1) {
		t.Errorf("Expected sequence 1, got %v", body["sequence"])
	}

	t.Run("duplicate name conflicts", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
		expectStatus(t, status, fiber.StatusConflict, body)
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{})
		expectStatus(t, status, fiber.StatusBadRequest, body)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/databases", bytes.NewReader([]byte("{")))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("get", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/databases/metrics", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		db := body["database"].(map[string]interface{})
		if db["name"] != "metrics" || db["deleted"] != false {
			t.Errorf("Unexpected database: %v", db)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/databases/nope", nil)
		expectStatus(t, status, fiber.StatusNotFound, body)
	})

	t.Run("delete then list", func(t *testing.T) {
		status, body := do(t, app, "DELETE", "/api/v1/databases/metrics", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if body["sequence"] != float64(2) || body["changed"] != true {
			t.Errorf("Unexpected delete response: %v", body)
		}

		status, body = do(t, app, "GET", "/api/v1/databases", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if body["count"] != float64(0) {
			t.Errorf("Expected no live databases, got %v", body["count"])
		}

		_, body = do(t, app, "GET", "/api/v1/databases?include_deleted=true", nil)
		if body["count"] != float64(1) {
			t.Errorf("Expected 1 database including deleted, got %v", body["count"])
		}

		status, body = do(t, app, "GET", "/api/v1/databases/metrics", nil)
		expectStatus(t, status, fiber.StatusNotFound, body)
	})

	t.Run("name reusable after delete", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
		expectStatus(t, status, fiber.StatusCreated, body)
	})
}

func TestCatalogHandler_TablesAndColumns(t *testing.T) {
	_, app := setupTestCatalogHandler(t, nil)

	status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "telegraf"})
	expectStatus(t, status, fiber.StatusCreated, body)

	create := map[string]interface{}{
		"name": "cpu",
		"tags": []string{"host", "region"},
		"fields": []map[string]interface{}{
			{"name": "usage", "type": "f64"},
		},
	}
	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/tables", create)
	expectStatus(t, status, fiber.StatusCreated, body)

	t.Run("duplicate table", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases/telegraf/tables", create)
		expectStatus(t, status, fiber.StatusConflict, body)
	})

	t.Run("unknown field type", func(t *testing.T) {
		bad := map[string]interface{}{
			"name":   "mem",
			"fields": []map[string]interface{}{{"name": "used", "type": "f32"}},
		}
		status, body := do(t, app, "POST", "/api/v1/databases/telegraf/tables", bad)
		expectStatus(t, status, fiber.StatusBadRequest, body)
	})

	t.Run("table in unknown database", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases/nope/tables", create)
		expectStatus(t, status, fiber.StatusNotFound, body)
	})

	t.Run("get table", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/databases/telegraf/tables/cpu", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		table := body["table"].(map[string]interface{})
		if table["time_column"] != "time" {
			t.Errorf("Expected time column 'time', got %v", table["time_column"])
		}
		key := table["series_key"].([]interface{})
		if len(key) != 2 || key[0] != "host" || key[1] != "region" {
			t.Errorf("Unexpected series key: %v", key)
		}
		if cols := table["columns"].([]interface{}); len(cols) != 4 {
			t.Errorf("Expected 4 columns, got %d", len(cols))
		}
	})

	t.Run("add and drop column", func(t *testing.T) {
		status, body := do(t, app, "POST", "/api/v1/databases/telegraf/tables/cpu/columns",
			AddColumnRequest{Name: "idle", Type: catalog.F64()})
		expectStatus(t, status, fiber.StatusCreated, body)

		status, body = do(t, app, "POST", "/api/v1/databases/telegraf/tables/cpu/columns",
			AddColumnRequest{Name: "idle", Type: catalog.F64()})
		expectStatus(t, status, fiber.StatusConflict, body)

		status, body = do(t, app, "POST", "/api/v1/databases/telegraf/tables/cpu/columns",
			AddColumnRequest{Name: "ts", Type: catalog.TimeType(), Role: catalog.RoleTime})
		expectStatus(t, status, fiber.StatusBadRequest, body)

		status, body = do(t, app, "DELETE", "/api/v1/databases/telegraf/tables/cpu/columns/idle", nil)
		expectStatus(t, status, fiber.StatusOK, body)

		status, body = do(t, app, "DELETE", "/api/v1/databases/telegraf/tables/cpu/columns/idle", nil)
		expectStatus(t, status, fiber.StatusNotFound, body)

		_, body = do(t, app, "GET", "/api/v1/databases/telegraf/tables/cpu", nil)
		if cols := body["table"].(map[string]interface{})["columns"].([]interface{}); len(cols) != 4 {
			t.Errorf("Expected 4 live columns, got %d", len(cols))
		}
		_, body = do(t, app, "GET", "/api/v1/databases/telegraf/tables/cpu?include_deleted=true", nil)
		if cols := body["table"].(map[string]interface{})["columns"].([]interface{}); len(cols) != 5 {
			t.Errorf("Expected 5 columns including deleted, got %d", len(cols))
		}
	})

	t.Run("list and delete table", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/databases/telegraf/tables", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if body["count"] != float64(1) {
			t.Errorf("Expected 1 table, got %v", body["count"])
		}

		status, body = do(t, app, "DELETE", "/api/v1/databases/telegraf/tables/cpu", nil)
		expectStatus(t, status, fiber.StatusOK, body)

		status, body = do(t, app, "GET", "/api/v1/databases/telegraf/tables/cpu", nil)
		expectStatus(t, status, fiber.StatusNotFound, body)
	})
}

func TestCatalogHandler_Triggers(t *testing.T) {
	_, app := setupTestCatalogHandler(t, nil)

	status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "telegraf"})
	expectStatus(t, status, fiber.StatusCreated, body)

	trigger := catalog.Trigger{
		Name:           "downsample",
		PluginFilename: "downsample.py",
		Specification:  "every:1m",
		Arguments:      map[string]string{"window": "5m"},
	}
	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers", trigger)
	expectStatus(t, status, fiber.StatusCreated, body)

	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers", trigger)
	expectStatus(t, status, fiber.StatusConflict, body)

	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers/downsample/disable", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["changed"] != true {
		t.Errorf("Expected disable to change the catalog: %v", body)
	}

	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers/downsample/disable", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	if body["changed"] != false {
		t.Errorf("Expected repeated disable to be a no-op: %v", body)
	}

	status, body = do(t, app, "GET", "/api/v1/databases/telegraf/triggers", nil)
	expectStatus(t, status, fiber.StatusOK, body)
	triggers := body["triggers"].([]interface{})
	if len(triggers) != 1 {
		t.Fatalf("Expected 1 trigger, got %d", len(triggers))
	}
	if got := triggers[0].(map[string]interface{}); got["trigger_name"] != "downsample" || got["disabled"] != true {
		t.Errorf("Unexpected trigger: %v", got)
	}

	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers/downsample/enable", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	status, body = do(t, app, "DELETE", "/api/v1/databases/telegraf/triggers/downsample", nil)
	expectStatus(t, status, fiber.StatusOK, body)

	status, body = do(t, app, "DELETE", "/api/v1/databases/telegraf/triggers/downsample", nil)
	expectStatus(t, status, fiber.StatusNotFound, body)

	status, body = do(t, app, "POST", "/api/v1/databases/telegraf/triggers/missing/enable", nil)
	expectStatus(t, status, fiber.StatusNotFound, body)
}

func TestCatalogHandler_Snapshot(t *testing.T) {
	m, app := setupTestCatalogHandler(t, nil)
	ctx := context.Background()
	res, err := m.CreateDatabase(ctx, "metrics")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateTable(ctx, res.DatabaseID, "cpu", []string{"host"}, nil); err != nil {
		t.Fatal(err)
	}

	t.Run("json", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/catalog", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, data)
		}
		if resp.Header.Get("X-Catalog-Sequence") != "2" {
			t.Errorf("Expected sequence header 2, got %q", resp.Header.Get("X-Catalog-Sequence"))
		}
		got, err := catalog.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Sequence() != 2 || got.NodeID() != "node-a" {
			t.Errorf("Unexpected catalog: sequence %d node %q", got.Sequence(), got.NodeID())
		}
	})

	t.Run("msgpack", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/catalog?format=msgpack", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		got, err := catalog.DecodeMsgpack(data)
		if err != nil {
			t.Fatalf("DecodeMsgpack: %v", err)
		}
		if _, _, ok := got.TableByName("metrics", "cpu"); !ok {
			t.Error("Expected metrics.cpu in msgpack snapshot")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/catalog?format=xml", nil)
		expectStatus(t, status, fiber.StatusBadRequest, body)
	})

	t.Run("sequence", func(t *testing.T) {
		status, body := do(t, app, "GET", "/api/v1/catalog/sequence?remote=1", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if body["sequence"] != float64(2) || body["instance_id"] != "instance-a" {
			t.Errorf("Unexpected sequence response: %v", body)
		}
		if body["stale"] != true {
			t.Errorf("Expected remote 1 to be stale against 2: %v", body)
		}

		_, body = do(t, app, "GET", "/api/v1/catalog/sequence?remote=2", nil)
		if body["stale"] != false {
			t.Errorf("Expected remote 2 to be current: %v", body)
		}

		status, body = do(t, app, "GET", "/api/v1/catalog/sequence?remote=abc", nil)
		expectStatus(t, status, fiber.StatusBadRequest, body)
	})
}

func TestCatalogHandler_Checkpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, app := setupTestCatalogHandler(t, nil)
		status, body := do(t, app, "POST", "/api/v1/catalog/checkpoint", nil)
		expectStatus(t, status, fiber.StatusServiceUnavailable, body)
	})

	t.Run("runs", func(t *testing.T) {
		cp := &stubCheckpointer{result: scheduler.CheckpointResult{Sequence: 7, Key: "catalog/snapshots/7"}}
		_, app := setupTestCatalogHandler(t, cp)
		status, body := do(t, app, "POST", "/api/v1/catalog/checkpoint", nil)
		expectStatus(t, status, fiber.StatusOK, body)
		if cp.calls != 1 {
			t.Errorf("Expected 1 checkpoint, got %d", cp.calls)
		}
		if body["checkpoint"].(map[string]interface{})["sequence"] != float64(7) {
			t.Errorf("Unexpected checkpoint response: %v", body)
		}
	})

	t.Run("fails", func(t *testing.T) {
		cp := &stubCheckpointer{err: errors.New("bucket unreachable")}
		_, app := setupTestCatalogHandler(t, cp)
		status, body := do(t, app, "POST", "/api/v1/catalog/checkpoint", nil)
		expectStatus(t, status, fiber.StatusInternalServerError, body)
	})
}

func TestCatalogHandler_NotLeader(t *testing.T) {
	app := fiber.New()
	f := &followerMutator{current: catalog.New("node-b", "instance-a")}
	NewCatalogHandler(f, nil, nil, 0, zerolog.Nop()).RegisterRoutes(app)

	status, body := do(t, app, "POST", "/api/v1/databases", CreateDatabaseRequest{Name: "metrics"})
	expectStatus(t, status, fiber.StatusServiceUnavailable, body)
	if body["leader"] != "10.0.0.1:7000" {
		t.Errorf("Expected leader address in response: %v", body)
	}

	// Reads are served locally.
	status, body = do(t, app, "GET", "/api/v1/databases", nil)
	expectStatus(t, status, fiber.StatusOK, body)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", catalog.ErrNotFound), http.StatusNotFound},
		{catalog.ErrDuplicateTableName, http.StatusConflict},
		{catalog.ErrSchemaValidation, http.StatusBadRequest},
		{catalog.ErrDatabaseDeleted, http.StatusGone},
		{catalog.ErrTableDeleted, http.StatusGone},
		{raft.ErrNotLeader, http.StatusServiceUnavailable},
		{raft.ErrNotRunning, http.StatusServiceUnavailable},
		{catalog.ErrIDSpaceExhausted, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
