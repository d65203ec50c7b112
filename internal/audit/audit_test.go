package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/rs/zerolog"
)

func newTestLogger(t *testing.T, retentionDays int) (*Logger, *sql.DB) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := NewLogger(&LoggerConfig{
		DB:            db,
		RetentionDays: retentionDays,
		FlushInterval: 10 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, db
}

// audited returns a manager whose commits feed l.
func audited(t *testing.T, l *Logger) *catalog.Manager {
	t.Helper()
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	m.OnCommit(l.CommitHook())
	return m
}

func TestNewLogger_NilDB(t *testing.T) {
	if _, err := NewLogger(&LoggerConfig{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected error for nil DB")
	}
}

func TestCommitHookAndQuery(t *testing.T) {
	l, _ := newTestLogger(t, 90)
	l.Start()
	m := audited(t, l)
	ctx := context.Background()

	mustApply := func(res catalog.Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustApply(m.CreateDatabase(ctx, "metrics"))
	mustApply(m.CreateDatabase(ctx, "logs"))
	mustApply(m.CreateTable(ctx, 0, "cpu", []string{"host"}, []catalog.FieldDef{{Name: "usage", Type: catalog.F64()}}))
	mustApply(m.AddColumn(ctx, 0, 1, "idle", catalog.F64(), catalog.RoleField))
	mustApply(m.RegisterTrigger(ctx, 1, catalog.Trigger{Name: "rollup", PluginFilename: "rollup.py", Specification: "all_tables"}))

	// A no-op publishes nothing and is not recorded.
	mustApply(m.SoftDeleteDatabase(ctx, 1))
	mustApply(m.SoftDeleteDatabase(ctx, 1))

	// Stop drains the queue.
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Query(ctx, &QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
	if entries[0].Sequence != 6 || entries[0].Kind != catalog.MutationSoftDeleteDatabase {
		t.Fatalf("newest entry = %d %s", entries[0].Sequence, entries[0].Kind)
	}

	addColumn := entries[2]
	if addColumn.Kind != catalog.MutationAddColumn || addColumn.TableID != 1 || addColumn.Name != "idle" {
		t.Fatalf("unexpected add_column entry: %+v", addColumn)
	}
	if addColumn.ColumnID == 0 {
		t.Fatal("add_column entry should carry the allocated column ID")
	}
	var payload catalog.Mutation
	if err := json.Unmarshal(addColumn.Payload, &payload); err != nil {
		t.Fatalf("payload is not a mutation: %v", err)
	}
	if payload.Kind != catalog.MutationAddColumn || payload.Name != "idle" {
		t.Fatalf("payload = %+v", payload)
	}

	if entries[1].Name != "rollup" {
		t.Fatalf("trigger entry name = %q", entries[1].Name)
	}

	byKind, err := l.Query(ctx, &QueryFilter{Kind: catalog.MutationCreateDatabase})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKind) != 2 {
		t.Fatalf("expected 2 create_database entries, got %d", len(byKind))
	}

	logsDB := catalog.DatabaseID(1)
	byDB, err := l.Query(ctx, &QueryFilter{DatabaseID: &logsDB})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDB) != 3 {
		t.Fatalf("expected 3 entries for database 1, got %d", len(byDB))
	}

	page, err := l.Query(ctx, &QueryFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Sequence != 2 || page[1].Sequence != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	future, err := l.Query(ctx, &QueryFilter{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(future) != 0 {
		t.Fatalf("expected no entries in the future, got %d", len(future))
	}
}

func TestDuplicateSequenceKeepsFirst(t *testing.T) {
	l, _ := newTestLogger(t, 0)
	l.Start()

	first := time.Now().UTC().Add(-time.Minute)
	l.Record(&Entry{Sequence: 1, Kind: catalog.MutationCreateDatabase, Name: "a", Payload: json.RawMessage(`{}`), AppliedAt: first})
	l.Record(&Entry{Sequence: 1, Kind: catalog.MutationCreateDatabase, Name: "b", Payload: json.RawMessage(`{}`)})
	l.Stop()

	entries, err := l.Query(context.Background(), &QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "a" {
		t.Fatalf("expected the first record to win, got %+v", entries)
	}
}

func TestStats(t *testing.T) {
	l, _ := newTestLogger(t, 0)
	l.Start()

	now := time.Now().UTC()
	for i := uint64(1); i <= 3; i++ {
		l.Record(&Entry{Sequence: i, Kind: catalog.MutationCreateTable, Payload: json.RawMessage(`{}`), AppliedAt: now})
	}
	l.Record(&Entry{Sequence: 4, Kind: catalog.MutationDeleteTrigger, Payload: json.RawMessage(`{}`), AppliedAt: now})
	l.Stop()

	stats, err := l.Stats(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats["create_table"] != 3 {
		t.Fatalf("expected 3 create_table, got %d", stats["create_table"])
	}
	if stats["delete_trigger"] != 1 {
		t.Fatalf("expected 1 delete_trigger, got %d", stats["delete_trigger"])
	}
}

func TestRetentionCleanup(t *testing.T) {
	l, db := newTestLogger(t, 1)

	insert := func(seq int64, at time.Time) {
		t.Helper()
		_, err := db.Exec("INSERT INTO catalog_mutations (sequence, kind, database_id, payload, applied_at) VALUES (?, ?, ?, ?, ?)",
			seq, "create_database", 0, "{}", at)
		if err != nil {
			t.Fatal(err)
		}
	}
	insert(1, time.Now().UTC().AddDate(0, 0, -5))
	insert(2, time.Now().UTC())

	l.cleanupOldEntries()

	entries, err := l.Query(context.Background(), &QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Sequence != 2 {
		t.Fatalf("expected only sequence 2 to survive, got %+v", entries)
	}
}

func TestRecord_DropsWhenQueueFull(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	l, err := NewLogger(&LoggerConfig{DB: db, BufferSize: 1, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	// Not started: the second entry cannot be queued and must not block.
	l.Record(&Entry{Sequence: 1, Kind: catalog.MutationCreateDatabase, Payload: json.RawMessage(`{}`)})
	l.Record(&Entry{Sequence: 2, Kind: catalog.MutationCreateDatabase, Payload: json.RawMessage(`{}`)})
	if got := len(l.entryCh); got != 1 {
		t.Fatalf("queued %d entries, want 1", got)
	}
}
