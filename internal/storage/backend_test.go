package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/config"
	"github.com/rs/zerolog"
)

func newTestLocal(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestLocalBackend_BasicOperations(t *testing.T) {
	backend := newTestLocal(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		if err := backend.Write(ctx, "snapshots/00000000000000000001.snap", []byte("one")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		data, err := backend.Read(ctx, "snapshots/00000000000000000001.snap")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(data) != "one" {
			t.Errorf("Read data = %q, want %q", data, "one")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := backend.Write(ctx, "snapshots/00000000000000000001.snap", []byte("uno")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		data, _ := backend.Read(ctx, "snapshots/00000000000000000001.snap")
		if string(data) != "uno" {
			t.Errorf("Read data = %q, want %q", data, "uno")
		}
	})

	t.Run("Read missing", func(t *testing.T) {
		_, err := backend.Read(ctx, "snapshots/missing.snap")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Read missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := backend.Exists(ctx, "snapshots/00000000000000000001.snap")
		if err != nil || !ok {
			t.Errorf("Exists = %v, %v; want true, nil", ok, err)
		}
		ok, err = backend.Exists(ctx, "snapshots/nope.snap")
		if err != nil || ok {
			t.Errorf("Exists = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("Delete is idempotent", func(t *testing.T) {
		if err := backend.Write(ctx, "tmp/x", []byte("x")); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if err := backend.Delete(ctx, "tmp/x"); err != nil {
				t.Fatalf("Delete #%d failed: %v", i, err)
			}
		}
		if ok, _ := backend.Exists(ctx, "tmp/x"); ok {
			t.Error("object still exists after Delete")
		}
	})
}

func TestLocalBackend_List(t *testing.T) {
	backend := newTestLocal(t)
	ctx := context.Background()

	for _, key := range []string{
		"snapshots/00000000000000000002.snap",
		"snapshots/00000000000000000010.snap",
		"snapshots-old/00000000000000000001.snap",
		"other/file",
	} {
		if err := backend.Write(ctx, key, []byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	// In-flight temp files must not be listed
	if err := os.WriteFile(filepath.Join(backend.BasePath(), "snapshots", ".arc-123.tmp"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	got, err := backend.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(got)
	want := []string{"snapshots/00000000000000000002.snap", "snapshots/00000000000000000010.snap"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("List = %v, want %v", got, want)
	}

	got, err = backend.List(ctx, "snapshots")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("List(snapshots) = %v, want 3 keys", got)
	}

	got, err = backend.List(ctx, "absent/")
	if err != nil || len(got) != 0 {
		t.Errorf("List(absent/) = %v, %v; want empty", got, err)
	}
}

func TestLocalBackend_PathTraversal(t *testing.T) {
	backend := newTestLocal(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "a/../../escape", "nul\x00byte"} {
		if err := backend.Write(ctx, key, []byte("x")); err == nil {
			t.Errorf("Write(%q) succeeded, want error", key)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(backend.BasePath()), "escape")); !os.IsNotExist(err) {
		t.Error("file written outside base path")
	}

	// A leading slash stays inside the base path
	if err := backend.Write(ctx, "/rooted", []byte("x")); err != nil {
		t.Fatalf("Write(/rooted) failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.BasePath(), "rooted")); err != nil {
		t.Errorf("rooted key not stored under base path: %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.StorageConfig{Backend: "local", LocalPath: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type = %q, want local", b.Type())
	}

	if _, err := NewBackend(config.StorageConfig{Backend: "gcs"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unsupported backend")
	}
	if _, err := NewBackend(config.StorageConfig{Backend: "s3"}, zerolog.Nop()); err == nil {
		t.Error("expected error for s3 without bucket")
	}
}

type flakyBackend struct {
	*LocalBackend
	failWrites int
	writes     int
}

var errFlaky = errors.New("temporary failure")

func (f *flakyBackend) Write(ctx context.Context, key string, data []byte) error {
	f.writes++
	if f.writes <= f.failWrites {
		return errFlaky
	}
	return f.LocalBackend.Write(ctx, key, data)
}

func fastConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   3,
		OpenTimeout:   time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: time.Millisecond,
	}
}

func TestResilientBackend_Retries(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: newTestLocal(t), failWrites: 2}
	r := NewResilientBackend(flaky, fastConfig(), zerolog.Nop())

	if err := r.Write(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Write failed after retries: %v", err)
	}
	if flaky.writes != 3 {
		t.Errorf("writes = %d, want 3", flaky.writes)
	}
	if r.IsCircuitOpen() {
		t.Error("circuit open after eventual success")
	}
}

func TestResilientBackend_OpensCircuit(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: newTestLocal(t), failWrites: 100}
	r := NewResilientBackend(flaky, fastConfig(), zerolog.Nop())
	ctx := context.Background()

	err := r.Write(ctx, "k", []byte("v"))
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Write err = %v, want wrapped errFlaky", err)
	}
	if !r.IsCircuitOpen() {
		t.Fatal("circuit should be open after 3 consecutive failures")
	}

	before := flaky.writes
	if err := r.Write(ctx, "k", []byte("v")); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Write err = %v, want ErrCircuitOpen", err)
	}
	if flaky.writes != before {
		t.Error("backend called while circuit open")
	}

	// After the open timeout a single trial goes through
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	flaky.failWrites = 0
	if err := r.Write(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("trial Write failed: %v", err)
	}
	if r.IsCircuitOpen() {
		t.Error("circuit should close after a successful trial")
	}
}

func TestResilientBackend_NotFoundIsNotAFailure(t *testing.T) {
	r := NewResilientBackend(newTestLocal(t), fastConfig(), zerolog.Nop())
	for i := 0; i < 5; i++ {
		if _, err := r.Read(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Read err = %v, want ErrNotFound", err)
		}
	}
	if r.IsCircuitOpen() {
		t.Error("ErrNotFound must not open the circuit")
	}
}
