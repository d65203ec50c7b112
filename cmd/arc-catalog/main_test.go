package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/config"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/basekick-labs/arc-catalog/internal/snapshot"
	"github.com/basekick-labs/arc-catalog/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, compression snapshot.Compression) *snapshot.Store {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	store, err := snapshot.NewStore(&snapshot.StoreConfig{
		Backend:     backend,
		Compression: compression,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return store
}

func TestLoadCatalog_FirstStartGeneratesIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, snapshot.CompressionNone)

	c, seq, err := loadCatalog(ctx, &config.Config{}, store)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Zero(t, c.Sequence())
	assert.Len(t, c.NodeID(), 36)
	assert.Len(t, c.InstanceID(), 36)
	assert.NotEqual(t, c.NodeID(), c.InstanceID())

	// The initial checkpoint pins the generated IDs.
	again, _, err := loadCatalog(ctx, &config.Config{}, store)
	require.NoError(t, err)
	assert.Equal(t, c.NodeID(), again.NodeID())
	assert.Equal(t, c.InstanceID(), again.InstanceID())
}

func TestLoadCatalog_ConfiguredIDs(t *testing.T) {
	cfg := &config.Config{Catalog: config.CatalogConfig{NodeID: "node-a", InstanceID: "instance-a"}}
	c, _, err := loadCatalog(context.Background(), cfg, newStore(t, snapshot.CompressionNone))
	require.NoError(t, err)
	assert.Equal(t, "node-a", c.NodeID())
	assert.Equal(t, "instance-a", c.InstanceID())
}

func TestLoadCatalog_RestoresLatest(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, snapshot.CompressionZstd)

	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = m.CreateDatabase(ctx, "metrics")
	require.NoError(t, err)
	_, err = store.Save(ctx, m.Current())
	require.NoError(t, err)

	cfg := &config.Config{Catalog: config.CatalogConfig{NodeID: "other"}}
	c, seq, err := loadCatalog(ctx, cfg, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, "node-a", c.NodeID(), "restored identity wins over configuration")
	_, ok := c.DatabaseByName("metrics")
	assert.True(t, ok)
}

func TestLoadCatalog_ClusterStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, snapshot.CompressionNone)
	_, err := store.Save(ctx, catalog.New("stale", "stale"))
	require.NoError(t, err)

	cfg := &config.Config{
		Catalog: config.CatalogConfig{NodeID: "node-b", InstanceID: "instance-a"},
		Cluster: config.ClusterConfig{Enabled: true},
	}
	c, seq, err := loadCatalog(ctx, cfg, store)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Equal(t, "node-b", c.NodeID())
}

func TestRegisterMetricsHooks(t *testing.T) {
	ctx := context.Background()
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	registerMetricsHooks(m)

	res, err := m.CreateDatabase(ctx, "metrics")
	require.NoError(t, err)
	_, err = m.CreateDatabase(ctx, "metrics")
	require.Error(t, err)
	_, err = m.CreateTable(ctx, res.DatabaseID, "cpu", []string{"host"}, nil)
	require.NoError(t, err)

	snap := metrics.Get().Snapshot()
	cat := snap["catalog"].(map[string]int64)
	assert.Equal(t, int64(2), cat["sequence"])
	assert.Equal(t, int64(1), cat["tables"])

	mutations := snap["mutations"].(map[string]interface{})
	created := mutations[string(catalog.MutationCreateDatabase)].(map[string]int64)
	assert.GreaterOrEqual(t, created[string(metrics.OutcomeApplied)], int64(1))
	assert.GreaterOrEqual(t, created[string(metrics.OutcomeFailed)], int64(1))
}

func TestRunInspect(t *testing.T) {
	ctx := context.Background()
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-a", "instance-a"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = m.CreateDatabase(ctx, "metrics")
	require.NoError(t, err)
	want, err := catalog.EncodeIndent(m.Current())
	require.NoError(t, err)

	dir := t.TempDir()
	envelope, err := snapshot.Encode(m.Current(), snapshot.FormatMsgpack, snapshot.CompressionGzip)
	require.NoError(t, err)
	envPath := filepath.Join(dir, "catalog.snap")
	require.NoError(t, os.WriteFile(envPath, envelope, 0600))

	plainPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(plainPath, want, 0600))

	for _, path := range []string{envPath, plainPath} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			var out, errOut bytes.Buffer
			require.NoError(t, runInspect([]string{path}, &out, &errOut))
			assert.Equal(t, string(want)+"\n", out.String())
			assert.Contains(t, errOut.String(), "sequence=1")
		})
	}

	t.Run("envelope summary", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, runInspect([]string{envPath}, &out, &errOut))
		assert.Contains(t, errOut.String(), "format=msgpack compression=gzip")
	})

	t.Run("compact", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, runInspect([]string{"-compact", plainPath}, &out, &errOut))
		compact, err := catalog.Encode(m.Current())
		require.NoError(t, err)
		assert.Equal(t, string(compact)+"\n", out.String())
	})

	t.Run("corrupt", func(t *testing.T) {
		bad := append([]byte(nil), envelope...)
		bad[len(bad)-1] ^= 0xff
		badPath := filepath.Join(dir, "bad.snap")
		require.NoError(t, os.WriteFile(badPath, bad, 0600))
		err := runInspect([]string{badPath}, &bytes.Buffer{}, &bytes.Buffer{})
		assert.ErrorIs(t, err, catalog.ErrDecode)
	})

	t.Run("usage", func(t *testing.T) {
		err := runInspect(nil, &bytes.Buffer{}, &bytes.Buffer{})
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), "usage:"))
	})
}
