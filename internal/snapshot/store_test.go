package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storage.LocalBackend) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s, err := NewStore(&StoreConfig{
		Backend:     backend,
		Format:      FormatJSON,
		Compression: CompressionZstd,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return s, backend
}

// catalogs returns the catalogs after each of n database creations.
func catalogs(t *testing.T, n int) []*catalog.Catalog {
	t.Helper()
	c := catalog.New("node-a", "instance-a")
	out := make([]*catalog.Catalog, 0, n)
	for i := 0; i < n; i++ {
		next, _, err := catalog.Apply(c, catalog.Mutation{Kind: catalog.MutationCreateDatabase, Name: string(rune('a' + i))})
		require.NoError(t, err)
		c = next
		out = append(out, c)
	}
	return out
}

func TestStore_Key(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "snapshots/00000000000000000042.snap", s.Key(42))

	seq, ok := s.parseKey("snapshots/18446744073709551615.snap")
	assert.True(t, ok)
	assert.Equal(t, uint64(18446744073709551615), seq)

	for _, key := range []string{
		"snapshots/42.snap",
		"snapshots/0000000000000000004x.snap",
		"snapshots/00000000000000000042.json",
		"other/00000000000000000042.snap",
		"snapshots/nested/00000000000000000042.snap",
	} {
		_, ok := s.parseKey(key)
		assert.False(t, ok, key)
	}
}

func TestStore_SaveAndLoadLatest(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.LoadLatest(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	cs := catalogs(t, 12)
	for _, i := range []int{1, 9, 4, 11} {
		info, err := s.Save(ctx, cs[i])
		require.NoError(t, err)
		assert.Equal(t, cs[i].Sequence(), info.Sequence)
		assert.Positive(t, info.Size)
	}
	require.NoError(t, backend.Write(ctx, "snapshots/README", []byte("ignored")))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	var seqs []uint64
	for _, info := range infos {
		seqs = append(seqs, info.Sequence)
	}
	assert.Equal(t, []uint64{2, 5, 10, 12}, seqs)

	latest, info, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest.Sequence())
	assert.Equal(t, s.Key(12), info.Key)
	assert.Len(t, latest.Databases(), 12)
}

func TestStore_LoadLatestSkipsCorrupt(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	cs := catalogs(t, 3)

	_, err := s.Save(ctx, cs[0])
	require.NoError(t, err)
	_, err = s.Save(ctx, cs[1])
	require.NoError(t, err)
	require.NoError(t, backend.Write(ctx, s.Key(3), []byte("ARCS garbage")))

	latest, info, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Sequence())
	assert.Equal(t, uint64(2), info.Sequence)

	// A valid envelope stored under the wrong key is rejected too
	data, err := Encode(cs[2], FormatJSON, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, backend.Write(ctx, s.Key(7), data))
	latest, _, err = s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Sequence())
}

func TestStore_LoadLatestAllCorrupt(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, backend.Write(ctx, s.Key(1), []byte("nope")))

	_, _, err := s.LoadLatest(ctx)
	assert.ErrorIs(t, err, catalog.ErrDecode)
	assert.False(t, errors.Is(err, ErrNoSnapshot))
}

func TestStore_Prune(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, c := range catalogs(t, 7) {
		_, err := s.Save(ctx, c)
		require.NoError(t, err)
	}

	deleted, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, uint64(5), infos[0].Sequence)
	assert.Equal(t, uint64(7), infos[2].Sequence)

	deleted, err = s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = s.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestNewStore_RequiresBackend(t *testing.T) {
	_, err := NewStore(&StoreConfig{})
	assert.Error(t, err)
	_, err = NewStore(nil)
	assert.Error(t, err)
}
