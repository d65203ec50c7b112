package raft

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestFSM(t *testing.T) *CatalogFSM {
	t.Helper()
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-1", "instance-1"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	return NewCatalogFSM(m, zerolog.Nop())
}

func applyCommand(t *testing.T, fsm *CatalogFSM, index uint64, m catalog.Mutation) *ApplyResponse {
	t.Helper()
	data, err := EncodeCommand(m)
	require.NoError(t, err)
	resp, ok := fsm.Apply(&raft.Log{Index: index, Data: data}).(*ApplyResponse)
	require.True(t, ok)
	return resp
}

func createCPU() []catalog.Mutation {
	return []catalog.Mutation{
		{Kind: catalog.MutationCreateDatabase, Name: "metrics"},
		{Kind: catalog.MutationCreateTable, DatabaseID: 0, Name: "cpu", Tags: []string{"host", "region"}, Fields: []catalog.FieldDef{{Name: "usage", Type: catalog.F64()}}},
	}
}

// memorySink is a raft.SnapshotSink backed by a buffer.
type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string    { return "memory" }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func mustMarshalCommand(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := msgpack.Marshal(&cmd)
	require.NoError(t, err)
	return data
}

func TestCommandRoundTrip(t *testing.T) {
	m := createCPU()[1]
	data, err := EncodeCommand(m)
	require.NoError(t, err)

	back, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestDecodeCommand_Rejects(t *testing.T) {
	_, err := DecodeCommand([]byte("not msgpack"))
	assert.Error(t, err)

	_, err = DecodeCommand(mustMarshalCommand(t, Command{Type: 9, Payload: []byte{0x80}}))
	assert.ErrorContains(t, err, "unknown command type")

	_, err = DecodeCommand(mustMarshalCommand(t, Command{Type: CommandMutation, Payload: []byte{0xc1}}))
	assert.ErrorIs(t, err, catalog.ErrDecode)
}

func TestFSMApply(t *testing.T) {
	fsm := newTestFSM(t)

	for i, m := range createCPU() {
		resp := applyCommand(t, fsm, uint64(i+1), m)
		require.NoError(t, resp.Err)
		assert.Equal(t, uint64(i+1), resp.Result.Sequence)
	}
	_, tbl, ok := fsm.Current().TableByName("metrics", "cpu")
	require.True(t, ok)
	assert.Equal(t, catalog.TableID(1), tbl.ID())

	// Rejections are part of the response, not an FSM failure.
	resp := applyCommand(t, fsm, 3, catalog.Mutation{Kind: catalog.MutationCreateDatabase, Name: "metrics"})
	assert.ErrorIs(t, resp.Err, catalog.ErrDuplicateName)
	assert.Equal(t, uint64(2), fsm.Current().Sequence())

	resp = applyCommand(t, fsm, 4, catalog.Mutation{Kind: catalog.MutationSoftDeleteTable, DatabaseID: 0, TableID: 42})
	assert.ErrorIs(t, resp.Err, catalog.ErrNotFound)
}

func TestFSMApply_Undecodable(t *testing.T) {
	fsm := newTestFSM(t)
	resp, ok := fsm.Apply(&raft.Log{Index: 1, Data: []byte{0xc1}}).(*ApplyResponse)
	require.True(t, ok)
	assert.Error(t, resp.Err)
	assert.Equal(t, uint64(0), fsm.Current().Sequence())
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := newTestFSM(t)
	for i, m := range createCPU() {
		require.NoError(t, applyCommand(t, src, uint64(i+1), m).Err)
	}

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.canceled)

	// The snapshot is the canonical encoding.
	want, err := catalog.Encode(src.Current())
	require.NoError(t, err)
	assert.Equal(t, string(want), sink.String())

	dst := newTestFSM(t)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	got, err := catalog.Encode(dst.Current())
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	// Entries after the snapshot continue with the same IDs on both sides.
	next := catalog.Mutation{Kind: catalog.MutationCreateDatabase, Name: "logs"}
	a := applyCommand(t, src, 3, next)
	b := applyCommand(t, dst, 3, next)
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	assert.Equal(t, a.Result, b.Result)
}

func TestFSMSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	fsm := newTestFSM(t)
	require.NoError(t, applyCommand(t, fsm, 1, createCPU()[0]).Err)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	require.NoError(t, applyCommand(t, fsm, 2, createCPU()[1]).Err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	c, err := catalog.Decode(sink.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Sequence())
}

func TestFSMRestore_Rejects(t *testing.T) {
	fsm := newTestFSM(t)
	err := fsm.Restore(io.NopCloser(bytes.NewReader([]byte(`{"databases":`))))
	assert.ErrorIs(t, err, catalog.ErrDecode)

	// A snapshot older than the local catalog is refused.
	older, err := catalog.Encode(catalog.New("node-1", "instance-1"))
	require.NoError(t, err)
	require.NoError(t, applyCommand(t, fsm, 1, createCPU()[0]).Err)
	err = fsm.Restore(io.NopCloser(bytes.NewReader(older)))
	assert.True(t, errors.Is(err, catalog.ErrStaleSnapshot))
	assert.Equal(t, uint64(1), fsm.Current().Sequence())
}

func TestFSMApply_ThroughManagerHooks(t *testing.T) {
	m, err := catalog.NewManager(&catalog.ManagerConfig{Initial: catalog.New("node-1", "instance-1"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	var committed []uint64
	m.OnCommit(func(c catalog.Commit) { committed = append(committed, c.Result.Sequence) })
	fsm := NewCatalogFSM(m, zerolog.Nop())

	for i, mut := range createCPU() {
		require.NoError(t, applyCommand(t, fsm, uint64(i+1), mut).Err)
	}
	assert.Equal(t, []uint64{1, 2}, committed)

	_, err = m.CreateDatabase(context.Background(), "direct")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), fsm.Current().Sequence())
}
