package raft

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// CommandType represents the type of FSM command.
type CommandType uint8

const (
	// CommandMutation applies one catalog mutation.
	CommandMutation CommandType = iota + 1
)

// Command represents a command to be applied to the FSM.
type Command struct {
	Type    CommandType `msgpack:"type"`
	Payload []byte      `msgpack:"payload"`
}

// ApplyResponse is what CatalogFSM.Apply returns for a mutation command.
// Err carries rejections such as catalog.ErrNotFound; every replica reaches
// the same outcome because the mutation is applied to the same state.
type ApplyResponse struct {
	Result catalog.Result
	Err    error
}

// EncodeCommand packs a mutation into a log entry.
func EncodeCommand(m catalog.Mutation) ([]byte, error) {
	payload, err := catalog.EncodeMutation(m)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&Command{Type: CommandMutation, Payload: payload})
}

// DecodeCommand unpacks a log entry written by EncodeCommand.
func DecodeCommand(data []byte) (catalog.Mutation, error) {
	var cmd Command
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return catalog.Mutation{}, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if cmd.Type != CommandMutation {
		return catalog.Mutation{}, fmt.Errorf("unknown command type: %d", cmd.Type)
	}
	return catalog.DecodeMutation(cmd.Payload)
}

// CatalogFSM implements raft.FSM on top of a catalog.Manager. The Manager
// stays the only writer; Raft only decides the order of mutations.
type CatalogFSM struct {
	manager *catalog.Manager
	logger  zerolog.Logger
}

// NewCatalogFSM creates an FSM that applies committed entries to manager.
func NewCatalogFSM(manager *catalog.Manager, logger zerolog.Logger) *CatalogFSM {
	return &CatalogFSM{
		manager: manager,
		logger:  logger.With().Str("component", "catalog-fsm").Logger(),
	}
}

// Apply applies a Raft log entry to the FSM.
// This is called by Raft when a log entry is committed.
func (f *CatalogFSM) Apply(log *raft.Log) interface{} {
	m, err := DecodeCommand(log.Data)
	if err != nil {
		f.logger.Error().Err(err).Uint64("index", log.Index).Msg("Failed to decode command")
		return &ApplyResponse{Err: err}
	}

	res, err := f.manager.Apply(context.Background(), m)
	metrics.Get().IncRaftApplies()
	if err != nil {
		f.logger.Debug().Err(err).
			Uint64("index", log.Index).
			Str("kind", string(m.Kind)).
			Msg("Replicated mutation rejected")
	}
	return &ApplyResponse{Result: res, Err: err}
}

// Snapshot captures the current catalog. Published catalogs are immutable,
// so no copy is needed.
func (f *CatalogFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{catalog: f.manager.Current()}, nil
}

// Restore replaces the catalog with the one in a Raft snapshot.
func (f *CatalogFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	c, err := catalog.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := f.manager.Replace(c); err != nil {
		if errors.Is(err, catalog.ErrStaleSnapshot) {
			f.logger.Error().Err(err).Msg("Refusing to restore an older catalog")
		}
		return err
	}
	metrics.Get().IncRaftRestores()

	f.logger.Info().
		Uint64("sequence", c.Sequence()).
		Int("size", len(data)).
		Msg("FSM restored from snapshot")
	return nil
}

// Current returns the catalog as of the last applied entry.
func (f *CatalogFSM) Current() *catalog.Catalog {
	return f.manager.Current()
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	catalog *catalog.Catalog
}

// Persist writes the canonical encoding of the catalog to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := catalog.Encode(s.catalog)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *fsmSnapshot) Release() {}
