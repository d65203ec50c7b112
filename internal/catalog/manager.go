package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Commit describes a state-changing mutation that is being (or has been)
// published. Previous and Catalog are the catalogs before and after.
type Commit struct {
	Mutation Mutation
	Result   Result
	Previous *Catalog
	Catalog  *Catalog
}

// PrepareHook runs under the writer lock before a new catalog is published.
// Returning an error aborts the mutation; the journal uses this to make the
// mutation durable first.
type PrepareHook func(ctx context.Context, commit Commit) error

// CommitHook runs under the writer lock after a new catalog is published, in
// registration order. It must not call back into the Manager.
type CommitHook func(commit Commit)

// AttemptHook observes every Apply call, including no-ops and failures.
type AttemptHook func(kind MutationKind, res Result, err error)

// ReplaceHook runs after Replace installs a catalog.
type ReplaceHook func(c *Catalog)

// Manager owns the current catalog of a node. Writers are serialized; readers
// call Current and never block.
type Manager struct {
	current atomic.Pointer[Catalog]

	mu      sync.Mutex
	prepare []PrepareHook
	commit  []CommitHook
	attempt []AttemptHook
	replace []ReplaceHook

	logger zerolog.Logger
}

// ManagerConfig holds configuration for creating a Manager
type ManagerConfig struct {
	// Initial is the catalog to start from, typically a restored snapshot.
	Initial *Catalog
	Logger  zerolog.Logger
}

// NewManager creates a Manager publishing cfg.Initial.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil || cfg.Initial == nil {
		return nil, fmt.Errorf("initial catalog is required")
	}
	m := &Manager{
		logger: cfg.Logger.With().Str("component", "catalog").Logger(),
	}
	m.current.Store(cfg.Initial)

	m.logger.Info().
		Str("node_id", cfg.Initial.nodeID).
		Str("instance_id", cfg.Initial.instanceID).
		Uint64("sequence", cfg.Initial.sequence).
		Int("databases", len(cfg.Initial.databases)).
		Msg("Catalog manager created")
	return m, nil
}

// Current returns the published catalog. The value is immutable.
func (m *Manager) Current() *Catalog {
	return m.current.Load()
}

// OnPrepare registers a hook that runs before each commit is published.
func (m *Manager) OnPrepare(h PrepareHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepare = append(m.prepare, h)
}

// OnCommit registers a hook that runs after each commit is published.
func (m *Manager) OnCommit(h CommitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit = append(m.commit, h)
}

// OnAttempt registers a hook that observes the outcome of every Apply.
func (m *Manager) OnAttempt(h AttemptHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = append(m.attempt, h)
}

// OnReplace registers a hook that runs after each Replace.
func (m *Manager) OnReplace(h ReplaceHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replace = append(m.replace, h)
}

// Apply applies mut to the current catalog and publishes the result. No-op
// mutations publish nothing and run no prepare or commit hooks.
func (m *Manager) Apply(ctx context.Context, mut Mutation) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.apply(ctx, mut)
	for _, h := range m.attempt {
		h(mut.Kind, res, err)
	}
	return res, err
}

func (m *Manager) apply(ctx context.Context, mut Mutation) (Result, error) {
	prev := m.current.Load()
	if err := ctx.Err(); err != nil {
		return Result{Sequence: prev.sequence}, err
	}

	next, res, err := Apply(prev, mut)
	if err != nil {
		m.logger.Debug().Err(err).Str("kind", string(mut.Kind)).Msg("Catalog mutation rejected")
		return res, err
	}
	if !res.Changed {
		return res, nil
	}

	commit := Commit{Mutation: mut, Result: res, Previous: prev, Catalog: next}
	for _, h := range m.prepare {
		if err := h(ctx, commit); err != nil {
			m.logger.Error().Err(err).
				Str("kind", string(mut.Kind)).
				Uint64("sequence", res.Sequence).
				Msg("Catalog mutation aborted before publish")
			return Result{Sequence: prev.sequence}, fmt.Errorf("prepare %s: %w", mut.Kind, err)
		}
	}

	m.current.Store(next)
	for _, h := range m.commit {
		h(commit)
	}

	m.logger.Debug().
		Str("kind", string(mut.Kind)).
		Uint64("sequence", res.Sequence).
		Msg("Catalog mutation committed")
	return res, nil
}

// Replace installs a catalog restored from a snapshot or received from a
// peer. It refuses to move the sequence backwards.
func (m *Manager) Replace(c *Catalog) error {
	if c == nil {
		return fmt.Errorf("catalog is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	if c.sequence < prev.sequence {
		return fmt.Errorf("%w: sequence %d < current %d", ErrStaleSnapshot, c.sequence, prev.sequence)
	}
	m.current.Store(c)
	for _, h := range m.replace {
		h(c)
	}

	m.logger.Info().
		Uint64("previous_sequence", prev.sequence).
		Uint64("sequence", c.sequence).
		Msg("Catalog replaced")
	return nil
}

// CreateDatabase creates a database and returns its ID.
func (m *Manager) CreateDatabase(ctx context.Context, name string) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationCreateDatabase, Name: name})
}

// CreateTable creates a table with the given tag columns (which form its key, in
// order), a time column and the given field columns.
func (m *Manager) CreateTable(ctx context.Context, db DatabaseID, name string, tags []string, fields []FieldDef) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationCreateTable, DatabaseID: db, Name: name, Tags: tags, Fields: fields})
}

// AddColumn adds a tag or field column to a table. The key is unchanged.
func (m *Manager) AddColumn(ctx context.Context, db DatabaseID, table TableID, name string, typ ValueType, role Role) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationAddColumn, DatabaseID: db, TableID: table, Name: name, Type: &typ, Role: role})
}

func (m *Manager) SoftDeleteDatabase(ctx context.Context, db DatabaseID) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationSoftDeleteDatabase, DatabaseID: db})
}

func (m *Manager) SoftDeleteTable(ctx context.Context, db DatabaseID, table TableID) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationSoftDeleteTable, DatabaseID: db, TableID: table})
}

func (m *Manager) SoftDeleteColumn(ctx context.Context, db DatabaseID, table TableID, col ColumnID) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationSoftDeleteColumn, DatabaseID: db, TableID: table, ColumnID: col})
}

func (m *Manager) RegisterTrigger(ctx context.Context, db DatabaseID, tr Trigger) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationRegisterTrigger, DatabaseID: db, Trigger: &tr})
}

func (m *Manager) DeleteTrigger(ctx context.Context, db DatabaseID, name string) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationDeleteTrigger, DatabaseID: db, Name: name})
}

func (m *Manager) SetTriggerDisabled(ctx context.Context, db DatabaseID, name string, disabled bool) (Result, error) {
	return m.Apply(ctx, Mutation{Kind: MutationSetTriggerDisabled, DatabaseID: db, Name: name, Disabled: disabled})
}
