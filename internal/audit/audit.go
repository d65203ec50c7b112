// Package audit keeps a queryable history of committed catalog mutations in
// SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	maxQueryLimit        = 10000
)

// Entry is one committed mutation.
type Entry struct {
	Sequence   uint64               `json:"sequence"`
	Kind       catalog.MutationKind `json:"kind"`
	DatabaseID catalog.DatabaseID   `json:"database_id"`
	TableID    catalog.TableID      `json:"table_id,omitempty"`
	ColumnID   catalog.ColumnID     `json:"column_id,omitempty"`
	Name       string               `json:"name,omitempty"`
	Payload    json.RawMessage      `json:"payload"`
	AppliedAt  time.Time            `json:"applied_at"`
}

// QueryFilter holds filter parameters for querying the history
type QueryFilter struct {
	Kind       catalog.MutationKind
	DatabaseID *catalog.DatabaseID
	Since      time.Time
	Limit      int
	Offset     int
}

// Logger records committed mutations asynchronously
type Logger struct {
	db            *sql.DB
	retentionDays int
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger

	entryCh  chan *Entry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LoggerConfig holds configuration for creating an audit logger
type LoggerConfig struct {
	DB            *sql.DB
	RetentionDays int // 0 keeps everything
	BufferSize    int
	FlushInterval time.Duration
	Logger        zerolog.Logger
}

// OpenDB opens the SQLite history database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return db, nil
}

// NewLogger creates a new audit logger
func NewLogger(cfg *LoggerConfig) (*Logger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	l := &Logger{
		db:            cfg.DB,
		retentionDays: cfg.RetentionDays,
		batchSize:     defaultBatchSize,
		flushInterval: flushInterval,
		logger:        cfg.Logger.With().Str("component", "audit").Logger(),
		entryCh:       make(chan *Entry, bufferSize),
		stopCh:        make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	l.logger.Info().Msg("Audit logger created")
	return l, nil
}

func (l *Logger) initSchema() error {
	// Only takes effect on new databases.
	if _, err := l.db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to set auto_vacuum pragma")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS catalog_mutations (
		sequence INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		database_id INTEGER NOT NULL,
		table_id INTEGER,
		column_id INTEGER,
		name TEXT,
		payload TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_applied_at ON catalog_mutations(applied_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_kind ON catalog_mutations(kind);
	CREATE INDEX IF NOT EXISTS idx_mutations_database ON catalog_mutations(database_id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit tables: %w", err)
	}
	return nil
}

// Start starts the background writer and retention cleanup goroutines
func (l *Logger) Start() error {
	l.wg.Add(1)
	go l.writerLoop()

	l.wg.Add(1)
	go l.retentionLoop()

	l.logger.Info().
		Int("retention_days", l.retentionDays).
		Dur("flush_interval", l.flushInterval).
		Msg("Audit logger started")
	return nil
}

// Stop flushes queued entries and stops the background goroutines.
func (l *Logger) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		l.logger.Info().Msg("Audit logger stopped")
	})
	return nil
}

// Close implements io.Closer for the shutdown coordinator.
func (l *Logger) Close() error {
	return l.Stop()
}

// CommitHook returns a catalog commit hook that queues every committed
// mutation. It never blocks the writer: when the queue is full the entry is
// dropped and counted.
func (l *Logger) CommitHook() catalog.CommitHook {
	return func(commit catalog.Commit) {
		e, err := newEntry(commit)
		if err != nil {
			l.logger.Error().Err(err).Uint64("sequence", commit.Result.Sequence).Msg("Failed to encode audit entry")
			return
		}
		l.Record(e)
	}
}

func newEntry(commit catalog.Commit) (*Entry, error) {
	m := commit.Mutation
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Sequence:   commit.Result.Sequence,
		Kind:       m.Kind,
		DatabaseID: commit.Result.DatabaseID,
		TableID:    commit.Result.TableID,
		ColumnID:   commit.Result.ColumnID,
		Name:       m.Name,
		Payload:    payload,
		AppliedAt:  time.Now().UTC(),
	}
	if e.Name == "" && m.Trigger != nil {
		e.Name = m.Trigger.Name
	}
	return e, nil
}

// Record queues an entry for async writing
func (l *Logger) Record(e *Entry) {
	if e.AppliedAt.IsZero() {
		e.AppliedAt = time.Now().UTC()
	}

	select {
	case l.entryCh <- e:
	default:
		metrics.Get().IncAuditDropped()
		l.logger.Warn().Uint64("sequence", e.Sequence).Str("kind", string(e.Kind)).Msg("Audit queue full, dropping entry")
	}
}

// writerLoop processes entries from the channel and batch-inserts them
func (l *Logger) writerLoop() {
	defer l.wg.Done()

	batch := make([]*Entry, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-l.entryCh:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-l.stopCh:
			for {
				select {
				case e := <-l.entryCh:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						l.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to begin audit batch transaction")
		return
	}

	// A mutation re-applied from the replicated log keeps its first record.
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO catalog_mutations (sequence, kind, database_id, table_id, column_id, name, payload, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		l.logger.Error().Err(err).Msg("Failed to prepare audit insert statement")
		return
	}
	defer stmt.Close()

	var inserted int64
	for _, e := range batch {
		_, err := stmt.Exec(
			int64(e.Sequence),
			string(e.Kind),
			int64(e.DatabaseID),
			int64(e.TableID),
			int64(e.ColumnID),
			e.Name,
			string(e.Payload),
			e.AppliedAt.UTC(),
		)
		if err != nil {
			l.logger.Error().Err(err).Uint64("sequence", e.Sequence).Msg("Failed to insert audit entry")
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to commit audit batch")
		return
	}
	metrics.Get().IncAuditPersisted(inserted)
}

// retentionLoop periodically deletes old entries
func (l *Logger) retentionLoop() {
	defer l.wg.Done()

	l.cleanupOldEntries()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupOldEntries()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) cleanupOldEntries() {
	if l.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	result, err := l.db.Exec("DELETE FROM catalog_mutations WHERE applied_at < ?", cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to cleanup old audit entries")
		return
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		l.logger.Info().Int64("deleted", rows).Int("retention_days", l.retentionDays).Msg("Cleaned up old audit entries")

		if _, err := l.db.Exec("PRAGMA incremental_vacuum"); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to run incremental vacuum")
		}
	}
}

// Query returns entries matching filter, newest sequence first.
func (l *Logger) Query(ctx context.Context, filter *QueryFilter) ([]Entry, error) {
	query := "SELECT sequence, kind, database_id, table_id, column_id, name, payload, applied_at FROM catalog_mutations WHERE 1=1"
	var args []interface{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.DatabaseID != nil {
		query += " AND database_id = ?"
		args = append(args, int64(*filter.DatabaseID))
	}
	if !filter.Since.IsZero() {
		query += " AND applied_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY sequence DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var seq, dbID int64
		var tableID, columnID sql.NullInt64
		var kind, payload string
		var name sql.NullString

		if err := rows.Scan(&seq, &kind, &dbID, &tableID, &columnID, &name, &payload, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Sequence = uint64(seq)
		e.Kind = catalog.MutationKind(kind)
		e.DatabaseID = catalog.DatabaseID(dbID)
		e.TableID = catalog.TableID(tableID.Int64)
		e.ColumnID = catalog.ColumnID(columnID.Int64)
		e.Name = name.String
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns entry counts by mutation kind
func (l *Logger) Stats(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := "SELECT kind, COUNT(*) FROM catalog_mutations"
	var args []interface{}

	if !since.IsZero() {
		query += " WHERE applied_at >= ?"
		args = append(args, since.UTC())
	}
	query += " GROUP BY kind ORDER BY COUNT(*) DESC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stat: %w", err)
		}
		stats[kind] = count
	}
	return stats, rows.Err()
}
