// Package wal journals catalog mutations so that changes made after the last
// snapshot survive a restart.
//
// A journal is a directory of segment files. Each segment starts with a
// 7-byte header (magic, version, checksum type) followed by entries:
//
//	[length u32][sequence u64][crc32 u32][msgpack mutation]
//
// The checksum covers the sequence and the payload. Segments are named after
// the sequence of their first entry, so name order is log order.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/rs/zerolog"
)

// WAL file format constants
var (
	WALMagic   = []byte{'A', 'R', 'C', 'W'}
	WALVersion = uint16(0x0001)
)

const (
	WALChecksumCRC32 = 0x01

	WALEntryHeaderSize = 16 // Length(4) + Sequence(8) + Checksum(4)
	WALFileHeaderSize  = 7  // Magic(4) + Version(2) + ChecksumType(1)

	// MaxWALPayloadSize bounds a single encoded mutation. Anything larger is
	// treated as corruption by the reader.
	MaxWALPayloadSize = 16 * 1024 * 1024

	segmentSuffix = ".wal"
)

// SyncMode defines how the WAL syncs to disk
type SyncMode string

const (
	SyncModeFsync     SyncMode = "fsync"     // Sync after every entry
	SyncModeFdatasync SyncMode = "fdatasync" // Same as fsync where fdatasync is unavailable
	SyncModeAsync     SyncMode = "async"     // Leave flushing to the OS
)

var (
	// ErrPayloadTooLarge indicates an encoded mutation above MaxWALPayloadSize.
	ErrPayloadTooLarge = errors.New("WAL payload exceeds maximum allowed size")

	// ErrOutOfOrder indicates an append whose sequence does not follow the last one.
	ErrOutOfOrder = errors.New("WAL sequence out of order")

	// ErrClosed indicates an append after Close.
	ErrClosed = errors.New("WAL writer is closed")

	// ErrFailed indicates a writer that could not remove a failed entry from
	// its segment. It rejects appends until the process restarts and recovery
	// repairs the log.
	ErrFailed = errors.New("WAL writer failed")
)

// segmentFile is the subset of *os.File the writer uses.
type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WriterConfig holds configuration for the WAL writer
type WriterConfig struct {
	Dir          string
	SyncMode     SyncMode
	MaxSizeBytes int64 // Rotate after the active segment reaches this size (default 64MB)

	// LastSequence is the catalog sequence the journal continues from,
	// usually the sequence reached by recovery.
	LastSequence uint64

	Logger zerolog.Logger
}

// Writer appends mutations synchronously. Append returns only after the
// entry is written and, unless SyncMode is async, synced.
type Writer struct {
	config WriterConfig
	logger zerolog.Logger

	mu          sync.Mutex
	currentFile segmentFile
	currentPath string
	currentSize int64
	lastSeq     uint64
	closed      bool
	failed      error

	totalEntries   int64
	totalBytes     int64
	totalRotations int64
}

// NewWriter creates the WAL directory if needed. The first segment is created
// by the first Append.
func NewWriter(cfg *WriterConfig) (*Writer, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeFsync
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 64 * 1024 * 1024
	}

	// Owner-only: the journal contains schema and trigger arguments
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &Writer{
		config:  *cfg,
		logger:  cfg.Logger.With().Str("component", "wal-writer").Logger(),
		lastSeq: cfg.LastSequence,
	}

	w.logger.Info().
		Str("dir", cfg.Dir).
		Str("sync_mode", string(cfg.SyncMode)).
		Int64("max_size_mb", cfg.MaxSizeBytes/1024/1024).
		Uint64("last_sequence", cfg.LastSequence).
		Msg("WAL writer initialized")
	return w, nil
}

// Append journals m as the mutation producing sequence seq, which must be
// exactly one past the previous entry.
func (w *Writer) Append(seq uint64, m catalog.Mutation) error {
	payload, err := catalog.EncodeMutation(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxWALPayloadSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxWALPayloadSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrFailed, w.failed)
	}
	if seq != w.lastSeq+1 {
		return fmt.Errorf("%w: append %d after %d", ErrOutOfOrder, seq, w.lastSeq)
	}
	if w.currentFile == nil {
		if err := w.openSegment(seq); err != nil {
			metrics.Get().IncWALErrors()
			return err
		}
	}

	entry := encodeEntry(seq, payload)
	n, err := w.currentFile.Write(entry)
	if err != nil {
		metrics.Get().IncWALErrors()
		w.rollback(seq)
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.sync(); err != nil {
		metrics.Get().IncWALErrors()
		w.rollback(seq)
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.lastSeq = seq
	w.currentSize += int64(n)
	w.totalEntries++
	w.totalBytes += int64(n)
	metrics.Get().IncWALEntries(int64(n))

	if w.currentSize >= w.config.MaxSizeBytes {
		w.logger.Info().
			Str("file", filepath.Base(w.currentPath)).
			Int64("size", w.currentSize).
			Msg("WAL segment full, rotating")
		w.closeSegment()
		w.totalRotations++
	}
	return nil
}

// rollback cuts the active segment back to its size before the failed entry
// for seq. The caller does not publish seq, so the entry must not survive
// into recovery. When the cut itself fails the writer stops accepting
// appends.
func (w *Writer) rollback(seq uint64) {
	err := w.currentFile.Truncate(w.currentSize)
	if err == nil {
		err = w.sync()
	}
	if err == nil {
		return
	}

	w.failed = fmt.Errorf("rollback of sequence %d in %s: %w", seq, filepath.Base(w.currentPath), err)
	w.logger.Error().
		Err(err).
		Uint64("sequence", seq).
		Str("file", filepath.Base(w.currentPath)).
		Msg("Failed to roll back WAL entry, rejecting further appends")
	w.closeSegment()
}

func encodeEntry(seq uint64, payload []byte) []byte {
	entry := make([]byte, WALEntryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(entry[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(entry[4:12], seq)
	copy(entry[WALEntryHeaderSize:], payload)
	binary.BigEndian.PutUint32(entry[12:16], entryChecksum(entry[4:12], payload))
	return entry
}

func entryChecksum(seq, payload []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE(seq), crc32.IEEETable, payload)
}

// PrepareHook returns a catalog prepare hook that journals each mutation
// before it is published.
func (w *Writer) PrepareHook() catalog.PrepareHook {
	return func(_ context.Context, c catalog.Commit) error {
		return w.Append(c.Result.Sequence, c.Mutation)
	}
}

// openSegment creates a segment whose first entry is seq. A leftover segment
// with the same name is reused only if it holds no complete entry, which
// happens when the previous attempt at seq failed mid-write.
func (w *Writer) openSegment(seq uint64) error {
	path := filepath.Join(w.config.Dir, segmentName(seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0600)
	if os.IsExist(err) {
		if holdsEntries(path) {
			return fmt.Errorf("WAL segment %s already holds entries", filepath.Base(path))
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0600)
	}
	if err != nil {
		return fmt.Errorf("failed to create WAL file: %w", err)
	}

	header := make([]byte, WALFileHeaderSize)
	copy(header[0:4], WALMagic)
	binary.BigEndian.PutUint16(header[4:6], WALVersion)
	header[6] = WALChecksumCRC32
	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write WAL header: %w", err)
	}

	w.currentFile = f
	w.currentPath = path
	w.currentSize = WALFileHeaderSize
	w.logger.Info().Str("file", filepath.Base(path)).Msg("WAL segment opened")
	return nil
}

func holdsEntries(path string) bool {
	rd, err := OpenReader(path)
	if err != nil {
		return !errors.Is(err, errTorn)
	}
	defer rd.Close()
	_, err = rd.Next()
	return err == nil || !(err == io.EOF || errors.Is(err, errTorn))
}

func (w *Writer) closeSegment() {
	if w.currentFile == nil {
		return
	}
	if err := w.currentFile.Close(); err != nil {
		w.logger.Error().Err(err).Str("file", w.currentPath).Msg("Failed to close WAL segment")
	}
	w.currentFile = nil
	w.currentPath = ""
	w.currentSize = 0
}

// sync syncs the active segment based on sync mode
func (w *Writer) sync() error {
	switch w.config.SyncMode {
	case SyncModeAsync:
		return nil
	default:
		return w.currentFile.Sync()
	}
}

// Truncate deletes segments whose entries all have a sequence <= upto,
// typically the sequence of the latest snapshot. The active segment is kept.
func (w *Writer) Truncate(upto uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segs, err := listSegments(w.config.Dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, seg := range segs {
		var last uint64
		switch {
		case i+1 < len(segs):
			last = segs[i+1].first - 1
		case seg.path == w.currentPath:
			continue
		default:
			last = w.lastSeq
		}
		if last > upto {
			break
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove WAL segment: %w", err)
		}
		removed++
	}

	if removed > 0 {
		w.logger.Info().
			Int("segments", removed).
			Uint64("upto_sequence", upto).
			Msg("WAL truncated")
	}
	return removed, nil
}

// Close closes the active segment. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.currentFile != nil {
		if w.config.SyncMode != SyncModeAsync {
			err = w.currentFile.Sync()
		}
		if cerr := w.currentFile.Close(); err == nil {
			err = cerr
		}
		w.currentFile = nil
	}
	w.logger.Info().
		Uint64("last_sequence", w.lastSeq).
		Int64("entries", w.totalEntries).
		Msg("WAL closed")
	return err
}

// LastSequence returns the sequence of the last appended entry.
func (w *Writer) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Stats returns WAL statistics
func (w *Writer) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"current_file":    filepath.Base(w.currentPath),
		"current_size":    w.currentSize,
		"sync_mode":       string(w.config.SyncMode),
		"last_sequence":   w.lastSeq,
		"total_entries":   w.totalEntries,
		"total_bytes":     w.totalBytes,
		"total_rotations": w.totalRotations,
		"failed":          w.failed != nil,
	}
}

type segment struct {
	path  string
	first uint64
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%020d%s", first, segmentSuffix)
}

// listSegments returns the segments in dir ordered by first sequence.
// Files that do not follow the naming scheme are ignored.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segs []segment
	for _, e := range entries {
		name := e.Name()
		digits, ok := strings.CutSuffix(name, segmentSuffix)
		if e.IsDir() || !ok || len(digits) != 20 {
			continue
		}
		first, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(dir, name), first: first})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	return segs, nil
}
