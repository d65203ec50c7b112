package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoSnapshot is returned by LoadLatest when the store is empty.
var ErrNoSnapshot = errors.New("no snapshot found")

const (
	keySuffix        = ".snap"
	pruneConcurrency = 4
)

// StoreConfig holds configuration for a snapshot Store
type StoreConfig struct {
	Backend     storage.Backend
	Prefix      string // key prefix, "snapshots/" by default
	Format      Format
	Compression Compression
	Logger      zerolog.Logger
}

// Store writes and reads checkpoints as <prefix><20-digit sequence>.snap so
// that lexical key order is sequence order.
type Store struct {
	backend     storage.Backend
	prefix      string
	format      Format
	compression Compression
	logger      zerolog.Logger
}

// Info describes a stored snapshot.
type Info struct {
	Key      string `json:"key"`
	Sequence uint64 `json:"sequence"`
	Size     int    `json:"size,omitempty"`
}

// NewStore creates a Store on cfg.Backend.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	format := cfg.Format
	if format == 0 {
		format = FormatJSON
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "snapshots/"
	}
	return &Store{
		backend:     cfg.Backend,
		prefix:      prefix,
		format:      format,
		compression: cfg.Compression,
		logger:      cfg.Logger.With().Str("component", "snapshot-store").Logger(),
	}, nil
}

// Key returns the object key for a snapshot at sequence.
func (s *Store) Key(sequence uint64) string {
	return fmt.Sprintf("%s%020d%s", s.prefix, sequence, keySuffix)
}

func (s *Store) parseKey(key string) (uint64, bool) {
	name, ok := strings.CutPrefix(key, s.prefix)
	if !ok || strings.Contains(name, "/") {
		return 0, false
	}
	digits, ok := strings.CutSuffix(name, keySuffix)
	if !ok || len(digits) != 20 {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Save writes c. Saving the same sequence twice overwrites the object with
// identical content.
func (s *Store) Save(ctx context.Context, c *catalog.Catalog) (Info, error) {
	data, err := Encode(c, s.format, s.compression)
	if err != nil {
		return Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := s.Key(c.Sequence())
	if err := s.backend.Write(ctx, key, data); err != nil {
		return Info{}, fmt.Errorf("write snapshot %s: %w", key, err)
	}

	s.logger.Info().
		Str("key", key).
		Uint64("sequence", c.Sequence()).
		Int("size", len(data)).
		Str("format", s.format.String()).
		Str("compression", s.compression.String()).
		Msg("Snapshot written")
	return Info{Key: key, Sequence: c.Sequence(), Size: len(data)}, nil
}

// List returns stored snapshots ordered by ascending sequence. Keys that do
// not follow the naming scheme are ignored.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	keys, err := s.backend.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		if seq, ok := s.parseKey(key); ok {
			infos = append(infos, Info{Key: key, Sequence: seq})
		}
	}
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return infos, nil
}

// LoadLatest returns the newest snapshot that decodes. Corrupt snapshots are
// logged and skipped. When snapshots exist but none decodes the last decode
// error is returned rather than ErrNoSnapshot, so callers do not silently
// start from an empty catalog.
func (s *Store) LoadLatest(ctx context.Context) (*catalog.Catalog, Info, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, Info{}, err
	}
	if len(infos) == 0 {
		return nil, Info{}, ErrNoSnapshot
	}

	var lastErr error
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		c, err := s.Load(ctx, info.Key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", info.Key).Msg("Skipping unreadable snapshot")
			lastErr = err
			continue
		}
		return c, info, nil
	}
	return nil, Info{}, fmt.Errorf("no readable snapshot among %d: %w", len(infos), lastErr)
}

// Load reads and decodes the snapshot at key. The sequence in the key must
// match the envelope.
func (s *Store) Load(ctx context.Context, key string) (*catalog.Catalog, error) {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	c, h, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path.Base(key), err)
	}
	if seq, ok := s.parseKey(key); ok && seq != h.Sequence {
		return nil, fmt.Errorf("decode %s: %w: key sequence %d, envelope sequence %d", path.Base(key), catalog.ErrDecode, seq, h.Sequence)
	}
	return c, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// deleted.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune must keep at least one snapshot, got %d", keep)
	}
	infos, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) <= keep {
		return 0, nil
	}
	victims := infos[:len(infos)-keep]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pruneConcurrency)
	for _, info := range victims {
		g.Go(func() error {
			if err := s.backend.Delete(gctx, info.Key); err != nil {
				return fmt.Errorf("delete %s: %w", info.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	s.logger.Info().
		Int("deleted", len(victims)).
		Uint64("oldest_kept", infos[len(infos)-keep].Sequence).
		Msg("Old snapshots pruned")
	return len(victims), nil
}
