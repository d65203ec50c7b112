// Package auth guards the admin API with bearer tokens. Tokens are stored as
// bcrypt hashes in SQLite; verified tokens are cached in memory for a short
// TTL.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Permission is a capability granted to a token.
type Permission string

const (
	PermRead   Permission = "read"   // list and download the catalog
	PermWrite  Permission = "write"  // create databases, tables, columns, triggers
	PermDelete Permission = "delete" // soft-delete catalog objects and triggers
	PermAdmin  Permission = "admin"  // everything, plus checkpoints, audit and tokens
)

// DefaultPermissions are granted when a token is created without an explicit list.
var DefaultPermissions = []Permission{PermRead, PermWrite}

var (
	// ErrTokenNotFound indicates an unknown token ID.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExists indicates a token name that is already in use.
	ErrTokenExists = errors.New("token name already in use")

	// ErrInvalidPermission indicates a permission outside read, write, delete and admin.
	ErrInvalidPermission = errors.New("invalid permission")
)

// lookupLen is the number of hex digits of the token's SHA-256 kept in the
// clear, so verification compares one bcrypt hash instead of all of them.
const lookupLen = 16

// ParsePermissions validates a permission list and removes duplicates.
func ParsePermissions(list []string) ([]Permission, error) {
	seen := make(map[Permission]bool, len(list))
	perms := make([]Permission, 0, len(list))
	for _, s := range list {
		p := Permission(strings.ToLower(strings.TrimSpace(s)))
		switch p {
		case PermRead, PermWrite, PermDelete, PermAdmin:
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
		}
		if !seen[p] {
			seen[p] = true
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func joinPermissions(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitPermissions(s string) []Permission {
	if s == "" {
		return []Permission{}
	}
	parts := strings.Split(s, ",")
	perms := make([]Permission, len(parts))
	for i, p := range parts {
		perms[i] = Permission(p)
	}
	return perms
}

// TokenInfo is token metadata. The token value and its hash are never exposed.
type TokenInfo struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// Has reports whether the token grants p. Admin grants everything.
func (t *TokenInfo) Has(p Permission) bool {
	if t == nil {
		return false
	}
	for _, granted := range t.Permissions {
		if granted == PermAdmin || granted == p {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	info      *TokenInfo
	expiresAt time.Time
}

// ManagerConfig holds configuration for the token manager
type ManagerConfig struct {
	DBPath       string
	CacheTTL     time.Duration
	MaxCacheSize int
	Logger       zerolog.Logger
}

// Manager creates, verifies and revokes API tokens
type Manager struct {
	db           *sql.DB
	cacheTTL     time.Duration
	maxCacheSize int
	logger       zerolog.Logger

	mu        sync.Mutex
	cache     map[string]cacheEntry // sha256(token) -> verified info
	hits      int64
	misses    int64
	evictions int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager opens the token database and starts cache cleanup.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("auth database path is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create auth database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open auth database: %w", err)
	}
	db.SetMaxOpenConns(1)

	m := &Manager{
		db:           db,
		cacheTTL:     cfg.CacheTTL,
		maxCacheSize: cfg.MaxCacheSize,
		logger:       cfg.Logger.With().Str("component", "auth").Logger(),
		cache:        make(map[string]cacheEntry),
		stopCh:       make(chan struct{}),
	}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	// Token hashes are secrets too.
	if err := os.Chmod(cfg.DBPath, 0600); err != nil {
		m.logger.Warn().Err(err).Str("path", cfg.DBPath).Msg("Failed to restrict auth database permissions")
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	m.logger.Info().
		Str("db_path", cfg.DBPath).
		Dur("cache_ttl", cfg.CacheTTL).
		Int("max_cache_size", cfg.MaxCacheSize).
		Msg("Token manager initialized")
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		token_lookup TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		description TEXT,
		permissions TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP,
		expires_at TIMESTAMP,
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_api_tokens_lookup ON api_tokens(token_lookup);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create api_tokens table: %w", err)
	}
	return nil
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	interval := m.cacheTTL
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.purgeExpired(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) purgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, e := range m.cache {
		if now.After(e.expiresAt) {
			delete(m.cache, key)
			n++
		}
	}
	return n
}

func digest(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashNew returns a fresh token with its lookup prefix and bcrypt hash.
func hashNew() (token, lookup, hash string, err error) {
	token, err = generateToken()
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash token: %w", err)
	}
	return token, digest(token)[:lookupLen], string(h), nil
}

// CreateToken stores a new token and returns its value, which is shown only
// this once. A nil perms grants DefaultPermissions.
func (m *Manager) CreateToken(ctx context.Context, name, description string, perms []Permission, expiresAt *time.Time) (string, *TokenInfo, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("token name is required")
	}
	if perms == nil {
		perms = DefaultPermissions
	}
	token, lookup, hash, err := hashNew()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO api_tokens (name, token_lookup, token_hash, description, permissions, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, name, lookup, hash, description, joinPermissions(perms), now, nullTime(expiresAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", nil, fmt.Errorf("%w: %q", ErrTokenExists, name)
		}
		return "", nil, fmt.Errorf("failed to create token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create token: %w", err)
	}

	m.logger.Info().
		Int64("token_id", id).
		Str("name", name).
		Str("permissions", joinPermissions(perms)).
		Msg("Created API token")

	info := &TokenInfo{
		ID:          id,
		Name:        name,
		Description: description,
		Permissions: perms,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Enabled:     true,
	}
	return token, info, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// VerifyToken returns the token's info, or nil when the token is unknown,
// revoked or expired.
func (m *Manager) VerifyToken(ctx context.Context, token string) *TokenInfo {
	if token == "" {
		return nil
	}
	key := digest(token)
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.cache[key]; ok && now.Before(e.expiresAt) {
		m.hits++
		m.mu.Unlock()
		return e.info
	}
	m.misses++
	m.mu.Unlock()

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, token_hash, description, permissions, created_at, last_used_at, expires_at
		FROM api_tokens WHERE token_lookup = ? AND enabled = 1
	`, key[:lookupLen])
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to query tokens")
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash        string
			description sql.NullString
			permissions string
			lastUsed    sql.NullTime
			expires     sql.NullTime
		)
		info := &TokenInfo{Enabled: true}
		if err := rows.Scan(&info.ID, &info.Name, &hash, &description, &permissions, &info.CreatedAt, &lastUsed, &expires); err != nil {
			m.logger.Error().Err(err).Msg("Failed to scan token row")
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			continue
		}
		if expires.Valid && now.After(expires.Time) {
			m.logger.Debug().Str("name", info.Name).Msg("Rejected expired token")
			return nil
		}

		info.Description = description.String
		info.Permissions = splitPermissions(permissions)
		if expires.Valid {
			t := expires.Time
			info.ExpiresAt = &t
		}
		used := now.UTC()
		info.LastUsedAt = &used
		rows.Close()

		if _, err := m.db.ExecContext(ctx, "UPDATE api_tokens SET last_used_at = ? WHERE id = ?", used, info.ID); err != nil {
			m.logger.Warn().Err(err).Int64("token_id", info.ID).Msg("Failed to update last_used_at")
		}
		m.remember(key, info, now)
		return info
	}
	return nil
}

// remember caches info, evicting the entry closest to expiry when full. An
// expiring token is cached no longer than it is valid.
func (m *Manager) remember(key string, info *TokenInfo, now time.Time) {
	until := now.Add(m.cacheTTL)
	if info.ExpiresAt != nil && info.ExpiresAt.Before(until) {
		until = *info.ExpiresAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[key]; !ok && len(m.cache) >= m.maxCacheSize {
		var oldest string
		var oldestAt time.Time
		for k, e := range m.cache {
			if oldest == "" || e.expiresAt.Before(oldestAt) {
				oldest, oldestAt = k, e.expiresAt
			}
		}
		delete(m.cache, oldest)
		m.evictions++
	}
	m.cache[key] = cacheEntry{info: info, expiresAt: until}
}

// ListTokens returns all tokens, revoked ones included, ordered by ID.
func (m *Manager) ListTokens(ctx context.Context) ([]TokenInfo, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, description, permissions, created_at, last_used_at, expires_at, enabled
		FROM api_tokens ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]TokenInfo, 0)
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *info)
	}
	return tokens, rows.Err()
}

// GetToken returns one token by ID.
func (m *Manager) GetToken(ctx context.Context, id int64) (*TokenInfo, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, name, description, permissions, created_at, last_used_at, expires_at, enabled
		FROM api_tokens WHERE id = ?
	`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return info, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInfo(s scanner) (*TokenInfo, error) {
	var (
		info        TokenInfo
		description sql.NullString
		permissions string
		lastUsed    sql.NullTime
		expires     sql.NullTime
	)
	if err := s.Scan(&info.ID, &info.Name, &description, &permissions, &info.CreatedAt, &lastUsed, &expires, &info.Enabled); err != nil {
		return nil, err
	}
	info.Description = description.String
	info.Permissions = splitPermissions(permissions)
	if lastUsed.Valid {
		t := lastUsed.Time
		info.LastUsedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		info.ExpiresAt = &t
	}
	return &info, nil
}

// RevokeToken disables a token. Revoked tokens stay listed.
func (m *Manager) RevokeToken(ctx context.Context, id int64) error {
	if err := m.execByID(ctx, "UPDATE api_tokens SET enabled = 0 WHERE id = ?", id); err != nil {
		return err
	}
	m.logger.Info().Int64("token_id", id).Msg("Revoked API token")
	return nil
}

// DeleteToken removes a token.
func (m *Manager) DeleteToken(ctx context.Context, id int64) error {
	if err := m.execByID(ctx, "DELETE FROM api_tokens WHERE id = ?", id); err != nil {
		return err
	}
	m.logger.Info().Int64("token_id", id).Msg("Deleted API token")
	return nil
}

// RotateToken replaces a token's value and returns the new one. The old
// value stops working immediately.
func (m *Manager) RotateToken(ctx context.Context, id int64) (string, error) {
	token, lookup, hash, err := hashNew()
	if err != nil {
		return "", err
	}
	if err := m.execByID(ctx, "UPDATE api_tokens SET token_lookup = ?, token_hash = ? WHERE id = ?", id, lookup, hash); err != nil {
		return "", err
	}
	m.logger.Info().Int64("token_id", id).Msg("Rotated API token")
	return token, nil
}

// execByID runs a statement whose last argument is the token ID, then drops
// the cache so the change takes effect on the next request.
func (m *Manager) execByID(ctx context.Context, query string, id int64, args ...interface{}) error {
	res, err := m.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update token %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	m.InvalidateCache()
	return nil
}

// EnsureInitialToken creates an admin token when the database holds none and
// returns its value. It returns "" when tokens already exist.
func (m *Manager) EnsureInitialToken(ctx context.Context) (string, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_tokens").Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count tokens: %w", err)
	}
	if count > 0 {
		return "", nil
	}

	m.logger.Info().Msg("No API tokens found, creating initial admin token")
	token, _, err := m.CreateToken(ctx, "admin", "Initial admin token", []Permission{PermAdmin}, nil)
	if errors.Is(err, ErrTokenExists) {
		return "", nil
	}
	return token, err
}

// InvalidateCache drops every cached verification.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	cleared := len(m.cache)
	m.cache = make(map[string]cacheEntry)
	m.mu.Unlock()

	m.logger.Debug().Int("cleared", cleared).Msg("Token cache invalidated")
}

// CacheStats returns cache statistics
func (m *Manager) CacheStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits + m.misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(m.hits) / float64(total) * 100
	}
	return map[string]interface{}{
		"cache_size":        len(m.cache),
		"max_cache_size":    m.maxCacheSize,
		"cache_ttl_seconds": m.cacheTTL.Seconds(),
		"cache_hits":        m.hits,
		"cache_misses":      m.misses,
		"cache_evictions":   m.evictions,
		"hit_rate_percent":  hitRate,
	}
}

// Close stops cache cleanup and closes the database.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return m.db.Close()
}
