package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned without calling the backend while the breaker
// is open.
var ErrCircuitOpen = errors.New("storage: circuit breaker is open")

// ResilientConfig holds retry and circuit breaker settings
type ResilientConfig struct {
	MaxFailures   int           // consecutive failures that open the circuit
	OpenTimeout   time.Duration // time before a trial request is let through
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns the settings used for remote backends
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		OpenTimeout:   30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// ResilientBackend retries failed calls with exponential backoff and stops
// calling the backend after repeated failures. ErrNotFound is a normal
// answer and is neither retried nor counted.
type ResilientBackend struct {
	backend Backend
	cfg     ResilientConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewResilientBackend wraps backend. A nil cfg uses DefaultResilientConfig.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &ResilientBackend{
		backend: backend,
		cfg:     *cfg,
		logger:  logger.With().Str("component", "resilient-storage").Str("backend", backend.Type()).Logger(),
		now:     time.Now,
	}
}

func (r *ResilientBackend) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures < r.cfg.MaxFailures {
		return true
	}
	// Half-open: one trial per timeout window
	if r.now().Sub(r.openedAt) >= r.cfg.OpenTimeout {
		r.openedAt = r.now()
		return true
	}
	return false
}

func (r *ResilientBackend) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil || errors.Is(err, ErrNotFound) {
		r.failures = 0
		return
	}
	r.failures++
	if r.failures == r.cfg.MaxFailures {
		r.openedAt = r.now()
		r.logger.Warn().Int("failures", r.failures).Msg("Circuit breaker opened")
	}
}

// IsCircuitOpen reports whether calls are currently being rejected.
func (r *ResilientBackend) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures >= r.cfg.MaxFailures
}

func (r *ResilientBackend) do(ctx context.Context, op, key string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if !r.allow() {
			return ErrCircuitOpen
		}
		err := fn()
		r.record(err)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay << uint(attempt)
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("key", key).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.cfg.MaxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "write", key, func() error { return r.backend.Write(ctx, key, data) })
}

func (r *ResilientBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", key, func() (err error) {
		data, err = r.backend.Read(ctx, key)
		return err
	})
	return data, err
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() (err error) {
		keys, err = r.backend.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *ResilientBackend) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error { return r.backend.Delete(ctx, key) })
}

func (r *ResilientBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", key, func() (err error) {
		ok, err = r.backend.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (r *ResilientBackend) Close() error {
	return r.backend.Close()
}

func (r *ResilientBackend) Type() string {
	return r.backend.Type()
}
