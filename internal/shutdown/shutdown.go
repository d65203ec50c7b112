package shutdown

import (
	"cmp"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Func performs cleanup during shutdown. It must respect ctx.
type Func func(ctx context.Context) error

// Shutdown priorities for the catalog service. Lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting mutations
	PriorityScheduler  = 20 // stop cron and write a final checkpoint
	PriorityRaft       = 30 // leave the replication group
	PriorityAudit      = 40 // drain queued audit records
	PriorityAuth       = 45 // close the token database
	PriorityWAL        = 50 // fsync and close the active segment
	PriorityStorage    = 60 // snapshot backend
)

type step struct {
	name     string
	fn       Func
	priority int
	seq      int
}

// Coordinator runs registered cleanup steps in priority order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	runOnce     sync.Once
	triggerOnce sync.Once
	done        chan struct{}
	err         error
}

// New creates a coordinator whose Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register adds an io.Closer. Equal priorities run in registration order.
func (c *Coordinator) Register(name string, closer io.Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterHook adds a context-aware cleanup function.
func (c *Coordinator) RegisterHook(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, fn: fn, priority: priority, seq: len(c.steps)})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// WaitForSignal blocks until SIGINT/SIGTERM or Trigger.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.done:
		return syscall.SIGTERM
	}
}

// Trigger starts shutdown programmatically. Safe for concurrent use.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.done)
	})
}

// Shutdown runs every step once, lowest priority first. A failing step does
// not stop later ones; the returned error joins all failures. Steps left when
// the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.runOnce.Do(func() {
		c.triggerOnce.Do(func() { close(c.done) })

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortFunc(steps, func(a, b step) int {
			if d := cmp.Compare(a.priority, b.priority); d != 0 {
				return d
			}
			return cmp.Compare(a.seq, b.seq)
		})

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
