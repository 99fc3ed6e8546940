// Package signalsupervisor registers OS signal handlers and arbitrates a
// single-shot graceful shutdown sequence, independent of the Runner's own
// internals — it depends only on a narrow capability interface so it never
// needs to know about the Runner directly.
package signalsupervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maumercado/taskrunner/internal/logger"
)

// Capability is the narrow surface the Signal Supervisor needs from the
// process-owning side of the system. Keeping it this small avoids a
// Runner<->Supervisor<->ProcessManager import cycle.
type Capability interface {
	RunningCount() int
	KillAll()
}

// Teardown is the caller-supplied graceful-stop hook, invoked once a
// shutdown signal is observed. It should stop the polling loop and release
// claims for in-flight work, but is not expected to wait for owned
// processes to exit — that is the Supervisor's job.
type Teardown func(ctx context.Context, reason string) error

// PersistFinal is invoked once after the shutdown sequence completes (clean
// or forced) so the caller can write a final status=stopped snapshot.
type PersistFinal func()

// Supervisor owns signal registration and the shutdown state machine.
type Supervisor struct {
	capability       Capability
	teardown         Teardown
	persistFinal     PersistFinal
	gracefulTimeout  time.Duration
	forceKillTimeout time.Duration

	mu           sync.Mutex
	shuttingDown bool
	sigCh        chan os.Signal
	reloadCh     chan struct{}
}

// New constructs a Supervisor. gracefulTimeout bounds how long shutdown
// waits for owned work to finish on its own; forceKillTimeout bounds how
// long it then waits after killAll.
func New(capability Capability, teardown Teardown, persistFinal PersistFinal, gracefulTimeout, forceKillTimeout time.Duration) *Supervisor {
	return &Supervisor{
		capability:       capability,
		teardown:         teardown,
		persistFinal:     persistFinal,
		gracefulTimeout:  gracefulTimeout,
		forceKillTimeout: forceKillTimeout,
		reloadCh:         make(chan struct{}, 1),
	}
}

// Reload returns a channel that receives a value each time SIGHUP (reload)
// is observed while the supervisor is not shutting down. The receiver is
// expected to reset any cached configuration.
func (s *Supervisor) Reload() <-chan struct{} {
	return s.reloadCh
}

// Start registers signal handlers and blocks until a shutdown completes,
// returning the exit code (0 clean, 1 on internal error during shutdown).
func (s *Supervisor) Start(ctx context.Context) int {
	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(s.sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx, "context cancelled")
		case sig := <-s.sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.handleReload()
			default:
				return s.shutdown(ctx, sig.String())
			}
		}
	}
}

func (s *Supervisor) handleReload() {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return
	}
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// shutdown runs the single-shot sequence. A second call while one is
// already in flight is a no-op that returns 0 immediately — only the first
// caller drives teardown.
func (s *Supervisor) shutdown(ctx context.Context, reason string) int {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return 0
	}
	s.shuttingDown = true
	s.mu.Unlock()

	// Unregister so a second signal falls through to the default handler
	// instead of re-entering this sequence.
	signal.Stop(s.sigCh)

	logger.Info().Str("reason", reason).Msg("shutdown signal received")

	exitCode := 0

	teardownCtx, cancel := context.WithTimeout(context.Background(), s.gracefulTimeout)
	defer cancel()
	if err := s.teardown(teardownCtx, reason); err != nil {
		logger.Error().Err(err).Msg("teardown returned an error")
		exitCode = 1
	}

	if !s.waitForDrain(s.gracefulTimeout) {
		logger.Warn().Msg("graceful timeout elapsed with work still running, force-killing")
		s.capability.KillAll()
		if !s.waitForDrain(s.forceKillTimeout) {
			logger.Error().Msg("force-kill timeout elapsed with work still running")
			exitCode = 1
		}
	}

	if s.persistFinal != nil {
		s.persistFinal()
	}

	return exitCode
}

func (s *Supervisor) waitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.capability.RunningCount() == 0 {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return s.capability.RunningCount() == 0
}
