// Package local executes task attempts as host subprocesses. Each attempt
// runs in its own process group so the whole tree can be terminated, SIGTERM
// first, SIGKILL after the grace period.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

func init() {
	backend.RegisterFactory(backend.ProviderLocal, func(cfg backend.Config, providerCfg any, log *logger.Logger) (backend.Backend, error) {
		c := &Config{}
		if providerCfg != nil {
			pc, ok := providerCfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("local: expected *local.Config, got %T", providerCfg)
			}
			c = pc
		}
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewRunner(c, cfg.GracePeriod, log), nil
	})
}

// Runner implements backend.Backend using host subprocesses.
type Runner struct {
	cfg   *Config
	grace time.Duration
	log   *logger.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	resolved *task.Resolved
	cmd      *exec.Cmd
	kill     context.CancelFunc
	done     chan struct{}

	// set by the wait goroutine before done is closed
	exitCode int
	waitErr  error
	stderr   *bytes.Buffer
	killed   bool
}

// NewRunner creates a local subprocess runner.
func NewRunner(cfg *Config, grace time.Duration, log *logger.Logger) *Runner {
	if grace == 0 {
		grace = backend.DefaultGracePeriod
	}
	return &Runner{
		cfg:   cfg,
		grace: grace,
		log:   log.WithComponent("backend.local"),
		procs: make(map[string]*proc),
	}
}

// Submit starts the resolved command under the configured shell and returns
// immediately. The attempt's lifetime is detached from the submit context;
// only Cancel stops it.
func (r *Runner) Submit(ctx context.Context, resolved *task.Resolved, res task.Resources) (backend.Handle, error) {
	if resolved.Command == "" {
		return backend.Handle{}, errors.Internal(fmt.Errorf("local: empty command for %s", resolved.Name()))
	}
	if err := os.MkdirAll(resolved.OutputDir, 0o755); err != nil {
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderLocal, err)
	}

	runCtx, kill := context.WithCancel(context.Background())

	c := exec.CommandContext(runCtx, r.cfg.Shell, "-c", resolved.Command) //nolint:gosec // running user commands is the purpose of this backend
	c.Dir = resolved.OutputDir
	c.Env = append(os.Environ(), r.cfg.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	// Process group so the whole tree dies together.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = r.grace

	if err := c.Start(); err != nil {
		kill()
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderLocal, err)
	}

	p := &proc{
		resolved: resolved,
		cmd:      c,
		kill:     kill,
		done:     make(chan struct{}),
		stderr:   &stderr,
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.procs[id] = p
	r.mu.Unlock()

	r.log.Debug("process started", map[string]interface{}{
		logger.FieldInstance: resolved.Name(),
		"pid":                c.Process.Pid,
	})

	go func() {
		err := c.Wait()
		r.mu.Lock()
		p.waitErr = err
		p.exitCode = c.ProcessState.ExitCode()
		p.killed = runCtx.Err() != nil
		r.mu.Unlock()
		close(p.done)
	}()

	return backend.Handle{ID: id, Provider: backend.ProviderLocal}, nil
}

// Poll reports the attempt state without blocking.
func (r *Runner) Poll(ctx context.Context, h backend.Handle) (backend.PollResult, error) {
	p, err := r.lookup(h)
	if err != nil {
		return backend.PollResult{}, err
	}

	select {
	case <-p.done:
	default:
		return backend.PollResult{Phase: backend.PhaseRunning}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.waitErr == nil {
		return backend.PollResult{Phase: backend.PhaseSucceeded, ExitCode: 0}, nil
	}

	msg := stderrTail(p.stderr.String())
	if p.killed {
		if msg == "" {
			msg = "terminated"
		}
		return backend.PollResult{Phase: backend.PhaseFailed, ExitCode: -1, Message: msg}, nil
	}
	return backend.PollResult{Phase: backend.PhaseFailed, ExitCode: p.exitCode, Message: msg}, nil
}

// Cancel terminates the attempt's process group, SIGTERM first, SIGKILL
// after the grace period (via WaitDelay).
func (r *Runner) Cancel(ctx context.Context, h backend.Handle) error {
	p, err := r.lookup(h)
	if err != nil {
		return err
	}
	p.kill()

	select {
	case <-p.done:
		return nil
	case <-time.After(r.grace + time.Second):
		return errors.Internal(fmt.Errorf("local: process for %s did not exit within grace period", p.resolved.Name()))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectOutputs maps declared outputs to locations and forgets the handle.
func (r *Runner) CollectOutputs(ctx context.Context, h backend.Handle) (map[string]string, error) {
	p, err := r.lookup(h)
	if err != nil {
		return nil, err
	}

	outputs := backend.CollectFromDir(p.resolved)

	r.mu.Lock()
	delete(r.procs, h.ID)
	r.mu.Unlock()

	return outputs, nil
}

func (r *Runner) lookup(h backend.Handle) (*proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[h.ID]
	if !ok {
		return nil, errors.Internal(fmt.Errorf("local: unknown handle %s", h.ID))
	}
	return p, nil
}

// stderrTail keeps the last few lines of stderr for failure summaries.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	return tail
}

var _ backend.Backend = (*Runner)(nil)
