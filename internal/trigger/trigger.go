// Package trigger starts engine runs on demand over HTTP and on a cron
// schedule. Both paths share one Trigger so runs never overlap in a process.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/engine"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one engine pass.
type Runner interface {
	Run(ctx context.Context) (*engine.RunReport, error)
}

// Trigger serializes runs within the process.
type Trigger struct {
	runner  Runner
	logger  *logrus.Logger
	mu      sync.Mutex
	state   sync.Mutex
	running bool
	lastAt  time.Time
	lastErr error
	last    *engine.RunReport
}

// New wraps runner.
func New(runner Runner, logger *logrus.Logger) *Trigger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trigger{runner: runner, logger: logger}
}

// RunOnce starts a run unless one is already active, in which case it
// returns ErrRunInProgress without waiting.
func (t *Trigger) RunOnce(ctx context.Context) (*engine.RunReport, error) {
	if !t.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer t.mu.Unlock()

	t.setRunning(true)
	report, err := t.runner.Run(ctx)
	t.state.Lock()
	t.running = false
	t.lastAt = time.Now()
	t.last, t.lastErr = report, err
	t.state.Unlock()

	if err != nil {
		t.logger.WithError(err).Error("Run failed")
	}
	return report, err
}

func (t *Trigger) setRunning(v bool) {
	t.state.Lock()
	t.running = v
	t.state.Unlock()
}

// Status describes the trigger for health checks.
type Status struct {
	Running   bool              `json:"running"`
	LastRunAt *time.Time        `json:"last_run_at,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Last      *engine.RunReport `json:"last_report,omitempty"`
}

// Status returns the current state and the last run result.
func (t *Trigger) Status() Status {
	t.state.Lock()
	defer t.state.Unlock()
	s := Status{Running: t.running, Last: t.last}
	if !t.lastAt.IsZero() {
		at := t.lastAt.UTC()
		s.LastRunAt = &at
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}
