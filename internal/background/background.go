// Package background runs the daemon's periodic and startup jobs, each
// in its own goroutine so one failing job never takes down another.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one unit of recurring work. Every is the tick interval; zero
// or less means the job has no schedule and only runs when AtStart is
// set.
type Job struct {
	Name    string
	Every   time.Duration
	AtStart bool
	Run     func(ctx context.Context) error
}

// Manager supervises a fixed set of jobs.
type Manager struct {
	logger *slog.Logger
	jobs   []Job
}

// NewManager creates a manager over the given jobs.
func NewManager(logger *slog.Logger, jobs ...Job) *Manager {
	return &Manager{logger: logger, jobs: jobs}
}

// Add registers another job. Only valid before Start.
func (m *Manager) Add(job Job) {
	m.jobs = append(m.jobs, job)
}

// Start launches every job loop and blocks until the context is
// cancelled and all loops have drained, or until every job has run out
// of work.
func (m *Manager) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, job := range m.jobs {
		if job.Run == nil {
			m.logger.Warn("background job has no body, skipping", "job", job.Name)

			continue
		}

		wg.Add(1)

		go func(job Job) {
			defer wg.Done()
			m.runLoop(ctx, job)
		}(job)
	}

	wg.Wait()

	return ctx.Err()
}

func (m *Manager) runLoop(ctx context.Context, job Job) {
	if job.AtStart {
		m.runOnce(ctx, job)
	}

	if job.Every <= 0 {
		return
	}

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx, job)
		}
	}
}

// runOnce executes one pass of a job. A panic or error is logged and
// contained; the loop keeps its schedule.
func (m *Manager) runOnce(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("background job panicked",
				slog.String("job", job.Name),
				slog.String("panic", fmt.Sprintf("%v", rec)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	started := time.Now()

	if err := job.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		m.logger.Warn("background job failed",
			"job", job.Name,
			"duration", time.Since(started),
			"error", err)

		return
	}

	m.logger.Debug("background job completed",
		"job", job.Name,
		"duration", time.Since(started))
}
