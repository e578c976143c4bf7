package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/clock"
	"github.com/onnwee/attendsync/internal/jobs"
)

// DefaultRolloverInterval is how often the rollover job checks the date.
const DefaultRolloverInterval = time.Minute

// RolloverConfig configures the day rollover job.
type RolloverConfig struct {
	// Interval is the duration between date checks.
	Interval time.Duration
	// Location defines the attendance day boundary. Defaults to time.Local.
	Location *time.Location
	Clock    clock.Clock
	Logger   *slog.Logger
	// JobMetrics for centralized background job tracking.
	JobMetrics jobs.Reporter
	// OnRollover runs after the reset with the new date, typically to import
	// records already stored for that day.
	OnRollover func(ctx context.Context, date attendance.Date)
}

// Resetter is cleared on every day rollover.
type Resetter interface {
	Reset()
}

// RolloverJob clears the reconciled view when the calendar day changes.
type RolloverJob struct {
	config RolloverConfig
	engine Resetter

	mu      sync.Mutex
	running bool
	current attendance.Date
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRolloverJob creates a rollover job that resets engine, typically the
// Synchronizer so its delivery cursor is cleared too.
func NewRolloverJob(config RolloverConfig, engine Resetter) *RolloverJob {
	if config.Interval <= 0 {
		config.Interval = DefaultRolloverInterval
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RolloverJob{
		config:  config,
		engine:  engine,
		current: today(config.Clock, config.Location),
	}
}

// Start begins the periodic date check.
// Returns immediately; the job runs in a background goroutine.
func (j *RolloverJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.current = today(j.config.Clock, j.config.Location)
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	go j.run(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *RolloverJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *RolloverJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Current returns the attendance day the view currently holds.
func (j *RolloverJob) Current() attendance.Date {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

func (j *RolloverJob) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := j.config.Clock.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("rollover job stopping due to context cancellation")
			return
		case <-stopCh:
			j.config.Logger.Info("rollover job stopping due to stop signal")
			return
		case <-ticker.C():
			j.Check(ctx)
		}
	}
}

// Check resets the engine if the day has changed since the last check and
// reports whether it did.
func (j *RolloverJob) Check(ctx context.Context) bool {
	now := today(j.config.Clock, j.config.Location)

	j.mu.Lock()
	prev := j.current
	if now == prev {
		j.mu.Unlock()
		return false
	}
	j.current = now
	j.mu.Unlock()

	_ = jobs.Track(j.config.JobMetrics, jobs.JobTypeDayRollover, nil, func() error {
		j.engine.Reset()
		return nil
	})
	j.config.Logger.Info("attendance day rolled over",
		slog.String("previous", prev.String()),
		slog.String("current", now.String()),
	)

	if j.config.OnRollover != nil {
		j.config.OnRollover(ctx, now)
	}
	return true
}
