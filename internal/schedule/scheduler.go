// Package schedule runs periodic maintenance jobs.
package schedule

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/events"
)

// Job is a named unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job name.
func (j JobFunc) Name() string { return j.JobName }

// Run calls Fn.
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// CronScheduler runs jobs on five-field cron specs. A run that is still going when its next
// tick fires makes that tick a no-op.
type CronScheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

// NewCronScheduler returns a stopped scheduler.
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// AddJob schedules job. Adding a name twice replaces the earlier entry.
func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := c.logger.With(zap.String("job", name), zap.String("spec", spec))
	entryID, err := c.cron.AddFunc(spec, c.wrap(job, logger))
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return err
	}
	c.mu.Lock()
	if old, ok := c.entries[name]; ok {
		c.cron.Remove(old)
	}
	c.entries[name] = entryID
	c.mu.Unlock()
	logger.Info("job scheduled")
	return nil
}

// Jobs returns the scheduled job names.
func (c *CronScheduler) Jobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the scheduler in the background; jobs receive ctx.
func (c *CronScheduler) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

// Stop stops scheduling and waits for running jobs.
func (c *CronScheduler) Stop() {
	<-c.cron.Stop().Done()
}

func (c *CronScheduler) wrap(job Job, logger *zap.Logger) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			logger.Info("job skipped: still running")
			return
		}
		defer running.Store(false)

		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		start := time.Now()
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
			return
		}
		logger.Debug("job finished", zap.Duration("duration", elapsed))
	}
}

// GarbageCollector compacts queue storage.
type GarbageCollector interface {
	RunGC() error
}

// QueueStatser reports queue depths.
type QueueStatser interface {
	Stats(ctx context.Context) map[string]events.QueueStats
}

// QueueGCJob reclaims space in the router's value log.
func QueueGCJob(gc GarbageCollector) Job {
	return JobFunc{JobName: "queue-gc", Fn: func(ctx context.Context) error { return gc.RunGC() }}
}

// QueueDepthJob logs each queue's depth and warns when a queue has dead letters.
func QueueDepthJob(src QueueStatser, logger *zap.Logger) Job {
	return JobFunc{JobName: "queue-depth", Fn: func(ctx context.Context) error {
		stats := src.Stats(ctx)
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := stats[name]
			fields := []zap.Field{
				zap.String("queue", name),
				zap.Int("ready", s.Ready),
				zap.Int("delayed", s.Delayed),
				zap.Int("in_flight", s.InFlight),
				zap.Int("dead_lettered", s.DeadLettered),
			}
			if s.DeadLettered > 0 {
				logger.Warn("queue has dead letters", fields...)
				continue
			}
			logger.Info("queue depth", fields...)
		}
		return nil
	}}
}
