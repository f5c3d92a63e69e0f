package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailwarm/internal/metrics"
)

// LogPurger removes log entries older than a cutoff
type LogPurger interface {
	PurgeLogs(ctx context.Context, before time.Time) (int, error)
}

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// LogMaxAge is how long message and engagement logs are kept
	LogMaxAge time.Duration
	Interval  time.Duration
}

// Cleaner periodically purges old message and engagement logs
type Cleaner struct {
	logs   LogPurger
	cfg    CleanerConfig
	nowFn  func() time.Time
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// NewCleaner creates a new cleaner service
func NewCleaner(logs LogPurger, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}

	return &Cleaner{
		logs:   logs,
		cfg:    cfg,
		nowFn:  time.Now,
		logger: logger.With("component", "cleaner"),
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop; a zero LogMaxAge keeps logs forever
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.LogMaxAge <= 0 {
		c.logger.Info("log retention disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"log_max_age", c.cfg.LogMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for goroutines to finish
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce purges logs older than the retention window
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.logs.PurgeLogs(ctx, c.nowFn().Add(-c.cfg.LogMaxAge))
	if err != nil {
		c.logger.Error("failed to purge logs", "error", err)
		return 0
	}

	if deleted > 0 {
		metrics.AddLogsPurged(deleted)
		c.logger.Info("purged old logs", "deleted", deleted)
	}
	return deleted
}
