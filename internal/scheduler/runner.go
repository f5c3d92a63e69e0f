// Package scheduler drives warmup cycles periodically for every active account.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// CycleRunner runs one warmup cycle for an account
type CycleRunner interface {
	RunCycle(ctx context.Context, email string) (*warmup.CycleReport, error)
}

// AccountLister lists accounts
type AccountLister interface {
	ListAccounts(ctx context.Context, filter store.AccountFilter) ([]*store.Account, error)
}

// Config contains runner configuration
type Config struct {
	// Interval is the warmup period; each active account gets at most one
	// cycle per interval
	Interval time.Duration
	// Workers bounds concurrent cycles
	Workers int
	// CycleTimeout bounds one cycle
	CycleTimeout time.Duration
}

// Summary counts the outcome of one dispatch round
type Summary struct {
	Due       int `json:"due"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Runner invokes RunCycle for due accounts on a bounded worker pool
type Runner struct {
	cycles   CycleRunner
	accounts AccountLister
	cfg      Config
	nowFn    func() time.Time
	logger   *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewRunner creates a new runner
func NewRunner(cycles CycleRunner, accounts AccountLister, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Hour
	}

	return &Runner{
		cycles:   cycles,
		accounts: accounts,
		cfg:      cfg,
		nowFn:    time.Now,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs a dispatch round immediately and then on every tick. Rounds
// never overlap.
func (r *Runner) Start(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}

	r.logger.Info("starting scheduler",
		"workers", r.cfg.Workers,
		"interval", r.cfg.Interval,
		"tick", tick)

	r.wg.Add(1)
	go r.loop(ctx, tick)
}

// Stop stops the runner and waits for the running round to finish
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, tick time.Duration) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("dispatch round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Due returns the active accounts whose last cycle is older than the interval
func (r *Runner) Due(ctx context.Context) ([]*store.Account, error) {
	active, err := r.accounts.ListAccounts(ctx, store.AccountFilter{Status: store.StatusActive})
	if err != nil {
		return nil, err
	}

	now := r.nowFn()
	var due []*store.Account
	for _, acc := range active {
		if acc.LastWarmup != nil && now.Sub(*acc.LastWarmup) < r.cfg.Interval {
			continue
		}
		due = append(due, acc)
	}
	return due, nil
}

// RunOnce runs cycles for every due account and waits for them
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	due, err := r.Due(ctx)
	if err != nil {
		return summary, err
	}
	summary.Due = len(due)
	if len(due) == 0 {
		return summary, nil
	}

	r.logger.Debug("dispatching cycles", "due", len(due))

	jobs := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := min(r.cfg.Workers, len(due))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := r.logger.With("worker_id", id)
			for email := range jobs {
				outcome := r.runOne(ctx, logger, email)
				mu.Lock()
				switch outcome {
				case outcomeCompleted:
					summary.Completed++
				case outcomeSkipped:
					summary.Skipped++
				default:
					summary.Failed++
				}
				mu.Unlock()
			}
		}(i)
	}

feed:
	for _, acc := range due {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- acc.Email:
		}
	}
	close(jobs)
	wg.Wait()

	r.logger.Info("dispatch round finished",
		"due", summary.Due,
		"completed", summary.Completed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)

	return summary, ctx.Err()
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Runner) runOne(ctx context.Context, logger *slog.Logger, email string) outcome {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	_, err := r.cycles.RunCycle(cycleCtx, email)
	switch {
	case err == nil:
		return outcomeCompleted
	case errors.Is(err, warmup.ErrConcurrencyConflict):
		logger.Debug("cycle already running, skipping", "email", email)
		return outcomeSkipped
	case errors.Is(err, warmup.ErrAccountInactive), errors.Is(err, warmup.ErrAccountNotFound):
		logger.Debug("account no longer eligible", "email", email, "error", err)
		return outcomeSkipped
	case errors.Is(err, warmup.ErrTransportUnavailable):
		// the cycle completed and recorded its failures
		logger.Warn("cycle delivered nothing", "email", email, "error", err)
		return outcomeFailed
	default:
		logger.Error("cycle failed", "email", email, "error", err)
		return outcomeFailed
	}
}
