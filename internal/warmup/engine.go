package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailwarm/internal/address"
	"github.com/foxzi/mailwarm/internal/lease"
	"github.com/foxzi/mailwarm/internal/metrics"
	"github.com/foxzi/mailwarm/internal/ratelimit"
	"github.com/foxzi/mailwarm/internal/store"
)

// Folder names understood by an Inspector
const (
	FolderInbox = "inbox"
	FolderSpam  = "spam"
)

// Transport delivers one message from one account to another
type Transport interface {
	Send(ctx context.Context, from, to *store.Account, subject, body string) (messageID string, err error)
}

// Inspector counts messages in an account mailbox folder
type Inspector interface {
	CountMessages(ctx context.Context, acc *store.Account, folder string) (int, error)
}

// Composer produces the subject and body of a warmup message or a reply to original
type Composer interface {
	Compose(kind store.MessageKind, from, to *store.Account, original *store.MessageLog) (subject, body string)
}

// Throttle guards sends against domain level ceilings
type Throttle interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// CycleState is a step of a warmup cycle
type CycleState string

const (
	StateIdle               CycleState = "idle"
	StateComputingVolume    CycleState = "computing_volume"
	StateSelectingPartners  CycleState = "selecting_partners"
	StateSending            CycleState = "sending"
	StateAwaitingEngagement CycleState = "awaiting_engagement"
	StateUpdatingMetrics    CycleState = "updating_metrics"
)

// CycleReport summarizes one cycle
type CycleReport struct {
	CycleID     string       `json:"cycle_id"`
	CampaignID  string       `json:"campaign_id,omitempty"`
	Email       string       `json:"email"`
	State       CycleState   `json:"state"`
	Transitions []CycleState `json:"transitions"`
	Stage       int          `json:"stage"`
	Volume      int          `json:"volume"`
	Partners    int          `json:"partners"`
	Attempted   int          `json:"attempted"`
	Delivered   int          `json:"delivered"`
	Failed      int          `json:"failed"`
	Replies     int          `json:"replies"`
	Engagements int          `json:"engagements"`
	Throttled   bool         `json:"throttled"`
	CampaignCap bool         `json:"campaign_cap"`
	Decision    *Decision    `json:"decision,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

func (r *CycleReport) enter(state CycleState) {
	if n := len(r.Transitions); n > 0 && r.Transitions[n-1] == state {
		return
	}
	r.State = state
	r.Transitions = append(r.Transitions, state)
}

// Deps are the collaborators of an Engine. Store, Transport, Locker and
// Composer are required.
type Deps struct {
	Store     store.Store
	Transport Transport
	Locker    lease.Locker
	Composer  Composer
	Throttle  Throttle
	Inspector Inspector
	Actor     Actor
	Clock     Clock
	Random    *Random
	Logger    *slog.Logger
}

// Engine runs warmup cycles
type Engine struct {
	settings  Settings
	store     store.Store
	transport Transport
	locker    lease.Locker
	composer  Composer
	throttle  Throttle
	inspector Inspector
	clock     Clock
	rnd       *Random
	logger    *slog.Logger

	aggregator *Aggregator
	policy     *Policy
	selector   *Selector
	simulator  *Simulator
}

// NewEngine creates a warmup engine
func NewEngine(settings Settings, deps Deps) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid warmup settings: %w", err)
	}
	if deps.Store == nil || deps.Transport == nil || deps.Locker == nil || deps.Composer == nil {
		return nil, errors.New("store, transport, locker and composer are required")
	}

	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Random == nil {
		deps.Random = NewTimeRandom()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		settings:   settings,
		store:      deps.Store,
		transport:  deps.Transport,
		locker:     deps.Locker,
		composer:   deps.Composer,
		throttle:   deps.Throttle,
		inspector:  deps.Inspector,
		clock:      deps.Clock,
		rnd:        deps.Random,
		logger:     deps.Logger.With("component", "warmup"),
		aggregator: NewAggregator(deps.Store, deps.Clock, settings.window()),
		policy:     NewPolicy(settings),
		selector:   NewSelector(deps.Random),
		simulator:  NewSimulator(deps.Store, deps.Clock, deps.Random, settings.EngagementWeights),
	}
	e.simulator.SetActor(deps.Actor)
	e.simulator.SetReplier(e)

	return e, nil
}

// Settings returns the engine settings
func (e *Engine) Settings() Settings {
	return e.settings
}

// RunCycle runs one warmup cycle for the account.
//
// Individual send failures are logged and counted. If every attempt failed the
// cycle still completes and the report is returned with a *CycleError wrapping
// ErrTransportUnavailable. Store failures abort the cycle with a *CycleError.
// Cancellation is checked before each send and each engagement; entries
// already appended stay.
func (e *Engine) RunCycle(ctx context.Context, email string) (*CycleReport, error) {
	c, err := e.BeginCycle(ctx, email)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx)
}

// Cycle is a warmup cycle that holds its account lease and has not run yet.
// Run must be called exactly once.
type Cycle struct {
	engine *Engine
	lock   lease.Lock
	acc    *store.Account
	id     string
}

// BeginCycle takes the account lease and checks that the account can run a
// cycle. It fails with ErrConcurrencyConflict, ErrAccountNotFound or
// ErrAccountInactive without sending anything.
func (e *Engine) BeginCycle(ctx context.Context, email string) (*Cycle, error) {
	email = store.Key(email)

	lock := e.locker.NewLock("cycle:" + email)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, &CycleError{Email: email, Err: err}
	}
	if !ok {
		metrics.IncLeaseConflicts()
		return nil, fmt.Errorf("%s: %w", email, ErrConcurrencyConflict)
	}

	acc, err := e.cycleAccount(ctx, email)
	if err != nil {
		e.release(ctx, lock, email)
		return nil, err
	}

	return &Cycle{engine: e, lock: lock, acc: acc, id: uuid.NewString()}, nil
}

func (e *Engine) cycleAccount(ctx context.Context, email string) (*store.Account, error) {
	acc, err := e.store.GetAccount(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", email, ErrAccountNotFound)
		}
		return nil, &CycleError{Email: email, Err: err}
	}
	if acc.Deleted() {
		return nil, fmt.Errorf("%s: %w", email, ErrAccountNotFound)
	}
	if acc.Status != store.StatusActive {
		return nil, fmt.Errorf("%s is %s: %w", email, acc.Status, ErrAccountInactive)
	}
	return acc, nil
}

func (e *Engine) release(ctx context.Context, lock lease.Lock, email string) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("failed to release cycle lease", "email", email, "error", err)
	}
}

// ID returns the cycle ID that tags the report and the log entries
func (c *Cycle) ID() string {
	return c.id
}

// Email returns the account the cycle runs for
func (c *Cycle) Email() string {
	return c.acc.Email
}

// Run runs the cycle and releases the lease. See RunCycle for the error contract.
func (c *Cycle) Run(ctx context.Context) (*CycleReport, error) {
	e := c.engine
	email := c.acc.Email
	defer e.release(ctx, c.lock, email)

	defer metrics.CycleStarted()()

	report := &CycleReport{
		CycleID:   c.id,
		Email:     email,
		StartedAt: e.clock.Now(),
	}
	report.enter(StateIdle)

	logger := e.logger.With("email", email, "cycle_id", report.CycleID)
	logger.Debug("cycle started", "stage", c.acc.WarmupStage)

	err := e.run(ctx, logger, c.lock, c.acc, report)

	report.enter(StateIdle)
	report.FinishedAt = e.clock.Now()
	metrics.ObserveCycleDuration(report.FinishedAt.Sub(report.StartedAt))

	switch {
	case err == nil:
		metrics.IncCycles("ok")
		logger.Info("cycle completed",
			"volume", report.Volume,
			"delivered", report.Delivered,
			"failed", report.Failed,
			"replies", report.Replies)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.IncCycles("canceled")
		logger.Warn("cycle canceled", "attempted", report.Attempted)
	default:
		metrics.IncCycles("error")
		logger.Error("cycle failed", "error", err)
	}

	return report, err
}

// renew extends the cycle lease. A lost lease means another cycle for the
// account may already be running, so this one must stop.
func (e *Engine) renew(ctx context.Context, lock lease.Lock, email string) error {
	err := lock.Extend(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lease.ErrLost):
		metrics.IncLeaseConflicts()
		return &CycleError{Email: email, Err: fmt.Errorf("cycle lease lost: %w", ErrConcurrencyConflict)}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &CycleError{Email: email, Err: fmt.Errorf("failed to renew cycle lease: %w", err)}
	}
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, lock lease.Lock, acc *store.Account, report *CycleReport) error {
	email := acc.Email
	now := e.clock.Now()

	// A new UTC day starts a new sending period
	if acc.LastWarmup != nil && utcDay(*acc.LastWarmup).Before(utcDay(now)) && acc.CurrentDailySent > 0 {
		updated, err := e.store.UpdateAccount(ctx, email, func(a *store.Account) error {
			a.CurrentDailySent = 0
			return nil
		})
		if err != nil {
			return &CycleError{Email: email, Err: fmt.Errorf("failed to reset daily counter: %w", err)}
		}
		acc = updated
		logger.Debug("daily counter reset")
	}

	report.enter(StateComputingVolume)
	report.Stage = acc.WarmupStage
	volume := e.settings.StageVolume(acc.WarmupStage)
	if remaining := acc.Remaining(); volume > remaining {
		volume = remaining
	}
	campaign, err := runningCampaign(ctx, e.store, acc.Owner, now)
	if err != nil {
		return &CycleError{Email: email, Err: fmt.Errorf("failed to load campaigns: %w", err)}
	}
	if campaign != nil {
		report.CampaignID = campaign.ID
		if remaining := campaign.Remaining(now); volume > remaining {
			volume = remaining
			report.CampaignCap = true
		}
	}
	report.Volume = volume
	ref := logRef{cycleID: report.CycleID, campaignID: report.CampaignID}

	var lastErr string
	if volume > 0 {
		report.enter(StateSelectingPartners)
		pool, err := e.store.ListAccounts(ctx, store.AccountFilter{Status: store.StatusActive})
		if err != nil {
			return &CycleError{Email: email, Err: fmt.Errorf("failed to load partner pool: %w", err)}
		}
		partners := e.selector.Select(pool, volume, email)
		report.Partners = len(partners)
		if len(partners) < volume {
			logger.Warn("partner pool smaller than volume", "volume", volume, "partners", len(partners))
		}

		for _, partner := range partners {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.renew(ctx, lock, email); err != nil {
				return err
			}
			report.enter(StateSending)

			if e.throttle != nil {
				res, err := e.throttle.Allow(ctx, &ratelimit.Request{
					Domain:    address.Domain(acc.Email),
					Sender:    acc.Email,
					Recipient: address.Domain(partner.Email),
				})
				if err != nil {
					logger.Warn("throttle check failed", "error", err)
				} else if !res.Allowed {
					report.Throttled = true
					metrics.IncRateLimitExceeded(string(res.DeniedBy))
					logger.Info("sending throttled",
						"level", res.DeniedBy,
						"key", res.DeniedKey,
						"retry_after", res.RetryAfter)
					break
				}
			}

			if campaign != nil {
				ok, err := reserveCampaign(ctx, e.store, campaign.ID, e.clock.Now())
				if err != nil {
					return &CycleError{Email: email, Err: err}
				}
				if !ok {
					report.CampaignCap = true
					logger.Info("campaign target reached", "campaign_id", campaign.ID)
					break
				}
			}

			entry, err := e.deliver(ctx, logger, ref, acc, partner, store.KindWarmup, nil)
			if err != nil {
				return &CycleError{Email: email, Err: err}
			}
			report.Attempted++

			if campaign != nil && !entry.Delivered {
				if err := releaseCampaign(ctx, e.store, campaign.ID, entry.SentAt); err != nil {
					return &CycleError{Email: email, Err: err}
				}
			}

			acc, err = e.store.UpdateAccount(ctx, email, func(a *store.Account) error {
				a.TotalWarmupEmails++
				if entry.Delivered {
					a.SuccessfulDeliveries++
					a.CurrentDailySent++
				} else {
					a.FailedDeliveries++
				}
				return nil
			})
			if err != nil {
				return &CycleError{Email: email, Err: fmt.Errorf("failed to update counters: %w", err)}
			}

			if !entry.Delivered {
				report.Failed++
				lastErr = entry.Error
				continue
			}
			report.Delivered++

			report.enter(StateAwaitingEngagement)
			if err := e.clock.Sleep(ctx, e.rnd.Duration(e.settings.EngagementDelayMin, e.settings.EngagementDelayMax)); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.renew(ctx, lock, email); err != nil {
				return err
			}

			engagement, err := e.simulator.Engage(ctx, partner, acc, entry)
			if err != nil {
				return &CycleError{Email: email, Err: err}
			}
			report.Engagements++
			metrics.IncEngagements(string(engagement.Action))
			if engagement.Action == store.ActionReply && engagement.Error == "" {
				report.Replies++
			}
			if engagement.Error != "" {
				logger.Warn("engagement side effect failed",
					"action", engagement.Action,
					"partner", partner.Email,
					"error", engagement.Error)
			}
		}
	}

	if err := e.renew(ctx, lock, email); err != nil {
		return err
	}
	report.enter(StateUpdatingMetrics)
	decision, err := e.updateMetrics(ctx, logger, acc, report, lastErr)
	if err != nil {
		return &CycleError{Email: email, Err: err}
	}
	report.Decision = decision

	if report.Attempted > 0 && report.Delivered == 0 {
		return &CycleError{
			Email: email,
			Err:   fmt.Errorf("%w: %d attempts failed, last error: %s", ErrTransportUnavailable, report.Attempted, lastErr),
		}
	}
	return nil
}

func (e *Engine) updateMetrics(ctx context.Context, logger *slog.Logger, acc *store.Account, report *CycleReport, lastErr string) (*Decision, error) {
	prev, err := e.store.GetMetrics(ctx, acc.Email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}

	m, err := e.aggregator.Aggregate(ctx, acc, prev)
	if err != nil {
		return nil, err
	}

	probed := false
	var inbox, spam int
	if e.inspector != nil && e.settings.ProbePlacement {
		inbox, spam, err = e.probePlacement(ctx, acc)
		if err != nil {
			logger.Warn("placement probe failed", "error", err)
		} else {
			probed = true
			m.InboxPlacement = inbox
			m.SpamCount = spam
		}
	}

	decision := e.policy.Evaluate(acc, m)

	if err := e.store.PutMetrics(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store metrics: %w", err)
	}

	now := e.clock.Now()
	stage := acc.WarmupStage
	_, err = e.store.UpdateAccount(ctx, acc.Email, func(a *store.Account) error {
		a.LastWarmup = &now
		a.UpdatedAt = now

		if report.Attempted > 0 {
			if report.Delivered == 0 {
				a.LastError = lastErr
			} else {
				a.LastError = ""
			}
		}

		if probed {
			if total := inbox + spam; total > 0 {
				a.InboxPlacementRate = float64(inbox) / float64(total)
				a.SpamScore = float64(spam) / float64(total)
			}
			previous := 0
			if prev != nil {
				previous = prev.SpamCount
			}
			if spam > previous {
				a.SpamIncidents += spam - previous
			}
		}

		// applied once even if the stored stage moved meanwhile
		if a.WarmupStage != stage {
			return nil
		}
		switch {
		case decision.Advance:
			a.WarmupStage = decision.NewStage
			a.DailyLimit = decision.NewDailyLimit
			a.StageStartedAt = now
		case decision.Complete:
			a.Status = store.StatusCompleted
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store cycle results: %w", err)
	}

	switch {
	case decision.Advance:
		metrics.IncStageTransitions("advance")
		logger.Info("stage advanced", "stage", decision.NewStage, "daily_limit", decision.NewDailyLimit)
	case decision.Complete:
		metrics.IncStageTransitions("complete")
		logger.Info("warmup completed", "stage", stage)
	default:
		logger.Debug("stage kept", "reason", decision.Reason)
	}

	return &decision, nil
}

func (e *Engine) probePlacement(ctx context.Context, acc *store.Account) (int, int, error) {
	inbox, err := e.inspector.CountMessages(ctx, acc, FolderInbox)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: count inbox: %v", ErrTransportFailure, err)
	}
	spam, err := e.inspector.CountMessages(ctx, acc, FolderSpam)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: count spam: %v", ErrTransportFailure, err)
	}
	return inbox, spam, nil
}

// Reply sends the reply of from to original, which was sent by to. The
// reply is logged as from's message and does not touch from's daily counters.
func (e *Engine) Reply(ctx context.Context, from, to *store.Account, original *store.MessageLog) error {
	logger := e.logger.With("email", to.Email, "cycle_id", original.CycleID)

	ref := logRef{cycleID: original.CycleID, campaignID: original.CampaignID}
	entry, err := e.deliver(ctx, logger, ref, from, to, store.KindReply, original)
	if err != nil {
		return err
	}
	if !entry.Delivered {
		return fmt.Errorf("%w: %s", ErrTransportFailure, entry.Error)
	}
	return nil
}

// logRef tags the log entries of a cycle
type logRef struct {
	cycleID    string
	campaignID string
}

// deliver sends one message and appends its log entry. A transport failure
// is recorded on the entry; only a failure to append is returned.
func (e *Engine) deliver(ctx context.Context, logger *slog.Logger, ref logRef, from, to *store.Account, kind store.MessageKind, original *store.MessageLog) (*store.MessageLog, error) {
	subject, body := e.composer.Compose(kind, from, to, original)

	entry := &store.MessageLog{
		CycleID:    ref.cycleID,
		CampaignID: ref.campaignID,
		FromEmail:  from.Email,
		ToEmail:    to.Email,
		Subject:    subject,
		Kind:       kind,
		SentAt:     e.clock.Now(),
	}

	messageID, err := e.transport.Send(ctx, from, to, subject, body)
	if err != nil {
		entry.Error = err.Error()
		metrics.IncMessages(string(kind), "failed")
		logger.Warn("send failed",
			"from", from.Email,
			"to", to.Email,
			"kind", kind,
			"error", err)
	} else {
		entry.Delivered = true
		entry.MessageID = messageID
		metrics.IncMessages(string(kind), "delivered")
		logger.Debug("message sent",
			"from", from.Email,
			"to", to.Email,
			"kind", kind,
			"message_id", messageID)
	}

	if err := e.store.AppendMessageLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append message log: %w", err)
	}
	return entry, nil
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
