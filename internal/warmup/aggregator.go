package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/mailwarm/internal/store"
)

// Aggregator computes rolling deliverability figures from the log history.
// It never writes.
type Aggregator struct {
	store  store.Store
	clock  Clock
	window int
}

// NewAggregator creates an aggregator over the given window in days
func NewAggregator(s store.Store, clock Clock, windowDays int) *Aggregator {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Aggregator{store: s, clock: clock, window: windowDays}
}

func (a *Aggregator) bounds(windowDays int) (time.Time, time.Time) {
	if windowDays <= 0 {
		windowDays = a.window
	}
	now := a.clock.Now()
	return now.Add(-time.Duration(windowDays) * 24 * time.Hour), now
}

// SuccessRate returns delivered/total over the messages sent by email within
// the last windowDays (0 uses the aggregator window). No messages yields 0.
func (a *Aggregator) SuccessRate(ctx context.Context, email string, windowDays int) (float64, error) {
	since, until := a.bounds(windowDays)

	total, err := a.store.CountMessageLogs(ctx, store.LogFilter{FromEmail: email, Since: since, Until: until})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	if total == 0 {
		return 0, nil
	}

	delivered, err := a.store.CountMessageLogs(ctx, store.LogFilter{
		FromEmail: email,
		Delivered: store.Bool(true),
		Since:     since,
		Until:     until,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count delivered messages: %w", err)
	}

	return float64(delivered) / float64(total), nil
}

// Aggregate recomputes the metrics record of acc over the window.
// Placement figures are carried over from prev since only a mailbox probe sets them.
func (a *Aggregator) Aggregate(ctx context.Context, acc *store.Account, prev *store.Metrics) (*store.Metrics, error) {
	since, until := a.bounds(0)
	now := until

	sent, err := a.store.ListMessageLogs(ctx, store.LogFilter{FromEmail: acc.Email, Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}

	m := &store.Metrics{
		Email:       acc.Email,
		TotalSent:   len(sent),
		LastUpdated: now,
	}
	if prev != nil {
		m.InboxPlacement = prev.InboxPlacement
		m.SpamCount = prev.SpamCount
	}

	delivered := 0
	sentAt := make(map[string]time.Time, len(sent))
	for _, entry := range sent {
		if entry.Delivered {
			delivered++
			if entry.MessageID != "" {
				sentAt[entry.MessageID] = entry.SentAt
			}
		}
	}
	m.BounceCount = m.TotalSent - delivered
	if m.SuccessRate, err = a.SuccessRate(ctx, acc.Email, 0); err != nil {
		return nil, err
	}

	received, err := a.store.ListMessageLogs(ctx, store.LogFilter{
		ToEmail:   acc.Email,
		Delivered: store.Bool(true),
		Since:     since,
		Until:     until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list received messages: %w", err)
	}
	m.TotalReceived = len(received)
	for _, entry := range received {
		if entry.Kind == store.KindReply {
			m.ReplyCount++
		}
	}

	engagements, err := a.store.ListEngagementLogs(ctx, store.LogFilter{ToEmail: acc.Email, Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("failed to list engagements: %w", err)
	}

	var responseTotal time.Duration
	responses := 0
	for _, e := range engagements {
		if e.Action != store.ActionReply || e.Error != "" {
			continue
		}
		if t, ok := sentAt[e.MessageID]; ok && !e.Timestamp.Before(t) {
			responseTotal += e.Timestamp.Sub(t)
			responses++
		}
	}
	if responses > 0 {
		avg := responseTotal.Seconds() / float64(responses)
		m.AverageResponseTime = &avg
	}

	if delivered > 0 {
		m.EngagementRate = float64(len(engagements)) / float64(delivered)
		if m.EngagementRate > 1 {
			m.EngagementRate = 1
		}
	}

	if !acc.StageStartedAt.IsZero() && now.After(acc.StageStartedAt) {
		m.DaysInStage = int(now.Sub(acc.StageStartedAt).Hours() / 24)
	}

	return m, nil
}
