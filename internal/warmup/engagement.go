package warmup

import (
	"context"
	"fmt"

	"github.com/foxzi/mailwarm/internal/store"
)

// Actions lists the engagement actions in selection order
var Actions = []store.EngagementAction{
	store.ActionRead,
	store.ActionReply,
	store.ActionMarkImportant,
	store.ActionMoveToPrimary,
}

// Actor applies a non-reply engagement to a message in the account's mailbox
type Actor interface {
	Apply(ctx context.Context, acc *store.Account, action store.EngagementAction, messageID string) error
}

// Replier sends the reply of from to the original message sent by to
type Replier interface {
	Reply(ctx context.Context, from, to *store.Account, original *store.MessageLog) error
}

// Simulator picks and applies engagement actions for delivered messages
type Simulator struct {
	store   store.Store
	clock   Clock
	rnd     *Random
	actor   Actor
	replier Replier

	cumulative []float64 // nil means uniform
}

// NewSimulator creates a simulator. weights may be nil for a uniform choice;
// actions missing from a non-empty map get weight 0.
func NewSimulator(s store.Store, clock Clock, rnd *Random, weights map[store.EngagementAction]float64) *Simulator {
	sim := &Simulator{store: s, clock: clock, rnd: rnd}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total > 0 {
		sim.cumulative = make([]float64, len(Actions))
		sum := 0.0
		for i, action := range Actions {
			sum += weights[action] / total
			sim.cumulative[i] = sum
		}
	}
	return sim
}

// SetActor sets the mailbox actor used for read, mark_important and move_to_primary
func (s *Simulator) SetActor(actor Actor) {
	s.actor = actor
}

// SetReplier sets the send path used for replies
func (s *Simulator) SetReplier(r Replier) {
	s.replier = r
}

// Pick chooses one action
func (s *Simulator) Pick() store.EngagementAction {
	if s.cumulative == nil {
		return Actions[s.rnd.IntN(len(Actions))]
	}

	x := s.rnd.Float64()
	for i, c := range s.cumulative {
		if x < c {
			return Actions[i]
		}
	}
	// float rounding can leave the last bound just under 1
	for i := len(Actions) - 1; i >= 0; i-- {
		if i == 0 || s.cumulative[i] > s.cumulative[i-1] {
			return Actions[i]
		}
	}
	return Actions[0]
}

// Engage picks an action that recipient takes on msg from sender, applies
// its side effect and records it. Side-effect failures are recorded on the
// returned entry; only a failure to record is returned as an error.
func (s *Simulator) Engage(ctx context.Context, recipient, sender *store.Account, msg *store.MessageLog) (*store.EngagementLog, error) {
	action := s.Pick()

	var sideErr error
	switch action {
	case store.ActionReply:
		if s.replier != nil {
			sideErr = s.replier.Reply(ctx, recipient, sender, msg)
		}
	default:
		if s.actor != nil {
			sideErr = s.actor.Apply(ctx, recipient, action, msg.MessageID)
		}
	}

	entry := &store.EngagementLog{
		CycleID:   msg.CycleID,
		FromEmail: recipient.Email,
		ToEmail:   sender.Email,
		Action:    action,
		MessageID: msg.MessageID,
		Timestamp: s.clock.Now(),
	}
	if sideErr != nil {
		entry.Error = sideErr.Error()
	}

	if err := s.store.AppendEngagementLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("failed to append engagement log: %w", err)
	}
	return entry, nil
}
