package warmup

import (
	"fmt"

	"github.com/foxzi/mailwarm/internal/store"
)

// Decision is the outcome of one progression evaluation
type Decision struct {
	Advance       bool   `json:"advance"`
	Complete      bool   `json:"complete"`
	NewStage      int    `json:"new_stage"`
	NewDailyLimit int    `json:"new_daily_limit"`
	Reason        string `json:"reason"`
}

// Policy decides stage advancement. The daily limit grows additively per
// stage while the per-cycle volume grows geometrically; the smaller of the
// two gates sends.
type Policy struct {
	settings Settings
}

// NewPolicy creates a progression policy
func NewPolicy(settings Settings) *Policy {
	return &Policy{settings: settings}
}

// Evaluate returns the decision for acc given its current metrics.
// At most one stage is gained per call and nothing ever decreases.
func (p *Policy) Evaluate(acc *store.Account, m *store.Metrics) Decision {
	d := Decision{
		NewStage:      acc.WarmupStage,
		NewDailyLimit: acc.DailyLimit,
	}

	var rate float64
	var days int
	if m != nil {
		rate = m.SuccessRate
		days = m.DaysInStage
	}

	if rate < p.settings.RequiredSuccessRate {
		d.Reason = fmt.Sprintf("success rate %.2f below %.2f", rate, p.settings.RequiredSuccessRate)
		return d
	}
	if days < p.settings.MinDaysInStage {
		d.Reason = fmt.Sprintf("%d of %d days in stage", days, p.settings.MinDaysInStage)
		return d
	}

	if acc.WarmupStage >= p.settings.MaxStage {
		d.Complete = true
		d.Reason = fmt.Sprintf("final stage %d passed", acc.WarmupStage)
		return d
	}

	d.Advance = true
	d.NewStage = acc.WarmupStage + 1
	d.NewDailyLimit = acc.DailyLimit + p.settings.DailyLimitIncrement
	d.Reason = fmt.Sprintf("advanced to stage %d", d.NewStage)
	return d
}
