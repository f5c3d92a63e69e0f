package warmup

import (
	"testing"

	"github.com/foxzi/mailwarm/internal/store"
)

func TestPolicyEvaluate(t *testing.T) {
	p := NewPolicy(DefaultSettings())

	tests := []struct {
		name         string
		stage        int
		limit        int
		rate         float64
		days         int
		wantAdvance  bool
		wantComplete bool
		wantStage    int
		wantLimit    int
	}{
		{"criteria met", 1, 50, 0.95, 7, true, false, 2, 60},
		{"rate below threshold", 1, 50, 0.94, 30, false, false, 1, 50},
		{"too few days", 2, 60, 1.0, 6, false, false, 2, 60},
		{"zero rate", 3, 70, 0, 10, false, false, 3, 70},
		{"final stage", 5, 90, 0.99, 8, false, true, 5, 90},
		{"past final stage", 6, 100, 0.99, 8, false, true, 6, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := &store.Account{WarmupStage: tt.stage, DailyLimit: tt.limit}
			d := p.Evaluate(acc, &store.Metrics{SuccessRate: tt.rate, DaysInStage: tt.days})

			if d.Advance != tt.wantAdvance {
				t.Errorf("Advance = %v, want %v", d.Advance, tt.wantAdvance)
			}
			if d.Complete != tt.wantComplete {
				t.Errorf("Complete = %v, want %v", d.Complete, tt.wantComplete)
			}
			if d.NewStage != tt.wantStage || d.NewDailyLimit != tt.wantLimit {
				t.Errorf("NewStage=%d NewDailyLimit=%d, want %d and %d", d.NewStage, d.NewDailyLimit, tt.wantStage, tt.wantLimit)
			}
			if d.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestPolicyNeverDecreasesOrSkips(t *testing.T) {
	p := NewPolicy(DefaultSettings())

	for stage := 1; stage <= 6; stage++ {
		for _, rate := range []float64{0, 0.5, 0.95, 1} {
			for _, days := range []int{0, 6, 7, 100} {
				acc := &store.Account{WarmupStage: stage, DailyLimit: 40 + stage}
				d := p.Evaluate(acc, &store.Metrics{SuccessRate: rate, DaysInStage: days})

				if d.NewStage < stage || d.NewStage > stage+1 {
					t.Errorf("stage %d rate %v days %d: NewStage = %d", stage, rate, days, d.NewStage)
				}
				if d.NewDailyLimit < acc.DailyLimit {
					t.Errorf("stage %d rate %v days %d: NewDailyLimit decreased to %d", stage, rate, days, d.NewDailyLimit)
				}
				if d.Advance && d.Complete {
					t.Errorf("stage %d: both Advance and Complete", stage)
				}
			}
		}
	}
}

func TestPolicyNilMetrics(t *testing.T) {
	p := NewPolicy(DefaultSettings())

	d := p.Evaluate(&store.Account{WarmupStage: 1, DailyLimit: 50}, nil)
	if d.Advance || d.Complete {
		t.Errorf("Evaluate(nil metrics) = %+v, want no change", d)
	}
}
