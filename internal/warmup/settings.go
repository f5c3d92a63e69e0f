package warmup

import (
	"fmt"
	"math"
	"time"

	"github.com/foxzi/mailwarm/internal/store"
)

// Settings holds the warmup parameters read by every cycle
type Settings struct {
	InitialVolume       int
	MaxVolume           int
	RampUpRate          float64 // per-stage volume multiplier
	MinDaysInStage      int
	RequiredSuccessRate float64
	DailyLimitIncrement int
	MaxStage            int
	SuccessWindowDays   int
	DefaultDailyLimit   int

	EngagementDelayMin time.Duration
	EngagementDelayMax time.Duration
	EngagementWeights  map[store.EngagementAction]float64

	// ProbePlacement enables inbox/spam counting at the end of each cycle
	ProbePlacement bool
}

// DefaultSettings returns the baseline warmup parameters
func DefaultSettings() Settings {
	return Settings{
		InitialVolume:       5,
		MaxVolume:           100,
		RampUpRate:          2.0,
		MinDaysInStage:      7,
		RequiredSuccessRate: 0.95,
		DailyLimitIncrement: 10,
		MaxStage:            5,
		SuccessWindowDays:   7,
		DefaultDailyLimit:   50,
		EngagementDelayMin:  60 * time.Second,
		EngagementDelayMax:  300 * time.Second,
	}
}

// Validate checks that the settings are usable
func (s Settings) Validate() error {
	if s.InitialVolume < 1 {
		return fmt.Errorf("initial_volume must be positive")
	}
	if s.MaxVolume < s.InitialVolume {
		return fmt.Errorf("max_volume must be >= initial_volume")
	}
	if s.RampUpRate < 1 {
		return fmt.Errorf("ramp_up_rate must be >= 1")
	}
	if s.MinDaysInStage < 0 {
		return fmt.Errorf("min_days_in_stage must not be negative")
	}
	if s.RequiredSuccessRate < 0 || s.RequiredSuccessRate > 1 {
		return fmt.Errorf("required_success_rate must be in [0,1]")
	}
	if s.DailyLimitIncrement < 0 {
		return fmt.Errorf("daily_limit_increment must not be negative")
	}
	if s.MaxStage < 1 {
		return fmt.Errorf("max_stage must be positive")
	}
	if s.DefaultDailyLimit < 1 {
		return fmt.Errorf("default_daily_limit must be positive")
	}
	if s.EngagementDelayMin < 0 || s.EngagementDelayMax < s.EngagementDelayMin {
		return fmt.Errorf("engagement delay bounds are invalid")
	}
	for action, w := range s.EngagementWeights {
		if w < 0 {
			return fmt.Errorf("engagement weight for %s must not be negative", action)
		}
	}
	return nil
}

// StageVolume returns the target number of messages per cycle for a stage:
// initial_volume * ramp_up_rate^(stage-1), capped at max_volume.
func (s Settings) StageVolume(stage int) int {
	if stage < 1 {
		stage = 1
	}
	v := float64(s.InitialVolume) * math.Pow(s.RampUpRate, float64(stage-1))
	if s.MaxVolume > 0 && v > float64(s.MaxVolume) {
		return s.MaxVolume
	}
	return int(math.RoundToEven(v))
}

func (s Settings) window() int {
	if s.SuccessWindowDays <= 0 {
		return 7
	}
	return s.SuccessWindowDays
}
