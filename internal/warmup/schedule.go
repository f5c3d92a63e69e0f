package warmup

import "math"

// GenerateSchedule returns the daily volumes of a linear ramp from start to
// target over the given number of days.
//
// The increment (target-start)/days is added to an unrounded running value and
// each day emits that value rounded half to even, so the first day is
// start+increment and the last day is target. Day one is never start itself:
// GenerateSchedule(10, 20, 5) is [12 14 16 18 20], not [10 12 14 16 18].
// A start at or above target
// yields a plateau of target; days <= 0 yields an empty schedule.
func GenerateSchedule(start, target, days int) []int {
	if days <= 0 {
		return []int{}
	}

	schedule := make([]int, days)
	if start >= target {
		for i := range schedule {
			schedule[i] = target
		}
		return schedule
	}

	increment := float64(target-start) / float64(days)
	current := float64(start)
	for i := range schedule {
		current += increment
		schedule[i] = int(math.RoundToEven(current))
	}
	return schedule
}
