// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"
	"slices"

	"golang.org/x/exp/maps"
)

// Schedule returns the sparsity to reach at the given iteration (from 1 to totalIterations), for a final
// target sparsity. All schedules return exactly target at the last iteration.
type Schedule func(iteration, totalIterations int, target float64) float64

// Names of the known schedules.
const (
	ScheduleLinear  = "linear"
	ScheduleAGP     = "agp"
	ScheduleLottery = "lottery"
)

// KnownSchedules maps the schedule names to their implementation.
var KnownSchedules = map[string]Schedule{
	ScheduleLinear:  LinearSchedule,
	ScheduleAGP:     AGPSchedule,
	ScheduleLottery: LotterySchedule,
}

// ScheduleNames returns the sorted names of the known schedules.
func ScheduleNames() []string {
	names := maps.Keys(KnownSchedules)
	slices.Sort(names)
	return names
}

// progress returns iteration/totalIterations clipped to [0, 1].
func progress(iteration, totalIterations int) float64 {
	if totalIterations <= 0 {
		return 1
	}
	return min(max(float64(iteration)/float64(totalIterations), 0), 1)
}

// LinearSchedule increases sparsity by the same amount every iteration: `target * i / T`.
func LinearSchedule(iteration, totalIterations int, target float64) float64 {
	return target * progress(iteration, totalIterations)
}

// AGPSchedule implements the Automated Gradual Pruning schedule (Zhu & Gupta, 2017):
// `target * (1 - (1 - i/T)^3)`. It prunes aggressively early on, when there are many redundant weights, and
// slows down towards the end.
func AGPSchedule(iteration, totalIterations int, target float64) float64 {
	return target * (1 - math.Pow(1-progress(iteration, totalIterations), 3))
}

// LotterySchedule prunes the same ratio of the remaining weights every iteration:
// `1 - (1 - target)^(i/T)`. This is the schedule used to search for "winning lottery tickets" (Frankle & Carbin,
// 2019).
func LotterySchedule(iteration, totalIterations int, target float64) float64 {
	p := progress(iteration, totalIterations)
	if p == 1 {
		return target
	}
	return 1 - math.Pow(1-target, p)
}
