// Package monitor turns task and delivery signals into a single health score.
package monitor

import (
	"fmt"
	"math"
	"sort"
)

type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

// Thresholds configures the score formula and the status bands.
//
//	score = 100 - 100*TaskWeight*unhealthy_ratio
//	            - 100*ErrorWeight*min(1, error_rate/ErrorRateCeiling)
type Thresholds struct {
	TaskWeight       float64
	ErrorWeight      float64
	ErrorRateCeiling float64

	HealthyMin  float64
	WarningMin  float64
	DegradedMin float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TaskWeight:       0.6,
		ErrorWeight:      0.4,
		ErrorRateCeiling: 0.2,
		HealthyMin:       90,
		WarningMin:       70,
		DegradedMin:      50,
	}
}

// Validate rejects weights or bands that cannot produce a meaningful score.
func (t Thresholds) Validate() error {
	if t.TaskWeight < 0 || t.ErrorWeight < 0 {
		return fmt.Errorf("weights must be >= 0")
	}
	if t.TaskWeight+t.ErrorWeight > 1.000001 {
		return fmt.Errorf("task_weight + error_weight must be <= 1 (got %.3f)", t.TaskWeight+t.ErrorWeight)
	}
	if t.ErrorRateCeiling < 0 || t.ErrorRateCeiling > 1 {
		return fmt.Errorf("error_rate_ceiling must be within [0,1]")
	}
	if !(t.HealthyMin >= t.WarningMin && t.WarningMin >= t.DegradedMin && t.DegradedMin >= 0 && t.HealthyMin <= 100) {
		return fmt.Errorf("bands must satisfy 100 >= healthy_min >= warning_min >= degraded_min >= 0")
	}
	return nil
}

// Inputs are the raw signals for one evaluation.
type Inputs struct {
	TotalTasks      int
	UnhealthyTasks  []string
	ErrorRate       float64
	DroppedMessages uint64
}

type Status struct {
	Score  float64  `json:"score"`
	Level  Level    `json:"status"`
	Alerts []string `json:"alerts"`
}

// Evaluate computes the score, maps it to a level and lists alerts.
// When every task is unhealthy the level is critical regardless of weights.
func Evaluate(in Inputs, th Thresholds) Status {
	unhealthy := len(in.UnhealthyTasks)
	total := in.TotalTasks
	if total < unhealthy {
		total = unhealthy
	}

	var ratio float64
	if total > 0 {
		ratio = float64(unhealthy) / float64(total)
	}

	rate := in.ErrorRate
	if rate < 0 || math.IsNaN(rate) {
		rate = 0
	}
	var errTerm float64
	switch {
	case rate == 0:
		errTerm = 0
	case th.ErrorRateCeiling <= 0:
		errTerm = 1
	default:
		errTerm = math.Min(1, rate/th.ErrorRateCeiling)
	}

	score := 100 - 100*th.TaskWeight*ratio - 100*th.ErrorWeight*errTerm
	score = math.Max(0, math.Min(100, score))
	score = math.Round(score*100) / 100

	st := Status{Score: score, Level: band(score, th), Alerts: []string{}}
	if total > 0 && unhealthy == total {
		st.Level = LevelCritical
	}

	names := append([]string(nil), in.UnhealthyTasks...)
	sort.Strings(names)
	for _, n := range names {
		st.Alerts = append(st.Alerts, fmt.Sprintf("task %s is unhealthy", n))
	}
	if th.ErrorRateCeiling > 0 && rate > th.ErrorRateCeiling {
		st.Alerts = append(st.Alerts, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", rate*100, th.ErrorRateCeiling*100))
	}
	if in.DroppedMessages > 0 {
		st.Alerts = append(st.Alerts, fmt.Sprintf("%d message(s) dropped from recovery queues", in.DroppedMessages))
	}
	return st
}

func band(score float64, th Thresholds) Level {
	switch {
	case score >= th.HealthyMin:
		return LevelHealthy
	case score >= th.WarningMin:
		return LevelWarning
	case score >= th.DegradedMin:
		return LevelDegraded
	default:
		return LevelCritical
	}
}
