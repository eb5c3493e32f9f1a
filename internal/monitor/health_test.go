package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBands(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()

	tests := []struct {
		name  string
		in    Inputs
		score float64
		level Level
	}{
		{name: "no tasks no errors", in: Inputs{}, score: 100, level: LevelHealthy},
		{name: "all healthy", in: Inputs{TotalTasks: 4}, score: 100, level: LevelHealthy},
		{name: "one of four unhealthy", in: Inputs{TotalTasks: 4, UnhealthyTasks: []string{"a"}}, score: 85, level: LevelWarning},
		{name: "half error ceiling", in: Inputs{TotalTasks: 2, ErrorRate: 0.1}, score: 80, level: LevelWarning},
		{name: "errors saturate", in: Inputs{TotalTasks: 2, ErrorRate: 0.9}, score: 60, level: LevelDegraded},
		{name: "half tasks and saturated errors", in: Inputs{TotalTasks: 2, UnhealthyTasks: []string{"a"}, ErrorRate: 1}, score: 30, level: LevelCritical},
		{name: "all unhealthy", in: Inputs{TotalTasks: 3, UnhealthyTasks: []string{"a", "b", "c"}}, score: 40, level: LevelCritical},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.in, th)
			assert.InDelta(t, tt.score, got.Score, 0.001)
			assert.Equal(t, tt.level, got.Level)
		})
	}
}

func TestAllUnhealthyIsCriticalRegardlessOfWeights(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()
	th.TaskWeight = 0.05
	th.ErrorWeight = 0

	got := Evaluate(Inputs{TotalTasks: 1, UnhealthyTasks: []string{"queue-gc"}}, th)
	assert.Equal(t, 95.0, got.Score)
	assert.Equal(t, LevelCritical, got.Level)
}

func TestEvaluateAlerts(t *testing.T) {
	t.Parallel()
	got := Evaluate(Inputs{
		TotalTasks:      3,
		UnhealthyTasks:  []string{"stale-sweep", "error-cleanup"},
		ErrorRate:       0.5,
		DroppedMessages: 7,
	}, DefaultThresholds())

	require.Len(t, got.Alerts, 4)
	assert.Equal(t, "task error-cleanup is unhealthy", got.Alerts[0])
	assert.Equal(t, "task stale-sweep is unhealthy", got.Alerts[1])
	assert.Contains(t, got.Alerts[2], "error rate 50.0%")
	assert.Contains(t, got.Alerts[3], "7 message(s) dropped")
}

func TestValidateThresholds(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.TaskWeight = 0.9
	assert.Error(t, bad.Validate())

	bad = DefaultThresholds()
	bad.WarningMin = 95
	assert.Error(t, bad.Validate())
}
