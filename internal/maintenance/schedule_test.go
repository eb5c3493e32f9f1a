package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "30s", kind: SpecInterval, source: "duration", every: 30 * time.Second},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every: 2m", kind: SpecInterval, source: "duration", every: 2 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
		{name: "off", raw: "OFF", kind: SpecOff, source: "off"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw, time.UTC)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.every, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "cron:61 * * * *", "-5s", "00:00", "01:75"} {
		_, err := ParseSchedule(raw, nil)
		assert.Error(t, err, raw)
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 1, 10, 2, 30, 0, time.UTC)

	iv, err := ParseSchedule("90s", nil)
	require.NoError(t, err)
	assert.Equal(t, base.Add(90*time.Second), iv.Next(base))

	cr, err := ParseSchedule("*/5 * * * *", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC), cr.Next(base))

	off, err := ParseSchedule("off", nil)
	require.NoError(t, err)
	assert.True(t, off.Next(base).IsZero())
	assert.True(t, off.Disabled())
	assert.Equal(t, "off", off.String())
}

func TestScheduleNextHonoursLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*60*60)
	cr, err := ParseSchedule("0 3 * * *", loc)
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	next := cr.Next(base)
	assert.Equal(t, time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC), next.UTC())
}

func TestParseSchedulesReportsJobName(t *testing.T) {
	t.Parallel()
	_, err := ParseSchedules(Config{QueueGC: "sometimes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance.queue_gc")

	scheds, err := ParseSchedules(Config{})
	require.NoError(t, err)
	assert.Len(t, scheds, 4)
}
