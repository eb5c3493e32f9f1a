package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(cfg Config) *Tracker {
	return newTracker(newUserTable(), newConfigRef(cfg))
}

func TestTrackerRateAndCounts(t *testing.T) {
	tr := newTestTracker(testConfig())
	assert.Zero(t, tr.ErrorRate())

	tr.RecordError("u1", "c1", errors.New("x"))
	tr.RecordSuccess("u1")
	tr.RecordSuccess("u2")
	tr.RecordSuccess("u2")

	s := tr.Statistics()
	assert.Equal(t, 1, s.UsersWithErrors)
	assert.Equal(t, uint64(1), s.TotalErrors)
	assert.Equal(t, uint64(3), s.TotalDeliveries)
	assert.InDelta(t, 0.25, s.ErrorRate, 1e-9)

	ue := tr.UserErrors("u1")
	assert.Equal(t, uint64(1), ue.ErrorCount)
	assert.Equal(t, uint64(1), ue.Deliveries)
	require.Len(t, ue.Recent, 1)
	assert.Equal(t, "x", ue.Recent[0].Error)

	none := tr.UserErrors("nobody")
	assert.Zero(t, none.ErrorCount)
	assert.NotNil(t, none.Recent)
}

func TestTrackerHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorHistorySize = 2
	tr := newTestTracker(cfg)

	for _, msg := range []string{"e1", "e2", "e3"} {
		tr.RecordError("u1", "c1", errors.New(msg))
	}
	ue := tr.UserErrors("u1")
	assert.Equal(t, uint64(3), ue.ErrorCount)
	require.Len(t, ue.Recent, 2)
	assert.Equal(t, "e2", ue.Recent[0].Error)
	assert.Equal(t, "e3", ue.Recent[1].Error)
}

func TestTrackerCleanupRotatesWindow(t *testing.T) {
	tr := newTestTracker(testConfig())
	tr.RecordError("u1", "c1", errors.New("x"))

	// The previous window still counts after one rotation.
	assert.Zero(t, tr.Cleanup(time.Now().Add(-time.Hour)))
	assert.InDelta(t, 1.0, tr.ErrorRate(), 1e-9)

	tr.RecordSuccess("u1")
	assert.InDelta(t, 0.5, tr.ErrorRate(), 1e-9)

	tr.Cleanup(time.Now().Add(-time.Hour))
	assert.Zero(t, tr.ErrorRate())
	// Lifetime totals are untouched.
	assert.Equal(t, uint64(1), tr.Statistics().TotalErrors)
}

func TestTrackerCleanupResetsIdleUsers(t *testing.T) {
	tr := newTestTracker(testConfig())
	tr.RecordError("u1", "c1", errors.New("x"))
	tr.RecordError("u2", "c2", errors.New("y"))
	require.Equal(t, 2, tr.Statistics().UsersWithErrors)

	assert.Equal(t, 2, tr.Cleanup(time.Now().Add(time.Second)))
	assert.Zero(t, tr.Statistics().UsersWithErrors)
	assert.Zero(t, tr.UserErrors("u1").ErrorCount)
	assert.Empty(t, tr.UserErrors("u1").Recent)

	tr.RecordError("u1", "c1", errors.New("again"))
	assert.Equal(t, 1, tr.Statistics().UsersWithErrors)
}
