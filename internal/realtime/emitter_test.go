package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/internal/transport"
)

func TestSendToUserIsolatesUsers(t *testing.T) {
	m := newTestManager(t, testConfig())
	const users, perUser = 8, 25

	fts := make([]*fakeTransport, users)
	for i := range fts {
		_, fts[i] = connect(t, m, fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perUser; j++ {
				msg := NewMessage(fmt.Sprintf("u%d.%d", i, j), nil)
				assert.NoError(t, m.SendToUser(context.Background(), fmt.Sprintf("u%d", i), msg))
			}
		}(i)
	}
	wg.Wait()

	for i, ft := range fts {
		got := ft.types()
		require.Len(t, got, perUser)
		for j, typ := range got {
			assert.Equal(t, fmt.Sprintf("u%d.%d", i, j), typ)
		}
	}
	assert.Equal(t, uint64(users*perUser), m.ErrorStatistics().TotalDeliveries)
}

func TestSendToUserReachesEveryConnectionInOrder(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, a := connect(t, m, "a", "u1")
	_, b := connect(t, m, "b", "u1")

	for _, typ := range []string{"one", "two", "three"} {
		require.NoError(t, m.SendToUser(context.Background(), "u1", NewMessage(typ, map[string]int{"n": 1})))
	}
	assert.Equal(t, []string{"one", "two", "three"}, a.types())
	assert.Equal(t, []string{"one", "two", "three"}, b.types())

	msg := a.messages()[0]
	assert.False(t, msg.Timestamp.IsZero())
	assert.False(t, msg.Critical)
}

func TestSendToGhostUserQueues(t *testing.T) {
	m := newTestManager(t, testConfig())

	require.NoError(t, m.SendToUser(context.Background(), "ghost", NewMessage("hello", nil)))

	pending := m.RecoveryQueue().Pending("ghost")
	require.Len(t, pending, 1)
	assert.Equal(t, ReasonNoActiveConnection, pending[0].Reason)
	assert.Equal(t, "hello", pending[0].Message.Type)
	assert.Zero(t, m.ErrorStatistics().TotalErrors)
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, ft := connect(t, m, "a", "u1")

	assert.ErrorIs(t, m.SendToUser(context.Background(), "u1", Message{Type: "  "}), ErrMalformedEnvelope)
	assert.ErrorIs(t, m.EmitCriticalEvent(context.Background(), "u1", "", nil), ErrMalformedEnvelope)
	_, err := m.Broadcast(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	assert.Empty(t, ft.messages())
	assert.Zero(t, m.RecoveryQueue().Depth("u1"))
}

func TestCriticalEventRetriesTransientFailures(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, ft := connect(t, m, "a", "u1")
	ft.setFail(func(n int) error {
		if n < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, m.EmitCriticalEvent(context.Background(), "u1", "agent_started", map[string]string{"id": "x"}))

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Critical)
	assert.Equal(t, 3, ft.attemptCount())
	assert.Zero(t, m.RecoveryQueue().Depth("u1"))
	assert.Zero(t, m.Tracker().UserErrors("u1").ErrorCount)
}

func TestCriticalEventPermanentErrorNotRetried(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, ft := connect(t, m, "a", "u1")
	ft.setFail(failWith(transport.Permanent(errBrokenPipe)))

	require.NoError(t, m.EmitCriticalEvent(context.Background(), "u1", "agent_started", nil))

	assert.Equal(t, 1, ft.attemptCount())
	pending := m.RecoveryQueue().Pending("u1")
	require.Len(t, pending, 1)
	assert.Equal(t, ReasonDeliveryFailed, pending[0].Reason)
	assert.True(t, pending[0].Message.Critical)

	ue := m.Tracker().UserErrors("u1")
	assert.Equal(t, uint64(1), ue.ErrorCount)
	require.Len(t, ue.Recent, 1)
	assert.Equal(t, "a", ue.Recent[0].ConnectionID)

	// A failed write does not unregister the connection.
	assert.True(t, m.Registry().IsActive("u1"))
}

func TestCriticalEventRetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.CriticalRetryAttempts = 4
	m := newTestManager(t, cfg)
	_, ft := connect(t, m, "a", "u1")
	ft.setFail(failWith(errBrokenPipe))

	require.NoError(t, m.EmitCriticalEvent(context.Background(), "u1", "x", nil))
	assert.Equal(t, 4, ft.attemptCount())
	assert.Equal(t, 1, m.RecoveryQueue().Depth("u1"))
}

func TestAdvisoryMessageNotRetried(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, ft := connect(t, m, "a", "u1")
	ft.setFail(failWith(errBrokenPipe))

	require.NoError(t, m.SendToUser(context.Background(), "u1", NewMessage("tick", nil)))
	assert.Equal(t, 1, ft.attemptCount())
	assert.Equal(t, 1, m.RecoveryQueue().Depth("u1"))
}

func TestCriticalEventOneHealthyConnectionIsEnough(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, bad := connect(t, m, "bad", "u1")
	_, good := connect(t, m, "good", "u1")
	bad.setFail(failWith(transport.Permanent(errBrokenPipe)))

	require.NoError(t, m.EmitCriticalEvent(context.Background(), "u1", "agent_started", nil))

	assert.Len(t, good.messages(), 1)
	assert.Empty(t, bad.messages())
	assert.Zero(t, m.RecoveryQueue().Depth("u1"))

	stats := m.ErrorStatistics()
	assert.Equal(t, uint64(1), stats.TotalErrors)
	assert.Equal(t, uint64(1), stats.TotalDeliveries)
	assert.Equal(t, 1, stats.UsersWithErrors)
	assert.InDelta(t, 0.5, stats.ErrorRate, 1e-9)
}

func TestCriticalEventReachesEveryConnectionOnce(t *testing.T) {
	m := newTestManager(t, testConfig())
	_, a := connect(t, m, "a", "u1")
	_, b := connect(t, m, "b", "u1")
	waitReplaysIdle(t, m)

	data := map[string]any{"agent_id": "ag-1"}
	require.NoError(t, m.EmitCriticalEvent(context.Background(), "u1", "agent_started", data))

	for _, ft := range []*fakeTransport{a, b} {
		msgs := ft.messages()
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Critical)
		assert.Equal(t, "agent_started", msgs[0].Type)
		assert.Equal(t, 1, ft.attemptCount())
	}
	assert.Zero(t, m.RecoveryQueue().Depth("u1"))
	assert.Equal(t, uint64(2), m.ErrorStatistics().TotalDeliveries)
}

func TestWriteTimeoutBoundsSlowTransport(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	m := newTestManager(t, cfg)
	_, ft := connect(t, m, "a", "u1")
	ft.delay = time.Second

	start := time.Now()
	require.NoError(t, m.SendToUser(context.Background(), "u1", NewMessage("slow", nil)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, m.RecoveryQueue().Depth("u1"))
}

func TestBroadcastCounts(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastWorkers = 2
	m := newTestManager(t, cfg)
	_, a := connect(t, m, "a", "u1")
	_, b := connect(t, m, "b", "u2")
	_, c := connect(t, m, "c", "u3")
	c.setFail(failWith(errBrokenPipe))

	res, err := m.Broadcast(context.Background(), NewMessage("maintenance", nil))
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Attempted: 3, Delivered: 2, Failed: 1}, res)

	assert.Len(t, a.messages(), 1)
	assert.Len(t, b.messages(), 1)
	// Broadcast never queues.
	assert.Zero(t, m.RecoveryQueue().Depth("u3"))
	assert.Equal(t, uint64(1), m.Tracker().UserErrors("u3").ErrorCount)
}

func TestBroadcastWithNoConnections(t *testing.T) {
	m := newTestManager(t, testConfig())
	res, err := m.Broadcast(context.Background(), NewMessage("noop", nil))
	require.NoError(t, err)
	assert.Zero(t, res)
}
