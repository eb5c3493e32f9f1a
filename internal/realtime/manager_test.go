package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/internal/eventbus"
	"connmgr/internal/monitor"
	rtsup "connmgr/internal/runtime/supervisor"
)

type staticTasks rtsup.TaskHealth

func (s staticTasks) HealthCheck() rtsup.TaskHealth { return rtsup.TaskHealth(s) }

func TestMonitoringHealthWithoutTasks(t *testing.T) {
	m := newTestManager(t, testConfig())
	h := m.MonitoringHealthStatus()

	assert.Equal(t, 100.0, h.Score)
	assert.Equal(t, monitor.LevelHealthy, h.Status)
	assert.Empty(t, h.Alerts)
	assert.NotNil(t, h.Tasks.Healthy)
	assert.NotNil(t, h.Tasks.Unhealthy)
	assert.False(t, h.CheckedAt.IsZero())
}

func TestMonitoringHealthAllTasksUnhealthyIsCritical(t *testing.T) {
	cfg := testConfig()
	// Weights low enough that the score alone would read healthy.
	cfg.Health.TaskWeight = 0.05
	m := newTestManager(t, cfg, WithTaskHealth(staticTasks{Unhealthy: []string{"queue-gc", "stale-sweep"}}))

	h := m.MonitoringHealthStatus()
	assert.Equal(t, monitor.LevelCritical, h.Status)
	assert.Equal(t, []string{"task queue-gc is unhealthy", "task stale-sweep is unhealthy"}, h.Alerts)
}

func TestMonitoringHealthScoresErrors(t *testing.T) {
	m := newTestManager(t, testConfig(), WithTaskHealth(staticTasks{Healthy: []string{"a"}, Unhealthy: []string{"b"}}))
	_, ft := connect(t, m, "c1", "u1")
	ft.setFail(failWith(errBrokenPipe))
	require.NoError(t, m.SendToUser(context.Background(), "u1", NewMessage("x", nil)))

	h := m.MonitoringHealthStatus()
	// 100 - 60*0.5 - 40*1
	assert.Equal(t, 30.0, h.Score)
	assert.Equal(t, monitor.LevelCritical, h.Status)
	assert.Equal(t, uint64(1), h.Errors.TotalErrors)
	assert.Contains(t, h.Alerts, "task b is unhealthy")
}

func TestConnectionEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "conn.")
	defer unsub()

	m := newTestManager(t, testConfig(), WithEventBus(bus))
	c, _ := connect(t, m, "c1", "u1")
	require.True(t, m.RemoveConnection(c.ID))
	require.False(t, m.RemoveConnection(c.ID))

	require.Len(t, events, 2)
	added := <-events
	assert.Equal(t, EventConnAdded, added.Type)
	assert.Equal(t, "u1", added.Data["user_id"])
	assert.Equal(t, EventConnRemoved, (<-events).Type)
}

func TestConnectDisconnectFacade(t *testing.T) {
	m := newTestManager(t, testConfig())
	ft := &fakeTransport{}

	c, err := m.ConnectUser("u1", ft, map[string]string{"client": "cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.True(t, m.ConnectionHealth("u1").ActiveCount == 1)

	assert.True(t, m.DisconnectUser("u1", ft))
	assert.False(t, m.DisconnectUser("u1", ft))
	assert.Zero(t, m.Stats().TotalConnections)

	_, err = m.ConnectUser("", ft, nil)
	assert.ErrorIs(t, err, ErrInvalidConnection)
}

func TestApplyChangesLiveConfig(t *testing.T) {
	m := newTestManager(t, testConfig())
	cfg := m.Config()
	cfg.MaxQueuePerUser = 1
	cfg.CriticalRetryAttempts = 0
	m.Apply(cfg)

	got := m.Config()
	assert.Equal(t, 1, got.MaxQueuePerUser)
	assert.Equal(t, 1, got.CriticalRetryAttempts)

	ctx := context.Background()
	require.NoError(t, m.SendToUser(ctx, "u1", NewMessage("a", nil)))
	require.NoError(t, m.SendToUser(ctx, "u1", NewMessage("b", nil)))
	assert.Equal(t, 1, m.RecoveryQueue().Depth("u1"))
}

func TestCloseClosesConnectionsAndRefusesNew(t *testing.T) {
	m := NewManager(context.Background(), testConfig())
	_, a := connect(t, m, "a", "u1")
	_, b := connect(t, m, "b", "u2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Zero(t, m.Stats().TotalConnections)
	assert.ErrorIs(t, m.AddConnection(NewConnection("c", "u3", &fakeTransport{}, nil)), ErrManagerClosed)
}

func TestAddConnectionRacingCloseLeavesNothingBehind(t *testing.T) {
	for i := 0; i < 20; i++ {
		m := NewManager(context.Background(), testConfig())

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					c := NewConnection(fmt.Sprintf("c%d-%d", j, k), "u1", &fakeTransport{}, nil)
					if err := m.AddConnection(c); err != nil {
						assert.ErrorIs(t, err, ErrManagerClosed)
						return
					}
				}
			}(j)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, m.Close(ctx))
		cancel()
		wg.Wait()

		assert.Zero(t, m.Stats().TotalConnections, "iteration %d", i)
		assert.False(t, m.Registry().IsActive("u1"))
	}
}

func TestWaitForConnectionThroughManager(t *testing.T) {
	m := newTestManager(t, testConfig())
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = m.ConnectUser("u1", &fakeTransport{}, nil)
	}()
	assert.True(t, m.WaitForConnection(context.Background(), "u1", 2*time.Second))
}
