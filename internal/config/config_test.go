package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
emitter:
  write_timeout: 2s
  critical_retry_attempts: 5
  failure_log_rate_per_sec: 0
recovery:
  enabled: false
  max_per_user: 10
  entry_ttl: 30m
monitor:
  stale_after: 45s
  task_weight: 0.5
maintenance:
  queue_gc: "cron:*/5 * * * *"
gateway:
  enabled: true
  addr: ":9090"
ops:
  enabled: true
  addr: 127.0.0.1:7070
  token: s3cret
storage:
  driver: sqlite
  path: ./x.db
systemd:
  notify: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "connmgr.yaml", sampleYAML)
	m := NewConfigManager(p)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "2s", cfg.Emitter.WriteTimeout)
	assert.Equal(t, 5, cfg.Emitter.CriticalRetryAttempts)
	require.NotNil(t, cfg.Emitter.FailureLogRatePerSec)
	assert.Zero(t, *cfg.Emitter.FailureLogRatePerSec)
	require.NotNil(t, cfg.Recovery.Enabled)
	assert.False(t, *cfg.Recovery.Enabled)
	assert.Equal(t, 10, *cfg.Recovery.MaxPerUser)
	assert.Equal(t, "cron:*/5 * * * *", cfg.Maintenance.QueueGC)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "s3cret", cfg.Ops.Token)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Systemd.Notify)

	th := cfg.Monitor.Thresholds()
	assert.Equal(t, 0.5, th.TaskWeight)
	assert.Equal(t, 0.4, th.ErrorWeight)
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "connmgr.json", `{"logging":{"level":"info"},"gateway":{"enabled":false}}`)
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.Storage)
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	p := writeFile(t, t.TempDir(), "connmgr.yml", "")
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestParseRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown key", file: "a.yaml", body: "emitter:\n  retries: 3\n", want: "unknown field"},
		{name: "trailing json", file: "b.json", body: `{} {}`, want: "trailing data"},
		{name: "bad yaml", file: "c.yaml", body: "logging: [", want: "yaml unmarshal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, dir, tc.file, tc.body)).Parse()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "bad duration", cfg: Config{Emitter: EmitterConfig{WriteTimeout: "soon"}}, want: "emitter.write_timeout"},
		{name: "negative queue", cfg: Config{Recovery: RecoveryConfig{MaxPerUser: &neg}}, want: "recovery.max_per_user"},
		{name: "weights", cfg: Config{Monitor: MonitorConfig{TaskWeight: ptr(0.9)}}, want: "task_weight + error_weight"},
		{name: "gateway path", cfg: Config{Gateway: GatewayConfig{Path: "ws"}}, want: "gateway.path"},
		{name: "ops addr", cfg: Config{Ops: OpsConfig{Enabled: true, Addr: "nohost"}}, want: "ops.addr"},
		{name: "sqlite path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}, want: "storage.path"},
		{name: "driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, want: "unknown storage.driver"},
		{name: "timezone", cfg: Config{Maintenance: MaintenanceConfig{Timezone: "Mars/Base"}}, want: "maintenance.timezone"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	ok := Config{}
	assert.NoError(t, ok.Validate())
}

func ptr[T any](v T) *T { return &v }

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	oldCfg := &Config{Ops: OpsConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{Ops: OpsConfig{Enabled: true, Token: "b"}, Systemd: SystemdConfig{Notify: true}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"ops", "systemd"}, changed)
	assert.NotEmpty(t, attrs)

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, same)

	assert.Equal(t, []string{"systemd"}, RestartRequired(oldCfg, newCfg))
}

func TestParseDurations(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrUnset("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "connmgr.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if strings.EqualFold(cfg.Logging.Level, "warn") {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return errors.New("warn is not allowed here")
		}
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "connmgr.yaml", "logging:\n  level: warn\n")
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator was not consulted")
	}

	writeFile(t, dir, "connmgr.yaml", "logging:\n  level: debug\n")
	select {
	case cfg := <-sub:
		require.NotNil(t, cfg)
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
