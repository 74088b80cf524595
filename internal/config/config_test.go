package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./courier.db
sender:
  driver: rest
  base_url: http://127.0.0.1:8080
  instance: main
  timeout: 20s
resolver:
  country_code: "55"
  directory:
    tables:
      colaborador:
        table: employees
        id_column: id
        name_column: name
        contact_column: phone
policy:
  enforce_window: true
  start_hour: 8
  end_hour: 20
  timezone: America/Sao_Paulo
  daily_cap: 500
schedule:
  dispatch: "@every 30s"
  entity_sync: "off"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(m *Manager) *Manager {
	m.overlay = func(c *Config) error { return applyEnvFrom(c, map[string]string{}) }
	return m
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := noEnv(NewManager(writeFile(t, "courier.yaml", sampleYAML)))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "rest", cfg.Sender.Driver)
	require.Equal(t, "20s", cfg.Sender.Timeout)
	require.Equal(t, "55", cfg.Resolver.CountryCode)
	require.Equal(t, "employees", cfg.Resolver.Directory.Tables["colaborador"].Table)
	require.Equal(t, 500, cfg.Policy.DailyCap)
	require.Equal(t, "off", cfg.Schedule.EntitySync)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	_, err := noEnv(NewManager(writeFile(t, "c.yaml", "sender:\n  drvier: log\n"))).Parse()
	require.ErrorContains(t, err, "drvier")

	_, err = noEnv(NewManager(writeFile(t, "c.json", `{"logging":{}} {}`))).Parse()
	require.ErrorContains(t, err, "trailing data")
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "c.json", `{"webhook":{"secret":"file"},"storage":{"driver":"memory"}}`))
	m.overlay = func(c *Config) error {
		return applyEnvFrom(c, map[string]string{
			"COURIER_WEBHOOK_SECRET": "from-env",
			"COURIER_SENDER_API_KEY": "k",
			"COURIER_TELEGRAM_TOKEN": "123:abc",
			"COURIER_LOG_LEVEL":      "debug",
			"COURIER_STORAGE_PATH":   "/var/lib/courier/q.db",
		})
	}
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Webhook.Secret)
	require.Equal(t, "k", cfg.Sender.APIKey)
	require.Equal(t, "123:abc", cfg.Alert.Telegram.Token)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/var/lib/courier/q.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(&Config{}))

	bad := &Config{
		Sender:   SenderConfig{Driver: "rest", Timeout: "soon"},
		Policy:   PolicyConfig{StartHour: 25, Timezone: "Mars/Olympus"},
		Retry:    RetryConfig{JitterRatio: 2},
		Alert:    AlertConfig{Enabled: true},
		Schedule: ScheduleConfig{Dispatch: "every now and then"},
	}
	err := Validate(bad)
	require.Error(t, err)
	for _, want := range []string{
		"sender.base_url", "sender.instance", "sender.timeout",
		"policy.start_hour", "policy.timezone", "retry.jitter_ratio",
		"alert.telegram.token", "alert.telegram.chat_id", "schedule.dispatch",
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	d, err = ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Sender: SenderConfig{Driver: "rest", APIKey: "old-key"}}
	newCfg := &Config{
		Sender:  SenderConfig{Driver: "rest", APIKey: "new-key"},
		Webhook: WebhookConfig{Secret: "s3cret"},
		Policy:  PolicyConfig{DailyCap: 10},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"policy", "sender", "webhook"}, changed)
	require.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "courier.json", `{"policy":{"daily_cap":1}}`)
	m := noEnv(NewManager(path))
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"policy":{"start_hour":99}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"policy":{"daily_cap":2}}`), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, 2, cfg.Policy.DailyCap)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	require.Equal(t, 2, m.Get().Policy.DailyCap)
}

func TestWatchSkipsUnchangedAndRejected(t *testing.T) {
	body := `{"policy":{"daily_cap":1}}`
	path := writeFile(t, "courier.json", body)
	m := noEnv(NewManager(path))
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Policy.DailyCap == 3 {
			return errors.New("cap 3 not allowed")
		}
		return nil
	})

	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"policy":{"daily_cap":3}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, 1, m.Get().Policy.DailyCap)
	require.NoError(t, os.WriteFile(path, []byte(`{"policy":{"daily_cap":4}}`), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, 4, cfg.Policy.DailyCap)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	for i := 1; i <= 3; i++ {
		m.publish(&Config{Policy: PolicyConfig{DailyCap: i}})
	}
	require.Equal(t, 3, (<-ch).Policy.DailyCap)
	require.Empty(t, ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
	m.Unsubscribe(ch)
	m.publish(&Config{})
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := noEnv(NewManager(filepath.Join("..", "..", "config.example.yaml"))).Parse()
	require.NoError(t, err)
	require.Equal(t, "rest", cfg.Sender.Driver)
	require.Len(t, cfg.Resolver.Directory.Tables, 2)
	require.Equal(t, "0 2 * * *", cfg.Schedule.EntitySync)
}
