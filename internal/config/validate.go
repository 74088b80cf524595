package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts five-field specs and descriptors such as "@every 30s".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleOff disables a scheduled job.
const ScheduleOff = "off"

// Validate reports every structural problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Sender.Driver)) {
	case "", "log":
	case "rest", "http":
		if strings.TrimSpace(cfg.Sender.BaseURL) == "" {
			add(errors.New("sender.base_url: required for the rest driver"))
		}
		if strings.TrimSpace(cfg.Sender.Instance) == "" {
			add(errors.New("sender.instance: required for the rest driver"))
		}
	default:
		add(fmt.Errorf("sender.driver: unknown driver %q", cfg.Sender.Driver))
	}
	dur("sender.timeout", cfg.Sender.Timeout)
	dur("sender.breaker_cooldown", cfg.Sender.BreakerCooldown)
	dur("sender.connection_ttl", cfg.Sender.ConnectionTTL)

	dur("resolver.cache_ttl", cfg.Resolver.CacheTTL)

	p := cfg.Policy
	if p.StartHour < 0 || p.StartHour > 23 {
		add(fmt.Errorf("policy.start_hour: %d out of range 0..23", p.StartHour))
	}
	if p.EndHour < 0 || p.EndHour > 24 {
		add(fmt.Errorf("policy.end_hour: %d out of range 0..24", p.EndHour))
	}
	if p.HourlyCap < 0 || p.DailyCap < 0 {
		add(errors.New("policy: caps must be >= 0"))
	}
	add(checkTimezone("policy.timezone", p.Timezone))
	dur("policy.min_delay", p.MinDelay)
	dur("policy.max_delay", p.MaxDelay)

	if cfg.Retry.MaxAttempts < 0 {
		add(errors.New("retry.max_attempts: must be >= 0"))
	}
	if cfg.Retry.JitterRatio < 0 || cfg.Retry.JitterRatio > 1 {
		add(errors.New("retry.jitter_ratio: must be within 0..1"))
	}
	dur("retry.base_delay", cfg.Retry.BaseDelay)
	dur("retry.max_delay", cfg.Retry.MaxDelay)

	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	dur("dispatch.lease", cfg.Dispatch.Lease)

	dur("webhook.redrive_grace", cfg.Webhook.RedriveGrace)
	if cfg.Webhook.RedriveMaxAttempts < 0 {
		add(errors.New("webhook.redrive_max_attempts: must be >= 0"))
	}

	dur("health.lookback", cfg.Health.Lookback)
	dur("health.max_silence", cfg.Health.MaxSilence)
	dur("health.timeout", cfg.Health.Timeout)
	if cfg.Health.MinSuccessRate < 0 || cfg.Health.MinSuccessRate > 1 {
		add(errors.New("health.min_success_rate: must be within 0..1"))
	}

	if cfg.Alert.Enabled {
		if strings.TrimSpace(cfg.Alert.Telegram.Token) == "" {
			add(errors.New("alert.telegram.token: required when alerts are enabled"))
		}
		if cfg.Alert.Telegram.ChatID == 0 {
			add(errors.New("alert.telegram.chat_id: required when alerts are enabled"))
		}
	}

	dur("retention.messages", cfg.Retention.Messages)
	dur("retention.raw_events", cfg.Retention.RawEvents)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	if cfg.HTTP.Pprof && strings.TrimSpace(cfg.HTTP.DebugToken) == "" && !loopbackOnly(cfg.HTTP.Addr) {
		add(errors.New("http.debug_token: required for pprof on a non-loopback addr"))
	}

	s := cfg.Schedule
	add(checkTimezone("schedule.timezone", s.Timezone))
	for path, spec := range map[string]string{
		"schedule.dispatch":    s.Dispatch,
		"schedule.retry_sweep": s.RetrySweep,
		"schedule.redrive":     s.Redrive,
		"schedule.retention":   s.Retention,
		"schedule.entity_sync": s.EntitySync,
		"schedule.health":      s.Health,
	} {
		spec = strings.TrimSpace(spec)
		if spec == "" || strings.EqualFold(spec, ScheduleOff) {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err))
		}
	}

	return errors.Join(errs...)
}

func loopbackOnly(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkTimezone(path, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
