package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.debug_token_set", set(newCfg.HTTP.DebugToken)),
		)
	}

	// Storage: the path may embed credentials for other drivers; only report presence.
	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.Path != newCfg.Storage.Path {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
		)
	}

	oSnd, ns := oldCfg.Sender, newCfg.Sender
	if oSnd.Driver != ns.Driver || oSnd.BaseURL != ns.BaseURL || oSnd.Instance != ns.Instance || oSnd.Timeout != ns.Timeout ||
		oSnd.BreakerFailures != ns.BreakerFailures || oSnd.BreakerCooldown != ns.BreakerCooldown || oSnd.APIKey != ns.APIKey ||
		oSnd.RequireConnection != ns.RequireConnection || oSnd.ConnectionTTL != ns.ConnectionTTL {
		changed = append(changed, "sender")
		attrs = append(attrs,
			logx.String("sender.driver", ns.Driver),
			logx.String("sender.instance", ns.Instance),
			logx.Bool("sender.api_key_set", set(ns.APIKey)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Resolver, newCfg.Resolver) {
		changed = append(changed, "resolver")
		attrs = append(attrs,
			logx.String("resolver.country_code", newCfg.Resolver.CountryCode),
			logx.Int("resolver.directory_tables", len(newCfg.Resolver.Directory.Tables)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Bool("policy.enforce_window", newCfg.Policy.EnforceWindow),
			logx.Int("policy.hourly_cap", newCfg.Policy.HourlyCap),
			logx.Int("policy.daily_cap", newCfg.Policy.DailyCap),
		)
	}
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize))
	}

	ow, nw := oldCfg.Webhook, newCfg.Webhook
	if ow.Secret != nw.Secret || ow.RedriveGrace != nw.RedriveGrace || ow.RedriveBatch != nw.RedriveBatch ||
		ow.RedriveMaxAttempts != nw.RedriveMaxAttempts {
		changed = append(changed, "webhook")
		attrs = append(attrs, logx.Bool("webhook.secret_set", set(nw.Secret)))
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
	}

	oa, na := oldCfg.Alert, newCfg.Alert
	if oa.Enabled != na.Enabled || oa.PerMinute != na.PerMinute || oa.Burst != na.Burst || oa.DeadMessages != na.DeadMessages ||
		oa.Telegram.ChatID != na.Telegram.ChatID || oa.Telegram.ThreadID != na.Telegram.ThreadID ||
		oa.Telegram.APIURL != na.Telegram.APIURL || oa.Telegram.Token != na.Telegram.Token {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", na.Enabled),
			logx.Bool("alert.telegram_token_set", set(na.Telegram.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.dispatch", newCfg.Schedule.Dispatch))
	}

	sort.Strings(changed)
	return changed, attrs
}
