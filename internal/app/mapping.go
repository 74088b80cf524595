package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"courier/internal/alert"
	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/health"
	"courier/internal/httpapi"
	"courier/internal/messaging"
	"courier/internal/policy"
	"courier/internal/resolver"
	"courier/internal/retry"
	"courier/internal/sender"
	"courier/internal/storage"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

const defaultStoragePath = "./courier.db"

// components is the file config converted into per-component configs.
type components struct {
	logging   logx.Config
	http      httpapi.Config
	httpOn    bool
	storage   storage.Config
	sender    sender.Config
	resolver  resolver.Config
	directory directoryConfig
	policy    policy.Config
	retry     retry.Config
	dispatch  dispatch.Config
	webhook   webhook.Config
	health    health.Config
	alert     alert.Config
	alertOn   bool
	telegram  alert.TelegramConfig
	messaging messaging.Config
}

type directoryConfig struct {
	path   string
	tables map[string]resolver.TableMapping
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(c.Path)
	if path == "" && driver != "memory" && driver != "mem" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func location(path, name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loc, nil
}

// mapConfig converts cfg. Zero durations are left for each component's
// own defaults.
func mapConfig(cfg *config.Config) (components, error) {
	var out components
	var err error
	d := func(path, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = config.ParseDurationField(path, raw)
		return v
	}

	out.logging = mapLogging(cfg.Logging)

	h := cfg.HTTP
	out.httpOn = strings.TrimSpace(h.Addr) != ""
	out.http = httpapi.Config{
		Addr:            h.Addr,
		ReadTimeout:     d("http.read_timeout", h.ReadTimeout),
		WriteTimeout:    d("http.write_timeout", h.WriteTimeout),
		MaxBodyBytes:    h.MaxBodyBytes,
		SignatureHeader: h.SignatureHeader,
		Metrics:         h.Metrics,
		Pprof:           h.Pprof,
		DebugToken:      h.DebugToken,
	}

	if out.storage, err = mapStorage(cfg.Storage); err != nil {
		return out, err
	}

	s := cfg.Sender
	out.sender = sender.Config{
		Driver:          s.Driver,
		BaseURL:         s.BaseURL,
		Instance:        s.Instance,
		APIKey:          s.APIKey,
		Timeout:         d("sender.timeout", s.Timeout),
		BreakerFailures: s.BreakerFailures,
		BreakerCooldown: d("sender.breaker_cooldown", s.BreakerCooldown),
	}

	r := cfg.Resolver
	out.resolver = resolver.Config{
		CountryCode:     r.CountryCode,
		DomesticLength:  r.DomesticLength,
		MinLength:       r.MinLength,
		MaxLength:       r.MaxLength,
		AllowRawAddress: r.AllowRawAddress,
		CacheTTL:        d("resolver.cache_ttl", r.CacheTTL),
	}
	if len(r.Directory.Tables) > 0 {
		out.directory.path = strings.TrimSpace(r.Directory.Path)
		if out.directory.path == "" {
			out.directory.path = out.storage.Path
		}
		out.directory.tables = make(map[string]resolver.TableMapping, len(r.Directory.Tables))
		for kind, t := range r.Directory.Tables {
			out.directory.tables[kind] = resolver.TableMapping{
				Table:         t.Table,
				IDColumn:      t.IDColumn,
				NameColumn:    t.NameColumn,
				ContactColumn: t.ContactColumn,
				EmailColumn:   t.EmailColumn,
			}
		}
	}

	p := cfg.Policy
	policyLoc, lerr := location("policy.timezone", p.Timezone)
	if lerr != nil {
		return out, lerr
	}
	out.policy = policy.Config{
		EnforceWindow: p.EnforceWindow,
		StartHour:     p.StartHour,
		EndHour:       p.EndHour,
		Location:      policyLoc,
		HourlyCap:     p.HourlyCap,
		DailyCap:      p.DailyCap,
		MinDelay:      d("policy.min_delay", p.MinDelay),
		MaxDelay:      d("policy.max_delay", p.MaxDelay),
	}

	rt := cfg.Retry
	out.retry = retry.Config{
		MaxAttempts:              rt.MaxAttempts,
		BaseDelay:                d("retry.base_delay", rt.BaseDelay),
		Multiplier:               rt.Multiplier,
		MaxDelay:                 d("retry.max_delay", rt.MaxDelay),
		JitterRatio:              rt.JitterRatio,
		RetryResolutionFailures:  rt.RetryResolutionFailures,
		ResetAttemptsOnReprocess: rt.ResetAttemptsOnReprocess,
	}

	out.dispatch = dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		SendTimeout: d("dispatch.send_timeout", cfg.Dispatch.SendTimeout),
		Lease:       d("dispatch.lease", cfg.Dispatch.Lease),
	}

	out.webhook = webhook.Config{
		Secret:       cfg.Webhook.Secret,
		RedriveGrace: d("webhook.redrive_grace", cfg.Webhook.RedriveGrace),
		MaxAttempts:  cfg.Webhook.RedriveMaxAttempts,
	}

	hc := cfg.Health
	out.health = health.Config{
		Lookback:          d("health.lookback", hc.Lookback),
		MaxRecentFailures: hc.MaxRecentFailures,
		MinSuccessRate:    hc.MinSuccessRate,
		MinSamples:        hc.MinSamples,
		MaxSilence:        d("health.max_silence", hc.MaxSilence),
		Timeout:           d("health.timeout", hc.Timeout),
	}

	a := cfg.Alert
	out.alertOn = a.Enabled
	out.alert = alert.Config{PerMinute: a.PerMinute, Burst: a.Burst, DeadMessages: a.DeadMessages}
	out.telegram = alert.TelegramConfig{
		Token:    a.Telegram.Token,
		ChatID:   a.Telegram.ChatID,
		ThreadID: a.Telegram.ThreadID,
		APIURL:   a.Telegram.APIURL,
	}

	sc := cfg.Schedule
	schedLoc, lerr := location("schedule.timezone", sc.Timezone)
	if lerr != nil {
		return out, lerr
	}
	out.messaging = messaging.Config{
		BatchSize:    out.dispatch.BatchSize,
		RedriveLimit: cfg.Webhook.RedriveBatch,
		Retention: storage.Retention{
			Messages:  d("retention.messages", cfg.Retention.Messages),
			RawEvents: d("retention.raw_events", cfg.Retention.RawEvents),
		},
		EntitySyncKinds:   sc.EntitySyncKinds,
		EntitySyncBatch:   sc.EntitySyncBatch,
		RequireConnection: s.RequireConnection,
		ConnectionTTL:     d("sender.connection_ttl", s.ConnectionTTL),
		Location:          schedLoc,
		Schedule: messaging.Schedule{
			Dispatch:   sc.Dispatch,
			RetrySweep: sc.RetrySweep,
			Redrive:    sc.Redrive,
			Retention:  sc.Retention,
			EntitySync: sc.EntitySync,
			Health:     sc.Health,
		},
	}
	if len(out.messaging.EntitySyncKinds) == 0 {
		for kind := range out.directory.tables {
			out.messaging.EntitySyncKinds = append(out.messaging.EntitySyncKinds, kind)
		}
		sort.Strings(out.messaging.EntitySyncKinds)
	}
	return out, err
}
