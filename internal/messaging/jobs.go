package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// Job names, also used as the keys of Schedule.
const (
	JobDispatch   = "dispatch"
	JobRetrySweep = "retry_sweep"
	JobRedrive    = "redrive"
	JobRetention  = "retention"
	JobEntitySync = "entity_sync"
	JobHealth     = "health"
)

// Off disables a job.
const Off = "off"

// maxSyncPages bounds one entity_sync run per kind.
const maxSyncPages = 500

// Schedule holds one cron spec per job. Empty fields take the defaults.
type Schedule struct {
	Dispatch   string
	RetrySweep string
	Redrive    string
	Retention  string
	EntitySync string
	Health     string
}

func (s Schedule) normalized() Schedule {
	def := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	def(&s.Dispatch, "@every 30s")
	def(&s.RetrySweep, "@every 1m")
	def(&s.Redrive, "@every 5m")
	def(&s.Retention, "0 3 * * *")
	def(&s.EntitySync, Off)
	def(&s.Health, "@every 1m")
	return s
}

func (s Schedule) specs() map[string]string {
	return map[string]string{
		JobDispatch:   s.Dispatch,
		JobRetrySweep: s.RetrySweep,
		JobRedrive:    s.Redrive,
		JobRetention:  s.Retention,
		JobEntitySync: s.EntitySync,
		JobHealth:     s.Health,
	}
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Start schedules the background jobs. Jobs receive ctx; a job still
// running when its next tick fires is skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	return s.scheduleLocked()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.sched
	s.sched = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop(context.Background())
}

// Apply swaps the configuration. The scheduler is rebuilt when running and
// the schedule or its timezone changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev, old := s.cfg, s.sched
	s.cfg = cfg
	rebuild := old != nil && (prev.Schedule != cfg.Schedule || prev.Location.String() != cfg.Location.String())
	if rebuild {
		s.sched = nil
	}
	s.mu.Unlock()
	if !rebuild {
		return nil
	}
	// Running jobs read the config, so wait for them without holding mu.
	<-old.Stop().Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return nil
	}
	return s.scheduleLocked()
}

// RunJob runs one job immediately, outside the schedule.
func (s *Service) RunJob(ctx context.Context, name string) error {
	fn, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return fn(ctx)
}

// Jobs lists the active schedule, sorted by job name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := s.cfg.Schedule.specs()
	out := make([]JobInfo, 0, len(specs))
	for name, spec := range specs {
		info := JobInfo{Name: name, Spec: spec, Enabled: !strings.EqualFold(spec, Off)}
		if id, ok := s.entries[name]; ok && s.sched != nil {
			if next := s.sched.Entry(id).Next; !next.IsZero() {
				info.Next = &next
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type JobInfo struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Enabled bool   `json:"enabled"`
	// Next is unset while the scheduler is stopped.
	Next *time.Time `json:"next,omitempty"`
}

func (s *Service) scheduleLocked() error {
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx := s.runCtx
	entries := make(map[string]cron.EntryID)
	for name, spec := range s.cfg.Schedule.specs() {
		if strings.EqualFold(strings.TrimSpace(spec), Off) {
			continue
		}
		name, fn := name, s.jobs[name]
		id, err := c.AddFunc(spec, func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		entries[name] = id
	}
	c.Start()
	s.sched, s.entries = c, entries
	s.log.Debug("scheduler started", logx.Int("jobs", len(c.Entries())))
	return nil
}

func (s *Service) runDispatch(ctx context.Context) error {
	sum := s.deps.Dispatcher.ProcessBatch(ctx, s.config().BatchSize)
	if sum.Processed > 0 {
		s.log.Info("dispatch batch",
			logx.Int("processed", sum.Processed), logx.Int("succeeded", sum.Succeeded),
			logx.Int("failed", sum.Failed), logx.String("stop_reason", sum.StopReason))
	}
	return nil
}

func (s *Service) runRetrySweep(ctx context.Context) error {
	n, err := s.deps.Retry.Sweep(ctx, s.config().RetrySweepLimit)
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	if n > 0 {
		s.log.Info("requeued failed messages", logx.Int("count", n))
	}
	return nil
}

func (s *Service) runRedrive(ctx context.Context) error {
	res, err := s.deps.Webhooks.Redrive(ctx, s.config().RedriveLimit)
	if err != nil {
		return fmt.Errorf("webhook redrive: %w", err)
	}
	if res.Attempted > 0 {
		s.log.Info("webhook redrive",
			logx.Int("attempted", res.Attempted), logx.Int("succeeded", res.Succeeded), logx.Int("failed", res.Failed))
	}
	return nil
}

func (s *Service) runRetention(ctx context.Context) error {
	r := s.config().Retention
	r.MaxAttempts = s.deps.Retry.Config().MaxAttempts
	res, err := storage.Sweep(ctx, s.deps.Store, r, s.clock.Now())
	if err != nil {
		return err
	}
	if res.Messages > 0 || res.RawEvents > 0 {
		s.log.Info("retention sweep", logx.Int64("messages", res.Messages), logx.Int64("raw_events", res.RawEvents))
	}
	return nil
}

// runEntitySync pages through every configured kind. A page shorter than
// the batch ends the kind.
func (s *Service) runEntitySync(ctx context.Context) error {
	cfg := s.config()
	var errs []error
	for _, kind := range cfg.EntitySyncKinds {
		synced, failed := 0, 0
		for page := 0; page < maxSyncPages; page++ {
			res, err := s.deps.Resolver.SyncBatch(ctx, kind, cfg.EntitySyncBatch, page*cfg.EntitySyncBatch)
			if err != nil {
				errs = append(errs, fmt.Errorf("entity sync %s: %w", kind, err))
				break
			}
			synced += res.Synced
			failed += res.Failed
			if res.Synced+res.Failed < cfg.EntitySyncBatch {
				break
			}
		}
		s.log.Info("entity sync", logx.String("kind", kind), logx.Int("synced", synced), logx.Int("failed", failed))
	}
	return errors.Join(errs...)
}

func (s *Service) runHealth(ctx context.Context) error {
	s.Health(ctx)
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
