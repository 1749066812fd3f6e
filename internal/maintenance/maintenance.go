// Package maintenance runs periodic housekeeping on cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"joinbot/internal/eventbus"
	"joinbot/internal/session"
	logx "joinbot/pkg/logx"
)

type Config struct {
	// AuditRetention bounds the age of audit entries; zero keeps everything.
	AuditRetention time.Duration
	PruneSchedule  string
	// AutoResumeSchedule restarts rate-limited queues; empty disables it.
	AutoResumeSchedule string
}

// Pruner is the audit side of storage.Store.
type Pruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Starter is the queue side (queue.Processor).
type Starter interface {
	Start(ctx context.Context, sessionID string) bool
}

type Service struct {
	log     logx.Logger
	audit   Pruner
	table   *session.Table
	queue   Starter
	bus     eventbus.Bus
	parser  cron.Parser
	nowFunc func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, audit Pruner, table *session.Table, queue Starter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		audit: audit,
		table: table,
		queue: queue,
		bus:   bus,
		cfg:   cfg,
		// SecondOptional allows both 5-field and 6-field expressions.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		nowFunc: time.Now,
	}
}

// Validate checks both schedules without registering anything.
func (s *Service) Validate(cfg Config) error {
	for name, expr := range map[string]string{
		"prune_schedule":       cfg.PruneSchedule,
		"auto_resume_schedule": cfg.AutoResumeSchedule,
	} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := s.parser.Parse(expr); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	return nil
}

// Start registers the jobs and starts triggering. Jobs run with ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser))
	n := s.registerLocked()
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", n))
	return nil
}

// Apply swaps the config and re-registers jobs if running.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	for _, e := range s.c.Entries() {
		s.c.Remove(e.ID)
	}
	n := s.registerLocked()
	s.log.Info("schedules applied", logx.Int("jobs", n))
	return nil
}

func (s *Service) registerLocked() int {
	n := 0
	if expr := strings.TrimSpace(s.cfg.PruneSchedule); expr != "" && s.cfg.AuditRetention > 0 {
		if _, err := s.c.AddFunc(expr, func() { s.Prune(s.ctx) }); err == nil {
			n++
		}
	}
	if expr := strings.TrimSpace(s.cfg.AutoResumeSchedule); expr != "" {
		if _, err := s.c.AddFunc(expr, func() { s.ResumeRateLimited(s.ctx) }); err == nil {
			n++
		}
	}
	return n
}

// Stop stops triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Prune removes audit entries older than the retention window.
func (s *Service) Prune(ctx context.Context) int64 {
	s.mu.Lock()
	retention := s.cfg.AuditRetention
	s.mu.Unlock()
	if retention <= 0 || s.audit == nil {
		return 0
	}
	n, err := s.audit.PruneAudit(ctx, s.nowFunc().Add(-retention))
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
		return 0
	}
	if n > 0 {
		s.log.Info("audit pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
	}
	return n
}

// ResumeRateLimited restarts queues halted by a rate limit that still have
// codes left. It returns the resumed session IDs.
func (s *Service) ResumeRateLimited(ctx context.Context) []string {
	var resumed []string
	_, recs := s.table.Snapshot()
	for id, r := range recs {
		if r.IsRunning || r.HaltReason != session.HaltRateLimited || r.Remaining() == 0 {
			continue
		}
		if !s.queue.Start(ctx, id) {
			continue
		}
		resumed = append(resumed, id)
		s.log.Info("auto-resumed after rate limit", logx.String("session", id), logx.Int("remaining", r.Remaining()))
		eventbus.Log(s.bus, id, fmt.Sprintf("[%s] queue auto-resumed after rate limit", id))
	}
	return resumed
}
