/*
scheduler.go - Scheduled consistency audit

PURPOSE:
  Periodically runs payroll.CheckConsistency against the store and keeps
  the latest report for GET /api/admin/audit. Violations are logged at
  warn level, one line each.

DESIGN:
  - robfig/cron drives the schedule ("@every 1h", "0 3 * * *", ...)
  - Runs are wrapped with Recover and SkipIfStillRunning, so a slow audit
    never overlaps the next tick and a panic never kills the cron goroutine
  - An empty schedule disables the scheduler; RunNow still works

USAGE:
  audit := NewAuditScheduler(store, "@every 1h", logger)
  if err := audit.Start(); err != nil { ... }
  // ... later
  audit.Stop()

SEE ALSO:
  - handlers.go: CheckConsistency / GetAuditStatus endpoints
  - payroll/consistency.go: The checks
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/farm-payroll/payroll"
	"go.uber.org/zap"
)

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	At         time.Time
	Violations []payroll.Violation
	Err        error
}

// AuditScheduler runs the consistency audit on a cron schedule.
type AuditScheduler struct {
	Store    payroll.Store
	Schedule string
	Logger   *zap.Logger
	Now      func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID

	mu   sync.Mutex
	last *AuditReport
}

// NewAuditScheduler creates a scheduler. Call Start to begin.
func NewAuditScheduler(store payroll.Store, schedule string, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Store:    store,
		Schedule: schedule,
		Logger:   logger.Named("audit"),
		Now:      time.Now,
	}
}

// Enabled reports whether a schedule is configured.
func (s *AuditScheduler) Enabled() bool {
	return s.Schedule != ""
}

// Start begins the scheduler. It returns an error for an unparsable schedule.
func (s *AuditScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() {
		s.Logger.Info("scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{s.Logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(s.Schedule, func() { s.RunNow(context.Background()) })
	if err != nil {
		return fmt.Errorf("audit schedule %q: %w", s.Schedule, err)
	}
	s.cron, s.entryID = c, id
	c.Start()

	s.Logger.Info("scheduler started", zap.String("schedule", s.Schedule))
	return nil
}

// Stop halts the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Logger.Info("scheduler stopped")
}

// RunNow runs one audit synchronously and records the report.
func (s *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	violations, err := payroll.CheckConsistency(ctx, s.Store)
	report := AuditReport{At: s.Now(), Violations: violations, Err: err}

	switch {
	case err != nil:
		s.Logger.Error("audit failed", zap.Error(err))
	case len(violations) == 0:
		s.Logger.Info("audit clean")
	default:
		for _, v := range violations {
			s.Logger.Warn("invariant violated",
				zap.String("code", v.Code),
				zap.String("kind", v.Kind),
				zap.String("id", v.ID),
				zap.String("worker", string(v.WorkerID)),
				zap.String("message", v.Message))
		}
		s.Logger.Warn("audit found violations", zap.Int("count", len(violations)))
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// LastReport returns the most recent report, if any.
func (s *AuditScheduler) LastReport() (AuditReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return AuditReport{}, false
	}
	return *s.last, true
}

// NextRun returns when the next scheduled audit fires. Zero when stopped.
func (s *AuditScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
