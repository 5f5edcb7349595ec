/*
scheduler.go - Cron-driven reconciliation and overdue assessment

PURPOSE:
  Runs the two batch jobs of the billing engine on a schedule and records
  every run (scheduled or manual) in the reconciliation run history.

JOBS:
  reconcile: backfill missing installments/entries and repair drift
  overdue:   stamp fine and interest onto late installments as of today

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow run is never stacked
  - Each scheduled run gets its own timeout context
  - The run record is written before the job starts and updated when it
    ends, so a crashed process leaves a "running" row behind
  - Failures are logged AND stored on the run record

CONFIGURATION:
  - ReconcileSpec / OverdueSpec: standard 5-field cron expressions
  - Timeout: per-run deadline (default: 30 minutes)
  - Enabled: whether Start registers anything (default: true)

USAGE:
  scheduler := NewScheduler(engine, "0 2 * * *", "30 2 * * *")
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation, AssessOverdue (manual triggers)
  - billing/reconcile.go, billing/overdue.go: the jobs themselves
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/warp/tuition-billing/billing"
)

// Scheduler runs reconciliation and overdue assessment periodically.
type Scheduler struct {
	Engine        *billing.Engine
	ReconcileSpec string
	OverdueSpec   string
	Timeout       time.Duration
	Enabled       bool

	cron *cron.Cron
	mu   sync.Mutex
}

// NewScheduler creates a scheduler. Nothing runs until Start.
func NewScheduler(engine *billing.Engine, reconcileSpec, overdueSpec string) *Scheduler {
	return &Scheduler{
		Engine:        engine,
		ReconcileSpec: reconcileSpec,
		OverdueSpec:   overdueSpec,
		Timeout:       30 * time.Minute,
		Enabled:       true,
	}
}

// Start registers both jobs and starts the cron loop. An invalid cron
// expression is returned before anything is started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	logger := cron.VerbosePrintfLogger(log.Default())
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(s.ReconcileSpec, s.scheduled(billing.RunReconcile)); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", s.ReconcileSpec, err)
	}
	if _, err := c.AddFunc(s.OverdueSpec, s.scheduled(billing.RunOverdue)); err != nil {
		return fmt.Errorf("overdue schedule %q: %w", s.OverdueSpec, err)
	}

	c.Start()
	s.cron = c
	log.Printf("[Scheduler] Started (reconcile: %q, overdue: %q)", s.ReconcileSpec, s.OverdueSpec)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	log.Println("[Scheduler] Stopped")
}

// NextRuns returns when each job fires next. Empty when not started.
func (s *Scheduler) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	var next []time.Time
	for _, entry := range s.cron.Entries() {
		next = append(next, entry.Next)
	}
	return next
}

func (s *Scheduler) scheduled(kind billing.RunKind) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()

		var err error
		switch kind {
		case billing.RunReconcile:
			_, _, err = s.RunReconcile(ctx)
		case billing.RunOverdue:
			_, _, err = s.RunOverdue(ctx, s.Engine.Clock.Today())
		}
		if err != nil {
			log.Printf("[Scheduler] %s run failed: %v", kind, err)
		}
	}
}

// RunReconcile reconciles every active contract and records the run.
func (s *Scheduler) RunReconcile(ctx context.Context) (billing.ReconciliationRun, billing.Report, error) {
	var report billing.Report
	run, err := s.record(ctx, billing.RunReconcile, func(run *billing.ReconciliationRun) error {
		var err error
		report, err = s.Engine.Reconcile(ctx)
		run.ContractsScanned = report.ContractsScanned
		run.InstallmentsCreated = report.InstallmentsCreated
		run.EntriesCreated = report.EntriesCreated
		run.EntriesRepaired = report.EntriesRepaired
		run.Failures = len(report.Failures)
		for _, f := range report.Failures {
			log.Printf("[Scheduler] Contract %s not reconciled: %v", f.ContractID, f.Err)
		}
		if err == nil && len(report.Failures) > 0 {
			run.Error = fmt.Sprintf("%d contracts failed, first: %s: %v",
				len(report.Failures), report.Failures[0].ContractID, report.Failures[0].Err)
		}
		return err
	})
	if err == nil {
		log.Printf("[Scheduler] Reconciliation %s: %d contracts, %d installments, %d entries created, %d repaired, %d failed",
			run.ID, run.ContractsScanned, run.InstallmentsCreated, run.EntriesCreated, run.EntriesRepaired, run.Failures)
	}
	return run, report, err
}

// RunOverdue assesses overdue installments as of asOf and records the run.
func (s *Scheduler) RunOverdue(ctx context.Context, asOf billing.Date) (billing.ReconciliationRun, billing.AssessmentReport, error) {
	var report billing.AssessmentReport
	run, err := s.record(ctx, billing.RunOverdue, func(run *billing.ReconciliationRun) error {
		var err error
		report, err = s.Engine.AssessOverdue(ctx, asOf)
		run.InstallmentsUpdated = report.Updated
		return err
	})
	if err == nil {
		log.Printf("[Scheduler] Overdue %s as of %s: %d scanned, %d updated", run.ID, asOf, report.Scanned, report.Updated)
	}
	return run, report, err
}

// record wraps a job with its run record.
func (s *Scheduler) record(ctx context.Context, kind billing.RunKind, job func(*billing.ReconciliationRun) error) (billing.ReconciliationRun, error) {
	run := billing.ReconciliationRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    billing.RunRunning,
		StartedAt: s.Engine.Clock.Now(),
	}
	if err := s.Engine.Store.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("save run record: %w", err)
	}

	err := job(&run)

	completed := s.Engine.Clock.Now()
	run.CompletedAt = &completed
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.Status = billing.RunCancelled
		run.Error = err.Error()
	case err != nil:
		run.Status = billing.RunFailed
		run.Error = err.Error()
	default:
		run.Status = billing.RunCompleted
	}

	// The job's context may be done already; the outcome still gets written.
	if saveErr := s.Engine.Store.SaveRun(context.WithoutCancel(ctx), run); saveErr != nil {
		log.Printf("[Scheduler] Failed to update run record %s: %v", run.ID, saveErr)
		if err == nil {
			err = fmt.Errorf("update run record: %w", saveErr)
		}
	}
	return run, err
}
