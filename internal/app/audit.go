/**
 * @description
 * Periodic ledger audit. On a cron schedule it reads committed totals and reports any
 * negative balance, and any change of the ledger sum while the account population stayed
 * the same (transfers must conserve the sum). The audit only reads.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: job scheduling with panic recovery.
 */
package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

// TotalsReader reports committed ledger totals.
type TotalsReader interface {
	Totals(ctx context.Context) (domain.LedgerTotals, error)
}

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	Totals             domain.LedgerTotals
	NegativeBalances   bool
	ConservationBroken bool
	PreviousSum        decimal.Decimal
}

// Healthy reports whether the run found no invariant violation.
func (r AuditReport) Healthy() bool {
	return !r.NegativeBalances && !r.ConservationBroken
}

// LedgerAuditor checks ledger invariants against committed state.
type LedgerAuditor struct {
	totals  TotalsReader
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	previous *domain.LedgerTotals
}

func NewLedgerAuditor(totals TotalsReader, log *logger.Logger) *LedgerAuditor {
	if log == nil {
		log = logger.Nop()
	}
	return &LedgerAuditor{
		totals:  totals,
		log:     log.Component("ledger_audit"),
		timeout: 30 * time.Second,
	}
}

// Audit performs one run and remembers its totals for the next comparison.
func (a *LedgerAuditor) Audit(ctx context.Context) (AuditReport, error) {
	totals, err := a.totals.Totals(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	report := AuditReport{Totals: totals, NegativeBalances: totals.Negative > 0}
	if a.previous != nil {
		report.PreviousSum = a.previous.Sum
		if a.previous.Accounts == totals.Accounts && !a.previous.Sum.Equal(totals.Sum) {
			report.ConservationBroken = true
		}
	}
	a.previous = &totals
	return report, nil
}

// Run is the cron entrypoint.
func (a *LedgerAuditor) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	report, err := a.Audit(ctx)
	if err != nil {
		a.log.Warn("ledger audit failed", "error", err)
		return
	}
	if report.NegativeBalances {
		a.log.Error("negative balances detected", "count", report.Totals.Negative)
	}
	if report.ConservationBroken {
		a.log.Error("ledger sum drifted with unchanged account population",
			"accounts", report.Totals.Accounts,
			"previous_sum", report.PreviousSum.String(),
			"current_sum", report.Totals.Sum.String(),
		)
	}
	if report.Healthy() {
		a.log.Info("ledger audit passed", "accounts", report.Totals.Accounts, "sum", report.Totals.Sum.String())
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	auditor *LedgerAuditor
	spec    string
	log     *logger.Logger
}

// NewScheduler creates a scheduler that runs the auditor on spec (standard cron or
// "@every" syntax).
func NewScheduler(auditor *LedgerAuditor, spec string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("scheduler")
	cronLog := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLog)), cron.WithLogger(cronLog)),
		auditor: auditor,
		spec:    spec,
		log:     log,
	}
}

// Start registers the audit job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.auditor.Run); err != nil {
		s.log.Error("failed to schedule ledger audit job", "schedule", s.spec, "error", err)
		return err
	}
	s.log.Info("scheduled ledger audit job", "schedule", s.spec)
	s.cron.Start()
	return nil
}

// Stop halts scheduling; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
