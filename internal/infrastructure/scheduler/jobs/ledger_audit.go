// Package jobs contains the engine's scheduled maintenance jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER AUDIT
// Checks that every cached pontos_totais still equals the sum of the user's
// ledger. Drift is reported, not repaired.
// ══════════════════════════════════════════════════════════════════════════════

// LedgerAuditName is the scheduler name of the audit job.
const LedgerAuditName = "ledger_audit"

// LedgerAuditJob reports profiles whose totals drifted from the ledger.
type LedgerAuditJob struct {
	auditor profile.Auditor
	logger  *logger.Logger

	mu   sync.RWMutex
	last []profile.Drift
}

// NewLedgerAuditJob creates the audit job.
func NewLedgerAuditJob(auditor profile.Auditor, log *logger.Logger) *LedgerAuditJob {
	if log == nil {
		log = logger.Default()
	}
	return &LedgerAuditJob{
		auditor: auditor,
		logger:  log.With(logger.Component("ledger_audit")),
	}
}

// Name implements scheduler.Job.
func (j *LedgerAuditJob) Name() string { return LedgerAuditName }

// Run implements scheduler.Job.
func (j *LedgerAuditJob) Run(ctx context.Context) error {
	drift, err := j.auditor.FindDrift(ctx)
	if err != nil {
		return fmt.Errorf("find drift: %w", err)
	}

	j.mu.Lock()
	j.last = drift
	j.mu.Unlock()

	for _, d := range drift {
		j.logger.Warn("profile total drifted from ledger",
			logger.UserID(d.UserID),
			logger.Int64("pontos_totais", d.PontosTotais),
			logger.Int64("ledger_total", d.LedgerTotal),
		)
	}
	if len(drift) == 0 {
		j.logger.Debug("ledger audit clean")
	}
	return nil
}

// LastDrift returns the drift found by the most recent run.
func (j *LedgerAuditJob) LastDrift() []profile.Drift {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]profile.Drift(nil), j.last...)
}
