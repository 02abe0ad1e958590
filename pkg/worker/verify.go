package worker

import (
	"context"
	"time"

	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/internal/service/alert"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/pkg/logger"
)

// VerificationWorker re-walks every organization's chain on an interval.
// A broken chain is a compliance incident: it is dispatched for human
// investigation and never auto-corrected.
type VerificationWorker struct {
	repo       repository.AuditRepository
	verifier   *audit.Verifier
	dispatcher alert.Dispatcher
	logger     *logger.Logger
	interval   time.Duration
}

func NewVerificationWorker(repo repository.AuditRepository, verifier *audit.Verifier, dispatcher alert.Dispatcher, log *logger.Logger, interval time.Duration) *VerificationWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &VerificationWorker{
		repo:       repo,
		verifier:   verifier,
		dispatcher: dispatcher,
		logger:     log.WithComponent("verification_worker"),
		interval:   interval,
	}
}

func (w *VerificationWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("verification worker started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("verification worker shutting down")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *VerificationWorker) runOnce(ctx context.Context) {
	orgs, err := w.repo.Orgs(ctx)
	if err != nil {
		w.logger.Error(err, "listing organizations for verification")
		return
	}

	for _, orgID := range orgs {
		result, err := w.verifier.Verify(ctx, orgID)
		if err != nil {
			// Unable to verify is not the same as compromised. Log and
			// move on; the next run retries.
			w.logger.Error(err, "verification run failed", "org_id", orgID.String())
			continue
		}
		if result.Valid {
			continue
		}

		fields := map[string]interface{}{
			"org_id":          orgID.String(),
			"entries_checked": result.EntriesChecked,
		}
		if result.BrokenAtEntryID != nil {
			fields["broken_at"] = result.BrokenAtEntryID.String()
		}
		w.logger.WithFields(fields).Error(nil, "audit chain integrity failure")

		if err := w.dispatcher.DispatchIntegrity(ctx, result); err != nil {
			w.logger.Error(err, "dispatching integrity alert", "org_id", orgID.String())
		}
	}
}
