package worker

import (
	"context"

	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/messaging"
)

// FailureDrain forwards exhausted audit writes to the integrity channel so
// operations can reconcile the gap. A dropped audit entry must never be
// silent.
type FailureDrain struct {
	failures <-chan audit.RecordFailure
	broker   messaging.Broker
	logger   *logger.Logger
}

func NewFailureDrain(failures <-chan audit.RecordFailure, broker messaging.Broker, log *logger.Logger) *FailureDrain {
	return &FailureDrain{
		failures: failures,
		broker:   broker,
		logger:   log.WithComponent("audit_failure_drain"),
	}
}

func (d *FailureDrain) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case failure := <-d.failures:
			payload := map[string]interface{}{
				"kind":        "audit_write_failure",
				"org_id":      failure.Input.OrgID,
				"action":      failure.Input.Action,
				"resource":    failure.Input.Resource,
				"resource_id": failure.Input.ResourceID,
				"error":       failure.Err.Error(),
				"occurred_at": failure.OccurredAt,
			}
			if err := d.broker.Publish(ctx, messaging.IntegrityChannel, payload); err != nil {
				d.logger.Error(err, "publishing audit write failure",
					"org_id", failure.Input.OrgID.String(), "action", failure.Input.Action)
			}
		}
	}
}
