package audit

import (
	"context"

	"github.com/casetrail/audit-api/internal/model"
)

// Recorder is the interface consumed by middleware and sibling services.
type Recorder interface {
	Record(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error)
	RecordAsync(input *model.AuditEntryInput)
}

// RecordAsync is fire-and-forget from the business operation's perspective:
// the caller's success is never contingent on the audit write, and the
// caller's cancellation must not abort it. Failures are escalated through
// the service's operational channel, not to the caller.
func (s *Service) RecordAsync(input *model.AuditEntryInput) {
	go func() {
		if _, err := s.Record(context.Background(), input); err != nil {
			// Already escalated inside Record; nothing useful to add here.
			s.logger.Debug("async audit record failed", "action", input.Action)
		}
	}()
}
