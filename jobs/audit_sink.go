package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gabrielmaialva33/base-acl-go/internal/audit"
)

// AuditSinkJob delivers queued facts to the audit trail. Asynq retries on
// failure, so delivery is at least once; the audit service tolerates
// replays.
type AuditSinkJob struct {
	service *audit.Service
	logger  *slog.Logger
}

// NewAuditSinkJob constructs the job.
func NewAuditSinkJob(service *audit.Service, logger *slog.Logger) *AuditSinkJob {
	return &AuditSinkJob{service: service, logger: logger}
}

// Handle processes one TaskAuthzFact task.
func (j *AuditSinkJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload FactPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		if j.logger != nil {
			j.logger.Error("decode fact payload", slog.Any("error", err))
		}
		return asynq.SkipRetry
	}
	fact, err := payload.ToFact()
	if err != nil {
		if j.logger != nil {
			j.logger.Error("rebuild fact", slog.Any("error", err))
		}
		return asynq.SkipRetry
	}
	return j.service.RecordFact(ctx, fact)
}
