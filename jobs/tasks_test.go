package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmaialva33/base-acl-go/internal/audit"
	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
)

func TestFactTaskRoundTrip(t *testing.T) {
	granted := authz.PermissionGranted{
		Subject:      authz.UserSubject("userX"),
		PermissionID: "doc.read",
		ACEID:        uuid.New(),
		Actor:        "root",
		At:           time.Now().UTC().Truncate(time.Second),
	}

	payload, err := PayloadFromFact(granted)
	require.NoError(t, err)
	assert.Equal(t, authz.FactPermissionGranted, payload.Kind)

	fact, err := payload.ToFact()
	require.NoError(t, err)
	assert.Equal(t, granted, fact)
}

func TestPayloadFromRoleFact(t *testing.T) {
	assigned := authz.RoleAssigned{UserID: "userX", RoleID: "editor", Actor: "root", At: time.Now()}

	payload, err := PayloadFromFact(assigned)
	require.NoError(t, err)
	assert.Equal(t, "userX", payload.UserID)
	assert.Equal(t, "editor", payload.RoleID)
	assert.Empty(t, payload.SubjectID)
}

func TestToFactUnknownKind(t *testing.T) {
	_, err := FactPayload{Kind: "mystery"}.ToFact()
	assert.Error(t, err)
}

type captureRepo struct {
	records []audit.Record
}

func (r *captureRepo) Insert(_ context.Context, rec audit.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *captureRepo) TimelineWindow(context.Context, audit.TimelineFilters, int, int) ([]audit.Record, error) {
	return nil, nil
}

func TestAuditSinkHandle(t *testing.T) {
	repo := &captureRepo{}
	job := NewAuditSinkJob(audit.NewService(repo), slog.Default())

	task, err := NewFactTask(authz.RoleRevoked{UserID: "userX", RoleID: "editor", Actor: "root", At: time.Now()})
	require.NoError(t, err)
	require.Equal(t, TaskAuthzFact, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, repo.records, 1)
	assert.Equal(t, authz.FactRoleRevoked, repo.records[0].FactKind)
}

func TestAuditSinkSkipsUndecodablePayloads(t *testing.T) {
	job := NewAuditSinkJob(audit.NewService(&captureRepo{}), slog.Default())

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuthzFact, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
