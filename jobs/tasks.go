package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzFact carries one authorization fact to the audit sink.
	TaskAuthzFact = "authz:fact"
)

// FactPayload is the wire form of an authorization fact.
type FactPayload struct {
	Kind         string    `json:"kind"`
	SubjectKind  string    `json:"subject_kind,omitempty"`
	SubjectID    string    `json:"subject_id,omitempty"`
	PermissionID string    `json:"permission_id,omitempty"`
	ACEID        string    `json:"ace_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	RoleID       string    `json:"role_id,omitempty"`
	Actor        string    `json:"actor"`
	At           time.Time `json:"at"`
}

// PayloadFromFact flattens a fact variant into its wire form.
func PayloadFromFact(fact authz.Fact) (FactPayload, error) {
	payload := FactPayload{Kind: fact.Kind(), At: fact.OccurredAt()}
	switch f := fact.(type) {
	case authz.PermissionGranted:
		payload.SubjectKind = string(f.Subject.Kind)
		payload.SubjectID = f.Subject.ID
		payload.PermissionID = f.PermissionID
		payload.ACEID = f.ACEID.String()
		payload.Actor = f.Actor
	case authz.PermissionRevoked:
		payload.SubjectKind = string(f.Subject.Kind)
		payload.SubjectID = f.Subject.ID
		payload.PermissionID = f.PermissionID
		payload.ACEID = f.ACEID.String()
		payload.Actor = f.Actor
	case authz.RoleAssigned:
		payload.UserID = f.UserID
		payload.RoleID = f.RoleID
		payload.Actor = f.Actor
	case authz.RoleRevoked:
		payload.UserID = f.UserID
		payload.RoleID = f.RoleID
		payload.Actor = f.Actor
	default:
		return FactPayload{}, fmt.Errorf("jobs: unknown fact kind %q", fact.Kind())
	}
	return payload, nil
}

// ToFact rebuilds the fact variant from the wire form.
func (p FactPayload) ToFact() (authz.Fact, error) {
	subject := authz.Subject{Kind: authz.SubjectKind(p.SubjectKind), ID: p.SubjectID}
	aceID, _ := uuid.Parse(p.ACEID)
	switch p.Kind {
	case authz.FactPermissionGranted:
		return authz.PermissionGranted{Subject: subject, PermissionID: p.PermissionID, ACEID: aceID, Actor: p.Actor, At: p.At}, nil
	case authz.FactPermissionRevoked:
		return authz.PermissionRevoked{Subject: subject, PermissionID: p.PermissionID, ACEID: aceID, Actor: p.Actor, At: p.At}, nil
	case authz.FactRoleAssigned:
		return authz.RoleAssigned{UserID: p.UserID, RoleID: p.RoleID, Actor: p.Actor, At: p.At}, nil
	case authz.FactRoleRevoked:
		return authz.RoleRevoked{UserID: p.UserID, RoleID: p.RoleID, Actor: p.Actor, At: p.At}, nil
	}
	return nil, fmt.Errorf("jobs: unknown fact kind %q", p.Kind)
}

// NewFactTask constructs an Asynq task for the fact.
func NewFactTask(fact authz.Fact) (*asynq.Task, error) {
	payload, err := PayloadFromFact(fact)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzFact, data), nil
}
