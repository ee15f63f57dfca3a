package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateGrant(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))

	entry, err := agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err)
	assert.Equal(t, "doc.read", entry.PermissionID)
	assert.Equal(t, "admin", entry.GrantedBy)
	assert.Equal(t, int64(1), agg.Version())

	facts := agg.TakeFacts()
	require.Len(t, facts, 1)
	granted, ok := facts[0].(PermissionGranted)
	require.True(t, ok)
	assert.Equal(t, "doc.read", granted.PermissionID)
	assert.Empty(t, agg.TakeFacts(), "facts drain once")
}

func TestAggregateDuplicateGrant(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))
	_, err := agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err)

	_, err = agg.Grant("doc.read", "admin", nil)
	require.ErrorIs(t, err, ErrDuplicateGrant)
	assert.Equal(t, int64(1), agg.Version(), "failed grant must not bump the version")
}

func TestAggregateRegrantAfterRevoke(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))
	_, err := agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err)
	_, changed := agg.Revoke("doc.read", "admin")
	require.True(t, changed)

	_, err = agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err, "revoked grants do not block re-granting")
	assert.Len(t, agg.Entries(), 2, "records are append only")
}

func TestAggregateRevokeIdempotent(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))
	_, err := agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err)
	agg.TakeFacts()

	_, changed := agg.Revoke("doc.read", "admin")
	require.True(t, changed)
	assert.Equal(t, int64(2), agg.Version())
	assert.Len(t, agg.TakeFacts(), 1)

	_, changed = agg.Revoke("doc.read", "admin")
	assert.False(t, changed)
	_, changed = agg.Revoke("doc.missing", "admin")
	assert.False(t, changed)
	assert.Equal(t, int64(2), agg.Version(), "no-op revokes must not bump the version")
	assert.Empty(t, agg.TakeFacts(), "no-op revokes must not emit facts")
}

func TestAggregateExpiredGrant(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))
	now := time.Now()
	past := now.Add(-time.Minute)
	agg.clock = func() time.Time { return now.Add(-time.Hour) }

	_, err := agg.Grant("doc.read", "admin", &past)
	require.NoError(t, err)

	assert.Empty(t, agg.ActiveGrants(now), "expired entries are not active")

	agg.clock = time.Now
	_, err = agg.Grant("doc.read", "admin", nil)
	require.NoError(t, err, "expired grants do not block re-granting")
}

func TestAggregateRoleAssignments(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))

	assignment, err := agg.AssignRole("editor", "admin")
	require.NoError(t, err)
	assert.Equal(t, "editor", assignment.RoleID)
	assert.Equal(t, []string{"editor"}, agg.ActiveRoles())

	_, err = agg.AssignRole("editor", "admin")
	require.ErrorIs(t, err, ErrDuplicateGrant)

	_, changed := agg.RevokeRole("editor", "admin")
	require.True(t, changed)
	assert.Empty(t, agg.ActiveRoles())

	_, changed = agg.RevokeRole("editor", "admin")
	assert.False(t, changed)

	_, err = agg.AssignRole("editor", "admin")
	require.NoError(t, err, "revoked assignments do not block re-assigning")
}

func TestAggregateRoleSubjectCannotHoldAssignments(t *testing.T) {
	agg := NewAggregate(RoleSubject("editor"))
	_, err := agg.AssignRole("viewer", "admin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateActiveGrantsOrdered(t *testing.T) {
	agg := NewAggregate(UserSubject("user-1"))
	base := time.Now()
	for i, perm := range []string{"c.perm", "a.perm", "b.perm"} {
		i := i
		agg.clock = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		_, err := agg.Grant(perm, "admin", nil)
		require.NoError(t, err)
	}
	grants := agg.ActiveGrants(base.Add(time.Minute))
	require.Len(t, grants, 3)
	assert.Equal(t, "c.perm", grants[0].PermissionID)
	assert.Equal(t, "a.perm", grants[1].PermissionID)
	assert.Equal(t, "b.perm", grants[2].PermissionID)
}
