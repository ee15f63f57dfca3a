package authz

import "errors"

var (
	// ErrCycleDetected indicates a hierarchy edit that would create a cycle.
	ErrCycleDetected = errors.New("authz: role hierarchy cycle detected")
	// ErrDuplicateGrant indicates an active grant or assignment already exists.
	ErrDuplicateGrant = errors.New("authz: duplicate grant")
	// ErrVersionConflict indicates a write raced a concurrent mutation.
	ErrVersionConflict = errors.New("authz: version conflict")
	// ErrNotFound indicates an unknown subject, role or permission.
	ErrNotFound = errors.New("authz: not found")
	// ErrBackendTimeout indicates the persistence or event port did not
	// answer in time. Checks degrade to deny, never to allow.
	ErrBackendTimeout = errors.New("authz: backend timeout")
	// ErrInvalidScope indicates a malformed scope path.
	ErrInvalidScope = errors.New("authz: invalid scope")
)
