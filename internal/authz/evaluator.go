package authz

import (
	"context"
	"errors"
	"sort"
	"time"
)

// CheckRequest carries one permission check. OwnerID and Attributes are
// caller-supplied context consumed only by policies.
type CheckRequest struct {
	Subject      Subject
	Action       string
	ResourceType string
	ResourceID   string
	Scope        Scope
	OwnerID      string
	Attributes   map[string]string
}

// Source provides the read-side data the evaluator consults.
type Source interface {
	LoadAggregate(ctx context.Context, subject Subject) (*Aggregate, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
}

// Evaluator combines the role hierarchy, the subject's aggregate and the
// policy set into an allow or deny decision. Given the same inputs it
// always produces the same decision, which is what makes it cacheable.
type Evaluator struct {
	hierarchy *Hierarchy
	policies  *PolicySet
	source    Source
	clock     func() time.Time
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(hierarchy *Hierarchy, policies *PolicySet, source Source) *Evaluator {
	return &Evaluator{
		hierarchy: hierarchy,
		policies:  policies,
		source:    source,
		clock:     time.Now,
	}
}

// Check resolves the subject's direct and role-derived grants, keeps those
// matching the requested (resource, action) whose scope contains the
// requested scope, and layers the policy set on top. No matching grant is
// an immediate deny; a policy deny always beats a matching grant.
func (e *Evaluator) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	now := e.clock()
	hierGen := e.hierarchy.Generation()

	agg, err := e.source.LoadAggregate(ctx, req.Subject)
	if err != nil {
		return Deny(ReasonBackendError), mapBackendErr(err)
	}

	entries := agg.Entries()
	if req.Subject.Kind == SubjectUser {
		derived, err := e.roleDerivedEntries(ctx, agg.ActiveRoles())
		if err != nil {
			return Deny(ReasonBackendError), mapBackendErr(err)
		}
		entries = append(entries, derived...)
	}

	matched, sawExpired, err := e.matchEntries(ctx, entries, req, now)
	if err != nil {
		return Deny(ReasonBackendError), mapBackendErr(err)
	}

	decision := Decision{
		SubjectVer:   agg.Version(),
		HierarchyGen: hierGen,
		EvaluatedAt:  now,
	}
	if len(matched) == 0 {
		decision.Reason = ReasonNoGrant
		if sawExpired {
			decision.Reason = ReasonExpired
		}
		return decision, nil
	}

	evalCtx := EvalContext{
		Subject:      req.Subject,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Scope:        req.Scope,
		OwnerID:      req.OwnerID,
		Now:          now,
		Attributes:   req.Attributes,
	}
	for _, m := range matched {
		if m.permission.Constraint != nil && m.permission.Constraint.Evaluate(evalCtx) == EffectDeny {
			continue
		}
		effect, _ := e.policies.Evaluate(evalCtx)
		if effect == EffectDeny {
			continue
		}
		decision.Allowed = true
		decision.Reason = ReasonGranted
		decision.MatchedACE = m.entry.ID
		return decision, nil
	}
	decision.Reason = ReasonPolicyDenied
	return decision, nil
}

type matchedEntry struct {
	entry      AccessControlEntry
	permission Permission
}

// matchEntries filters entries down to active grants of a permission whose
// (resource, action) matches and whose scope contains the requested scope.
// sawExpired reports whether an otherwise-matching grant lapsed by expiry.
func (e *Evaluator) matchEntries(ctx context.Context, entries []AccessControlEntry, req CheckRequest, now time.Time) ([]matchedEntry, bool, error) {
	var matched []matchedEntry
	sawExpired := false
	perms := map[string]Permission{}
	for _, entry := range entries {
		if !entry.Active(now) && !entry.Expired(now) {
			continue
		}
		perm, ok := perms[entry.PermissionID]
		if !ok {
			var err error
			perm, err = e.source.GetPermission(ctx, entry.PermissionID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			perms[entry.PermissionID] = perm
		}
		if perm.ResourceType != req.ResourceType || perm.Action != req.Action {
			continue
		}
		if !perm.Scope.Contains(req.Scope) {
			continue
		}
		if entry.Expired(now) {
			sawExpired = true
			continue
		}
		matched = append(matched, matchedEntry{entry: entry, permission: perm})
	}
	return matched, sawExpired, nil
}

// roleDerivedEntries collects the ACEs reachable through the effective
// roles of the user's active assignments.
func (e *Evaluator) roleDerivedEntries(ctx context.Context, roles []string) ([]AccessControlEntry, error) {
	var out []AccessControlEntry
	effective := e.hierarchy.EffectiveRoles(roles)
	ordered := make([]string, 0, len(effective))
	for roleID := range effective {
		ordered = append(ordered, roleID)
	}
	sort.Strings(ordered)
	for _, roleID := range ordered {
		agg, err := e.source.LoadAggregate(ctx, RoleSubject(roleID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, agg.Entries()...)
	}
	return out, nil
}

func mapBackendErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBackendTimeout
	}
	return err
}
