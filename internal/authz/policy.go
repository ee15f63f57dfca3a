package authz

import (
	"sync"
	"time"
)

// Effect is the outcome of a single policy or of a PolicySet evaluation.
type Effect string

const (
	EffectAllow   Effect = "allow"
	EffectDeny    Effect = "deny"
	EffectAbstain Effect = "abstain"
)

// EvalContext carries everything a policy may consult. Policies are pure:
// they read this context and nothing else, which keeps evaluation
// deterministic and cacheable.
type EvalContext struct {
	Subject      Subject
	Action       string
	ResourceType string
	ResourceID   string
	Scope        Scope
	OwnerID      string
	Now          time.Time
	Attributes   map[string]string
}

// Policy is a named contextual predicate layered on top of grant matching.
type Policy interface {
	Name() string
	Evaluate(ctx EvalContext) Effect
}

// OwnershipPolicy allows when the subject owns the resource, denies when an
// owner is known and differs, and abstains when ownership is unknown.
type OwnershipPolicy struct{}

func (OwnershipPolicy) Name() string { return "ownership" }

func (OwnershipPolicy) Evaluate(ctx EvalContext) Effect {
	if ctx.OwnerID == "" {
		return EffectAbstain
	}
	if ctx.Subject.Kind == SubjectUser && ctx.Subject.ID == ctx.OwnerID {
		return EffectAllow
	}
	return EffectDeny
}

// TimeWindowPolicy denies outside the configured window. Zero bounds are
// open ended.
type TimeWindowPolicy struct {
	PolicyName string
	NotBefore  time.Time
	NotAfter   time.Time
}

func (p TimeWindowPolicy) Name() string {
	if p.PolicyName != "" {
		return p.PolicyName
	}
	return "time_window"
}

func (p TimeWindowPolicy) Evaluate(ctx EvalContext) Effect {
	if !p.NotBefore.IsZero() && ctx.Now.Before(p.NotBefore) {
		return EffectDeny
	}
	if !p.NotAfter.IsZero() && ctx.Now.After(p.NotAfter) {
		return EffectDeny
	}
	return EffectAbstain
}

// ScopeCeilingPolicy denies any request outside its ceiling scope.
type ScopeCeilingPolicy struct {
	PolicyName string
	Ceiling    Scope
}

func (p ScopeCeilingPolicy) Name() string {
	if p.PolicyName != "" {
		return p.PolicyName
	}
	return "scope_ceiling"
}

func (p ScopeCeilingPolicy) Evaluate(ctx EvalContext) Effect {
	if p.Ceiling.Contains(ctx.Scope) {
		return EffectAbstain
	}
	return EffectDeny
}

// PredicatePolicy wraps a custom pure predicate under a stable name.
type PredicatePolicy struct {
	PolicyName string
	Predicate  func(ctx EvalContext) Effect
}

func (p PredicatePolicy) Name() string { return p.PolicyName }

func (p PredicatePolicy) Evaluate(ctx EvalContext) Effect {
	if p.Predicate == nil {
		return EffectAbstain
	}
	return p.Predicate(ctx)
}

// ConstraintKind tags the closed set of per-permission constraints.
type ConstraintKind string

const (
	ConstraintOwnerOnly  ConstraintKind = "owner_only"
	ConstraintTimeWindow ConstraintKind = "time_window"
)

// Constraint is an optional condition attached to a permission, evaluated
// against the matched ACE's context in addition to the registered policies.
type Constraint struct {
	Kind      ConstraintKind
	NotBefore time.Time
	NotAfter  time.Time
}

// Evaluate applies the constraint to the context.
func (c Constraint) Evaluate(ctx EvalContext) Effect {
	switch c.Kind {
	case ConstraintOwnerOnly:
		return OwnershipPolicy{}.Evaluate(ctx)
	case ConstraintTimeWindow:
		return TimeWindowPolicy{NotBefore: c.NotBefore, NotAfter: c.NotAfter}.Evaluate(ctx)
	}
	return EffectAbstain
}

// PolicySet aggregates registered policies. Precedence: an explicit deny
// beats any allow; abstain has no weight.
type PolicySet struct {
	mu       sync.RWMutex
	policies []Policy
}

// NewPolicySet creates an empty set.
func NewPolicySet(policies ...Policy) *PolicySet {
	return &PolicySet{policies: policies}
}

// Register appends a policy to the set.
func (s *PolicySet) Register(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, p)
}

// Evaluate runs every policy against the context. The result is deny when
// any policy denies, allow when at least one allows and none deny, and
// abstain when no policy has an opinion. DeniedBy carries the name of the
// first denying policy for traceability.
func (s *PolicySet) Evaluate(ctx EvalContext) (Effect, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := EffectAbstain
	for _, p := range s.policies {
		switch p.Evaluate(ctx) {
		case EffectDeny:
			return EffectDeny, p.Name()
		case EffectAllow:
			result = EffectAllow
		}
	}
	return result, ""
}

// Decide collapses an aggregate effect to a boolean under the default-deny
// rule: absence of any allow or deny is a deny.
func Decide(effect Effect) bool {
	return effect == EffectAllow
}
