package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicySetPrecedence(t *testing.T) {
	allow := PredicatePolicy{PolicyName: "always_allow", Predicate: func(EvalContext) Effect { return EffectAllow }}
	deny := PredicatePolicy{PolicyName: "always_deny", Predicate: func(EvalContext) Effect { return EffectDeny }}
	abstain := PredicatePolicy{PolicyName: "always_abstain", Predicate: func(EvalContext) Effect { return EffectAbstain }}

	cases := []struct {
		name     string
		policies []Policy
		want     Effect
		deniedBy string
	}{
		{name: "empty set abstains", want: EffectAbstain},
		{name: "abstain only", policies: []Policy{abstain}, want: EffectAbstain},
		{name: "allow wins over abstain", policies: []Policy{abstain, allow}, want: EffectAllow},
		{name: "deny beats allow", policies: []Policy{allow, deny}, want: EffectDeny, deniedBy: "always_deny"},
		{name: "deny beats later allow", policies: []Policy{deny, allow}, want: EffectDeny, deniedBy: "always_deny"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := NewPolicySet(tc.policies...)
			effect, deniedBy := set.Evaluate(EvalContext{})
			assert.Equal(t, tc.want, effect)
			assert.Equal(t, tc.deniedBy, deniedBy)
		})
	}
}

func TestDecideDefaultsToDeny(t *testing.T) {
	assert.True(t, Decide(EffectAllow))
	assert.False(t, Decide(EffectDeny))
	assert.False(t, Decide(EffectAbstain))
}

func TestOwnershipPolicy(t *testing.T) {
	p := OwnershipPolicy{}
	assert.Equal(t, EffectAbstain, p.Evaluate(EvalContext{Subject: UserSubject("u1")}))
	assert.Equal(t, EffectAllow, p.Evaluate(EvalContext{Subject: UserSubject("u1"), OwnerID: "u1"}))
	assert.Equal(t, EffectDeny, p.Evaluate(EvalContext{Subject: UserSubject("u1"), OwnerID: "u2"}))
	assert.Equal(t, EffectDeny, p.Evaluate(EvalContext{Subject: RoleSubject("u1"), OwnerID: "u1"}),
		"roles never own resources")
}

func TestTimeWindowPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := TimeWindowPolicy{
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
	}
	assert.Equal(t, EffectAbstain, p.Evaluate(EvalContext{Now: now}))
	assert.Equal(t, EffectDeny, p.Evaluate(EvalContext{Now: now.Add(-2 * time.Hour)}))
	assert.Equal(t, EffectDeny, p.Evaluate(EvalContext{Now: now.Add(2 * time.Hour)}))

	open := TimeWindowPolicy{}
	assert.Equal(t, EffectAbstain, open.Evaluate(EvalContext{Now: now}))
}

func TestScopeCeilingPolicy(t *testing.T) {
	p := ScopeCeilingPolicy{Ceiling: "project/42"}
	assert.Equal(t, EffectAbstain, p.Evaluate(EvalContext{Scope: "project/42/section/1"}))
	assert.Equal(t, EffectDeny, p.Evaluate(EvalContext{Scope: "project/9"}))
}

func TestConstraintEvaluate(t *testing.T) {
	owner := Constraint{Kind: ConstraintOwnerOnly}
	assert.Equal(t, EffectDeny, owner.Evaluate(EvalContext{Subject: UserSubject("u1"), OwnerID: "u2"}))
	assert.Equal(t, EffectAllow, owner.Evaluate(EvalContext{Subject: UserSubject("u1"), OwnerID: "u1"}))

	now := time.Now()
	window := Constraint{Kind: ConstraintTimeWindow, NotAfter: now.Add(-time.Minute)}
	assert.Equal(t, EffectDeny, window.Evaluate(EvalContext{Now: now}))

	unknown := Constraint{Kind: "something_else"}
	assert.Equal(t, EffectAbstain, unknown.Evaluate(EvalContext{}))
}
