package authz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "single segment", raw: "organization"},
		{name: "nested", raw: "organization/acme/project/42"},
		{name: "allowed characters", raw: "team-a/sub_team/p1"},
		{name: "empty", raw: "", wantErr: true},
		{name: "leading slash", raw: "/organization", wantErr: true},
		{name: "trailing slash", raw: "organization/", wantErr: true},
		{name: "double slash", raw: "a//b", wantErr: true},
		{name: "uppercase", raw: "Organization", wantErr: true},
		{name: "too deep", raw: strings.Repeat("a/", 16) + "a", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scope, err := ParseScope(tc.raw)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidScope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.raw, scope.String())
		})
	}
}

func TestScopeContains(t *testing.T) {
	cases := []struct {
		outer string
		inner string
		want  bool
	}{
		{"project/42", "project/42", true},
		{"project/42", "project/42/section/1", true},
		{"project/42/section/1", "project/42", false},
		{"project/42", "project/421", false},
		{"project", "project/42/section/1", true},
		{"project/42", "project/9", false},
	}
	for _, tc := range cases {
		t.Run(tc.outer+" contains "+tc.inner, func(t *testing.T) {
			assert.Equal(t, tc.want, Scope(tc.outer).Contains(Scope(tc.inner)))
		})
	}
}
