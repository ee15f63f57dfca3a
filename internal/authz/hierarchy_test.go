package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHierarchyCycleRejected(t *testing.T) {
	h, err := NewHierarchy(nil)
	require.NoError(t, err)

	require.NoError(t, h.AddEdge("viewer", "editor"))
	require.NoError(t, h.AddEdge("editor", "admin"))
	before := h.Generation()
	edgesBefore := h.Edges()

	// admin already inherits from viewer; the reverse edge closes a loop.
	require.ErrorIs(t, h.AddEdge("admin", "viewer"), ErrCycleDetected)
	require.ErrorIs(t, h.AddEdge("editor", "viewer"), ErrCycleDetected)
	require.ErrorIs(t, h.AddEdge("viewer", "viewer"), ErrCycleDetected)

	assert.Equal(t, before, h.Generation(), "rejected edits must not advance the generation")
	assert.Equal(t, edgesBefore, h.Edges(), "rejected edits must leave the graph unchanged")
}

func TestHierarchyAncestors(t *testing.T) {
	h, err := NewHierarchy([]Edge{
		{Parent: "viewer", Child: "editor"},
		{Parent: "editor", Child: "admin"},
		{Parent: "auditor", Child: "admin"},
	})
	require.NoError(t, err)

	assert.Empty(t, h.AncestorsOf("viewer"))
	assert.Equal(t, []string{"viewer"}, h.AncestorsOf("editor"))
	assert.Equal(t, []string{"auditor", "editor", "viewer"}, h.AncestorsOf("admin"))
}

func TestHierarchyEffectiveRoles(t *testing.T) {
	h, err := NewHierarchy([]Edge{
		{Parent: "viewer", Child: "editor"},
	})
	require.NoError(t, err)

	effective := h.EffectiveRoles([]string{"editor", "billing"})
	assert.Equal(t, map[string]struct{}{
		"editor":  {},
		"viewer":  {},
		"billing": {},
	}, effective)
}

func TestHierarchyEffectiveRolesMonotonic(t *testing.T) {
	h, err := NewHierarchy([]Edge{
		{Parent: "viewer", Child: "editor"},
	})
	require.NoError(t, err)

	before := h.EffectiveRoles([]string{"editor"})
	require.NoError(t, h.AddEdge("auditor", "viewer"))
	after := h.EffectiveRoles([]string{"editor"})

	for role := range before {
		_, ok := after[role]
		assert.True(t, ok, "adding an ancestor must not remove role %q", role)
	}
	_, ok := after["auditor"]
	assert.True(t, ok)
}

func TestHierarchyRemoveEdge(t *testing.T) {
	h, err := NewHierarchy([]Edge{
		{Parent: "viewer", Child: "editor"},
		{Parent: "editor", Child: "admin"},
	})
	require.NoError(t, err)

	gen := h.Generation()
	h.RemoveEdge("viewer", "editor")
	assert.Equal(t, gen+1, h.Generation())
	assert.Empty(t, h.AncestorsOf("editor"))
	assert.Equal(t, []string{"editor"}, h.AncestorsOf("admin"))

	// Removing an absent edge is a no-op.
	h.RemoveEdge("viewer", "editor")
	assert.Equal(t, gen+1, h.Generation())
}

func TestHierarchyReload(t *testing.T) {
	h, err := NewHierarchy([]Edge{{Parent: "viewer", Child: "editor"}})
	require.NoError(t, err)
	gen := h.Generation()

	require.NoError(t, h.Reload([]Edge{{Parent: "auditor", Child: "editor"}}))
	assert.Greater(t, h.Generation(), gen)
	assert.Equal(t, []string{"auditor"}, h.AncestorsOf("editor"))

	require.Error(t, h.Reload([]Edge{
		{Parent: "a", Child: "b"},
		{Parent: "b", Child: "a"},
	}))
}

func TestHierarchyDiamond(t *testing.T) {
	h, err := NewHierarchy([]Edge{
		{Parent: "root", Child: "left"},
		{Parent: "root", Child: "right"},
		{Parent: "left", Child: "leaf"},
		{Parent: "right", Child: "leaf"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"left", "right", "root"}, h.AncestorsOf("leaf"))

	// Dropping one path keeps the other.
	h.RemoveEdge("left", "leaf")
	assert.Equal(t, []string{"right", "root"}, h.AncestorsOf("leaf"))
}
