package authz

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Edge is a single inheritance link: the child role inherits every
// permission granted to the parent role.
type Edge struct {
	Parent string
	Child  string
}

// Hierarchy maintains the role inheritance DAG and answers ancestor-closure
// queries. Readers work against an immutable snapshot swapped atomically, so
// queries never take a lock; structural edits are serialized and recompute
// only the closure of the affected subgraph. Every edit bumps the hierarchy
// generation consumed by the decision cache.
type Hierarchy struct {
	mu   sync.Mutex
	snap atomic.Pointer[hierarchySnapshot]
	gen  atomic.Int64
}

type roleSet map[string]struct{}

type hierarchySnapshot struct {
	parents  map[string]roleSet
	children map[string]roleSet
	// closure maps a role to the transitive set of its ancestors,
	// exclusive of the role itself. Untouched entries are shared between
	// snapshots.
	closure map[string]roleSet
}

// NewHierarchy builds a hierarchy from persisted edges. Edges that would
// form a cycle are rejected with ErrCycleDetected.
func NewHierarchy(edges []Edge) (*Hierarchy, error) {
	h := &Hierarchy{}
	h.snap.Store(&hierarchySnapshot{
		parents:  map[string]roleSet{},
		children: map[string]roleSet{},
		closure:  map[string]roleSet{},
	})
	for _, e := range edges {
		if err := h.AddEdge(e.Parent, e.Child); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Generation returns the current hierarchy generation.
func (h *Hierarchy) Generation() int64 {
	return h.gen.Load()
}

// Bump advances the generation without a structural edit. Writes to a role
// subject's grants go through here: user decisions derived through that role
// carry the hierarchy generation, not the role's version, so only a
// generation bump retires them.
func (h *Hierarchy) Bump() {
	h.gen.Add(1)
}

// AddEdge links child to parent. It fails with ErrCycleDetected when the
// parent already inherits from the child (directly or transitively), leaving
// the graph unchanged.
func (h *Hierarchy) AddEdge(parent, child string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if parent == child {
		return ErrCycleDetected
	}
	cur := h.snap.Load()
	if _, ok := cur.closure[parent]; ok {
		if _, cyclic := cur.closure[parent][child]; cyclic {
			return ErrCycleDetected
		}
	}
	if _, ok := cur.parents[child][parent]; ok {
		return nil
	}

	next := cur.clone()
	addToSet(next.parents, child, parent)
	addToSet(next.children, parent, child)
	next.recomputeFrom(child)
	h.snap.Store(next)
	h.gen.Add(1)
	return nil
}

// RemoveEdge unlinks child from parent and reports whether the edge
// existed. Removing an absent edge is a no-op and does not advance the
// generation.
func (h *Hierarchy) RemoveEdge(parent, child string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.snap.Load()
	if _, ok := cur.parents[child][parent]; !ok {
		return false
	}

	next := cur.clone()
	removeFromSet(next.parents, child, parent)
	removeFromSet(next.children, parent, child)
	next.recomputeFrom(child)
	h.snap.Store(next)
	h.gen.Add(1)
	return true
}

// Reload replaces the whole graph from persisted edges, used when another
// instance edited the hierarchy. The generation advances once so stamped
// cache entries recompute.
func (h *Hierarchy) Reload(edges []Edge) error {
	rebuilt, err := NewHierarchy(edges)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap.Store(rebuilt.snap.Load())
	h.gen.Add(1)
	return nil
}

// AncestorsOf returns the transitive closure of the role's parents,
// exclusive of the role itself.
func (h *Hierarchy) AncestorsOf(role string) []string {
	snap := h.snap.Load()
	set := snap.closure[role]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// EffectiveRoles returns the union of each input role with all of its
// ancestors. The inputs are included whether or not they carry edges.
func (h *Hierarchy) EffectiveRoles(roles []string) map[string]struct{} {
	snap := h.snap.Load()
	out := make(map[string]struct{}, len(roles)*2)
	for _, role := range roles {
		out[role] = struct{}{}
		for ancestor := range snap.closure[role] {
			out[ancestor] = struct{}{}
		}
	}
	return out
}

// Edges returns every inheritance link, ordered for stable persistence.
func (h *Hierarchy) Edges() []Edge {
	snap := h.snap.Load()
	var edges []Edge
	for child, parents := range snap.parents {
		for parent := range parents {
			edges = append(edges, Edge{Parent: parent, Child: child})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Parent != edges[j].Parent {
			return edges[i].Parent < edges[j].Parent
		}
		return edges[i].Child < edges[j].Child
	})
	return edges
}

func (s *hierarchySnapshot) clone() *hierarchySnapshot {
	next := &hierarchySnapshot{
		parents:  make(map[string]roleSet, len(s.parents)),
		children: make(map[string]roleSet, len(s.children)),
		closure:  make(map[string]roleSet, len(s.closure)),
	}
	for k, v := range s.parents {
		next.parents[k] = copySet(v)
	}
	for k, v := range s.children {
		next.children[k] = copySet(v)
	}
	// Closure sets are rebuilt only for the affected subgraph; the rest
	// stay shared with the previous snapshot.
	for k, v := range s.closure {
		next.closure[k] = v
	}
	return next
}

// recomputeFrom rebuilds ancestor closures for root and every role that
// inherits through it, leaving the rest of the graph untouched.
func (s *hierarchySnapshot) recomputeFrom(root string) {
	affected := []string{root}
	seen := roleSet{root: {}}
	for i := 0; i < len(affected); i++ {
		for child := range s.children[affected[i]] {
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				affected = append(affected, child)
			}
		}
	}
	// Parents of affected roles may themselves be affected; recompute in
	// topological order by resolving ancestors on demand.
	for _, role := range affected {
		delete(s.closure, role)
	}
	for _, role := range affected {
		s.resolveClosure(role, seen)
	}
}

func (s *hierarchySnapshot) resolveClosure(role string, dirty roleSet) roleSet {
	if set, ok := s.closure[role]; ok {
		return set
	}
	set := roleSet{}
	for parent := range s.parents[role] {
		set[parent] = struct{}{}
		var ancestors roleSet
		if _, isDirty := dirty[parent]; isDirty {
			ancestors = s.resolveClosure(parent, dirty)
		} else {
			ancestors = s.closure[parent]
		}
		for a := range ancestors {
			set[a] = struct{}{}
		}
	}
	s.closure[role] = set
	return set
}

func addToSet(m map[string]roleSet, key, member string) {
	if m[key] == nil {
		m[key] = roleSet{}
	}
	m[key][member] = struct{}{}
}

func removeFromSet(m map[string]roleSet, key, member string) {
	delete(m[key], member)
	if len(m[key]) == 0 {
		delete(m, key)
	}
}

func copySet(s roleSet) roleSet {
	out := make(roleSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
