package pointer

// This file defines the unification pass, which shrinks the
// constraint graph before solving by merging nodes whose points-to
// sets are provably equal in every solution.
//
// Two kinds of groups are merged:
//
//   - strongly connected components of offset-0 Copy constraints,
//     whose members all have the same points-to set;
//   - pointer-equivalent nodes: top-level values whose incoming
//     Copy, Load and AddressOf constraints are identical.
//
// Nodes standing for an address-taken identity are never merged, so
// that the identity added to a points-to set by an AddressOf
// constraint stays unambiguous.  Memory objects are excluded from the
// second kind, since stores through pointers write them without an
// incoming edge.

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/algoimpl/go/graph"
	"golang.org/x/tools/container/intsets"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// UnifyState is the progress of one unification round.
type UnifyState int

const (
	Unprocessed UnifyState = iota
	CandidateGrouped
	Collapsed
	Cleaned
)

func (s UnifyState) String() string {
	switch s {
	case Unprocessed:
		return "unprocessed"
	case CandidateGrouped:
		return "candidate-grouped"
	case Collapsed:
		return "collapsed"
	case Cleaned:
		return "cleaned"
	}
	return "UnifyState(" + strconv.Itoa(int(s)) + ")"
}

// UnifyOptions configures the unification pass.
type UnifyOptions struct {
	// Rounds bounds the number of rounds Optimize runs.  Zero means
	// one round.
	Rounds int

	// NoCycles and NoEquivalence disable the two kinds of groups.
	NoCycles      bool
	NoEquivalence bool

	// Objects classifies identities.  Pointer-equivalence grouping
	// only considers nodes whose identities are all values or
	// temporaries, so it is skipped when Objects is nil.
	Objects *objmap.ObjectMap

	// Indirect holds identities whose nodes must never be merged,
	// e.g. the targets of indirect calls the solver resolves later.
	Indirect *intsets.Sparse

	// Pinned holds identities that may gain constraints after
	// unification: endpoints of excised constraints, parameters and
	// results of functions reached through indirect calls.  Their
	// nodes are never merged.
	Pinned *intsets.Sparse
}

// UnifyStats summarizes one or more unification rounds.
type UnifyStats struct {
	Rounds     int
	Cycles     int // groups found by cycle detection
	Equivalent int // groups found by pointer equivalence
	Merged     int // nodes unified away
	SelfLoops  int // trivial constraints removed
	Cleanup    seg.CleanupStats
}

func (s *UnifyStats) add(o UnifyStats) {
	s.Rounds += o.Rounds
	s.Cycles += o.Cycles
	s.Equivalent += o.Equivalent
	s.Merged += o.Merged
	s.SelfLoops += o.SelfLoops
	s.Cleanup.Nodes += o.Cleanup.Nodes
	s.Cleanup.Edges += o.Cleanup.Edges
}

// A Unifier runs one round of the unification pass over a constraint
// graph.  The steps must be called in order: Group, Collapse, Clean.
type Unifier struct {
	cg     *ConstraintGraph
	opts   UnifyOptions
	state  UnifyState
	groups [][]seg.NodeID
	stats  UnifyStats
}

// NewUnifier returns a unifier for cg in state Unprocessed.
func NewUnifier(cg *ConstraintGraph, opts UnifyOptions) *Unifier {
	return &Unifier{cg: cg, opts: opts}
}

func (u *Unifier) State() UnifyState { return u.state }

// Groups returns the candidate groups found by Group.  Each group is
// sorted by node handle.
func (u *Unifier) Groups() [][]seg.NodeID { return u.groups }

func (u *Unifier) Stats() UnifyStats { return u.stats }

func (u *Unifier) expect(s UnifyState, step string) {
	if u.state != s {
		panic(fmt.Sprintf("unify: %s called in state %s, want %s", step, u.state, s))
	}
}

// Group computes the candidate groups and returns their number.
func (u *Unifier) Group() int {
	u.expect(Unprocessed, "Group")
	pinned := u.pinned()
	grouped := make(map[seg.NodeID]bool)

	if !u.opts.NoCycles {
		for _, grp := range u.copyCycles(pinned) {
			u.groups = append(u.groups, grp)
			for _, id := range grp {
				grouped[id] = true
			}
			u.stats.Cycles++
		}
	}
	if !u.opts.NoEquivalence && u.opts.Objects != nil {
		for _, grp := range u.equivalent(pinned, grouped) {
			u.groups = append(u.groups, grp)
			u.stats.Equivalent++
		}
	}
	u.state = CandidateGrouped
	log.Debugf("unify: %d cycle groups, %d equivalence groups", u.stats.Cycles, u.stats.Equivalent)
	return len(u.groups)
}

// pinned returns the nodes that must keep their own identity: nodes
// of sentinels or of identities marked indirect or pinned, every node an
// AddressOf constraint takes the address of, and the node of the
// identity that constraint adds to a points-to set.
func (u *Unifier) pinned() map[seg.NodeID]bool {
	g := u.cg.g
	out := make(map[seg.NodeID]bool)
	g.ForEachObject(func(obj objmap.ObjID, id seg.NodeID) {
		if objmap.IsSpecial(obj) || has(u.opts.Indirect, obj) || has(u.opts.Pinned, obj) {
			out[id] = true
		}
	})
	u.cg.ForEachConstraint(func(c ConstraintEdge) {
		if c.Type != AddressOf {
			return
		}
		out[c.Src] = true
		for _, obj := range g.Node(c.Src).Reps() {
			if id, ok := g.FindNode(obj + objmap.ObjID(c.Offset)); ok {
				out[id] = true
			}
		}
	})
	return out
}

func has(s *intsets.Sparse, obj objmap.ObjID) bool {
	return s != nil && s.Has(int(obj))
}

// copyCycles returns the strongly connected components of the
// offset-0 Copy subgraph, restricted to unpinned nodes.  Members of a
// component have equal points-to sets whether or not the pinned nodes
// that connect them are merged too.
func (u *Unifier) copyCycles(pinned map[seg.NodeID]bool) [][]seg.NodeID {
	g := u.cg.g
	dg := graph.New(graph.Directed)
	nodes := make(map[seg.NodeID]graph.Node)
	g.ForEachNode(func(n *seg.Node) {
		gn := dg.MakeNode()
		*gn.Value = n.ID()
		nodes[n.ID()] = gn
	})
	u.cg.ForEachConstraint(func(c ConstraintEdge) {
		if c.Type != Copy || c.Offset != 0 || c.Src == c.Dest {
			return
		}
		if err := dg.MakeEdge(nodes[c.Src], nodes[c.Dest]); err != nil {
			panic(fmt.Sprintf("unify: copy edge %s: %v", c, err))
		}
	})

	var out [][]seg.NodeID
	for _, scc := range dg.StronglyConnectedComponents() {
		if len(scc) < 2 {
			continue
		}
		var grp []seg.NodeID
		for _, gn := range scc {
			id := (*gn.Value).(seg.NodeID)
			if !pinned[id] {
				grp = append(grp, id)
			}
		}
		if len(grp) < 2 {
			continue
		}
		sortNodes(grp)
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// equivalent returns groups of unpinned value nodes, not already in
// a cycle group, with identical non-empty sets of incoming Copy, Load
// and AddressOf constraints.
func (u *Unifier) equivalent(pinned, grouped map[seg.NodeID]bool) [][]seg.NodeID {
	g := u.cg.g
	byKey := make(map[string][]seg.NodeID)
	var keys []string
	g.ForEachNode(func(n *seg.Node) {
		id := n.ID()
		if pinned[id] || grouped[id] || !u.isValueNode(n) {
			return
		}
		key := u.inKey(id)
		if key == "" {
			return
		}
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], id)
	})

	var out [][]seg.NodeID
	for _, key := range keys {
		if grp := byKey[key]; len(grp) > 1 {
			out = append(out, grp) // already in handle order
		}
	}
	return out
}

func (u *Unifier) isValueNode(n *seg.Node) bool {
	for _, obj := range n.Reps() {
		if !u.opts.Objects.Valid(obj) {
			return false
		}
		switch u.opts.Objects.TypeOf(obj) {
		case objmap.Value, objmap.Temp:
		default:
			return false
		}
	}
	return n.NumReps() > 0
}

// inKey encodes the incoming Copy, Load and AddressOf constraints of
// node id as a canonical string, or "" if there are none.  Incoming
// stores write through the node, not to it, and are ignored.
func (u *Unifier) inKey(id seg.NodeID) string {
	var parts []string
	for _, c := range u.cg.Preds(id) {
		switch {
		case c.Type == Store:
			continue
		case c.Src == id && c.Type == Copy && c.Offset == 0:
			continue // no effect
		case c.Src == id:
			return ""
		}
		parts = append(parts, fmt.Sprintf("%d:%d:%d", c.Type, c.Offset, c.Src))
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	// Duplicate constraints do not change the solution.
	uniq := parts[:1]
	for _, p := range parts[1:] {
		if p != uniq[len(uniq)-1] {
			uniq = append(uniq, p)
		}
	}
	return strings.Join(uniq, " ")
}

// Collapse unifies each candidate group into its lowest node and
// removes the offset-0 Copy self-loops this creates.  It returns the
// number of nodes unified away.
func (u *Unifier) Collapse() int {
	u.expect(CandidateGrouped, "Collapse")
	g := u.cg.g
	var reps []seg.NodeID
	for _, grp := range u.groups {
		rep := g.UnifyAll(grp)
		u.stats.Merged += len(grp) - 1
		reps = append(reps, rep)
	}
	for _, rep := range reps {
		for _, c := range u.cg.Succs(g.Find(rep)) {
			if c.Type == Copy && c.Offset == 0 && c.Src == c.Dest {
				u.cg.RemoveConstraint(c.ID)
				u.stats.SelfLoops++
			}
		}
	}
	u.state = Collapsed
	return u.stats.Merged
}

// Clean compacts the constraint graph.
func (u *Unifier) Clean() seg.CleanupStats {
	u.expect(Collapsed, "Clean")
	u.stats.Cleanup = u.cg.Cleanup()
	u.state = Cleaned
	return u.stats.Cleanup
}

// Run performs Group, Collapse and Clean.
func (u *Unifier) Run() UnifyStats {
	u.Group()
	u.Collapse()
	u.Clean()
	u.stats.Rounds = 1
	return u.stats
}

// Optimize runs up to opts.Rounds unification rounds over cg,
// stopping early after a round that finds nothing to merge.
func Optimize(cg *ConstraintGraph, opts UnifyOptions) UnifyStats {
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 1
	}
	cg.logStats("before unification")
	var total UnifyStats
	for i := 0; i < rounds; i++ {
		stats := NewUnifier(cg, opts).Run()
		total.add(stats)
		log.Debugf("unify: round %d merged %d nodes", i+1, stats.Merged)
		if stats.Merged == 0 {
			break
		}
	}
	cg.logStats("after unification")
	log.Infof("unification: %d rounds, %d cycle groups, %d equivalence groups, %d nodes merged",
		total.Rounds, total.Cycles, total.Equivalent, total.Merged)
	return total
}

func sortNodes(ids []seg.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
