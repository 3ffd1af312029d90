package seg

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Unify merges node drop into node keep and returns the surviving
// representative.  Both handles are first resolved with Find, so
// unifying a node with itself (or with a node it was already merged
// into) is a no-op.
//
// Afterwards keep stands for the union of both representative sets,
// the identity index maps every identity of drop to keep, every edge
// that touched drop touches keep instead, and drop is retired: its
// handle stays allocated and resolves to keep through Find.  Edges
// between keep and drop become self-loops; duplicate edges are left
// as multi-edges.
func (g *Graph) Unify(keep, drop NodeID) NodeID {
	k, d := g.Find(keep), g.Find(drop)
	if k == d {
		return k
	}
	kn, dn := g.nodes[k], g.nodes[d]
	if kn.kind != dn.kind {
		panic(fmt.Sprintf("seg: cannot unify %s (%s) with %s (%s)", k, kn.kind, d, dn.kind))
	}
	log.Debugf("seg: unify %s into %s", dn, kn)

	// Representative set and identity index move together.
	var space [16]int
	for _, x := range dn.reps.AppendTo(space[:0]) {
		g.objToNode[objAt(x)] = k
	}
	kn.reps.UnionWith(&dn.reps)
	dn.reps.Clear()

	// Re-home every incident edge, removed ones included, so that
	// RestoreEdge finds correct endpoints.
	for _, id := range dn.succs {
		e := g.edges[id]
		e.src = k
		if e.dst == d {
			e.dst = k
		}
	}
	for _, id := range dn.preds {
		e := g.edges[id]
		e.dst = k
		if e.src == d {
			e.src = k
		}
	}
	kn.succs = append(kn.succs, dn.succs...)
	kn.preds = append(kn.preds, dn.preds...)
	dn.succs, dn.preds = nil, nil

	if kn.data != nil && dn.data != nil {
		kn.data.Unite(dn.data)
	}
	dn.data = nil
	dn.state = nodeRetired
	dn.rep = k

	g.numLive--
	g.version++
	g.touched.Insert(int(k))
	return k
}

// UnifyAll merges every node of group into the first one and returns
// the surviving representative.
func (g *Graph) UnifyAll(group []NodeID) NodeID {
	if len(group) == 0 {
		return InvalidNode
	}
	rep := g.Find(group[0])
	for _, id := range group[1:] {
		rep = g.Unify(rep, id)
	}
	return rep
}
