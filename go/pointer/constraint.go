// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pointer

// This file defines the constraint graph: the sparse evaluation graph
// whose edges are pointer-assignment constraints between objects.

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// ConstraintType is the closed set of constraint kinds.
type ConstraintType uint8

const (
	Copy      ConstraintType = iota // dest = src (+offset)
	Load                            // dest = src[offset]
	Store                           // dest[offset] = src
	AddressOf                       // dest = &src (+offset)
)

func (t ConstraintType) String() string {
	switch t {
	case Copy:
		return "copy"
	case Load:
		return "load"
	case Store:
		return "store"
	case AddressOf:
		return "addr_of"
	}
	return fmt.Sprintf("ConstraintType(%d)", uint8(t))
}

// A Constraint is the payload of a constraint edge.  The edge runs
// from the constraint's source to its destination.
type Constraint struct {
	Type   ConstraintType
	Offset int32 // in logical fields; 0 for the whole object
}

func (c *Constraint) Kind() seg.EdgeKind { return seg.EdgeConstraint }

// Compare orders constraints by offset, then type.
func (c *Constraint) Compare(other seg.EdgeData) int {
	o := other.(*Constraint)
	if c.Offset != o.Offset {
		if c.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return int(c.Type) - int(o.Type)
}

func (c *Constraint) Clone() seg.EdgeData {
	cc := *c
	return &cc
}

// TargetIsDest reports whether the node whose points-to set this
// constraint updates is its destination.  That is the case for
// AddressOf and Store; Copy and Load target their source.
func (c *Constraint) TargetIsDest() bool {
	return c.Type == AddressOf || c.Type == Store
}

func (c *Constraint) String() string {
	return fmt.Sprintf("%s+%d", c.Type, c.Offset)
}

// consNode is the payload of a constraint node.  All state of a
// constraint node lives in its representative set.
type consNode struct{}

func (consNode) Kind() seg.NodeKind                    { return seg.KindConstraint }
func (consNode) Unite(seg.NodeData)                    {}
func (consNode) Clone(objmap.IDConverter) seg.NodeData { return consNode{} }

// A ConstraintEdge is a resolved view of one constraint edge.
type ConstraintEdge struct {
	ID   seg.EdgeID
	Dest seg.NodeID
	Src  seg.NodeID
	Constraint
}

func (e ConstraintEdge) String() string {
	switch e.Type {
	case Copy:
		if e.Offset != 0 {
			return fmt.Sprintf("%s = &%s.#%d", e.Dest, e.Src, e.Offset)
		}
		return fmt.Sprintf("%s = %s", e.Dest, e.Src)
	case Load:
		return fmt.Sprintf("%s = %s[%d]", e.Dest, e.Src, e.Offset)
	case Store:
		return fmt.Sprintf("%s[%d] = %s", e.Dest, e.Offset, e.Src)
	case AddressOf:
		if e.Offset != 0 {
			return fmt.Sprintf("%s = &%s+%d", e.Dest, e.Src, e.Offset)
		}
		return fmt.Sprintf("%s = &%s", e.Dest, e.Src)
	}
	return fmt.Sprintf("%s: %s -> %s", e.Constraint.String(), e.Src, e.Dest)
}

// A ConstraintGraph holds the pointer-assignment constraints of one
// analysis run.
//
// Nodes are created lazily the first time an identity appears in a
// constraint, so that every identity is represented by exactly one
// node from then on.
type ConstraintGraph struct {
	g *seg.Graph
}

// NewConstraintGraph returns an empty constraint graph.
func NewConstraintGraph() *ConstraintGraph {
	return &ConstraintGraph{g: seg.NewGraph()}
}

// SEG exposes the underlying graph to the solver.
func (cg *ConstraintGraph) SEG() *seg.Graph { return cg.g }

func (cg *ConstraintGraph) nodeFor(obj objmap.ObjID) seg.NodeID {
	if id, ok := cg.g.FindNode(obj); ok {
		return id
	}
	return cg.g.AddUnifyNode(consNode{}, obj)
}

// CreateNode returns the node of obj, creating it if necessary.  Use
// it for identities that must be represented before any constraint
// mentions them.
func (cg *ConstraintGraph) CreateNode(obj objmap.ObjID) seg.NodeID {
	return cg.nodeFor(obj)
}

// Add creates a constraint of the given type from src to dest and
// returns its edge.  The node the constraint targets (see Target) is
// queued for re-examination.
func (cg *ConstraintGraph) Add(t ConstraintType, dest, src objmap.ObjID, offset int32) seg.EdgeID {
	if dest < 0 || src < 0 {
		panic(fmt.Sprintf("ill-typed %s dest=%s src=%s", t, dest, src))
	}
	d := cg.nodeFor(dest)
	s := cg.nodeFor(src)
	id := cg.g.AddEdge(s, d, &Constraint{Type: t, Offset: offset})
	cg.g.Touch(cg.Target(id))
	return id
}

// AddNode allocates a fresh temporary identity in omap together with
// its node, and returns the identity.
func (cg *ConstraintGraph) AddNode(omap *objmap.ObjectMap) objmap.ObjID {
	obj := omap.MakeTempValue()
	if _, ok := cg.g.FindNode(obj); ok {
		panic(fmt.Sprintf("fresh temp %s is already represented; object map out of sync", obj))
	}
	cg.g.AddUnifyNode(consNode{}, obj)
	return obj
}

// RemoveConstraint deletes one constraint edge.  It reports whether
// the edge was present.
func (cg *ConstraintGraph) RemoveConstraint(id seg.EdgeID) bool {
	cg.g.EdgeOfKind(id, seg.EdgeConstraint)
	return cg.g.RemoveEdge(id)
}

// RestoreConstraint reinstates a constraint removed by
// RemoveConstraint, between the current representatives of its
// endpoints, and queues its target for re-examination.
func (cg *ConstraintGraph) RestoreConstraint(id seg.EdgeID) bool {
	if !cg.g.RestoreEdge(id) {
		return false
	}
	cg.g.EdgeOfKind(id, seg.EdgeConstraint)
	cg.g.Touch(cg.Target(id))
	return true
}

// HasConstraint reports whether id is a live constraint edge.
func (cg *ConstraintGraph) HasConstraint(id seg.EdgeID) bool {
	return cg.g.HasEdge(id)
}

// Target returns the target-of-effect node of a constraint: the
// node whose points-to set the constraint conceptually updates, and
// so the node a solver must re-examine when the constraint's
// contribution changes.  It is the destination for AddressOf and
// Store, and the source for Copy and Load.
func (cg *ConstraintGraph) Target(id seg.EdgeID) seg.NodeID {
	e := cg.g.EdgeOfKind(id, seg.EdgeConstraint)
	if e.Data().(*Constraint).TargetIsDest() {
		return e.Dst()
	}
	return e.Src()
}

// Constraint returns a view of the live constraint id.
func (cg *ConstraintGraph) Constraint(id seg.EdgeID) ConstraintEdge {
	return view(cg.g.EdgeOfKind(id, seg.EdgeConstraint))
}

// ConstraintAt is Constraint for a live or removed constraint.
func (cg *ConstraintGraph) ConstraintAt(id seg.EdgeID) ConstraintEdge {
	e := cg.g.EdgeAt(id)
	if e.Kind() != seg.EdgeConstraint {
		panic(fmt.Sprintf("%s is not a constraint", id))
	}
	return view(e)
}

func view(e *seg.Edge) ConstraintEdge {
	return ConstraintEdge{
		ID:         e.ID(),
		Dest:       e.Dst(),
		Src:        e.Src(),
		Constraint: *e.Data().(*Constraint),
	}
}

// Node returns the live constraint node id.
func (cg *ConstraintGraph) Node(id seg.NodeID) *seg.Node {
	return cg.g.NodeOfKind(id, seg.KindConstraint)
}

// FindNode returns the node representing obj, if any.
func (cg *ConstraintGraph) FindNode(obj objmap.ObjID) (seg.NodeID, bool) {
	return cg.g.FindNode(obj)
}

// NodeOf returns the node representing obj.  After construction
// every identity has exactly one node; anything else is an invariant
// violation.
func (cg *ConstraintGraph) NodeOf(obj objmap.ObjID) seg.NodeID {
	hits := cg.g.GetNodes(obj)
	if len(hits) != 1 {
		panic(fmt.Sprintf("%s is represented by %d nodes, want exactly 1", obj, len(hits)))
	}
	return hits[0]
}

// ForEachConstraint calls fn for each live constraint in handle
// order.
func (cg *ConstraintGraph) ForEachConstraint(fn func(ConstraintEdge)) {
	cg.g.ForEachEdge(func(e *seg.Edge) {
		if e.Kind() == seg.EdgeConstraint {
			fn(view(e))
		}
	})
}

// Constraints returns the live constraints in canonical order.
func (cg *ConstraintGraph) Constraints() []ConstraintEdge {
	var out []ConstraintEdge
	for _, e := range cg.g.SortedEdges() {
		if e.Kind() == seg.EdgeConstraint {
			out = append(out, view(e))
		}
	}
	return out
}

// Succs and Preds return the live constraints leaving or entering
// node id.
func (cg *ConstraintGraph) Succs(id seg.NodeID) []ConstraintEdge {
	return views(cg.g.Succs(id))
}

func (cg *ConstraintGraph) Preds(id seg.NodeID) []ConstraintEdge {
	return views(cg.g.Preds(id))
}

func views(edges []*seg.Edge) []ConstraintEdge {
	out := make([]ConstraintEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, view(e))
	}
	return out
}

func (cg *ConstraintGraph) NumNodes() int       { return cg.g.NumNodes() }
func (cg *ConstraintGraph) NumConstraints() int { return cg.g.NumEdges() }

// Cleanup compacts the graph after unification.  Nodes reachable
// through the identity index are never pruned.
func (cg *ConstraintGraph) Cleanup() seg.CleanupStats {
	return cg.g.Cleanup(nil)
}

// Clone returns an independent copy of cg with every identity passed
// through conv.  Node and edge handles are preserved.
func (cg *ConstraintGraph) Clone(conv objmap.IDConverter) *ConstraintGraph {
	return &ConstraintGraph{g: cg.g.Clone(conv)}
}

// Fprint writes the live constraints of cg in canonical order, one
// per line, followed by each node's representative set.
func (cg *ConstraintGraph) Fprint(w io.Writer) {
	for _, c := range cg.Constraints() {
		fmt.Fprintf(w, "\t%s\n", c)
	}
	cg.g.ForEachNode(func(n *seg.Node) {
		fmt.Fprintf(w, "\t%s = %v\n", n.ID(), n.Reps())
	})
}

// logStats reports the size of cg at info level.
func (cg *ConstraintGraph) logStats(when string) {
	log.Infof("constraint graph %s: %d nodes, %d constraints, %d identities",
		when, cg.NumNodes(), cg.NumConstraints(), cg.g.NumObjects())
}
