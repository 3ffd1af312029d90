// Package cfg implements the control-flow graph used by the sparse
// flow-sensitive refinement: program points carrying def, use and
// global-initializer sets and the m/r/c flags, together with the
// call-site tables the solver extends as it resolves indirect calls.
package cfg

import (
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// A Node is the payload of a program point.
//
// The flags are monotone: they can be set but not cleared, and
// unification ORs them.  m marks points that may change an alias set
// (the rest are p points), r marks points relevant to the solve (the
// rest are u points), c marks points whose value is invariant.
type Node struct {
	label string

	defs        intsets.Sparse // of objmap.ObjID
	uses        intsets.Sparse
	globalInits intsets.Sparse

	m, r, c bool
}

func (n *Node) Kind() seg.NodeKind { return seg.KindCFG }

// Unite ORs the flags of other into n and unions the def, use and
// global-init sets.
func (n *Node) Unite(other seg.NodeData) {
	o := other.(*Node)
	n.m = n.m || o.m
	n.r = n.r || o.r
	n.c = n.c || o.c
	n.defs.UnionWith(&o.defs)
	n.uses.UnionWith(&o.uses)
	n.globalInits.UnionWith(&o.globalInits)
	if n.label == "" {
		n.label = o.label
	}
}

func (n *Node) Clone(conv objmap.IDConverter) seg.NodeData {
	c := &Node{label: n.label, m: n.m, r: n.r, c: n.c}
	convertSet(&c.defs, &n.defs, conv)
	convertSet(&c.uses, &n.uses, conv)
	convertSet(&c.globalInits, &n.globalInits, conv)
	return c
}

func convertSet(dst, src *intsets.Sparse, conv objmap.IDConverter) {
	var space [16]int
	for _, x := range src.AppendTo(space[:0]) {
		dst.Insert(int(conv(objmap.ObjID(x))))
	}
}

func (n *Node) M() bool { return n.m }
func (n *Node) P() bool { return !n.m }
func (n *Node) R() bool { return n.r }
func (n *Node) U() bool { return !n.r }
func (n *Node) C() bool { return n.c }

func (n *Node) SetM() { n.m = true }
func (n *Node) SetR() { n.r = true }
func (n *Node) SetC() { n.c = true }

func (n *Node) Label() string { return n.label }

func (n *Node) Defs() []objmap.ObjID        { return objs(&n.defs) }
func (n *Node) Uses() []objmap.ObjID        { return objs(&n.uses) }
func (n *Node) GlobalInits() []objmap.ObjID { return objs(&n.globalInits) }

func (n *Node) HasDef() bool { return !n.defs.IsEmpty() }
func (n *Node) HasUse() bool { return !n.uses.IsEmpty() }

func (n *Node) IsDef(obj objmap.ObjID) bool { return n.defs.Has(int(obj)) }
func (n *Node) IsUse(obj objmap.ObjID) bool { return n.uses.Has(int(obj)) }

func objs(s *intsets.Sparse) []objmap.ObjID {
	var out []objmap.ObjID
	var space [16]int
	for _, x := range s.AppendTo(space[:0]) {
		out = append(out, objmap.ObjID(x))
	}
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("{%q defs: %v uses: %v} : m: %v r: %v c: %v",
		n.label, n.Defs(), n.Uses(), n.m, n.r, n.c)
}

// Points names the reserved program points every CFG starts with.
type Points struct {
	GlobalInit seg.NodeID // global constructors run here, before Init
	Init       seg.NodeID // program start
	ArgvBegin  seg.NodeID // argv/envp materialization
	ArgvEnd    seg.NodeID
}

// All returns the reserved points in creation order.
func (p Points) All() []seg.NodeID {
	return []seg.NodeID{p.GlobalInit, p.Init, p.ArgvBegin, p.ArgvEnd}
}

// A CFG is the control-flow graph of one analysis run.
type CFG struct {
	g      *seg.Graph
	Points Points

	objToCFG    map[objmap.ObjID]seg.NodeID
	globalInits []objmap.ObjID

	calls
	unused map[objmap.ObjID]*UnusedFunction
}

// New returns a CFG holding only the reserved points, each of which
// is an m and r point.
func New() *CFG {
	c := &CFG{
		g:        seg.NewGraph(),
		objToCFG: make(map[objmap.ObjID]seg.NodeID),
		calls:    makeCalls(),
		unused:   make(map[objmap.ObjID]*UnusedFunction),
	}
	seed := func(label string) seg.NodeID {
		id := c.NextNode(label)
		n := c.Node(id)
		n.SetM()
		n.SetR()
		return id
	}
	c.Points = Points{
		GlobalInit: seed("global-init"),
		Init:       seed("init"),
		ArgvBegin:  seed("argv-begin"),
		ArgvEnd:    seed("argv-end"),
	}
	return c
}

// SEG exposes the underlying graph.
func (c *CFG) SEG() *seg.Graph { return c.g }

// NextNode allocates a new program point.  label is a debugging aid,
// e.g. the name of the basic block.
func (c *CFG) NextNode(label string) seg.NodeID {
	return c.g.AddNode(&Node{label: label})
}

// Node returns the payload of program point id.  Stale handles
// resolve to their representative.
func (c *CFG) Node(id seg.NodeID) *Node {
	return c.g.NodeOfKind(c.g.Find(id), seg.KindCFG).Data().(*Node)
}

// AddPred adds the flow edge pred -> node.
func (c *CFG) AddPred(node, pred seg.NodeID) seg.EdgeID {
	return c.g.AddPred(node, pred)
}

// Preds and Succs return the neighbouring points of id.
func (c *CFG) Preds(id seg.NodeID) []seg.NodeID {
	var out []seg.NodeID
	for _, e := range c.g.Preds(c.g.Find(id)) {
		out = append(out, e.Src())
	}
	return out
}

func (c *CFG) Succs(id seg.NodeID) []seg.NodeID {
	var out []seg.NodeID
	for _, e := range c.g.Succs(c.g.Find(id)) {
		out = append(out, e.Dst())
	}
	return out
}

// Unify merges program point drop into keep; see seg.Graph.Unify.
func (c *CFG) Unify(keep, drop seg.NodeID) seg.NodeID {
	return c.g.Unify(keep, drop)
}

// ---------- Defs, uses and global initializers ----------

func (c *CFG) index(obj objmap.ObjID, id seg.NodeID, what string) {
	if prev, ok := c.objToCFG[obj]; ok {
		panic(fmt.Sprintf("cfg: %s of %s at %s, but %s is already registered at %s",
			what, obj, id, obj, prev))
	}
	c.objToCFG[obj] = id
}

// AddDef records that id defines obj.  Each identity is defined,
// used or initialized at exactly one point; a second registration is
// an invariant violation.
func (c *CFG) AddDef(id seg.NodeID, obj objmap.ObjID) {
	n := c.Node(id)
	c.index(obj, id, "def")
	n.defs.Insert(int(obj))
	log.Debugf("cfg: def %s at %s", obj, id)
}

// AddUse records that id uses obj.
func (c *CFG) AddUse(id seg.NodeID, obj objmap.ObjID) {
	n := c.Node(id)
	c.index(obj, id, "use")
	n.uses.Insert(int(obj))
	log.Debugf("cfg: use %s at %s", obj, id)
}

// RemoveUse removes a use recorded by AddUse.  The identity stays in
// the object index; see EraseObjToCFG.
func (c *CFG) RemoveUse(id seg.NodeID, obj objmap.ObjID) {
	if !c.Node(id).uses.Remove(int(obj)) {
		panic(fmt.Sprintf("cfg: %s has no use of %s", id, obj))
	}
}

// AddGlobalInit records a global initializer.  Global initializers
// belong to the Init point.
func (c *CFG) AddGlobalInit(obj objmap.ObjID) {
	c.index(obj, c.Points.Init, "global init")
	c.Node(c.Points.Init).globalInits.Insert(int(obj))
	c.globalInits = append(c.globalInits, obj)
}

// GlobalInits returns the global initializers in registration order.
func (c *CFG) GlobalInits() []objmap.ObjID {
	return append([]objmap.ObjID(nil), c.globalInits...)
}

// EraseObjToCFG drops obj from the object index.
func (c *CFG) EraseObjToCFG(obj objmap.ObjID) {
	if _, ok := c.objToCFG[obj]; !ok {
		panic(fmt.Sprintf("cfg: %s is not in the object index", obj))
	}
	delete(c.objToCFG, obj)
}

// CFGid returns the point at which obj is defined, used or
// initialized.  obj must be registered.
func (c *CFG) CFGid(obj objmap.ObjID) seg.NodeID {
	id, ok := c.LookupCFGid(obj)
	if !ok {
		panic(fmt.Sprintf("cfg: %s is not in the object index", obj))
	}
	return id
}

// LookupCFGid is CFGid for identities that may be unregistered.
func (c *CFG) LookupCFGid(obj objmap.ObjID) (seg.NodeID, bool) {
	id, ok := c.objToCFG[obj]
	if !ok {
		return seg.InvalidNode, false
	}
	return c.g.Find(id), true
}

// ForEachObjToCFG calls fn for each entry of the object index in
// increasing identity order.
func (c *CFG) ForEachObjToCFG(fn func(obj objmap.ObjID, id seg.NodeID)) {
	keys := make([]objmap.ObjID, 0, len(c.objToCFG))
	for obj := range c.objToCFG {
		keys = append(keys, obj)
	}
	sortObjs(keys)
	for _, obj := range keys {
		fn(obj, c.g.Find(c.objToCFG[obj]))
	}
}

// IsStrong reports whether updates of obj are strong.  No update is:
// every store is treated as a weak update.
func (c *CFG) IsStrong(objmap.ObjID) bool { return false }

// Fprint writes every live point with its flags and flow successors.
func (c *CFG) Fprint(w io.Writer) {
	c.g.ForEachNode(func(sn *seg.Node) {
		fmt.Fprintf(w, "%s : %s -> %v\n", sn.ID(), sn.Data(), c.Succs(sn.ID()))
	})
}

func sortObjs(objs []objmap.ObjID) {
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })
}

func sortNodes(ids []seg.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
