// Package seg implements the sparse evaluation graph shared by the
// constraint graph and the control-flow graph.
//
// Nodes and edges live in arenas indexed by small integer handles.
// Handles are never reused: removing an edge or unifying a node away
// only marks the slot, so handles captured in side tables never
// dangle.  Every object identity maps to exactly one live node through
// an explicit index that is updated whenever a node's representative
// set changes.
//
// A Graph is not safe for concurrent mutation.  Read-only queries may
// run concurrently with each other, but never with a mutator.
package seg

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"

	"github.com/april1989/specsfs/go/objmap"
)

// NodeID denotes a node.  It is an index within Graph.nodes.
type NodeID int32

// EdgeID denotes an edge.  It is an index within Graph.edges.
type EdgeID int32

const (
	InvalidNode NodeID = -1
	InvalidEdge EdgeID = -1
)

func (id NodeID) String() string { return fmt.Sprintf("n%d", id) }
func (id EdgeID) String() string { return fmt.Sprintf("e%d", id) }

// NodeKind is the closed set of node roles.
type NodeKind int

const (
	KindConstraint NodeKind = iota // a constraint-graph node
	KindCFG                        // a control-flow program point
)

func (k NodeKind) String() string {
	switch k {
	case KindConstraint:
		return "constraint"
	case KindCFG:
		return "cfg"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// EdgeKind is the closed set of edge roles.
type EdgeKind int

const (
	EdgeFlow       EdgeKind = iota // control-flow predecessor edge
	EdgeConstraint                 // pointer-assignment constraint
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFlow:
		return "flow"
	case EdgeConstraint:
		return "constraint"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// NodeData is the role-specific payload of a node.
type NodeData interface {
	Kind() NodeKind

	// Unite folds the payload of a node being unified away into the
	// receiver.  other always has the receiver's kind.
	Unite(other NodeData)

	// Clone returns an independent copy with every object identity
	// passed through conv.
	Clone(conv objmap.IDConverter) NodeData
}

// EdgeData is the role-specific payload of an edge.
type EdgeData interface {
	Kind() EdgeKind

	// Compare orders two payloads of the same kind.  It is the first
	// key of the canonical edge order (see Less).
	Compare(other EdgeData) int

	Clone() EdgeData
}

// flowData is the payload of plain control-flow edges.
type flowData struct{}

func (flowData) Kind() EdgeKind       { return EdgeFlow }
func (flowData) Compare(EdgeData) int { return 0 }
func (flowData) Clone() EdgeData      { return flowData{} }
func (flowData) String() string       { return "flow" }

type nodeState uint8

const (
	nodeLive    nodeState = iota
	nodeRetired           // unified into rep
	nodeRemoved           // pruned by Cleanup
)

// A Node is a vertex of the graph.
//
// Unify-capable nodes carry a representative set: the object
// identities the node stands for after zero or more unifications.
type Node struct {
	id        NodeID
	kind      NodeKind
	state     nodeState
	unifiable bool
	rep       NodeID // self while live; the surviving node once retired

	reps  intsets.Sparse // of objmap.ObjID
	succs []EdgeID       // out-edges, may contain removed edges until Cleanup
	preds []EdgeID       // in-edges, likewise

	data NodeData
}

func (n *Node) ID() NodeID      { return n.id }
func (n *Node) Kind() NodeKind  { return n.kind }
func (n *Node) Data() NodeData  { return n.data }
func (n *Node) Live() bool      { return n.state == nodeLive }
func (n *Node) Unifiable() bool { return n.unifiable }
func (n *Node) NumReps() int    { return n.reps.Len() }

// HasRep reports whether n stands for obj.
func (n *Node) HasRep(obj objmap.ObjID) bool {
	return n.reps.Has(int(obj))
}

// Reps returns the object identities n stands for, in increasing order.
func (n *Node) Reps() []objmap.ObjID {
	var space [16]int
	var out []objmap.ObjID
	for _, x := range n.reps.AppendTo(space[:0]) {
		out = append(out, objmap.ObjID(x))
	}
	return out
}

func (n *Node) String() string {
	if n.unifiable {
		return fmt.Sprintf("%s(%s)%v", n.id, n.kind, n.Reps())
	}
	return fmt.Sprintf("%s(%s)", n.id, n.kind)
}

// An Edge is a directed edge of the graph.
type Edge struct {
	id      EdgeID
	src     NodeID
	dst     NodeID
	removed bool
	data    EdgeData
}

func (e *Edge) ID() EdgeID     { return e.id }
func (e *Edge) Src() NodeID    { return e.src }
func (e *Edge) Dst() NodeID    { return e.dst }
func (e *Edge) Kind() EdgeKind { return e.data.Kind() }
func (e *Edge) Data() EdgeData { return e.data }
func (e *Edge) Removed() bool  { return e.removed }

func (e *Edge) String() string {
	return fmt.Sprintf("%s: %s -> %s [%v]", e.id, e.src, e.dst, e.data)
}

// A Graph is one instance of the sparse evaluation graph.
type Graph struct {
	nodes     []*Node
	edges     []*Edge
	objToNode map[objmap.ObjID]NodeID

	touched intsets.Sparse // nodes to re-examine, see Touch

	numLive      int
	numLiveEdges int
	version      uint64 // bumped on every structural mutation
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{objToNode: make(map[objmap.ObjID]NodeID)}
}

// ---------- Node creation ----------

// nextNode returns the handle of the next unused node.
func (g *Graph) nextNode() NodeID {
	return NodeID(len(g.nodes))
}

func (g *Graph) addNode(data NodeData, unifiable bool) *Node {
	if data == nil {
		panic("seg: nil node payload")
	}
	id := g.nextNode()
	n := &Node{id: id, kind: data.Kind(), unifiable: unifiable, rep: id, data: data}
	g.nodes = append(g.nodes, n)
	g.numLive++
	g.version++
	return n
}

// AddNode allocates a node without a representative set (e.g. a
// control-flow point) and returns its handle.
func (g *Graph) AddNode(data NodeData) NodeID {
	n := g.addNode(data, false)
	log.Debugf("seg: create %s", n)
	return n.id
}

// AddUnifyNode allocates a unify-capable node standing for objs and
// records each of them in the identity index.  An identity that is
// already represented by a node is an invariant violation.
func (g *Graph) AddUnifyNode(data NodeData, objs ...objmap.ObjID) NodeID {
	for _, obj := range objs {
		if prev, ok := g.objToNode[obj]; ok {
			panic(fmt.Sprintf("seg: %s is already represented by %s", obj, prev))
		}
	}
	n := g.addNode(data, true)
	for _, obj := range objs {
		n.reps.Insert(int(obj))
		g.objToNode[obj] = n.id
	}
	log.Debugf("seg: create %s", n)
	return n.id
}

// ---------- Node access ----------

func (g *Graph) slot(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		panic(fmt.Sprintf("seg: no such node %s (graph has %d)", id, len(g.nodes)))
	}
	return g.nodes[id]
}

// Node returns the live node id.  Accessing a node that was unified
// away or pruned is an invariant violation; use Find to map a stale
// handle to its representative first.
func (g *Graph) Node(id NodeID) *Node {
	n := g.slot(id)
	if n.state != nodeLive {
		panic(fmt.Sprintf("seg: node %s is not live (use Find)", id))
	}
	return n
}

// NodeOfKind is Node with a check of the node's role.
func (g *Graph) NodeOfKind(id NodeID, kind NodeKind) *Node {
	n := g.Node(id)
	if n.kind != kind {
		panic(fmt.Sprintf("seg: node %s has kind %s, want %s", id, n.kind, kind))
	}
	return n
}

// HasNode reports whether id is a live node.
func (g *Graph) HasNode(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes) && g.nodes[id].state == nodeLive
}

// Find returns the live representative of id, which is id itself
// unless id was unified into another node.
func (g *Graph) Find(id NodeID) NodeID {
	root := id
	for {
		n := g.slot(root)
		if n.state == nodeRemoved {
			panic(fmt.Sprintf("seg: node %s was removed", root))
		}
		if n.rep == root {
			break
		}
		root = n.rep
	}
	// Path compression.
	for id != root {
		n := g.nodes[id]
		id, n.rep = n.rep, root
	}
	return root
}

// FindNode returns the node representing obj.
func (g *Graph) FindNode(obj objmap.ObjID) (NodeID, bool) {
	id, ok := g.objToNode[obj]
	return id, ok
}

// MustFindNode is FindNode for callers that require the identity to
// be present.
func (g *Graph) MustFindNode(obj objmap.ObjID) NodeID {
	id, ok := g.objToNode[obj]
	if !ok {
		panic(fmt.Sprintf("seg: no node represents %s", obj))
	}
	return id
}

// GetNodes returns every node representing obj.  The index maps an
// identity to at most one node, so the result has zero or one
// elements.
func (g *Graph) GetNodes(obj objmap.ObjID) []NodeID {
	if id, ok := g.objToNode[obj]; ok {
		return []NodeID{id}
	}
	return nil
}

// NumObjects returns the number of identities in the index.
func (g *Graph) NumObjects() int { return len(g.objToNode) }

// ForEachObject calls fn for each indexed identity in increasing order.
func (g *Graph) ForEachObject(fn func(obj objmap.ObjID, id NodeID)) {
	objs := make([]objmap.ObjID, 0, len(g.objToNode))
	for obj := range g.objToNode {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })
	for _, obj := range objs {
		fn(obj, g.objToNode[obj])
	}
}

// ---------- Edges ----------

// AddEdge allocates a directed edge from src to dst.  Stale handles
// are resolved to their representatives; a handle that never denoted
// a node is an invariant violation.
func (g *Graph) AddEdge(src, dst NodeID, data EdgeData) EdgeID {
	if data == nil {
		panic("seg: nil edge payload")
	}
	src, dst = g.Find(src), g.Find(dst)
	id := EdgeID(len(g.edges))
	e := &Edge{id: id, src: src, dst: dst, data: data}
	g.edges = append(g.edges, e)
	g.nodes[src].succs = append(g.nodes[src].succs, id)
	g.nodes[dst].preds = append(g.nodes[dst].preds, id)
	g.numLiveEdges++
	g.version++
	log.Debugf("seg: add edge %s", e)
	return id
}

// AddPred adds a control-flow edge pred -> node.
func (g *Graph) AddPred(node, pred NodeID) EdgeID {
	return g.AddEdge(pred, node, flowData{})
}

func (g *Graph) edgeSlot(id EdgeID) *Edge {
	if id < 0 || int(id) >= len(g.edges) {
		panic(fmt.Sprintf("seg: no such edge %s (graph has %d)", id, len(g.edges)))
	}
	return g.edges[id]
}

// Edge returns the live edge id.
func (g *Graph) Edge(id EdgeID) *Edge {
	e := g.edgeSlot(id)
	if e.removed {
		panic(fmt.Sprintf("seg: edge %s was removed", id))
	}
	return e
}

// EdgeAt returns edge id whether or not it has been removed.
// Endpoints of removed edges still follow unification.
func (g *Graph) EdgeAt(id EdgeID) *Edge { return g.edgeSlot(id) }

// EdgeOfKind is Edge with a check of the edge's role.
func (g *Graph) EdgeOfKind(id EdgeID, kind EdgeKind) *Edge {
	e := g.Edge(id)
	if e.Kind() != kind {
		panic(fmt.Sprintf("seg: edge %s has kind %s, want %s", id, e.Kind(), kind))
	}
	return e
}

// HasEdge reports whether id is a live edge.
func (g *Graph) HasEdge(id EdgeID) bool {
	return id >= 0 && int(id) < len(g.edges) && !g.edges[id].removed
}

// RemoveEdge logically removes an edge in constant time.  It reports
// whether the edge was live.
func (g *Graph) RemoveEdge(id EdgeID) bool {
	e := g.edgeSlot(id)
	if e.removed {
		return false
	}
	e.removed = true
	g.numLiveEdges--
	g.version++
	log.Debugf("seg: remove edge %s", e)
	return true
}

// RestoreEdge reinstates a removed edge between the current
// representatives of its endpoints.  It reports whether the edge was
// removed.
func (g *Graph) RestoreEdge(id EdgeID) bool {
	e := g.edgeSlot(id)
	if !e.removed {
		return false
	}
	e.src, e.dst = g.Find(e.src), g.Find(e.dst)
	e.removed = false
	// The edge may still sit in the adjacency lists if no Cleanup ran
	// since its removal.
	if !containsEdge(g.nodes[e.src].succs, id) {
		g.nodes[e.src].succs = append(g.nodes[e.src].succs, id)
	}
	if !containsEdge(g.nodes[e.dst].preds, id) {
		g.nodes[e.dst].preds = append(g.nodes[e.dst].preds, id)
	}
	g.numLiveEdges++
	g.version++
	log.Debugf("seg: restore edge %s", e)
	return true
}

func containsEdge(list []EdgeID, id EdgeID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

func (g *Graph) live(list []EdgeID) []*Edge {
	var out []*Edge
	for _, id := range list {
		if e := g.edges[id]; !e.removed {
			out = append(out, e)
		}
	}
	return out
}

// Succs returns the live out-edges of node id.
func (g *Graph) Succs(id NodeID) []*Edge {
	return g.live(g.Node(id).succs)
}

// Preds returns the live in-edges of node id.
func (g *Graph) Preds(id NodeID) []*Edge {
	return g.live(g.Node(id).preds)
}

// ---------- Iteration ----------

// ForEachNode calls fn for each live node in handle order.
func (g *Graph) ForEachNode(fn func(*Node)) {
	for _, n := range g.nodes {
		if n.state == nodeLive {
			fn(n)
		}
	}
}

// ForEachEdge calls fn for each live edge in handle order.
func (g *Graph) ForEachEdge(fn func(*Edge)) {
	for _, e := range g.edges {
		if !e.removed {
			fn(e)
		}
	}
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numLive }

// NumEdges returns the number of live edges.
func (g *Graph) NumEdges() int { return g.numLiveEdges }

// NodeCap and EdgeCap return the number of handles ever allocated.
func (g *Graph) NodeCap() int { return len(g.nodes) }
func (g *Graph) EdgeCap() int { return len(g.edges) }

// Version changes whenever the structure of the graph changes.
func (g *Graph) Version() uint64 { return g.version }

// ---------- Re-examination worklist ----------

// Touch records that node id must be re-examined, e.g. because an
// edge whose effect lands on it was added.
func (g *Graph) Touch(id NodeID) {
	g.touched.Insert(int(g.Find(id)))
}

// NextTouched removes and returns the lowest touched node, resolved
// to its live representative.  Nodes pruned since they were touched
// are skipped.
func (g *Graph) NextTouched() (NodeID, bool) {
	var x int
	for g.touched.TakeMin(&x) {
		n := g.nodes[x]
		if n.state == nodeRemoved {
			continue
		}
		return g.Find(NodeID(x)), true
	}
	return InvalidNode, false
}

// NumTouched returns the number of pending touched nodes.
func (g *Graph) NumTouched() int { return g.touched.Len() }
