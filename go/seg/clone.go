package seg

import (
	"fmt"

	"github.com/april1989/specsfs/go/objmap"
)

// Clone returns an independent copy of g in which every object
// identity (representative sets, the identity index and node
// payloads) is passed through conv.  Node and edge handles are
// preserved, so side tables keyed by handle remain valid for the
// copy.  A nil conv is the identity.
//
// conv must be injective on the identities of g.
func (g *Graph) Clone(conv objmap.IDConverter) *Graph {
	if conv == nil {
		conv = objmap.Identity
	}
	out := &Graph{
		nodes:        make([]*Node, len(g.nodes)),
		edges:        make([]*Edge, len(g.edges)),
		objToNode:    make(map[objmap.ObjID]NodeID, len(g.objToNode)),
		numLive:      g.numLive,
		numLiveEdges: g.numLiveEdges,
		version:      g.version,
	}
	out.touched.Copy(&g.touched)

	for i, n := range g.nodes {
		c := &Node{
			id:        n.id,
			kind:      n.kind,
			state:     n.state,
			unifiable: n.unifiable,
			rep:       n.rep,
			succs:     append([]EdgeID(nil), n.succs...),
			preds:     append([]EdgeID(nil), n.preds...),
		}
		var space [16]int
		for _, x := range n.reps.AppendTo(space[:0]) {
			c.reps.Insert(int(conv(objAt(x))))
		}
		if n.data != nil {
			c.data = n.data.Clone(conv)
		}
		out.nodes[i] = c
	}

	for obj, id := range g.objToNode {
		nobj := conv(obj)
		if prev, ok := out.objToNode[nobj]; ok {
			panic(fmt.Sprintf("seg: clone maps %s onto %s twice (%s and %s)", obj, nobj, prev, id))
		}
		out.objToNode[nobj] = id
	}

	for i, e := range g.edges {
		out.edges[i] = &Edge{id: e.id, src: e.src, dst: e.dst, removed: e.removed, data: e.data.Clone()}
	}
	return out
}

func objAt(x int) objmap.ObjID { return objmap.ObjID(x) }
