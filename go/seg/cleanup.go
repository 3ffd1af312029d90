package seg

import (
	log "github.com/sirupsen/logrus"
)

// CleanupStats reports what Cleanup pruned.
type CleanupStats struct {
	Nodes int // isolated nodes removed
	Edges int // removed edges dropped from adjacency lists
}

// Cleanup compacts the adjacency lists (dropping logically removed
// edges), releases the storage of unified-away nodes, and removes
// every live node that has no incident edge, is not in the identity
// index and is not pinned.  pinned may be nil.
//
// Cleanup never removes a node reachable through the identity index;
// callers owning side tables must pin the nodes those tables refer to.
func (g *Graph) Cleanup(pinned func(NodeID) bool) CleanupStats {
	var stats CleanupStats

	indexed := make(map[NodeID]bool, len(g.objToNode))
	for _, id := range g.objToNode {
		indexed[id] = true
	}

	for _, n := range g.nodes {
		if n.state != nodeLive {
			// Retired nodes keep only their rep link.
			n.succs, n.preds, n.data = nil, nil, nil
			continue
		}
		before := len(n.succs) + len(n.preds)
		n.succs = g.compact(n.succs)
		n.preds = g.compact(n.preds)
		stats.Edges += before - len(n.succs) - len(n.preds)

		if len(n.succs) != 0 || len(n.preds) != 0 || indexed[n.id] {
			continue
		}
		if pinned != nil && pinned(n.id) {
			continue
		}
		n.state = nodeRemoved
		n.data = nil
		g.numLive--
		stats.Nodes++
	}
	if stats.Nodes != 0 || stats.Edges != 0 {
		g.version++
	}
	log.Debugf("seg: cleanup removed %d nodes, compacted %d edge slots", stats.Nodes, stats.Edges)
	return stats
}

func (g *Graph) compact(list []EdgeID) []EdgeID {
	out := list[:0]
	for _, id := range list {
		if !g.edges[id].removed {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
