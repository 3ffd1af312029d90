package cfg

import (
	log "github.com/sirupsen/logrus"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// Cleanup prunes isolated program points that nothing refers to.  The
// reserved points and every point a side table refers to are pinned
// first.
func (c *CFG) Cleanup() seg.CleanupStats {
	pinned := make(map[seg.NodeID]bool)
	pin := func(id seg.NodeID) { pinned[c.g.Find(id)] = true }
	for _, id := range c.Points.All() {
		pin(id)
	}
	for _, id := range c.objToCFG {
		pin(id)
	}
	c.calls.referenced(pin)

	stats := c.g.Cleanup(func(id seg.NodeID) bool { return pinned[id] })
	log.Debugf("cfg: cleanup pruned %d points (%d pinned)", stats.Nodes, len(pinned))
	return stats
}

// Clone returns an independent copy of c with every identity passed
// through conv.  Point handles are preserved, so the reserved points
// keep their handles.
func (c *CFG) Clone(conv objmap.IDConverter) *CFG {
	if conv == nil {
		conv = objmap.Identity
	}
	out := &CFG{
		g:           c.g.Clone(conv),
		Points:      c.Points,
		objToCFG:    make(map[objmap.ObjID]seg.NodeID, len(c.objToCFG)),
		globalInits: convertObjs(c.globalInits, conv),
		calls:       c.calls.clone(conv),
		unused:      make(map[objmap.ObjID]*UnusedFunction, len(c.unused)),
	}
	for obj, id := range c.objToCFG {
		out.objToCFG[conv(obj)] = id
	}
	for fcn, uf := range c.unused {
		out.unused[conv(fcn)] = &UnusedFunction{
			Fcn:         conv(fcn),
			Constraints: append([]seg.EdgeID(nil), uf.Constraints...),
			Excised:     uf.Excised,
		}
	}
	return out
}
