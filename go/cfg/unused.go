package cfg

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
	"github.com/april1989/specsfs/go/seg"
)

// An UnusedFunction is a function with no apparent use, together
// with the constraints its body contributes.  The constraints are
// kept so they can be put back if the function turns out to be
// reachable after all.
type UnusedFunction struct {
	Fcn         objmap.ObjID
	Constraints []seg.EdgeID
	Excised     bool // constraints currently removed from the constraint graph
}

// AddUnusedFunction registers fcn as unused with the constraints of
// its body.  Registering the same function twice is an invariant
// violation.
func (c *CFG) AddUnusedFunction(fcn objmap.ObjID, ids []seg.EdgeID) {
	if _, ok := c.unused[fcn]; ok {
		panic(fmt.Sprintf("cfg: unused function %s registered twice", fcn))
	}
	c.unused[fcn] = &UnusedFunction{Fcn: fcn, Constraints: append([]seg.EdgeID(nil), ids...)}
}

// IsUnused reports whether fcn is registered as unused.
func (c *CFG) IsUnused(fcn objmap.ObjID) bool {
	_, ok := c.unused[fcn]
	return ok
}

// UnusedFunction returns the registry entry of fcn.
func (c *CFG) UnusedFunction(fcn objmap.ObjID) (*UnusedFunction, bool) {
	uf, ok := c.unused[fcn]
	return uf, ok
}

// UnusedFunctions returns the registered functions in increasing
// order.
func (c *CFG) UnusedFunctions() []objmap.ObjID {
	out := make([]objmap.ObjID, 0, len(c.unused))
	for fcn := range c.unused {
		out = append(out, fcn)
	}
	sortObjs(out)
	return out
}

// RemoveUnusedFunction excises the constraints of the unused function
// fcn from cg.  It reports whether fcn was registered and not already
// excised.
func (c *CFG) RemoveUnusedFunction(cg *pointer.ConstraintGraph, fcn objmap.ObjID) bool {
	uf, ok := c.unused[fcn]
	if !ok || uf.Excised {
		return false
	}
	removed := 0
	for _, id := range uf.Constraints {
		if cg.RemoveConstraint(id) {
			removed++
		}
	}
	uf.Excised = true
	log.Debugf("cfg: excised %d constraints of unused function %s", removed, fcn)
	return true
}

// ReinstateFunction puts back the constraints of fcn, which a solver
// found to be reachable, and drops fcn from the registry.  It reports
// whether fcn was registered.
func (c *CFG) ReinstateFunction(cg *pointer.ConstraintGraph, fcn objmap.ObjID) bool {
	uf, ok := c.unused[fcn]
	if !ok {
		return false
	}
	if uf.Excised {
		for _, id := range uf.Constraints {
			cg.RestoreConstraint(id)
		}
	}
	delete(c.unused, fcn)
	log.Debugf("cfg: reinstated function %s (%d constraints)", fcn, len(uf.Constraints))
	return true
}

// ExciseUnused removes the constraints of every registered function
// and returns how many functions were excised.
func (c *CFG) ExciseUnused(cg *pointer.ConstraintGraph) int {
	n := 0
	for _, fcn := range c.UnusedFunctions() {
		if c.RemoveUnusedFunction(cg, fcn) {
			n++
		}
	}
	return n
}

// UnusedIdentities returns, in increasing order, the identities at
// either end of a constraint of a registered unused function.  These
// gain constraints if the function is reinstated, so unification must
// leave their nodes alone.
func (c *CFG) UnusedIdentities(cg *pointer.ConstraintGraph) []objmap.ObjID {
	seen := make(map[objmap.ObjID]bool)
	var out []objmap.ObjID
	add := func(id seg.NodeID) {
		for _, obj := range cg.SEG().Node(cg.SEG().Find(id)).Reps() {
			if !seen[obj] {
				seen[obj] = true
				out = append(out, obj)
			}
		}
	}
	for _, uf := range c.unused {
		for _, id := range uf.Constraints {
			e := cg.ConstraintAt(id)
			add(e.Dest)
			add(e.Src)
		}
	}
	sortObjs(out)
	return out
}
