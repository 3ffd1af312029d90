// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pointer

import (
	"bytes"
	"fmt"

	"golang.org/x/tools/container/intsets"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// A Solution holds the points-to set of every constraint node, as
// computed by a solver over a ConstraintGraph.  Sets are keyed by
// representative node, so identities merged by unification share
// one set.
type Solution struct {
	cg   *ConstraintGraph
	omap *objmap.ObjectMap // may be nil; used for labels only
	pts  map[seg.NodeID]*intsets.Sparse
}

// NewSolution returns an empty solution for cg.
func NewSolution(cg *ConstraintGraph, omap *objmap.ObjectMap) *Solution {
	return &Solution{cg: cg, omap: omap, pts: make(map[seg.NodeID]*intsets.Sparse)}
}

// Set returns the mutable points-to set of node id, creating an empty
// one if needed.  Stale handles resolve to their representative.
func (s *Solution) Set(id seg.NodeID) *intsets.Sparse {
	id = s.cg.g.Find(id)
	pts := s.pts[id]
	if pts == nil {
		pts = new(intsets.Sparse)
		s.pts[id] = pts
	}
	return pts
}

// Pointer returns the pointer for identity obj.
func (s *Solution) Pointer(obj objmap.ObjID) Pointer {
	return Pointer{s: s, n: s.cg.NodeOf(obj)}
}

// PointsTo returns pts(obj).
func (s *Solution) PointsTo(obj objmap.ObjID) PointsToSet {
	return s.Pointer(obj).PointsTo()
}

// A Pointer is an equivalence class of pointer-like identities: the
// identities represented by one constraint node.
type Pointer struct {
	s *Solution
	n seg.NodeID
}

func (p Pointer) String() string {
	return p.n.String()
}

// Node returns the constraint node of p.
func (p Pointer) Node() seg.NodeID { return p.n }

// PointsTo returns the points-to set of this pointer.
func (p Pointer) PointsTo() PointsToSet {
	if p.s == nil {
		return PointsToSet{}
	}
	n := p.s.cg.g.Find(p.n)
	return PointsToSet{omap: p.s.omap, pts: p.s.pts[n]}
}

// MayAlias reports whether the receiver pointer may alias
// the argument pointer.
func (p Pointer) MayAlias(q Pointer) bool {
	return p.PointsTo().Intersects(q.PointsTo())
}

// A PointsToSet is a set of object identities.
type PointsToSet struct {
	omap *objmap.ObjectMap // may be nil
	pts  *intsets.Sparse   // may be nil
}

// MakePointsToSet wraps pts.  omap, if non-nil, supplies labels for
// String.
func MakePointsToSet(omap *objmap.ObjectMap, pts *intsets.Sparse) PointsToSet {
	return PointsToSet{omap: omap, pts: pts}
}

func (s PointsToSet) String() string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, obj := range s.Objects() {
		if i > 0 {
			buf.WriteString(", ")
		}
		if s.omap != nil && s.omap.Valid(obj) && s.omap.Label(obj) != "" {
			fmt.Fprintf(&buf, "%s(%s)", obj, s.omap.Label(obj))
		} else {
			buf.WriteString(obj.String())
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

// Objects returns the identities of this points-to set in increasing
// order.
func (s PointsToSet) Objects() []objmap.ObjID {
	var objs []objmap.ObjID
	if s.pts != nil {
		var space [50]int
		for _, x := range s.pts.AppendTo(space[:0]) {
			objs = append(objs, objmap.ObjID(x))
		}
	}
	return objs
}

func (s PointsToSet) Len() int {
	if s.pts == nil {
		return 0
	}
	return s.pts.Len()
}

func (s PointsToSet) Has(obj objmap.ObjID) bool {
	return s.pts != nil && s.pts.Has(int(obj))
}

// Intersects reports whether this points-to set and the
// argument points-to set contain common members.
func (s PointsToSet) Intersects(y PointsToSet) bool {
	if s.pts == nil || y.pts == nil {
		return false
	}
	// This takes Θ(|x|+|y|) time.
	var z intsets.Sparse
	z.Intersection(s.pts, y.pts)
	return !z.IsEmpty()
}

// SubsetOf reports whether every member of s is in y.
func (s PointsToSet) SubsetOf(y PointsToSet) bool {
	if s.pts == nil {
		return true
	}
	if y.pts == nil {
		return s.pts.IsEmpty()
	}
	var z intsets.Sparse
	z.Difference(s.pts, y.pts)
	return z.IsEmpty()
}
