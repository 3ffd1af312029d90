// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

// This file defines the call-site tables of the CFG.

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// A CallRet pairs the call point of a call site with the point
// control returns to.
type CallRet struct {
	Call seg.NodeID
	Ret  seg.NodeID
}

// An IndirectCall is a call site whose callee is only known through
// the points-to set of Obj.
type IndirectCall struct {
	Obj  objmap.ObjID // the called value
	Call seg.NodeID
}

func (c IndirectCall) String() string {
	return fmt.Sprintf("call %s at %s", c.Obj, c.Call)
}

// An IndirDiscovery reports a function newly found to be a possible
// target of an indirect call.
type IndirDiscovery struct {
	Call objmap.ObjID
	Fcn  objmap.ObjID
}

type calls struct {
	fcnToCallRet   map[objmap.ObjID][]CallRet
	dirCalls       map[seg.NodeID][]objmap.ObjID
	indirectCalls  []IndirectCall
	indirFcns      map[objmap.ObjID][]objmap.ObjID
	callSuccessors map[seg.NodeID]seg.NodeID
	fcnEntries     map[objmap.ObjID]seg.NodeID
	fcnReturns     map[objmap.ObjID]seg.NodeID

	discovered []IndirDiscovery // pending, see TakeIndirDiscoveries
}

func makeCalls() calls {
	return calls{
		fcnToCallRet:   make(map[objmap.ObjID][]CallRet),
		dirCalls:       make(map[seg.NodeID][]objmap.ObjID),
		indirFcns:      make(map[objmap.ObjID][]objmap.ObjID),
		callSuccessors: make(map[seg.NodeID]seg.NodeID),
		fcnEntries:     make(map[objmap.ObjID]seg.NodeID),
		fcnReturns:     make(map[objmap.ObjID]seg.NodeID),
	}
}

// AddCallsite records a direct call of fcn at point call, returning
// to ret.
func (c *CFG) AddCallsite(call seg.NodeID, fcn objmap.ObjID, ret seg.NodeID) {
	c.Node(call)
	c.Node(ret)
	c.dirCalls[call] = append(c.dirCalls[call], fcn)
	c.callSuccessors[call] = ret
}

// AddIndirectCall records a call through obj at point call, returning
// to ret.  Its targets are resolved later.
func (c *CFG) AddIndirectCall(call seg.NodeID, obj objmap.ObjID, ret seg.NodeID) {
	c.Node(call)
	c.Node(ret)
	c.indirectCalls = append(c.indirectCalls, IndirectCall{Obj: obj, Call: call})
	c.callSuccessors[call] = ret
}

// AddIndirFcn appends fcn to the candidate targets of the indirect
// call callObj.  The candidate list only grows; adding a known
// candidate again is a no-op.  It reports whether fcn is new, in
// which case a discovery is queued for TakeIndirDiscoveries.
func (c *CFG) AddIndirFcn(callObj, fcn objmap.ObjID) bool {
	for _, f := range c.indirFcns[callObj] {
		if f == fcn {
			return false
		}
	}
	c.indirFcns[callObj] = append(c.indirFcns[callObj], fcn)
	c.discovered = append(c.discovered, IndirDiscovery{Call: callObj, Fcn: fcn})
	log.Debugf("cfg: indirect call %s may target %s", callObj, fcn)
	return true
}

// TakeIndirDiscoveries returns and clears the discoveries queued by
// AddIndirFcn, oldest first.
func (c *CFG) TakeIndirDiscoveries() []IndirDiscovery {
	out := c.discovered
	c.discovered = nil
	return out
}

// HaveIndirFcn reports whether any candidate is known for callObj.
func (c *CFG) HaveIndirFcn(callObj objmap.ObjID) bool {
	return len(c.indirFcns[callObj]) != 0
}

// IndirFcns returns the candidate targets of callObj in discovery
// order.
func (c *CFG) IndirFcns(callObj objmap.ObjID) []objmap.ObjID {
	return append([]objmap.ObjID(nil), c.indirFcns[callObj]...)
}

func (c *CFG) AddFunctionStart(fcn objmap.ObjID, id seg.NodeID) {
	c.Node(id)
	c.fcnEntries[fcn] = id
}

func (c *CFG) AddFunctionReturn(fcn objmap.ObjID, id seg.NodeID) {
	c.Node(id)
	c.fcnReturns[fcn] = id
}

// AddCallRetInfo records that fcn is called at call and returns to
// ret.
func (c *CFG) AddCallRetInfo(fcn objmap.ObjID, call, ret seg.NodeID) {
	c.fcnToCallRet[fcn] = append(c.fcnToCallRet[fcn], CallRet{Call: call, Ret: ret})
}

// CallRetInfo returns the (call, return) pairs recorded for fcn.
func (c *CFG) CallRetInfo(fcn objmap.ObjID) []CallRet {
	var out []CallRet
	for _, cr := range c.fcnToCallRet[fcn] {
		out = append(out, CallRet{Call: c.g.Find(cr.Call), Ret: c.g.Find(cr.Ret)})
	}
	return out
}

// FunctionStart returns the entry point of fcn.
func (c *CFG) FunctionStart(fcn objmap.ObjID) (seg.NodeID, bool) {
	return c.lookup(c.fcnEntries, fcn)
}

// FunctionReturn returns the return point of fcn.
func (c *CFG) FunctionReturn(fcn objmap.ObjID) (seg.NodeID, bool) {
	return c.lookup(c.fcnReturns, fcn)
}

func (c *CFG) HasFunctionStart(fcn objmap.ObjID) bool {
	_, ok := c.fcnEntries[fcn]
	return ok
}

func (c *CFG) HasFunctionReturn(fcn objmap.ObjID) bool {
	_, ok := c.fcnReturns[fcn]
	return ok
}

func (c *CFG) lookup(m map[objmap.ObjID]seg.NodeID, fcn objmap.ObjID) (seg.NodeID, bool) {
	id, ok := m[fcn]
	if !ok {
		return seg.InvalidNode, false
	}
	return c.g.Find(id), true
}

// CallSuccessor returns the point control returns to after the call
// at point call.
func (c *CFG) CallSuccessor(call seg.NodeID) (seg.NodeID, bool) {
	if ret, ok := c.callSuccessors[call]; ok {
		return c.g.Find(ret), true
	}
	// call may be the representative of merged call points.
	rep := c.g.Find(call)
	var ids []seg.NodeID
	for id := range c.callSuccessors {
		if c.g.Find(id) == rep {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return seg.InvalidNode, false
	}
	sortNodes(ids)
	return c.g.Find(c.callSuccessors[ids[0]]), true
}

// DirectCalls returns the direct call points in increasing order,
// each with its callees.  Call points unified into one node are
// reported once, with the union of their callees.
func (c *CFG) DirectCalls() []DirectCall {
	byRep := make(map[seg.NodeID]*DirectCall)
	var ids, reps []seg.NodeID
	for id := range c.dirCalls {
		ids = append(ids, id)
	}
	sortNodes(ids)
	for _, id := range ids {
		rep := c.g.Find(id)
		dc, ok := byRep[rep]
		if !ok {
			dc = &DirectCall{Call: rep}
			byRep[rep] = dc
			reps = append(reps, rep)
		}
		for _, fcn := range c.dirCalls[id] {
			if !containsObj(dc.Fcns, fcn) {
				dc.Fcns = append(dc.Fcns, fcn)
			}
		}
	}
	sortNodes(reps)
	out := make([]DirectCall, 0, len(reps))
	for _, rep := range reps {
		out = append(out, *byRep[rep])
	}
	return out
}

func containsObj(objs []objmap.ObjID, obj objmap.ObjID) bool {
	for _, o := range objs {
		if o == obj {
			return true
		}
	}
	return false
}

// A DirectCall lists the functions called at one call point.
type DirectCall struct {
	Call seg.NodeID
	Fcns []objmap.ObjID
}

// IndirectCalls returns the indirect call sites in registration
// order.
func (c *CFG) IndirectCalls() []IndirectCall {
	out := make([]IndirectCall, 0, len(c.indirectCalls))
	for _, ic := range c.indirectCalls {
		out = append(out, IndirectCall{Obj: ic.Obj, Call: c.g.Find(ic.Call)})
	}
	return out
}

// referenced calls fn for every point the call tables refer to.
func (c *calls) referenced(fn func(seg.NodeID)) {
	for _, crs := range c.fcnToCallRet {
		for _, cr := range crs {
			fn(cr.Call)
			fn(cr.Ret)
		}
	}
	for id := range c.dirCalls {
		fn(id)
	}
	for _, ic := range c.indirectCalls {
		fn(ic.Call)
	}
	for call, ret := range c.callSuccessors {
		fn(call)
		fn(ret)
	}
	for _, id := range c.fcnEntries {
		fn(id)
	}
	for _, id := range c.fcnReturns {
		fn(id)
	}
}

// clone copies the tables with every identity passed through conv.
func (c *calls) clone(conv objmap.IDConverter) calls {
	out := makeCalls()
	for fcn, crs := range c.fcnToCallRet {
		out.fcnToCallRet[conv(fcn)] = append([]CallRet(nil), crs...)
	}
	for id, fcns := range c.dirCalls {
		out.dirCalls[id] = convertObjs(fcns, conv)
	}
	for _, ic := range c.indirectCalls {
		out.indirectCalls = append(out.indirectCalls, IndirectCall{Obj: conv(ic.Obj), Call: ic.Call})
	}
	for call, fcns := range c.indirFcns {
		out.indirFcns[conv(call)] = convertObjs(fcns, conv)
	}
	for call, ret := range c.callSuccessors {
		out.callSuccessors[call] = ret
	}
	for fcn, id := range c.fcnEntries {
		out.fcnEntries[conv(fcn)] = id
	}
	for fcn, id := range c.fcnReturns {
		out.fcnReturns[conv(fcn)] = id
	}
	for _, d := range c.discovered {
		out.discovered = append(out.discovered, IndirDiscovery{Call: conv(d.Call), Fcn: conv(d.Fcn)})
	}
	return out
}

func convertObjs(objs []objmap.ObjID, conv objmap.IDConverter) []objmap.ObjID {
	out := make([]objmap.ObjID, len(objs))
	for i, obj := range objs {
		out[i] = conv(obj)
	}
	return out
}
