package cfg

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
	"github.com/april1989/specsfs/go/seg"
)

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected a panic", what)
		}
	}()
	fn()
}

func TestReservedPoints(t *testing.T) {
	c := New()
	pts := c.Points.All()
	if len(pts) != 4 || c.SEG().NumNodes() != 4 {
		t.Fatalf("want 4 reserved points, got %v (%d nodes)", pts, c.SEG().NumNodes())
	}
	seen := make(map[seg.NodeID]bool)
	for _, id := range pts {
		if seen[id] {
			t.Errorf("reserved point %s appears twice", id)
		}
		seen[id] = true
		n := c.Node(id)
		if !n.M() || !n.R() || n.P() || n.U() || n.C() {
			t.Errorf("reserved point %s: want m and r only, got %s", id, n)
		}
	}
	if p := c.NextNode("bb0"); seen[p] {
		t.Errorf("new point %s reuses a reserved handle", p)
	}
}

func TestDoubleDefinitionPanics(t *testing.T) {
	c := New()
	p := c.NextNode("p")
	c.AddDef(p, 5)
	if got := c.CFGid(5); got != p {
		t.Errorf("CFGid(o5): want %s, got %s", p, got)
	}
	expectPanic(t, "second AddDef(P, 5)", func() { c.AddDef(p, 5) })

	q := c.NextNode("q")
	expectPanic(t, "use of a defined identity", func() { c.AddUse(q, 5) })
	expectPanic(t, "global init of a defined identity", func() { c.AddGlobalInit(5) })
}

func TestUsesAndGlobalInits(t *testing.T) {
	c := New()
	p := c.NextNode("p")
	c.AddUse(p, 7)
	c.AddUse(p, 8)
	if !c.Node(p).HasUse() || !c.Node(p).IsUse(7) {
		t.Errorf("uses not recorded: %s", c.Node(p))
	}
	c.RemoveUse(p, 7)
	if c.Node(p).IsUse(7) {
		t.Errorf("o7 still used after RemoveUse")
	}
	expectPanic(t, "RemoveUse of a missing use", func() { c.RemoveUse(p, 7) })

	// The index entry survives until erased.
	if got := c.CFGid(7); got != p {
		t.Errorf("CFGid(o7): want %s, got %s", p, got)
	}
	c.EraseObjToCFG(7)
	if _, ok := c.LookupCFGid(7); ok {
		t.Errorf("o7 still indexed")
	}
	c.AddUse(p, 7) // may be registered again once erased
	expectPanic(t, "erasing an unknown identity", func() { c.EraseObjToCFG(99) })

	c.AddGlobalInit(20)
	c.AddGlobalInit(21)
	if got := c.GlobalInits(); !reflect.DeepEqual(got, []objmap.ObjID{20, 21}) {
		t.Errorf("want global inits [o20 o21], got %v", got)
	}
	if c.CFGid(20) != c.Points.Init {
		t.Errorf("global inits belong to the init point")
	}
	if got := c.Node(c.Points.Init).GlobalInits(); !reflect.DeepEqual(got, []objmap.ObjID{20, 21}) {
		t.Errorf("init point global inits: %v", got)
	}

	var objs []objmap.ObjID
	c.ForEachObjToCFG(func(obj objmap.ObjID, id seg.NodeID) { objs = append(objs, obj) })
	if want := []objmap.ObjID{7, 8, 20, 21}; !reflect.DeepEqual(objs, want) {
		t.Errorf("object index: want %v, got %v", want, objs)
	}
}

func TestUniteIsMonotone(t *testing.T) {
	c := New()
	a, b, d := c.NextNode("a"), c.NextNode("b"), c.NextNode("d")
	c.Node(a).SetM()
	c.AddDef(a, 10)
	c.AddUse(a, 11)
	c.Node(b).SetC()
	c.AddDef(b, 12)
	c.AddUse(b, 13)
	c.Node(d).SetR()
	c.AddDef(d, 14)

	x := c.NextNode("x")
	c.AddPred(a, x)
	c.AddPred(x, b)

	c.Unify(a, b)
	c.Unify(d, a)

	n := c.Node(a)
	if !n.M() || !n.R() || !n.C() {
		t.Errorf("flags lost under unite: %s", n)
	}
	if got := n.Defs(); !reflect.DeepEqual(got, []objmap.ObjID{10, 12, 14}) {
		t.Errorf("defs: want [o10 o12 o14], got %v", got)
	}
	if got := n.Uses(); !reflect.DeepEqual(got, []objmap.ObjID{11, 13}) {
		t.Errorf("uses: want [o11 o13], got %v", got)
	}
	if c.CFGid(12) != d || c.CFGid(10) != d {
		t.Errorf("object index should resolve to the representative %s", d)
	}
	if got := c.Preds(d); !reflect.DeepEqual(got, []seg.NodeID{x}) {
		t.Errorf("preds of merged point: want [%s], got %v", x, got)
	}
	if got := c.Succs(d); !reflect.DeepEqual(got, []seg.NodeID{x}) {
		t.Errorf("succs of merged point: want [%s], got %v", x, got)
	}
}

func TestCallTables(t *testing.T) {
	c := New()
	entry, exit := c.NextNode("f.entry"), c.NextNode("f.exit")
	call, ret := c.NextNode("call"), c.NextNode("ret")
	icall, iret := c.NextNode("icall"), c.NextNode("iret")
	const f, g, fp = objmap.ObjID(30), objmap.ObjID(31), objmap.ObjID(32)

	c.AddFunctionStart(f, entry)
	c.AddFunctionReturn(f, exit)
	c.AddCallsite(call, f, ret)
	c.AddCallRetInfo(f, call, ret)
	c.AddIndirectCall(icall, fp, iret)

	if got, ok := c.FunctionStart(f); !ok || got != entry {
		t.Errorf("FunctionStart: want %s, got %s", entry, got)
	}
	if got, ok := c.FunctionReturn(f); !ok || got != exit {
		t.Errorf("FunctionReturn: want %s, got %s", exit, got)
	}
	if c.HasFunctionStart(g) || c.HasFunctionReturn(g) {
		t.Errorf("g has no entry or return")
	}
	if got, ok := c.CallSuccessor(call); !ok || got != ret {
		t.Errorf("CallSuccessor(call): want %s, got %s", ret, got)
	}
	if got, ok := c.CallSuccessor(icall); !ok || got != iret {
		t.Errorf("CallSuccessor(icall): want %s, got %s", iret, got)
	}
	if got := c.CallRetInfo(f); !reflect.DeepEqual(got, []CallRet{{call, ret}}) {
		t.Errorf("CallRetInfo: %v", got)
	}
	if got := c.DirectCalls(); len(got) != 1 || got[0].Call != call || !reflect.DeepEqual(got[0].Fcns, []objmap.ObjID{f}) {
		t.Errorf("DirectCalls: %v", got)
	}
	if got := c.IndirectCalls(); !reflect.DeepEqual(got, []IndirectCall{{Obj: fp, Call: icall}}) {
		t.Errorf("IndirectCalls: %v", got)
	}

	// Candidate lists only grow, and each new candidate is reported once.
	if c.HaveIndirFcn(fp) {
		t.Errorf("no candidates yet")
	}
	if !c.AddIndirFcn(fp, f) || !c.AddIndirFcn(fp, g) || c.AddIndirFcn(fp, f) {
		t.Errorf("AddIndirFcn should report only new candidates")
	}
	if got := c.IndirFcns(fp); !reflect.DeepEqual(got, []objmap.ObjID{f, g}) {
		t.Errorf("IndirFcns: want [%s %s], got %v", f, g, got)
	}
	want := []IndirDiscovery{{Call: fp, Fcn: f}, {Call: fp, Fcn: g}}
	if got := c.TakeIndirDiscoveries(); !reflect.DeepEqual(got, want) {
		t.Errorf("discoveries: want %v, got %v", want, got)
	}
	if got := c.TakeIndirDiscoveries(); len(got) != 0 {
		t.Errorf("discoveries not drained: %v", got)
	}
	expectPanic(t, "call site at an unknown point", func() { c.AddCallsite(99, f, ret) })
}

func TestDirectCallsOfUnifiedPoints(t *testing.T) {
	c := New()
	call1, call2, ret := c.NextNode("call1"), c.NextNode("call2"), c.NextNode("ret")
	other, oret := c.NextNode("other"), c.NextNode("oret")
	const f, g, h = objmap.ObjID(30), objmap.ObjID(31), objmap.ObjID(32)
	c.AddCallsite(call1, f, ret)
	c.AddCallsite(call2, g, ret)
	c.AddCallsite(call2, f, ret)
	c.AddCallsite(other, h, oret)

	rep := c.Unify(call1, call2)
	want := []DirectCall{
		{Call: rep, Fcns: []objmap.ObjID{f, g}},
		{Call: other, Fcns: []objmap.ObjID{h}},
	}
	if got := c.DirectCalls(); !reflect.DeepEqual(got, want) {
		t.Errorf("DirectCalls: want %v, got %v", want, got)
	}
}

func TestCleanupKeepsReferencedPoints(t *testing.T) {
	c := New()
	def := c.NextNode("def")
	entry := c.NextNode("entry")
	call, ret := c.NextNode("call"), c.NextNode("ret")
	lonely := c.NextNode("lonely")
	linked1, linked2 := c.NextNode("l1"), c.NextNode("l2")

	c.AddDef(def, 40)
	c.AddFunctionStart(41, entry)
	c.AddIndirectCall(call, 42, ret)
	c.AddPred(linked2, linked1)

	stats := c.Cleanup()
	if stats.Nodes != 1 || c.SEG().HasNode(lonely) {
		t.Errorf("only the unreferenced isolated point should go: %+v", stats)
	}
	for _, id := range append(c.Points.All(), def, entry, call, ret, linked1, linked2) {
		if !c.SEG().HasNode(id) {
			t.Errorf("%s was pruned", id)
		}
	}
}

func TestCloneRenumbersSideTables(t *testing.T) {
	c := New()
	p := c.NextNode("p")
	call, ret := c.NextNode("call"), c.NextNode("ret")
	c.AddPred(call, p)
	c.AddDef(p, 50)
	c.AddUse(call, 51)
	c.AddGlobalInit(52)
	c.AddIndirectCall(call, 53, ret)
	c.AddIndirFcn(53, 54)
	c.AddFunctionStart(54, p)
	c.AddUnusedFunction(55, []seg.EdgeID{3, 4})
	c.Node(p).SetC()

	shift := func(id objmap.ObjID) objmap.ObjID { return id + 100 }
	cl := c.Clone(shift)

	if cl.Points != c.Points {
		t.Errorf("reserved points changed")
	}
	if cl.CFGid(150) != p || cl.CFGid(151) != call || cl.CFGid(152) != cl.Points.Init {
		t.Errorf("object index not renumbered")
	}
	if _, ok := cl.LookupCFGid(50); ok {
		t.Errorf("old identity still indexed in the clone")
	}
	if got := cl.Node(p).Defs(); !reflect.DeepEqual(got, []objmap.ObjID{150}) || !cl.Node(p).C() {
		t.Errorf("point payload not cloned: %s", cl.Node(p))
	}
	if got := cl.IndirFcns(153); !reflect.DeepEqual(got, []objmap.ObjID{154}) {
		t.Errorf("indirect candidates not renumbered: %v", got)
	}
	if got := cl.IndirectCalls(); got[0].Obj != 153 || got[0].Call != call {
		t.Errorf("indirect calls not renumbered: %v", got)
	}
	if got, ok := cl.FunctionStart(154); !ok || got != p {
		t.Errorf("function start not renumbered")
	}
	if !cl.IsUnused(155) || cl.IsUnused(55) {
		t.Errorf("unused registry not renumbered")
	}
	if got := cl.TakeIndirDiscoveries(); !reflect.DeepEqual(got, []IndirDiscovery{{153, 154}}) {
		t.Errorf("pending discoveries not renumbered: %v", got)
	}
	if got := cl.Succs(p); !reflect.DeepEqual(got, []seg.NodeID{call}) {
		t.Errorf("flow edges lost: %v", got)
	}

	// Independence.
	cl.Node(p).SetM()
	if c.Node(p).M() {
		t.Errorf("mutating the clone changed the original")
	}
}

func TestUnusedFunctions(t *testing.T) {
	cg := pointer.NewConstraintGraph()
	keep := cg.Add(pointer.Copy, 60, 61, 0)
	body := []seg.EdgeID{
		cg.Add(pointer.AddressOf, 62, 63, 0),
		cg.Add(pointer.Store, 62, 61, 0),
	}

	c := New()
	c.AddUnusedFunction(70, body)
	expectPanic(t, "registering twice", func() { c.AddUnusedFunction(70, nil) })
	if got := c.UnusedFunctions(); !reflect.DeepEqual(got, []objmap.ObjID{70}) {
		t.Errorf("UnusedFunctions: %v", got)
	}

	if !c.RemoveUnusedFunction(cg, 70) || c.RemoveUnusedFunction(cg, 70) {
		t.Errorf("RemoveUnusedFunction should succeed exactly once")
	}
	if c.RemoveUnusedFunction(cg, 71) {
		t.Errorf("unregistered function removed")
	}
	if cg.NumConstraints() != 1 || !cg.HasConstraint(keep) {
		t.Errorf("want only the caller's constraint left, got %d", cg.NumConstraints())
	}
	uf, _ := c.UnusedFunction(70)
	if !uf.Excised || !reflect.DeepEqual(uf.Constraints, body) {
		t.Errorf("registry lost the excised constraints: %+v", uf)
	}
	if got, want := c.UnusedIdentities(cg), []objmap.ObjID{61, 62, 63}; !reflect.DeepEqual(got, want) {
		t.Errorf("UnusedIdentities: want %v, got %v", want, got)
	}

	// Unification and cleanup in between must not lose the constraints.
	cg.SEG().Unify(cg.NodeOf(60), cg.NodeOf(61))
	cg.Cleanup()

	if !c.ReinstateFunction(cg, 70) {
		t.Fatalf("ReinstateFunction failed")
	}
	if c.IsUnused(70) || cg.NumConstraints() != 3 {
		t.Errorf("want 3 constraints after reinstating, got %d", cg.NumConstraints())
	}
	if got := cg.Constraint(body[1]); got.Src != cg.NodeOf(60) || got.Dest != cg.NodeOf(62) {
		t.Errorf("reinstated store should use the merged node: %s", got)
	}
}

func TestFprint(t *testing.T) {
	c := New()
	p := c.NextNode("bb.entry")
	c.AddPred(p, c.Points.ArgvEnd)
	var buf bytes.Buffer
	c.Fprint(&buf)
	out := buf.String()
	if !strings.Contains(out, `"bb.entry"`) || !strings.Contains(out, "m: true r: true") {
		t.Errorf("unexpected dump:\n%s", out)
	}
}
