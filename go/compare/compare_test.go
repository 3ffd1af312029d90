package compare

import (
	"bytes"
	"strings"
	"testing"

	"github.com/april1989/specsfs/go/cfg"
	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
)

type program struct {
	omap *objmap.ObjectMap
	cg   *pointer.ConstraintGraph
	flow *cfg.CFG
}

func build() *program {
	omap := objmap.NewObjectMap()
	p := omap.AddValue("p")
	q := omap.AddValue("q")
	obj := omap.AddObject("heap", 2)
	main := omap.AddFunction("main")
	r := omap.AddValue("r")

	cg := pointer.NewConstraintGraph()
	cg.Add(pointer.AddressOf, p, obj, 0)
	cg.Add(pointer.Copy, q, p, 0)
	cg.Add(pointer.Store, q, r, 1)
	cg.Add(pointer.Load, r, q, 0)

	flow := cfg.New()
	entry := flow.NextNode("entry")
	call := flow.NextNode("call")
	ret := flow.NextNode("ret")
	flow.AddPred(entry, flow.Points.Init)
	flow.AddPred(call, entry)
	flow.AddPred(ret, call)
	flow.AddDef(entry, p)
	flow.AddUse(call, q)
	flow.AddGlobalInit(obj)
	flow.AddFunctionStart(main, entry)
	flow.AddCallsite(call, main, ret)
	flow.AddIndirectCall(call, r, ret)
	flow.AddIndirFcn(r, main)
	return &program{omap: omap, cg: cg, flow: flow}
}

func TestIdenticalClones(t *testing.T) {
	prog := build()
	if r := Constraints(prog.cg, prog.cg.Clone(nil), nil); !r.OK() || r.Same == 0 {
		t.Errorf("want identical constraints, got %d same, diffs %v", r.Same, r.Diffs)
	}
	if r := CFGs(prog.flow, prog.flow.Clone(nil), nil); !r.OK() || r.Same == 0 {
		t.Errorf("want identical cfgs, got %d same, diffs %v", r.Same, r.Diffs)
	}
}

func TestRenumberedClones(t *testing.T) {
	prog := build()
	ren, _ := prog.omap.Renumber()
	cg := prog.cg.Clone(ren.Convert)
	flow := prog.flow.Clone(ren.Convert)

	if r := Constraints(prog.cg, cg, ren.Convert); !r.OK() {
		t.Errorf("want equal constraints under renumbering, got %v", r.Diffs)
	}
	if r := CFGs(prog.flow, flow, ren.Convert); !r.OK() {
		t.Errorf("want equal cfgs under renumbering, got %v", r.Diffs)
	}

	// Without the conversion the identities disagree.
	if r := Constraints(prog.cg, cg, nil); r.OK() {
		t.Errorf("want differences when the renumbering is ignored")
	}
}

func TestDifferencesAreReported(t *testing.T) {
	prog := build()
	cand := prog.cg.Clone(nil)
	cand.Add(pointer.Copy, 5, 6, 0)

	r := Constraints(prog.cg, cand, nil)
	if r.OK() {
		t.Fatalf("want a difference")
	}
	if err := r.Err(); err == nil || !strings.Contains(err.Error(), "differ in 1 facts, first: only in candidate") {
		t.Errorf("want an error naming the first difference, got %v", err)
	}
	if err := Constraints(prog.cg, prog.cg.Clone(nil), nil).Err(); err != nil {
		t.Errorf("want no error for identical graphs, got %v", err)
	}
	var buf bytes.Buffer
	r.Fprint(&buf)
	if got := buf.String(); !strings.Contains(got, "only in candidate") || !strings.Contains(got, "DIFF: 1") {
		t.Errorf("want one candidate-only fact, got:\n%s", got)
	}

	flow := prog.flow.Clone(nil)
	flow.Node(flow.Points.Init).SetC()
	if r := CFGs(prog.flow, flow, nil); r.OK() {
		t.Errorf("want a flag difference to be reported")
	}
}
