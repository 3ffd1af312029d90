package pointer

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"golang.org/x/tools/container/intsets"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/seg"
)

// solve computes the least inclusion-based solution of cg, with
// identities as labels.  base maps every object field to the first
// field of its object; offsets never leave an object.
func solve(cg *ConstraintGraph, base map[objmap.ObjID]objmap.ObjID) map[objmap.ObjID][]int {
	g := cg.SEG()
	pts := make(map[seg.NodeID]*intsets.Sparse)
	get := func(id seg.NodeID) *intsets.Sparse {
		s := pts[id]
		if s == nil {
			s = new(intsets.Sparse)
			pts[id] = s
		}
		return s
	}
	field := func(o int, off int32) (objmap.ObjID, bool) {
		b, ok := base[objmap.ObjID(o)]
		f := objmap.ObjID(o) + objmap.ObjID(off)
		return f, ok && base[f] == b && f >= b
	}

	cons := cg.Constraints()
	for changed := true; changed; {
		changed = false
		for _, c := range cons {
			switch c.Type {
			case AddressOf:
				for _, obj := range g.Node(c.Src).Reps() {
					if f, ok := field(int(obj), c.Offset); ok && get(c.Dest).Insert(int(f)) {
						changed = true
					}
				}
			case Copy:
				for _, o := range get(c.Src).AppendTo(nil) {
					if f, ok := field(o, c.Offset); ok && get(c.Dest).Insert(int(f)) {
						changed = true
					}
				}
			case Load:
				for _, o := range get(c.Src).AppendTo(nil) {
					if f, ok := field(o, c.Offset); ok && get(c.Dest).UnionWith(get(cg.NodeOf(f))) {
						changed = true
					}
				}
			case Store:
				for _, o := range get(c.Dest).AppendTo(nil) {
					if f, ok := field(o, c.Offset); ok && get(cg.NodeOf(f)).UnionWith(get(c.Src)) {
						changed = true
					}
				}
			}
		}
	}

	out := make(map[objmap.ObjID][]int)
	g.ForEachObject(func(obj objmap.ObjID, id seg.NodeID) {
		out[obj] = get(id).AppendTo(nil)
	})
	return out
}

type fixture struct {
	omap   *objmap.ObjectMap
	cg     *ConstraintGraph
	base   map[objmap.ObjID]objmap.ObjID
	values []objmap.ObjID
	fields []objmap.ObjID
}

func newFixture() *fixture {
	return &fixture{
		omap: objmap.NewObjectMap(),
		cg:   NewConstraintGraph(),
		base: make(map[objmap.ObjID]objmap.ObjID),
	}
}

func (f *fixture) value(label string) objmap.ObjID {
	v := f.omap.AddValue(label)
	f.values = append(f.values, v)
	f.cg.CreateNode(v)
	return v
}

func (f *fixture) object(label string, size int) objmap.ObjID {
	o := f.omap.AddObject(label, size)
	for i := 0; i < size; i++ {
		fld := o + objmap.ObjID(i)
		f.base[fld] = o
		f.fields = append(f.fields, fld)
		f.cg.CreateNode(fld)
	}
	return o
}

func randomFixture(seed int64) *fixture {
	r := rand.New(rand.NewSource(seed))
	f := newFixture()
	for i := 0; i < 12; i++ {
		f.value(fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 5; i++ {
		f.object(fmt.Sprintf("obj%d", i), 1+r.Intn(3))
	}
	pick := func(xs []objmap.ObjID) objmap.ObjID { return xs[r.Intn(len(xs))] }

	for i := 0; i < 40; i++ {
		switch r.Intn(6) {
		case 0:
			f.cg.Add(AddressOf, pick(f.values), pick(f.fields), 0)
		case 1, 2:
			f.cg.Add(Copy, pick(f.values), pick(f.values), 0)
		case 3:
			f.cg.Add(Load, pick(f.values), pick(f.values), int32(r.Intn(2)))
		case 4:
			f.cg.Add(Store, pick(f.values), pick(f.values), int32(r.Intn(2)))
		case 5:
			f.cg.Add(Copy, pick(f.values), pick(f.values), int32(r.Intn(2)))
		}
	}
	for i := 0; i < 4; i++ {
		f.cg.Add(Copy, pick(f.fields), pick(f.fields), 0)
	}

	// Pointer-equivalent twins.
	src := pick(f.values)
	t1, t2 := f.value("twin1"), f.value("twin2")
	f.cg.Add(Copy, t1, src, 0)
	f.cg.Add(Copy, t2, src, 0)
	f.cg.Add(Load, pick(f.values), t1, 0)
	f.cg.Add(Store, t2, pick(f.values), 0)
	return f
}

func TestUnificationPreservesSolution(t *testing.T) {
	merged := 0
	for seed := int64(1); seed <= 50; seed++ {
		f := randomFixture(seed)
		before := solve(f.cg.Clone(nil), f.base)

		stats := Optimize(f.cg, UnifyOptions{Rounds: 3, Objects: f.omap})
		merged += stats.Merged

		after := solve(f.cg, f.base)
		if !reflect.DeepEqual(before, after) {
			for obj, want := range before {
				if got := after[obj]; !reflect.DeepEqual(got, want) {
					t.Errorf("seed %d: pts(%s) changed: want %v, got %v", seed, obj, want, got)
				}
			}
		}
		for obj := range before {
			if id := f.cg.NodeOf(obj); !f.cg.SEG().HasNode(id) {
				t.Errorf("seed %d: %s resolves to dead node %s", seed, obj, id)
			}
		}
	}
	if merged == 0 {
		t.Errorf("no node was ever merged; the fixtures exercise nothing")
	}
}

func TestCopyCycleCollapses(t *testing.T) {
	f := newFixture()
	p := f.value("p")
	a, b, c := f.value("a"), f.value("b"), f.value("c")
	o := f.object("o", 1)
	f.cg.Add(AddressOf, p, o, 0)
	f.cg.Add(Copy, a, p, 0)
	f.cg.Add(Copy, b, a, 0)
	f.cg.Add(Copy, c, b, 0)
	f.cg.Add(Copy, a, c, 0)

	u := NewUnifier(f.cg, UnifyOptions{NoEquivalence: true})
	if u.State() != Unprocessed {
		t.Fatalf("want state %s, got %s", Unprocessed, u.State())
	}
	if n := u.Group(); n != 1 {
		t.Fatalf("want 1 group, got %d: %v", n, u.Groups())
	}
	want := []seg.NodeID{f.cg.NodeOf(a), f.cg.NodeOf(b), f.cg.NodeOf(c)}
	if got := u.Groups()[0]; !reflect.DeepEqual(got, want) {
		t.Errorf("want group %v, got %v", want, got)
	}
	if n := u.Collapse(); n != 2 {
		t.Errorf("want 2 nodes merged, got %d", n)
	}
	u.Clean()
	if u.State() != Cleaned {
		t.Errorf("want state %s, got %s", Cleaned, u.State())
	}

	rep := f.cg.NodeOf(a)
	if rep != want[0] || f.cg.NodeOf(b) != rep || f.cg.NodeOf(c) != rep {
		t.Errorf("a, b and c should all resolve to %s", want[0])
	}
	if got := u.Stats().SelfLoops; got != 3 {
		t.Errorf("want 3 self-loops removed, got %d", got)
	}
	if got := f.cg.NumConstraints(); got != 2 {
		t.Errorf("want 2 constraints left, got %d", got)
	}
}

func TestAddressTakenNodesAreNotMerged(t *testing.T) {
	f := newFixture()
	p := f.value("p")
	o := f.object("o", 1)
	x, y := f.value("x"), f.value("y")
	f.cg.Add(AddressOf, p, o, 0)
	f.cg.Add(Copy, x, o, 0)
	f.cg.Add(Copy, y, x, 0)
	f.cg.Add(Copy, o, y, 0)

	stats := Optimize(f.cg, UnifyOptions{})
	if stats.Merged != 1 {
		t.Errorf("want 1 merge, got %d", stats.Merged)
	}
	if f.cg.NodeOf(x) != f.cg.NodeOf(y) {
		t.Errorf("x and y should be merged")
	}
	if f.cg.NodeOf(o) == f.cg.NodeOf(x) || f.cg.Node(f.cg.NodeOf(o)).NumReps() != 1 {
		t.Errorf("address-taken o must keep its own node")
	}
}

func TestPointerEquivalence(t *testing.T) {
	build := func() (*fixture, []objmap.ObjID) {
		f := newFixture()
		o := f.object("o", 2)
		s := f.value("s")
		x, y, z := f.value("x"), f.value("y"), f.value("z")
		w := f.value("w")
		f.cg.Add(AddressOf, s, o, 0)
		for _, v := range []objmap.ObjID{x, y, z} {
			f.cg.Add(AddressOf, v, o, 1)
			f.cg.Add(Load, v, s, 0)
		}
		f.cg.Add(Copy, z, w, 0)
		f.cg.Add(Store, y, w, 0) // writes through y, not to y
		return f, []objmap.ObjID{x, y, z}
	}

	f, v := build()
	stats := Optimize(f.cg, UnifyOptions{Objects: f.omap})
	if stats.Equivalent != 1 || stats.Merged != 1 {
		t.Errorf("want one equivalence group merging one node, got %+v", stats)
	}
	if f.cg.NodeOf(v[0]) != f.cg.NodeOf(v[1]) {
		t.Errorf("x and y have identical inputs and should be merged")
	}
	if f.cg.NodeOf(v[2]) == f.cg.NodeOf(v[0]) {
		t.Errorf("z has an extra input and must stay separate")
	}

	f, _ = build()
	if stats := Optimize(f.cg, UnifyOptions{}); stats.Merged != 0 {
		t.Errorf("without an object map nothing should be merged, got %+v", stats)
	}

	f, v = build()
	var indirect intsets.Sparse
	indirect.Insert(int(v[1]))
	if stats := Optimize(f.cg, UnifyOptions{Objects: f.omap, Indirect: &indirect}); stats.Merged != 0 {
		t.Errorf("indirect y must not be merged, got %+v", stats)
	}
}

func TestUnifierStepOrder(t *testing.T) {
	cg := NewConstraintGraph()
	cg.Add(Copy, 10, 11, 0)
	cg.Add(Copy, 11, 10, 0)

	u := NewUnifier(cg, UnifyOptions{})
	expectPanic(t, "Collapse before Group", func() { u.Collapse() })
	expectPanic(t, "Clean before Collapse", func() { u.Clean() })
	u.Group()
	expectPanic(t, "Group twice", func() { u.Group() })
	u.Collapse()
	u.Clean()
	expectPanic(t, "Run after Clean", func() { u.Run() })

	if cg.NumNodes() != 1 || cg.NumConstraints() != 0 {
		t.Errorf("want a single node without constraints, got %d nodes, %d constraints",
			cg.NumNodes(), cg.NumConstraints())
	}
}

func TestSentinelsAreNotMerged(t *testing.T) {
	cg := NewConstraintGraph()
	cg.Add(Copy, objmap.UniversalValue, 10, 0)
	cg.Add(Copy, 10, objmap.UniversalValue, 0)
	cg.Add(Copy, 11, 10, 0)
	cg.Add(Copy, 10, 11, 0)
	Optimize(cg, UnifyOptions{})
	if cg.NodeOf(objmap.UniversalValue) == cg.NodeOf(10) {
		t.Errorf("sentinel merged into a program value")
	}
	if cg.NodeOf(10) != cg.NodeOf(11) {
		t.Errorf("o10 and o11 form a copy cycle and should be merged")
	}
}

func TestReinstatedConstraintKeepsSolution(t *testing.T) {
	f := newFixture()
	a, b, p, q := f.value("a"), f.value("b"), f.value("p"), f.value("q")
	o, o2 := f.object("o", 1), f.object("o2", 1)
	f.cg.Add(AddressOf, a, o, 0)
	f.cg.Add(AddressOf, b, o2, 0)
	f.cg.Add(Copy, p, a, 0)
	f.cg.Add(Copy, q, a, 0)
	late := f.cg.Add(Copy, q, b, 0)
	want := solve(f.cg.Clone(nil), f.base)

	f.cg.RemoveConstraint(late)
	var pinned intsets.Sparse
	pinned.Insert(int(q))
	pinned.Insert(int(b))
	Optimize(f.cg, UnifyOptions{Objects: f.omap, Pinned: &pinned})
	f.cg.RestoreConstraint(late)

	if f.cg.NodeOf(p) == f.cg.NodeOf(q) {
		t.Errorf("p and q share %s although q gains a constraint later", f.cg.NodeOf(p))
	}
	if got := solve(f.cg, f.base); !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestLateConstraintsOnPinnedNodes(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		f := randomFixture(seed)
		want := solve(f.cg.Clone(nil), f.base)

		// Take a few constraints out, as if their function were
		// excised, and pin their endpoints.
		r := rand.New(rand.NewSource(seed))
		cons := f.cg.Constraints()
		var late []seg.EdgeID
		var pinned intsets.Sparse
		for i := 0; i < 5; i++ {
			c := cons[r.Intn(len(cons))]
			if !f.cg.RemoveConstraint(c.ID) {
				continue
			}
			late = append(late, c.ID)
			for _, id := range []seg.NodeID{c.Dest, c.Src} {
				for _, obj := range f.cg.Node(id).Reps() {
					pinned.Insert(int(obj))
				}
			}
		}

		Optimize(f.cg, UnifyOptions{Rounds: 3, Objects: f.omap, Pinned: &pinned})
		for _, id := range late {
			f.cg.RestoreConstraint(id)
		}

		got := solve(f.cg, f.base)
		for obj, w := range want {
			if !reflect.DeepEqual(got[obj], w) {
				t.Errorf("seed %d: pts(%s) changed: want %v, got %v", seed, obj, w, got[obj])
			}
		}
	}
}
