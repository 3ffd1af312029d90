// Package compare checks that two constraint graphs or two
// control-flow graphs describe the same program facts, once the
// identities of one are translated into the identity space of the
// other.  It is used to verify clones made under a renumbering.
package compare

import (
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/april1989/specsfs/go/cfg"
	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
	"github.com/april1989/specsfs/go/seg"
)

// A Report holds the outcome of one comparison.
type Report struct {
	What  string
	Same  int      // facts found in both graphs
	Diffs []string // facts found in only one of them
}

// OK reports whether no differences were found.
func (r *Report) OK() bool { return len(r.Diffs) == 0 }

func (r *Report) updateDiff(s string) { r.Diffs = append(r.Diffs, s) }

// Fprint writes a summary followed by the differences.
func (r *Report) Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s: SAME: %d DIFF: %d\n", r.What, r.Same, len(r.Diffs))
	for _, d := range r.Diffs {
		fmt.Fprintf(w, "\t%s\n", d)
	}
}

// Err returns nil if r is OK, or an error naming the first
// difference.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return xerrors.Errorf("%s differ in %d facts, first: %s", r.What, len(r.Diffs), r.Diffs[0])
}

// multiset compares two bags of fact keys.
func (r *Report) multiset(base, cand []string) {
	count := make(map[string]int)
	for _, k := range base {
		count[k]++
	}
	for _, k := range cand {
		count[k]--
	}
	var keys []string
	for k := range count {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch n := count[k]; {
		case n > 0:
			r.updateDiff(fmt.Sprintf("only in base (x%d): %s", n, k))
		case n < 0:
			r.updateDiff(fmt.Sprintf("only in candidate (x%d): %s", -n, k))
		}
	}
	r.Same += len(base) - sumPositive(count)
}

func sumPositive(count map[string]int) int {
	sum := 0
	for _, n := range count {
		if n > 0 {
			sum += n
		}
	}
	return sum
}

func repKey(reps []objmap.ObjID, conv objmap.IDConverter) string {
	ids := make([]int, len(reps))
	for i, obj := range reps {
		ids[i] = int(conv(obj))
	}
	sort.Ints(ids)
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(objmap.ObjID(id).String())
	}
	b.WriteByte('}')
	return b.String()
}

func objsKey(objs []objmap.ObjID, conv objmap.IDConverter) string {
	return repKey(objs, conv)
}

// Constraints compares the live constraints of base and cand.  A
// constraint is identified by its type, its offset and the
// representative sets of its endpoints; base identities are passed
// through conv first.  A nil conv is the identity.
func Constraints(base, cand *pointer.ConstraintGraph, conv objmap.IDConverter) *Report {
	if conv == nil {
		conv = objmap.Identity
	}
	r := &Report{What: "constraints"}
	key := func(cg *pointer.ConstraintGraph, c pointer.ConstraintEdge, conv objmap.IDConverter) string {
		return fmt.Sprintf("%s %s <- %s", &c.Constraint,
			repKey(cg.Node(c.Dest).Reps(), conv), repKey(cg.Node(c.Src).Reps(), conv))
	}
	var bk, ck []string
	base.ForEachConstraint(func(c pointer.ConstraintEdge) { bk = append(bk, key(base, c, conv)) })
	cand.ForEachConstraint(func(c pointer.ConstraintEdge) { ck = append(ck, key(cand, c, objmap.Identity)) })
	r.multiset(bk, ck)

	var bn, cn []string
	base.SEG().ForEachNode(func(n *seg.Node) { bn = append(bn, "node "+repKey(n.Reps(), conv)) })
	cand.SEG().ForEachNode(func(n *seg.Node) { cn = append(cn, "node "+repKey(n.Reps(), objmap.Identity)) })
	r.multiset(bn, cn)

	log.Debugf("compare: %d constraint facts same, %d differ", r.Same, len(r.Diffs))
	return r
}

// CFGs compares the live points, flow edges and side tables of base
// and cand.  Point handles must agree, as they do between a CFG and
// its clone.
func CFGs(base, cand *cfg.CFG, conv objmap.IDConverter) *Report {
	if conv == nil {
		conv = objmap.Identity
	}
	r := &Report{What: "cfg"}
	r.multiset(cfgFacts(base, conv), cfgFacts(cand, objmap.Identity))
	log.Debugf("compare: %d cfg facts same, %d differ", r.Same, len(r.Diffs))
	return r
}

func cfgFacts(c *cfg.CFG, conv objmap.IDConverter) []string {
	var facts []string
	add := func(format string, args ...interface{}) {
		facts = append(facts, fmt.Sprintf(format, args...))
	}
	c.SEG().ForEachNode(func(sn *seg.Node) {
		id := sn.ID()
		n := c.Node(id)
		add("point %s %q m=%v r=%v c=%v defs=%s uses=%s inits=%s", id, n.Label(),
			n.M(), n.R(), n.C(),
			objsKey(n.Defs(), conv), objsKey(n.Uses(), conv), objsKey(n.GlobalInits(), conv))
		for _, p := range c.Preds(id) {
			add("flow %s -> %s", p, id)
		}
	})
	c.ForEachObjToCFG(func(obj objmap.ObjID, id seg.NodeID) {
		add("obj %s @ %s", conv(obj), id)
	})
	for _, obj := range c.GlobalInits() {
		add("global-init %s", conv(obj))
	}
	for _, dc := range c.DirectCalls() {
		add("call %s -> %s", dc.Call, objsKey(dc.Fcns, conv))
	}
	for _, ic := range c.IndirectCalls() {
		add("indirect call %s via %s", ic.Call, conv(ic.Obj))
		add("indirect targets %s -> %s", conv(ic.Obj), objsKey(c.IndirFcns(ic.Obj), conv))
	}
	for _, fcn := range c.UnusedFunctions() {
		uf, _ := c.UnusedFunction(fcn)
		add("unused %s excised=%v constraints=%d", conv(fcn), uf.Excised, len(uf.Constraints))
	}
	return facts
}
