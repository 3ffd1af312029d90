// Package sfs assembles the graph substrate for a sparse
// flow-sensitive points-to solver: it extracts the constraint graph
// and the control-flow graph of a program, shrinks the constraint
// graph by unification, loads the dynamic samples that refine the
// analysis, and hands the result to a solver.
package sfs

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/container/intsets"
	"golang.org/x/xerrors"

	"github.com/april1989/specsfs/go/cfg"
	"github.com/april1989/specsfs/go/compare"
	"github.com/april1989/specsfs/go/dynsample"
	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
)

// An Extractor populates an empty object map, constraint graph and
// control-flow graph from some program representation.
type Extractor interface {
	Extract(omap *objmap.ObjectMap, cg *pointer.ConstraintGraph, flow *cfg.CFG) error
}

// Enumerated is implemented by extractors that know which identities
// the dynamic samplers' call and function positions denote.
type Enumerated interface {
	Enumeration() (calls, fcns []objmap.ObjID)
}

// Pinner is implemented by extractors that know which identities a
// solver will attach constraints to later: parameters and results of
// functions that may be called indirectly, and the result values of
// indirect call sites.
type Pinner interface {
	Pinned() []objmap.ObjID
}

// A Solver computes points-to sets over a prepared Result and stores
// them in res.Solution.
type Solver interface {
	Solve(res *Result) error
}

// A Config formulates an analysis.
type Config struct {
	Extractor Extractor
	Solver    Solver // optional

	// Sample logs.  An empty path skips the log; a missing file
	// means no samples.
	PtstoLog string
	IndirLog string

	// Renumber groups object identities densely before unifying.
	// CheckClone verifies the renumbered graphs against the originals.
	Renumber   bool
	CheckClone bool

	Rounds        int
	NoCycles      bool
	NoEquivalence bool

	// ValidateSamples checks, after solving, that every sampled
	// points-to set is covered by the solution.
	ValidateSamples bool
}

// A Result holds the prepared graphs and everything learned while
// preparing them.
type Result struct {
	Objects     *objmap.ObjectMap
	Constraints *pointer.ConstraintGraph
	CFG         *cfg.CFG

	// Renumbering maps extracted identities to the identities used
	// by the graphs.  Nil unless Config.Renumber.
	Renumbering objmap.Renumbering

	Excised int // unused functions whose constraints were removed
	Unify   pointer.UnifyStats

	Ptsto           *dynsample.Ptsto
	Indir           *dynsample.IndirLog
	IndirDiscovered int // indirect targets added from the log

	Solution *pointer.Solution // set by the solver
	Unsound  []objmap.ObjID    // sampled identities the solution misses
}

// Convert maps an extracted identity to a graph identity.
func (r *Result) Convert(obj objmap.ObjID) objmap.ObjID {
	if r.Renumbering == nil {
		return obj
	}
	return r.Renumbering.Convert(obj)
}

// Lookup maps an identity read from outside, e.g. from a sample log,
// to a graph identity.  It reports false for identities that were
// never allocated.
func (r *Result) Lookup(obj objmap.ObjID) (objmap.ObjID, bool) {
	if r.Renumbering != nil {
		var ok bool
		if obj, ok = r.Renumbering.Lookup(obj); !ok {
			return objmap.InvalidObjID, false
		}
	}
	return obj, r.Objects.Valid(obj)
}

// Analyze runs the pipeline described by config.
func Analyze(config *Config) (*Result, error) {
	if config.Extractor == nil {
		return nil, xerrors.New("sfs: no extractor")
	}
	res := &Result{
		Objects:     objmap.NewObjectMap(),
		Constraints: pointer.NewConstraintGraph(),
		CFG:         cfg.New(),
	}
	if err := config.Extractor.Extract(res.Objects, res.Constraints, res.CFG); err != nil {
		return nil, xerrors.Errorf("extract: %w", err)
	}
	log.Infof("extracted %d identities, %d constraints, %d program points",
		res.Objects.Size(), res.Constraints.NumConstraints(), res.CFG.SEG().NumNodes())

	if config.Renumber {
		if err := renumber(res, config.CheckClone); err != nil {
			return nil, err
		}
	}

	pinned := pinnedIdentities(config.Extractor, res)
	res.Excised = res.CFG.ExciseUnused(res.Constraints)

	var indirect intsets.Sparse
	for _, ic := range res.CFG.IndirectCalls() {
		indirect.Insert(int(ic.Obj))
	}
	res.Unify = pointer.Optimize(res.Constraints, pointer.UnifyOptions{
		Rounds:        config.Rounds,
		NoCycles:      config.NoCycles,
		NoEquivalence: config.NoEquivalence,
		Objects:       res.Objects,
		Indirect:      &indirect,
		Pinned:        pinned,
	})
	res.CFG.Cleanup()

	if err := loadSamples(config, res); err != nil {
		return nil, err
	}
	if x, ok := config.Extractor.(Enumerated); ok && res.Indir.HasInfo() {
		calls, fcns := x.Enumeration()
		res.IndirDiscovered = applyIndir(res, calls, fcns)
	}

	if config.Solver == nil {
		return res, nil
	}
	if err := config.Solver.Solve(res); err != nil {
		return nil, xerrors.Errorf("solve: %w", err)
	}
	if config.ValidateSamples && res.Solution != nil {
		res.Unsound = validate(res)
		if len(res.Unsound) > 0 {
			log.Warnf("%d sampled points-to sets are not covered by the solution", len(res.Unsound))
		}
	}
	return res, nil
}

// renumber replaces the graphs of res by clones in the renumbered
// identity space.
func renumber(res *Result, check bool) error {
	ren, omap := res.Objects.Renumber()
	cg := res.Constraints.Clone(ren.Convert)
	flow := res.CFG.Clone(ren.Convert)
	if check {
		if err := compare.Constraints(res.Constraints, cg, ren.Convert).Err(); err != nil {
			return xerrors.Errorf("renumbered constraint graph: %w", err)
		}
		if err := compare.CFGs(res.CFG, flow, ren.Convert).Err(); err != nil {
			return xerrors.Errorf("renumbered cfg: %w", err)
		}
		log.Debug("renumbered graphs match the originals")
	}
	res.Renumbering = ren
	res.Objects, res.Constraints, res.CFG = omap, cg, flow
	return nil
}

// pinnedIdentities collects the identities whose nodes unification
// must leave alone because constraints reach them after it runs.
func pinnedIdentities(x Extractor, res *Result) *intsets.Sparse {
	var pinned intsets.Sparse
	for _, obj := range res.CFG.UnusedIdentities(res.Constraints) {
		pinned.Insert(int(obj))
	}
	if p, ok := x.(Pinner); ok {
		for _, obj := range p.Pinned() {
			pinned.Insert(int(res.Convert(obj)))
		}
	}
	log.Debugf("unification leaves %d identities pinned", pinned.Len())
	return &pinned
}

// loadSamples reads the two sample logs concurrently.  Skipped logs
// leave empty samples that report !HasInfo.
func loadSamples(config *Config, res *Result) error {
	var g errgroup.Group
	ptsto, indir := &dynsample.Ptsto{}, &dynsample.IndirLog{}
	g.Go(func() error {
		if config.PtstoLog == "" {
			return nil
		}
		p, err := dynsample.LoadPtsto(config.PtstoLog)
		if err != nil {
			return err
		}
		ptsto = p
		return nil
	})
	g.Go(func() error {
		if config.IndirLog == "" {
			return nil
		}
		l, err := dynsample.ReadIndir(config.IndirLog)
		if err != nil {
			return err
		}
		indir = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("load samples: %w", err)
	}
	res.Ptsto = ptsto.Convert(res.Lookup)
	res.Indir = indir
	return nil
}

// applyIndir adds the sampled indirect-call targets to the CFG and
// returns the number of new targets.
func applyIndir(res *Result, calls, fcns []objmap.ObjID) int {
	added := 0
	for _, c := range res.Indir.Calls() {
		if c < 0 || c >= len(calls) {
			log.Warnf("indirect-call log: call %d out of range (%d calls)", c, len(calls))
			continue
		}
		callObj := res.Convert(calls[c])
		for _, f := range res.Indir.Targets(c) {
			if f < 0 || f >= len(fcns) {
				log.Warnf("indirect-call log: function %d out of range (%d functions)", f, len(fcns))
				continue
			}
			if res.CFG.AddIndirFcn(callObj, res.Convert(fcns[f])) {
				added++
			}
		}
	}
	log.Infof("indirect-call log added %d targets", added)
	return added
}

// validate returns the sampled identities whose samples are not a
// subset of their solved points-to set.
func validate(res *Result) []objmap.ObjID {
	var unsound []objmap.ObjID
	for _, val := range res.Ptsto.Values() {
		if _, ok := res.Constraints.FindNode(val); !ok {
			continue
		}
		if !res.Ptsto.PointsTo(val).SubsetOf(res.Solution.PointsTo(val)) {
			log.Debugf("sample of %s: %v not within %v", val, res.Ptsto.PointsTo(val), res.Solution.PointsTo(val))
			unsound = append(unsound, val)
		}
	}
	return unsound
}

// Fprint writes a summary of r.
func (r *Result) Fprint(w io.Writer) {
	fmt.Fprintf(w, "identities:   %d\n", r.Objects.Size())
	fmt.Fprintf(w, "constraints:  %d on %d nodes\n", r.Constraints.NumConstraints(), r.Constraints.NumNodes())
	fmt.Fprintf(w, "cfg points:   %d\n", r.CFG.SEG().NumNodes())
	fmt.Fprintf(w, "excised:      %d unused functions\n", r.Excised)
	fmt.Fprintf(w, "unification:  %d rounds, %d cycle groups, %d equivalence groups, %d merged\n",
		r.Unify.Rounds, r.Unify.Cycles, r.Unify.Equivalent, r.Unify.Merged)
	if r.Ptsto.HasInfo() {
		fmt.Fprintf(w, "samples:      %d points-to sets\n", r.Ptsto.Len())
	}
	if r.Indir.HasInfo() {
		fmt.Fprintf(w, "indirect:     %d sampled calls, %d new targets\n", len(r.Indir.Calls()), r.IndirDiscovered)
	}
	if r.Solution != nil && len(r.Unsound) > 0 {
		fmt.Fprintf(w, "unsound:      %v\n", r.Unsound)
	}
}
