package dynsample

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// An Enumeration numbers the functions and indirect call sites of a
// program.  The numbering depends only on the program text, so the
// instrumented run and the analysis agree on it.
//
// Functions are ordered by package path, then source position; an
// anonymous function follows its parent.  Only functions with a body
// in some package are numbered.  Indirect calls are numbered in
// function order, then block and instruction order.
type Enumeration struct {
	Funcs []*ssa.Function
	Calls []ssa.CallInstruction

	fcnIndex  map[*ssa.Function]int
	callIndex map[ssa.CallInstruction]int
}

// Enumerate numbers the functions and indirect calls of prog.
func Enumerate(prog *ssa.Program) *Enumeration {
	var roots []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Parent() == nil && numbered(fn) {
			roots = append(roots, fn)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		x, y := roots[i], roots[j]
		if px, py := x.Pkg.Pkg.Path(), y.Pkg.Pkg.Path(); px != py {
			return px < py
		}
		if x.Pos() != y.Pos() {
			return x.Pos() < y.Pos()
		}
		return x.String() < y.String()
	})

	e := &Enumeration{
		fcnIndex:  make(map[*ssa.Function]int),
		callIndex: make(map[ssa.CallInstruction]int),
	}
	var visit func(fn *ssa.Function)
	visit = func(fn *ssa.Function) {
		e.fcnIndex[fn] = len(e.Funcs)
		e.Funcs = append(e.Funcs, fn)
		for _, anon := range fn.AnonFuncs {
			visit(anon)
		}
	}
	for _, fn := range roots {
		visit(fn)
	}

	for _, fn := range e.Funcs {
		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				site, ok := instr.(ssa.CallInstruction)
				if !ok || !isIndirect(site.Common()) {
					continue
				}
				e.callIndex[site] = len(e.Calls)
				e.Calls = append(e.Calls, site)
			}
		}
	}
	return e
}

func numbered(fn *ssa.Function) bool {
	return fn.Pkg != nil && fn.Blocks != nil
}

// isIndirect reports whether the callee of call is only known at run
// time.  Builtins are not calls in this sense.
func isIndirect(call *ssa.CallCommon) bool {
	if _, ok := call.Value.(*ssa.Builtin); ok {
		return false
	}
	return call.StaticCallee() == nil
}

// FuncIndex returns the position of fn.
func (e *Enumeration) FuncIndex(fn *ssa.Function) (int, bool) {
	i, ok := e.fcnIndex[fn]
	return i, ok
}

// CallIndex returns the position of the indirect call site.
func (e *Enumeration) CallIndex(site ssa.CallInstruction) (int, bool) {
	i, ok := e.callIndex[site]
	return i, ok
}

// Fprint writes the enumeration, one function or call per line.
func (e *Enumeration) Fprint(w io.Writer) {
	for i, fn := range e.Funcs {
		fmt.Fprintf(w, "fcn %d: %s\n", i, fn)
	}
	for i, site := range e.Calls {
		fmt.Fprintf(w, "call %d: %s in %s at %s\n", i, site, site.Parent(),
			site.Parent().Prog.Fset.Position(site.Pos()))
	}
}
