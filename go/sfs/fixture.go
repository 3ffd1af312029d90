package sfs

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/april1989/specsfs/go/cfg"
	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
	"github.com/april1989/specsfs/go/seg"
)

// A Fixture describes a program's objects, constraints and
// control-flow facts by name.  Names of object fields are written
// "obj.k".  The reserved points are named global-init, init,
// argv-begin and argv-end.
type Fixture struct {
	Objects     []FixtureObject     `yaml:"objects"`
	Constraints []FixtureConstraint `yaml:"constraints"`
	Points      []FixturePoint      `yaml:"points"`
	GlobalInits []string            `yaml:"globalInits"`
	Functions   []FixtureFunction   `yaml:"functions"`
	Calls       []FixtureCall       `yaml:"calls"`
	Enumeration FixtureEnumeration  `yaml:"enumeration"`
}

type FixtureObject struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"` // value, object or function
	Fields int    `yaml:"fields"`
}

type FixtureConstraint struct {
	Type   string `yaml:"type"` // copy, load, store or addr_of
	Dest   string `yaml:"dest"`
	Src    string `yaml:"src"`
	Offset int32  `yaml:"offset"`
	Fcn    string `yaml:"fcn"` // enclosing function, if any
}

type FixturePoint struct {
	Name  string   `yaml:"name"`
	Preds []string `yaml:"preds"`
	Defs  []string `yaml:"defs"`
	Uses  []string `yaml:"uses"`
	M     bool     `yaml:"m"`
	R     bool     `yaml:"r"`
	C     bool     `yaml:"c"`
}

type FixtureFunction struct {
	Name   string   `yaml:"name"`
	Start  string   `yaml:"start"`
	Return string   `yaml:"return"`
	Unused bool     `yaml:"unused"`
	Params []string `yaml:"params"`
	Result string   `yaml:"result"`
}

// A FixtureCall is direct if Callee is set and indirect through the
// value Via otherwise.
type FixtureCall struct {
	Point  string `yaml:"point"`
	Ret    string `yaml:"ret"`
	Callee string `yaml:"callee"`
	Via    string `yaml:"via"`
	Result string `yaml:"result"` // value receiving the call's result
}

// FixtureEnumeration lists, by position, the indirect-call values
// and functions the dynamic samplers number.
type FixtureEnumeration struct {
	Calls     []string `yaml:"calls"`
	Functions []string `yaml:"functions"`
}

// A FixtureExtractor builds graphs from a Fixture.
type FixtureExtractor struct {
	fixture Fixture
	omap    *objmap.ObjectMap
	objs    map[string]objmap.ObjID
	points  map[string]seg.NodeID
	calls   []objmap.ObjID
	fcns    []objmap.ObjID
	pinned  []objmap.ObjID
}

// NewFixtureExtractor returns an extractor for f.
func NewFixtureExtractor(f Fixture) *FixtureExtractor {
	return &FixtureExtractor{fixture: f}
}

// ParseFixture decodes a yml fixture.
func ParseFixture(data []byte) (*FixtureExtractor, error) {
	var f Fixture
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, xerrors.Errorf("yml decode error: %w", err)
	}
	return NewFixtureExtractor(f), nil
}

// LoadFixture reads a yml fixture from path.
func LoadFixture(path string) (*FixtureExtractor, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read fixture: %w", err)
	}
	x, err := ParseFixture(data)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return x, nil
}

// Object returns the identity of a named object or field.  It is only
// meaningful after Extract.
func (x *FixtureExtractor) Object(name string) (objmap.ObjID, bool) {
	id, err := x.resolve(name)
	return id, err == nil
}

// Point returns the handle of a named program point.  It is only
// meaningful after Extract.
func (x *FixtureExtractor) Point(name string) (seg.NodeID, bool) {
	id, ok := x.points[name]
	return id, ok
}

// Pinned implements Pinner: the parameters and results of functions
// whose address is taken or that the samplers number, and the result
// values of indirect calls.
func (x *FixtureExtractor) Pinned() []objmap.ObjID {
	return x.pinned
}

// Enumeration implements Enumerated.
func (x *FixtureExtractor) Enumeration() (calls, fcns []objmap.ObjID) {
	return x.calls, x.fcns
}

func (x *FixtureExtractor) resolve(name string) (objmap.ObjID, error) {
	if id, ok := x.objs[name]; ok {
		return id, nil
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return 0, xerrors.Errorf("unknown object %q", name)
	}
	base, ok := x.objs[name[:dot]]
	if !ok {
		return 0, xerrors.Errorf("unknown object %q", name)
	}
	k, err := strconv.Atoi(name[dot+1:])
	if err != nil || k < 0 {
		return 0, xerrors.Errorf("bad field in %q", name)
	}
	if x.omap == nil || x.omap.TypeOf(base) != objmap.Object || k >= x.omap.ObjectSize(base) {
		return 0, xerrors.Errorf("%q: no field %d in %s", name, k, name[:dot])
	}
	return base + objmap.ObjID(k), nil
}

func (x *FixtureExtractor) obj(what, name string) (objmap.ObjID, error) {
	id, err := x.resolve(name)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", what, err)
	}
	return id, nil
}

func (x *FixtureExtractor) point(what, name string) (seg.NodeID, error) {
	id, ok := x.points[name]
	if !ok {
		return 0, xerrors.Errorf("%s: unknown point %q", what, name)
	}
	return id, nil
}

var constraintTypes = map[string]pointer.ConstraintType{
	"copy":    pointer.Copy,
	"load":    pointer.Load,
	"store":   pointer.Store,
	"addr_of": pointer.AddressOf,
}

// Extract implements Extractor.
func (x *FixtureExtractor) Extract(omap *objmap.ObjectMap, cg *pointer.ConstraintGraph, flow *cfg.CFG) error {
	f := &x.fixture
	x.omap = omap
	x.objs = map[string]objmap.ObjID{
		"null":        objmap.NullValue,
		"null-object": objmap.NullObjectValue,
		"int":         objmap.IntValue,
		"universal":   objmap.UniversalValue,
	}
	x.points = map[string]seg.NodeID{
		"global-init": flow.Points.GlobalInit,
		"init":        flow.Points.Init,
		"argv-begin":  flow.Points.ArgvBegin,
		"argv-end":    flow.Points.ArgvEnd,
	}

	for _, o := range f.Objects {
		if _, dup := x.objs[o.Name]; dup {
			return xerrors.Errorf("object %q declared twice", o.Name)
		}
		var id objmap.ObjID
		switch o.Kind {
		case "", "value":
			id = omap.AddValue(o.Name)
		case "object":
			n := o.Fields
			if n <= 0 {
				n = 1
			}
			id = omap.AddObject(o.Name, n)
		case "function":
			id = omap.AddFunction(o.Name)
		default:
			return xerrors.Errorf("object %q: unknown kind %q", o.Name, o.Kind)
		}
		x.objs[o.Name] = id
	}

	byFcn := make(map[objmap.ObjID][]seg.EdgeID)
	for i, c := range f.Constraints {
		what := fmt.Sprintf("constraint %d", i)
		t, ok := constraintTypes[c.Type]
		if !ok {
			return xerrors.Errorf("%s: unknown type %q", what, c.Type)
		}
		dest, err := x.obj(what, c.Dest)
		if err != nil {
			return err
		}
		src, err := x.obj(what, c.Src)
		if err != nil {
			return err
		}
		id := cg.Add(t, dest, src, c.Offset)
		if c.Fcn != "" {
			fcn, err := x.obj(what, c.Fcn)
			if err != nil {
				return err
			}
			byFcn[fcn] = append(byFcn[fcn], id)
		}
	}

	for _, p := range f.Points {
		if _, dup := x.points[p.Name]; dup {
			return xerrors.Errorf("point %q declared twice", p.Name)
		}
		x.points[p.Name] = flow.NextNode(p.Name)
	}
	for _, p := range f.Points {
		id := x.points[p.Name]
		what := "point " + p.Name
		for _, pred := range p.Preds {
			pid, err := x.point(what, pred)
			if err != nil {
				return err
			}
			flow.AddPred(id, pid)
		}
		for _, name := range p.Defs {
			obj, err := x.obj(what, name)
			if err != nil {
				return err
			}
			flow.AddDef(id, obj)
		}
		for _, name := range p.Uses {
			obj, err := x.obj(what, name)
			if err != nil {
				return err
			}
			flow.AddUse(id, obj)
		}
		n := flow.Node(id)
		if p.M {
			n.SetM()
		}
		if p.R {
			n.SetR()
		}
		if p.C {
			n.SetC()
		}
	}
	for _, name := range f.GlobalInits {
		obj, err := x.obj("global init", name)
		if err != nil {
			return err
		}
		flow.AddGlobalInit(obj)
	}

	for _, fn := range f.Functions {
		what := "function " + fn.Name
		fcn, err := x.obj(what, fn.Name)
		if err != nil {
			return err
		}
		if fn.Start != "" {
			id, err := x.point(what, fn.Start)
			if err != nil {
				return err
			}
			flow.AddFunctionStart(fcn, id)
		}
		if fn.Return != "" {
			id, err := x.point(what, fn.Return)
			if err != nil {
				return err
			}
			flow.AddFunctionReturn(fcn, id)
		}
		if fn.Unused {
			flow.AddUnusedFunction(fcn, byFcn[fcn])
		}
	}

	for i, c := range f.Calls {
		what := fmt.Sprintf("call %d", i)
		call, err := x.point(what, c.Point)
		if err != nil {
			return err
		}
		ret, err := x.point(what, c.Ret)
		if err != nil {
			return err
		}
		switch {
		case c.Callee != "":
			fcn, err := x.obj(what, c.Callee)
			if err != nil {
				return err
			}
			flow.AddCallsite(call, fcn, ret)
			flow.AddCallRetInfo(fcn, call, ret)
		case c.Via != "":
			obj, err := x.obj(what, c.Via)
			if err != nil {
				return err
			}
			flow.AddIndirectCall(call, obj, ret)
		default:
			return xerrors.Errorf("%s: needs a callee or a value to call through", what)
		}
	}

	x.calls, x.fcns = nil, nil
	for _, name := range f.Enumeration.Calls {
		obj, err := x.obj("enumeration", name)
		if err != nil {
			return err
		}
		x.calls = append(x.calls, obj)
	}
	for _, name := range f.Enumeration.Functions {
		obj, err := x.obj("enumeration", name)
		if err != nil {
			return err
		}
		x.fcns = append(x.fcns, obj)
	}

	if err := x.collectPinned(); err != nil {
		return err
	}

	log.Debugf("fixture: %d objects, %d constraints, %d points",
		len(f.Objects), len(f.Constraints), len(f.Points))
	return nil
}

// collectPinned records the identities an indirect call may later
// connect: parameters and results of functions that are address-taken
// or enumerated, and results of indirect call sites.
func (x *FixtureExtractor) collectPinned() error {
	f := &x.fixture
	reached := make(map[objmap.ObjID]bool)
	for _, c := range f.Constraints {
		if c.Type == "addr_of" {
			id, _ := x.resolve(c.Src)
			reached[id] = true
		}
	}
	for _, fcn := range x.fcns {
		reached[fcn] = true
	}

	x.pinned = nil
	pin := func(what, name string, keep bool) error {
		if name == "" {
			return nil
		}
		id, err := x.obj(what, name)
		if err != nil {
			return err
		}
		if keep {
			x.pinned = append(x.pinned, id)
		}
		return nil
	}
	for _, fn := range f.Functions {
		what := "function " + fn.Name
		fcn, _ := x.resolve(fn.Name)
		for _, param := range fn.Params {
			if err := pin(what, param, reached[fcn]); err != nil {
				return err
			}
		}
		if err := pin(what, fn.Result, reached[fcn]); err != nil {
			return err
		}
	}
	for i, c := range f.Calls {
		if err := pin(fmt.Sprintf("call %d", i), c.Result, c.Via != ""); err != nil {
			return err
		}
	}
	return nil
}
