// Package objmap allocates the object identities shared by the
// constraint graph and the control-flow graph.
//
// An ObjID is a small dense integer.  Identities are handed out in
// increasing order and are never reused; the only way to change them is
// an explicit, total renumbering (see Renumbering).
package objmap

import (
	"fmt"
	"strconv"
)

// ObjID denotes a memory object, a pointer value or one of the
// reserved sentinel objects.
type ObjID int32

// Reserved identities.  They occupy the first NumSpecialIDs slots of
// every ObjectMap.
const (
	NullValue ObjID = iota
	NullObjectValue
	IntValue
	UniversalValue
	PthreadSpecificValue

	NumSpecialIDs int = iota
)

// InvalidObjID never names an object.
const InvalidObjID ObjID = -1

// Type classifies an allocated identity.
type Type int

const (
	Special Type = iota // one of the reserved sentinels
	Value               // a top-level pointer value
	Object              // an addressable memory object (or one of its fields)
	Function            // a function object
	Temp                // a scratch object allocated during solving
)

func (t Type) String() string {
	switch t {
	case Special:
		return "special"
	case Value:
		return "value"
	case Object:
		return "object"
	case Function:
		return "function"
	case Temp:
		return "temp"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// IDConverter maps identities of one identity space to another.
// It must be total over every identity it is applied to.
type IDConverter func(ObjID) ObjID

// Identity is the IDConverter that changes nothing.
func Identity(id ObjID) ObjID { return id }

type entry struct {
	typ   Type
	label string // debugging aid, e.g. "alloca %x" or "main"
	size  int32  // number of fields for the first node of an Object; zero otherwise
}

// ObjectMap records every identity allocated for one analysis run.
type ObjectMap struct {
	entries []entry
}

// NewObjectMap returns a map holding only the reserved sentinels.
func NewObjectMap() *ObjectMap {
	m := &ObjectMap{}
	for i := 0; i < NumSpecialIDs; i++ {
		m.entries = append(m.entries, entry{typ: Special, label: specialName(ObjID(i))})
	}
	return m
}

// nextID returns the next unused identity.
func (m *ObjectMap) nextID() ObjID {
	return ObjID(len(m.entries))
}

func (m *ObjectMap) add(t Type, label string) ObjID {
	id := m.nextID()
	m.entries = append(m.entries, entry{typ: t, label: label})
	return id
}

// AddValue allocates a top-level pointer value.
func (m *ObjectMap) AddValue(label string) ObjID {
	return m.add(Value, label)
}

// AddFunction allocates a function object.
func (m *ObjectMap) AddFunction(label string) ObjID {
	return m.add(Function, label)
}

// AddObject allocates an object of the given number of fields and
// returns the identity of its first field.  Field i of the object is
// the returned identity plus i, so that constraint offsets can be
// resolved by simple addition.
func (m *ObjectMap) AddObject(label string, fields int) ObjID {
	if fields <= 0 {
		fields = 1
	}
	id := m.add(Object, label)
	m.entries[id].size = int32(fields)
	for i := 1; i < fields; i++ {
		m.add(Object, label+"."+strconv.Itoa(i))
	}
	return id
}

// MakeTempValue allocates a scratch identity.
func (m *ObjectMap) MakeTempValue() ObjID {
	return m.add(Temp, "")
}

// Size returns the total number of identities allocated so far.
func (m *ObjectMap) Size() int {
	return len(m.entries)
}

// Valid reports whether id has been allocated.
func (m *ObjectMap) Valid(id ObjID) bool {
	return id >= 0 && int(id) < len(m.entries)
}

func (m *ObjectMap) mustEntry(id ObjID) *entry {
	if !m.Valid(id) {
		panic(fmt.Sprintf("objmap: unknown object o%d (size %d)", id, len(m.entries)))
	}
	return &m.entries[id]
}

// TypeOf returns the classification of id.
func (m *ObjectMap) TypeOf(id ObjID) Type {
	return m.mustEntry(id).typ
}

// ObjectSize returns the number of fields of the object starting at
// id, or zero if id does not start an object.
func (m *ObjectMap) ObjectSize(id ObjID) int {
	return int(m.mustEntry(id).size)
}

// Label returns the debugging label of id.
func (m *ObjectMap) Label(id ObjID) string {
	e := m.mustEntry(id)
	if e.typ == Temp {
		return "temp node"
	}
	return e.label
}

// IsSpecial reports whether id is one of the reserved sentinels.
func IsSpecial(id ObjID) bool {
	return id >= 0 && int(id) < NumSpecialIDs
}

func specialName(id ObjID) string {
	switch id {
	case NullValue:
		return "NullValue"
	case NullObjectValue:
		return "NullObjectValue"
	case IntValue:
		return "IntValue"
	case UniversalValue:
		return "UniversalValue"
	case PthreadSpecificValue:
		return "PthreadSpecificValue"
	}
	return ""
}

func (id ObjID) String() string {
	if name := specialName(id); name != "" {
		return name
	}
	return fmt.Sprintf("o%d", id)
}
