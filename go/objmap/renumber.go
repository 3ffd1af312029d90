package objmap

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// A Renumbering is a permutation of an identity space, indexed by the
// old identity.
type Renumbering []ObjID

// Convert is an IDConverter for r.  Identities outside the renumbered
// space are an invariant violation.
func (r Renumbering) Convert(id ObjID) ObjID {
	if id < 0 || int(id) >= len(r) {
		panic(fmt.Sprintf("objmap: o%d is outside the renumbered space (size %d)", id, len(r)))
	}
	return r[id]
}

// Lookup is Convert for identities of unknown provenance, such as
// those read from a log: it reports false instead of panicking.
func (r Renumbering) Lookup(id ObjID) (ObjID, bool) {
	if id < 0 || int(id) >= len(r) {
		return InvalidObjID, false
	}
	return r[id], true
}

// Renumber permutes the identities of m so that all addressable
// objects appear before all other identities, keeping the fields of
// each object contiguous and in order.  The sentinels keep their
// identities.  It returns the permutation and the renumbered map; m
// itself is unchanged.
//
// Grouping objects densely improves the locality of sparse points-to
// set representations, since only objects ever appear as labels.
func (m *ObjectMap) Renumber() (Renumbering, *ObjectMap) {
	n := len(m.entries)
	ren := make(Renumbering, n)
	out := &ObjectMap{entries: make([]entry, n)}

	var j ObjID
	for i := 0; i < NumSpecialIDs; i++ {
		ren[i] = j
		out.entries[j] = m.entries[i]
		j++
	}

	// Pass 1: objects.
	for i := NumSpecialIDs; i < n; {
		e := m.entries[i]
		if e.typ != Object || e.size == 0 {
			i++
			continue
		}
		end := i + int(e.size)
		for ; i < end; i++ {
			ren[i] = j
			out.entries[j] = m.entries[i]
			j++
		}
	}
	nobj := int(j) - NumSpecialIDs

	// Pass 2: everything else.
	for i := NumSpecialIDs; i < n; {
		e := m.entries[i]
		if e.typ == Object && e.size != 0 {
			i += int(e.size)
			continue
		}
		ren[i] = j
		out.entries[j] = e
		i++
		j++
	}

	if int(j) != n {
		panic(fmt.Sprintf("objmap: internal error: j=%d, n=%d", j, n))
	}
	log.Debugf("objmap: renumbered %d identities (%d object fields)", n, nobj)
	return ren, out
}
