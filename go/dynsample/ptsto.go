// Package dynsample reads and writes the logs produced by the dynamic
// samplers: points-to sets observed at run time, keyed by identity,
// and indirect-call targets, keyed by enumeration position.
//
// Both logs are advisory.  A missing log means "no information", and
// malformed records are parsed as far as they go.
package dynsample

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"
	"golang.org/x/xerrors"

	"github.com/april1989/specsfs/go/objmap"
	"github.com/april1989/specsfs/go/pointer"
)

// Ptsto holds the points-to sets of a dynamic-sample log.
type Ptsto struct {
	hasInfo bool
	sets    map[objmap.ObjID]*intsets.Sparse
}

// NewPtsto returns an empty set of samples that reports HasInfo.
func NewPtsto() *Ptsto {
	return &Ptsto{hasInfo: true, sets: make(map[objmap.ObjID]*intsets.Sparse)}
}

// HasInfo reports whether a log was loaded.
func (p *Ptsto) HasInfo() bool { return p.hasInfo }

// Add records that val was observed pointing to obj.  NullValue is
// dropped.
func (p *Ptsto) Add(val, obj objmap.ObjID) {
	s := p.set(val)
	if obj != objmap.NullValue {
		s.Insert(int(obj))
	}
}

func (p *Ptsto) set(val objmap.ObjID) *intsets.Sparse {
	s := p.sets[val]
	if s == nil {
		s = new(intsets.Sparse)
		p.sets[val] = s
	}
	return s
}

// Has reports whether the log has a record for val.
func (p *Ptsto) Has(val objmap.ObjID) bool {
	_, ok := p.sets[val]
	return ok
}

// PointsTo returns the sampled points-to set of val, which is empty
// if val was never sampled.
func (p *Ptsto) PointsTo(val objmap.ObjID) pointer.PointsToSet {
	return pointer.MakePointsToSet(nil, p.sets[val])
}

// Values returns the sampled identities in increasing order.
func (p *Ptsto) Values() []objmap.ObjID {
	out := make([]objmap.ObjID, 0, len(p.sets))
	for val := range p.sets {
		out = append(out, val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Convert returns a copy of p with every identity passed through
// lookup, for samples taken against an identity space that has since
// been renumbered.  Identities lookup does not know are dropped.
func (p *Ptsto) Convert(lookup func(objmap.ObjID) (objmap.ObjID, bool)) *Ptsto {
	out := &Ptsto{hasInfo: p.hasInfo, sets: make(map[objmap.ObjID]*intsets.Sparse, len(p.sets))}
	var space [32]int
	for val, s := range p.sets {
		nval, ok := lookup(val)
		if !ok {
			log.Debugf("points-to log: dropping samples of unknown %s", val)
			continue
		}
		d := out.set(nval)
		for _, x := range s.AppendTo(space[:0]) {
			obj, ok := lookup(objmap.ObjID(x))
			if !ok {
				log.Debugf("points-to log: dropping unknown %s from the samples of %s", objmap.ObjID(x), val)
				continue
			}
			d.Insert(int(obj))
		}
	}
	return out
}

// Len returns the number of sampled identities.
func (p *Ptsto) Len() int { return len(p.sets) }

// LoadPtsto reads the log at path.  A missing file is not an error:
// the result simply reports !HasInfo.
func LoadPtsto(path string) (*Ptsto, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Infof("dynamic points-to log %s not found; continuing without samples", path)
		return &Ptsto{sets: make(map[objmap.ObjID]*intsets.Sparse)}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("open points-to log: %w", err)
	}
	defer f.Close()
	p, err := ParsePtsto(f)
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", path, err)
	}
	log.Infof("loaded %d sampled points-to sets from %s", p.Len(), path)
	return p, nil
}

// ParsePtsto parses records of the form
//
//	<id>:<id> <id> ...
//
// one per line.  A line without a valid leading id is skipped; the
// trailing list is read up to its first malformed field.
func ParsePtsto(r io.Reader) (*Ptsto, error) {
	p := NewPtsto()
	err := scanRecords(r, func(lineno int, head int32, fields []string) {
		s := p.set(objmap.ObjID(head))
		for _, f := range fields {
			x, err := strconv.ParseInt(f, 10, 32)
			if err != nil || x < 0 {
				log.Debugf("points-to log line %d: stopping at %q", lineno, f)
				return
			}
			if obj := objmap.ObjID(x); obj != objmap.NullValue {
				s.Insert(int(obj))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WritePtsto writes p in the format read by ParsePtsto, in increasing
// identity order.
func WritePtsto(w io.Writer, p *Ptsto) error {
	bw := bufio.NewWriter(w)
	var space [32]int
	for _, val := range p.Values() {
		fmt.Fprintf(bw, "%d:", val)
		for i, x := range p.sets[val].AppendTo(space[:0]) {
			if i > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.Itoa(x))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// scanRecords splits r into "<head>:<fields>" records and calls fn
// for each record with a valid head.
func scanRecords(r io.Reader, fn func(lineno int, head int32, fields []string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			log.Debugf("log line %d: no ':' separator, skipped", lineno)
			continue
		}
		head, err := strconv.ParseInt(strings.TrimSpace(line[:colon]), 10, 32)
		if err != nil || head < 0 {
			log.Debugf("log line %d: bad id %q, skipped", lineno, line[:colon])
			continue
		}
		fn(lineno, int32(head), strings.Fields(line[colon+1:]))
	}
	if err := sc.Err(); err != nil {
		return xerrors.Errorf("scan log: %w", err)
	}
	return nil
}
