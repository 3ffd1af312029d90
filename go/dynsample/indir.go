package dynsample

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/xerrors"
)

// IndirLog maps the enumeration position of an indirect call site to
// the enumeration positions of the functions it was observed calling.
type IndirLog struct {
	hasInfo bool
	targets map[int][]int
}

// NewIndirLog returns an empty log that reports HasInfo.
func NewIndirLog() *IndirLog {
	return &IndirLog{hasInfo: true, targets: make(map[int][]int)}
}

// HasInfo reports whether a log was loaded.
func (l *IndirLog) HasInfo() bool { return l.hasInfo }

// Add records that call site call reached function fcn.  Repeated
// observations are kept once.
func (l *IndirLog) Add(call, fcn int) {
	for _, f := range l.targets[call] {
		if f == fcn {
			return
		}
	}
	l.targets[call] = append(l.targets[call], fcn)
}

// Calls returns the sampled call positions in increasing order.
func (l *IndirLog) Calls() []int {
	out := make([]int, 0, len(l.targets))
	for c := range l.targets {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Targets returns the function positions observed at call, in log
// order.
func (l *IndirLog) Targets(call int) []int { return l.targets[call] }

// ReadIndir reads the raw log at path.  A missing file yields a log
// that reports !HasInfo.
func ReadIndir(path string) (*IndirLog, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Infof("indirect-call log %s not found; continuing without samples", path)
		return &IndirLog{targets: make(map[int][]int)}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("open indirect-call log: %w", err)
	}
	defer f.Close()
	l, err := ParseIndir(f)
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", path, err)
	}
	log.Infof("loaded targets for %d indirect calls from %s", len(l.targets), path)
	return l, nil
}

// ParseIndir parses "<call>:<fcn> <fcn> ..." records, one per line,
// with the same leniency as ParsePtsto.
func ParseIndir(r io.Reader) (*IndirLog, error) {
	l := NewIndirLog()
	err := scanRecords(r, func(lineno int, head int32, fields []string) {
		call := int(head)
		if _, ok := l.targets[call]; !ok {
			l.targets[call] = nil
		}
		for _, f := range fields {
			x, err := strconv.Atoi(f)
			if err != nil || x < 0 {
				log.Debugf("indirect-call log line %d: stopping at %q", lineno, f)
				return
			}
			l.Add(call, x)
		}
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// WriteIndir writes l in the format read by ParseIndir.
func WriteIndir(w io.Writer, l *IndirLog) error {
	bw := bufio.NewWriter(w)
	for _, call := range l.Calls() {
		bw.WriteString(strconv.Itoa(call))
		bw.WriteByte(':')
		for i, f := range l.targets[call] {
			if i > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.Itoa(f))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// IndirTargets holds the observed callees of indirect call sites,
// resolved against a program.
type IndirTargets struct {
	hasInfo bool
	targets map[ssa.CallInstruction][]*ssa.Function
}

// HasInfo reports whether a log was loaded.
func (t *IndirTargets) HasInfo() bool { return t.hasInfo }

// Targets returns the functions observed at site.
func (t *IndirTargets) Targets(site ssa.CallInstruction) []*ssa.Function {
	return t.targets[site]
}

// Len returns the number of call sites with recorded targets.
func (t *IndirTargets) Len() int { return len(t.targets) }

// Resolve maps the positions in l onto enum.  Positions that enum does
// not know are logged and dropped.
func (l *IndirLog) Resolve(enum *Enumeration) *IndirTargets {
	t := &IndirTargets{hasInfo: l.hasInfo, targets: make(map[ssa.CallInstruction][]*ssa.Function)}
	for _, c := range l.Calls() {
		if c < 0 || c >= len(enum.Calls) {
			log.Warnf("indirect-call log: call %d out of range (%d calls)", c, len(enum.Calls))
			continue
		}
		site := enum.Calls[c]
		fns := t.targets[site]
		for _, f := range l.targets[c] {
			if f < 0 || f >= len(enum.Funcs) {
				log.Warnf("indirect-call log: function %d out of range (%d functions)", f, len(enum.Funcs))
				continue
			}
			fns = append(fns, enum.Funcs[f])
		}
		t.targets[site] = fns
	}
	return t
}

// LoadIndir reads the log at path and resolves it against enum.
func LoadIndir(path string, enum *Enumeration) (*IndirTargets, error) {
	l, err := ReadIndir(path)
	if err != nil {
		return nil, err
	}
	return l.Resolve(enum), nil
}
