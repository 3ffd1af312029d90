package seg

import "sort"

// Less is the canonical edge order used for comparison and printing:
// payload first (for constraints: offset, then type), then source,
// then destination.  Edges of different kinds order by kind.
func Less(a, b *Edge) bool {
	if ak, bk := a.Kind(), b.Kind(); ak != bk {
		return ak < bk
	}
	if c := a.data.Compare(b.data); c != 0 {
		return c < 0
	}
	if a.src != b.src {
		return a.src < b.src
	}
	return a.dst < b.dst
}

// Equal reports whether a and b connect the same endpoints with equal
// payloads.
func Equal(a, b *Edge) bool {
	return a.Kind() == b.Kind() && a.src == b.src && a.dst == b.dst && a.data.Compare(b.data) == 0
}

// SortedEdges returns the live edges of g in canonical order.
func (g *Graph) SortedEdges() []*Edge {
	var out []*Edge
	g.ForEachEdge(func(e *Edge) { out = append(out, e) })
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
