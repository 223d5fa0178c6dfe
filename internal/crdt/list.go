package crdt

import (
	"encoding/json"
	"sort"
)

// posMax is the open upper bound for position digits.
const posMax = 1 << 30

type listElem struct {
	id      ID
	pos     []int
	deleted bool
	value   json.RawMessage
}

// List is an ordered replicated list. Elements carry dense position
// identifiers; concurrent inserts at the same logical position order
// deterministically by position, then replica id. Deletes tombstone the
// element in place so positions stay stable.
type List struct {
	doc   *Doc
	root  string
	path  []string
	id    ID
	elems []listElem
}

// Push appends a value after the last element. Must be called inside a
// transaction.
func (l *List) Push(value json.RawMessage) {
	var after []int
	if n := len(l.elems); n > 0 {
		after = l.elems[n-1].pos
	}
	l.insert(posBetween(after, nil), value)
}

// Unshift prepends a value before the first element. Must be called inside a
// transaction.
func (l *List) Unshift(value json.RawMessage) {
	var before []int
	if len(l.elems) > 0 {
		before = l.elems[0].pos
	}
	l.insert(posBetween(nil, before), value)
}

// Insert places a value at index i among the live elements. Must be called
// inside a transaction.
func (l *List) Insert(i int, value json.RawMessage) {
	prev, next := l.neighbors(i)
	l.insert(posBetween(prev, next), value)
}

func (l *List) insert(pos []int, value json.RawMessage) {
	o := op{
		Kind:  opListIns,
		Root:  l.root,
		Path:  l.path,
		List:  l.id,
		Elem:  l.doc.nextID(),
		Pos:   pos,
		Value: value,
	}
	ev, applied, _ := l.applyListOp(o)
	l.doc.record(o, ev, applied)
}

// Delete tombstones the live element at index i. Must be called inside a
// transaction.
func (l *List) Delete(i int) {
	elem := l.liveElem(i)
	if elem == nil {
		return
	}

	o := op{Kind: opListDel, Root: l.root, Path: l.path, List: l.id, Elem: elem.id, ID: l.doc.nextID()}
	ev, applied, _ := l.applyListOp(o)
	l.doc.record(o, ev, applied)
}

// Len returns the number of live elements. Must be called inside a
// transaction.
func (l *List) Len() int {
	n := 0
	for i := range l.elems {
		if !l.elems[i].deleted {
			n++
		}
	}
	return n
}

// Get returns the live element at index i. Must be called inside a
// transaction.
func (l *List) Get(i int) (json.RawMessage, bool) {
	elem := l.liveElem(i)
	if elem == nil {
		return nil, false
	}
	return elem.value, true
}

// Values returns the live element values in list order. Must be called
// inside a transaction.
func (l *List) Values() []json.RawMessage {
	values := make([]json.RawMessage, 0, len(l.elems))
	for i := range l.elems {
		if !l.elems[i].deleted {
			values = append(values, l.elems[i].value)
		}
	}
	return values
}

func (l *List) liveElem(i int) *listElem {
	n := 0
	for j := range l.elems {
		if l.elems[j].deleted {
			continue
		}
		if n == i {
			return &l.elems[j]
		}
		n++
	}
	return nil
}

// neighbors returns the positions surrounding live index i, for generating
// an insert position. Tombstoned elements count as occupied positions.
func (l *List) neighbors(i int) (prev, next []int) {
	elem := l.liveElem(i)
	if elem == nil {
		if n := len(l.elems); n > 0 {
			prev = l.elems[n-1].pos
		}
		return prev, nil
	}
	for j := range l.elems {
		if &l.elems[j] == elem {
			if j > 0 {
				prev = l.elems[j-1].pos
			}
			return prev, elem.pos
		}
	}
	return nil, nil
}

// applyListOp applies an element op. The third return value is false when
// the op targets an element that has not arrived yet and should be deferred.
func (l *List) applyListOp(o op) (Event, bool, bool) {
	ev := Event{Root: l.root, Path: l.path, Action: ActionUpdate}

	switch o.Kind {
	case opListIns:
		if l.find(o.Elem) >= 0 {
			return ev, false, true
		}
		elem := listElem{id: o.Elem, pos: o.Pos, value: o.Value}
		at := sort.Search(len(l.elems), func(i int) bool {
			return elemLess(elem, l.elems[i])
		})
		l.elems = append(l.elems, listElem{})
		copy(l.elems[at+1:], l.elems[at:])
		l.elems[at] = elem
		return ev, true, true

	case opListDel:
		at := l.find(o.Elem)
		if at < 0 {
			return ev, false, false
		}
		if l.elems[at].deleted {
			return ev, false, true
		}
		l.elems[at].deleted = true
		l.elems[at].value = nil
		return ev, true, true
	}

	return ev, false, true
}

func (l *List) find(id ID) int {
	for i := range l.elems {
		if l.elems[i].id == id {
			return i
		}
	}
	return -1
}

// elemLess is the total order of list elements: position first, replica id
// breaking position ties, clock last.
func elemLess(a, b listElem) bool {
	if c := comparePos(a.pos, b.pos); c != 0 {
		return c < 0
	}
	if a.id.Replica != b.id.Replica {
		return a.id.Replica < b.id.Replica
	}
	return a.id.Clock < b.id.Clock
}

func comparePos(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// posBetween generates a position strictly between p and q. nil p means the
// open lower bound, nil q the open upper bound. Deterministic: two replicas
// generating between the same neighbors produce the same digits and are
// ordered by replica id instead.
//
// When p and q are equal (neighbors with identical digits whose order comes
// from the replica tiebreak), the result extends p and therefore sorts after
// both rather than between them. Insertion order there is approximate, but
// stays deterministic and identical on every replica.
func posBetween(p, q []int) []int {
	var out []int
	for i := 0; ; i++ {
		pd := 0
		if i < len(p) {
			pd = p[i]
		}
		qd := posMax
		if q != nil && i < len(q) {
			qd = q[i]
		}
		if qd-pd > 1 {
			return append(out, pd+1)
		}
		out = append(out, pd)
	}
}
