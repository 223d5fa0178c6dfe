package crdt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listValues(t *testing.T, d *Doc, key string) []string {
	t.Helper()
	var out []string
	d.ReadTransact(func() {
		v, ok := d.Map("root").Get(key)
		require.True(t, ok)
		for _, raw := range v.(*List).Values() {
			var s string
			require.NoError(t, json.Unmarshal(raw, &s))
			out = append(out, s)
		}
	})
	return out
}

func TestListPushKeepsInsertionOrder(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		for i := 0; i < 5; i++ {
			list.Push(raw(fmt.Sprintf(`"v%d"`, i)))
		}
	})
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, listValues(t, a, "entry"))
}

func TestListUnshiftPrepends(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`"second"`))
		list.Unshift(raw(`"first"`))
	})
	assert.Equal(t, []string{"first", "second"}, listValues(t, a, "entry"))
}

func TestListInsertAtIndex(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`"x"`))
		list.Push(raw(`"z"`))
		list.Insert(1, raw(`"y"`))
	})
	assert.Equal(t, []string{"x", "y", "z"}, listValues(t, a, "entry"))
}

func TestListDeleteByLiveIndex(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`"x"`))
		list.Push(raw(`"y"`))
		list.Push(raw(`"z"`))
		list.Delete(1)
	})
	assert.Equal(t, []string{"x", "z"}, listValues(t, a, "entry"))

	// Live indices shift past the tombstone.
	a.Transact(OriginLocal, func() {
		v, _ := a.Map("root").Get("entry")
		v.(*List).Delete(1)
	})
	assert.Equal(t, []string{"x"}, listValues(t, a, "entry"))
}

func TestListConcurrentAppendsOrderDeterministically(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		a.Map("root").SetList("entry").Push(raw(`"base"`))
	})
	deliver(t, b, fromA)

	// Both replicas append after "base" without seeing each other.
	a.Transact(OriginLocal, func() {
		v, _ := a.Map("root").Get("entry")
		v.(*List).Push(raw(`"from-a"`))
	})
	b.Transact(OriginLocal, func() {
		v, _ := b.Map("root").Get("entry")
		v.(*List).Push(raw(`"from-b"`))
	})

	deliver(t, b, fromA)
	deliver(t, a, fromB)
	assertConverged(t, a, b)

	// Same position digits: replica id breaks the tie, identically on both.
	assert.Equal(t, []string{"base", "from-a", "from-b"}, listValues(t, a, "entry"))
	assert.Equal(t, []string{"base", "from-a", "from-b"}, listValues(t, b, "entry"))
}

func TestListConcurrentDeleteOfSameElement(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`"x"`))
		list.Push(raw(`"y"`))
	})
	deliver(t, b, fromA)

	a.Transact(OriginLocal, func() {
		v, _ := a.Map("root").Get("entry")
		v.(*List).Delete(1)
	})
	b.Transact(OriginLocal, func() {
		v, _ := b.Map("root").Get("entry")
		v.(*List).Delete(1)
	})

	deliver(t, b, fromA)
	deliver(t, a, fromB)
	assertConverged(t, a, b)
	assert.Equal(t, []string{"x"}, listValues(t, a, "entry"))
}

func TestPosBetweenGeneratesStrictlyBetween(t *testing.T) {
	cases := []struct {
		p, q []int
	}{
		{nil, nil},
		{[]int{1}, nil},
		{nil, []int{1}},
		{[]int{1}, []int{2}},
		{[]int{1}, []int{1, 1}},
		{[]int{1, 5}, []int{1, 6}},
		{[]int{1, 1, 1}, []int{1, 1, 2}},
		{[]int{posMax - 1}, nil},
	}
	for _, tc := range cases {
		pos := posBetween(tc.p, tc.q)
		if tc.p != nil {
			assert.Negative(t, comparePos(tc.p, pos), "p=%v q=%v pos=%v", tc.p, tc.q, pos)
		}
		if tc.q != nil {
			assert.Negative(t, comparePos(pos, tc.q), "p=%v q=%v pos=%v", tc.p, tc.q, pos)
		}
	}
}

func TestPosBetweenRepeatedPrependsStayOrdered(t *testing.T) {
	// Each prepend generates before the previous head; the sequence must
	// stay strictly decreasing however deep it nests.
	head := []int(nil)
	var prev []int
	for i := 0; i < 64; i++ {
		pos := posBetween(nil, head)
		if prev != nil {
			assert.Negative(t, comparePos(pos, prev), "iteration %d", i)
		}
		prev = pos
		head = pos
	}
}

func TestPosBetweenEqualNeighborsExtendsAfterBoth(t *testing.T) {
	// Equal neighbor digits occur when two replicas minted the same position
	// concurrently and sort by replica id. Generating "between" them extends
	// the shared digits and lands after both; the result is approximate but
	// deterministic, and stays strictly inside any enclosing bounds.
	p := []int{3, 7}
	pos := posBetween(p, p)

	assert.Equal(t, []int{3, 7, 1}, pos)
	assert.Positive(t, comparePos(pos, p))
	assert.Negative(t, comparePos(pos, []int{4}))

	// Repeating the case nests deterministically.
	assert.Equal(t, []int{3, 7, 1, 1}, posBetween(pos, pos))
}

func TestComparePosPrefixOrdering(t *testing.T) {
	assert.Negative(t, comparePos([]int{1}, []int{1, 1}))
	assert.Positive(t, comparePos([]int{2}, []int{1, 9}))
	assert.Zero(t, comparePos([]int{1, 2}, []int{1, 2}))
}
