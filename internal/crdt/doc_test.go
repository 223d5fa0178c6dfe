package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

// collect buffers the encoded op batches a doc produces, for manual exchange
// between replicas in tests.
func collect(d *Doc) *[][]byte {
	var batches [][]byte
	d.OnUpdate(func(update []byte) {
		batches = append(batches, update)
	})
	return &batches
}

func deliver(t *testing.T, to *Doc, batches *[][]byte) {
	t.Helper()
	for _, b := range *batches {
		require.NoError(t, to.ApplyUpdate(b))
	}
	*batches = nil
}

func assertConverged(t *testing.T, a, b *Doc) {
	t.Helper()
	assert.JSONEq(t, string(a.EncodeState()), string(b.EncodeState()))
}

func TestMapSetValueConcurrentWritesConverge(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		a.Map("root").SetValue("color", raw(`"red"`))
	})
	b.Transact(OriginLocal, func() {
		b.Map("root").SetValue("color", raw(`"blue"`))
	})

	deliver(t, b, fromA)
	deliver(t, a, fromB)
	assertConverged(t, a, b)

	// Equal clocks: the higher replica id wins on both sides.
	a.ReadTransact(func() {
		v, ok := a.Map("root").Get("color")
		require.True(t, ok)
		assert.Equal(t, `"blue"`, string(v.(json.RawMessage)))
	})
}

func TestMapDeleteBeatsOlderSet(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		a.Map("root").SetValue("k", raw(`1`))
	})
	deliver(t, b, fromA)

	b.Transact(OriginLocal, func() {
		b.Map("root").Delete("k")
	})
	deliver(t, a, fromB)

	a.ReadTransact(func() {
		_, ok := a.Map("root").Get("k")
		assert.False(t, ok)
	})
	assertConverged(t, a, b)
}

func TestMapDeleteTombstoneBlocksSlowerSet(t *testing.T) {
	a := NewDoc("a")

	// A delete op from the future arrives before any set for the key.
	del := encodeOps([]op{{Kind: opDelKey, Root: "root", Key: "k", ID: ID{Clock: 9, Replica: "z"}}})
	require.NoError(t, a.ApplyUpdate(del))

	set := encodeOps([]op{{Kind: opSetValue, Root: "root", Key: "k", ID: ID{Clock: 3, Replica: "z"}, Value: raw(`1`)}})
	require.NoError(t, a.ApplyUpdate(set))

	a.ReadTransact(func() {
		_, ok := a.Map("root").Get("k")
		assert.False(t, ok)
	})
}

func TestEnsureMapConcurrentCreationsMerge(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		a.Map("root").EnsureMap("canvas").SetValue("x", raw(`1`))
	})
	b.Transact(OriginLocal, func() {
		b.Map("root").EnsureMap("canvas").SetValue("y", raw(`2`))
	})

	deliver(t, b, fromA)
	deliver(t, a, fromB)
	assertConverged(t, a, b)

	a.ReadTransact(func() {
		child, ok := a.Map("root").Get("canvas")
		require.True(t, ok)
		m := child.(*Map)
		assert.ElementsMatch(t, []string{"x", "y"}, m.Keys())
	})
}

func TestSetListConcurrentReplacementOneWins(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)
	fromB := collect(b)

	a.Transact(OriginLocal, func() {
		a.Map("root").SetList("entry").Push(raw(`"from-a"`))
	})
	b.Transact(OriginLocal, func() {
		b.Map("root").SetList("entry").Push(raw(`"from-b"`))
	})

	deliver(t, b, fromA)
	deliver(t, a, fromB)
	assertConverged(t, a, b)

	// The winning entry survives whole; the loser's elements do not leak in.
	a.ReadTransact(func() {
		v, ok := a.Map("root").Get("entry")
		require.True(t, ok)
		list := v.(*List)
		require.Equal(t, 1, list.Len())
		got, _ := list.Get(0)
		assert.Equal(t, `"from-b"`, string(got))
	})
}

func TestOutOfOrderBatchesResolveViaDeferral(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)

	a.Transact(OriginLocal, func() {
		a.Map("root").EnsureMap("canvas").SetList("ann")
	})
	a.Transact(OriginLocal, func() {
		canvas, _ := a.Map("root").Get("canvas")
		entry, _ := canvas.(*Map).Get("ann")
		entry.(*List).Push(raw(`"hello"`))
	})

	batches := *fromA
	require.Len(t, batches, 2)

	// Deliver the element insert before the container exists.
	require.NoError(t, b.ApplyUpdate(batches[1]))
	b.ReadTransact(func() {
		_, ok := b.Map("root").Get("canvas")
		assert.False(t, ok)
	})

	require.NoError(t, b.ApplyUpdate(batches[0]))
	b.ReadTransact(func() {
		canvas, ok := b.Map("root").Get("canvas")
		require.True(t, ok)
		entry, ok := canvas.(*Map).Get("ann")
		require.True(t, ok)
		got, ok := entry.(*List).Get(0)
		require.True(t, ok)
		assert.Equal(t, `"hello"`, string(got))
	})
	assertConverged(t, a, b)
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)

	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`1`))
		list.Push(raw(`2`))
	})

	batch := (*fromA)[0]
	require.NoError(t, b.ApplyUpdate(batch))
	require.NoError(t, b.ApplyUpdate(batch))

	b.ReadTransact(func() {
		v, _ := b.Map("root").Get("entry")
		assert.Equal(t, 2, v.(*List).Len())
	})
	assertConverged(t, a, b)
}

func TestObserveDeepLocalFlagAndUnsubscribe(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)

	var local, remote []Event
	a.ObserveDeep(func(events []Event) {
		local = append(local, events...)
	})
	unsub := b.ObserveDeep(func(events []Event) {
		remote = append(remote, events...)
	})

	a.Transact(OriginLocal, func() {
		a.Map("root").SetValue("k", raw(`1`))
	})
	deliver(t, b, fromA)

	require.Len(t, local, 1)
	assert.True(t, local[0].Local)
	assert.Equal(t, "root", local[0].Root)
	assert.Equal(t, "k", local[0].Key)
	assert.Equal(t, ActionAdd, local[0].Action)

	require.Len(t, remote, 1)
	assert.False(t, remote[0].Local)

	unsub()
	a.Transact(OriginLocal, func() {
		a.Map("root").SetValue("k", raw(`2`))
	})
	deliver(t, b, fromA)
	assert.Len(t, remote, 1)
}

func TestRemoteOriginTransactionProducesNoUpdate(t *testing.T) {
	a := NewDoc("a")
	fromA := collect(a)

	a.Transact(OriginRemote, func() {
		a.Map("root").SetValue("k", raw(`1`))
	})
	assert.Empty(t, *fromA)
}

func TestMutationOutsideTransactionPanics(t *testing.T) {
	a := NewDoc("a")
	var root *Map
	a.Transact(OriginLocal, func() {
		root = a.Map("root")
	})
	assert.PanicsWithError(t, errNoTransaction.Error(), func() {
		root.SetValue("k", raw(`1`))
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		canvas := a.Map("root").EnsureMap("canvas")
		list := canvas.SetList("ann")
		list.Push(raw(`"target"`))
		list.Push(raw(`"body"`))
		list.Delete(1)
		canvas.SetValue("deleted-later", raw(`1`))
		canvas.Delete("deleted-later")
	})

	b := NewDoc("b")
	require.NoError(t, b.ApplyState(a.EncodeState()))
	assertConverged(t, a, b)

	b.ReadTransact(func() {
		canvas, ok := b.Map("root").Get("canvas")
		require.True(t, ok)
		m := canvas.(*Map)
		assert.Equal(t, []string{"ann"}, m.Keys())
		entry, _ := m.Get("ann")
		list := entry.(*List)
		require.Equal(t, 1, list.Len())
		got, _ := list.Get(0)
		assert.Equal(t, `"target"`, string(got))
	})
}

func TestSnapshotMergeIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	a.Transact(OriginLocal, func() {
		a.Map("root").SetList("entry").Push(raw(`1`))
	})
	snapshot := a.EncodeState()

	b := NewDoc("b")
	require.NoError(t, b.ApplyState(snapshot))

	var events []Event
	b.ObserveDeep(func(evs []Event) {
		events = append(events, evs...)
	})
	require.NoError(t, b.ApplyState(snapshot))
	assert.Empty(t, events)
	assertConverged(t, a, b)
}

func TestSnapshotMergeUnionsDivergentState(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)

	a.Transact(OriginLocal, func() {
		a.Map("root").EnsureMap("canvas").SetList("ann-a").Push(raw(`"a"`))
	})
	deliver(t, b, fromA)

	// Both replicas diverge after the common prefix.
	a.Transact(OriginLocal, func() {
		canvas, _ := a.Map("root").Get("canvas")
		canvas.(*Map).SetList("ann-b").Push(raw(`"b"`))
	})
	b.Transact(OriginLocal, func() {
		canvas, _ := b.Map("root").Get("canvas")
		canvas.(*Map).SetList("ann-c").Push(raw(`"c"`))
	})

	require.NoError(t, a.ApplyState(b.EncodeState()))
	require.NoError(t, b.ApplyState(a.EncodeState()))
	assertConverged(t, a, b)

	a.ReadTransact(func() {
		canvas, _ := a.Map("root").Get("canvas")
		assert.ElementsMatch(t, []string{"ann-a", "ann-b", "ann-c"}, canvas.(*Map).Keys())
	})
}

func TestSnapshotTombstoneWinsOnListUnion(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	fromA := collect(a)

	a.Transact(OriginLocal, func() {
		list := a.Map("root").SetList("entry")
		list.Push(raw(`1`))
		list.Push(raw(`2`))
	})
	deliver(t, b, fromA)

	b.Transact(OriginLocal, func() {
		entry, _ := b.Map("root").Get("entry")
		entry.(*List).Delete(1)
	})

	require.NoError(t, a.ApplyState(b.EncodeState()))

	a.ReadTransact(func() {
		entry, _ := a.Map("root").Get("entry")
		assert.Equal(t, 1, entry.(*List).Len())
	})
}

func TestMalformedSnapshotReturnsError(t *testing.T) {
	a := NewDoc("a")
	err := a.ApplyState([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed snapshot")
}

func TestClockWitnessesRemoteIdentities(t *testing.T) {
	a := NewDoc("a")
	update := encodeOps([]op{{Kind: opSetValue, Root: "root", Key: "k", ID: ID{Clock: 41, Replica: "z"}, Value: raw(`1`)}})
	require.NoError(t, a.ApplyUpdate(update))

	fromA := collect(a)
	a.Transact(OriginLocal, func() {
		a.Map("root").SetValue("k", raw(`2`))
	})

	// The local write must sort after the witnessed remote one.
	a.ReadTransact(func() {
		v, ok := a.Map("root").Get("k")
		require.True(t, ok)
		assert.Equal(t, `2`, string(v.(json.RawMessage)))
	})
	require.Len(t, *fromA, 1)
}
