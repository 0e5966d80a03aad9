package bytecode

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableSetGet(t *testing.T) {
	pool := NewPool()
	var table Table

	key := pool.CopyString("answer")
	require.True(t, table.Set(key, IntegerValue(42)))

	v, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, int32(42), v.AsInteger())

	// overwriting is not a new key
	require.False(t, table.Set(key, IntegerValue(7)))
	v, _ = table.Get(key)
	assert.Equal(t, int32(7), v.AsInteger())
}

func TestTableMissingKey(t *testing.T) {
	pool := NewPool()
	var table Table

	_, ok := table.Get(pool.CopyString("nope"))
	assert.False(t, ok)

	table.Set(pool.CopyString("present"), BoolValue(true))
	_, ok = table.Get(pool.CopyString("absent"))
	assert.False(t, ok)
}

// After every set, count stays under the load ceiling and the capacity is
// zero or a power of two.
func TestTableLoadInvariant(t *testing.T) {
	pool := NewPool()
	var table Table

	for i := 0; i < 100; i++ {
		table.Set(pool.CopyString(fmt.Sprintf("key%d", i)), IntegerValue(int32(i)))

		assert.LessOrEqual(t, float64(table.Count()), float64(table.Capacity())*0.75)
		capacity := table.Capacity()
		assert.True(t, capacity == 0 || capacity&(capacity-1) == 0,
			"capacity %d is not a power of two", capacity)
		assert.GreaterOrEqual(t, capacity, 8)
	}

	for i := 0; i < 100; i++ {
		v, ok := table.Get(pool.CopyString(fmt.Sprintf("key%d", i)))
		require.True(t, ok, "key%d missing after growth", i)
		assert.Equal(t, int32(i), v.AsInteger())
	}
}

func TestTableDeleteLeavesTombstone(t *testing.T) {
	pool := NewPool()
	var table Table

	key := pool.CopyString("doomed")
	table.Set(key, IntegerValue(1))
	countBefore := table.Count()

	require.True(t, table.Delete(key))
	_, ok := table.Get(key)
	assert.False(t, ok)
	// tombstones keep the count
	assert.Equal(t, countBefore, table.Count())

	require.False(t, table.Delete(key))

	// re-inserting reuses the tombstone without growing the count
	table.Set(key, IntegerValue(2))
	assert.Equal(t, countBefore, table.Count())
	v, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, int32(2), v.AsInteger())
}

func TestTableDeleteKeepsProbeSequence(t *testing.T) {
	pool := NewPool()
	var table Table

	keys := make([]*StringObject, 20)
	for i := range keys {
		keys[i] = pool.CopyString(fmt.Sprintf("k%d", i))
		table.Set(keys[i], IntegerValue(int32(i)))
	}

	// delete every other key; the rest must stay reachable
	for i := 0; i < len(keys); i += 2 {
		table.Delete(keys[i])
	}
	for i := 1; i < len(keys); i += 2 {
		v, ok := table.Get(keys[i])
		require.True(t, ok, "k%d lost after neighboring deletes", i)
		assert.Equal(t, int32(i), v.AsInteger())
	}
}

// Growth re-probes only live entries, dropping tombstones.
func TestTableGrowthDropsTombstones(t *testing.T) {
	pool := NewPool()
	var table Table

	for i := 0; i < 6; i++ {
		table.Set(pool.CopyString(fmt.Sprintf("t%d", i)), IntegerValue(int32(i)))
	}
	for i := 0; i < 3; i++ {
		table.Delete(pool.CopyString(fmt.Sprintf("t%d", i)))
	}
	count := table.Count() // live plus tombstones

	// force growth
	for i := 6; i < 30; i++ {
		table.Set(pool.CopyString(fmt.Sprintf("t%d", i)), IntegerValue(int32(i)))
	}
	// 3 live from the first batch plus 24 new
	assert.Equal(t, 27, table.Count())
	assert.Less(t, table.Count(), count+24)
}

func TestTableAddAll(t *testing.T) {
	pool := NewPool()
	var from, to Table

	for i := 0; i < 5; i++ {
		from.Set(pool.CopyString(fmt.Sprintf("a%d", i)), IntegerValue(int32(i)))
	}
	from.AddAll(&to)

	for i := 0; i < 5; i++ {
		v, ok := to.Get(pool.CopyString(fmt.Sprintf("a%d", i)))
		require.True(t, ok)
		assert.Equal(t, int32(i), v.AsInteger())
	}
}

func TestTableFindString(t *testing.T) {
	pool := NewPool()

	s := pool.CopyString("needle")
	// distinct buffer, same payload
	chars := "nee" + "dle"
	found := pool.Strings().FindString(chars, hashString(chars))
	assert.Same(t, s, found)

	assert.Nil(t, pool.Strings().FindString("haystack", hashString("haystack")))
}
