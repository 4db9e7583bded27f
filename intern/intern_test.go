package intern

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioS1 mirrors spec section 8 scenario S1.
func TestScenarioS1(t *testing.T) {
	tab := NewBlobTable()

	x := tab.ToID([]byte{1, 2, 3})
	y := tab.ToID([]byte{3, 2, 1})
	x2 := tab.ToID([]byte{1, 2, 3})

	require.Equal(t, x, x2)
	require.NotEqual(t, x, y)
	require.Equal(t, []byte{1, 2, 3}, tab.FromID(x))
}

// TestPropertyP1 fuzzes adds against a reference map to check
// intern.to_id(a) == intern.to_id(b) iff a == b, and from_id(to_id(x)) == x.
func TestPropertyP1(t *testing.T) {
	tab := NewBlobTable()
	seen := map[string]ID{}

	inputs := [][]byte{
		{},
		{0},
		{1, 2, 3},
		{1, 2, 3, 4},
		{3, 2, 1},
		[]byte("hello"),
		[]byte("hello world, this is a longer string to force growth"),
	}
	// Repeat a few times to exercise the growth path and ensure earlier
	// IDs stay stable.
	for rep := 0; rep < 40; rep++ {
		inputs = append(inputs, []byte{byte(rep), byte(rep + 1), byte(rep * 3)})
	}

	for _, in := range inputs {
		id := tab.ToID(in)
		if prev, ok := seen[string(in)]; ok {
			require.Equal(t, prev, id, "re-interning %q must yield the same ID", in)
		} else {
			seen[string(in)] = id
		}
		require.Equal(t, in, tab.FromID(id))
	}

	// IDs recorded earlier must still resolve correctly after growth.
	for in, id := range seen {
		require.Equal(t, []byte(in), tab.FromID(id))
	}
}

func TestNoIDReuse(t *testing.T) {
	tab := NewBlobTable()
	ids := map[ID]bool{}
	for i := 0; i < 100; i++ {
		id := tab.ToID([]byte{byte(i), byte(i >> 8)})
		require.False(t, ids[id], "id %d reused", id)
		ids[id] = true
	}
}

func TestStringTableUTF8(t *testing.T) {
	st := NewStringTable()
	id := st.ToID("hello, 世界")
	got, err := st.FromID(id)
	require.NoError(t, err)
	require.Equal(t, "hello, 世界", got)
}

func TestCallstackTable(t *testing.T) {
	ct := NewCallstackTable()

	a := ct.ToID([]uint64{0x1000, 0x2000, 0x3000})
	b := ct.ToID([]uint64{0x1000, 0x2000, 0x3000})
	c := ct.ToID([]uint64{0x9999, 0x2000, 0x3000})

	require.Equal(t, a, b)
	require.Equal(t, a.TailSpan, c.TailSpan, "same tail frames should share the interned span")
	require.NotEqual(t, a.IP, c.IP)

	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, ct.FromID(a))
	require.Equal(t, []uint64{0x9999, 0x2000, 0x3000}, ct.FromID(c))
}
