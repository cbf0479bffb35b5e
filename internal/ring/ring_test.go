package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes(n int) []Node {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{Name: fmt.Sprintf("10.0.0.%d:11211", i+1)}
	}
	return nodes
}

func TestLocateDeterministic(t *testing.T) {
	a := New(testNodes(5))
	b := New(testNodes(5))

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		assert.Equal(t, a.Locate(key), b.Locate(key), "key %q", key)
	}
}

func TestLocateSingleNode(t *testing.T) {
	r := New([]Node{{Name: "cache1:11211"}})

	assert.Equal(t, "cache1:11211", r.Locate("anything"))
	assert.Equal(t, []string{"cache1:11211"}, r.LocateN("anything", 3))
	assert.Equal(t, 1, r.Size())
}

func TestLocateEmptyRing(t *testing.T) {
	r := New(nil)
	assert.Empty(t, r.Locate("key"))
	assert.Empty(t, r.LocateN("key", 2))
}

func TestLocateNDistinctPreferenceOrder(t *testing.T) {
	r := New(testNodes(4))

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		got := r.LocateN(key, 3)
		require.Len(t, got, 3)
		assert.Equal(t, r.Locate(key), got[0], "primary must come first")

		seen := make(map[string]struct{})
		for _, node := range got {
			_, dup := seen[node]
			assert.False(t, dup, "duplicate node %q for key %q", node, key)
			seen[node] = struct{}{}
		}
	}
}

func TestLocateNCappedByRingSize(t *testing.T) {
	r := New(testNodes(2))
	got := r.LocateN("some-key", 5)
	assert.Len(t, got, 2)
}

func TestWeightSkewsDistribution(t *testing.T) {
	r := New([]Node{
		{Name: "heavy:11211", Weight: 4},
		{Name: "light:11211", Weight: 1},
	})

	counts := map[string]int{}
	for i := 0; i < 5000; i++ {
		counts[r.Locate(fmt.Sprintf("key-%d", i))]++
	}
	assert.Greater(t, counts["heavy:11211"], counts["light:11211"])
}

func TestBoundedRemapping(t *testing.T) {
	// Adding one node to a ring of 8 should move roughly 1/9 of the keys,
	// not all of them.
	before := New(testNodes(8))
	after := New(testNodes(9))

	const total = 10000
	moved := 0
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("key-%d", i)
		if before.Locate(key) != after.Locate(key) {
			moved++
		}
	}
	assert.Less(t, moved, total/3, "membership change remapped %d of %d keys", moved, total)
	assert.Greater(t, moved, 0)
}

func TestNodesOrder(t *testing.T) {
	nodes := testNodes(3)
	r := New(nodes)
	want := []string{nodes[0].Name, nodes[1].Name, nodes[2].Name}
	assert.Equal(t, want, r.Nodes())
}
