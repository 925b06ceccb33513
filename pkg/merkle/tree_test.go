package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootDeterministic(t *testing.T) {
	sections := []string{"recitals", "terms", "payment"}
	assert.Equal(t, Root(sections), Root(sections))
}

func TestRootSensitiveToContent(t *testing.T) {
	a := Root([]string{"recitals", "terms"})
	b := Root([]string{"recitals", "terms amended"})
	assert.NotEqual(t, a, b)
}

func TestRootSensitiveToOrder(t *testing.T) {
	a := Root([]string{"one", "two"})
	b := Root([]string{"two", "one"})
	assert.NotEqual(t, a, b)
}

func TestEmptyTreeHasRoot(t *testing.T) {
	assert.Len(t, Root(nil), 64)
}

func TestOddLeafCountDuplicatesLast(t *testing.T) {
	tree := Build([]string{"a", "b", "c"})
	assert.Len(t, tree.LeafHashes, 3)
	assert.Len(t, tree.Root, 64)
}

func TestSingleLeaf(t *testing.T) {
	tree := Build([]string{"only"})
	assert.Equal(t, tree.LeafHashes[0], tree.Root)
}

func TestLeafIndexBindingBeyond255(t *testing.T) {
	sections := make([]string, 300)
	for i := range sections {
		sections[i] = "clause"
	}
	tree := Build(sections)

	// Identical content at different indexes hashes differently, even past
	// the one-byte range.
	seen := make(map[string]int, len(tree.LeafHashes))
	for i, leaf := range tree.LeafHashes {
		if prev, dup := seen[leaf]; dup {
			t.Fatalf("leaf %d collides with leaf %d", i, prev)
		}
		seen[leaf] = i
	}
}
