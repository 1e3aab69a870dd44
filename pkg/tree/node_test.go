package tree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) (root, b, c, d *Node) {
	t.Helper()
	root = mustNode(t, "root")
	b = mustNode(t, "b")
	c = mustNode(t, "c")
	d = mustNode(t, "d")
	require.NoError(t, root.AddChild(b))
	require.NoError(t, root.AddChild(c))
	require.NoError(t, b.AddChild(d))
	return
}

func mustNode(t *testing.T, id string) *Node {
	t.Helper()
	n, err := New(id)
	require.NoError(t, err)
	return n
}

func TestNewGeneratesID(t *testing.T) {
	n, err := New("")
	require.NoError(t, err)
	require.NotEmpty(t, n.ID())

	_, err = New("   ")
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestAddChildLinksBothWays(t *testing.T) {
	root, b, _, _ := buildTree(t)

	require.Equal(t, root, b.Parent())
	require.True(t, root.HasChild("b"))
	require.Equal(t, 2, root.ChildCount())
	require.True(t, root.IsRoot())
	require.False(t, b.IsRoot())
	require.True(t, b.Parent().IsRoot())
}

func TestAddChildRejectsCycles(t *testing.T) {
	root, b, _, d := buildTree(t)

	require.ErrorIs(t, root.AddChild(root), ErrCircularReference)
	require.ErrorIs(t, d.AddChild(root), ErrCircularReference)
	require.ErrorIs(t, root.AddChild(nil), ErrInvalidNode)

	// d already has a parent
	other := mustNode(t, "other")
	require.ErrorIs(t, other.AddChild(d), ErrInvalidNode)
	_ = b
}

func TestRemoveChild(t *testing.T) {
	root, b, _, d := buildTree(t)

	removed, ok := root.RemoveChild("b")
	require.True(t, ok)
	require.Equal(t, b, removed)
	require.Nil(t, b.Parent())
	require.False(t, root.HasChild("b"))

	// d stays attached to b
	require.Equal(t, b, d.Parent())

	_, ok = root.RemoveChild("missing")
	require.False(t, ok)
}

func TestChildrenInsertionOrder(t *testing.T) {
	root := mustNode(t, "root")
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, root.AddChild(mustNode(t, id)))
	}
	var ids []string
	for _, c := range root.Children() {
		ids = append(ids, c.ID())
	}
	require.Equal(t, []string{"x", "y", "z"}, ids)
}

func TestDepthAndAncestors(t *testing.T) {
	root, b, _, d := buildTree(t)

	require.Equal(t, 0, root.Depth())
	require.Equal(t, 1, b.Depth())
	require.Equal(t, 2, d.Depth())

	anc := d.Ancestors()
	require.Len(t, anc, 2)
	require.Equal(t, b, anc[0])
	require.Equal(t, root, anc[1])
}

func TestDescendantsAndFind(t *testing.T) {
	root, b, c, d := buildTree(t)

	desc := root.Descendants()
	require.Len(t, desc, 3)
	require.Contains(t, desc, b)
	require.Contains(t, desc, c)
	require.Contains(t, desc, d)

	found, ok := root.Find("d")
	require.True(t, ok)
	require.Equal(t, d, found)

	found, ok = root.Find("root")
	require.True(t, ok)
	require.Equal(t, root, found)

	_, ok = root.Find("nope")
	require.False(t, ok)
	_, ok = c.Find("d")
	require.False(t, ok)
}

func TestWalkVisitsAll(t *testing.T) {
	root, _, _, _ := buildTree(t)
	seen := map[string]bool{}
	root.Walk(func(n *Node) bool {
		seen[n.ID()] = true
		return true
	})
	require.Len(t, seen, 4)

	// early stop
	count := 0
	root.Walk(func(*Node) bool {
		count++
		return false
	})
	require.Equal(t, 1, count)
}

func TestNodeData(t *testing.T) {
	n := mustNode(t, "n")
	_, ok := n.GetData("k")
	require.False(t, ok)

	n.SetData("k", 42)
	v, ok := n.GetData("k")
	require.True(t, ok)
	require.Equal(t, 42, v)

	n.RemoveData("k")
	_, ok = n.GetData("k")
	require.False(t, ok)
}

func TestLeafPredicates(t *testing.T) {
	root, b, c, d := buildTree(t)
	require.False(t, root.IsLeaf())
	require.False(t, b.IsLeaf())
	require.True(t, c.IsLeaf())
	require.True(t, d.IsLeaf())
}
