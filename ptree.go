package mls

// ptree is an immutable left-balanced binary tree addressed by leaf number.
// Every mutation returns a new tree; nodes that are not on the modified path
// are shared with the original.  Internal positions are numbered with the
// same flat index calculus as tree-math.go, so a ptree of N leaves has
// exactly nodeWidth(N) positions.
type ptree[T any] struct {
	size leafCount
	root *pnode[T]
}

type pnode[T any] struct {
	value       T
	left, right *pnode[T]
}

type pstep[T any] struct {
	node  *pnode[T]
	index nodeIndex
}

// Number of leaves in the left subtree of a subtree with cnt > 1 leaves
func splitPoint(cnt leafCount) leafCount {
	k := leafCount(1)
	for k<<1 < cnt {
		k <<= 1
	}
	return k
}

// Flat index of the subtree covering leaves [lo, lo+cnt)
func subtreeIndex(lo leafIndex, cnt leafCount) nodeIndex {
	if cnt == 1 {
		return toNodeIndex(lo)
	}

	k := splitPoint(cnt)
	return nodeIndex(2*uint32(lo) + 2*uint32(k) - 1)
}

func buildPNode[T any](leaves []T, fill T) *pnode[T] {
	if len(leaves) == 1 {
		return &pnode[T]{value: leaves[0]}
	}

	k := splitPoint(leafCount(len(leaves)))
	return &pnode[T]{
		value: fill,
		left:  buildPNode(leaves[:k], fill),
		right: buildPNode(leaves[k:], fill),
	}
}

func newPTree[T any](leaves []T, fill T) ptree[T] {
	if len(leaves) == 0 {
		return ptree[T]{}
	}

	return ptree[T]{
		size: leafCount(len(leaves)),
		root: buildPNode(leaves, fill),
	}
}

// newPTreeFromNodes builds a tree from values listed in flat index order
func newPTreeFromNodes[T any](nodes []T) (ptree[T], bool) {
	if len(nodes) == 0 {
		return ptree[T]{}, true
	}

	if len(nodes)%2 != 1 {
		return ptree[T]{}, false
	}

	size := leafWidth(nodeCount(len(nodes)))
	var build func(lo leafIndex, cnt leafCount) *pnode[T]
	build = func(lo leafIndex, cnt leafCount) *pnode[T] {
		n := &pnode[T]{value: nodes[subtreeIndex(lo, cnt)]}
		if cnt > 1 {
			k := splitPoint(cnt)
			n.left = build(lo, k)
			n.right = build(lo+leafIndex(k), cnt-k)
		}
		return n
	}

	return ptree[T]{size: size, root: build(0, size)}, true
}

func (t ptree[T]) Size() leafCount {
	return t.size
}

// walk returns the nodes from the root down to the target index, or nil if
// the index is outside the tree
func (t ptree[T]) walk(target nodeIndex) []pstep[T] {
	if t.root == nil || nodeCount(target) >= nodeWidth(t.size) {
		return nil
	}

	steps := []pstep[T]{}
	curr := t.root
	lo, cnt := leafIndex(0), t.size
	for {
		idx := subtreeIndex(lo, cnt)
		steps = append(steps, pstep[T]{node: curr, index: idx})
		if idx == target {
			return steps
		}

		if cnt == 1 {
			return nil
		}

		k := splitPoint(cnt)
		if target < idx {
			curr = curr.left
			cnt = k
		} else {
			curr = curr.right
			lo += leafIndex(k)
			cnt -= k
		}
	}
}

func (t ptree[T]) Node(n nodeIndex) (T, bool) {
	var zero T
	steps := t.walk(n)
	if steps == nil {
		return zero, false
	}

	return steps[len(steps)-1].node.value, true
}

func (t ptree[T]) Leaf(i leafIndex) (T, bool) {
	return t.Node(toNodeIndex(i))
}

// PathToLeaf returns the values from the root down to leaf i
func (t ptree[T]) PathToLeaf(i leafIndex) []T {
	steps := t.walk(toNodeIndex(i))
	out := make([]T, len(steps))
	for j, s := range steps {
		out[j] = s.node.value
	}
	return out
}

// Copath returns the values hanging off the path to leaf i, ordered from
// the leaf's sibling up to the child of the root, like copath()
func (t ptree[T]) Copath(i leafIndex) []T {
	steps := t.walk(toNodeIndex(i))
	if len(steps) < 2 {
		return []T{}
	}

	out := make([]T, 0, len(steps)-1)
	for j := len(steps) - 2; j >= 0; j-- {
		s := steps[j]
		if steps[j+1].index < s.index {
			out = append(out, s.node.right.value)
		} else {
			out = append(out, s.node.left.value)
		}
	}
	return out
}

func (t ptree[T]) rebuild(steps []pstep[T], values []T) ptree[T] {
	var child *pnode[T]
	for j := len(steps) - 1; j >= 0; j-- {
		old := steps[j].node
		n := &pnode[T]{value: values[j], left: old.left, right: old.right}
		if child != nil {
			if steps[j+1].index < steps[j].index {
				n.left = child
			} else {
				n.right = child
			}
		}
		child = n
	}

	return ptree[T]{size: t.size, root: child}
}

// ReplacePathToLeaf returns a tree in which the path from the root to leaf i
// holds the given values, listed root first
func (t ptree[T]) ReplacePathToLeaf(i leafIndex, values []T) (ptree[T], bool) {
	steps := t.walk(toNodeIndex(i))
	if steps == nil || len(steps) != len(values) {
		return t, false
	}

	return t.rebuild(steps, values), true
}

func (t ptree[T]) ReplaceNode(n nodeIndex, value T) (ptree[T], bool) {
	steps := t.walk(n)
	if steps == nil {
		return t, false
	}

	values := make([]T, len(steps))
	for j, s := range steps {
		values[j] = s.node.value
	}
	values[len(values)-1] = value

	return t.rebuild(steps, values), true
}

func appendPNode[T any](n *pnode[T], cnt leafCount, leaf, fill T) *pnode[T] {
	// A complete subtree gets a new root above it
	if cnt&(cnt-1) == 0 {
		return &pnode[T]{value: fill, left: n, right: &pnode[T]{value: leaf}}
	}

	k := splitPoint(cnt)
	return &pnode[T]{
		value: n.value,
		left:  n.left,
		right: appendPNode(n.right, cnt-k, leaf, fill),
	}
}

// AddNode appends one leaf.  Internal positions created by the growth hold
// the fill value.
func (t ptree[T]) AddNode(leaf, fill T) ptree[T] {
	if t.root == nil {
		return ptree[T]{size: 1, root: &pnode[T]{value: leaf}}
	}

	return ptree[T]{
		size: t.size + 1,
		root: appendPNode(t.root, t.size, leaf, fill),
	}
}

// Nodes lists every value in flat index order
func (t ptree[T]) Nodes() []T {
	out := make([]T, 0, nodeWidth(t.size))
	var visit func(n *pnode[T])
	visit = func(n *pnode[T]) {
		if n == nil {
			return
		}
		visit(n.left)
		out = append(out, n.value)
		visit(n.right)
	}
	visit(t.root)
	return out
}
