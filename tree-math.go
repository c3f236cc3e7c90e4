package mls

// Trees are stored flat.  Leaf n lives at node 2n and parents sit at the odd
// indices between their children, so an 11-leaf tree looks like this:
//
//                                              X
//                      X
//          X                       X                       X
//    X           X           X           X           X
// X     X     X     X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f 10 11 12 13 14
//
// A node's level is the number of trailing one bits in its index, and the
// children of 01x are 00x and 10x.  Everything below works from an index and
// the leaf count alone; nothing else in the package does its own arithmetic
// on node indices.

type leafIndex uint32
type leafCount uint32
type nodeIndex uint32
type nodeCount uint32

func toNodeIndex(leaf leafIndex) nodeIndex {
	return nodeIndex(2 * leaf)
}

func toLeafIndex(node nodeIndex) leafIndex {
	if node&0x01 != 0 {
		panic("toLeafIndex on non-leaf index")
	}

	return leafIndex(node) >> 1
}

// Position of the most significant 1 bit
func log2(x nodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x nodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes for a tree of size N
func nodeWidth(n leafCount) nodeCount {
	if n == 0 {
		return 0
	}

	return nodeCount(2*(n-1) + 1)
}

// Number of leaves in a tree of W nodes
func leafWidth(w nodeCount) leafCount {
	if w == 0 {
		return 0
	}

	return leafCount((w-1)/2 + 1)
}

// Index of the root of the tree with N leaves
func root(n leafCount) nodeIndex {
	w := nodeWidth(n)
	return nodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x nodeIndex) nodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x
func right(x nodeIndex, n leafCount) nodeIndex {
	if level(x) == 0 {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent of x; may not exist in tree
func parentStep(x nodeIndex) nodeIndex {
	// xy01 -> x011
	k := level(x)
	one := uint(1)
	return nodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x; the root's parent is itself
func parent(x nodeIndex, n leafCount) nodeIndex {
	if x == root(n) {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x; the root's sibling is itself
func sibling(x nodeIndex, n leafCount) nodeIndex {
	p := parent(x, n)
	switch {
	case x < p:
		return right(p, n)
	case x > p:
		return left(p)
	}

	return p
}

// Direct path of x, ordered from the parent of x up to and including the root
func dirpath(x nodeIndex, n leafCount) []nodeIndex {
	d := []nodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for {
		d = append(d, p)
		if p == r {
			break
		}
		p = parent(p, n)
	}
	return d
}

// Copath of x, ordered from the sibling of x up to the child of the root.
// copath(x)[i] is the child of dirpath(x)[i] that is not on the path.
func copath(x nodeIndex, n leafCount) []nodeIndex {
	d := dirpath(x, n)
	if len(d) == 0 {
		return []nodeIndex{}
	}

	// Replace the root with x, then shift so every entry is a path node
	path := append([]nodeIndex{x}, d[:len(d)-1]...)
	c := make([]nodeIndex, len(path))
	for i, y := range path {
		c[i] = sibling(y, n)
	}

	return c
}

// Lowest common ancestor of two leaves
func ancestor(l, r leafIndex) nodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k += 1
	}

	prefix := uint32(ln) << k
	stop := uint32(1) << (k - 1)
	return nodeIndex(prefix + (stop - 1))
}

// Number of leaves under a node
func subtreeSize(x nodeIndex, n leafCount) leafCount {
	w := nodeIndex(nodeWidth(n))
	lr := nodeIndex((1 << level(x)) - 1)
	rr := lr
	if x+rr >= w {
		rr = w - x - 1
	}

	return leafCount((lr+rr)/2 + 1)
}

// inSubtree reports whether leaf l lies underneath node x
func inSubtree(l leafIndex, x nodeIndex) bool {
	k := level(x)
	lo := uint32(x) - (uint32(1) << k) + 1
	hi := uint32(x) + (uint32(1) << k) - 1
	ln := uint32(toNodeIndex(l))
	return lo <= ln && ln <= hi
}
