// Package mapping implements the per-context mapping interval tree: an
// augmented red-black tree of closed device-address intervals
// [start, last] (last is inclusive), built on the "subtree max last" augmentation so that
// overlap queries prune whole subtrees instead of walking every node.
// No pack example implements a red-black tree, so this is written
// directly from the CLRS insert/delete-fixup algorithm (see DESIGN.md)
// rather than adapted from any retrieved file; it still follows the
// teacher's general shape of a parent-linked node with an explicit
// sentinel for "unlinked" (IdxInvalid there, nil parent/pointers here).
package mapping

// Node is one interval [Start, Last] carrying a caller-supplied Value.
// A Node must be inserted into at most one Tree at a time; Remove
// leaves it ready for reinsertion.
type Node[T any] struct {
	Start uint64
	Last  uint64
	Value T

	subtreeLast uint64
	left, right, parent *Node[T]
	red bool
}

// NewNode constructs an unlinked node over [start, last].
func NewNode[T any](start, last uint64, value T) *Node[T] {
	return &Node[T]{Start: start, Last: last, Value: value}
}

// Tree is an augmented red-black tree of non-overlapping intervals,
// ordered by Start.
type Tree[T any] struct {
	root *Node[T]
}

func isRed[T any](n *Node[T]) bool { return n != nil && n.red }

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (n *Node[T]) updateAugment() {
	m := n.Last
	if n.left != nil {
		m = maxU64(m, n.left.subtreeLast)
	}
	if n.right != nil {
		m = maxU64(m, n.right.subtreeLast)
	}
	n.subtreeLast = m
}

func (t *Tree[T]) rotateLeft(x *Node[T]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	x.updateAugment()
	y.updateAugment()
}

func (t *Tree[T]) rotateRight(x *Node[T]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	x.updateAugment()
	y.updateAugment()
}

// Insert links n into the tree. Precondition: n is not currently
// linked into any tree. Unchecked for overlap — callers use Contains
// before Insert if they need that guarantee.
func (t *Tree[T]) Insert(n *Node[T]) {
	n.left, n.right, n.parent = nil, nil, nil
	n.red = true
	n.subtreeLast = n.Last

	var parent *Node[T]
	cur := t.root
	for cur != nil {
		parent = cur
		if n.Start < cur.Start {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	switch {
	case parent == nil:
		t.root = n
	case n.Start < parent.Start:
		parent.left = n
	default:
		parent.right = n
	}
	for p := n.parent; p != nil; p = p.parent {
		p.updateAugment()
	}
	t.insertFixup(n)
}

func (t *Tree[T]) insertFixup(z *Node[T]) {
	for isRed(z.parent) {
		gp := z.parent.parent
		if z.parent == gp.left {
			y := gp.right
			if isRed(y) {
				z.parent.red = false
				y.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.red = false
			gp.red = true
			t.rotateRight(gp)
		} else {
			y := gp.left
			if isRed(y) {
				z.parent.red = false
				y.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.red = false
			gp.red = true
			t.rotateLeft(gp)
		}
	}
	t.root.red = false
}

func (t *Tree[T]) transplant(u, v *Node[T]) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func treeMinimum[T any](n *Node[T]) *Node[T] {
	for n.left != nil {
		n = n.left
	}
	return n
}

func refreshUpward[T any](n *Node[T]) {
	for ; n != nil; n = n.parent {
		n.updateAugment()
	}
}

// Remove unlinks n from the tree. Precondition: n is currently linked
// into this tree.
func (t *Tree[T]) Remove(z *Node[T]) {
	y := z
	yWasRed := y.red
	var x, xParent *Node[T]

	switch {
	case z.left == nil:
		x, xParent = z.right, z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x, xParent = z.left, z.parent
		t.transplant(z, z.left)
	default:
		y = treeMinimum(z.right)
		yWasRed = y.red
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}

	refreshUpward(xParent)

	if !yWasRed {
		t.deleteFixup(x, xParent)
	}

	z.left, z.right, z.parent = nil, nil, nil
	z.red = false
	z.subtreeLast = z.Last
}

func (t *Tree[T]) deleteFixup(x, xParent *Node[T]) {
	for x != t.root && !isRed(x) {
		if x == xParent.left {
			w := xParent.right
			if isRed(w) {
				w.red = false
				xParent.red = true
				t.rotateLeft(xParent)
				w = xParent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = xParent
				xParent = x.parent
				continue
			}
			if !isRed(w.right) {
				if w.left != nil {
					w.left.red = false
				}
				w.red = true
				t.rotateRight(w)
				w = xParent.right
			}
			w.red = xParent.red
			xParent.red = false
			if w.right != nil {
				w.right.red = false
			}
			t.rotateLeft(xParent)
			x = t.root
			xParent = nil
		} else {
			w := xParent.left
			if isRed(w) {
				w.red = false
				xParent.red = true
				t.rotateRight(xParent)
				w = xParent.left
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = xParent
				xParent = x.parent
				continue
			}
			if !isRed(w.left) {
				if w.right != nil {
					w.right.red = false
				}
				w.red = true
				t.rotateLeft(w)
				w = xParent.left
			}
			w.red = xParent.red
			xParent.red = false
			if w.left != nil {
				w.left.red = false
			}
			t.rotateRight(xParent)
			x = t.root
			xParent = nil
		}
	}
	if x != nil {
		x.red = false
	}
}

func treeSuccessor[T any](n *Node[T]) *Node[T] {
	if n.right != nil {
		return treeMinimum(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

func searchFirst[T any](n *Node[T], qstart, qlast uint64) *Node[T] {
	if n == nil || n.subtreeLast < qstart {
		return nil
	}
	if n.left != nil && n.left.subtreeLast >= qstart {
		if found := searchFirst(n.left, qstart, qlast); found != nil {
			return found
		}
	}
	if n.Start > qlast {
		return nil
	}
	if n.Last >= qstart {
		return n
	}
	if n.right != nil && n.right.subtreeLast >= qstart {
		return searchFirst(n.right, qstart, qlast)
	}
	return nil
}

// IterFirst returns the first (smallest Start) node whose interval
// intersects [start, start+size-1], or nil if none does.
func (t *Tree[T]) IterFirst(start, size uint64) *Node[T] {
	if size == 0 {
		return nil
	}
	return searchFirst(t.root, start, start+size-1)
}

// IterNext returns the next node in ascending-Start order, after prev,
// whose interval still intersects [start, start+size-1], or nil.
func (t *Tree[T]) IterNext(prev *Node[T], start, size uint64) *Node[T] {
	if size == 0 {
		return nil
	}
	qlast := start + size - 1
	for n := treeSuccessor(prev); n != nil; n = treeSuccessor(n) {
		if n.Start > qlast {
			return nil
		}
		if n.Last >= start {
			return n
		}
	}
	return nil
}

// Contains reports whether any node intersects [start, start+size-1].
func (t *Tree[T]) Contains(start, size uint64) bool {
	return t.IterFirst(start, size) != nil
}

// Find returns a node whose interval completely contains
// [start, start+size-1], or nil. Since no two nodes in the tree
// intersect, at most one node can overlap the window at all when the
// window is fully contained by a single mapping, so the first
// intersecting node is checked directly rather than searched further.
func (t *Tree[T]) Find(start, size uint64) *Node[T] {
	if size == 0 {
		return nil
	}
	qlast := start + size - 1
	n := searchFirst(t.root, start, qlast)
	if n == nil || n.Start > start || n.Last < qlast {
		return nil
	}
	return n
}

// Get returns the node whose Start exactly equals start, or nil.
func (t *Tree[T]) Get(start uint64) *Node[T] {
	n := t.root
	for n != nil {
		switch {
		case start < n.Start:
			n = n.left
		case start > n.Start:
			n = n.right
		default:
			return n
		}
	}
	return nil
}
