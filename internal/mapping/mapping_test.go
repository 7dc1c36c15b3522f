package mapping_test

import (
	"math/rand"
	"sort"
	"testing"

	"roguevm/internal/mapping"
)

func TestInsertGetRoundTrip(t *testing.T) {
	var tr mapping.Tree[string]
	a := mapping.NewNode(0x1000, 0x1FFF, "a")
	b := mapping.NewNode(0x3000, 0x3FFF, "b")
	tr.Insert(a)
	tr.Insert(b)

	if got := tr.Get(0x1000); got != a {
		t.Fatalf("Get(0x1000) = %v, want a", got)
	}
	if got := tr.Get(0x3000); got != b {
		t.Fatalf("Get(0x3000) = %v, want b", got)
	}
	if got := tr.Get(0x2000); got != nil {
		t.Fatalf("Get(0x2000) = %v, want nil", got)
	}
}

func TestContainsAndFind(t *testing.T) {
	var tr mapping.Tree[string]
	n := mapping.NewNode(0x1000, 0x2FFF, "obj")
	tr.Insert(n)

	if !tr.Contains(0x1800, 0x100) {
		t.Fatal("Contains() = false for a window fully inside the mapping")
	}
	if !tr.Contains(0x0F00, 0x200) {
		t.Fatal("Contains() = false for a window straddling the mapping's start")
	}
	if tr.Contains(0x4000, 0x100) {
		t.Fatal("Contains() = true for a window with no overlap")
	}

	if got := tr.Find(0x1800, 0x100); got != n {
		t.Fatalf("Find() = %v, want n for a fully-contained window", got)
	}
	if got := tr.Find(0x0F00, 0x200); got != nil {
		t.Fatalf("Find() = %v, want nil for a straddling (not fully contained) window", got)
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	var tr mapping.Tree[string]
	a := mapping.NewNode(0x1000, 0x1FFF, "a")
	tr.Insert(a)
	tr.Remove(a)

	if tr.Get(0x1000) != nil {
		t.Fatal("node still reachable after Remove")
	}
	if tr.Contains(0x1000, 0x1000) {
		t.Fatal("Contains() = true after Remove")
	}

	// A removed node must be cleanly reinsertable.
	tr.Insert(a)
	if tr.Get(0x1000) != a {
		t.Fatal("node not reachable after reinsertion")
	}
}

func TestIterFirstAndNextAscendingOrder(t *testing.T) {
	var tr mapping.Tree[int]
	starts := []uint64{0x5000, 0x1000, 0x3000, 0x9000, 0x7000}
	for i, s := range starts {
		tr.Insert(mapping.NewNode(s, s+0xFFF, i))
	}

	var seen []uint64
	for n := tr.IterFirst(0, 0x1_0000); n != nil; n = tr.IterNext(n, 0, 0x1_0000) {
		seen = append(seen, n.Start)
	}

	want := append([]uint64(nil), starts...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(seen) != len(want) {
		t.Fatalf("visited %d nodes, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d] = %#x, want %#x (order: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestIterFirstNarrowWindowSkipsNonOverlapping(t *testing.T) {
	var tr mapping.Tree[int]
	tr.Insert(mapping.NewNode(0x1000, 0x1FFF, 1))
	tr.Insert(mapping.NewNode(0x5000, 0x5FFF, 2))
	tr.Insert(mapping.NewNode(0x9000, 0x9FFF, 3))

	n := tr.IterFirst(0x5000, 0x1000)
	if n == nil || n.Start != 0x5000 {
		t.Fatalf("IterFirst(0x5000, 0x1000) = %v, want the middle node", n)
	}
	if next := tr.IterNext(n, 0x5000, 0x1000); next != nil {
		t.Fatalf("IterNext after the only match = %v, want nil", next)
	}
}

func TestOverlapInvariantStress(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var tr mapping.Tree[int]
	var live []*mapping.Node[int]

	const stride = 0x1000
	occupied := make(map[uint64]bool)

	tryInsert := func() {
		slot := uint64(rng.Intn(200)) * stride
		if occupied[slot] {
			return
		}
		n := mapping.NewNode(slot, slot+stride-1, len(live))
		if tr.Contains(n.Start, stride) {
			t.Fatalf("Contains() reported overlap for a slot tracked as free: %#x", slot)
		}
		tr.Insert(n)
		live = append(live, n)
		occupied[slot] = true
	}

	tryRemove := func() {
		if len(live) == 0 {
			return
		}
		i := rng.Intn(len(live))
		n := live[i]
		tr.Remove(n)
		delete(occupied, n.Start)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
	}

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			tryInsert()
		} else {
			tryRemove()
		}
	}

	for _, n := range live {
		if tr.Get(n.Start) != n {
			t.Fatalf("Get(%#x) did not return the live node after stress", n.Start)
		}
	}

	var prevStart uint64
	count := 0
	for n := tr.IterFirst(0, uint64(200)*stride); n != nil; n = tr.IterNext(n, 0, uint64(200)*stride) {
		if count > 0 && n.Start <= prevStart {
			t.Fatalf("IterNext produced non-ascending Start: prev=%#x cur=%#x", prevStart, n.Start)
		}
		prevStart = n.Start
		count++
	}
	if count != len(live) {
		t.Fatalf("iteration visited %d nodes, want %d live nodes", count, len(live))
	}
}
