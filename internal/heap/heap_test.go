package heap_test

import "roguevm/internal/heap"

import "testing"

func TestTableOmitsRGNHDRWithoutQuirk(t *testing.T) {
	heaps := heap.Table(false)
	for _, h := range heaps {
		if h.ID == heap.RGNHDR {
			t.Fatal("RGNHDR present without the gating quirk")
		}
	}
	if len(heaps) != 4 {
		t.Fatalf("len(heaps) = %d, want 4", len(heaps))
	}
}

func TestTableIncludesRGNHDRWithQuirk(t *testing.T) {
	heaps := heap.Table(true)
	found := false
	for _, h := range heaps {
		if h.ID == heap.RGNHDR {
			found = true
		}
	}
	if !found {
		t.Fatal("RGNHDR missing with the gating quirk set")
	}
	if len(heaps) != 5 {
		t.Fatalf("len(heaps) = %d, want 5", len(heaps))
	}
}

func TestTableHeapsDoNotOverlap(t *testing.T) {
	heaps := heap.Table(true)
	for i := range heaps {
		for j := range heaps {
			if i == j {
				continue
			}
			a, b := heaps[i], heaps[j]
			if a.Base < b.End() && b.Base < a.End() {
				t.Fatalf("heaps %s and %s overlap", a.ID, b.ID)
			}
		}
	}
}

func TestVisTestHasNoCarveout(t *testing.T) {
	heaps := heap.Table(false)
	for _, h := range heaps {
		if h.ID == heap.VisTest && h.HasCarveout() {
			t.Fatal("VIS_TEST must have no carveout")
		}
	}
}

func TestFindHeapContaining(t *testing.T) {
	heaps := heap.Table(false)
	general := heaps[0]

	h, ok := heap.FindHeapContaining(heaps, general.Base+0x1000, 0x2000)
	if !ok || h.ID != heap.General {
		t.Fatalf("FindHeapContaining inside GENERAL = (%v, %v), want GENERAL", h, ok)
	}

	if _, ok := heap.FindHeapContaining(heaps, general.Base+general.Size-0x10, 0x1000); ok {
		t.Fatal("FindHeapContaining succeeded for a window straddling a heap boundary")
	}

	if _, ok := heap.FindHeapContaining(heaps, 0xFFFF_FFFF_FFFF, 0x1000); ok {
		t.Fatal("FindHeapContaining succeeded for a window outside every heap")
	}
}
