package bkpage_test

import (
	"bytes"
	"testing"

	"roguevm/internal/bkpage"
	"roguevm/internal/pte"
)

func TestAllocatorRejectsBadSize(t *testing.T) {
	if _, err := bkpage.NewAllocator(0, pte.HostPageSize+1); err == nil {
		t.Fatal("NewAllocator with non-page-multiple size succeeded, want error")
	}
	if _, err := bkpage.NewAllocator(1, pte.HostPageSize); err == nil {
		t.Fatal("NewAllocator with unaligned start succeeded, want error")
	}
}

func TestAllocatorAllocFreeReuse(t *testing.T) {
	a, err := bkpage.NewAllocator(0, 2*pte.HostPageSize)
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("Alloc returned the same address twice: %#x", first)
	}

	if _, err := a.Alloc(); err == nil {
		t.Fatal("Alloc on exhausted allocator succeeded, want error")
	}

	a.Free(first)
	third, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if third != first {
		t.Errorf("Alloc after Free = %#x, want reused address %#x", third, first)
	}
}

func TestPageInitSyncFini(t *testing.T) {
	a, err := bkpage.NewAllocator(0, pte.HostPageSize)
	if err != nil {
		t.Fatal(err)
	}

	p, err := bkpage.Init(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Host()) != pte.HostPageSize {
		t.Fatalf("len(Host()) = %d, want %d", len(p.Host()), pte.HostPageSize)
	}
	if !bytes.Equal(p.Host(), make([]byte, pte.HostPageSize)) {
		t.Fatal("freshly initialized page is not zero-filled")
	}

	p.Host()[0] = 0xAB
	if err := p.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	dmaAddr := p.DMAAddr()

	if err := p.Fini(); err != nil {
		t.Fatalf("Fini: %v", err)
	}
	if err := p.Fini(); err != nil {
		t.Fatalf("second Fini (should be idempotent): %v", err)
	}

	// The device address is back on the free list.
	reused, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if reused != dmaAddr {
		t.Errorf("Alloc after Fini = %#x, want reused address %#x", reused, dmaAddr)
	}
}
