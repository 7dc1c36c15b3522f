// Package bkpage implements the Backing Page: one host-page-sized
// allocation that is simultaneously addressable by the CPU (for table
// and buffer contents) and by the GPU's MMU (for the raw device-virtual
// address fields packed by internal/pte). There is no real IOMMU to
// notify in this environment, so the host/device duality is simulated:
// the CPU side is a real anonymous mmap, and the device side is an
// address handed out from a bounded 40-bit DMA address space by an
// Allocator, exactly as a driver would receive one from dma_map_single.
package bkpage

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"roguevm/internal/pte"
)

// block is one free or used span of the simulated DMA address space.
type block struct {
	addr uint64
	size uint64
}

// Allocator hands out page-granular addresses within the GPU's 40-bit
// device address space, first-fit over a free list, the way
// usbarmory-tamago's dma.Region does for its bare-metal DMA region — but
// over a simulated address range rather than real physical memory, and
// page-granular rather than byte/word-aligned.
type Allocator struct {
	mu sync.Mutex

	start uint64
	size  uint64

	freeBlocks *list.List
	used       map[uint64]uint64 // addr -> size
}

// NewAllocator creates an Allocator covering [start, start+size) of the
// device address space. size must be a multiple of pte.HostPageSize.
// Address 0 is never handed out, since a zero DMA address marks a Page
// that is not initialised: a start of 0 is moved up by one host page,
// keeping the same number of pages.
func NewAllocator(start, size uint64) (*Allocator, error) {
	if size == 0 || size%pte.HostPageSize != 0 {
		return nil, fmt.Errorf("bkpage: allocator size %d is not a multiple of the host page size", size)
	}
	if start%pte.HostPageSize != 0 {
		return nil, fmt.Errorf("bkpage: allocator start %#x is not page-aligned", start)
	}
	if start == 0 {
		start = pte.HostPageSize
	}
	a := &Allocator{
		start:      start,
		size:       size,
		freeBlocks: list.New(),
		used:       make(map[uint64]uint64),
	}
	a.freeBlocks.PushFront(&block{addr: start, size: size})
	return a, nil
}

// Alloc returns one host-page-sized device address from the allocator's
// range, first-fit over the free list.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for e := a.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.size < pte.HostPageSize {
			continue
		}
		addr := b.addr
		if b.size == pte.HostPageSize {
			a.freeBlocks.Remove(e)
		} else {
			b.addr += pte.HostPageSize
			b.size -= pte.HostPageSize
		}
		a.used[addr] = pte.HostPageSize
		return addr, nil
	}
	return 0, fmt.Errorf("bkpage: device address space exhausted")
}

// Free returns a previously allocated address to the free list. It does
// not coalesce adjacent blocks; the allocator's lifetime per test or
// per-device run is short enough that fragmentation is not a concern
// this package needs to solve.
func (a *Allocator) Free(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.used[addr]
	if !ok {
		return
	}
	delete(a.used, addr)
	a.freeBlocks.PushBack(&block{addr: addr, size: size})
}

// Page is one Backing Page: a host-page-sized allocation mapped into
// both the CPU's address space and the device's DMA address space.
type Page struct {
	alloc   *Allocator
	host    []byte
	dmaAddr uint64
}

// Init allocates and maps a new Backing Page from alloc. The returned
// page's host memory is zero-filled, matching a fresh anonymous mmap.
func Init(alloc *Allocator) (*Page, error) {
	dmaAddr, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("bkpage: init: %w", err)
	}
	host, err := unix.Mmap(-1, 0, pte.HostPageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		alloc.Free(dmaAddr)
		return nil, fmt.Errorf("bkpage: init: mmap: %w", err)
	}
	return &Page{alloc: alloc, host: host, dmaAddr: dmaAddr}, nil
}

// Host returns the CPU-addressable contents of the page.
func (p *Page) Host() []byte { return p.host }

// DMAAddr returns the device-virtual address this page is mapped at for
// DMA purposes — the address that belongs in a parent page-table
// entry's base-address field.
func (p *Page) DMAAddr() uint64 { return p.dmaAddr }

// Sync flushes CPU-side writes so the device observes them. A real
// driver would issue a cache-maintenance instruction or go through an
// IOMMU; msync is the nearest POSIX analogue available without one.
func (p *Page) Sync() error {
	if p.host == nil {
		return fmt.Errorf("bkpage: sync: page already finalized")
	}
	if err := unix.Msync(p.host, unix.MS_SYNC); err != nil {
		return fmt.Errorf("bkpage: sync: %w", err)
	}
	return nil
}

// Fini unmaps the page and releases its device address. It is
// idempotent: calling Fini on an already-finalized page is a no-op.
func (p *Page) Fini() error {
	if p.host == nil {
		return nil
	}
	err := unix.Munmap(p.host)
	p.alloc.Free(p.dmaAddr)
	p.host = nil
	p.dmaAddr = 0
	if err != nil {
		return fmt.Errorf("bkpage: fini: munmap: %w", err)
	}
	return nil
}
