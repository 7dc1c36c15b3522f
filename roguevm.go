// Package roguevm implements the device virtual-memory subsystem's
// public façade: the VM Context that owns one mirror page-table tree,
// one mapping interval tree, a coarse lock and a refcount, and exposes
// create/destroy, map, partial-map, unmap, reverse-lookup, root-DMA
// query, MMU flush and heap enumeration on top of internal/mirror,
// internal/cursor, internal/sgmap, internal/mapping, internal/heap and
// internal/cmdchan.
package roguevm

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"roguevm/internal/bkpage"
	"roguevm/internal/cmdchan"
	"roguevm/internal/cursor"
	"roguevm/internal/heap"
	"roguevm/internal/mapping"
	"roguevm/internal/mirror"
	"roguevm/internal/pte"
	"roguevm/internal/sgmap"
	"roguevm/internal/vmerr"
	"roguevm/internal/vmlog"
	"roguevm/internal/vmstat"
)

// mmuFlushTimeout bounds how long MMUFlush waits for the command
// channel to acknowledge an invalidate before treating it as a timeout.
// Implementation-defined; the source leaves this to the platform.
const mmuFlushTimeout = 50 * time.Millisecond

// Object is the external collaborator a VM context maps: a GEM buffer
// object. Allocation and scatter-gather construction belong to the host
// OS and are out of scope here; this interface is the whole surface the
// core requires from one.
type Object interface {
	// Size is the object's size in bytes.
	Size() uint64
	// SGT returns the object's backing scatter-gather table.
	SGT() sgmap.SGT
	// Flags returns the leaf attribute bits to copy onto every mapping
	// of this object (slc_bypass, pm_fw_protect and friends).
	Flags() pte.L0Flags
	// Get increments the object's external refcount.
	Get()
	// Put decrements the object's external refcount.
	Put()
}

// FWContext is a firmware-visible memory context handle, exclusively
// owned by one VM context once acquired.
type FWContext interface {
	Release() error
}

// FWContextAcquirer is the collaborator a Device offers to bind a VM
// context's root page table into a firmware memory context.
type FWContextAcquirer interface {
	AcquireFWContext(rootDMAAddr uint64) (FWContext, error)
}

// Device is the external device handle a VM context is created against.
type Device struct {
	// AddrBits is the device's advertised virtual-address-space width;
	// Create rejects a Device whose AddrBits does not match pte.AddrBits.
	AddrBits int
	// Quirk63142 gates the RGNHDR heap (internal/heap).
	Quirk63142 bool
	// Channel is the command channel MMUFlush sends invalidates on. A
	// nil Channel makes MMUFlush a no-op, useful in tests that do not
	// exercise flush semantics.
	Channel *cmdchan.Channel
	// Firmware, if non-nil, is consulted by Create when createFWCtx is
	// requested.
	Firmware FWContextAcquirer
}

// mappingEntry is the Mapping node's payload: the data carried by every
// node of a VM context's mapping interval tree, beyond the interval key
// itself (which mapping.Node already stores as Start/Last).
type mappingEntry struct {
	obj       Object
	objOffset uint64
	flags     pte.L0Flags
}

// VMContext is one client's device virtual-address space: one mirror
// L2 root, one mapping interval tree, a coarse lock serialising every
// mutation, and a strong refcount.
type VMContext struct {
	device *Device
	layout *pte.Layout
	alloc  *bkpage.Allocator

	mu   sync.Mutex
	root *mirror.L2Table

	mappings mapping.Tree[*mappingEntry]

	refcount atomic.Int32
	fwCtx    FWContext

	heaps []heap.Heap
	log   *slog.Logger
	Stats vmstat.Context
}

// Create allocates an L2 root and a mapping tree for device, optionally
// acquiring a firmware memory context. It fails with InvalidArgument if
// device's advertised address-space width does not match ADDR_BITS.
func Create(device *Device, layout *pte.Layout, alloc *bkpage.Allocator, createFWCtx bool) (*VMContext, error) {
	if device.AddrBits != pte.AddrBits {
		return nil, vmerr.New(vmerr.KindInvalidArgument, "create")
	}

	root, err := mirror.NewL2Table(layout, alloc)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindOutOfMemory, "create", err)
	}

	ctx := &VMContext{
		device: device,
		layout: layout,
		alloc:  alloc,
		root:   root,
		heaps:  heap.Table(device.Quirk63142),
		log:    vmlog.Default,
	}
	ctx.refcount.Store(1)

	if createFWCtx && device.Firmware != nil {
		fw, err := device.Firmware.AcquireFWContext(root.DMAAddr())
		if err != nil {
			root.Fini()
			return nil, vmerr.Wrap(vmerr.KindOutOfMemory, "create", err)
		}
		ctx.fwCtx = fw
	}

	vmstat.Global.ContextsCreated.Inc()
	return ctx, nil
}

// Get increments ctx's refcount.
func (ctx *VMContext) Get() { ctx.refcount.Add(1) }

// Put decrements ctx's refcount, tearing ctx down and returning true
// when it reaches zero. A single Get/Put pair on a live context is a
// no-op; calling Put again after destruction is undefined, matching the
// strong-refcount contract every other caller of Get relies on.
func (ctx *VMContext) Put() bool {
	if ctx.refcount.Add(-1) != 0 {
		return false
	}
	ctx.destroy()
	return true
}

// destroy walks and unmaps every remaining mapping (warning for each —
// a live mapping at teardown means a client leaked a reference),
// releases the firmware context if one was acquired, then tears down
// the L2 root. Failures here are logged, never returned: destruction
// must not leave resources pinned.
func (ctx *VMContext) destroy() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	n := ctx.mappings.IterFirst(0, pte.AddrSpaceSize)
	for n != nil {
		next := ctx.mappings.IterNext(n, 0, pte.AddrSpaceSize)
		size := n.Last - n.Start + 1
		ctx.log.Warn("vm context destroyed with mapping still installed", "start", n.Start, "size", size)
		if err := ctx.unmapNodeLocked(n); err != nil {
			ctx.log.Warn("teardown unmap failed", "start", n.Start, "error", err)
		}
		n = next
	}

	if ctx.fwCtx != nil {
		if err := ctx.fwCtx.Release(); err != nil {
			ctx.log.Warn("firmware context release failed", "error", err)
		}
	}

	if err := ctx.root.Fini(); err != nil {
		ctx.log.Warn("root table teardown failed", "error", err)
	}
	vmstat.Global.ContextsDestroyed.Inc()
}

// validateRange checks a device address and size at the public
// boundary: non-zero, device- and host-page aligned, and entirely
// within the device's address space. It must run before the context
// lock is ever taken, so a malformed call never blocks on an unrelated
// in-flight operation.
func (ctx *VMContext) validateRange(deviceAddr, size uint64) error {
	if size == 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "validate_range")
	}
	pageSize := uint64(ctx.layout.PageSize)
	if deviceAddr%pageSize != 0 || size%pageSize != 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "validate_range")
	}
	if deviceAddr%pte.HostPageSize != 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "validate_range")
	}
	if deviceAddr > pte.AddrMask || size > pte.AddrSpaceSize || deviceAddr+size > pte.AddrSpaceSize {
		return vmerr.New(vmerr.KindInvalidArgument, "validate_range")
	}
	return nil
}

// Map installs obj in full at deviceAddr.
func (ctx *VMContext) Map(obj Object, deviceAddr uint64) error {
	size := obj.Size()
	if err := ctx.validateRange(deviceAddr, size); err != nil {
		return err
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mappings.Contains(deviceAddr, size) {
		return vmerr.New(vmerr.KindAlreadyMapped, "map")
	}

	obj.Get()
	c, err := cursor.Init(ctx.layout, ctx.root, deviceAddr, true)
	if err != nil {
		obj.Put()
		return vmerr.Wrap(vmerr.KindOutOfMemory, "map", err)
	}

	flags := obj.Flags()
	if err := sgmap.MapSGT(c, obj.SGT(), flags); err != nil {
		obj.Put()
		ctx.Stats.MapFailures.Inc()
		return err
	}
	if err := c.Fini(); err != nil {
		obj.Put()
		return vmerr.Wrap(vmerr.KindOutOfMemory, "map", err)
	}

	node := mapping.NewNode(deviceAddr, deviceAddr+size-1, &mappingEntry{obj: obj, objOffset: 0, flags: flags})
	ctx.mappings.Insert(node)
	ctx.Stats.Maps.Inc()

	if err := ctx.mmuFlushLocked(); err != nil {
		ctx.log.Warn("mmu flush after map timed out", "error", err)
	}
	return nil
}

// MapPartial installs the window [objOffset, objOffset+size) of obj's
// object space at deviceAddr.
func (ctx *VMContext) MapPartial(obj Object, objOffset, deviceAddr, size uint64) error {
	if err := ctx.validateRange(deviceAddr, size); err != nil {
		return err
	}
	if objOffset > obj.Size() || size > obj.Size()-objOffset {
		return vmerr.New(vmerr.KindInvalidArgument, "map_partial")
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mappings.Contains(deviceAddr, size) {
		return vmerr.New(vmerr.KindAlreadyMapped, "map_partial")
	}

	obj.Get()
	c, err := cursor.Init(ctx.layout, ctx.root, deviceAddr, true)
	if err != nil {
		obj.Put()
		return vmerr.Wrap(vmerr.KindOutOfMemory, "map_partial", err)
	}

	flags := obj.Flags()
	if err := sgmap.MapSGTPartial(c, obj.SGT(), objOffset, size, flags); err != nil {
		obj.Put()
		ctx.Stats.MapFailures.Inc()
		return err
	}
	if err := c.Fini(); err != nil {
		obj.Put()
		return vmerr.Wrap(vmerr.KindOutOfMemory, "map_partial", err)
	}

	node := mapping.NewNode(deviceAddr, deviceAddr+size-1, &mappingEntry{obj: obj, objOffset: objOffset, flags: flags})
	ctx.mappings.Insert(node)
	ctx.Stats.MapPartials.Inc()

	if err := ctx.mmuFlushLocked(); err != nil {
		ctx.log.Warn("mmu flush after map_partial timed out", "error", err)
	}
	return nil
}

// Unmap tears down the mapping whose start exactly equals deviceAddr.
func (ctx *VMContext) Unmap(deviceAddr uint64) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	n := ctx.mappings.Get(deviceAddr)
	if n == nil {
		return vmerr.New(vmerr.KindNotFound, "unmap")
	}
	if err := ctx.unmapNodeLocked(n); err != nil {
		return vmerr.Wrap(vmerr.KindOutOfMemory, "unmap", err)
	}

	if err := ctx.mmuFlushLocked(); err != nil {
		ctx.log.Warn("mmu flush after unmap timed out", "error", err)
	}
	return nil
}

// unmapNodeLocked destroys the pages backing n, removes it from the
// mapping tree and releases its object reference. Callers must hold
// ctx.mu.
func (ctx *VMContext) unmapNodeLocked(n *mapping.Node[*mappingEntry]) error {
	size := n.Last - n.Start + 1
	pageSize := uint64(ctx.layout.PageSize)

	c, err := cursor.Init(ctx.layout, ctx.root, n.Start, false)
	if err != nil {
		return err
	}
	if err := sgmap.UnmapFromCursor(c, size/pageSize); err != nil {
		return err
	}
	if err := c.Fini(); err != nil {
		return err
	}

	ctx.mappings.Remove(n)
	n.Value.obj.Put()
	ctx.Stats.Unmaps.Inc()
	return nil
}

// FindGEMObject reverse-looks-up deviceAddr, returning the mapped
// object with its refcount incremented, the mapping's object_offset,
// and the mapping's total size.
func (ctx *VMContext) FindGEMObject(deviceAddr uint64) (obj Object, objOffset uint64, size uint64, err error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	n := ctx.mappings.Find(deviceAddr, 1)
	if n == nil {
		return nil, 0, 0, vmerr.New(vmerr.KindNotFound, "find_gem_object")
	}
	n.Value.obj.Get()
	return n.Value.obj, n.Value.objOffset, n.Last - n.Start + 1, nil
}

// GetRootDMAAddr returns the raw DMA address of ctx's L2 root.
func (ctx *VMContext) GetRootDMAAddr() uint64 {
	return ctx.root.DMAAddr()
}

// MMUFlush sends an MMU-cache-invalidate command and waits for it to
// complete. It is called automatically after every Map/MapPartial/
// Unmap, and is also exposed directly for a caller that needs to force
// a flush outside those paths.
func (ctx *VMContext) MMUFlush() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.mmuFlushLocked()
}

func (ctx *VMContext) mmuFlushLocked() error {
	if ctx.device.Channel == nil {
		return nil
	}
	ctx.Stats.MMUFlushes.Inc()
	err := ctx.device.Channel.MMUFlush(mmuFlushTimeout)
	if err != nil {
		ctx.Stats.MMUTimeouts.Inc()
	}
	return err
}

// MappingInfo is a diagnostic snapshot of one installed mapping,
// returned by Mappings for tools like cmd/vmtrace that need to print a
// context's mapping list without reaching into the mapping tree
// directly.
type MappingInfo struct {
	Start, Last, ObjOffset uint64
}

// Mappings returns a snapshot of every mapping currently installed in
// ctx, in ascending start-address order.
func (ctx *VMContext) Mappings() []MappingInfo {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	var out []MappingInfo
	for n := ctx.mappings.IterFirst(0, pte.AddrSpaceSize); n != nil; n = ctx.mappings.IterNext(n, 0, pte.AddrSpaceSize) {
		out = append(out, MappingInfo{Start: n.Start, Last: n.Last, ObjOffset: n.Value.objOffset})
	}
	return out
}

// Heaps returns ctx's static heap table.
func (ctx *VMContext) Heaps() []heap.Heap { return ctx.heaps }

// FindHeapContaining linear-scans ctx's heap table for one fully
// containing [start, start+size).
func (ctx *VMContext) FindHeapContaining(start, size uint64) (*heap.Heap, bool) {
	return heap.FindHeapContaining(ctx.heaps, start, size)
}
