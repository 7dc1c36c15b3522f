// Package mirror implements the three-level mirror page-table tree: host
// side wrappers (L2, L1, L0) around Backing Pages that track parent/child
// back-pointers and a per-table valid-entry count acting as a refcount.
// Destruction cascades: an L0 or L1 table that reaches zero valid entries
// detaches itself from its parent and is finalized; the L2 root never
// self-destructs.
package mirror

import (
	"encoding/binary"
	"errors"
	"fmt"

	"roguevm/internal/bkpage"
	"roguevm/internal/pte"
)

// IdxInvalid marks a table as unlinked from any parent slot.
const IdxInvalid = ^uint32(0)

// ErrNotPresent is returned by GetOrCreate when the requested slot is
// empty and shouldCreate is false. It is an internal signal consumed by
// internal/cursor and internal/sgmap and must never cross the roguevm
// package boundary.
var ErrNotPresent = errors.New("mirror: table not present")

// L2Table is the root of the mirror tree: one per VM context, never
// destroyed while the context exists.
type L2Table struct {
	layout *pte.Layout
	alloc  *bkpage.Allocator
	page   *bkpage.Page

	children   []*L1Table
	entryCount int
}

// NewL2Table allocates and zero-initializes a root table.
func NewL2Table(layout *pte.Layout, alloc *bkpage.Allocator) (*L2Table, error) {
	page, err := bkpage.Init(alloc)
	if err != nil {
		return nil, fmt.Errorf("mirror: new l2 table: %w", err)
	}
	return &L2Table{
		layout:   layout,
		alloc:    alloc,
		page:     page,
		children: make([]*L1Table, layout.L2Entries()),
	}, nil
}

// Fini releases the table's backing page. The root table's Fini is only
// ever called by the owning VM context during its own teardown.
func (t *L2Table) Fini() error { return t.page.Fini() }

// Sync flushes the table's backing page to the device.
func (t *L2Table) Sync() error { return t.page.Sync() }

// GetRaw returns the table's raw backing bytes.
func (t *L2Table) GetRaw() []byte { return t.page.Host() }

// DMAAddr returns the table's own device-visible address, the value a
// caller installs into a hardware register to point the MMU at this
// context's root.
func (t *L2Table) DMAAddr() uint64 { return t.page.DMAAddr() }

// EntryRaw returns the raw L2 entry at idx.
func (t *L2Table) EntryRaw(idx uint32) pte.L2Entry {
	off := idx * 4
	return pte.L2Entry(binary.LittleEndian.Uint32(t.page.Host()[off : off+4]))
}

func (t *L2Table) setEntryRaw(idx uint32, e pte.L2Entry) {
	off := idx * 4
	binary.LittleEndian.PutUint32(t.page.Host()[off:off+4], uint32(e))
}

// EntryIsValid reports whether the entry at idx is valid.
func (t *L2Table) EntryIsValid(idx uint32) bool { return t.EntryRaw(idx).Valid() }

// EntryCount returns the number of valid entries, which must equal the
// count of valid raw entries in the backing page.
func (t *L2Table) EntryCount() int { return t.entryCount }

// InsertChild installs child at idx. Precondition: the slot was not
// valid; unchecked.
func (t *L2Table) InsertChild(idx uint32, child *L1Table) {
	t.setEntryRaw(idx, pte.EncodeL2(child.page.DMAAddr(), false))
	child.parent = t
	child.parentIdx = idx
	t.children[idx] = child
	t.entryCount++
}

// RemoveChild detaches the child at idx without destroying it. L2 never
// cascades its own destruction; a caller that has just emptied a child
// is responsible for finalizing it.
func (t *L2Table) RemoveChild(idx uint32) {
	t.setEntryRaw(idx, 0)
	if c := t.children[idx]; c != nil {
		c.parent = nil
		c.parentIdx = IdxInvalid
	}
	t.children[idx] = nil
	t.entryCount--
}

// GetOrCreate returns the existing L1 child at idx, or creates one if
// shouldCreate is true and the slot is empty. If creation fails after a
// child was allocated, no state change is left behind.
func (t *L2Table) GetOrCreate(idx uint32, shouldCreate bool) (child *L1Table, didCreate bool, err error) {
	if t.EntryIsValid(idx) {
		return t.children[idx], false, nil
	}
	if !shouldCreate {
		return nil, false, ErrNotPresent
	}
	child, err = newL1Table(t.layout, t.alloc)
	if err != nil {
		return nil, false, err
	}
	t.InsertChild(idx, child)
	return child, true, nil
}

// L1Table is a second-level mirror table.
type L1Table struct {
	layout *pte.Layout
	alloc  *bkpage.Allocator
	page   *bkpage.Page

	parent    *L2Table
	parentIdx uint32

	children   []*L0Table
	entryCount int
}

func newL1Table(layout *pte.Layout, alloc *bkpage.Allocator) (*L1Table, error) {
	page, err := bkpage.Init(alloc)
	if err != nil {
		return nil, fmt.Errorf("mirror: new l1 table: %w", err)
	}
	return &L1Table{
		layout:    layout,
		alloc:     alloc,
		page:      page,
		parentIdx: IdxInvalid,
		children:  make([]*L0Table, layout.L1Entries()),
	}, nil
}

// Fini releases the table's backing page.
func (t *L1Table) Fini() error { return t.page.Fini() }

// Sync flushes the table's backing page to the device.
func (t *L1Table) Sync() error { return t.page.Sync() }

// GetRaw returns the table's raw backing bytes.
func (t *L1Table) GetRaw() []byte { return t.page.Host() }

// DMAAddr returns the table's own device-visible address.
func (t *L1Table) DMAAddr() uint64 { return t.page.DMAAddr() }

// EntryRaw returns the raw L1 entry at idx.
func (t *L1Table) EntryRaw(idx uint32) pte.L1Entry {
	off := idx * 8
	return pte.L1Entry(binary.LittleEndian.Uint64(t.page.Host()[off : off+8]))
}

func (t *L1Table) setEntryRaw(idx uint32, e pte.L1Entry) {
	off := idx * 8
	binary.LittleEndian.PutUint64(t.page.Host()[off:off+8], uint64(e))
}

// EntryIsValid reports whether the entry at idx is valid.
func (t *L1Table) EntryIsValid(idx uint32) bool { return t.EntryRaw(idx).Valid() }

// EntryCount returns the number of valid entries.
func (t *L1Table) EntryCount() int { return t.entryCount }

// InsertChild installs child at idx. Precondition: the slot was not
// valid; unchecked.
func (t *L1Table) InsertChild(idx uint32, child *L0Table) {
	t.setEntryRaw(idx, pte.EncodeL1(child.page.DMAAddr(), t.layout.PageSize, false))
	child.parent = t
	child.parentIdx = idx
	t.children[idx] = child
	t.entryCount++
}

// RemoveChild detaches the child at idx. If this empties the table, the
// table cascades: it detaches itself from its own parent and is
// finalized. The caller must not use t again once this returns with the
// table having cascaded; callers can detect that via EntryCount() == 1
// before calling if they need to know in advance.
func (t *L1Table) RemoveChild(idx uint32) error {
	t.setEntryRaw(idx, 0)
	if c := t.children[idx]; c != nil {
		c.parent = nil
		c.parentIdx = IdxInvalid
	}
	t.children[idx] = nil
	t.entryCount--

	if t.entryCount == 0 && t.parent != nil {
		parent, parentIdx := t.parent, t.parentIdx
		parent.RemoveChild(parentIdx)
		return t.Fini()
	}
	return nil
}

// GetOrCreate returns the existing L0 child at idx, or creates one if
// shouldCreate is true and the slot is empty.
func (t *L1Table) GetOrCreate(idx uint32, shouldCreate bool) (child *L0Table, didCreate bool, err error) {
	if t.EntryIsValid(idx) {
		return t.children[idx], false, nil
	}
	if !shouldCreate {
		return nil, false, ErrNotPresent
	}
	child, err = newL0Table(t.layout, t.alloc)
	if err != nil {
		return nil, false, err
	}
	t.InsertChild(idx, child)
	return child, true, nil
}

// L0Table is the leaf-level mirror table. It holds no mirror children
// of its own — the leaves it describes are raw device pages owned by
// buffer objects, not further mirror tables.
type L0Table struct {
	layout *pte.Layout
	alloc  *bkpage.Allocator
	page   *bkpage.Page

	parent    *L1Table
	parentIdx uint32

	entryCount int
}

func newL0Table(layout *pte.Layout, alloc *bkpage.Allocator) (*L0Table, error) {
	page, err := bkpage.Init(alloc)
	if err != nil {
		return nil, fmt.Errorf("mirror: new l0 table: %w", err)
	}
	return &L0Table{
		layout:    layout,
		alloc:     alloc,
		page:      page,
		parentIdx: IdxInvalid,
	}, nil
}

// Fini releases the table's backing page.
func (t *L0Table) Fini() error { return t.page.Fini() }

// Sync flushes the table's backing page to the device.
func (t *L0Table) Sync() error { return t.page.Sync() }

// GetRaw returns the table's raw backing bytes.
func (t *L0Table) GetRaw() []byte { return t.page.Host() }

// DMAAddr returns the table's own device-visible address.
func (t *L0Table) DMAAddr() uint64 { return t.page.DMAAddr() }

// EntryRaw returns the raw L0 leaf entry at idx.
func (t *L0Table) EntryRaw(idx uint32) pte.L0Entry {
	off := idx * 8
	return pte.L0Entry(binary.LittleEndian.Uint64(t.page.Host()[off : off+8]))
}

// setEntryRaw writes the raw L0 leaf entry at idx without touching
// entryCount; used by InsertLeaf/RemoveLeaf below.
func (t *L0Table) setEntryRaw(idx uint32, e pte.L0Entry) {
	off := idx * 8
	binary.LittleEndian.PutUint64(t.page.Host()[off:off+8], uint64(e))
}

// EntryIsValid reports whether the leaf entry at idx is valid.
func (t *L0Table) EntryIsValid(idx uint32) bool { return t.EntryRaw(idx).Valid() }

// EntryCount returns the number of valid leaf entries.
func (t *L0Table) EntryCount() int { return t.entryCount }

// InsertLeaf writes a leaf entry at idx and increments entry_count.
// Precondition: slot was not valid; unchecked (the cursor's PageCreate
// checks AlreadyMapped before calling this).
func (t *L0Table) InsertLeaf(idx uint32, e pte.L0Entry) {
	t.setEntryRaw(idx, e)
	t.entryCount++
}

// RemoveLeaf clears the leaf entry at idx and decrements entry_count.
// If this empties the table, it cascades: detaches from its parent L1
// (which may itself cascade) and is finalized.
func (t *L0Table) RemoveLeaf(idx uint32) error {
	t.setEntryRaw(idx, 0)
	t.entryCount--

	if t.entryCount == 0 && t.parent != nil {
		parent, parentIdx := t.parent, t.parentIdx
		if err := parent.RemoveChild(parentIdx); err != nil {
			return err
		}
		return t.Fini()
	}
	return nil
}
