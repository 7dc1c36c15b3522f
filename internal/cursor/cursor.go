// Package cursor implements the page-table cursor: the only component
// that writes leaf entries or advances across the mirror tree. A Cursor
// caches the three currently referenced tables and the three indices
// derived from a device address, lazily creating missing tables on
// demand, and tracks the highest mirror-tree level with uncommitted
// writes so that CPU→device syncs can be batched across a long run of
// page creations instead of happening on every single write.
package cursor

import (
	"errors"
	"fmt"

	"roguevm/internal/mirror"
	"roguevm/internal/pte"
)

// ErrAlreadyMapped is returned by PageCreate when the cursor's current
// L0 entry is already valid.
var ErrAlreadyMapped = errors.New("cursor: page already mapped")

// ErrHierarchyWrap is returned by NextPage when advancing would wrap
// past the top of the address space (the L2 index itself overflows).
var ErrHierarchyWrap = errors.New("cursor: advanced past the top of the address space")

// noSyncRequired is the cursor's idle sync_level_required value.
const noSyncRequired = -1

// Cursor walks the mirror tree for one device address at a time.
type Cursor struct {
	layout *pte.Layout
	root   *mirror.L2Table

	l2Idx, l1Idx, l0Idx uint32
	l1Table             *mirror.L1Table
	l0Table             *mirror.L0Table

	syncLevelRequired int
}

// Init binds a fresh cursor to root and positions it at deviceAddr.
func Init(layout *pte.Layout, root *mirror.L2Table, deviceAddr uint64, shouldCreate bool) (*Cursor, error) {
	c := &Cursor{
		layout:            layout,
		root:              root,
		syncLevelRequired: noSyncRequired,
	}
	if err := c.Set(deviceAddr, shouldCreate); err != nil {
		return nil, err
	}
	return c, nil
}

// Layout returns the page-size layout this cursor was built with.
func (c *Cursor) Layout() *pte.Layout { return c.layout }

// DeviceAddr returns the device address the cursor is currently
// positioned at.
func (c *Cursor) DeviceAddr() uint64 {
	return c.layout.Compose(c.l2Idx, c.l1Idx, c.l0Idx)
}

// L0Table returns the cursor's currently cached L0 table, or nil if the
// cursor is positioned over an unallocated subtree.
func (c *Cursor) L0Table() *mirror.L0Table { return c.l0Table }

// L0Index returns the cursor's current index into its L0 table.
func (c *Cursor) L0Index() uint32 { return c.l0Idx }

func (c *Cursor) requireSync(level int) {
	if level > c.syncLevelRequired {
		c.syncLevelRequired = level
	}
}

// Set flushes any pending syncs, repositions the cursor at deviceAddr,
// and reloads both cached sub-tables from the root.
func (c *Cursor) Set(deviceAddr uint64, shouldCreate bool) error {
	if err := c.Sync(); err != nil {
		return err
	}
	c.l2Idx, c.l1Idx, c.l0Idx = c.layout.Decompose(deviceAddr)
	return c.loadTables(shouldCreate, 1)
}

// loadLevelRequired of 1 refetches both the L1 table (from root at the
// current l2Idx) and the L0 table (from that L1 at the current l1Idx);
// 0 keeps the cached L1 table and only refetches the L0 table, used by
// NextPage's common case where only l1Idx changed. If creating the L0
// table fails after this call created the L1 table, that L1 table is
// removed from the root and finalized before the error is returned.
func (c *Cursor) loadTables(shouldCreate bool, loadLevelRequired int) error {
	createdL1 := false
	if loadLevelRequired >= 1 {
		child, didCreate, err := c.root.GetOrCreate(c.l2Idx, shouldCreate)
		if errors.Is(err, mirror.ErrNotPresent) {
			c.l1Table = nil
			c.l0Table = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("cursor: load l1 table: %w", err)
		}
		c.l1Table = child
		if didCreate {
			createdL1 = true
			c.requireSync(2)
		}
	}

	if c.l1Table == nil {
		c.l0Table = nil
		return nil
	}

	child0, didCreate0, err := c.l1Table.GetOrCreate(c.l1Idx, shouldCreate)
	if errors.Is(err, mirror.ErrNotPresent) {
		c.l0Table = nil
		return nil
	}
	if err != nil {
		if createdL1 {
			c.root.RemoveChild(c.l2Idx)
			_ = c.l1Table.Fini()
			c.l1Table = nil
		}
		return fmt.Errorf("cursor: load l0 table: %w", err)
	}
	c.l0Table = child0
	if didCreate0 {
		c.requireSync(1)
	}
	return nil
}

// NextPage advances the cursor by one device page, wrapping l0Idx into
// l1Idx into l2Idx as each fills up. It fails with ErrHierarchyWrap if
// advancing would carry past the last L2 entry.
func (c *Cursor) NextPage(shouldCreate bool) error {
	c.l0Idx++
	if int(c.l0Idx) < c.layout.L0Entries() {
		return nil
	}
	c.l0Idx = 0

	c.l1Idx++
	if int(c.l1Idx) < c.layout.L1Entries() {
		if err := c.SyncPartial(0); err != nil {
			return err
		}
		return c.loadTables(shouldCreate, 0)
	}
	c.l1Idx = 0

	c.l2Idx++
	if int(c.l2Idx) >= c.layout.L2Entries() {
		return ErrHierarchyWrap
	}
	if err := c.SyncPartial(1); err != nil {
		return err
	}
	return c.loadTables(shouldCreate, 1)
}

// SyncPartial flushes the cursor's cached tables. With no sync pending
// it does nothing. Otherwise it flushes the L0 table if one is cached (a
// table about to be abandoned by the next load must not lose a pending
// write), and, with level first clamped to sync_level_required,
// additionally flushes L1 when the clamped level is at least 1 and the
// root when it is at least 2. The
// sync_level_required state is reset to idle only once a call's level
// reaches or exceeds it, matching the monotone-raise, sync-then-reset
// discipline: a call for a lower level still physically flushes what it
// covers but leaves the higher pending level armed for a later call.
func (c *Cursor) SyncPartial(level int) error {
	if c.syncLevelRequired == noSyncRequired {
		return nil
	}

	flushTo := level
	if flushTo > c.syncLevelRequired {
		flushTo = c.syncLevelRequired
	}

	if c.l0Table != nil {
		if err := c.l0Table.Sync(); err != nil {
			return fmt.Errorf("cursor: sync l0: %w", err)
		}
	}
	if flushTo >= 1 && c.l1Table != nil {
		if err := c.l1Table.Sync(); err != nil {
			return fmt.Errorf("cursor: sync l1: %w", err)
		}
	}
	if flushTo >= 2 {
		if err := c.root.Sync(); err != nil {
			return fmt.Errorf("cursor: sync root: %w", err)
		}
	}

	if level >= c.syncLevelRequired {
		c.syncLevelRequired = noSyncRequired
	}
	return nil
}

// Sync flushes every level that might be dirty and resets the cursor to
// idle.
func (c *Cursor) Sync() error {
	return c.SyncPartial(2)
}

// Copy returns a bit-copy of the cursor positioned identically but
// owning none of the original's pending syncs: the original continues
// to own flushing whatever it has dirtied so far.
func (c *Cursor) Copy() *Cursor {
	cp := *c
	cp.syncLevelRequired = noSyncRequired
	return &cp
}

// Fini flushes any pending syncs before the cursor is discarded.
func (c *Cursor) Fini() error {
	return c.Sync()
}

// PageCreate writes a new leaf entry at the cursor's current position.
// It fails with ErrAlreadyMapped if that position already holds a valid
// entry.
func (c *Cursor) PageCreate(dmaAddr uint64, flags pte.L0Flags) error {
	if c.l0Table == nil {
		return fmt.Errorf("cursor: page_create: no l0 table loaded at the cursor's position")
	}
	if c.l0Table.EntryIsValid(c.l0Idx) {
		return ErrAlreadyMapped
	}
	vpPageNum := c.DeviceAddr() >> c.layout.Shift
	entry := pte.EncodeL0(c.layout.Shift, dmaAddr, vpPageNum, flags, false)
	c.l0Table.InsertLeaf(c.l0Idx, entry)
	c.requireSync(0)
	return nil
}

// PageDestroy clears the leaf entry at the cursor's current position.
// It is a no-op if there is no L0 table loaded or the entry is already
// invalid. If removing the entry empties its L0 table (and, cascading,
// its L1 table), the cursor drops its now-stale cached pointers.
func (c *Cursor) PageDestroy() error {
	if c.l0Table == nil || !c.l0Table.EntryIsValid(c.l0Idx) {
		return nil
	}
	l0, l1 := c.l0Table, c.l1Table

	if err := l0.RemoveLeaf(c.l0Idx); err != nil {
		return fmt.Errorf("cursor: page_destroy: %w", err)
	}
	c.requireSync(0)

	if l0.EntryCount() == 0 {
		c.l0Table = nil
		if l1 != nil && l1.EntryCount() == 0 {
			c.l1Table = nil
		}
	}
	return nil
}
