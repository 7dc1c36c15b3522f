// Package sgmap implements the range and scatter-gather mapping
// algorithms built on top of internal/cursor: mapping a contiguous DMA
// range directly, mapping one scatter-gather-list entry, and mapping a
// (possibly partial) scatter-gather table that may span many
// discontiguous entries. Every multi-page map operation here saves a
// copy of the cursor before it starts and rolls back through that copy
// if any step fails partway, so a failed map never leaves the mirror
// tree in a half-built state. UnmapFromCursor keeps no such copy: it
// stops at the first error, leaving the pages it already destroyed
// destroyed.
package sgmap

import (
	"errors"

	"roguevm/internal/cursor"
	"roguevm/internal/pte"
	"roguevm/internal/vmerr"
)

// SGLEntry is one scatter-gather-list entry: a contiguous run of
// device-page-aligned memory at a single DMA address.
type SGLEntry struct {
	DMAAddr uint64
	Size    uint64
}

// SGT is a scatter-gather table: an ordered sequence of SGL entries
// treated as one logically contiguous buffer for mapping purposes.
type SGT struct {
	Entries []SGLEntry
}

// TotalSize returns the sum of every entry's size.
func (t SGT) TotalSize() uint64 {
	var total uint64
	for _, e := range t.Entries {
		total += e.Size
	}
	return total
}

// translateCursorErr maps a cursor-layer error onto the public vmerr
// taxonomy. A nil err passes through unchanged.
func translateCursorErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cursor.ErrAlreadyMapped):
		return vmerr.Wrap(vmerr.KindAlreadyMapped, op, err)
	case errors.Is(err, cursor.ErrHierarchyWrap):
		return vmerr.Wrap(vmerr.KindHierarchyWrap, op, err)
	default:
		// Everything else reaching this layer originates from a Backing
		// Page or mirror-table allocation failure.
		return vmerr.Wrap(vmerr.KindOutOfMemory, op, err)
	}
}

// UnmapFromCursor destroys up to nPages leaves starting at the
// cursor's current position, advancing with NextPage(shouldCreate =
// false) between each. Positions over an unallocated subtree are
// already represented by a nil L0 table at the cursor, so PageDestroy
// is naturally a no-op there — there is nothing further to special
// case for a missing subtree. The errors NextPage can still surface
// here are ErrHierarchyWrap and a failed table sync; either aborts the
// unmap.
func UnmapFromCursor(c *cursor.Cursor, nPages uint64) error {
	for i := uint64(0); i < nPages; i++ {
		if i > 0 {
			if err := c.NextPage(false); err != nil {
				return translateCursorErr("unmap_from_cursor", err)
			}
		}
		if err := c.PageDestroy(); err != nil {
			return translateCursorErr("unmap_from_cursor", err)
		}
	}
	return nil
}

// rollback best-effort unmaps the pages a failed operation already
// created, walking from saved (a copy taken before the operation
// began). Cascading destruction of already-created leaves cannot
// itself hit an allocation failure, so this is not expected to fail
// in practice; if it somehow does, the original error is still what
// is reported to the caller.
func rollback(saved *cursor.Cursor, pages uint64) {
	_ = UnmapFromCursor(saved, pages)
}

// MapDirect maps a contiguous DMA range [dmaStart, dmaStart+size) at
// the cursor's current device address. size must be a multiple of the
// cursor's device page size. On any failure partway through, every
// page already created by this call is unmapped again before
// returning the error.
func MapDirect(c *cursor.Cursor, dmaStart uint64, size uint64, flags pte.L0Flags) error {
	pageSize := uint64(c.Layout().PageSize)
	if size == 0 || size%pageSize != 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "map_direct")
	}

	saved := c.Copy()
	nPages := size / pageSize

	if err := c.PageCreate(dmaStart, flags); err != nil {
		return translateCursorErr("map_direct", err)
	}
	created := uint64(1)
	dma := dmaStart

	for created < nPages {
		if err := c.NextPage(true); err != nil {
			rollback(saved, created)
			return translateCursorErr("map_direct", err)
		}
		dma += pageSize
		if err := c.PageCreate(dma, flags); err != nil {
			rollback(saved, created)
			return translateCursorErr("map_direct", err)
		}
		created++
	}
	return nil
}

// MapSGL maps the sub-range [offset, offset+size) of a single SGL
// entry at the cursor's current device address.
func MapSGL(c *cursor.Cursor, entry SGLEntry, offset, size uint64, flags pte.L0Flags) error {
	if offset > entry.Size || size > entry.Size-offset {
		return vmerr.New(vmerr.KindInvalidArgument, "map_sgl")
	}
	return MapDirect(c, entry.DMAAddr+offset, size, flags)
}

// locateEntry finds the SGL entry containing byteOffset within sgt's
// logically concatenated address space, returning its index, the
// offset into that entry, and the cumulative size of every entry
// before it.
func locateEntry(sgt SGT, byteOffset uint64) (idx int, offsetInEntry uint64, cumBefore uint64, err error) {
	cum := uint64(0)
	for i, e := range sgt.Entries {
		if byteOffset < cum+e.Size {
			return i, byteOffset - cum, cum, nil
		}
		cum += e.Size
	}
	return 0, 0, 0, vmerr.New(vmerr.KindInvalidArgument, "locate_sgl_entry")
}

// MapSGTPartial maps the window [sgtOffset, sgtOffset+size) of sgt's
// logically concatenated address space at the cursor's current
// device address. The cursor must already be positioned at the
// device address the window is to start at; this function only
// advances it.
//
// The algorithm runs in three stages: locate the first SGL entry
// touched by the window, locate the last one, then map the tail of
// the first entry, the whole of every entry strictly between them,
// and the head of the last entry. A window that lies entirely inside
// one entry short-circuits straight to a single MapSGL call.
func MapSGTPartial(c *cursor.Cursor, sgt SGT, sgtOffset, size uint64, flags pte.L0Flags) error {
	if size == 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "map_sgt_partial")
	}
	pageSize := uint64(c.Layout().PageSize)

	firstIdx, firstOffset, cumBeforeFirst, err := locateEntry(sgt, sgtOffset)
	if err != nil {
		return err
	}
	firstEntry := sgt.Entries[firstIdx]

	if (firstEntry.DMAAddr+firstOffset)%pageSize != 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "map_sgt_partial")
	}
	availableInFirst := firstEntry.Size - firstOffset
	firstSGLSize := size
	if availableInFirst < firstSGLSize {
		firstSGLSize = availableInFirst
	}
	if firstSGLSize%pageSize != 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "map_sgt_partial")
	}

	windowEnd := sgtOffset + size
	firstEntryEnd := cumBeforeFirst + firstEntry.Size
	if windowEnd <= firstEntryEnd {
		// The whole window sits inside one entry.
		return MapSGL(c, firstEntry, firstOffset, size, flags)
	}

	lastIdx, _, cumBeforeLast, err := locateEntry(sgt, windowEnd-1)
	if err != nil {
		return err
	}
	for i := firstIdx + 1; i < lastIdx; i++ {
		mid := sgt.Entries[i]
		if mid.DMAAddr%pageSize != 0 || mid.Size%pageSize != 0 {
			return vmerr.New(vmerr.KindInvalidArgument, "map_sgt_partial")
		}
	}
	lastSGLSize := windowEnd - cumBeforeLast
	lastEntry := sgt.Entries[lastIdx]

	saved := c.Copy()
	created := uint64(0)

	// Stage A: the tail of the first entry.
	if err := MapSGL(c, firstEntry, firstOffset, firstSGLSize, flags); err != nil {
		return err
	}
	created += firstSGLSize / pageSize

	// Stage B: every entry strictly between first and last, in full.
	for i := firstIdx + 1; i < lastIdx; i++ {
		mid := sgt.Entries[i]
		if err := c.NextPage(true); err != nil {
			rollback(saved, created)
			return translateCursorErr("map_sgt_partial", err)
		}
		if err := MapSGL(c, mid, 0, mid.Size, flags); err != nil {
			rollback(saved, created)
			return err
		}
		created += mid.Size / pageSize
	}

	// Stage C: the head of the last entry.
	if err := c.NextPage(true); err != nil {
		rollback(saved, created)
		return translateCursorErr("map_sgt_partial", err)
	}
	if err := MapSGL(c, lastEntry, 0, lastSGLSize, flags); err != nil {
		rollback(saved, created)
		return err
	}
	return nil
}

// MapSGT maps every entry of sgt in full at the cursor's current
// device address. It is structurally MapSGTPartial's stage B run over
// the whole table, starting at the first entry with no initial
// advance.
func MapSGT(c *cursor.Cursor, sgt SGT, flags pte.L0Flags) error {
	if len(sgt.Entries) == 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "map_sgt")
	}
	pageSize := uint64(c.Layout().PageSize)
	saved := c.Copy()
	created := uint64(0)

	for i, entry := range sgt.Entries {
		if entry.Size%pageSize != 0 || entry.DMAAddr%pageSize != 0 {
			rollback(saved, created)
			return vmerr.New(vmerr.KindInvalidArgument, "map_sgt")
		}
		if i > 0 {
			if err := c.NextPage(true); err != nil {
				rollback(saved, created)
				return translateCursorErr("map_sgt", err)
			}
		}
		if err := MapSGL(c, entry, 0, entry.Size, flags); err != nil {
			rollback(saved, created)
			return err
		}
		created += entry.Size / pageSize
	}
	return nil
}
