// Package pte implements the bit-exact L0/L1/L2 page-table entry codec
// and the device-address decomposition for the GPU's three-level MMU
// format. The bit positions are hardware-defined and must match exactly,
// since the GPU's MMU walks the raw tables directly.
//
// The page size is carried here as a runtime field on Layout, so a
// single codec can be exercised against every hardware-legal size in
// tests; the roguevm façade takes a Layout as an argument to Create and
// keeps it unchanged for the lifetime of that context.
package pte

import "fmt"

// PageSize enumerates the hardware-legal device page sizes.
type PageSize uint32

// Legal device page sizes.
const (
	PageSize4Ki   PageSize = 1 << 12
	PageSize16Ki  PageSize = 1 << 14
	PageSize64Ki  PageSize = 1 << 16
	PageSize256Ki PageSize = 1 << 18
	PageSize1Mi   PageSize = 1 << 20
	PageSize2Mi   PageSize = 1 << 21
)

// AddrBits is the width of the device-virtual address space.
const AddrBits = 40

// AddrSpaceSize is 1 TiB, the size of the device-virtual address space.
const AddrSpaceSize uint64 = 1 << AddrBits

// AddrMask masks a device address down to its valid 40 bits.
const AddrMask uint64 = AddrSpaceSize - 1

// HostPageShift/HostPageSize describe the fixed allocation granularity
// of one raw page-table page (the Backing Page). Table
// backing pages are metadata, not device data, so their size is the
// native host page size and does not vary with the selected device
// page size (see DESIGN.md for this Open Question's resolution).
const (
	HostPageShift = 12
	HostPageSize  = 1 << HostPageShift
)

// l1l0EntryBits is log2(HostPageSize / 8): L1 and L0 entries are each
// 8 bytes (64 bits), so a host-page-sized table holds this many of them.
const l1l0EntryBits = HostPageShift - 3

// Shift returns DEVICE_PAGE_SHIFT for p.
func (p PageSize) Shift() uint {
	switch p {
	case PageSize4Ki:
		return 12
	case PageSize16Ki:
		return 14
	case PageSize64Ki:
		return 16
	case PageSize256Ki:
		return 18
	case PageSize1Mi:
		return 20
	case PageSize2Mi:
		return 21
	default:
		return 0
	}
}

// Valid reports whether p is one of the six hardware-legal page sizes.
func (p PageSize) Valid() bool { return p.Shift() != 0 }

// Mask is DEVICE_PAGE_MASK: p-1.
func (p PageSize) Mask() uint64 { return uint64(p) - 1 }

// Layout derives the index bit widths for a given device page size and
// provides the device-address <-> (l2_idx, l1_idx, l0_idx) mapping.
type Layout struct {
	PageSize PageSize
	Shift    uint

	L0Bits uint
	L1Bits uint
	L2Bits uint
}

// NewLayout validates ps and computes the index widths such that
// L2Bits + L1Bits + L0Bits + Shift == AddrBits exactly.
func NewLayout(ps PageSize) (*Layout, error) {
	if !ps.Valid() {
		return nil, fmt.Errorf("pte: invalid device page size %d", ps)
	}
	s := ps.Shift()
	l := &Layout{
		PageSize: ps,
		Shift:    s,
		L1Bits:   l1l0EntryBits,
		L0Bits:   l1l0EntryBits,
	}
	if l1l0EntryBits*2+s >= AddrBits {
		return nil, fmt.Errorf("pte: page size %d leaves no room for an L2 index", ps)
	}
	l.L2Bits = AddrBits - l.L1Bits - l.L0Bits - s
	return l, nil
}

// L2Entries is ROGUE_MMUCTRL_ENTRIES_PT_L2_VALUE for this layout.
func (l *Layout) L2Entries() int { return 1 << l.L2Bits }

// L1Entries is the number of L1 entries per L1 table.
func (l *Layout) L1Entries() int { return 1 << l.L1Bits }

// L0Entries is the number of L0 entries per L0 table. It is 512 for
// every page size; the L0 entry count does not vary with the page size,
// and the L2 index width absorbs the difference instead.
func (l *Layout) L0Entries() int { return 1 << l.L0Bits }

// Decompose splits a device address into its three level indices.
func (l *Layout) Decompose(addr uint64) (l2idx, l1idx, l0idx uint32) {
	addr &= AddrMask
	l0idx = uint32((addr >> l.Shift) & (uint64(l.L0Entries()) - 1))
	l1idx = uint32((addr >> (l.Shift + l.L0Bits)) & (uint64(l.L1Entries()) - 1))
	l2idx = uint32((addr >> (l.Shift + l.L0Bits + l.L1Bits)) & (uint64(l.L2Entries()) - 1))
	return
}

// Compose is the inverse of Decompose.
func (l *Layout) Compose(l2idx, l1idx, l0idx uint32) uint64 {
	addr := uint64(l0idx) << l.Shift
	addr |= uint64(l1idx) << (l.Shift + l.L0Bits)
	addr |= uint64(l2idx) << (l.Shift + l.L0Bits + l.L1Bits)
	return addr & AddrMask
}

// ---- L2 entry: 32 bits {valid, pending, l1_base[31:4]} ----

const (
	l2Valid      = 1 << 0
	l2Pending    = 1 << 1
	l2BaseShift  = 4
	l2BaseMask32 = uint32(0xFFFFFFF0)
)

// L2Entry is the raw 32-bit L2 (root) page-table entry.
type L2Entry uint32

// EncodeL2 packs an L1 table's backing DMA address (host-page-aligned)
// and flags into a raw L2 entry.
func EncodeL2(l1Base uint64, pending bool) L2Entry {
	var v uint32
	v |= uint32(1) << 0
	if pending {
		v |= 1 << 1
	}
	v |= uint32(l1Base>>l2BaseShift) << l2BaseShift & l2BaseMask32
	return L2Entry(v)
}

// Valid reports the L2 entry's valid bit.
func (e L2Entry) Valid() bool { return uint32(e)&l2Valid != 0 }

// Pending reports the L2 entry's pending bit.
func (e L2Entry) Pending() bool { return uint32(e)&l2Pending != 0 }

// L1Base returns the DMA address of the L1 table this entry points to.
func (e L2Entry) L1Base() uint64 { return uint64(uint32(e) & l2BaseMask32) }

// ---- L1 entry: 64 bits {valid, page_size[3:1], l0_base[39:5], pending[40]} ----

const (
	l1Valid         = 1 << 0
	l1PageSizeShift = 1
	l1PageSizeMask  = uint64(0x7) << l1PageSizeShift
	l1BaseShift     = 5
	l1BaseMask      = (uint64(1)<<35 - 1) << l1BaseShift // bits 39..5
	l1Pending       = 1 << 40
)

// pageSizeEnum maps a PageSize to the hardware's 3-bit page-size enum
// (simply the table index among the six legal sizes, smallest first).
func pageSizeEnum(ps PageSize) uint64 {
	switch ps {
	case PageSize4Ki:
		return 0
	case PageSize16Ki:
		return 1
	case PageSize64Ki:
		return 2
	case PageSize256Ki:
		return 3
	case PageSize1Mi:
		return 4
	case PageSize2Mi:
		return 5
	default:
		return 7
	}
}

func pageSizeFromEnum(v uint64) PageSize {
	switch v {
	case 0:
		return PageSize4Ki
	case 1:
		return PageSize16Ki
	case 2:
		return PageSize64Ki
	case 3:
		return PageSize256Ki
	case 4:
		return PageSize1Mi
	case 5:
		return PageSize2Mi
	default:
		return 0
	}
}

// L1Entry is the raw 64-bit L1 page-table entry.
type L1Entry uint64

// EncodeL1 packs an L0 table's backing DMA address and the page-size
// enum into a raw L1 entry.
func EncodeL1(l0Base uint64, ps PageSize, pending bool) L1Entry {
	var v uint64
	v |= l1Valid
	v |= (pageSizeEnum(ps) << l1PageSizeShift) & l1PageSizeMask
	v |= (l0Base << l1BaseShift) & l1BaseMask
	if pending {
		v |= l1Pending
	}
	return L1Entry(v)
}

// Valid reports the L1 entry's valid bit.
func (e L1Entry) Valid() bool { return uint64(e)&l1Valid != 0 }

// Pending reports the L1 entry's pending bit.
func (e L1Entry) Pending() bool { return uint64(e)&l1Pending != 0 }

// PageSize decodes the L1 entry's page-size enum field.
func (e L1Entry) PageSize() PageSize {
	return pageSizeFromEnum((uint64(e) & l1PageSizeMask) >> l1PageSizeShift)
}

// L0Base returns the DMA address of the L0 table this entry points to.
func (e L1Entry) L0Base() uint64 { return (uint64(e) & l1BaseMask) >> l1BaseShift }

// ---- L0 entry: 64 bits, leaf page descriptor ----

const (
	l0Valid          = 1 << 0
	l0ReadOnly       = 1 << 1
	l0CacheCoherent  = 1 << 2
	l0SLCBypass      = 1 << 3
	l0PMSrc          = 1 << 4
	l0Pending        = 1 << 5
	l0PMFWProtect    = 1 << 62
	l0VPHighShift    = 40
	l0VPHighMask     = uint64(0x3FFFFF) << l0VPHighShift // bits 61..40
	l0VPLowShift     = 6
	l0VPLowMask      = uint64(0x3F) << l0VPLowShift // bits 11..6
)

// L0Flags carries the leaf attribute bits that are set at map time
// and copied onto the mapping node (slc_bypass,
// pm_fw_protect) or derived from access mode (read_only).
type L0Flags struct {
	ReadOnly      bool
	CacheCoherent bool
	SLCBypass     bool
	PMSrc         bool
	PMFWProtect   bool
}

// L0Entry is the raw 64-bit L0 leaf page-table entry.
type L0Entry uint64

// EncodeL0 packs a page-aligned physical/DMA address (low `shift` bits
// zero), the device virtual page number vpPageNum = devAddr>>shift (for
// the hardware's split VP-page echo field) and flags into a raw L0
// entry.
func EncodeL0(shift uint, physAddr, vpPageNum uint64, flags L0Flags, pending bool) L0Entry {
	var v uint64
	v |= l0Valid
	if flags.ReadOnly {
		v |= l0ReadOnly
	}
	if flags.CacheCoherent {
		v |= l0CacheCoherent
	}
	if flags.SLCBypass {
		v |= l0SLCBypass
	}
	if flags.PMSrc {
		v |= l0PMSrc
	}
	if pending {
		v |= l0Pending
	}
	if flags.PMFWProtect {
		v |= l0PMFWProtect
	}
	v |= physAddr & (uint64(1)<<40 - 1) &^ (uint64(1)<<shift - 1)
	v |= (vpPageNum & 0x3F) << l0VPLowShift
	v |= ((vpPageNum >> 6) << l0VPHighShift) & l0VPHighMask
	return L0Entry(v)
}

// Valid reports the L0 entry's valid bit.
func (e L0Entry) Valid() bool { return uint64(e)&l0Valid != 0 }

// Pending reports the L0 entry's pending bit.
func (e L0Entry) Pending() bool { return uint64(e)&l0Pending != 0 }

// Flags decodes the L0 entry's attribute bits.
func (e L0Entry) Flags() L0Flags {
	return L0Flags{
		ReadOnly:      uint64(e)&l0ReadOnly != 0,
		CacheCoherent: uint64(e)&l0CacheCoherent != 0,
		SLCBypass:     uint64(e)&l0SLCBypass != 0,
		PMSrc:         uint64(e)&l0PMSrc != 0,
		PMFWProtect:   uint64(e)&l0PMFWProtect != 0,
	}
}

// PhysPage returns the physical/DMA page address encoded in the entry,
// given the shift (DEVICE_PAGE_SHIFT) the entry was encoded with.
func (e L0Entry) PhysPage(shift uint) uint64 {
	return uint64(e) & (uint64(1)<<40 - 1) &^ (uint64(1)<<shift - 1)
}

// VPPage returns the device virtual page number echoed in the entry's
// split high/low VP-page field.
func (e L0Entry) VPPage() uint64 {
	hi := (uint64(e) & l0VPHighMask) >> l0VPHighShift
	lo := (uint64(e) & l0VPLowMask) >> l0VPLowShift
	return hi<<6 | lo
}
