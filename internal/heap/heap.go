// Package heap describes the fixed table of device-virtual-address
// heaps a VM context exposes to its client: named, fixed ranges with a
// given page size, some carrying a carveout reserved for static data
// areas the firmware expects at well-known offsets.
package heap

// ID names one heap in the static table.
type ID int

const (
	General ID = iota
	PDSCodeData
	USCCode
	VisTest
	RGNHDR
)

func (id ID) String() string {
	switch id {
	case General:
		return "GENERAL"
	case PDSCodeData:
		return "PDS_CODE_DATA"
	case USCCode:
		return "USC_CODE"
	case VisTest:
		return "VIS_TEST"
	case RGNHDR:
		return "RGNHDR"
	default:
		return "UNKNOWN"
	}
}

// StaticDataArea is one named, fixed-offset region within a heap's
// carveout that firmware expects to find at a well-known location.
type StaticDataArea struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Carveout is a sub-range of a heap reserved for static data areas,
// located at either the beginning or the end of the heap.
type Carveout struct {
	Base  uint64
	Size  uint64
	AtEnd bool
}

// Heap is one entry in the static heap table.
type Heap struct {
	ID           ID
	Base         uint64
	Size         uint64
	PageSizeLog2 uint

	Carveout        Carveout
	StaticDataAreas []StaticDataArea
}

// HasCarveout reports whether the heap reserves a static-data carveout.
func (h Heap) HasCarveout() bool { return h.Carveout.Size != 0 }

// End returns the first address past the heap.
func (h Heap) End() uint64 { return h.Base + h.Size }

// Base addresses below are implementation-defined placements within
// the 1 TiB device-virtual address space, chosen non-overlapping and
// aligned to each heap's own page size; no hardware-exact layout was
// retrievable from source for this table (see DESIGN.md).
const (
	generalBase     = 0x0000_0000_0000
	generalSize     = 0x0000_2000_0000 // 512 MiB
	pdsCodeDataBase = 0x0000_2000_0000
	pdsCodeDataSize = 0x0000_0400_0000 // 64 MiB
	uscCodeBase     = 0x0000_2400_0000
	uscCodeSize     = 0x0000_0100_0000 // 16 MiB
	visTestBase     = 0x0000_2500_0000
	visTestSize     = 0x0000_0010_0000 // 1 MiB
	rgnHdrBase      = 0x0000_2600_0000
	rgnHdrSize      = 0x0000_0080_0000 // 8 MiB

	carveoutSize = 0x0000_0010_0000 // 1 MiB
)

// Table returns the static heap table. The RGNHDR heap is present only
// when quirk63142 is set.
func Table(quirk63142 bool) []Heap {
	heaps := []Heap{
		{
			ID:           General,
			Base:         generalBase,
			Size:         generalSize,
			PageSizeLog2: 12,
			Carveout: Carveout{
				Base:  generalBase + generalSize - carveoutSize,
				Size:  carveoutSize,
				AtEnd: true,
			},
			StaticDataAreas: []StaticDataArea{
				{Name: "FENCE", Offset: 0, Size: 0x1000},
				{Name: "YUV_CSC", Offset: 0x1000, Size: 0x1000},
			},
		},
		{
			ID:           PDSCodeData,
			Base:         pdsCodeDataBase,
			Size:         pdsCodeDataSize,
			PageSizeLog2: 12,
			Carveout: Carveout{
				Base:  pdsCodeDataBase,
				Size:  carveoutSize,
				AtEnd: false,
			},
			StaticDataAreas: []StaticDataArea{
				{Name: "VDM_SYNC", Offset: 0, Size: 0x1000},
				{Name: "EOT", Offset: 0x1000, Size: 0x1000},
			},
		},
		{
			ID:           USCCode,
			Base:         uscCodeBase,
			Size:         uscCodeSize,
			PageSizeLog2: 12,
			Carveout: Carveout{
				Base:  uscCodeBase,
				Size:  carveoutSize,
				AtEnd: false,
			},
			StaticDataAreas: []StaticDataArea{
				{Name: "VDM_SYNC", Offset: 0, Size: 0x1000},
			},
		},
		{
			ID:           VisTest,
			Base:         visTestBase,
			Size:         visTestSize,
			PageSizeLog2: 12,
		},
	}
	if quirk63142 {
		heaps = append(heaps, Heap{
			ID:           RGNHDR,
			Base:         rgnHdrBase,
			Size:         rgnHdrSize,
			PageSizeLog2: 12,
		})
	}
	return heaps
}

// FindHeapContaining linear-scans heaps for one whose range fully
// contains [start, start+size).
func FindHeapContaining(heaps []Heap, start, size uint64) (*Heap, bool) {
	if size == 0 || start+size < start {
		return nil, false
	}
	end := start + size
	for i := range heaps {
		h := &heaps[i]
		if start >= h.Base && end <= h.End() {
			return h, true
		}
	}
	return nil, false
}
