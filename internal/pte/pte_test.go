package pte_test

import (
	"testing"

	"roguevm/internal/pte"
)

var allPageSizes = []pte.PageSize{
	pte.PageSize4Ki,
	pte.PageSize16Ki,
	pte.PageSize64Ki,
	pte.PageSize256Ki,
	pte.PageSize1Mi,
	pte.PageSize2Mi,
}

func TestNewLayoutCoversAddrSpace(t *testing.T) {
	for _, ps := range allPageSizes {
		l, err := pte.NewLayout(ps)
		if err != nil {
			t.Fatalf("NewLayout(%v): %v", ps, err)
		}
		total := l.L2Bits + l.L1Bits + l.L0Bits + l.Shift
		if total != pte.AddrBits {
			t.Errorf("page size %v: L2Bits+L1Bits+L0Bits+Shift = %d, want %d", ps, total, pte.AddrBits)
		}
	}
}

func TestNewLayout1MiMatchesHardwareConstant(t *testing.T) {
	l, err := pte.NewLayout(pte.PageSize1Mi)
	if err != nil {
		t.Fatal(err)
	}
	if got := l.L2Entries(); got != 4 {
		t.Errorf("L2Entries() for 1MiB page size = %d, want 4", got)
	}
}

func TestNewLayoutRejectsInvalidSize(t *testing.T) {
	if _, err := pte.NewLayout(pte.PageSize(3)); err == nil {
		t.Fatal("NewLayout(3) succeeded, want error")
	}
}

func TestDecomposeComposeRoundTrip(t *testing.T) {
	for _, ps := range allPageSizes {
		l, err := pte.NewLayout(ps)
		if err != nil {
			t.Fatal(err)
		}
		addrs := []uint64{
			0,
			pte.AddrMask,
			uint64(ps) * 3,
			uint64(ps) * uint64(l.L0Entries()-1),
		}
		for _, addr := range addrs {
			l2, l1, l0 := l.Decompose(addr)
			got := l.Compose(l2, l1, l0)
			want := addr &^ (uint64(ps) - 1)
			if got != want {
				t.Errorf("page size %v, addr %#x: round trip = %#x, want %#x", ps, addr, got, want)
			}
		}
	}
}

func TestEncodeL2RoundTrip(t *testing.T) {
	const l1Base = uint64(0x1234_5000) // host-page aligned
	e := pte.EncodeL2(l1Base, false)
	if !e.Valid() {
		t.Fatal("Valid() = false, want true")
	}
	if e.Pending() {
		t.Fatal("Pending() = true, want false")
	}
	if got := e.L1Base(); got != l1Base {
		t.Errorf("L1Base() = %#x, want %#x", got, l1Base)
	}

	pending := pte.EncodeL2(l1Base, true)
	if !pending.Pending() {
		t.Fatal("Pending() = false, want true")
	}
}

func TestEncodeL1RoundTrip(t *testing.T) {
	const l0Base = uint64(0x7_ABCD_E000)
	for _, ps := range allPageSizes {
		e := pte.EncodeL1(l0Base, ps, false)
		if !e.Valid() {
			t.Fatalf("page size %v: Valid() = false, want true", ps)
		}
		if got := e.PageSize(); got != ps {
			t.Errorf("page size %v: PageSize() = %v", ps, got)
		}
		if got := e.L0Base(); got != l0Base {
			t.Errorf("page size %v: L0Base() = %#x, want %#x", ps, got, l0Base)
		}
	}
}

func TestEncodeL0RoundTrip(t *testing.T) {
	shift := pte.PageSize64Ki.Shift()
	physAddr := uint64(0x3_0001_0000) // 64KiB aligned
	vpPageNum := uint64(0x1FF_FFF)    // exercises both the low 6 and high bits

	flags := pte.L0Flags{ReadOnly: true, CacheCoherent: true, SLCBypass: false, PMSrc: true, PMFWProtect: true}
	e := pte.EncodeL0(shift, physAddr, vpPageNum, flags, false)

	if !e.Valid() {
		t.Fatal("Valid() = false, want true")
	}
	if got := e.Flags(); got != flags {
		t.Errorf("Flags() = %+v, want %+v", got, flags)
	}
	if got := e.PhysPage(shift); got != physAddr {
		t.Errorf("PhysPage() = %#x, want %#x", got, physAddr)
	}
	if got := e.VPPage(); got != vpPageNum {
		t.Errorf("VPPage() = %#x, want %#x", got, vpPageNum)
	}
}

func TestEncodeL0Pending(t *testing.T) {
	e := pte.EncodeL0(pte.PageSize4Ki.Shift(), 0, 0, pte.L0Flags{}, true)
	if !e.Pending() {
		t.Fatal("Pending() = false, want true")
	}
}
