package vm

import (
	"testing"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/mem"
)

func mktestphys(t *testing.T) *mem.Physmem_t {
	t.Helper()
	mi := &mboot.Info{
		MemoryMap: []mboot.MemRegion{
			{Base: 0, Length: 8 << 20, Type: mboot.MemAvailable},
		},
	}
	phys := mem.Phys_init(mi, 0x100000, 0x110000)
	if err := phys.Zeropg_init(); err != 0 {
		t.Fatalf("zeropg: %v", err)
	}
	return phys
}

func mkpt(t *testing.T, phys *mem.Physmem_t) *Ptable_t {
	t.Helper()
	pt, err := Mkptable(phys, nil)
	if err != 0 {
		t.Fatalf("mkptable: %v", err)
	}
	return pt
}

func TestRecursiveSlot(t *testing.T) {
	phys := mktestphys(t)
	pt := mkpt(t, phys)
	last := phys.Pmap_ent(pt.P_root, recslot)
	if last&mem.PTE_P == 0 {
		t.Fatalf("recursive slot not present")
	}
	if last&mem.PTE_ADDR != pt.P_root {
		t.Fatalf("recursive slot points at %#x, want root %#x", last&mem.PTE_ADDR, pt.P_root)
	}
}

func TestMapUnmap(t *testing.T) {
	phys := mktestphys(t)
	pt := mkpt(t, phys)
	pa, err := phys.Refpg_new()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	va := Va_t(0x400000)

	if err := pt.Map(va+1, pa, mem.PTE_W); err != -defs.EINVAL {
		t.Fatalf("unaligned map: got %v", err)
	}
	if err := pt.Map(va, pa, mem.PTE_W|mem.PTE_U); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := pt.Map(va, pa, mem.PTE_W); err == 0 {
		t.Fatalf("double map allowed")
	}
	got, err := pt.Find_physical(va + 0x123)
	if err != 0 {
		t.Fatalf("find_physical: %v", err)
	}
	if got != pa+0x123 {
		t.Fatalf("find_physical %#x, want %#x", got, pa+0x123)
	}
	gen := pt.Tlbgen()
	old, err := pt.Unmap(va)
	if err != 0 || old != pa {
		t.Fatalf("unmap returned %#x, %v", old, err)
	}
	if pt.Tlbgen() == gen {
		t.Fatalf("unmap did not invalidate the tlb")
	}
	if _, err := pt.Unmap(va); err == 0 {
		t.Fatalf("unmapping absent page succeeded")
	}
	if _, err := pt.Find_physical(va); err == 0 {
		t.Fatalf("absent page resolved")
	}
}

func TestMapRangeRollback(t *testing.T) {
	phys := mktestphys(t)
	pt := mkpt(t, phys)
	pa, err := phys.Alloc(4 * mem.PGSIZE)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	va := Va_t(0x500000)
	// occupy the third page so the range map fails mid-way
	blocker, err := phys.Refpg_new()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := pt.Map(va+2*Va_t(mem.PGSIZE), blocker, 0); err != 0 {
		t.Fatalf("map blocker: %v", err)
	}
	if err := pt.Map_range(va, pa, 4*mem.PGSIZE, mem.PTE_W); err == 0 {
		t.Fatalf("map_range over occupied page succeeded")
	}
	for i := 0; i < 2; i++ {
		if _, err := pt.Find_physical(va + Va_t(i*mem.PGSIZE)); err == 0 {
			t.Fatalf("page %v not rolled back", i)
		}
	}
	if _, err := pt.Find_physical(va + 2*Va_t(mem.PGSIZE)); err != 0 {
		t.Fatalf("blocker page lost")
	}
}

func TestCachebits(t *testing.T) {
	phys := mktestphys(t)
	pt := mkpt(t, phys)
	specs := []struct {
		pol  Cachepol_t
		pat  bool
		want mem.Pa_t
	}{
		{WRITEBACK, false, 0},
		{WRITETHRU, false, mem.PTE_PWT},
		{UNCACHED, false, mem.PTE_PCD | mem.PTE_PWT},
		{WRCOMB, false, mem.PTE_PCD | mem.PTE_PWT},
		{WRCOMB, true, mem.PTE_PAT | mem.PTE_PWT},
	}
	for _, s := range specs {
		pt.Pat_ok = s.pat
		if got := pt.Cachebits(s.pol); got != s.want {
			t.Errorf("cachebits(%v, pat=%v) = %#x, want %#x", s.pol, s.pat, got, s.want)
		}
	}
}

func TestCloneSharesFramesReadonly(t *testing.T) {
	phys := mktestphys(t)
	src := mkpt(t, phys)
	dst := mkpt(t, phys)
	pa, err := phys.Refpg_new()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	va := Va_t(0x400000)
	if err := src.Map(va, pa, mem.PTE_W|mem.PTE_U); err != 0 {
		t.Fatalf("map: %v", err)
	}
	phys.Dmap(pa)[0] = 0x42

	if err := src.Clone(dst); err != 0 {
		t.Fatalf("clone: %v", err)
	}
	sp, err1 := src.Find_physical(va)
	dp, err2 := dst.Find_physical(va)
	if err1 != 0 || err2 != 0 {
		t.Fatalf("find_physical after clone: %v %v", err1, err2)
	}
	if sp != dp {
		t.Fatalf("clone did not share the frame: %#x vs %#x", sp, dp)
	}
	if pte := src.Pte(va); pte&mem.PTE_W != 0 || pte&mem.PTE_COW == 0 {
		t.Fatalf("source pte not demoted: %#x", pte)
	}
	if c := phys.Refcnt(pa); c != 2 {
		t.Fatalf("shared frame refcount %v, want 2", c)
	}
}

func TestCopyOnWrite(t *testing.T) {
	phys := mktestphys(t)
	src := mkpt(t, phys)
	dst := mkpt(t, phys)
	pa, _ := phys.Refpg_new()
	va := Va_t(0x400000)
	if err := src.Map(va, pa, mem.PTE_W|mem.PTE_U); err != 0 {
		t.Fatalf("map: %v", err)
	}
	phys.Dmap(pa)[0] = 0x42
	if err := src.Clone(dst); err != 0 {
		t.Fatalf("clone: %v", err)
	}

	// write fault in the clone installs a private copy
	if err := dst.Copy_on_write(va); err != 0 {
		t.Fatalf("cow: %v", err)
	}
	dp, _ := dst.Find_physical(va)
	sp, _ := src.Find_physical(va)
	if dp == sp {
		t.Fatalf("cow did not duplicate the frame")
	}
	if phys.Dmap(dp&mem.PGMASK)[0] != 0x42 {
		t.Fatalf("cow lost the original contents")
	}
	phys.Dmap(dp&mem.PGMASK)[0] = 0x69
	if phys.Dmap(sp&mem.PGMASK)[0] != 0x42 {
		t.Fatalf("write through the copy reached the original")
	}

	// the source is now the sole mapper: its fault claims the page
	if err := src.Copy_on_write(va); err != 0 {
		t.Fatalf("cow claim: %v", err)
	}
	sp2, _ := src.Find_physical(va)
	if sp2 != sp {
		t.Fatalf("sole mapper copied instead of claiming")
	}
	if pte := src.Pte(va); pte&mem.PTE_W == 0 || pte&mem.PTE_WASCOW == 0 {
		t.Fatalf("claimed pte wrong: %#x", pte)
	}
}

func TestCowOnReadonlyPageFails(t *testing.T) {
	phys := mktestphys(t)
	pt := mkpt(t, phys)
	pa, _ := phys.Refpg_new()
	va := Va_t(0x400000)
	if err := pt.Map(va, pa, mem.PTE_U); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := pt.Copy_on_write(va); err != -defs.EPERM {
		t.Fatalf("cow on truly read-only page: got %v, want -EPERM", err)
	}
}
