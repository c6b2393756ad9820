package heap

import (
	"testing"

	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/vm"
)

func mkheap(t *testing.T) (*Kmalloc_t, *vm.Vm_t, *mem.Physmem_t) {
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
	kas, err := vm.Mkvm(phys, nil, vm.KERNBASE, 0xFFC00000)
	if err != 0 {
		t.Fatalf("mkvm: %v", err)
	}
	return Mkkmalloc(kas), kas, phys
}

func TestClassRounding(t *testing.T) {
	specs := []struct {
		size, class int
	}{
		{1, 32},
		{32, 32},
		{33, 64},
		{100, 128},
		{4096, 4096},
	}
	for _, s := range specs {
		if got := classfor(s.size); got != s.class {
			t.Errorf("classfor(%v) = %v, want %v", s.size, got, s.class)
		}
	}
}

func TestKmallocAlignmentAndReuse(t *testing.T) {
	km, _, _ := mkheap(t)
	va, err := km.Kmalloc(100, KPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if va%32 != 0 {
		t.Fatalf("block %#x not 32-byte aligned", va)
	}
	vb, err := km.Kmalloc(100, KPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if vb == va {
		t.Fatalf("same block handed out twice")
	}
	if err := km.Kfree(va); err != 0 {
		t.Fatalf("kfree: %v", err)
	}
	vc, err := km.Kmalloc(128, KPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if vc != va {
		t.Fatalf("freed block not reused: got %#x, want %#x", vc, va)
	}
}

func TestPoolsSeparate(t *testing.T) {
	km, _, _ := mkheap(t)
	ka, err := km.Kmalloc(64, KPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	ua, err := km.Kmalloc(64, UPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	// different pools never share a bucket page
	if ka&^vm.Va_t(mem.PGSIZE-1) == ua&^vm.Va_t(mem.PGSIZE-1) {
		t.Fatalf("kernel and user pools share a bucket")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	km, _, _ := mkheap(t)
	va, err := km.Kmalloc(64, KPOOL)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	// a second live block keeps the bucket mapped, so the sentinel is
	// still there to catch the double free
	if _, err := km.Kmalloc(64, KPOOL); err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if err := km.Kfree(va); err != 0 {
		t.Fatalf("kfree: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("double free must panic")
		}
	}()
	km.Kfree(va)
}

func TestEmptyBucketReleased(t *testing.T) {
	km, kas, _ := mkheap(t)
	var blocks []vm.Va_t
	// a 512-byte class bucket holds 8 blocks in one page
	for i := 0; i < 8; i++ {
		va, err := km.Kmalloc(512, KPOOL)
		if err != 0 {
			t.Fatalf("kmalloc %v: %v", i, err)
		}
		blocks = append(blocks, va)
	}
	bucketpg := blocks[0] &^ vm.Va_t(mem.PGSIZE-1)
	for _, va := range blocks {
		if err := km.Kfree(va); err != 0 {
			t.Fatalf("kfree: %v", err)
		}
	}
	if _, ok := km.pagemap[bucketpg]; ok {
		t.Fatalf("empty bucket not released")
	}
	if _, err := kas.Ptab.Find_physical(bucketpg); err == 0 {
		t.Fatalf("bucket pages still mapped")
	}
}

func TestBadFree(t *testing.T) {
	km, _, _ := mkheap(t)
	if err := km.Kfree(vm.Va_t(0xdeadbeef) &^ 31); err == 0 {
		t.Fatalf("freeing unknown address succeeded")
	}
}

func TestKmallocDma(t *testing.T) {
	km, kas, phys := mkheap(t)
	pa, err := phys.Alloc(2 * mem.PGSIZE)
	if err != 0 {
		t.Fatalf("phys alloc: %v", err)
	}
	phys.Dmap(pa)[7] = 0x5a
	va, err := km.Kmalloc_dma(pa, 2*mem.PGSIZE)
	if err != 0 {
		t.Fatalf("kmalloc_dma: %v", err)
	}
	got, err := kas.Ptab.Find_physical(va + 7)
	if err != 0 {
		t.Fatalf("find: %v", err)
	}
	if got != pa+7 {
		t.Fatalf("dma window resolves to %#x, want %#x", got, pa+7)
	}
	// uncached policy for device windows
	if pte := kas.Ptab.Pte(va); pte&mem.PTE_PCD == 0 {
		t.Fatalf("dma mapping not uncached: %#x", pte)
	}
	if err := km.Kfree_dma(va, 2*mem.PGSIZE); err != 0 {
		t.Fatalf("kfree_dma: %v", err)
	}
	if c := phys.Refcnt(pa); c != 1 {
		t.Fatalf("dma backing refcount %v after release, want caller's 1", c)
	}
}