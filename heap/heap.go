// Package heap is the kernel allocator: size-classed buckets carved
// out of the kernel address space, with freelists threaded through the
// free blocks themselves.
package heap

import (
	"sync"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/util"
	"github.com/sablekernel/sable/vm"
)

// Blocks are aligned on the smallest class.
const (
	minclass = 32
	maxclass = mem.PGSIZE
	// sentinel stored in free blocks to catch double frees
	freemagic = 0xfeedface
	nulloff   = 0xffffffff
)

// Pool_t separates kernel-internal allocations from those holding
// user-reachable data.
type Pool_t int

const (
	KPOOL Pool_t = iota
	UPOOL
	npool
)

type bucket_t struct {
	va       vm.Va_t
	pgs      int
	class    int
	nblocks  int
	nfree    int
	freehead uint32
	pool     Pool_t
}

// Kmalloc_t hands out fixed-size blocks from power-of-two size
// classes. Each bucket is one contiguous VMA of whole pages.
type Kmalloc_t struct {
	sync.Mutex
	as *vm.Vm_t
	// per-pool buckets by class
	buckets [npool]map[int][]*bucket_t
	// bucket lookup by page-aligned block address
	pagemap map[vm.Va_t]*bucket_t
}

// Mkkmalloc builds a heap over the kernel address space.
func Mkkmalloc(kas *vm.Vm_t) *Kmalloc_t {
	km := &Kmalloc_t{as: kas, pagemap: make(map[vm.Va_t]*bucket_t)}
	for p := range km.buckets {
		km.buckets[p] = make(map[int][]*bucket_t)
	}
	return km
}

func classfor(size int) int {
	c := minclass
	for c < size {
		c <<= 1
	}
	return c
}

func (km *Kmalloc_t) read32(va vm.Va_t) uint32 {
	pa, err := km.as.Ptab.Find_physical(va)
	if err != 0 {
		panic("heap block not mapped")
	}
	return uint32(util.Readn(km.as.Phys.Dmap8(pa), 4, 0))
}

func (km *Kmalloc_t) write32(va vm.Va_t, v uint32) {
	pa, err := km.as.Ptab.Find_physical(va)
	if err != 0 {
		panic("heap block not mapped")
	}
	util.Writen(km.as.Phys.Dmap8(pa), 4, 0, int(v))
}

// newbucket maps a fresh bucket for class and threads its freelist.
func (km *Kmalloc_t) newbucket(class int, pool Pool_t) (*bucket_t, defs.Err_t) {
	pgs := util.Roundup(class*8, mem.PGSIZE) / mem.PGSIZE
	va, err := km.as.Mmap(0, pgs*mem.PGSIZE, vm.PROT_READ|vm.PROT_WRITE|vm.PROT_KERN, nil)
	if err != 0 {
		return nil, err
	}
	// fault the pages in now; allocation paths must not fault later
	for i := 0; i < pgs; i++ {
		fva := va + vm.Va_t(i*mem.PGSIZE)
		if ferr := km.as.Fault(fva, vm.ECODE_W); ferr != 0 {
			km.as.Munmap(va, pgs*mem.PGSIZE)
			return nil, ferr
		}
	}
	b := &bucket_t{
		va:      va,
		pgs:     pgs,
		class:   class,
		nblocks: pgs * mem.PGSIZE / class,
		pool:    pool,
	}
	b.nfree = b.nblocks
	b.freehead = nulloff
	for i := b.nblocks - 1; i >= 0; i-- {
		off := uint32(i * class)
		km.write32(va+vm.Va_t(off), freemagic)
		km.write32(va+vm.Va_t(off)+4, b.freehead)
		b.freehead = off
	}
	for i := 0; i < pgs; i++ {
		km.pagemap[va+vm.Va_t(i*mem.PGSIZE)] = b
	}
	km.buckets[pool][class] = append(km.buckets[pool][class], b)
	return b, 0
}

// Kmalloc returns a block of at least size bytes, 32-byte aligned.
func (km *Kmalloc_t) Kmalloc(size int, pool Pool_t) (vm.Va_t, defs.Err_t) {
	if size <= 0 || size > maxclass {
		return 0, -defs.EINVAL
	}
	class := classfor(size)
	km.Lock()
	defer km.Unlock()
	var b *bucket_t
	for _, cand := range km.buckets[pool][class] {
		if cand.nfree > 0 {
			b = cand
			break
		}
	}
	if b == nil {
		var err defs.Err_t
		b, err = km.newbucket(class, pool)
		if err != 0 {
			return 0, err
		}
	}
	off := b.freehead
	blk := b.va + vm.Va_t(off)
	b.freehead = km.read32(blk + 4)
	b.nfree--
	// clobber the sentinel
	km.write32(blk, 0)
	km.write32(blk+4, 0)
	return blk, 0
}

// Kfree returns a block to its bucket; an empty bucket is unmapped.
func (km *Kmalloc_t) Kfree(va vm.Va_t) defs.Err_t {
	km.Lock()
	defer km.Unlock()
	b, ok := km.pagemap[va&^vm.Va_t(mem.PGSIZE-1)]
	if !ok {
		return -defs.EINVAL
	}
	off := uint32(va - b.va)
	if int(off)%b.class != 0 {
		return -defs.EINVAL
	}
	if km.read32(va) == freemagic {
		panic("kfree: double free")
	}
	km.write32(va, freemagic)
	km.write32(va+4, b.freehead)
	b.freehead = off
	b.nfree++
	if b.nfree == b.nblocks {
		km.release(b)
	}
	return 0
}

func (km *Kmalloc_t) release(b *bucket_t) {
	bl := km.buckets[b.pool][b.class]
	for i, cand := range bl {
		if cand == b {
			km.buckets[b.pool][b.class] = append(bl[:i], bl[i+1:]...)
			break
		}
	}
	for i := 0; i < b.pgs; i++ {
		delete(km.pagemap, b.va+vm.Va_t(i*mem.PGSIZE))
	}
	km.as.Munmap(b.va, b.pgs*mem.PGSIZE)
}

// Kmalloc_dma maps the physical range [pa, pa+size) into the kernel
// range uncached and returns the virtual window.
func (km *Kmalloc_t) Kmalloc_dma(pa mem.Pa_t, size int) (vm.Va_t, defs.Err_t) {
	if size <= 0 {
		return 0, -defs.EINVAL
	}
	va, err := km.as.Alloc_at(pa, size, vm.PROT_READ|vm.PROT_WRITE|vm.PROT_KERN, vm.UNCACHED)
	if err != 0 {
		return 0, err
	}
	pgs := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < pgs; i++ {
		if ferr := km.as.Fault(va+vm.Va_t(i*mem.PGSIZE), vm.ECODE_W); ferr != 0 {
			km.as.Munmap(va, pgs*mem.PGSIZE)
			return 0, ferr
		}
	}
	return va + vm.Va_t(pa&mem.PGOFFSET), 0
}

// Kfree_dma releases a window created by Kmalloc_dma.
func (km *Kmalloc_t) Kfree_dma(va vm.Va_t, size int) defs.Err_t {
	return km.as.Munmap(va&^vm.Va_t(mem.PGSIZE-1), util.Roundup(size, mem.PGSIZE))
}
