// Package mem owns every physical page frame in the system. Frames are
// handed out page-aligned, reference counted, and flagged so the final
// release of a file-backed page can be rerouted to the vnode cache that
// owns it.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t represents a physical address. The machine is 32-bit; physical
// addresses above 4GB do not exist.
type Pa_t uint32

// INVALID_FRAME is returned by allocation and unmap paths that have no
// frame to hand back.
const INVALID_FRAME Pa_t = ^Pa_t(0)

// Page table entry bits for the two-level 32-bit format. The paging
// controller lives in package vm but the bit layout is shared with the
// frame allocator, which must interpret pmap pages for accounting.
const (
	PTE_P   Pa_t = 1 << 0
	PTE_W   Pa_t = 1 << 1
	PTE_U   Pa_t = 1 << 2
	PTE_PWT Pa_t = 1 << 3
	PTE_PCD Pa_t = 1 << 4
	PTE_A   Pa_t = 1 << 5
	PTE_D   Pa_t = 1 << 6
	PTE_PAT Pa_t = 1 << 7
	PTE_G   Pa_t = 1 << 8
	// available-to-software bits
	PTE_COW    Pa_t = 1 << 9
	PTE_WASCOW Pa_t = 1 << 10
	PTE_ADDR   Pa_t = PGMASK
)

// Pgflag_t is the per-frame flag set.
type Pgflag_t uint8

const (
	PG_AVAIL Pgflag_t = 1 << 0
	PG_COW   Pgflag_t = 1 << 1
	PG_FILE  Pgflag_t = 1 << 2
)

// Pageowner_i is implemented by the vnode page cache. The final release
// of a file-backed page is rerouted to its owner instead of returning
// the frame to the free pool.
type Pageowner_i interface {
	Pagerelease(Pa_t)
}

// Physpg_t describes a single physical page frame.
type Physpg_t struct {
	Refcnt int32
	Flags  Pgflag_t
	Owner  Pageowner_i
}

// Physmem_t manages all physical memory for the system. The backing
// store is a flat byte array indexed by physical address, which is what
// the direct map dereferences.
type Physmem_t struct {
	sync.Mutex
	ram []uint8
	Pgs []Physpg_t
	// first-available search cursor for the first-fit allocator
	firstav uint32
	// kernel image frames; freeing these is refused
	kstart, kend Pa_t
	npages       int
}

var log = logrus.WithField("sub", "mem")

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg)
	return &phys.Pgs[idx].Refcnt, idx
}

// Phys_init builds the allocator from the bootloader memory map. Pages
// inside reserved map entries, the kernel image [kstart, kend), or any
// bootloader module are marked unavailable; the rest start free with a
// zero refcount.
func Phys_init(mi *mboot.Info, kstart, kend Pa_t) *Physmem_t {
	var top uint64
	for _, mr := range mi.MemoryMap {
		end := mr.Base + mr.Length
		if mr.Type == mboot.MemAvailable && end > top {
			top = end
		}
	}
	if top == 0 || top > 1<<32 {
		panic("bad memory map")
	}
	npg := int(top) >> PGSHIFT
	phys := &Physmem_t{
		ram:    make([]uint8, int(top)),
		Pgs:    make([]Physpg_t, npg),
		kstart: kstart & PGMASK,
		kend:   Pa_t(util.Roundup(int(kend), PGSIZE)),
		npages: npg,
	}
	// everything starts unavailable with a poisoned refcount
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = -10
	}
	avail := 0
	for _, mr := range mi.MemoryMap {
		if mr.Type != mboot.MemAvailable {
			continue
		}
		first := _pg2pgn(Pa_t(util.Roundup(int(mr.Base), PGSIZE)))
		past := _pg2pgn(Pa_t(util.Rounddown(int(mr.Base+mr.Length), PGSIZE)))
		for n := first; n < past && int(n) < npg; n++ {
			phys.Pgs[n].Refcnt = 0
			phys.Pgs[n].Flags = PG_AVAIL
			avail++
		}
	}
	reserve := func(start, end Pa_t) {
		first := _pg2pgn(start & PGMASK)
		past := _pg2pgn(Pa_t(util.Roundup(int(end), PGSIZE)))
		for n := first; n < past && int(n) < npg; n++ {
			if phys.Pgs[n].Flags&PG_AVAIL != 0 {
				phys.Pgs[n].Flags &^= PG_AVAIL
				phys.Pgs[n].Refcnt = -10
				avail--
			}
		}
	}
	reserve(phys.kstart, phys.kend)
	for _, mod := range mi.Modules {
		reserve(Pa_t(mod.Start), Pa_t(mod.End))
	}
	log.WithFields(logrus.Fields{
		"pages": npg,
		"avail": avail,
		"MB":    avail >> 8,
	}).Info("physical memory initialized")
	return phys
}

func (phys *Physmem_t) available(n uint32) bool {
	pg := &phys.Pgs[n]
	return pg.Flags&PG_AVAIL != 0 && pg.Refcnt == 0
}

// Alloc returns the base frame of a contiguous run of pages covering
// size bytes and sets each page's refcount to 1. The search is linear
// first-fit starting at the remembered first-available cursor.
func (phys *Physmem_t) Alloc(size int) (Pa_t, defs.Err_t) {
	if size <= 0 {
		return INVALID_FRAME, -defs.EINVAL
	}
	want := util.Roundup(size, PGSIZE) >> PGSHIFT
	phys.Lock()
	defer phys.Unlock()
	n := phys.firstav
	for int(n)+want <= phys.npages {
		run := 0
		for run < want && phys.available(n+uint32(run)) {
			run++
		}
		if run == want {
			for i := 0; i < want; i++ {
				phys.Pgs[n+uint32(i)].Refcnt = 1
				phys.Pgs[n+uint32(i)].Flags &^= PG_AVAIL
			}
			if n == phys.firstav {
				phys.firstav = n + uint32(want)
			}
			return Pa_t(n) << PGSHIFT, 0
		}
		n += uint32(run) + 1
	}
	return INVALID_FRAME, -defs.ENOMEM
}

// Free decrements the refcount of every page covering [pa, pa+size).
// A page only returns to the available pool when its count hits zero.
// Pages inside the kernel image are refused.
func (phys *Physmem_t) Free(pa Pa_t, size int) defs.Err_t {
	if pa&PGOFFSET != 0 {
		return -defs.EINVAL
	}
	if pa >= phys.kstart && pa < phys.kend {
		panic("freeing kernel image page")
	}
	pgs := util.Roundup(size, PGSIZE) >> PGSHIFT
	for i := 0; i < pgs; i++ {
		phys.Refdown(pa + Pa_t(i*PGSIZE))
	}
	return 0
}

// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	// XXXPANIC
	if c <= 0 {
		panic("wut")
	}
}

// Refdown decrements the reference count of a page. It returns true
// when this was the last reference. The final release of a file-backed
// page is rerouted to the owning vnode cache.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("wut")
	}
	if c != 0 {
		return false
	}
	phys.Lock()
	pg := &phys.Pgs[idx]
	if pg.Flags&PG_FILE != 0 && pg.Owner != nil {
		owner := pg.Owner
		phys.Unlock()
		owner.Pagerelease(p_pg)
		return true
	}
	pg.Flags = PG_AVAIL
	if idx < phys.firstav {
		phys.firstav = idx
	}
	phys.Unlock()
	return true
}

// Page_setfile tags the frame file-backed and records the owning cache.
func (phys *Physmem_t) Page_setfile(p_pg Pa_t, owner Pageowner_i) {
	phys.Lock()
	_, idx := phys.Refaddr(p_pg)
	phys.Pgs[idx].Flags |= PG_FILE
	phys.Pgs[idx].Owner = owner
	phys.Unlock()
}

// Page_clearfile drops the file backing tag; the next final release
// returns the frame to the pool.
func (phys *Physmem_t) Page_clearfile(p_pg Pa_t) {
	phys.Lock()
	_, idx := phys.Refaddr(p_pg)
	phys.Pgs[idx].Flags &^= PG_FILE
	phys.Pgs[idx].Owner = nil
	phys.Unlock()
}

// Page_setcow tags the frame as shared copy-on-write.
func (phys *Physmem_t) Page_setcow(p_pg Pa_t) {
	phys.Lock()
	_, idx := phys.Refaddr(p_pg)
	phys.Pgs[idx].Flags |= PG_COW
	phys.Unlock()
}

// Refpg_new allocates a zeroed page. The returned refcount is 1.
func (phys *Physmem_t) Refpg_new() (Pa_t, defs.Err_t) {
	pa, err := phys.Alloc(PGSIZE)
	if err != 0 {
		return INVALID_FRAME, err
	}
	pg := phys.Dmap(pa)
	for i := range pg {
		pg[i] = 0
	}
	return pa, 0
}

// Refpg_new_nozero allocates an uninitialized page.
func (phys *Physmem_t) Refpg_new_nozero() (Pa_t, defs.Err_t) {
	return phys.Alloc(PGSIZE)
}

// Dmap returns the direct-map window for the whole page containing p.
func (phys *Physmem_t) Dmap(p Pa_t) []uint8 {
	base := int(p & PGMASK)
	if base+PGSIZE > len(phys.ram) {
		panic("direct map not large enough")
	}
	return phys.ram[base : base+PGSIZE]
}

// Dmap8 returns the direct-map window starting at the byte address p
// and running to the end of p's page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	return pg[off:]
}

// Pmap_ent reads page table entry i of the table page at p.
func (phys *Physmem_t) Pmap_ent(p Pa_t, i int) Pa_t {
	pg := phys.Dmap(p)
	return Pa_t(util.Readn(pg, 4, i*4))
}

// Pmap_setent writes page table entry i of the table page at p.
func (phys *Physmem_t) Pmap_setent(p Pa_t, i int, pte Pa_t) {
	pg := phys.Dmap(p)
	util.Writen(pg, 4, i*4, int(pte))
}

// Pgcount reports the number of free and used pages.
func (phys *Physmem_t) Pgcount() (int, int) {
	phys.Lock()
	defer phys.Unlock()
	free, used := 0, 0
	for i := range phys.Pgs {
		if phys.Pgs[i].Flags&PG_AVAIL != 0 && phys.Pgs[i].Refcnt == 0 {
			free++
		} else if phys.Pgs[i].Refcnt > 0 {
			used++
		}
	}
	return free, used
}

// Managed reports whether pa falls inside the RAM this allocator
// tracks. Device apertures above the map are not refcounted.
func (phys *Physmem_t) Managed(pa Pa_t) bool {
	return int(_pg2pgn(pa)) < phys.npages
}

// Kernel_covers reports whether pa falls inside the kernel image.
func (phys *Physmem_t) Kernel_covers(pa Pa_t) bool {
	return pa >= phys.kstart && pa < phys.kend
}

// P_zeropg is the shared all-zero frame mapped copy-on-write for
// anonymous read faults. Initialized by Zeropg_init.
var P_zeropg Pa_t = INVALID_FRAME

// Zeropg_init allocates the shared zero frame. The permanent extra
// reference keeps it from ever returning to the pool.
func (phys *Physmem_t) Zeropg_init() defs.Err_t {
	pa, err := phys.Refpg_new()
	if err != 0 {
		return err
	}
	phys.Refup(pa)
	P_zeropg = pa
	return 0
}
