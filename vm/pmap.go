// Package vm implements the paging controller, the virtual address
// space allocator, and the per-process address space container.
package vm

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
)

var log = logrus.WithField("sub", "vm")

// Va_t represents a virtual address.
type Va_t uint32

// PGOFFSET masks offsets within a page.
const PGOFFSET Va_t = 0xfff

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// The user half is [0, KERNBASE); the kernel half is [KERNBASE, top).
// The final page directory slot is the recursive mapping, so the last
// 4MB of the kernel half are never handed out.
const (
	KERNBASE Va_t = 0xC0000000
	// page directory index of the first kernel entry
	kpdx1st = int(KERNBASE >> 22)
	// recursive slot
	recslot = 1023
	// entries per table page
	nptents = 1024
)

func pdx(va Va_t) int {
	return int(va >> 22)
}

func ptx(va Va_t) int {
	return int(va>>12) & 0x3ff
}

// Cachepol_t selects the caching policy for a mapping.
type Cachepol_t int

const (
	WRITEBACK Cachepol_t = iota
	WRITETHRU
	UNCACHED
	WRCOMB
)

// Ptable_t is one address space's page table tree. The root table's
// last entry points at the root itself, so a loaded table tree is
// reachable at fixed virtual addresses without extra bookkeeping.
type Ptable_t struct {
	phys   *mem.Physmem_t
	P_root mem.Pa_t
	// write-combining needs PAT; without it WRCOMB falls back
	Pat_ok bool
	tlbgen uint64
}

// Mkptable allocates a fresh root table. When kernel is non-nil its
// kernel-half directory entries are aliased into the new root, sharing
// the kernel page tables between all address spaces.
func Mkptable(phys *mem.Physmem_t, kernel *Ptable_t) (*Ptable_t, defs.Err_t) {
	rpa, err := phys.Refpg_new()
	if err != 0 {
		return nil, err
	}
	pt := &Ptable_t{phys: phys, P_root: rpa}
	if kernel != nil {
		pt.Pat_ok = kernel.Pat_ok
		for i := kpdx1st; i < recslot; i++ {
			phys.Pmap_setent(rpa, i, phys.Pmap_ent(kernel.P_root, i))
		}
	}
	phys.Pmap_setent(rpa, recslot, rpa|mem.PTE_P|mem.PTE_W)
	return pt, 0
}

// Cachebits derives the PTE cache-policy bits for pol. Requesting
// write-combining without PAT support falls back to uncached.
func (pt *Ptable_t) Cachebits(pol Cachepol_t) mem.Pa_t {
	switch pol {
	case WRITETHRU:
		return mem.PTE_PWT
	case UNCACHED:
		return mem.PTE_PCD | mem.PTE_PWT
	case WRCOMB:
		if pt.Pat_ok {
			return mem.PTE_PAT | mem.PTE_PWT
		}
		return mem.PTE_PCD | mem.PTE_PWT
	default:
		return 0
	}
}

// Tlbinval invalidates the TLB entry for va.
func (pt *Ptable_t) Tlbinval(va Va_t) {
	atomic.AddUint64(&pt.tlbgen, 1)
}

// Tlbflush invalidates every TLB entry for this address space.
func (pt *Ptable_t) Tlbflush() {
	atomic.AddUint64(&pt.tlbgen, 1)
}

// Tlbgen returns the invalidation generation, for the fault handler
// and tests.
func (pt *Ptable_t) Tlbgen() uint64 {
	return atomic.LoadUint64(&pt.tlbgen)
}

// walk returns the table page and entry index for va, optionally
// allocating a missing page table. The new table page is zero filled.
func (pt *Ptable_t) walk(va Va_t, create bool) (mem.Pa_t, int, defs.Err_t) {
	pde := pt.phys.Pmap_ent(pt.P_root, pdx(va))
	if pde&mem.PTE_P == 0 {
		if !create {
			return 0, 0, -defs.ENOENT
		}
		tpa, err := pt.phys.Refpg_new()
		if err != 0 {
			return 0, 0, err
		}
		flags := mem.PTE_P | mem.PTE_W
		if va < KERNBASE {
			flags |= mem.PTE_U
		}
		pde = tpa | flags
		pt.phys.Pmap_setent(pt.P_root, pdx(va), pde)
	}
	return pde & mem.PTE_ADDR, ptx(va), 0
}

// Map binds one page. The virtual address must be aligned and not
// already present.
func (pt *Ptable_t) Map(va Va_t, pa mem.Pa_t, flags mem.Pa_t) defs.Err_t {
	if va&PGOFFSET != 0 || pa&mem.PGOFFSET != 0 {
		return -defs.EINVAL
	}
	tpa, ti, err := pt.walk(va, true)
	if err != 0 {
		return err
	}
	if pt.phys.Pmap_ent(tpa, ti)&mem.PTE_P != 0 {
		return -defs.EEXIST
	}
	pt.phys.Pmap_setent(tpa, ti, pa|flags|mem.PTE_P)
	pt.Tlbinval(va)
	return 0
}

// Map_range maps size bytes page by page and rolls back the pages it
// mapped on the first failure.
func (pt *Ptable_t) Map_range(va Va_t, pa mem.Pa_t, size int, flags mem.Pa_t) defs.Err_t {
	pgs := (size + mem.PGSIZE - 1) >> PGSHIFT
	for i := 0; i < pgs; i++ {
		off := Va_t(i << PGSHIFT)
		if err := pt.Map(va+off, pa+mem.Pa_t(i<<PGSHIFT), flags); err != 0 {
			for j := 0; j < i; j++ {
				pt.Unmap(va + Va_t(j<<PGSHIFT))
			}
			return err
		}
	}
	return 0
}

// Unmap clears the PTE for va, invalidates its TLB entry, and returns
// the physical frame that was mapped. The caller owns the returned
// frame's reference. A copy-on-write page table is duplicated first so
// the sibling address space keeps its mapping.
func (pt *Ptable_t) Unmap(va Va_t) (mem.Pa_t, defs.Err_t) {
	pde := pt.phys.Pmap_ent(pt.P_root, pdx(va))
	if pde&mem.PTE_P == 0 {
		return mem.INVALID_FRAME, -defs.ENOENT
	}
	if pde&mem.PTE_COW != 0 {
		if err := pt.cowtable(va); err != 0 {
			return mem.INVALID_FRAME, err
		}
		pde = pt.phys.Pmap_ent(pt.P_root, pdx(va))
	}
	tpa := pde & mem.PTE_ADDR
	pte := pt.phys.Pmap_ent(tpa, ptx(va))
	if pte&mem.PTE_P == 0 {
		return mem.INVALID_FRAME, -defs.ENOENT
	}
	pt.phys.Pmap_setent(tpa, ptx(va), 0)
	pt.Tlbinval(va)
	return pte & mem.PTE_ADDR, 0
}

// Find_physical resolves va to a physical address including the page
// offset.
func (pt *Ptable_t) Find_physical(va Va_t) (mem.Pa_t, defs.Err_t) {
	tpa, ti, err := pt.walk(va, false)
	if err != 0 {
		return mem.INVALID_FRAME, err
	}
	pte := pt.phys.Pmap_ent(tpa, ti)
	if pte&mem.PTE_P == 0 {
		return mem.INVALID_FRAME, -defs.ENOENT
	}
	return (pte & mem.PTE_ADDR) | mem.Pa_t(va&PGOFFSET), 0
}

// Pte reads the raw PTE for va, or 0 when absent. Used by the fault
// path and by the page cache to consult accessed/dirty bits.
func (pt *Ptable_t) Pte(va Va_t) mem.Pa_t {
	tpa, ti, err := pt.walk(va, false)
	if err != 0 {
		return 0
	}
	return pt.phys.Pmap_ent(tpa, ti)
}

// Clone shallow-copies every user-half directory entry into dst. The
// page tables themselves are shared: each shared table and every
// writable page within it is marked read-only and copy-on-write in
// both trees, and every shared frame's refcount is incremented. Kernel
// entries stay aliased.
func (pt *Ptable_t) Clone(dst *Ptable_t) defs.Err_t {
	phys := pt.phys
	for i := 0; i < kpdx1st; i++ {
		pde := phys.Pmap_ent(pt.P_root, i)
		if pde&mem.PTE_P == 0 {
			continue
		}
		tpa := pde & mem.PTE_ADDR
		// demote every writable or already-CoW user page in the
		// shared table; the marking is visible to both trees.
		for ti := 0; ti < nptents; ti++ {
			pte := phys.Pmap_ent(tpa, ti)
			if pte&mem.PTE_P == 0 {
				continue
			}
			phys.Refup(pte & mem.PTE_ADDR)
			if pte&mem.PTE_W != 0 {
				pte &^= mem.PTE_W
				pte |= mem.PTE_COW
				phys.Pmap_setent(tpa, ti, pte)
				phys.Page_setcow(pte & mem.PTE_ADDR)
			}
		}
		phys.Refup(tpa)
		npde := (pde &^ mem.PTE_W) | mem.PTE_COW
		phys.Pmap_setent(pt.P_root, i, npde)
		phys.Pmap_setent(dst.P_root, i, npde)
	}
	pt.Tlbflush()
	dst.Tlbflush()
	return 0
}

// cowtable gives this tree its own copy of the page table covering va.
// The last reference claims the shared table instead of copying it.
func (pt *Ptable_t) cowtable(va Va_t) defs.Err_t {
	phys := pt.phys
	pde := phys.Pmap_ent(pt.P_root, pdx(va))
	tpa := pde & mem.PTE_ADDR
	if phys.Refcnt(tpa) > 1 {
		ntpa, err := phys.Refpg_new_nozero()
		if err != 0 {
			return err
		}
		copy(phys.Dmap(ntpa), phys.Dmap(tpa))
		phys.Refdown(tpa)
		tpa = ntpa
	}
	npde := tpa | (pde &^ (mem.PTE_COW | mem.PTE_ADDR)) | mem.PTE_W
	phys.Pmap_setent(pt.P_root, pdx(va), npde)
	pt.Tlbflush()
	return 0
}

// Copy_on_write resolves a write fault on va. A shared page table is
// duplicated first; then a shared frame is either claimed (last
// reference) or copied into a fresh frame. Returns -EPERM when the
// fault targets a truly read-only page.
func (pt *Ptable_t) Copy_on_write(va Va_t) defs.Err_t {
	phys := pt.phys
	pde := phys.Pmap_ent(pt.P_root, pdx(va))
	if pde&mem.PTE_P == 0 {
		return -defs.EPERM
	}
	if pde&mem.PTE_COW != 0 {
		if err := pt.cowtable(va); err != 0 {
			return err
		}
	}
	tpa, ti, err := pt.walk(va, false)
	if err != 0 {
		return -defs.EPERM
	}
	pte := phys.Pmap_ent(tpa, ti)
	if pte&mem.PTE_P == 0 {
		return -defs.EPERM
	}
	if pte&mem.PTE_W != 0 {
		// resolved by an earlier pass through this path
		return 0
	}
	if pte&mem.PTE_COW == 0 {
		return -defs.EPERM
	}
	pa := pte & mem.PTE_ADDR
	if phys.Refcnt(pa) == 1 && pa != mem.P_zeropg {
		// sole mapper: claim the page, skip the copy
		npte := (pte &^ mem.PTE_COW) | mem.PTE_W | mem.PTE_WASCOW | mem.PTE_D
		phys.Pmap_setent(tpa, ti, npte)
		pt.Tlbinval(va)
		return 0
	}
	npa, aerr := phys.Refpg_new_nozero()
	if aerr != 0 {
		return aerr
	}
	copy(phys.Dmap(npa), phys.Dmap(pa))
	npte := npa | (pte &^ (mem.PTE_COW | mem.PTE_ADDR)) | mem.PTE_W | mem.PTE_WASCOW | mem.PTE_D
	phys.Pmap_setent(tpa, ti, npte)
	phys.Refdown(pa)
	pt.Tlbinval(va)
	return 0
}

// Ptable_free releases the user-half page tables and the root. Mapped
// user frames must already have been released by the address space.
func (pt *Ptable_t) Ptable_free() {
	phys := pt.phys
	for i := 0; i < kpdx1st; i++ {
		pde := phys.Pmap_ent(pt.P_root, i)
		if pde&mem.PTE_P == 0 {
			continue
		}
		phys.Refdown(pde & mem.PTE_ADDR)
		phys.Pmap_setent(pt.P_root, i, 0)
	}
	phys.Refdown(pt.P_root)
	pt.P_root = mem.INVALID_FRAME
}
