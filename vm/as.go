package vm

import (
	"sync"
	"sync/atomic"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/ustr"
)

// Page fault error code bits, as delivered by the fault path.
const (
	ECODE_P uint32 = 1 << 0
	ECODE_W uint32 = 1 << 1
	ECODE_U uint32 = 1 << 2
)

// Vm_t represents a process address space: the frame allocator handle,
// the page table root, and the VMA allocator. The mutex protects the
// Vmregion and the page tables.
type Vm_t struct {
	sync.Mutex
	Phys     *mem.Physmem_t
	Ptab     *Ptable_t
	Vmregion *Vmregion_t
	kernel   bool
	refs     int32
}

var curspace *Vm_t

// Curspace returns the currently-loaded address space.
func Curspace() *Vm_t {
	return curspace
}

// Mkvm creates an address space covering [start, end) with a fresh
// root table. kas supplies the shared kernel entries; nil builds the
// kernel space itself.
func Mkvm(phys *mem.Physmem_t, kas *Vm_t, start, end Va_t) (*Vm_t, defs.Err_t) {
	var ktab *Ptable_t
	kernel := kas == nil
	if !kernel {
		ktab = kas.Ptab
	}
	pt, err := Mkptable(phys, ktab)
	if err != 0 {
		return nil, err
	}
	return &Vm_t{
		Phys:     phys,
		Ptab:     pt,
		Vmregion: Mkvmregion(start, end),
		kernel:   kernel,
	}, 0
}

// Ref_up records a thread referencing this space.
func (as *Vm_t) Ref_up() {
	atomic.AddInt32(&as.refs, 1)
}

// Ref_down drops a thread reference and reports whether this was the
// last one.
func (as *Vm_t) Ref_down() bool {
	c := atomic.AddInt32(&as.refs, -1)
	if c < 0 {
		panic("wut")
	}
	return c == 0
}

// Load installs the space onto the CPU. The caller must have
// preemption disabled.
func (as *Vm_t) Load() {
	curspace = as
	as.Ptab.Tlbflush()
}

// fault_inner runs the page-fault state machine with the space lock
// held. Not-present faults are delegated to the enclosing VMA's pager;
// writes to present pages go down the copy-on-write path; everything
// else is a protection error.
func (as *Vm_t) fault_inner(va Va_t, ecode uint32) defs.Err_t {
	vmi, ok := as.Vmregion.Find(va)
	if !ok || !vmi.Allocated {
		return -defs.EPERM
	}
	isguard := vmi.Perms == PROT_NONE
	if isguard {
		return -defs.EPERM
	}
	iswrite := ecode&ECODE_W != 0
	if iswrite && vmi.Perms&PROT_WRITE == 0 {
		return -defs.EPERM
	}
	if ecode&ECODE_P == 0 {
		return vmi.Pager.Fault(as, vmi, va, iswrite)
	}
	if iswrite {
		return as.Ptab.Copy_on_write(va)
	}
	return -defs.EPERM
}

// Fault resolves a page fault at va. Success means the faulting
// instruction can be resumed; a failure is fatal for the faulting
// thread.
func (as *Vm_t) Fault(va Va_t, ecode uint32) defs.Err_t {
	as.Lock()
	ret := as.fault_inner(va, ecode)
	as.Unlock()
	if ret != 0 {
		log.WithFields(map[string]interface{}{
			"addr": va, "ecode": ecode, "err": ret,
		}).Debug("unrecoverable fault")
	}
	return ret
}

// Mmap reserves size bytes of address space with the given protection,
// lazily backed through pager. A zero hint lets the allocator choose.
func (as *Vm_t) Mmap(hint Va_t, size int, perms Prot_t, pager Pager_i) (Va_t, defs.Err_t) {
	if pager == nil {
		pager = Anonpager
	}
	as.Lock()
	defer as.Unlock()
	if as.Vmregion.Novma() >= defs.NOVMA {
		return 0, -defs.ENOMEM
	}
	vmi, err := as.Vmregion.Alloc(hint, size, perms, pager)
	if err != 0 {
		return 0, err
	}
	return vmi.Start, 0
}

// clearrange unmaps and releases every mapped frame of vmi.
func (as *Vm_t) clearrange(vmi *Vminfo_t) {
	for va := vmi.Start; va < vmi.End(); va += Va_t(mem.PGSIZE) {
		pa, err := as.Ptab.Unmap(va)
		if err == 0 && as.Phys.Managed(pa) {
			as.Phys.Refdown(pa)
		}
	}
}

// Munmap releases [addr, addr+size): backing frames are unmapped and
// freed, the VMA metadata is merged back into the free pool.
func (as *Vm_t) Munmap(addr Va_t, size int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.Vmregion.Free(addr, size, func(vmi *Vminfo_t) {
		vmi.Pager.Free(as, vmi)
		as.clearrange(vmi)
	})
}

// Clear releases every allocated VMA's backing frames but keeps the
// space usable. Forbidden on the kernel address space.
func (as *Vm_t) Clear() {
	if as.kernel {
		panic("clearing kernel address space")
	}
	as.Lock()
	as.Vmregion.Clear(func(vmi *Vminfo_t) {
		vmi.Pager.Free(as, vmi)
		as.clearrange(vmi)
	})
	as.Unlock()
}

// Destroy tears the space down. Only legal when no thread references
// it and it is not currently loaded.
func (as *Vm_t) Destroy() {
	if as.kernel {
		panic("destroying kernel address space")
	}
	if as == curspace {
		panic("destroying current address space")
	}
	if atomic.LoadInt32(&as.refs) != 0 {
		panic("destroying referenced address space")
	}
	as.Clear()
	as.Lock()
	as.Ptab.Ptable_free()
	as.Unlock()
}

// Copy_current clones the currently-loaded space into dst: the page
// tables are shared copy-on-write and the VAS metadata is replicated.
func Copy_current(dst *Vm_t) defs.Err_t {
	src := curspace
	if src == nil {
		panic("no current space")
	}
	src.Lock()
	defer src.Unlock()
	dst.Lock()
	defer dst.Unlock()
	if err := src.Ptab.Clone(dst.Ptab); err != 0 {
		return err
	}
	// replicate the VMA set
	src.Vmregion.Apply(func(v *Vminfo_t) bool {
		if !v.Allocated {
			return true
		}
		nvmi, err := dst.Vmregion.Alloc(v.Start, v.Len, v.Perms, v.Pager)
		if err != 0 {
			panic("wut")
		}
		if nvmi.Start != v.Start {
			panic("vas mismatch")
		}
		v.Pager.Dup(nvmi)
		return true
	})
	return 0
}

// anonpager_t lazily backs a VMA with fresh frames. A read fault maps
// the shared zero frame copy-on-write; a write fault installs a
// zeroed private frame.
type anonpager_t struct{}

// Anonpager is the pager for private anonymous mappings.
var Anonpager Pager_i = &anonpager_t{}

func (ap *anonpager_t) Fault(as *Vm_t, vmi *Vminfo_t, va Va_t, iswrite bool) defs.Err_t {
	va = va &^ PGOFFSET
	if as.Ptab.Pte(va)&mem.PTE_P != 0 {
		// simultaneous fault already resolved it
		return 0
	}
	bits := vmi.Perms.Ptebits() | mem.PTE_A
	if !iswrite && mem.P_zeropg != mem.INVALID_FRAME {
		as.Phys.Refup(mem.P_zeropg)
		cow := (bits &^ mem.PTE_W) | mem.PTE_COW
		return as.Ptab.Map(va, mem.P_zeropg, cow)
	}
	pa, err := as.Phys.Refpg_new()
	if err != 0 {
		return err
	}
	if iswrite {
		bits |= mem.PTE_D
	}
	if err := as.Ptab.Map(va, pa, bits); err != 0 {
		as.Phys.Refdown(pa)
		return err
	}
	return 0
}

func (ap *anonpager_t) Free(as *Vm_t, vmi *Vminfo_t) {
}

func (ap *anonpager_t) Dup(vmi *Vminfo_t) {
}

// Physpager_t maps a VMA onto a fixed physical range, for DMA-style
// windows onto device memory. Cache selects the mapping policy.
type Physpager_t struct {
	Pa    mem.Pa_t
	Cache Cachepol_t
}

func (pp *Physpager_t) Fault(as *Vm_t, vmi *Vminfo_t, va Va_t, iswrite bool) defs.Err_t {
	va = va &^ PGOFFSET
	if as.Ptab.Pte(va)&mem.PTE_P != 0 {
		return 0
	}
	off := mem.Pa_t(va - vmi.Start)
	pa := pp.Pa + off
	bits := vmi.Perms.Ptebits() | as.Ptab.Cachebits(pp.Cache)
	if as.Phys.Managed(pa) {
		as.Phys.Refup(pa)
	}
	if err := as.Ptab.Map(va, pa, bits); err != 0 {
		if as.Phys.Managed(pa) {
			as.Phys.Refdown(pa)
		}
		return err
	}
	return 0
}

func (pp *Physpager_t) Free(as *Vm_t, vmi *Vminfo_t) {
}

func (pp *Physpager_t) Dup(vmi *Vminfo_t) {
}

// Alloc_at reserves a virtual window onto the physical range
// [pa, pa+size), for device mappings.
func (as *Vm_t) Alloc_at(pa mem.Pa_t, size int, perms Prot_t, pol Cachepol_t) (Va_t, defs.Err_t) {
	return as.Mmap(0, size, perms, &Physpager_t{Pa: pa &^ mem.PGOFFSET, Cache: pol})
}

// Userdmap8_inner returns a direct-map slice for the user address va,
// running to the end of va's page. When k2u is set the page is
// prepared for a kernel write: a not-present or copy-on-write mapping
// is faulted in first.
func (as *Vm_t) Userdmap8_inner(va Va_t, k2u bool) ([]uint8, defs.Err_t) {
	vmi, ok := as.Vmregion.Find(va)
	if !ok || !vmi.Allocated {
		return nil, -defs.EPERM
	}
	pte := as.Ptab.Pte(va)
	isp := pte&mem.PTE_P != 0
	needfault := true
	ecode := ECODE_U
	if k2u {
		ecode |= ECODE_W
		if isp && pte&mem.PTE_W != 0 {
			needfault = false
		}
		if isp {
			ecode |= ECODE_P
		}
	} else if isp {
		needfault = false
	}
	if needfault {
		if err := as.fault_inner(va, ecode); err != 0 {
			return nil, err
		}
	}
	pa, err := as.Ptab.Find_physical(va)
	if err != 0 {
		return nil, -defs.ENOMEM
	}
	return as.Phys.Dmap8(pa), 0
}

// K2user copies src into the address space starting at uva.
func (as *Vm_t) K2user(src []uint8, uva Va_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(src) {
		dst, err := as.Userdmap8_inner(uva+Va_t(cnt), true)
		if err != 0 {
			return err
		}
		did := copy(dst, src[cnt:])
		cnt += did
	}
	return 0
}

// User2k copies len(dst) bytes from uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva Va_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(dst) {
		src, err := as.Userdmap8_inner(uva+Va_t(cnt), false)
		if err != 0 {
			return err
		}
		did := copy(dst[cnt:], src)
		cnt += did
	}
	return 0
}

// Userstr copies a NUL terminated string from the space, up to lenmax
// bytes.
func (as *Vm_t) Userstr(uva Va_t, lenmax int) (ustr.Ustr, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	s := ustr.MkUstr()
	for i := 0; ; {
		str, err := as.Userdmap8_inner(uva+Va_t(i), false)
		if err != 0 {
			return nil, err
		}
		for j, c := range str {
			if c == 0 {
				if len(s)+j >= lenmax {
					return nil, -defs.ENAMETOOLONG
				}
				return append(s, str[:j]...), 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}
