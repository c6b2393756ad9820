package vm

import (
	"github.com/google/btree"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/util"
)

// Prot_t is the protection and behavior flag set shared by mmap-style
// requests and VMAs, enabling a type-checked conversion between the
// two.
type Prot_t uint32

const (
	PROT_NONE  Prot_t = 0
	PROT_READ  Prot_t = 1 << 0
	PROT_WRITE Prot_t = 1 << 1
	PROT_EXEC  Prot_t = 1 << 2
	PROT_KERN  Prot_t = 1 << 3
	// zero the frame on first touch
	PROT_CLEAR Prot_t = 1 << 4
)

// Ptebits converts protection flags to their page-table encoding.
func (p Prot_t) Ptebits() mem.Pa_t {
	var ret mem.Pa_t
	if p&PROT_WRITE != 0 {
		ret |= mem.PTE_W
	}
	if p&PROT_KERN == 0 {
		ret |= mem.PTE_U
	}
	return ret
}

// Pager_i supplies fault and free semantics for a VMA.
type Pager_i interface {
	// Fault maps a frame for va. iswrite distinguishes the fault type.
	Fault(as *Vm_t, vmi *Vminfo_t, va Va_t, iswrite bool) defs.Err_t
	// Free releases per-VMA pager state when the region is dropped.
	Free(as *Vm_t, vmi *Vminfo_t)
	// Dup accounts for a second VMA sharing this pager across an
	// address space copy.
	Dup(vmi *Vminfo_t)
}

// Vminfo_t is one virtual memory area: a half-open page-aligned range
// with protection flags and a pager.
type Vminfo_t struct {
	Start     Va_t
	Len       int
	Perms     Prot_t
	Allocated bool
	Pager     Pager_i

	// slab bookkeeping
	spg  *vmapage_t
	sidx int
}

// End returns the address one past the region.
func (vmi *Vminfo_t) End() Va_t {
	return vmi.Start + Va_t(vmi.Len)
}

// Covers reports whether va falls inside the region.
func (vmi *Vminfo_t) Covers(va Va_t) bool {
	return va >= vmi.Start && va < vmi.End()
}

// VMA records are allocated from a dedicated bitmap slab so that
// growing the VMA set never recurses into the allocator it backs.
const vmaperpg = 64

type vmapage_t struct {
	bits uint64
	recs [vmaperpg]Vminfo_t
}

type vmaslab_t struct {
	pgs []*vmapage_t
}

func (sl *vmaslab_t) alloc() *Vminfo_t {
	for _, pg := range sl.pgs {
		if pg.bits != ^uint64(0) {
			for i := 0; i < vmaperpg; i++ {
				if pg.bits&(1<<uint(i)) == 0 {
					pg.bits |= 1 << uint(i)
					vmi := &pg.recs[i]
					*vmi = Vminfo_t{spg: pg, sidx: i}
					return vmi
				}
			}
		}
	}
	pg := &vmapage_t{}
	sl.pgs = append(sl.pgs, pg)
	pg.bits = 1
	vmi := &pg.recs[0]
	*vmi = Vminfo_t{spg: pg, sidx: 0}
	return vmi
}

func (sl *vmaslab_t) free(vmi *Vminfo_t) {
	pg := vmi.spg
	if pg == nil || pg.bits&(1<<uint(vmi.sidx)) == 0 {
		panic("vma double free")
	}
	pg.bits &^= 1 << uint(vmi.sidx)
}

// Vas_debug enables the post-mutation invariant checks.
var Vas_debug = false

// Vmregion_t reserves contiguous regions within [start, end). All VMAs
// live in the by-address tree; only free VMAs live in the by-size tree
// since size lookups serve allocation alone. Callers must hold the
// owning address space's lock.
type Vmregion_t struct {
	start, end Va_t
	byaddr     *btree.BTreeG[*Vminfo_t]
	bysize     *btree.BTreeG[*Vminfo_t]
	slab       vmaslab_t
	nalloc     int
}

func addrless(a, b *Vminfo_t) bool {
	return a.Start < b.Start
}

func sizeless(a, b *Vminfo_t) bool {
	if a.Len != b.Len {
		return a.Len < b.Len
	}
	return a.Start < b.Start
}

// Mkvmregion creates an allocator covering [start, end), initially one
// free VMA.
func Mkvmregion(start, end Va_t) *Vmregion_t {
	if start&PGOFFSET != 0 || end&PGOFFSET != 0 || end <= start {
		panic("bad vas range")
	}
	reg := &Vmregion_t{
		start:  start,
		end:    end,
		byaddr: btree.NewG[*Vminfo_t](8, addrless),
		bysize: btree.NewG[*Vminfo_t](8, sizeless),
	}
	f := reg.slab.alloc()
	f.Start = start
	f.Len = int(end - start)
	reg.byaddr.ReplaceOrInsert(f)
	reg.bysize.ReplaceOrInsert(f)
	return reg
}

// Startva and Endva bound the allocatable range.
func (reg *Vmregion_t) Startva() Va_t { return reg.start }
func (reg *Vmregion_t) Endva() Va_t   { return reg.end }

// Novma returns the number of allocated VMAs.
func (reg *Vmregion_t) Novma() int { return reg.nalloc }

// Find returns the VMA containing va.
func (reg *Vmregion_t) Find(va Va_t) (*Vminfo_t, bool) {
	var ret *Vminfo_t
	probe := &Vminfo_t{Start: va}
	reg.byaddr.DescendLessOrEqual(probe, func(v *Vminfo_t) bool {
		ret = v
		return false
	})
	if ret == nil || !ret.Covers(va) {
		return nil, false
	}
	return ret, true
}

func (reg *Vmregion_t) remove(vmi *Vminfo_t) {
	reg.byaddr.Delete(vmi)
	if !vmi.Allocated {
		reg.bysize.Delete(vmi)
	}
}

func (reg *Vmregion_t) insert(vmi *Vminfo_t) {
	reg.byaddr.ReplaceOrInsert(vmi)
	if !vmi.Allocated {
		reg.bysize.ReplaceOrInsert(vmi)
	}
}

// carve splits the free VMA f so that [a, a+size) becomes an allocated
// VMA, reinserting prefix and suffix leftovers as free VMAs. f's
// record is reused for the allocated piece.
func (reg *Vmregion_t) carve(f *Vminfo_t, a Va_t, size int, perms Prot_t, pager Pager_i) *Vminfo_t {
	reg.remove(f)
	if a > f.Start {
		pre := reg.slab.alloc()
		pre.Start = f.Start
		pre.Len = int(a - f.Start)
		reg.insert(pre)
	}
	if end, fend := a+Va_t(size), f.End(); end < fend {
		suf := reg.slab.alloc()
		suf.Start = end
		suf.Len = int(fend - end)
		reg.insert(suf)
	}
	f.Start = a
	f.Len = size
	f.Perms = perms
	f.Allocated = true
	f.Pager = pager
	reg.insert(f)
	reg.nalloc++
	if Vas_debug {
		reg.sanity()
	}
	return f
}

// Alloc reserves size bytes. With a zero hint the smallest free VMA
// that fits wins, ties to the lower address; otherwise the region is
// placed at hint when the enclosing free VMA can satisfy it, or at the
// first free VMA after hint that can.
func (reg *Vmregion_t) Alloc(hint Va_t, size int, perms Prot_t, pager Pager_i) (*Vminfo_t, defs.Err_t) {
	if size <= 0 {
		return nil, -defs.EINVAL
	}
	size = util.Roundup(size, mem.PGSIZE)
	hint = hint &^ PGOFFSET
	if hint == 0 {
		probe := &Vminfo_t{Len: size}
		var f *Vminfo_t
		reg.bysize.AscendGreaterOrEqual(probe, func(v *Vminfo_t) bool {
			f = v
			return false
		})
		if f == nil {
			return nil, -defs.ENOMEM
		}
		return reg.carve(f, f.Start, size, perms, pager), 0
	}
	if hint < reg.start || hint >= reg.end {
		return nil, -defs.EINVAL
	}
	if f, ok := reg.Find(hint); ok && !f.Allocated && int(f.End()-hint) >= size {
		return reg.carve(f, hint, size, perms, pager), 0
	}
	var f *Vminfo_t
	probe := &Vminfo_t{Start: hint}
	reg.byaddr.AscendGreaterOrEqual(probe, func(v *Vminfo_t) bool {
		if !v.Allocated && v.Len >= size {
			f = v
			return false
		}
		return true
	})
	if f == nil {
		return nil, -defs.ENOMEM
	}
	return reg.carve(f, f.Start, size, perms, pager), 0
}

// Free releases [addr, addr+length). A request covering part of a VMA
// splits it first; one spanning several VMAs recurses on the tail.
// relse is invoked for each allocated piece before its metadata is
// freed, while its mapping is still intact. Free-adjacent neighbors
// are coalesced.
func (reg *Vmregion_t) Free(addr Va_t, length int, relse func(*Vminfo_t)) defs.Err_t {
	if addr&PGOFFSET != 0 || length <= 0 {
		return -defs.EINVAL
	}
	length = util.Roundup(length, mem.PGSIZE)
	vmi, ok := reg.Find(addr)
	if !ok || !vmi.Allocated {
		return -defs.EINVAL
	}
	var tail Va_t
	var taillen int
	end := addr + Va_t(length)
	if end > vmi.End() {
		tail = vmi.End()
		taillen = int(end - tail)
		end = vmi.End()
	}
	// split off the surviving prefix and suffix of the VMA
	if addr > vmi.Start {
		oldend := vmi.End()
		pre := reg.slab.alloc()
		pre.Start = vmi.Start
		pre.Len = int(addr - vmi.Start)
		pre.Perms = vmi.Perms
		pre.Allocated = true
		pre.Pager = vmi.Pager
		reg.remove(vmi)
		vmi.Start = addr
		vmi.Len = int(oldend - addr)
		reg.insert(vmi)
		reg.insert(pre)
		reg.nalloc++
	}
	if end < vmi.End() {
		suf := reg.slab.alloc()
		suf.Start = end
		suf.Len = int(vmi.End() - end)
		suf.Perms = vmi.Perms
		suf.Allocated = true
		suf.Pager = vmi.Pager
		reg.remove(vmi)
		vmi.Len = int(end - vmi.Start)
		reg.insert(vmi)
		reg.insert(suf)
		reg.nalloc++
	}
	if relse != nil {
		relse(vmi)
	}
	// mark free and coalesce with free contiguous neighbors
	reg.remove(vmi)
	vmi.Allocated = false
	vmi.Perms = 0
	vmi.Pager = nil
	reg.nalloc--
	reg.coalesce(vmi)
	if Vas_debug {
		reg.sanity()
	}
	if taillen > 0 {
		return reg.Free(tail, taillen, relse)
	}
	return 0
}

func (reg *Vmregion_t) coalesce(vmi *Vminfo_t) {
	var prev, next *Vminfo_t
	reg.byaddr.DescendLessOrEqual(&Vminfo_t{Start: vmi.Start}, func(v *Vminfo_t) bool {
		if v.Start < vmi.Start {
			prev = v
			return false
		}
		return true
	})
	reg.byaddr.AscendGreaterOrEqual(&Vminfo_t{Start: vmi.Start + 1}, func(v *Vminfo_t) bool {
		next = v
		return false
	})
	if prev != nil && !prev.Allocated && prev.End() == vmi.Start {
		reg.remove(prev)
		vmi.Start = prev.Start
		vmi.Len += prev.Len
		reg.slab.free(prev)
	}
	if next != nil && !next.Allocated && vmi.End() == next.Start {
		reg.remove(next)
		vmi.Len += next.Len
		reg.slab.free(next)
	}
	reg.insert(vmi)
}

// Apply calls f on every VMA in address order.
func (reg *Vmregion_t) Apply(f func(*Vminfo_t) bool) {
	reg.byaddr.Ascend(func(v *Vminfo_t) bool {
		return f(v)
	})
}

// Clear releases every allocated region.
func (reg *Vmregion_t) Clear(relse func(*Vminfo_t)) {
	var allocd []*Vminfo_t
	reg.byaddr.Ascend(func(v *Vminfo_t) bool {
		if v.Allocated {
			allocd = append(allocd, v)
		}
		return true
	})
	for _, vmi := range allocd {
		if err := reg.Free(vmi.Start, vmi.Len, relse); err != 0 {
			panic("wut")
		}
	}
}

// sanity verifies the advertised invariants: VMA sizes sum to the
// range, no overlaps or holes, and no two adjacent free VMAs.
func (reg *Vmregion_t) sanity() {
	sum := 0
	expect := reg.start
	prevfree := false
	reg.byaddr.Ascend(func(v *Vminfo_t) bool {
		if v.Start != expect {
			panic("vas hole or overlap")
		}
		if !v.Allocated && prevfree {
			panic("adjacent free vmas")
		}
		prevfree = !v.Allocated
		expect = v.End()
		sum += v.Len
		return true
	})
	if sum != int(reg.end-reg.start) {
		panic("vas size invariant")
	}
}
