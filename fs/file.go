package fs

import (
	"sync"
	"sync/atomic"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/stat"
)

// File_t is the generic open-file description for vnode-backed
// objects: an offset, flags, a refcount shared by all descriptors that
// point at it, and the vnode reference. Descriptors duplicated across
// fork share the offset through this structure.
type File_t struct {
	fdops.Nofops_t
	sync.Mutex
	off    int
	flags  int
	refcnt int32
	vn     *Vnode_t
}

// Mkfile wraps vn (whose reference it consumes) in a description.
func Mkfile(vn *Vnode_t, oflags int) *File_t {
	return &File_t{vn: vn, flags: oflags, refcnt: 1}
}

// Vnode returns the backing vnode.
func (f *File_t) Vnode() *Vnode_t {
	return f.vn
}

// Reopen adds a shared reference for a duplicated descriptor.
func (f *File_t) Reopen() defs.Err_t {
	c := atomic.AddInt32(&f.refcnt, 1)
	if c <= 1 {
		panic("reopen on closed file")
	}
	return 0
}

// Close drops one reference; the last drop releases the vnode.
func (f *File_t) Close() defs.Err_t {
	c := atomic.AddInt32(&f.refcnt, -1)
	if c < 0 {
		panic("wut")
	}
	if c == 0 {
		f.vn.Vunref()
	}
	return 0
}

func (f *File_t) Read(dst []uint8) (int, defs.Err_t) {
	if f.flags&O_ACCMODE == O_WRONLY {
		return 0, -defs.EPERM
	}
	f.Lock()
	defer f.Unlock()
	f.vn.Lock()
	did, err := f.vn.Ops.Read(f.vn, dst, f.off)
	f.vn.Unlock()
	if err != 0 {
		return 0, err
	}
	f.off += did
	return did, 0
}

func (f *File_t) Write(src []uint8) (int, defs.Err_t) {
	if f.flags&O_ACCMODE == O_RDONLY {
		return 0, -defs.EPERM
	}
	f.Lock()
	defer f.Unlock()
	f.vn.Lock()
	if f.flags&O_APPEND != 0 {
		f.off = f.vn.Attr.Size
	}
	did, err := f.vn.Ops.Write(f.vn, src, f.off)
	f.vn.Unlock()
	if err != 0 {
		return 0, err
	}
	f.off += did
	return did, 0
}

// Lseek adjusts the offset with whence in {set, cur, end}.
func (f *File_t) Lseek(off, whence int) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	var base int
	switch whence {
	case fdops.SEEK_SET:
		base = 0
	case fdops.SEEK_CUR:
		base = f.off
	case fdops.SEEK_END:
		f.vn.Lock()
		base = f.vn.Attr.Size
		f.vn.Unlock()
	default:
		return 0, -defs.EINVAL
	}
	n := base + off
	if n < 0 {
		return 0, -defs.EINVAL
	}
	f.off = n
	return n, 0
}

func (f *File_t) Fstat(st *stat.Stat_t) defs.Err_t {
	f.vn.Lock()
	err := f.vn.Ops.Stat(f.vn, st)
	f.vn.Unlock()
	return err
}

func (f *File_t) Size() (int, defs.Err_t) {
	f.vn.Lock()
	defer f.vn.Unlock()
	return f.vn.Attr.Size, 0
}
