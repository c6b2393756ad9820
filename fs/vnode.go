// Package fs implements the virtual file system: vnodes, the mount
// table, open-file descriptions, and the block-device page cache.
package fs

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/stat"
	"github.com/sablekernel/sable/ustr"
)

var log = logrus.WithField("sub", "fs")

// Vtype_t is a vnode's object type.
type Vtype_t int

const (
	VREG Vtype_t = iota
	VDIR
	VDEV
	VLNK
	VSOCK
	VFIFO
)

// Vattr_t is the attribute record behind stat.
type Vattr_t struct {
	Mode  uint
	Uid   uint
	Gid   uint
	Size  int
	Nlink uint
	Ino   uint
	Rdev  uint
	Msec  uint
	Mnsec uint
}

// Vnops_i is the vnode operation table a filesystem driver provides.
type Vnops_i interface {
	// Lookup resolves name in the directory vn. The result is
	// returned referenced.
	Lookup(vn *Vnode_t, name ustr.Ustr) (*Vnode_t, defs.Err_t)
	// Create makes a child of type vt in the directory vn.
	Create(vn *Vnode_t, name ustr.Ustr, vt Vtype_t) (*Vnode_t, defs.Err_t)
	// Remove unlinks name from the directory vn.
	Remove(vn *Vnode_t, name ustr.Ustr) defs.Err_t
	// Open returns the description ops for vn, or nil to use the
	// generic offset-tracking file.
	Open(vn *Vnode_t) (fdops.Fdops_i, defs.Err_t)
	// Read and Write move data at an explicit offset.
	Read(vn *Vnode_t, dst []uint8, off int) (int, defs.Err_t)
	Write(vn *Vnode_t, src []uint8, off int) (int, defs.Err_t)
	Stat(vn *Vnode_t, st *stat.Stat_t) defs.Err_t
	// Release runs on the final reference drop.
	Release(vn *Vnode_t)
}

// Vnode_t is a filesystem-agnostic handle to one filesystem object.
// While a filesystem is mounted over it, Mounted_here is non-nil and
// path walks are redirected to the mount's root.
type Vnode_t struct {
	sync.Mutex
	Type         Vtype_t
	Fs           *Mount_t
	refcnt       int32
	Ops          Vnops_i
	Priv         interface{}
	Mounted_here *Mount_t
	Attr         Vattr_t
}

// Mkvnode allocates a vnode with one reference.
func Mkvnode(vt Vtype_t, ops Vnops_i, priv interface{}) *Vnode_t {
	return &Vnode_t{Type: vt, refcnt: 1, Ops: ops, Priv: priv}
}

// Vref takes a reference.
func (vn *Vnode_t) Vref() {
	c := atomic.AddInt32(&vn.refcnt, 1)
	if c <= 1 {
		panic("vref on dead vnode")
	}
}

// Vunref drops a reference; the final drop runs the release op.
func (vn *Vnode_t) Vunref() {
	c := atomic.AddInt32(&vn.refcnt, -1)
	if c < 0 {
		panic("wut")
	}
	if c == 0 && vn.Ops != nil {
		vn.Ops.Release(vn)
	}
}

// Refcnt returns the current reference count.
func (vn *Vnode_t) Refcnt() int {
	return int(atomic.LoadInt32(&vn.refcnt))
}

// Stat_fill populates st from the vnode's attributes; filesystems with
// no richer source use it as their Stat op body.
func (vn *Vnode_t) Stat_fill(st *stat.Stat_t) {
	vn.Lock()
	defer vn.Unlock()
	st.Wino(vn.Attr.Ino)
	st.Wmode(vn.Attr.Mode | vmodebits(vn.Type))
	st.Wsize(uint(vn.Attr.Size))
	st.Wuid(vn.Attr.Uid)
	st.Wgid(vn.Attr.Gid)
	st.Wnlink(vn.Attr.Nlink)
	st.Wrdev(vn.Attr.Rdev)
	st.Wmtime(vn.Attr.Msec, vn.Attr.Mnsec)
}

func vmodebits(vt Vtype_t) uint {
	switch vt {
	case VDIR:
		return stat.S_IFDIR
	case VDEV:
		return stat.S_IFCHR
	case VLNK:
		return stat.S_IFLNK
	case VSOCK:
		return stat.S_IFSOCK
	case VFIFO:
		return stat.S_IFIFO
	default:
		return stat.S_IFREG
	}
}

// Fs_i is one mounted filesystem instance.
type Fs_i interface {
	// Root returns the root vnode, referenced.
	Root() *Vnode_t
	// Unmount detaches the instance; -EBUSY when still referenced.
	Unmount() defs.Err_t
	// Sync flushes dirty state to the backing device.
	Sync() defs.Err_t
}

// Mount_t records one attachment of a filesystem. Point is nil for
// the root mount.
type Mount_t struct {
	Fs    Fs_i
	Point *Vnode_t
	Typ   string
}
