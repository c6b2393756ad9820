package fs

import (
	"container/list"
	"sync"

	"github.com/sablekernel/sable/bpath"
	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/ustr"
)

// Open flags.
const (
	O_RDONLY    = 0x0
	O_WRONLY    = 0x1
	O_RDWR      = 0x2
	O_ACCMODE   = 0x3
	O_CREAT     = 0x40
	O_EXCL      = 0x80
	O_TRUNC     = 0x200
	O_APPEND    = 0x400
	O_DIRECTORY = 0x10000
	O_CLOEXEC   = 0x80000
)

// Fsctor_t instantiates a filesystem against a block device, which may
// be nil for memory-backed types.
type Fsctor_t func(dev Bdev_i) (Fs_i, defs.Err_t)

// Vfs_t is the mount tree and filesystem type registry. Mounts form an
// insertion-ordered list; the first entry is the root mount.
type Vfs_t struct {
	sync.Mutex
	mounts   *list.List
	registry map[string]Fsctor_t
}

// Mkvfs creates an empty VFS.
func Mkvfs() *Vfs_t {
	return &Vfs_t{
		mounts:   list.New(),
		registry: make(map[string]Fsctor_t),
	}
}

// Register adds a filesystem type under a short name.
func (vfs *Vfs_t) Register(name string, ctor Fsctor_t) {
	vfs.Lock()
	vfs.registry[name] = ctor
	vfs.Unlock()
}

func (vfs *Vfs_t) rootmount() *Mount_t {
	vfs.Lock()
	defer vfs.Unlock()
	e := vfs.mounts.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Mount_t)
}

// Mount_root attaches the first filesystem. It must be called before
// any path operation.
func (vfs *Vfs_t) Mount_root(typ string, dev Bdev_i) defs.Err_t {
	vfs.Lock()
	ctor, ok := vfs.registry[typ]
	hasroot := vfs.mounts.Len() != 0
	vfs.Unlock()
	if !ok {
		return -defs.ENODEV
	}
	if hasroot {
		return -defs.EBUSY
	}
	fsi, err := ctor(dev)
	if err != 0 {
		return err
	}
	mnt := &Mount_t{Fs: fsi, Typ: typ}
	if root := fsi.Root(); root != nil {
		root.Fs = mnt
		root.Vunref()
	}
	vfs.Lock()
	vfs.mounts.PushBack(mnt)
	vfs.Unlock()
	log.WithField("type", typ).Info("root mounted")
	return 0
}

// mountpoint redirection: while a filesystem is mounted over vn, walks
// continue at the mount's root. The returned vnode is referenced; vn's
// reference is consumed.
func follow(vn *Vnode_t) *Vnode_t {
	for {
		vn.Lock()
		mnt := vn.Mounted_here
		vn.Unlock()
		if mnt == nil {
			return vn
		}
		root := mnt.Fs.Root()
		vn.Vunref()
		vn = root
	}
}

func searchok(vn *Vnode_t, cred proc.Cred_t) bool {
	if cred == proc.Rootcred {
		return true
	}
	vn.Lock()
	mode := vn.Attr.Mode
	uid := vn.Attr.Uid
	vn.Unlock()
	if cred.Uid == uid {
		return mode&0100 != 0
	}
	return mode&0001 != 0
}

// namei resolves path to a referenced vnode. With followlast unset the
// final component's mount redirection is skipped, which unmount needs
// to reach the underlying vnode.
func (vfs *Vfs_t) namei(path ustr.Ustr, cred proc.Cred_t, followlast bool) (*Vnode_t, defs.Err_t) {
	rm := vfs.rootmount()
	if rm == nil {
		return nil, -defs.ENODEV
	}
	cur := follow(rm.Fs.Root())
	pi := bpath.Mkpathiter(bpath.Canonicalize(path))
	for seg, ok := pi.Next(); ok; seg, ok = pi.Next() {
		if seg.Isdot() {
			continue
		}
		if cur.Type != VDIR {
			cur.Vunref()
			return nil, -defs.ENOTDIR
		}
		if !searchok(cur, cred) {
			cur.Vunref()
			return nil, -defs.EACCES
		}
		cur.Lock()
		next, err := cur.Ops.Lookup(cur, seg)
		cur.Unlock()
		cur.Vunref()
		if err != 0 {
			return nil, err
		}
		cur = next
		// peek: redirect through a mount unless this is the last
		// segment and the caller wants the underlying vnode
		rest := pi
		if _, more := rest.Next(); more || followlast {
			cur = follow(cur)
		}
	}
	return cur, 0
}

// Find_by_path resolves path, returning the vnode with its refcount
// incremented.
func (vfs *Vfs_t) Find_by_path(path ustr.Ustr, cred proc.Cred_t) (*Vnode_t, defs.Err_t) {
	return vfs.namei(path, cred, true)
}

// Create makes a new object of type vt at path by delegating to the
// parent directory's ops.
func (vfs *Vfs_t) Create(path ustr.Ustr, cred proc.Cred_t, vt Vtype_t) (*Vnode_t, defs.Err_t) {
	path = bpath.Canonicalize(path)
	dir, err := vfs.namei(bpath.Dirname(path), cred, true)
	if err != 0 {
		return nil, err
	}
	defer dir.Vunref()
	if dir.Type != VDIR {
		return nil, -defs.ENOTDIR
	}
	name := bpath.Basename(path)
	if len(name) == 0 {
		return nil, -defs.EINVAL
	}
	dir.Lock()
	defer dir.Unlock()
	return dir.Ops.Create(dir, name, vt)
}

// Remove unlinks the object at path.
func (vfs *Vfs_t) Remove(path ustr.Ustr, cred proc.Cred_t) defs.Err_t {
	path = bpath.Canonicalize(path)
	dir, err := vfs.namei(bpath.Dirname(path), cred, true)
	if err != 0 {
		return err
	}
	defer dir.Vunref()
	if dir.Type != VDIR {
		return -defs.ENOTDIR
	}
	dir.Lock()
	defer dir.Unlock()
	return dir.Ops.Remove(dir, bpath.Basename(path))
}

// Mount attaches a filesystem of the named type at path. The mount
// point vnode is held for the life of the mount.
func (vfs *Vfs_t) Mount(path ustr.Ustr, typ string, dev Bdev_i) defs.Err_t {
	vfs.Lock()
	ctor, ok := vfs.registry[typ]
	vfs.Unlock()
	if !ok {
		return -defs.ENODEV
	}
	vn, err := vfs.namei(path, proc.Rootcred, false)
	if err != 0 {
		return err
	}
	if vn.Type != VDIR {
		vn.Vunref()
		return -defs.ENOTDIR
	}
	vn.Lock()
	if vn.Mounted_here != nil {
		vn.Unlock()
		vn.Vunref()
		return -defs.EBUSY
	}
	fsi, ferr := ctor(dev)
	if ferr != 0 {
		vn.Unlock()
		vn.Vunref()
		return ferr
	}
	mnt := &Mount_t{Fs: fsi, Point: vn, Typ: typ}
	if root := fsi.Root(); root != nil {
		root.Fs = mnt
		root.Vunref()
	}
	vn.Mounted_here = mnt
	vn.Unlock()
	vfs.Lock()
	vfs.mounts.PushBack(mnt)
	vfs.Unlock()
	log.WithFields(map[string]interface{}{"type": typ, "path": path.String()}).Info("mounted")
	return 0
}

// Unmount detaches the filesystem mounted at path. -EINVAL when
// nothing is mounted there.
func (vfs *Vfs_t) Unmount(path ustr.Ustr) defs.Err_t {
	vn, err := vfs.namei(path, proc.Rootcred, false)
	if err != 0 {
		return err
	}
	defer vn.Vunref()
	vn.Lock()
	mnt := vn.Mounted_here
	if mnt == nil {
		vn.Unlock()
		return -defs.EINVAL
	}
	vn.Unlock()
	if err := mnt.Fs.Unmount(); err != 0 {
		return err
	}
	vn.Lock()
	vn.Mounted_here = nil
	vn.Unlock()
	vfs.Lock()
	for e := vfs.mounts.Front(); e != nil; e = e.Next() {
		if e.Value.(*Mount_t) == mnt {
			vfs.mounts.Remove(e)
			break
		}
	}
	vfs.Unlock()
	// drop the mount's hold on the mount point
	vn.Vunref()
	return 0
}

// Open resolves path and builds an open-file description, enforcing
// credentials and flag compatibility. O_APPEND seeks to the end.
func (vfs *Vfs_t) Open(path ustr.Ustr, oflags int, cred proc.Cred_t) (*fd.Fd_t, defs.Err_t) {
	if oflags&O_ACCMODE == O_ACCMODE {
		return nil, -defs.EINVAL
	}
	vn, err := vfs.Find_by_path(path, cred)
	if err != 0 {
		if err == -defs.ENOENT && oflags&O_CREAT != 0 {
			vn, err = vfs.Create(path, cred, VREG)
		}
		if err != 0 {
			return nil, err
		}
	} else if oflags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		vn.Vunref()
		return nil, -defs.EEXIST
	}
	if oflags&O_DIRECTORY != 0 && vn.Type != VDIR {
		vn.Vunref()
		return nil, -defs.ENOTDIR
	}
	if vn.Type == VDIR && oflags&O_ACCMODE != O_RDONLY {
		vn.Vunref()
		return nil, -defs.EISDIR
	}
	if !openok(vn, oflags, cred) {
		vn.Vunref()
		return nil, -defs.EACCES
	}
	vn.Lock()
	fops, ferr := vn.Ops.Open(vn)
	vn.Unlock()
	if ferr != 0 {
		vn.Vunref()
		return nil, ferr
	}
	if fops == nil {
		f := Mkfile(vn, oflags)
		if oflags&O_APPEND != 0 {
			f.Lseek(0, fdops.SEEK_END)
		}
		fops = f
	} else {
		// device descriptions do not hold the vnode
		vn.Vunref()
	}
	perms := fdperms(oflags)
	return &fd.Fd_t{Fops: fops, Perms: perms}, 0
}

func fdperms(oflags int) int {
	var perms int
	switch oflags & O_ACCMODE {
	case O_RDONLY:
		perms = fd.FD_READ
	case O_WRONLY:
		perms = fd.FD_WRITE
	default:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	if oflags&O_CLOEXEC != 0 {
		perms |= fd.FD_CLOEXEC
	}
	return perms
}

func openok(vn *Vnode_t, oflags int, cred proc.Cred_t) bool {
	if cred == proc.Rootcred {
		return true
	}
	vn.Lock()
	mode := vn.Attr.Mode
	uid := vn.Attr.Uid
	vn.Unlock()
	var need uint
	switch oflags & O_ACCMODE {
	case O_RDONLY:
		need = 04
	case O_WRONLY:
		need = 02
	default:
		need = 06
	}
	if cred.Uid == uid {
		return (mode>>6)&need == need
	}
	return mode&need == need
}
