package fs

import (
	"sync"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/stat"
	"github.com/sablekernel/sable/ustr"
)

// Memfs_t is the memory-backed filesystem used for the root before
// any device-backed mount exists, and as the initramfs target.
type Memfs_t struct {
	sync.Mutex
	root   *Vnode_t
	inoctr uint
}

type mnode_t struct {
	fs   *Memfs_t
	kids map[string]*Vnode_t
	data []uint8
	// device vnodes open through these ops instead of the generic
	// file
	devops fdops.Fdops_i
}

// Mkmemfs creates an empty filesystem with a root directory.
func Mkmemfs() *Memfs_t {
	mfs := &Memfs_t{}
	mfs.root = mfs.mkvn(VDIR)
	mfs.root.Attr.Mode = 0755
	return mfs
}

func (mfs *Memfs_t) mkvn(vt Vtype_t) *Vnode_t {
	mfs.Lock()
	mfs.inoctr++
	ino := mfs.inoctr
	mfs.Unlock()
	mn := &mnode_t{fs: mfs}
	if vt == VDIR {
		mn.kids = make(map[string]*Vnode_t)
	}
	vn := Mkvnode(vt, mfs, mn)
	vn.Attr.Ino = ino
	vn.Attr.Nlink = 1
	vn.Attr.Mode = 0644
	return vn
}

// Root returns the root vnode, referenced.
func (mfs *Memfs_t) Root() *Vnode_t {
	mfs.root.Vref()
	return mfs.root
}

// Unmount detaches; the tree stays reachable through the instance.
func (mfs *Memfs_t) Unmount() defs.Err_t {
	return 0
}

// Sync has nothing to flush.
func (mfs *Memfs_t) Sync() defs.Err_t {
	return 0
}

func (mfs *Memfs_t) Lookup(vn *Vnode_t, name ustr.Ustr) (*Vnode_t, defs.Err_t) {
	mn := vn.Priv.(*mnode_t)
	kid, ok := mn.kids[name.String()]
	if !ok {
		return nil, -defs.ENOENT
	}
	kid.Vref()
	return kid, 0
}

func (mfs *Memfs_t) Create(vn *Vnode_t, name ustr.Ustr, vt Vtype_t) (*Vnode_t, defs.Err_t) {
	mn := vn.Priv.(*mnode_t)
	if _, ok := mn.kids[name.String()]; ok {
		return nil, -defs.EEXIST
	}
	kid := mfs.mkvn(vt)
	kid.Fs = vn.Fs
	mn.kids[name.String()] = kid
	kid.Vref()
	return kid, 0
}

func (mfs *Memfs_t) Remove(vn *Vnode_t, name ustr.Ustr) defs.Err_t {
	mn := vn.Priv.(*mnode_t)
	kid, ok := mn.kids[name.String()]
	if !ok {
		return -defs.ENOENT
	}
	if kid.Type == VDIR && len(kid.Priv.(*mnode_t).kids) != 0 {
		return -defs.ENOTSUP
	}
	delete(mn.kids, name.String())
	kid.Vunref()
	return 0
}

func (mfs *Memfs_t) Open(vn *Vnode_t) (fdops.Fdops_i, defs.Err_t) {
	mn := vn.Priv.(*mnode_t)
	if vn.Type == VDEV && mn.devops != nil {
		return mn.devops, 0
	}
	return nil, 0
}

func (mfs *Memfs_t) Read(vn *Vnode_t, dst []uint8, off int) (int, defs.Err_t) {
	mn := vn.Priv.(*mnode_t)
	if off < 0 {
		return 0, -defs.EINVAL
	}
	if off >= len(mn.data) {
		return 0, 0
	}
	return copy(dst, mn.data[off:]), 0
}

func (mfs *Memfs_t) Write(vn *Vnode_t, src []uint8, off int) (int, defs.Err_t) {
	mn := vn.Priv.(*mnode_t)
	if off < 0 {
		return 0, -defs.EINVAL
	}
	if need := off + len(src); need > len(mn.data) {
		ndata := make([]uint8, need)
		copy(ndata, mn.data)
		mn.data = ndata
	}
	copy(mn.data[off:], src)
	vn.Attr.Size = len(mn.data)
	return len(src), 0
}

func (mfs *Memfs_t) Stat(vn *Vnode_t, st *stat.Stat_t) defs.Err_t {
	vn.Attr.Size = len(vn.Priv.(*mnode_t).data)
	st.Wino(vn.Attr.Ino)
	st.Wmode(vn.Attr.Mode | vmodebits(vn.Type))
	st.Wsize(uint(vn.Attr.Size))
	st.Wuid(vn.Attr.Uid)
	st.Wgid(vn.Attr.Gid)
	st.Wnlink(vn.Attr.Nlink)
	st.Wrdev(vn.Attr.Rdev)
	return 0
}

func (mfs *Memfs_t) Release(vn *Vnode_t) {
}

// Mkdirs creates the directory path inside the filesystem, ignoring
// components that already exist. A setup helper for initramfs
// population.
func (mfs *Memfs_t) Mkdirs(path ustr.Ustr) (*Vnode_t, defs.Err_t) {
	cur := mfs.root
	comps := splitpath(path)
	for _, c := range comps {
		mn := cur.Priv.(*mnode_t)
		if kid, ok := mn.kids[c]; ok {
			if kid.Type != VDIR {
				return nil, -defs.ENOTDIR
			}
			cur = kid
			continue
		}
		kid := mfs.mkvn(VDIR)
		kid.Attr.Mode = 0755
		mn.kids[c] = kid
		cur = kid
	}
	return cur, 0
}

// Putfile installs a regular file with the given contents, creating
// parent directories.
func (mfs *Memfs_t) Putfile(path ustr.Ustr, data []uint8) defs.Err_t {
	comps := splitpath(path)
	if len(comps) == 0 {
		return -defs.EINVAL
	}
	dirc := comps[:len(comps)-1]
	dir := mfs.root
	if len(dirc) > 0 {
		var err defs.Err_t
		dir, err = mfs.Mkdirs(joinpath(dirc))
		if err != 0 {
			return err
		}
	}
	vn := mfs.mkvn(VREG)
	mn := vn.Priv.(*mnode_t)
	mn.data = append([]uint8(nil), data...)
	vn.Attr.Size = len(mn.data)
	dir.Priv.(*mnode_t).kids[comps[len(comps)-1]] = vn
	return 0
}

// Putdev installs a device vnode whose opens return devops.
func (mfs *Memfs_t) Putdev(path ustr.Ustr, rdev uint, devops fdops.Fdops_i) defs.Err_t {
	comps := splitpath(path)
	if len(comps) == 0 {
		return -defs.EINVAL
	}
	dir := mfs.root
	if len(comps) > 1 {
		var err defs.Err_t
		dir, err = mfs.Mkdirs(joinpath(comps[:len(comps)-1]))
		if err != 0 {
			return err
		}
	}
	vn := mfs.mkvn(VDEV)
	vn.Attr.Rdev = rdev
	vn.Priv.(*mnode_t).devops = devops
	dir.Priv.(*mnode_t).kids[comps[len(comps)-1]] = vn
	return 0
}

func splitpath(p ustr.Ustr) []string {
	var ret []string
	begin := -1
	for i, c := range p {
		if c == '/' {
			if begin != -1 {
				ret = append(ret, string(p[begin:i]))
				begin = -1
			}
			continue
		}
		if begin == -1 {
			begin = i
		}
	}
	if begin != -1 {
		ret = append(ret, string(p[begin:]))
	}
	return ret
}

func joinpath(comps []string) ustr.Ustr {
	ret := ustr.MkUstr()
	for i, c := range comps {
		if i != 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, ustr.Ustr(c)...)
	}
	return ret
}
