package fs

import (
	"sync"
	"sync/atomic"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/stat"
)

// Memdisk_t is a RAM-backed block device, used for the initramfs image
// and as the default disk when no host file is configured.
type Memdisk_t struct {
	sync.Mutex
	bsize int
	buf   []uint8
}

// Mkmemdisk builds a device of nblocks blocks of bsize bytes.
func Mkmemdisk(bsize, nblocks int) *Memdisk_t {
	return &Memdisk_t{bsize: bsize, buf: make([]uint8, bsize*nblocks)}
}

// Mkmemdisk_image wraps an existing image; its length must be a block
// multiple.
func Mkmemdisk_image(bsize int, img []uint8) (*Memdisk_t, defs.Err_t) {
	if len(img)%bsize != 0 {
		return nil, -defs.EINVAL
	}
	return &Memdisk_t{bsize: bsize, buf: img}, 0
}

func (md *Memdisk_t) Bsize() int {
	return md.bsize
}

func (md *Memdisk_t) Nblocks() int {
	return len(md.buf) / md.bsize
}

func (md *Memdisk_t) Bread(blkno int, dst []uint8) defs.Err_t {
	if blkno < 0 || blkno >= md.Nblocks() || len(dst) != md.bsize {
		return -defs.EINVAL
	}
	md.Lock()
	copy(dst, md.buf[blkno*md.bsize:])
	md.Unlock()
	return 0
}

func (md *Memdisk_t) Bwrite(blkno int, src []uint8) defs.Err_t {
	if blkno < 0 || blkno >= md.Nblocks() || len(src) != md.bsize {
		return -defs.EINVAL
	}
	md.Lock()
	copy(md.buf[blkno*md.bsize:], src)
	md.Unlock()
	return 0
}

// Bdevfops_t is the open-file description for a raw block device,
// moving data through the page cache. Reads and writes are cached;
// the writeback thread flushes dirtied pages.
type Bdevfops_t struct {
	fdops.Nofops_t
	sync.Mutex
	bc     *Bcache_t
	off    int
	refcnt int32
}

// Mkbdevfops wraps the cache in a description.
func Mkbdevfops(bc *Bcache_t) *Bdevfops_t {
	return &Bdevfops_t{bc: bc, refcnt: 1}
}

func (bf *Bdevfops_t) Reopen() defs.Err_t {
	atomic.AddInt32(&bf.refcnt, 1)
	return 0
}

func (bf *Bdevfops_t) Close() defs.Err_t {
	c := atomic.AddInt32(&bf.refcnt, -1)
	if c < 0 {
		panic("wut")
	}
	return 0
}

func (bf *Bdevfops_t) Read(dst []uint8) (int, defs.Err_t) {
	bf.Lock()
	defer bf.Unlock()
	did, err := bf.bc.Pread(dst, bf.off)
	if err != 0 {
		return 0, err
	}
	bf.off += did
	return did, 0
}

func (bf *Bdevfops_t) Write(src []uint8) (int, defs.Err_t) {
	bf.Lock()
	defer bf.Unlock()
	did, err := bf.bc.Pwrite(src, bf.off)
	if err != 0 {
		return 0, err
	}
	bf.off += did
	return did, 0
}

func (bf *Bdevfops_t) Lseek(off, whence int) (int, defs.Err_t) {
	bf.Lock()
	defer bf.Unlock()
	devsz := bf.bc.dev.Nblocks() * bf.bc.dev.Bsize()
	var base int
	switch whence {
	case fdops.SEEK_SET:
		base = 0
	case fdops.SEEK_CUR:
		base = bf.off
	case fdops.SEEK_END:
		base = devsz
	default:
		return 0, -defs.EINVAL
	}
	n := base + off
	if n < 0 {
		return 0, -defs.EINVAL
	}
	bf.off = n
	return n, 0
}

func (bf *Bdevfops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(stat.S_IFCHR)
	st.Wsize(uint(bf.bc.dev.Nblocks() * bf.bc.dev.Bsize()))
	return 0
}

func (bf *Bdevfops_t) Size() (int, defs.Err_t) {
	return bf.bc.dev.Nblocks() * bf.bc.dev.Bsize(), 0
}
