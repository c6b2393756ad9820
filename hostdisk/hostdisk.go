// Package hostdisk backs a block device with a host file, for running
// the kernel core against a real disk image.
package hostdisk

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sablekernel/sable/defs"
)

// Disk_t simulates a disk backed by a file.
type Disk_t struct {
	sync.Mutex
	fd      int
	bsize   int
	nblocks int
}

// Open opens or creates the image at path with nblocks blocks of
// bsize bytes. An existing larger image keeps its size.
func Open(path string, bsize, nblocks int) (*Disk_t, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	want := int64(bsize * nblocks)
	if st.Size < want {
		if err := unix.Ftruncate(fd, want); err != nil {
			unix.Close(fd)
			return nil, err
		}
	} else if have := int(st.Size) / bsize; have > nblocks {
		nblocks = have
	}
	return &Disk_t{fd: fd, bsize: bsize, nblocks: nblocks}, nil
}

// Close releases the host file.
func (hd *Disk_t) Close() error {
	hd.Lock()
	defer hd.Unlock()
	return unix.Close(hd.fd)
}

// Sync flushes the host file.
func (hd *Disk_t) Sync() error {
	return unix.Fsync(hd.fd)
}

func (hd *Disk_t) Bsize() int {
	return hd.bsize
}

func (hd *Disk_t) Nblocks() int {
	return hd.nblocks
}

func (hd *Disk_t) Bread(blkno int, dst []uint8) defs.Err_t {
	if blkno < 0 || blkno >= hd.nblocks || len(dst) != hd.bsize {
		return -defs.EINVAL
	}
	hd.Lock()
	defer hd.Unlock()
	n, err := unix.Pread(hd.fd, dst, int64(blkno*hd.bsize))
	if err != nil || n != hd.bsize {
		return -defs.ENODEV
	}
	return 0
}

func (hd *Disk_t) Bwrite(blkno int, src []uint8) defs.Err_t {
	if blkno < 0 || blkno >= hd.nblocks || len(src) != hd.bsize {
		return -defs.EINVAL
	}
	hd.Lock()
	defer hd.Unlock()
	n, err := unix.Pwrite(hd.fd, src, int64(blkno*hd.bsize))
	if err != nil || n != hd.bsize {
		return -defs.ENODEV
	}
	return 0
}
