// Package fdops declares the operation table implemented by every
// open-file description: regular files, devices, and sockets alike.
package fdops

import (
	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/stat"
)

// Seek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Fdops_i is the per-description operation table. An implementor that
// does not support a slot embeds Nofops_t so the slot reports
// -ENOTSUP.
type Fdops_i interface {
	// Reopen adds a reference for a descriptor duplication.
	Reopen() defs.Err_t
	Close() defs.Err_t
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	// Lseek adjusts the file offset and returns the new one.
	Lseek(off int, whence int) (int, defs.Err_t)
	Fstat(st *stat.Stat_t) defs.Err_t
	Size() (int, defs.Err_t)
	Bind(addr []uint8) defs.Err_t
	Connect(addr []uint8) defs.Err_t
	Sendmsg(src []uint8, addr []uint8) (int, defs.Err_t)
	Recvmsg(dst []uint8) (int, []uint8, defs.Err_t)
}

// Nofops_t returns -ENOTSUP from every slot.
type Nofops_t struct{}

func (no *Nofops_t) Reopen() defs.Err_t {
	return -defs.ENOTSUP
}

func (no *Nofops_t) Close() defs.Err_t {
	return -defs.ENOTSUP
}

func (no *Nofops_t) Read(dst []uint8) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}

func (no *Nofops_t) Write(src []uint8) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}

func (no *Nofops_t) Lseek(off, whence int) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}

func (no *Nofops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	return -defs.ENOTSUP
}

func (no *Nofops_t) Size() (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}

func (no *Nofops_t) Bind(addr []uint8) defs.Err_t {
	return -defs.ENOTSUP
}

func (no *Nofops_t) Connect(addr []uint8) defs.Err_t {
	return -defs.ENOTSUP
}

func (no *Nofops_t) Sendmsg(src, addr []uint8) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}

func (no *Nofops_t) Recvmsg(dst []uint8) (int, []uint8, defs.Err_t) {
	return 0, nil, -defs.ENOTSUP
}
