package fs

import (
	"sync"
	"sync/atomic"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
)

// pipebuf_t is a circular byte buffer. head and tail only grow; the
// difference is the fill level.
type pipebuf_t struct {
	buf  []uint8
	head int
	tail int
}

func (cb *pipebuf_t) full() bool {
	return cb.head-cb.tail == len(cb.buf)
}

func (cb *pipebuf_t) empty() bool {
	return cb.head == cb.tail
}

func (cb *pipebuf_t) left() int {
	return len(cb.buf) - (cb.head - cb.tail)
}

func (cb *pipebuf_t) copyin(src []uint8) int {
	c := 0
	for len(src) > 0 && !cb.full() {
		hi := cb.head % len(cb.buf)
		ti := cb.tail % len(cb.buf)
		var dst []uint8
		if ti <= hi {
			dst = cb.buf[hi:]
		} else {
			dst = cb.buf[hi:ti]
		}
		did := copy(dst, src)
		src = src[did:]
		cb.head += did
		c += did
	}
	return c
}

func (cb *pipebuf_t) copyout(dst []uint8) int {
	c := 0
	for len(dst) > 0 && !cb.empty() {
		hi := cb.head % len(cb.buf)
		ti := cb.tail % len(cb.buf)
		var src []uint8
		if ti < hi {
			src = cb.buf[ti:hi]
		} else {
			src = cb.buf[ti:]
		}
		did := copy(dst, src)
		dst = dst[did:]
		cb.tail += did
		c += did
	}
	return c
}

// Pipe_t is the kernel object behind a fifo: a page-sized circular
// buffer with reader and writer wait-queues.
type Pipe_t struct {
	sync.Mutex
	cbuf    pipebuf_t
	rwait   *proc.Waitq_t
	wwait   *proc.Waitq_t
	readers int32
	writers int32
}

// Mkpipe builds the pipe and its two descriptors.
func Mkpipe(sd *proc.Sched_t) (*fd.Fd_t, *fd.Fd_t) {
	p := &Pipe_t{
		cbuf:    pipebuf_t{buf: make([]uint8, mem.PGSIZE)},
		rwait:   proc.Mkwaitq(sd),
		wwait:   proc.Mkwaitq(sd),
		readers: 1,
		writers: 1,
	}
	rf := &fd.Fd_t{Fops: &Pipefops_t{pipe: p}, Perms: fd.FD_READ}
	wf := &fd.Fd_t{Fops: &Pipefops_t{pipe: p, writer: true}, Perms: fd.FD_WRITE}
	return rf, wf
}

// read blocks until data or the last writer is gone (EOF).
func (p *Pipe_t) read(dst []uint8) (int, defs.Err_t) {
	p.Lock()
	for {
		if !p.cbuf.empty() {
			did := p.cbuf.copyout(dst)
			p.Unlock()
			p.wwait.Wakeall()
			return did, 0
		}
		if atomic.LoadInt32(&p.writers) == 0 || len(dst) == 0 {
			p.Unlock()
			return 0, 0
		}
		p.rwait.Wait_unlock(p)
	}
}

// write blocks while the buffer is full. Writing with no reader left
// fails.
func (p *Pipe_t) write(src []uint8) (int, defs.Err_t) {
	p.Lock()
	did := 0
	for {
		if atomic.LoadInt32(&p.readers) == 0 {
			p.Unlock()
			return did, -defs.ENOTCONN
		}
		did += p.cbuf.copyin(src[did:])
		if did == len(src) {
			p.Unlock()
			p.rwait.Wakeall()
			return did, 0
		}
		p.Unlock()
		p.rwait.Wakeall()
		p.Lock()
		if p.cbuf.full() {
			p.wwait.Wait_unlock(p)
		}
	}
}

func (p *Pipe_t) closeend(writer bool) {
	var left int32
	if writer {
		left = atomic.AddInt32(&p.writers, -1)
	} else {
		left = atomic.AddInt32(&p.readers, -1)
	}
	if left < 0 {
		panic("wut")
	}
	// wake the other side so it can observe the hangup
	p.rwait.Wakeall()
	p.wwait.Wakeall()
}

// Pipefops_t is one end's open-file description.
type Pipefops_t struct {
	fdops.Nofops_t
	pipe   *Pipe_t
	writer bool
}

func (pf *Pipefops_t) Reopen() defs.Err_t {
	if pf.writer {
		atomic.AddInt32(&pf.pipe.writers, 1)
	} else {
		atomic.AddInt32(&pf.pipe.readers, 1)
	}
	return 0
}

func (pf *Pipefops_t) Close() defs.Err_t {
	pf.pipe.closeend(pf.writer)
	return 0
}

func (pf *Pipefops_t) Read(dst []uint8) (int, defs.Err_t) {
	if pf.writer {
		return 0, -defs.EPERM
	}
	return pf.pipe.read(dst)
}

func (pf *Pipefops_t) Write(src []uint8) (int, defs.Err_t) {
	if !pf.writer {
		return 0, -defs.EPERM
	}
	return pf.pipe.write(src)
}
