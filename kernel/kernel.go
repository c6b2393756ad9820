// Package kernel glues the core together: boot, the kernel address
// space and heap, the init process lifecycle, the timer path, and the
// system call layer.
package kernel

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/fs"
	"github.com/sablekernel/sable/heap"
	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/ustr"
	"github.com/sablekernel/sable/vm"
)

var log = logrus.WithField("sub", "kernel")

// Address space layout: user mappings start above the unmapped zero
// page region; the kernel half is shared. The kernel VAS stops short
// of the recursive-mapping window.
const (
	USERMIN vm.Va_t = 0x1000
	KVSTART vm.Va_t = vm.KERNBASE
	KVEND   vm.Va_t = 0xFFC00000
)

// Execer_i loads a program image into the current address space. The
// ELF loader is an external collaborator registered at boot.
type Execer_i interface {
	Exec(p *proc.Proc_t, path ustr.Ustr, argv, envp []ustr.Ustr) defs.Err_t
}

// Kernel_t owns the core's singletons. Create one with Boot; the
// explicit lifecycle replaces scattered globals.
type Kernel_t struct {
	Phys     *mem.Physmem_t
	Kas      *vm.Vm_t
	Kmem     *heap.Kmalloc_t
	Sd       *proc.Sched_t
	Procs    *proc.Procs_t
	Vfs      *fs.Vfs_t
	Pgdaemon *fs.Pgdaemon_t
	Mbinfo   *mboot.Info

	execer Execer_i
	cons   io.Writer
}

// Boot brings the core up from a multiboot information structure:
// physical memory, the kernel address space, the heap, the scheduler,
// and the VFS registry.
func Boot(mbraw []uint8, kstart, kend mem.Pa_t, cons io.Writer) (*Kernel_t, defs.Err_t) {
	mi, err := mboot.Parse(mbraw)
	if err != 0 {
		return nil, err
	}
	return boot_mi(mi, kstart, kend, cons)
}

// Boot_map boots from an already-parsed memory map, for harnesses
// that synthesize the machine instead of parsing a bootloader image.
func Boot_map(mi *mboot.Info, kstart, kend mem.Pa_t, cons io.Writer) (*Kernel_t, defs.Err_t) {
	return boot_mi(mi, kstart, kend, cons)
}

func boot_mi(mi *mboot.Info, kstart, kend mem.Pa_t, cons io.Writer) (*Kernel_t, defs.Err_t) {
	phys := mem.Phys_init(mi, kstart, kend)
	if err := phys.Zeropg_init(); err != 0 {
		return nil, err
	}
	kas, err := vm.Mkvm(phys, nil, KVSTART, KVEND)
	if err != 0 {
		return nil, err
	}
	kas.Load()
	sd := proc.Mksched()
	k := &Kernel_t{
		Phys:     phys,
		Kas:      kas,
		Kmem:     heap.Mkkmalloc(kas),
		Sd:       sd,
		Procs:    proc.Mkprocs(sd, kas),
		Vfs:      fs.Mkvfs(),
		Pgdaemon: fs.Mkdaemon(sd),
		Mbinfo:   mi,
		cons:     cons,
	}
	k.Vfs.Register("memfs", func(dev fs.Bdev_i) (fs.Fs_i, defs.Err_t) {
		return fs.Mkmemfs(), 0
	})
	log.Info("kernel core up")
	return k, 0
}

// Set_execer registers the external program loader.
func (k *Kernel_t) Set_execer(e Execer_i) {
	k.execer = e
}

// Tick is the timer interrupt path: it advances the tick counter,
// wakes due sleepers, and arms preemption.
func (k *Kernel_t) Tick() {
	k.Sd.Tick()
}

// Gettime_ms returns milliseconds since boot; the tick period is 1ms.
func (k *Kernel_t) Gettime_ms() uint64 {
	return k.Sd.Ticks()
}

// Mkuserspace builds a user address space sharing the kernel half.
func (k *Kernel_t) Mkuserspace() (*vm.Vm_t, defs.Err_t) {
	return vm.Mkvm(k.Phys, k.Kas, USERMIN, vm.KERNBASE)
}

// Init_kernel_process creates the init process (pid 1) and starts its
// initial thread on fn. The std descriptors point at the console.
func (k *Kernel_t) Init_kernel_process(fn func(*proc.Proc_t)) (*proc.Proc_t, defs.Err_t) {
	as, err := k.Mkuserspace()
	if err != 0 {
		return nil, err
	}
	confops := &Confops_t{k: k, refcnt: 1}
	stdin := &fd.Fd_t{Fops: confops, Perms: fd.FD_READ}
	stdout := &fd.Fd_t{Fops: confops, Perms: fd.FD_WRITE}
	stderr := &fd.Fd_t{Fops: confops, Perms: fd.FD_WRITE}
	p, err := k.Procs.Proc_new(ustr.Ustr("init"), as, nil, nil,
		[]*fd.Fd_t{stdin, stdout, stderr})
	if err != 0 {
		as.Destroy()
		return nil, err
	}
	if p.Pid() != 1 {
		panic("init must be pid 1")
	}
	p.Tid0(func() {
		fn(p)
	})
	return p, 0
}

// Confops_t is the console device description. Writes go to the
// harness-provided writer; the console never seeks.
type Confops_t struct {
	fdops.Nofops_t
	sync.Mutex
	k      *Kernel_t
	refcnt int32
}

func (cf *Confops_t) Reopen() defs.Err_t {
	cf.Lock()
	cf.refcnt++
	cf.Unlock()
	return 0
}

func (cf *Confops_t) Close() defs.Err_t {
	cf.Lock()
	cf.refcnt--
	cf.Unlock()
	return 0
}

func (cf *Confops_t) Write(src []uint8) (int, defs.Err_t) {
	if cf.k.cons == nil {
		return len(src), 0
	}
	n, err := cf.k.cons.Write(src)
	if err != nil {
		return n, -defs.ENODEV
	}
	return n, 0
}

func (cf *Confops_t) Read(dst []uint8) (int, defs.Err_t) {
	return 0, 0
}
