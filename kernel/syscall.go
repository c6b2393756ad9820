package kernel

import (
	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/stat"
	"github.com/sablekernel/sable/ustr"
	"github.com/sablekernel/sable/vm"
)

// Syscall is the trap dispatcher: it decodes the trap number and
// argument words for the calling thread's process and returns the
// result as an integer, errors negative.
func (k *Kernel_t) Syscall(p *proc.Proc_t, trap, a1, a2, a3 int) int {
	switch trap {
	case defs.SYS_OPEN:
		path, err := p.Vm.Userstr(vm.Va_t(a1), defs.NAMEMAX)
		if err != 0 {
			return int(err)
		}
		fdn, err := k.Sys_open(p, path, a2)
		if err != 0 {
			return int(err)
		}
		return fdn
	case defs.SYS_READ:
		return ret1(k.Sys_read(p, a1, vm.Va_t(a2), a3))
	case defs.SYS_WRITE:
		return ret1(k.Sys_write(p, a1, vm.Va_t(a2), a3))
	case defs.SYS_SEEK:
		return ret1(k.Sys_seek(p, a1, a2, a3))
	case defs.SYS_CLOSE:
		return int(k.Sys_close(p, a1))
	case defs.SYS_STAT, defs.SYS_LSTAT:
		path, err := p.Vm.Userstr(vm.Va_t(a1), defs.NAMEMAX)
		if err != 0 {
			return int(err)
		}
		return int(k.Sys_stat(p, path, vm.Va_t(a2)))
	case defs.SYS_MMAP:
		va, err := k.Sys_mmap(p, vm.Va_t(a1), a2, vm.Prot_t(a3))
		if err != 0 {
			return int(err)
		}
		return int(va)
	case defs.SYS_MUNMAP:
		return int(k.Sys_munmap(p, vm.Va_t(a1), a2))
	case defs.SYS_EXIT:
		k.Sys_exit(p, a1)
		panic("exit returned")
	default:
		return int(-defs.ENOSYS)
	}
}

func ret1(n int, err defs.Err_t) int {
	if err != 0 {
		return int(err)
	}
	return n
}

// Sys_open resolves path relative to the process cwd and installs a
// descriptor for the resulting description.
func (k *Kernel_t) Sys_open(p *proc.Proc_t, path ustr.Ustr, oflags int) (int, defs.Err_t) {
	if p.Cwd != nil {
		path = p.Cwd.Canonicalpath(path)
	}
	nfd, err := k.Vfs.Open(path, oflags, p.Cred)
	if err != 0 {
		return 0, err
	}
	fdn, err := p.Fd_insert(nfd, nfd.Perms)
	if err != 0 {
		fd.Close_panic(nfd)
		return 0, err
	}
	return fdn, 0
}

// Sys_read reads up to n bytes from the descriptor into user memory
// at uva.
func (k *Kernel_t) Sys_read(p *proc.Proc_t, fdn int, uva vm.Va_t, n int) (int, defs.Err_t) {
	if n < 0 {
		return 0, -defs.EINVAL
	}
	f, err := p.Fd_get(fdn)
	if err != 0 {
		return 0, err
	}
	if f.Perms&fd.FD_READ == 0 {
		return 0, -defs.EPERM
	}
	buf := make([]uint8, n)
	did, err := f.Fops.Read(buf)
	if err != 0 {
		return 0, err
	}
	if err := p.Vm.K2user(buf[:did], uva); err != 0 {
		return 0, err
	}
	return did, 0
}

// Sys_write writes n bytes of user memory at uva to the descriptor.
func (k *Kernel_t) Sys_write(p *proc.Proc_t, fdn int, uva vm.Va_t, n int) (int, defs.Err_t) {
	if n < 0 {
		return 0, -defs.EINVAL
	}
	f, err := p.Fd_get(fdn)
	if err != 0 {
		return 0, err
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return 0, -defs.EPERM
	}
	buf := make([]uint8, n)
	if err := p.Vm.User2k(buf, uva); err != 0 {
		return 0, err
	}
	return f.Fops.Write(buf)
}

// Sys_seek adjusts the descriptor's offset.
func (k *Kernel_t) Sys_seek(p *proc.Proc_t, fdn, off, whence int) (int, defs.Err_t) {
	f, err := p.Fd_get(fdn)
	if err != 0 {
		return 0, err
	}
	return f.Fops.Lseek(off, whence)
}

// Sys_close removes the descriptor.
func (k *Kernel_t) Sys_close(p *proc.Proc_t, fdn int) defs.Err_t {
	return p.Fd_close(fdn)
}

// Sys_stat resolves path and copies the stat record to user memory.
func (k *Kernel_t) Sys_stat(p *proc.Proc_t, path ustr.Ustr, uva vm.Va_t) defs.Err_t {
	if p.Cwd != nil {
		path = p.Cwd.Canonicalpath(path)
	}
	vn, err := k.Vfs.Find_by_path(path, p.Cred)
	if err != 0 {
		return err
	}
	st := &stat.Stat_t{}
	vn.Lock()
	serr := vn.Ops.Stat(vn, st)
	vn.Unlock()
	vn.Vunref()
	if serr != 0 {
		return serr
	}
	return p.Vm.K2user(st.Bytes(), uva)
}

// Sys_mmap reserves anonymous memory in the process's space.
func (k *Kernel_t) Sys_mmap(p *proc.Proc_t, addr vm.Va_t, length int, prot vm.Prot_t) (vm.Va_t, defs.Err_t) {
	if prot&vm.PROT_KERN != 0 {
		return 0, -defs.EPERM
	}
	return p.Vm.Mmap(addr, length, prot, nil)
}

// Sys_munmap drops a mapping.
func (k *Kernel_t) Sys_munmap(p *proc.Proc_t, addr vm.Va_t, length int) defs.Err_t {
	return p.Vm.Munmap(addr, length)
}

// Sys_fork clones the process; the child's initial thread runs
// childfn, the architecture trampoline's stand-in.
func (k *Kernel_t) Sys_fork(p *proc.Proc_t, childfn func(*proc.Proc_t)) (defs.Pid_t, defs.Err_t) {
	child, err := p.Fork(childfn)
	if err != 0 {
		return 0, err
	}
	return child.Pid(), 0
}

// Sys_execve replaces the process image through the registered
// loader.
func (k *Kernel_t) Sys_execve(p *proc.Proc_t, path ustr.Ustr, argv, envp []ustr.Ustr) defs.Err_t {
	if k.execer == nil {
		return -defs.ENOSYS
	}
	if p.Cwd != nil {
		path = p.Cwd.Canonicalpath(path)
	}
	// close-on-exec descriptors drop before the new image runs
	p.Fdexec()
	return k.execer.Exec(p, path, argv, envp)
}

// Sys_exit terminates the calling thread's process. Never returns.
func (k *Kernel_t) Sys_exit(p *proc.Proc_t, status int) {
	p.Exit(status)
}

// Sys_wait4 reaps a zombie child.
func (k *Kernel_t) Sys_wait4(p *proc.Proc_t) (defs.Pid_t, int, defs.Err_t) {
	return p.Reap()
}
