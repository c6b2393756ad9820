package proc

import (
	"container/list"
	"sync"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/ustr"
	"github.com/sablekernel/sable/vm"
)

// Cred_t is a process's credentials record.
type Cred_t struct {
	Uid uint
	Gid uint
}

// Rootcred bypasses permission checks.
var Rootcred = Cred_t{}

// Proc_t is one process: an address space, its threads, a descriptor
// table, and a position in the process tree rooted at init.
type Proc_t struct {
	sync.Mutex
	pid  defs.Pid_t
	name [16]uint8
	Vm   *vm.Vm_t
	Cred Cred_t

	threads *list.List

	// fd table; fds 0-2 are the std descriptors
	fdl     sync.Mutex
	fds     []*fd.Fd_t
	fdstart int
	nfds    int
	Cwd     *fd.Cwd_t

	parent   *Proc_t
	children *list.List

	zombie     bool
	exitstatus int
	// parent blocks here for zombies
	Childwait *Waitq_t

	ps *Procs_t
}

// Pid returns the process id.
func (p *Proc_t) Pid() defs.Pid_t {
	return p.pid
}

// Name returns the fixed-size process name.
func (p *Proc_t) Name() string {
	return string(ustr.MkUstrSlice(p.name[:]))
}

// Zombie reports whether the process awaits reaping.
func (p *Proc_t) Zombie() bool {
	p.Lock()
	defer p.Unlock()
	return p.zombie
}

// Procs_t is the process table and pid allocator. The init process is
// pid 1; orphans are reparented to it.
type Procs_t struct {
	sync.Mutex
	sd       *Sched_t
	kas      *vm.Vm_t
	allprocs map[defs.Pid_t]*Proc_t
	initproc *Proc_t
}

// Mkprocs creates an empty process table over sd. kas is the kernel
// address space whose entries new user spaces alias.
func Mkprocs(sd *Sched_t, kas *vm.Vm_t) *Procs_t {
	return &Procs_t{sd: sd, kas: kas, allprocs: make(map[defs.Pid_t]*Proc_t)}
}

// Sched returns the scheduler processes run on.
func (ps *Procs_t) Sched() *Sched_t {
	return ps.sd
}

// Lookup returns the process with the given pid.
func (ps *Procs_t) Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	ps.Lock()
	defer ps.Unlock()
	p, ok := ps.allprocs[pid]
	return p, ok
}

// Init returns the init process.
func (ps *Procs_t) Init() *Proc_t {
	ps.Lock()
	defer ps.Unlock()
	return ps.initproc
}

// Proc_new creates a process. The first process created becomes init.
// The supplied descriptors are duplicated into slots 0-2.
func (ps *Procs_t) Proc_new(name ustr.Ustr, as *vm.Vm_t, parent *Proc_t,
	cwd *fd.Cwd_t, stdfds []*fd.Fd_t) (*Proc_t, defs.Err_t) {
	ps.Lock()
	if len(ps.allprocs) >= defs.NOPROC {
		ps.Unlock()
		return nil, -defs.ENOMEM
	}
	pid := defs.Pid_t(ps.sd.Tid_new())
	p := &Proc_t{
		pid:       pid,
		Vm:        as,
		threads:   list.New(),
		fds:       make([]*fd.Fd_t, defs.NOFILE),
		fdstart:   3,
		parent:    parent,
		children:  list.New(),
		Childwait: Mkwaitq(ps.sd),
		ps:        ps,
		Cwd:       cwd,
	}
	copy(p.name[:], name)
	if _, ok := ps.allprocs[pid]; ok {
		panic("pid exists")
	}
	ps.allprocs[pid] = p
	if ps.initproc == nil {
		ps.initproc = p
	}
	ps.Unlock()
	for i, sfd := range stdfds {
		if i >= 3 || sfd == nil {
			continue
		}
		nfd, err := fd.Copyfd(sfd)
		// copying an fd may fail if another thread closes it out
		// from under us
		if err == 0 {
			p.fds[i] = nfd
			p.nfds++
		}
	}
	if parent != nil {
		parent.Lock()
		parent.children.PushBack(p)
		parent.Unlock()
	}
	return p, 0
}

// Tid0 starts the process's initial thread. Its tid equals the pid.
func (p *Proc_t) Tid0(fn func()) *Thread_t {
	return p.thread_start(defs.Tid_t(p.pid), fn)
}

// Thread_new starts an additional thread in the process.
func (p *Proc_t) Thread_new(fn func()) *Thread_t {
	return p.thread_start(p.ps.sd.Tid_new(), fn)
}

func (p *Proc_t) thread_start(tid defs.Tid_t, fn func()) *Thread_t {
	t := &Thread_t{Tid: tid, Proc: p, As: p.Vm, Onexit: p.thread_dead}
	p.Vm.Ref_up()
	p.Lock()
	p.threads.PushBack(t)
	p.Unlock()
	p.ps.sd.Start_thread(t, fn)
	return t
}

// thread_dead runs on the scheduler's exit path for each thread. The
// process turns zombie when its last thread dies.
func (p *Proc_t) thread_dead(t *Thread_t) {
	p.Lock()
	for e := p.threads.Front(); e != nil; e = e.Next() {
		if e.Value.(*Thread_t) == t {
			p.threads.Remove(e)
			break
		}
	}
	last := p.threads.Len() == 0 && !p.zombie
	p.Unlock()
	p.Vm.Ref_down()
	if last {
		p.become_zombie(0)
	}
}

// become_zombie closes the descriptor table, reparents children to
// init, and wakes the parent's reaper.
func (p *Proc_t) become_zombie(status int) {
	p.Lock()
	if p.zombie {
		p.Unlock()
		return
	}
	p.zombie = true
	p.exitstatus = status
	p.Unlock()

	p.Fd_closeall()

	// orphans go to init
	ini := p.ps.Init()
	p.Lock()
	for e := p.children.Front(); e != nil; e = p.children.Front() {
		c := e.Value.(*Proc_t)
		p.children.Remove(e)
		if ini != nil && ini != p {
			c.Lock()
			c.parent = ini
			c.Unlock()
			ini.Lock()
			ini.children.PushBack(c)
			ini.Unlock()
		}
	}
	p.Unlock()

	if p.parent != nil {
		p.parent.Childwait.Wakeall()
	}
	log.WithField("pid", p.pid).Debug("process exited")
}

// Exit terminates the calling thread's process with the given status:
// sibling threads are killed, descriptors closed, and the parent
// woken. Never returns.
func (p *Proc_t) Exit(status int) {
	sd := p.ps.sd
	self := sd.Current()
	p.Lock()
	var others []*Thread_t
	for e := p.threads.Front(); e != nil; e = e.Next() {
		if t := e.Value.(*Thread_t); t != self {
			others = append(others, t)
		}
	}
	p.Unlock()
	for _, t := range others {
		sd.Thread_kill(t)
	}
	p.become_zombie(status)
	sd.Exit()
}

// Reap collects one zombie child, blocking until one exists. It
// returns the child's pid and exit status. -ENOENT means the process
// has no children to wait for.
func (p *Proc_t) Reap() (defs.Pid_t, int, defs.Err_t) {
	for {
		p.Lock()
		if p.children.Len() == 0 {
			p.Unlock()
			return 0, 0, -defs.ENOENT
		}
		for e := p.children.Front(); e != nil; e = e.Next() {
			c := e.Value.(*Proc_t)
			if c.Zombie() {
				p.children.Remove(e)
				p.Unlock()
				p.ps.reap(c)
				return c.pid, c.exitstatus, 0
			}
		}
		p.Unlock()
		p.Childwait.Wait()
	}
}

// reap finalizes a zombie: the process leaves the table and its
// address space is destroyed.
func (ps *Procs_t) reap(c *Proc_t) {
	ps.Lock()
	delete(ps.allprocs, c.pid)
	ps.Unlock()
	if c.Vm != nil && c.Vm != vm.Curspace() {
		c.Vm.Destroy()
	}
}

// Fd_insert installs a descriptor at the lowest free slot at or above
// fdstart; freed std slots (0-2) are not reused.
func (p *Proc_t) Fd_insert(f *fd.Fd_t, perms int) (int, defs.Err_t) {
	p.fdl.Lock()
	defer p.fdl.Unlock()
	f.Perms = perms
	for i := p.fdstart; i < len(p.fds); i++ {
		if p.fds[i] == nil {
			p.fds[i] = f
			p.nfds++
			return i, 0
		}
	}
	return 0, -defs.ENOMEM
}

// Fd_std installs a descriptor in a std slot (0-2).
func (p *Proc_t) Fd_std(n int, f *fd.Fd_t) {
	if n < 0 || n > 2 {
		panic("not a std fd")
	}
	p.fdl.Lock()
	p.fds[n] = f
	p.nfds++
	p.fdl.Unlock()
}

// Fd_get returns the descriptor at slot fdn.
func (p *Proc_t) Fd_get(fdn int) (*fd.Fd_t, defs.Err_t) {
	p.fdl.Lock()
	defer p.fdl.Unlock()
	if fdn < 0 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		return nil, -defs.EINVAL
	}
	return p.fds[fdn], 0
}

// Fd_close removes and closes the descriptor at slot fdn.
func (p *Proc_t) Fd_close(fdn int) defs.Err_t {
	p.fdl.Lock()
	if fdn < 0 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		p.fdl.Unlock()
		return -defs.EINVAL
	}
	f := p.fds[fdn]
	p.fds[fdn] = nil
	p.nfds--
	p.fdl.Unlock()
	return f.Fops.Close()
}

// Fd_dup duplicates slot ofdn into a fresh slot.
func (p *Proc_t) Fd_dup(ofdn int) (int, defs.Err_t) {
	of, err := p.Fd_get(ofdn)
	if err != 0 {
		return 0, err
	}
	nf, err := fd.Copyfd(of)
	if err != 0 {
		return 0, err
	}
	return p.Fd_insert(nf, of.Perms)
}

// Fd_closeall closes every descriptor, including the std slots.
func (p *Proc_t) Fd_closeall() {
	p.fdl.Lock()
	fds := make([]*fd.Fd_t, 0, p.nfds)
	for i, f := range p.fds {
		if f != nil {
			fds = append(fds, f)
			p.fds[i] = nil
		}
	}
	p.nfds = 0
	p.fdl.Unlock()
	for _, f := range fds {
		f.Fops.Close()
	}
}

// fdcopy duplicates the whole table into child, sharing descriptions.
func (p *Proc_t) fdcopy(child *Proc_t) {
	p.fdl.Lock()
	defer p.fdl.Unlock()
	for i, f := range p.fds {
		if f == nil {
			continue
		}
		nf, err := fd.Copyfd(f)
		if err == 0 {
			child.fds[i] = nf
			child.nfds++
		}
	}
}

// Fdexec drops close-on-exec descriptors across an exec.
func (p *Proc_t) Fdexec() {
	p.fdl.Lock()
	var closers []*fd.Fd_t
	for i, f := range p.fds {
		if f != nil && f.Perms&fd.FD_CLOEXEC != 0 {
			closers = append(closers, f)
			p.fds[i] = nil
			p.nfds--
		}
	}
	p.fdl.Unlock()
	for _, f := range closers {
		f.Fops.Close()
	}
}

// Fork clones the calling thread's process: a fresh address space
// shares the parent's pages copy-on-write and the descriptor table is
// duplicated. The child's initial thread runs childfn.
func (p *Proc_t) Fork(childfn func(*Proc_t)) (*Proc_t, defs.Err_t) {
	cas, err := vm.Mkvm(p.Vm.Phys, p.ps.kas, p.Vm.Vmregion.Startva(), p.Vm.Vmregion.Endva())
	if err != 0 {
		return nil, err
	}
	if err := vm.Copy_current(cas); err != 0 {
		cas.Destroy()
		return nil, err
	}
	child, err := p.ps.Proc_new(ustr.Ustr(p.Name()), cas, p, p.Cwd, nil)
	if err != 0 {
		cas.Destroy()
		return nil, err
	}
	child.Cred = p.Cred
	p.fdcopy(child)
	child.Tid0(func() {
		childfn(child)
	})
	return child, 0
}
