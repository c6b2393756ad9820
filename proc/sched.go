// Package proc implements threads, processes, and the preemptive
// round-robin scheduler, plus wait-queues and one-shot workers.
//
// The machine has one CPU. A thread executes only while it holds the
// CPU grant; the scheduler hands the grant off at yield points, at
// blocking operations, and when the timer expires the current
// timeslice. Kernel threads are goroutines parked on their grant
// channel, so no two threads ever run kernel code concurrently beyond
// the lock-guarded handoff window.
package proc

import (
	"container/list"
	"runtime"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/vm"
)

var log = logrus.WithField("sub", "proc")

// Tstate_t is a thread's scheduling state.
type Tstate_t int

const (
	RUNNING Tstate_t = iota
	WAITING
	ZOMBIE
	KILLED
)

func (ts Tstate_t) String() string {
	switch ts {
	case RUNNING:
		return "running"
	case WAITING:
		return "waiting"
	case ZOMBIE:
		return "zombie"
	case KILLED:
		return "killed"
	default:
		return "bad state"
	}
}

// TIMESLICE is the preemption quantum in timer ticks (2ms at a 1ms
// tick).
const TIMESLICE uint64 = 2

// Thread_t is one schedulable context. While running, deadline is the
// preemption deadline; while sleeping it is the wakeup deadline.
type Thread_t struct {
	Tid    defs.Tid_t
	Proc   *Proc_t
	Kernel bool
	state  Tstate_t
	killed bool
	// CPU grant; buffered so a grant can precede the park
	gate chan struct{}
	// runqueue or wait-queue position, for O(1) removal
	elem *list.Element
	wq   *Waitq_t
	// sleep bookkeeping
	deadline uint64
	sleeping bool
	timedout bool
	// address space to load when granted the CPU
	As *vm.Vm_t
	// run by the scheduler when the thread dies
	Onexit func(*Thread_t)
}

// State returns the thread's scheduling state.
func (t *Thread_t) State() Tstate_t {
	return t.state
}

func tless(a, b *Thread_t) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.Tid < b.Tid
}

// Sched_t is the single-CPU round-robin scheduler: one FIFO runqueue,
// a deadline-ordered sleeper tree, and the tick counter.
type Sched_t struct {
	sync.Mutex
	runq     *list.List
	sleepers *btree.BTreeG[*Thread_t]
	cur      *Thread_t
	ticks    uint64
	tidcur   defs.Tid_t
	// preemption bracket
	preemptcnt  int
	intson      bool
	intsaved    bool
	needresched bool
	nthreads    int64
}

// Mksched creates an empty scheduler.
func Mksched() *Sched_t {
	return &Sched_t{
		runq:     list.New(),
		sleepers: btree.NewG[*Thread_t](8, tless),
		intson:   true,
	}
}

// Ticks returns the current tick count.
func (sd *Sched_t) Ticks() uint64 {
	sd.Lock()
	defer sd.Unlock()
	return sd.ticks
}

// Current returns the thread holding the CPU. Must be called from that
// thread.
func (sd *Sched_t) Current() *Thread_t {
	sd.Lock()
	defer sd.Unlock()
	return sd.cur
}

// Tid_new hands out the next thread id.
func (sd *Sched_t) Tid_new() defs.Tid_t {
	sd.Lock()
	defer sd.Unlock()
	sd.tidcur++
	return sd.tidcur
}

// dispatch_l grants the CPU to the runqueue head if the CPU is idle.
// Caller holds the scheduler lock.
func (sd *Sched_t) dispatch_l() {
	if sd.cur != nil {
		return
	}
	e := sd.runq.Front()
	if e == nil {
		return
	}
	t := e.Value.(*Thread_t)
	sd.runq.Remove(e)
	t.elem = nil
	sd.cur = t
	t.deadline = sd.ticks + TIMESLICE
	sd.needresched = false
	if t.As != nil && vm.Curspace() != t.As {
		t.As.Load()
	}
	t.gate <- struct{}{}
}

// enqueue_l appends t to the runqueue. Caller holds the lock.
func (sd *Sched_t) enqueue_l(t *Thread_t) {
	t.state = RUNNING
	t.elem = sd.runq.PushBack(t)
}

// Start_thread registers t and begins running fn on it. The thread
// joins the tail of the runqueue.
func (sd *Sched_t) Start_thread(t *Thread_t, fn func()) {
	if t.gate == nil {
		t.gate = make(chan struct{}, 1)
	}
	sd.Lock()
	sd.nthreads++
	sd.enqueue_l(t)
	sd.dispatch_l()
	sd.Unlock()
	go func() {
		<-t.gate
		if !t.killed {
			fn()
		}
		sd.exit_thread()
	}()
}

// exit_thread ends the calling thread. Never returns.
func (sd *Sched_t) exit_thread() {
	sd.Lock()
	self := sd.cur
	if self.killed {
		self.state = KILLED
	} else {
		self.state = ZOMBIE
	}
	sd.cur = nil
	sd.nthreads--
	sd.dispatch_l()
	sd.Unlock()
	if self.Onexit != nil {
		self.Onexit(self)
	}
	runtime.Goexit()
}

// Exit ends the calling thread; resources are torn down through the
// thread's exit hook.
func (sd *Sched_t) Exit() {
	sd.exit_thread()
}

// die_if_killed is the safe point for deferred cancellation.
func (sd *Sched_t) die_if_killed(self *Thread_t) {
	if self.killed {
		sd.exit_thread()
	}
}

// park gives up the CPU and waits to be granted it again.
func (sd *Sched_t) park(self *Thread_t) {
	<-self.gate
	sd.die_if_killed(self)
}

// Sched_yield hands the CPU to the next runnable thread, re-queueing
// the caller. Idempotent when nothing else is runnable.
func (sd *Sched_t) Sched_yield() {
	sd.Lock()
	self := sd.cur
	if self == nil {
		panic("yield with no thread")
	}
	sd.cur = nil
	sd.enqueue_l(self)
	sd.dispatch_l()
	sd.Unlock()
	sd.park(self)
}

// Sched_preempt forces a yield regardless of the timeslice.
func (sd *Sched_t) Sched_preempt() {
	sd.Sched_yield()
}

// Preempt_check is the tick-boundary preemption point. Long-running
// kernel loops call it; it yields when the timer expired the current
// slice and preemption is enabled.
func (sd *Sched_t) Preempt_check() {
	sd.Lock()
	need := sd.needresched && sd.preemptcnt == 0
	sd.Unlock()
	if need {
		sd.Sched_yield()
	}
}

// Preempt_disable brackets a region the timer must not preempt. The
// brackets nest; the first one saves the interrupt-enable flag.
func (sd *Sched_t) Preempt_disable() {
	sd.Lock()
	sd.preemptcnt++
	if sd.preemptcnt == 1 {
		sd.intsaved = sd.intson
		sd.intson = false
	}
	sd.Unlock()
}

// Preempt_enable closes a Preempt_disable bracket, restoring the prior
// interrupt-enable flag when the count reaches zero.
func (sd *Sched_t) Preempt_enable() {
	sd.Lock()
	if sd.preemptcnt == 0 {
		panic("unbalanced preempt_enable")
	}
	sd.preemptcnt--
	resched := false
	if sd.preemptcnt == 0 {
		sd.intson = sd.intsaved
		resched = sd.needresched
	}
	sd.Unlock()
	if resched {
		sd.Sched_yield()
	}
}

// Block_thread marks t waiting. The caller is responsible for placing
// it on a wait-queue.
func (sd *Sched_t) Block_thread(t *Thread_t) {
	sd.Lock()
	t.state = WAITING
	if t.elem != nil {
		sd.runq.Remove(t.elem)
		t.elem = nil
	}
	sd.Unlock()
}

// Unblock_thread makes t runnable and appends it to the runqueue.
func (sd *Sched_t) Unblock_thread(t *Thread_t) {
	sd.Lock()
	sd.unblock_l(t)
	sd.dispatch_l()
	sd.Unlock()
}

// caller holds the lock
func (sd *Sched_t) unblock_l(t *Thread_t) {
	if t.state != WAITING {
		return
	}
	if t.sleeping {
		sd.sleepers.Delete(t)
		t.sleeping = false
	}
	if t.wq != nil {
		t.wq.remove_l(t)
	}
	sd.enqueue_l(t)
}

// block_current_l parks the calling thread with state waiting. When
// deadline is nonzero the thread is also queued for a timed wakeup.
// The scheduler lock is held on entry and released before parking.
func (sd *Sched_t) block_current_l(deadline uint64) *Thread_t {
	self := sd.cur
	if self == nil {
		panic("block with no thread")
	}
	self.state = WAITING
	self.timedout = false
	if deadline != 0 {
		self.deadline = deadline
		self.sleeping = true
		sd.sleepers.ReplaceOrInsert(self)
	}
	sd.cur = nil
	sd.dispatch_l()
	sd.Unlock()
	return self
}

// Block_waiting_until parks the caller until the tick counter reaches
// deadline or someone unblocks it earlier.
func (sd *Sched_t) Block_waiting_until(deadline uint64) {
	sd.Lock()
	self := sd.block_current_l(deadline)
	sd.park(self)
}

// Sleep parks the caller for nticks timer ticks.
func (sd *Sched_t) Sleep(nticks uint64) {
	sd.Lock()
	deadline := sd.ticks + nticks
	self := sd.block_current_l(deadline)
	sd.park(self)
}

// unblock_waiting_before_l wakes every sleeper whose deadline has been
// reached, in deadline order. Caller holds the lock.
func (sd *Sched_t) unblock_waiting_before_l(now uint64) {
	for {
		var first *Thread_t
		sd.sleepers.Ascend(func(t *Thread_t) bool {
			first = t
			return false
		})
		if first == nil || first.deadline > now {
			return
		}
		first.timedout = true
		sd.unblock_l(first)
	}
}

// Unblock_waiting_before wakes every sleeper whose deadline is at or
// before now, in deadline order.
func (sd *Sched_t) Unblock_waiting_before(now uint64) {
	sd.Lock()
	sd.unblock_waiting_before_l(now)
	sd.dispatch_l()
	sd.Unlock()
}

// Tick advances the timer: the tick counter increments, due sleepers
// wake, and an expired timeslice schedules preemption at the next
// check. Called from the timer interrupt path; never blocks.
func (sd *Sched_t) Tick() {
	sd.Lock()
	sd.ticks++
	sd.unblock_waiting_before_l(sd.ticks)
	if sd.cur != nil && sd.ticks >= sd.cur.deadline && sd.preemptcnt == 0 {
		sd.needresched = true
	}
	sd.dispatch_l()
	sd.Unlock()
}

// Thread_kill cancels t. Killing the current thread tears it down
// immediately and never returns; for any other thread the teardown is
// deferred to its next scheduler pass.
func (sd *Sched_t) Thread_kill(t *Thread_t) {
	log.WithField("tid", t.Tid).Debug("thread kill")
	sd.Lock()
	t.killed = true
	if sd.cur == t {
		sd.Unlock()
		sd.exit_thread()
	}
	if t.state == WAITING {
		sd.unblock_l(t)
		sd.dispatch_l()
	}
	sd.Unlock()
}

// Nthreads returns the number of live threads.
func (sd *Sched_t) Nthreads() int64 {
	sd.Lock()
	defer sd.Unlock()
	return sd.nthreads
}

// Waitq_t is an ordered queue of suspended threads. Wakeups are FIFO
// in enqueue order. A thread is on at most one wait-queue.
type Waitq_t struct {
	sync.Mutex
	sd      *Sched_t
	waiters *list.List
}

// Mkwaitq creates an empty wait-queue on sd.
func Mkwaitq(sd *Sched_t) *Waitq_t {
	return &Waitq_t{sd: sd, waiters: list.New()}
}

// caller holds the scheduler lock (or knows t cannot race)
func (wq *Waitq_t) remove_l(t *Thread_t) {
	if t.elem != nil {
		wq.waiters.Remove(t.elem)
		t.elem = nil
	}
	t.wq = nil
}

// wait enqueues the caller and parks it. deadline of zero waits
// forever; otherwise the thread is returned with a timeout error when
// the tick counter passes deadline first. unlocker, when non-nil, is
// released after the thread is safely enqueued, closing the
// sleep-wakeup race.
func (wq *Waitq_t) wait(deadline uint64, unlocker sync.Locker) defs.Err_t {
	sd := wq.sd
	wq.Lock()
	sd.Lock()
	self := sd.cur
	if self == nil {
		panic("wait with no thread")
	}
	self.wq = wq
	self.elem = wq.waiters.PushBack(self)
	sd.block_current_l(deadline)
	wq.Unlock()
	if unlocker != nil {
		unlocker.Unlock()
	}
	sd.park(self)
	if unlocker != nil {
		unlocker.Lock()
	}
	if self.timedout {
		return -defs.ETIMEDOUT
	}
	return 0
}

// Wait parks the caller until a wakeup.
func (wq *Waitq_t) Wait() {
	wq.wait(0, nil)
}

// Wait_unlock releases l once the caller is enqueued, then parks.
// Reacquires l before returning.
func (wq *Waitq_t) Wait_unlock(l sync.Locker) {
	wq.wait(0, l)
}

// Wait_timeout parks the caller until a wakeup or the deadline tick.
func (wq *Waitq_t) Wait_timeout(deadline uint64) defs.Err_t {
	return wq.wait(deadline, nil)
}

// Wake1 unblocks the head waiter.
func (wq *Waitq_t) Wake1() {
	wq.Lock()
	sd := wq.sd
	sd.Lock()
	e := wq.waiters.Front()
	if e != nil {
		t := e.Value.(*Thread_t)
		wq.waiters.Remove(e)
		t.elem = nil
		t.wq = nil
		sd.enqueue_l(t)
		if t.sleeping {
			sd.sleepers.Delete(t)
			t.sleeping = false
		}
		sd.dispatch_l()
	}
	sd.Unlock()
	wq.Unlock()
}

// Wakeall drains the queue in FIFO order.
func (wq *Waitq_t) Wakeall() {
	wq.Lock()
	sd := wq.sd
	sd.Lock()
	for e := wq.waiters.Front(); e != nil; e = wq.waiters.Front() {
		t := e.Value.(*Thread_t)
		wq.waiters.Remove(e)
		t.elem = nil
		t.wq = nil
		if t.sleeping {
			sd.sleepers.Delete(t)
			t.sleeping = false
		}
		sd.enqueue_l(t)
	}
	sd.dispatch_l()
	sd.Unlock()
	wq.Unlock()
}

// Empty reports whether no thread is queued.
func (wq *Waitq_t) Empty() bool {
	wq.Lock()
	defer wq.Unlock()
	return wq.waiters.Len() == 0
}

// Worker_t is a one-shot helper: a kernel thread that runs one
// function and drains its wait-queue when done. ISR fast-paths use
// Running to test for an active run without blocking.
type Worker_t struct {
	sync.Mutex
	sd      *Sched_t
	wq      *Waitq_t
	done    bool
	running bool
}

// Mkworker creates an idle worker.
func Mkworker(sd *Sched_t) *Worker_t {
	return &Worker_t{sd: sd, wq: Mkwaitq(sd)}
}

// Start runs fn(arg) on a fresh kernel thread. At most one run may be
// active.
func (w *Worker_t) Start(fn func(interface{}), arg interface{}) defs.Err_t {
	w.Lock()
	if w.running {
		w.Unlock()
		return -defs.EBUSY
	}
	w.running = true
	w.done = false
	w.Unlock()
	t := &Thread_t{Tid: w.sd.Tid_new(), Kernel: true}
	w.sd.Start_thread(t, func() {
		fn(arg)
		w.Lock()
		w.done = true
		w.running = false
		w.Unlock()
		w.wq.Wakeall()
	})
	return 0
}

// Wait blocks the caller until the worker's run completes. The
// worker's mutex is held across the enqueue so the completion wakeup
// cannot slip between the done check and the park.
func (w *Worker_t) Wait() {
	w.Lock()
	if w.done {
		w.Unlock()
		return
	}
	w.wq.Wait_unlock(w)
	w.Unlock()
}

// Running is the non-blocking test for an active run.
func (w *Worker_t) Running() bool {
	w.Lock()
	defer w.Unlock()
	return w.running
}
