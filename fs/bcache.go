package fs

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/util"
)

// Bdev_i is the block device interface the cache sits on.
type Bdev_i interface {
	// Bsize returns the block size; it must divide the page size and
	// be a power of two.
	Bsize() int
	Nblocks() int
	Bread(blkno int, dst []uint8) defs.Err_t
	Bwrite(blkno int, src []uint8) defs.Err_t
}

// Pgcentry_t is one cached page: blocks_per_page contiguous device
// blocks backed by a frame. At most one entry exists per (device,
// first-block-index).
type Pgcentry_t struct {
	sync.Mutex
	Blkno   int
	Pa      mem.Pa_t
	cache   *Bcache_t
	refcnt  int32
	dirty bool
	// failed writebacks retry on a backoff schedule, in ticks
	retryat uint64
	bo      *backoff.ExponentialBackOff
	elem    *list.Element
}

// Refup pins the entry.
func (pe *Pgcentry_t) Refup() {
	atomic.AddInt32(&pe.refcnt, 1)
}

// Refdown unpins the entry.
func (pe *Pgcentry_t) Refdown() {
	c := atomic.AddInt32(&pe.refcnt, -1)
	if c < 0 {
		panic("wut")
	}
}

// Markdirty schedules the page for writeback.
func (pe *Pgcentry_t) Markdirty() {
	pe.Lock()
	pe.dirty = true
	pe.retryat = 0
	pe.Unlock()
}

// Dirty reports whether the page awaits writeback.
func (pe *Pgcentry_t) Dirty() bool {
	pe.Lock()
	defer pe.Unlock()
	return pe.dirty
}

// Pgdaemon_t owns the global list of every cached page and the
// dedicated flusher thread that walks it.
type Pgdaemon_t struct {
	sync.Mutex
	all *list.List
	sd  *proc.Sched_t
	// paces full flush passes
	limiter *rate.Limiter
	stopped bool
}

// FLUSHTICKS is the flusher's sleep period (>1s at a 1ms tick).
const FLUSHTICKS uint64 = 1100

// Mkdaemon creates the global page list. Start launches the flusher.
func Mkdaemon(sd *proc.Sched_t) *Pgdaemon_t {
	return &Pgdaemon_t{
		all:     list.New(),
		sd:      sd,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start spawns the dedicated writeback thread.
func (pd *Pgdaemon_t) Start() {
	t := &proc.Thread_t{Tid: pd.sd.Tid_new(), Kernel: true}
	pd.sd.Start_thread(t, func() {
		for {
			pd.sd.Sleep(FLUSHTICKS)
			pd.Lock()
			stop := pd.stopped
			pd.Unlock()
			if stop {
				return
			}
			if pd.limiter.Allow() {
				pd.Flushall()
			}
		}
	})
}

// Stop ends the flusher at its next wakeup.
func (pd *Pgdaemon_t) Stop() {
	pd.Lock()
	pd.stopped = true
	pd.Unlock()
}

func (pd *Pgdaemon_t) insert(pe *Pgcentry_t) {
	pd.Lock()
	pe.elem = pd.all.PushBack(pe)
	pd.Unlock()
}

func (pd *Pgdaemon_t) remove(pe *Pgcentry_t) {
	pd.Lock()
	if pe.elem != nil {
		pd.all.Remove(pe.elem)
		pe.elem = nil
	}
	pd.Unlock()
}

// Flushall writes back every dirty page whose retry deadline has
// passed. Write errors are logged and rescheduled with exponential
// backoff; the data stays dirty for the next pass.
func (pd *Pgdaemon_t) Flushall() {
	pd.Lock()
	ents := make([]*Pgcentry_t, 0, pd.all.Len())
	for e := pd.all.Front(); e != nil; e = e.Next() {
		ents = append(ents, e.Value.(*Pgcentry_t))
	}
	pd.Unlock()
	now := pd.sd.Ticks()
	for _, pe := range ents {
		pe.Lock()
		skip := !pe.dirty || pe.retryat > now
		pe.Unlock()
		if skip {
			continue
		}
		if err := pe.cache.writeback(pe); err != 0 {
			pe.Lock()
			if pe.bo == nil {
				pe.bo = backoff.NewExponentialBackOff()
			}
			delay := pe.bo.NextBackOff()
			if delay == backoff.Stop {
				delay = time.Minute
			}
			pe.retryat = now + uint64(delay/time.Millisecond)
			pe.Unlock()
			log.WithField("block", pe.Blkno).Warn("writeback failed, will retry")
		} else {
			pe.Lock()
			pe.bo = nil
			pe.Unlock()
		}
	}
}

// Bcache_t caches one device's blocks in page-sized entries keyed by
// first-block index.
type Bcache_t struct {
	sync.Mutex
	phys *mem.Physmem_t
	dev  Bdev_i
	pd   *Pgdaemon_t
	// blocks per page
	bpp  int
	ents map[int]*Pgcentry_t
}

// Mkbcache builds a cache over dev. The device block size must divide
// the page size and be a power of two.
func Mkbcache(phys *mem.Physmem_t, dev Bdev_i, pd *Pgdaemon_t) (*Bcache_t, defs.Err_t) {
	bs := dev.Bsize()
	if bs <= 0 || bs > mem.PGSIZE || bs&(bs-1) != 0 || mem.PGSIZE%bs != 0 {
		return nil, -defs.EINVAL
	}
	return &Bcache_t{
		phys: phys,
		dev:  dev,
		pd:   pd,
		bpp:  mem.PGSIZE / bs,
		ents: make(map[int]*Pgcentry_t),
	}, 0
}

// Get returns the entry covering blkno, pinned. A miss reads the
// blocks_per_page contiguous blocks into a fresh frame.
func (bc *Bcache_t) Get(blkno int) (*Pgcentry_t, defs.Err_t) {
	first := util.Rounddown(blkno, bc.bpp)
	bc.Lock()
	if pe, ok := bc.ents[first]; ok {
		bc.Unlock()
		pe.Refup()
		return pe, 0
	}
	bc.Unlock()
	pa, err := bc.phys.Refpg_new_nozero()
	if err != 0 {
		return nil, err
	}
	pg := bc.phys.Dmap(pa)
	bs := bc.dev.Bsize()
	for i := 0; i < bc.bpp; i++ {
		bn := first + i
		buf := pg[i*bs : (i+1)*bs]
		if bn >= bc.dev.Nblocks() {
			for j := range buf {
				buf[j] = 0
			}
			continue
		}
		if rerr := bc.dev.Bread(bn, buf); rerr != 0 {
			bc.phys.Refdown(pa)
			return nil, rerr
		}
	}
	pe := &Pgcentry_t{Blkno: first, Pa: pa, cache: bc, refcnt: 1}
	bc.Lock()
	if exist, ok := bc.ents[first]; ok {
		// raced with another reader
		bc.Unlock()
		bc.phys.Refdown(pa)
		exist.Refup()
		return exist, 0
	}
	bc.ents[first] = pe
	bc.Unlock()
	bc.phys.Page_setfile(pa, bc)
	bc.pd.insert(pe)
	return pe, 0
}

// Data returns the direct-map window of the entry's page.
func (bc *Bcache_t) Data(pe *Pgcentry_t) []uint8 {
	return bc.phys.Dmap(pe.Pa)
}

func (bc *Bcache_t) writeback(pe *Pgcentry_t) defs.Err_t {
	pg := bc.phys.Dmap(pe.Pa)
	bs := bc.dev.Bsize()
	pe.Lock()
	pe.dirty = false
	pe.Unlock()
	for i := 0; i < bc.bpp; i++ {
		bn := pe.Blkno + i
		if bn >= bc.dev.Nblocks() {
			break
		}
		if err := bc.dev.Bwrite(bn, pg[i*bs:(i+1)*bs]); err != 0 {
			pe.Lock()
			pe.dirty = true
			pe.Unlock()
			return err
		}
	}
	return 0
}

// Sync writes back every dirty entry of this cache immediately.
func (bc *Bcache_t) Sync() defs.Err_t {
	bc.Lock()
	ents := make([]*Pgcentry_t, 0, len(bc.ents))
	for _, pe := range bc.ents {
		ents = append(ents, pe)
	}
	bc.Unlock()
	var ret defs.Err_t
	for _, pe := range ents {
		if pe.Dirty() {
			if err := bc.writeback(pe); err != 0 {
				ret = err
			}
		}
	}
	return ret
}

// Evict drops an unpinned, clean entry.
func (bc *Bcache_t) Evict(pe *Pgcentry_t) defs.Err_t {
	if atomic.LoadInt32(&pe.refcnt) != 0 {
		return -defs.EBUSY
	}
	if pe.Dirty() {
		if err := bc.writeback(pe); err != 0 {
			return err
		}
	}
	bc.Lock()
	delete(bc.ents, pe.Blkno)
	bc.Unlock()
	bc.pd.remove(pe)
	bc.phys.Page_clearfile(pe.Pa)
	bc.phys.Refdown(pe.Pa)
	return 0
}

// Pagerelease is the reroute target for the final release of this
// cache's file-backed frames: a still-cached page stays resident for
// the next Get; a page already evicted returns to the pool.
func (bc *Bcache_t) Pagerelease(pa mem.Pa_t) {
	bc.Lock()
	for _, pe := range bc.ents {
		if pe.Pa == pa {
			bc.Unlock()
			return
		}
	}
	bc.Unlock()
	bc.phys.Page_clearfile(pa)
	bc.phys.Refup(pa)
	bc.phys.Refdown(pa)
}

// Pread copies from the cached device image at byte offset off.
func (bc *Bcache_t) Pread(dst []uint8, off int) (int, defs.Err_t) {
	if off < 0 {
		return 0, -defs.EINVAL
	}
	devsz := bc.dev.Nblocks() * bc.dev.Bsize()
	did := 0
	for did < len(dst) && off < devsz {
		pe, err := bc.Get(off / bc.dev.Bsize())
		if err != 0 {
			return did, err
		}
		pg := bc.Data(pe)
		poff := off % mem.PGSIZE
		n := util.Min(util.Min(len(dst)-did, mem.PGSIZE-poff), devsz-off)
		copy(dst[did:did+n], pg[poff:poff+n])
		did += n
		off += n
		pe.Refdown()
	}
	return did, 0
}

// Pwrite copies into the cached device image at byte offset off and
// marks the touched pages dirty. The flusher thread writes them back.
func (bc *Bcache_t) Pwrite(src []uint8, off int) (int, defs.Err_t) {
	if off < 0 {
		return 0, -defs.EINVAL
	}
	devsz := bc.dev.Nblocks() * bc.dev.Bsize()
	did := 0
	for did < len(src) && off < devsz {
		pe, err := bc.Get(off / bc.dev.Bsize())
		if err != 0 {
			return did, err
		}
		pg := bc.Data(pe)
		poff := off % mem.PGSIZE
		n := util.Min(util.Min(len(src)-did, mem.PGSIZE-poff), devsz-off)
		copy(pg[poff:poff+n], src[did:did+n])
		did += n
		off += n
		pe.Markdirty()
		pe.Refdown()
	}
	return did, 0
}
