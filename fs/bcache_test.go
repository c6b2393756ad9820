package fs

import (
	"testing"
	"time"

	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
)

func mkcachephys(t *testing.T) *mem.Physmem_t {
	t.Helper()
	mi := &mboot.Info{
		MemoryMap: []mboot.MemRegion{
			{Base: 0, Length: 8 << 20, Type: mboot.MemAvailable},
		},
	}
	return mem.Phys_init(mi, 0x100000, 0x110000)
}

func mkcache(t *testing.T) (*Bcache_t, *Memdisk_t, *Pgdaemon_t, *proc.Sched_t) {
	t.Helper()
	phys := mkcachephys(t)
	md := Mkmemdisk(512, 64)
	sd := proc.Mksched()
	pd := Mkdaemon(sd)
	bc, err := Mkbcache(phys, md, pd)
	if err != 0 {
		t.Fatalf("mkbcache: %v", err)
	}
	return bc, md, pd, sd
}

func TestGeometryPolicy(t *testing.T) {
	phys := mkcachephys(t)
	pd := Mkdaemon(proc.Mksched())
	bad := []struct {
		bsize int
	}{
		{0}, {3}, {768}, {8192},
	}
	for _, s := range bad {
		md := &Memdisk_t{bsize: s.bsize, buf: make([]uint8, 16384)}
		if _, err := Mkbcache(phys, md, pd); err == 0 {
			t.Errorf("block size %v accepted", s.bsize)
		}
	}
	md := Mkmemdisk(512, 8)
	if _, err := Mkbcache(phys, md, pd); err != 0 {
		t.Errorf("block size 512 rejected: %v", err)
	}
}

func TestGetIdentity(t *testing.T) {
	bc, _, _, _ := mkcache(t)
	a, err := bc.Get(0)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	// any block of the same page yields the same entry
	b, err := bc.Get(7)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	if a != b {
		t.Fatalf("two entries for one page")
	}
	if a.Blkno != 0 {
		t.Fatalf("entry not aligned to blocks-per-page: %v", a.Blkno)
	}
	c, err := bc.Get(8)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	if c == a {
		t.Fatalf("distinct pages share an entry")
	}
	a.Refdown()
	b.Refdown()
	c.Refdown()
}

func TestReadThroughCache(t *testing.T) {
	bc, md, _, _ := mkcache(t)
	want := []uint8("0123456789abcdef")
	blk := make([]uint8, 512)
	copy(blk, want)
	md.Bwrite(3, blk)
	got := make([]uint8, len(want))
	if n, err := bc.Pread(got, 3*512); err != 0 || n != len(want) {
		t.Fatalf("pread: %v %v", n, err)
	}
	if string(got) != string(want) {
		t.Fatalf("read %q, want %q", got, want)
	}
}

func TestWritebackScenario(t *testing.T) {
	bc, md, pd, sd := mkcache(t)
	fops := Mkbdevfops(bc)
	payload := make([]uint8, 512)
	for i := range payload {
		payload[i] = uint8(i * 7)
	}
	if n, err := fops.Write(payload); err != 0 || n != 512 {
		t.Fatalf("write: %v %v", n, err)
	}

	// without a flush, a re-open reads the written bytes through the
	// cache
	fops2 := Mkbdevfops(bc)
	got := make([]uint8, 512)
	if n, err := fops2.Read(got); err != 0 || n != 512 {
		t.Fatalf("read: %v %v", n, err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("cached read differs at %v", i)
		}
	}

	// the device has not seen the write yet
	raw := make([]uint8, 512)
	md.Bread(0, raw)
	if raw[1] == payload[1] {
		t.Fatalf("write reached the device before a flush cycle")
	}

	// run the flusher for over one flush cycle
	pd.Start()
	deadline := time.Now().Add(10 * time.Second)
	for {
		for i := 0; i < 100; i++ {
			sd.Tick()
		}
		md.Bread(0, raw)
		if raw[1] == payload[1] {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flusher never wrote the page back")
		}
		time.Sleep(time.Millisecond)
	}
	// bypassing the cache now reads the same bytes
	for i := range raw {
		if raw[i] != payload[i] {
			t.Fatalf("device content differs at %v", i)
		}
	}
	pd.Stop()
}

func TestSyncClearsDirty(t *testing.T) {
	bc, md, _, _ := mkcache(t)
	if _, err := bc.Pwrite([]uint8("dirty page"), 0); err != 0 {
		t.Fatalf("pwrite: %v", err)
	}
	pe, _ := bc.Get(0)
	if !pe.Dirty() {
		t.Fatalf("write did not dirty the page")
	}
	if err := bc.Sync(); err != 0 {
		t.Fatalf("sync: %v", err)
	}
	if pe.Dirty() {
		t.Fatalf("sync left the page dirty")
	}
	raw := make([]uint8, 512)
	md.Bread(0, raw)
	if string(raw[:10]) != "dirty page" {
		t.Fatalf("device content %q", raw[:10])
	}
	pe.Refdown()
}

func TestEvict(t *testing.T) {
	bc, _, _, _ := mkcache(t)
	pe, err := bc.Get(0)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	if err := bc.Evict(pe); err == 0 {
		t.Fatalf("evicted a pinned entry")
	}
	pe.Refdown()
	if err := bc.Evict(pe); err != 0 {
		t.Fatalf("evict: %v", err)
	}
	// a new get builds a fresh entry
	pe2, err := bc.Get(0)
	if err != 0 {
		t.Fatalf("get after evict: %v", err)
	}
	if pe2 == pe {
		t.Fatalf("evicted entry returned")
	}
	pe2.Refdown()
}

func TestFilebackedRelease(t *testing.T) {
	bc, _, _, _ := mkcache(t)
	phys := bc.phys
	pe, err := bc.Get(0)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	pa := pe.Pa
	// simulate a mapping reference coming and going: the final
	// release reroutes to the cache, which keeps the page resident
	phys.Refup(pa)
	phys.Refdown(pa)
	phys.Refdown(pa)
	bc.Lock()
	_, resident := bc.ents[0]
	bc.Unlock()
	if !resident {
		t.Fatalf("release dropped a cached page")
	}
	pe.Refdown()
}
