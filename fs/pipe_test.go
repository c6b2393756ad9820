package fs

import (
	"testing"
	"time"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
)

func TestPipeTransfer(t *testing.T) {
	sd := proc.Mksched()
	rf, wf := Mkpipe(sd)
	// more than one buffer's worth forces the writer to block
	payload := make([]uint8, 3*mem.PGSIZE)
	for i := range payload {
		payload[i] = uint8(i)
	}
	wrote := make(chan int, 1)
	readout := make(chan []uint8, 1)

	wt := &proc.Thread_t{Tid: sd.Tid_new(), Kernel: true}
	sd.Start_thread(wt, func() {
		n, err := wf.Fops.Write(payload)
		if err != 0 {
			wrote <- -1
			return
		}
		wf.Fops.Close()
		wrote <- n
	})
	rt := &proc.Thread_t{Tid: sd.Tid_new(), Kernel: true}
	sd.Start_thread(rt, func() {
		var got []uint8
		buf := make([]uint8, 1000)
		for {
			n, err := rf.Fops.Read(buf)
			if err != 0 {
				readout <- nil
				return
			}
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		readout <- got
	})

	select {
	case n := <-wrote:
		if n != len(payload) {
			t.Fatalf("writer wrote %v", n)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("writer stuck")
	}
	var got []uint8
	select {
	case got = <-readout:
	case <-time.After(10 * time.Second):
		t.Fatalf("reader stuck")
	}
	if len(got) != len(payload) {
		t.Fatalf("read %v bytes, want %v", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %v differs", i)
		}
	}
}

func TestPipeHangup(t *testing.T) {
	sd := proc.Mksched()
	rf, wf := Mkpipe(sd)
	rf.Fops.Close()
	done := make(chan defs.Err_t, 1)
	wt := &proc.Thread_t{Tid: sd.Tid_new(), Kernel: true}
	sd.Start_thread(wt, func() {
		_, err := wf.Fops.Write([]uint8("nobody listening"))
		done <- err
	})
	select {
	case err := <-done:
		if err != -defs.ENOTCONN {
			t.Fatalf("write to closed pipe: got %v, want -ENOTCONN", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("writer stuck")
	}
}

func TestPipeReopenSharesEnds(t *testing.T) {
	sd := proc.Mksched()
	rf, wf := Mkpipe(sd)
	wf2 := *wf
	if err := wf2.Fops.Reopen(); err != 0 {
		t.Fatalf("reopen: %v", err)
	}
	wf.Fops.Close()
	// a duplicated writer keeps the pipe open
	done := make(chan defs.Err_t, 1)
	wt := &proc.Thread_t{Tid: sd.Tid_new(), Kernel: true}
	sd.Start_thread(wt, func() {
		_, err := wf2.Fops.Write([]uint8("still here"))
		done <- err
	})
	if err := <-done; err != 0 {
		t.Fatalf("write through duplicate: %v", err)
	}
	buf := make([]uint8, 32)
	rd := make(chan int, 1)
	rt := &proc.Thread_t{Tid: sd.Tid_new(), Kernel: true}
	sd.Start_thread(rt, func() {
		n, _ := rf.Fops.Read(buf)
		rd <- n
	})
	if n := <-rd; string(buf[:n]) != "still here" {
		t.Fatalf("read %q", buf[:n])
	}
}
