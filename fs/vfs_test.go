package fs

import (
	"fmt"
	"testing"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fd"
	"github.com/sablekernel/sable/fdops"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/ustr"
)

// mkinitrd builds a filesystem image the way the initramfs looks:
// busybox at the root, the usual tree below it. The marker
// distinguishes instances when the same "image" is mounted twice.
func mkinitrd(marker int) *Memfs_t {
	mfs := Mkmemfs()
	mfs.Putfile(ustr.Ustr("busybox"), []uint8(fmt.Sprintf("busybox-%v", marker)))
	mfs.Putfile(ustr.Ustr("bin/busybox"), []uint8(fmt.Sprintf("bin-busybox-%v", marker)))
	mfs.Mkdirs(ustr.Ustr("usr/bin"))
	mfs.Putfile(ustr.Ustr("usr/bin/ls"), []uint8("ls"))
	return mfs
}

func mktestvfs(t *testing.T) *Vfs_t {
	t.Helper()
	vfs := Mkvfs()
	instance := 0
	vfs.Register("tarfs", func(dev Bdev_i) (Fs_i, defs.Err_t) {
		instance++
		return mkinitrd(instance), 0
	})
	if err := vfs.Mount_root("tarfs", nil); err != 0 {
		t.Fatalf("mount root: %v", err)
	}
	return vfs
}

func readall(t *testing.T, vfs *Vfs_t, path string) string {
	t.Helper()
	f, err := vfs.Open(ustr.Ustr(path), O_RDONLY, proc.Rootcred)
	if err != 0 {
		t.Fatalf("open %s: %v", path, err)
	}
	defer fd.Close_panic(f)
	buf := make([]uint8, 256)
	n, rerr := f.Fops.Read(buf)
	if rerr != 0 {
		t.Fatalf("read %s: %v", path, rerr)
	}
	return string(buf[:n])
}

func TestLookupErrors(t *testing.T) {
	vfs := mktestvfs(t)
	if _, err := vfs.Find_by_path(ustr.Ustr("/no/such/file"), proc.Rootcred); err != -defs.ENOENT {
		t.Errorf("missing path: got %v, want -ENOENT", err)
	}
	if _, err := vfs.Find_by_path(ustr.Ustr("/busybox/x"), proc.Rootcred); err != -defs.ENOTDIR {
		t.Errorf("file as intermediate: got %v, want -ENOTDIR", err)
	}
	vn, err := vfs.Find_by_path(ustr.Ustr("/usr/bin/ls"), proc.Rootcred)
	if err != 0 {
		t.Fatalf("lookup: %v", err)
	}
	if vn.Refcnt() < 2 {
		t.Errorf("lookup did not take a reference")
	}
	vn.Vunref()
}

func TestSearchPermission(t *testing.T) {
	vfs := mktestvfs(t)
	dir, err := vfs.Find_by_path(ustr.Ustr("/usr"), proc.Rootcred)
	if err != 0 {
		t.Fatalf("lookup: %v", err)
	}
	dir.Attr.Mode = 0700
	dir.Attr.Uid = 10
	dir.Vunref()
	nobody := proc.Cred_t{Uid: 99, Gid: 99}
	if _, err := vfs.Find_by_path(ustr.Ustr("/usr/bin/ls"), nobody); err != -defs.EACCES {
		t.Errorf("search without permission: got %v, want -EACCES", err)
	}
}

func TestMountStacking(t *testing.T) {
	vfs := mktestvfs(t)
	// the root is instance 1
	if got := readall(t, vfs, "/bin/busybox"); got != "bin-busybox-1" {
		t.Fatalf("pre-mount content %q", got)
	}
	if err := vfs.Mount(ustr.Ustr("/bin"), "tarfs", nil); err != 0 {
		t.Fatalf("mount /bin: %v", err)
	}
	// the overlay (instance 2) now answers below /bin
	if got := readall(t, vfs, "/bin/busybox"); got != "busybox-2" {
		t.Fatalf("overlay content %q", got)
	}
	if _, err := vfs.Find_by_path(ustr.Ustr("/bin/usr/bin"), proc.Rootcred); err != 0 {
		t.Fatalf("overlay subtree lookup: %v", err)
	}
	if err := vfs.Unmount(ustr.Ustr("/bin")); err != 0 {
		t.Fatalf("unmount: %v", err)
	}
	// the underlying tree answers again
	if got := readall(t, vfs, "/bin/busybox"); got != "bin-busybox-1" {
		t.Fatalf("post-unmount content %q", got)
	}
	if err := vfs.Unmount(ustr.Ustr("/bin")); err != -defs.EINVAL {
		t.Fatalf("second unmount: got %v, want -EINVAL", err)
	}
}

func TestMountBusy(t *testing.T) {
	vfs := mktestvfs(t)
	if err := vfs.Mount(ustr.Ustr("/bin"), "tarfs", nil); err != 0 {
		t.Fatalf("mount: %v", err)
	}
	if err := vfs.Mount(ustr.Ustr("/bin"), "tarfs", nil); err != -defs.EBUSY {
		t.Fatalf("double mount: got %v, want -EBUSY", err)
	}
	if err := vfs.Mount(ustr.Ustr("/bin"), "nope", nil); err != -defs.ENODEV {
		t.Fatalf("unknown type: got %v, want -ENODEV", err)
	}
}

func TestOpenFlags(t *testing.T) {
	vfs := mktestvfs(t)
	if _, err := vfs.Open(ustr.Ustr("/busybox"), O_RDWR|O_WRONLY, proc.Rootcred); err != -defs.EINVAL {
		t.Errorf("incompatible modes: got %v", err)
	}
	if _, err := vfs.Open(ustr.Ustr("/usr"), O_WRONLY, proc.Rootcred); err != -defs.EISDIR {
		t.Errorf("writable directory open: got %v", err)
	}
	if _, err := vfs.Open(ustr.Ustr("/busybox"), O_RDONLY|O_DIRECTORY, proc.Rootcred); err != -defs.ENOTDIR {
		t.Errorf("O_DIRECTORY on file: got %v", err)
	}
	if _, err := vfs.Open(ustr.Ustr("/busybox"), O_CREAT|O_EXCL, proc.Rootcred); err != -defs.EEXIST {
		t.Errorf("O_EXCL on existing: got %v", err)
	}
	f, err := vfs.Open(ustr.Ustr("/newfile"), O_RDWR|O_CREAT, proc.Rootcred)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	fd.Close_panic(f)
	if _, err := vfs.Find_by_path(ustr.Ustr("/newfile"), proc.Rootcred); err != 0 {
		t.Errorf("created file not found: %v", err)
	}
}

func TestAppendAndSeek(t *testing.T) {
	vfs := mktestvfs(t)
	f, err := vfs.Open(ustr.Ustr("/log"), O_RDWR|O_CREAT, proc.Rootcred)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	f.Fops.Write([]uint8("hello"))
	fd.Close_panic(f)

	// O_APPEND starts at the end
	f, err = vfs.Open(ustr.Ustr("/log"), O_RDWR|O_APPEND, proc.Rootcred)
	if err != 0 {
		t.Fatalf("append open: %v", err)
	}
	if n, _ := f.Fops.Lseek(0, fdops.SEEK_CUR); n != 5 {
		t.Fatalf("append offset %v, want 5", n)
	}
	f.Fops.Write([]uint8(" world"))
	if n, _ := f.Fops.Lseek(0, fdops.SEEK_SET); n != 0 {
		t.Fatalf("seek set returned %v", n)
	}
	buf := make([]uint8, 32)
	n, _ := f.Fops.Read(buf)
	if string(buf[:n]) != "hello world" {
		t.Fatalf("content %q", buf[:n])
	}
	if _, err := f.Fops.Lseek(-100, fdops.SEEK_SET); err != -defs.EINVAL {
		t.Fatalf("negative seek: got %v", err)
	}
	fd.Close_panic(f)
}

func TestSharedOffsetAcrossCopy(t *testing.T) {
	vfs := mktestvfs(t)
	f, err := vfs.Open(ustr.Ustr("/busybox"), O_RDONLY, proc.Rootcred)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	f2, cerr := fd.Copyfd(f)
	if cerr != 0 {
		t.Fatalf("copyfd: %v", cerr)
	}
	buf := make([]uint8, 3)
	f.Fops.Read(buf)
	// the duplicate shares the description, so it observes the moved
	// offset
	if n, _ := f2.Fops.Lseek(0, fdops.SEEK_CUR); n != 3 {
		t.Fatalf("duplicated descriptor offset %v, want 3", n)
	}
	fd.Close_panic(f)
	fd.Close_panic(f2)
}

func TestDefaultOpsNotSupported(t *testing.T) {
	vfs := mktestvfs(t)
	f, err := vfs.Open(ustr.Ustr("/busybox"), O_RDONLY, proc.Rootcred)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	defer fd.Close_panic(f)
	if err := f.Fops.Bind(nil); err != -defs.ENOTSUP {
		t.Errorf("bind on file: got %v, want -ENOTSUP", err)
	}
	if err := f.Fops.Connect(nil); err != -defs.ENOTSUP {
		t.Errorf("connect on file: got %v, want -ENOTSUP", err)
	}
	if _, _, err := f.Fops.Recvmsg(nil); err != -defs.ENOTSUP {
		t.Errorf("recvmsg on file: got %v, want -ENOTSUP", err)
	}
}

func TestVnodeRefcounting(t *testing.T) {
	vfs := mktestvfs(t)
	vn, err := vfs.Find_by_path(ustr.Ustr("/busybox"), proc.Rootcred)
	if err != 0 {
		t.Fatalf("lookup: %v", err)
	}
	before := vn.Refcnt()
	f, oerr := vfs.Open(ustr.Ustr("/busybox"), O_RDONLY, proc.Rootcred)
	if oerr != 0 {
		t.Fatalf("open: %v", oerr)
	}
	if vn.Refcnt() != before+1 {
		t.Errorf("open did not hold the vnode")
	}
	fd.Close_panic(f)
	if vn.Refcnt() != before {
		t.Errorf("close did not release the vnode")
	}
	vn.Vunref()
}
