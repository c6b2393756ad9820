package bpath

import (
	"testing"

	"github.com/sablekernel/sable/ustr"
)

func TestCanonicalize(t *testing.T) {
	specs := []struct {
		in, out string
	}{
		{"/", "/"},
		{"//", "/"},
		{"/a/b/c", "/a/b/c"},
		{"/a//b///c", "/a/b/c"},
		{"/a/./b/.", "/a/b"},
		{"/a/b/../c", "/a/c"},
		{"/..", "/"},
		{"/../..", "/"},
		{"a/b/..", "a"},
		{"../a", "../a"},
		{".", "."},
		{"", "."},
	}
	for _, s := range specs {
		got := Canonicalize(ustr.Ustr(s.in))
		if got.String() != s.out {
			t.Errorf("Canonicalize(%q) = %q, want %q", s.in, got.String(), s.out)
		}
	}
}

func TestDirBase(t *testing.T) {
	specs := []struct {
		in, dir, base string
	}{
		{"/a/b/c", "/a/b", "c"},
		{"/a", "/", "a"},
		{"a", ".", "a"},
		{"a/b", "a", "b"},
	}
	for _, s := range specs {
		if d := Dirname(ustr.Ustr(s.in)); d.String() != s.dir {
			t.Errorf("Dirname(%q) = %q, want %q", s.in, d.String(), s.dir)
		}
		if b := Basename(ustr.Ustr(s.in)); b.String() != s.base {
			t.Errorf("Basename(%q) = %q, want %q", s.in, b.String(), s.base)
		}
	}
}

func TestPathiter(t *testing.T) {
	pi := Mkpathiter(ustr.Ustr("/usr//bin/busybox"))
	var got []string
	for c, ok := pi.Next(); ok; c, ok = pi.Next() {
		got = append(got, c.String())
	}
	want := []string{"usr", "bin", "busybox"}
	if len(got) != len(want) {
		t.Fatalf("components %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("components %v, want %v", got, want)
		}
	}
}
