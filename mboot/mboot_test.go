package mboot

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sablekernel/sable/util"
)

type tagw struct {
	ttype tagType
	body  []uint8
}

func mkinfo(tags []tagw) []uint8 {
	out := make([]uint8, 8)
	for _, tg := range tags {
		hdr := make([]uint8, 8)
		util.Writen(hdr, 4, 0, int(tg.ttype))
		util.Writen(hdr, 4, 4, 8+len(tg.body))
		out = append(out, hdr...)
		out = append(out, tg.body...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
	}
	end := make([]uint8, 8)
	util.Writen(end, 4, 4, 8)
	out = append(out, end...)
	util.Writen(out, 4, 0, len(out))
	return out
}

func mmapbody(ents []MemRegion) []uint8 {
	body := make([]uint8, 8)
	util.Writen(body, 4, 0, 24)
	util.Writen(body, 4, 4, 0)
	for _, e := range ents {
		ent := make([]uint8, 24)
		util.Writen(ent, 8, 0, int(e.Base))
		util.Writen(ent, 8, 8, int(e.Length))
		util.Writen(ent, 4, 16, int(e.Type))
		body = append(body, ent...)
	}
	return body
}

func TestParseMemoryMap(t *testing.T) {
	want := []MemRegion{
		{Base: 0, Length: 0x9f000, Type: MemAvailable},
		{Base: 0x9f000, Length: 0x61000, Type: MemReserved},
		{Base: 0x100000, Length: 63 << 20, Type: MemAvailable},
	}
	raw := mkinfo([]tagw{{tagMemoryMap, mmapbody(want)}})
	mi, err := Parse(raw)
	if err != 0 {
		t.Fatalf("parse failed: %v", err)
	}
	if diff := cmp.Diff(want, mi.MemoryMap); diff != "" {
		t.Fatalf("memory map mismatch (-want +got):\n%s", diff)
	}
}

func TestParseModulesAndStrings(t *testing.T) {
	mod := make([]uint8, 8)
	util.Writen(mod, 4, 0, 0x200000)
	util.Writen(mod, 4, 4, 0x240000)
	mod = append(mod, []uint8("initrd.img\x00")...)
	raw := mkinfo([]tagw{
		{tagBootCmdLine, []uint8("root=/dev/ram0\x00")},
		{tagBootLoaderName, []uint8("sableboot\x00")},
		{tagModules, mod},
	})
	mi, err := Parse(raw)
	if err != 0 {
		t.Fatalf("parse failed: %v", err)
	}
	if mi.CmdLine != "root=/dev/ram0" {
		t.Errorf("cmdline %q", mi.CmdLine)
	}
	if mi.Loader != "sableboot" {
		t.Errorf("loader %q", mi.Loader)
	}
	if len(mi.Modules) != 1 {
		t.Fatalf("modules %v", mi.Modules)
	}
	m := mi.Modules[0]
	if m.Start != 0x200000 || m.End != 0x240000 || m.Name != "initrd.img" {
		t.Errorf("bad module %+v", m)
	}
}

func TestParseUnknownTypeIsReserved(t *testing.T) {
	raw := mkinfo([]tagw{{tagMemoryMap, mmapbody([]MemRegion{
		{Base: 0x1000, Length: 0x1000, Type: MemoryEntryType(9)},
	})}})
	mi, err := Parse(raw)
	if err != 0 {
		t.Fatalf("parse failed: %v", err)
	}
	if mi.MemoryMap[0].Type != MemReserved {
		t.Errorf("unknown type not clamped: %v", mi.MemoryMap[0].Type)
	}
}

func TestParseTruncated(t *testing.T) {
	cases := [][]uint8{
		nil,
		{1, 2, 3},
		func() []uint8 {
			raw := mkinfo(nil)
			util.Writen(raw, 4, 0, len(raw)+64)
			return raw
		}(),
	}
	for i, raw := range cases {
		if _, err := Parse(raw); err == 0 {
			t.Errorf("case %v: truncated info parsed", i)
		}
	}
}
