// Package mboot parses the Multiboot 2 tagged information structure
// handed to the kernel by the bootloader.
package mboot

import (
	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/util"
)

type tagType uint32

const (
	tagSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
	tagEfi32
	tagEfi64
	tagSmbios
	tagRsdpV1
	tagRsdpV2
)

// MemoryEntryType defines the type of a MemRegion.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is usable RAM.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region must not be touched.
	MemReserved

	// MemAcpiReclaimable indicates ACPI data the OS may reuse.
	MemAcpiReclaimable

	// MemNvs indicates memory preserved across hibernation.
	MemNvs

	memUnknown
)

func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemRegion describes one bootloader memory map entry.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   MemoryEntryType
}

// Module describes a bootloader-loaded module (e.g. the initramfs).
type Module struct {
	Start uint32
	End   uint32
	Name  string
}

// Info is the parsed view of the multiboot information structure.
type Info struct {
	CmdLine    string
	Loader     string
	MemoryMap  []MemRegion
	Modules    []Module
	RsdpValid  bool
	Rsdp       []uint8
}

const (
	infoHdrSize = 8
	tagHdrSize  = 8
)

// Parse decodes a multiboot 2 information structure from the raw bytes
// the bootloader left in memory. The slice must begin at the structure
// header.
func Parse(raw []uint8) (*Info, defs.Err_t) {
	if len(raw) < infoHdrSize {
		return nil, -defs.EINVAL
	}
	total := util.Readn(raw, 4, 0)
	if total < infoHdrSize || total > len(raw) {
		return nil, -defs.EINVAL
	}
	mi := &Info{}
	off := infoHdrSize
	for off+tagHdrSize <= total {
		ttype := tagType(util.Readn(raw, 4, off))
		tsize := util.Readn(raw, 4, off+4)
		if tsize < tagHdrSize || off+tsize > total {
			return nil, -defs.EINVAL
		}
		body := raw[off+tagHdrSize : off+tsize]
		switch ttype {
		case tagSectionEnd:
			return mi, 0
		case tagBootCmdLine:
			mi.CmdLine = cstr(body)
		case tagBootLoaderName:
			mi.Loader = cstr(body)
		case tagMemoryMap:
			if err := mi.parseMmap(body); err != 0 {
				return nil, err
			}
		case tagModules:
			if len(body) < 8 {
				return nil, -defs.EINVAL
			}
			m := Module{
				Start: uint32(util.Readn(body, 4, 0)),
				End:   uint32(util.Readn(body, 4, 4)),
				Name:  cstr(body[8:]),
			}
			mi.Modules = append(mi.Modules, m)
		case tagRsdpV1, tagRsdpV2:
			mi.RsdpValid = true
			mi.Rsdp = append([]uint8(nil), body...)
		}
		// tags are 8-byte aligned
		off += util.Roundup(tsize, 8)
	}
	return mi, 0
}

func (mi *Info) parseMmap(body []uint8) defs.Err_t {
	if len(body) < 8 {
		return -defs.EINVAL
	}
	esize := util.Readn(body, 4, 0)
	if esize < 24 {
		return -defs.EINVAL
	}
	for off := 8; off+esize <= len(body); off += esize {
		t := MemoryEntryType(util.Readn(body, 4, off+16))
		if t >= memUnknown {
			t = MemReserved
		}
		mi.MemoryMap = append(mi.MemoryMap, MemRegion{
			Base:   uint64(util.Readn(body, 8, off)),
			Length: uint64(util.Readn(body, 8, off+8)),
			Type:   t,
		})
	}
	return 0
}

func cstr(b []uint8) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
