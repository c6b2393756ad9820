// Package bpath canonicalizes paths and iterates their components.
package bpath

import (
	"github.com/sablekernel/sable/ustr"
)

// Canonicalize removes duplicate slashes and resolves "." and ".."
// components. The result never escapes the root.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	abs := p.IsAbsolute()
	var comps []ustr.Ustr
	pi := Mkpathiter(p)
	for c, ok := pi.Next(); ok; c, ok = pi.Next() {
		if len(c) == 0 || c.Isdot() {
			continue
		}
		if c.Isdotdot() {
			if len(comps) > 0 {
				comps = comps[:len(comps)-1]
			} else if !abs {
				comps = append(comps, ustr.DotDot)
			}
			continue
		}
		comps = append(comps, c)
	}
	ret := ustr.MkUstr()
	if abs {
		ret = append(ret, '/')
	}
	for i, c := range comps {
		if i != 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, c...)
	}
	if len(ret) == 0 {
		ret = ustr.MkUstrDot()
	}
	return ret
}

// Dirname returns everything up to the last path component.
func Dirname(p ustr.Ustr) ustr.Ustr {
	last := -1
	for i, c := range p {
		if c == '/' {
			last = i
		}
	}
	if last == -1 {
		return ustr.MkUstrDot()
	}
	if last == 0 {
		return ustr.MkUstrRoot()
	}
	return p[:last]
}

// Basename returns the last path component.
func Basename(p ustr.Ustr) ustr.Ustr {
	last := -1
	for i, c := range p {
		if c == '/' {
			last = i
		}
	}
	return p[last+1:]
}

// Pathiter_t walks the components of a path in order.
type Pathiter_t struct {
	path ustr.Ustr
	pos  int
}

// Mkpathiter creates an iterator over p's components.
func Mkpathiter(p ustr.Ustr) Pathiter_t {
	pi := Pathiter_t{path: p}
	if p.IsAbsolute() {
		pi.pos = 1
	}
	return pi
}

// Next returns the next component and whether one existed. Empty
// components from duplicate slashes are skipped.
func (pi *Pathiter_t) Next() (ustr.Ustr, bool) {
	for pi.pos < len(pi.path) && pi.path[pi.pos] == '/' {
		pi.pos++
	}
	if pi.pos >= len(pi.path) {
		return nil, false
	}
	begin := pi.pos
	for pi.pos < len(pi.path) && pi.path[pi.pos] != '/' {
		pi.pos++
	}
	return pi.path[begin:pi.pos], true
}
