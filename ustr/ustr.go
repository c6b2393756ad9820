// Package ustr provides the byte-string type used for paths and names.
package ustr

// Ustr represents an immutable path or string used by the kernel.
type Ustr []uint8

// Isdot reports whether the string equals '.'.
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals '..'.
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// IsAbsolute reports whether the path begins at the root.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

func (us Ustr) String() string {
	return string(us)
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	us := Ustr{}
	return us
}

// MkUstrDot returns a Ustr representing '.'.
func MkUstrDot() Ustr {
	us := Ustr(".")
	return us
}

// MkUstrRoot returns a Ustr for the root directory '/'.
func MkUstrRoot() Ustr {
	us := Ustr("/")
	return us
}

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

// MkUstrSlice converts a NUL-terminated byte slice to a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i, c := range buf {
		if c == 0 {
			return Ustr(buf[:i])
		}
	}
	return Ustr(buf)
}
