// Package ustr implements the immutable byte-string type used for paths
// and directory entry names throughout the kernel core.
package ustr

// Ustr is an immutable path or name, stored as raw bytes rather than a Go
// string so truncation (see DIRSIZ handling in package inode) and NUL
// scanning don't need repeated conversions.
type Ustr []uint8

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values for byte equality.
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

// MkUstr creates an empty Ustr.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrDot returns a Ustr representing ".".
func MkUstrDot() Ustr {
	return Ustr(".")
}

// MkUstrRoot returns a Ustr for the root directory "/".
func MkUstrRoot() Ustr {
	return Ustr("/")
}

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, truncating
// at the first NUL.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Extend appends '/' and p to the path and returns the result; the '/'
// is not doubled when the path already ends in one (as the root does).
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := tmp
	if len(r) == 0 || r[len(r)-1] != '/' {
		r = append(r, '/')
	}
	return append(r, p...)
}

// ExtendStr appends p (as a Go string) to the path, as Extend does.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of b in the string, or -1.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Fit copies s into a fixed-size byte array of length n, truncating
// without NUL-termination if s is too long. This is the storage format
// for on-disk directory entry names (see spec.md §8, "Boundary
// behaviors": path component length >= DIRSIZ is truncated, not
// NUL-terminated).
func Fit(s Ustr, n int) []uint8 {
	out := make([]uint8, n)
	copy(out, s)
	return out
}
