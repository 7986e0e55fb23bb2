// Package bpath performs the purely lexical half of path resolution:
// joining a path onto a working directory and collapsing redundant
// separators and "." components. It never resolves "..": per spec.md
// §4.3, ".." is resolved by walking directory entries (namex, in package
// inode), since it must see the live tree, not just syntax.
package bpath

import "ustr"

// Canonicalize collapses repeated '/' and drops "." components from an
// absolute path. The result always starts with '/'. ".." components are
// left intact for the directory walker to resolve.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := Split(p)
	out := ustr.MkUstrRoot()
	first := true
	for _, c := range parts {
		if c.Isdot() || len(c) == 0 {
			continue
		}
		if first {
			out = ustr.Ustr("/")
			out = append(out, c...)
			first = false
			continue
		}
		out = out.Extend(c)
	}
	return out
}

// Split breaks a path into its non-empty components, in order.
func Split(p ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	start := -1
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if start >= 0 {
				out = append(out, p[start:i])
			}
			start = -1
		} else if start < 0 {
			start = i
		}
	}
	return out
}

// Base returns the final component of a path, or "/" if the path is root.
func Base(p ustr.Ustr) ustr.Ustr {
	parts := Split(p)
	if len(parts) == 0 {
		return ustr.MkUstrRoot()
	}
	return parts[len(parts)-1]
}

// Dir returns all but the final component of the path, rejoined as an
// absolute path.
func Dir(p ustr.Ustr) ustr.Ustr {
	parts := Split(p)
	if len(parts) <= 1 {
		return ustr.MkUstrRoot()
	}
	out := ustr.Ustr("/")
	out = append(out, parts[0]...)
	for _, c := range parts[1 : len(parts)-1] {
		out = out.Extend(c)
	}
	return out
}
