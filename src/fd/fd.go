// Package fd implements the open-file-descriptor and current-working-
// directory shims used by the path walker, grounded on biscuit's fd
// package (fd.Fd_t, fd.Cwd_t).
package fd

import (
	"sync"

	"bpath"
	"defs"
	"fdops"
	"ustr"
)

// Permission bits recorded alongside an open descriptor.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t represents an open file descriptor.
type Fd_t struct {
	// Fops is stored as an interface value (itself usually a pointer
	// receiver), so copying an Fd_t never deep-copies the backing file.
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open descriptor by reopening the underlying file.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// ClosePanic closes f and panics if the underlying close fails, for
// callers that have already established it must succeed (e.g. rolling
// back a half-finished snapshot operation).
func ClosePanic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

// Cwd_t tracks a process's current working directory.
type Cwd_t struct {
	sync.Mutex // serializes concurrent chdirs
	Fd         *Fd_t
	Path       ustr.Ustr
}

// MkRootCwd builds a Cwd_t rooted at "/".
func MkRootCwd(root *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: root, Path: ustr.MkUstrRoot()}
}

// Fullpath joins cwd onto p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

// Canonicalpath resolves p relative to cwd and normalizes the result.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(cwd.Fullpath(p))
}
