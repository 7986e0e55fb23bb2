// Package fdops defines the narrow operation set a file descriptor must
// implement, the same seam biscuit's fdops package draws between file
// descriptors (package fd) and whatever backs them (regular files,
// directories, devices).
package fdops

import "defs"

// Fdops_i is implemented by anything an Fd_t can wrap.
type Fdops_i interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Lseek(off int, whence int) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
}

// Seek whence values, matching lseek(2).
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)
