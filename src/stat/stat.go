// Package stat mirrors a file's stat(2) information, in the same
// write-then-serialize shape as biscuit's stat package.
package stat

import "unsafe"

// Stat_t is the information returned for a path or inode.
type Stat_t struct {
	_dev    uint
	_ino    uint
	_mode   uint
	_size   uint
	_rdev   uint
	_nlink  uint
	_blocks uint
}

func (st *Stat_t) Wdev(v uint)   { st._dev = v }
func (st *Stat_t) Wino(v uint)   { st._ino = v }
func (st *Stat_t) Wmode(v uint)  { st._mode = v }
func (st *Stat_t) Wsize(v uint)  { st._size = v }
func (st *Stat_t) Wrdev(v uint)  { st._rdev = v }
func (st *Stat_t) Wnlink(v uint) { st._nlink = v }

func (st *Stat_t) Mode() uint  { return st._mode }
func (st *Stat_t) Size() uint  { return st._size }
func (st *Stat_t) Rdev() uint  { return st._rdev }
func (st *Stat_t) Rino() uint  { return st._ino }
func (st *Stat_t) Nlink() uint { return st._nlink }

// Bytes exposes the raw bytes of the structure for copying to a caller.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._dev))
	return sl[:]
}
