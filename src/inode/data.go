package inode

import (
	"encoding/binary"

	"blockio"
	"defs"
)

// bmap returns the disk block number holding the bn'th block of ip's
// data, allocating (and, if writing into a block ip shares with a
// snapshot, copy-on-write duplicating) it when alloc is true.
// Grounded on original_source/fs.c's bmap, generalized with an
// explicit copy-on-write branch fs.c's own bmap doesn't need (there,
// cow happens in the write path that calls bmap, via smap checks
// inlined into writei).
func (ic *Icache) bmap(ip *Inode_t, bn int, alloc bool) (int, defs.Err_t) {
	if bn < NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			if !alloc {
				return 0, 0
			}
			a, ok := ic.alloc.Balloc()
			if !ok {
				return 0, defs.ENOSPC
			}
			ip.Addrs[bn] = uint32(a)
			return a, 0
		}
		if alloc && ic.pinned(int(addr)) {
			newaddr, err := ic.cowDup(int(addr))
			if err != 0 {
				return 0, err
			}
			ip.Addrs[bn] = uint32(newaddr)
			return newaddr, 0
		}
		return int(addr), 0
	}

	bn -= NDIRECT
	if bn >= NINDIRECT {
		return 0, defs.EINVAL
	}

	indAddr := ip.Addrs[NDIRECT]
	if indAddr == 0 {
		if !alloc {
			return 0, 0
		}
		a, ok := ic.alloc.Balloc()
		if !ok {
			return 0, defs.ENOSPC
		}
		ip.Addrs[NDIRECT] = uint32(a)
		indAddr = uint32(a)
	} else if alloc && ic.pinned(int(indAddr)) {
		newaddr, err := ic.cowDup(int(indAddr))
		if err != 0 {
			return 0, err
		}
		ip.Addrs[NDIRECT] = uint32(newaddr)
		indAddr = uint32(newaddr)
	}

	indblk := ic.cache.Get_fill(int(indAddr), "indirect", true)
	off := bn * 4
	addr := le32(indblk.Data[off : off+4])
	if addr == 0 {
		if !alloc {
			indblk.Done("indirect")
			return 0, 0
		}
		a, ok := ic.alloc.Balloc()
		if !ok {
			indblk.Done("indirect")
			return 0, defs.ENOSPC
		}
		putle32(indblk.Data[off:off+4], uint32(a))
		ic.log.Write(indblk)
		indblk.Done("indirect")
		return a, 0
	}
	if alloc && ic.pinned(int(addr)) {
		newaddr, err := ic.cowDup(int(addr))
		if err != 0 {
			indblk.Done("indirect")
			return 0, err
		}
		putle32(indblk.Data[off:off+4], uint32(newaddr))
		ic.log.Write(indblk)
		indblk.Done("indirect")
		return newaddr, 0
	}
	indblk.Done("indirect")
	return int(addr), 0
}

// cowDup allocates a fresh block, copies src's contents into it, and
// returns the new block number. src itself is left in place but its
// snapshot pin bit is cleared, since the live file no longer shares it
// with any snapshot once the copy exists — matching
// original_source/fs.c's smeta.smap[i] &= ~x on every cow write
// (fs.c:823/835/839).
func (ic *Icache) cowDup(src int) (int, defs.Err_t) {
	dst, ok := ic.alloc.Balloc()
	if !ok {
		return 0, defs.ENOSPC
	}
	srcblk := ic.cache.Get_fill(src, "cow-src", true)
	dstblk := ic.cache.Get_fill(dst, "cow-dst", true)
	copy(dstblk.Data[:], srcblk.Data[:])
	ic.log.Write(dstblk)
	srcblk.Done("cow-src")
	dstblk.Done("cow-dst")
	ic.unpin(src)
	return dst, 0
}

// Readi reads up to len(dst) bytes starting at offset off into dst,
// returning the number of bytes read.
func (ic *Icache) Readi(ip *Inode_t, dst []byte, off int) (int, defs.Err_t) {
	if off < 0 || off > int(ip.Size) {
		return 0, defs.EINVAL
	}
	n := len(dst)
	if off+n > int(ip.Size) {
		n = int(ip.Size) - off
	}
	total := 0
	for total < n {
		bn := (off + total) / blockio.BSIZE
		boff := (off + total) % blockio.BSIZE
		devbn, err := ic.bmap(ip, bn, false)
		if err != 0 {
			return total, err
		}
		want := blockio.BSIZE - boff
		if want > n-total {
			want = n - total
		}
		if devbn == 0 {
			for i := 0; i < want; i++ {
				dst[total+i] = 0
			}
		} else {
			blk := ic.cache.Get_fill(devbn, "data", true)
			copy(dst[total:total+want], blk.Data[boff:boff+want])
			blk.Done("data")
		}
		total += want
	}
	return total, 0
}

// Writei writes src to ip starting at offset off, growing the file and
// allocating blocks (copy-on-write duplicating any block a snapshot
// has pinned) as needed. Caller must be inside a Begin_op/End_op
// bracket, since it updates the inode and possibly the free-block
// bitmap.
func (ic *Icache) Writei(ip *Inode_t, src []byte, off int) (int, defs.Err_t) {
	if off < 0 || off > int(ip.Size) {
		return 0, defs.EINVAL
	}
	n := len(src)
	if off+n > MAXFILE*blockio.BSIZE {
		return 0, defs.EINVAL
	}
	total := 0
	for total < n {
		bn := (off + total) / blockio.BSIZE
		boff := (off + total) % blockio.BSIZE
		devbn, err := ic.bmap(ip, bn, true)
		if err != 0 {
			return total, err
		}
		want := blockio.BSIZE - boff
		if want > n-total {
			want = n - total
		}
		blk := ic.cache.Get_fill(devbn, "data", boff != 0 || want != blockio.BSIZE)
		copy(blk.Data[boff:boff+want], src[total:total+want])
		ic.log.Write(blk)
		blk.Done("data")
		total += want
	}
	if off+total > int(ip.Size) {
		ip.Size = uint32(off + total)
	}
	ic.Iupdate(ip)
	return total, 0
}

// itrunc frees every block ip owns (direct, indirect, and the
// indirect block itself), respecting pinned blocks the same way
// balloc.Bfree does.
func (ic *Icache) itrunc(ip *Inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			ic.alloc.Bfree(int(ip.Addrs[i]))
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		indblk := ic.cache.Get_fill(int(ip.Addrs[NDIRECT]), "indirect", true)
		for i := 0; i < NINDIRECT; i++ {
			a := le32(indblk.Data[i*4 : i*4+4])
			if a != 0 {
				ic.alloc.Bfree(int(a))
			}
		}
		indblk.Done("indirect")
		ic.alloc.Bfree(int(ip.Addrs[NDIRECT]))
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	ic.Iupdate(ip)
}

func le32(b []byte) uint32           { return binary.LittleEndian.Uint32(b) }
func putle32(b []byte, v uint32)     { binary.LittleEndian.PutUint32(b, v) }
