package inode

import (
	"defs"
	"ustr"
)

// Create allocates a new inode of the given type as name inside dp,
// links it in, and returns it locked and referenced. Grounded on
// original_source/fs.c's static create(), which every sys_open(O_CREAT),
// sys_mkdir, and sys_mknod path funnels through. Caller must be inside
// a Begin_op/End_op bracket and must hold dp locked.
func (ic *Icache) Create(dp *Inode_t, name ustr.Ustr, typ int16, major, minor int16) (*Inode_t, defs.Err_t) {
	if existing, _, err := ic.Dirlookup(dp, name); err == 0 {
		ic.Ilock(existing)
		if typ == T_FILE && existing.Typ == T_FILE {
			return existing, 0
		}
		existing.Iunlock()
		ic.Iput(existing)
		return nil, defs.EEXIST
	}

	ip, err := ic.Ialloc(typ)
	if err != 0 {
		return nil, err
	}
	ic.Ilock(ip)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	ic.Iupdate(ip)

	if typ == T_DIR {
		// every directory carries "." and ".." entries, matching the
		// original's create().
		dp.Nlink++
		ic.Iupdate(dp)
		if err := ic.Dirlink(ip, ustr.MkUstrDot(), ip.Inum); err != 0 {
			panic("inode: failed to link .")
		}
		if err := ic.Dirlink(ip, ustr.DotDot, dp.Inum); err != 0 {
			panic("inode: failed to link ..")
		}
	}

	if err := ic.Dirlink(dp, name, ip.Inum); err != 0 {
		ip.Iunlock()
		ic.Iput(ip)
		return nil, err
	}
	return ip, 0
}

// Unlink removes name from directory dp, decrementing the target's
// link count and freeing it once both its link count and reference
// count reach zero (handled lazily by Iput).
func (ic *Icache) Unlink(dp *Inode_t, name ustr.Ustr, rmdir bool) defs.Err_t {
	target, off, err := ic.Dirlookup(dp, name)
	if err != 0 {
		return err
	}
	ic.Ilock(target)
	if rmdir {
		if target.Typ != T_DIR {
			target.Iunlock()
			ic.Iput(target)
			return defs.ENOTDIR
		}
		if !ic.Isdirempty(target) {
			target.Iunlock()
			ic.Iput(target)
			return defs.ENOTEMPTY
		}
	} else if target.Typ == T_DIR {
		target.Iunlock()
		ic.Iput(target)
		return defs.EISDIR
	}

	if derr := ic.Dirunlink(dp, off); derr != 0 {
		target.Iunlock()
		ic.Iput(target)
		return derr
	}
	if rmdir {
		dp.Nlink--
		ic.Iupdate(dp)
	}
	target.Nlink--
	ic.Iupdate(target)
	target.Iunlock()
	ic.Iput(target)
	return 0
}
