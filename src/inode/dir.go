package inode

import (
	"defs"
	"ustr"
)

// Dirlookup scans directory dp for name, returning the matching inode
// (unlocked, referenced) and the byte offset of its directory entry.
func (ic *Icache) Dirlookup(dp *Inode_t, name ustr.Ustr) (*Inode_t, int, defs.Err_t) {
	if dp.Typ != T_DIR {
		return nil, 0, defs.ENOTDIR
	}
	buf := make([]byte, direntSize)
	for off := 0; off < int(dp.Size); off += direntSize {
		n, err := ic.Readi(dp, buf, off)
		if err != 0 {
			return nil, 0, err
		}
		if n != direntSize {
			break
		}
		var de Dirent_t
		de.unmarshal(buf)
		if de.Inum == 0 {
			continue
		}
		if ustr.Ustr(trimName(de.Name[:])).Eq(name) {
			return ic.Iget(int(de.Inum)), off, 0
		}
	}
	return nil, 0, defs.ENOENT
}

func trimName(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// Dirlink adds a directory entry name -> inum to directory dp, reusing
// the first empty slot if one exists, matching the original's dirlink.
func (ic *Icache) Dirlink(dp *Inode_t, name ustr.Ustr, inum int) defs.Err_t {
	if existing, _, err := ic.Dirlookup(dp, name); err == 0 {
		ic.Iput(existing)
		return defs.EEXIST
	}
	if len(name) > DIRSIZ {
		return defs.ENAMETOOLONG
	}

	buf := make([]byte, direntSize)
	off := 0
	for ; off < int(dp.Size); off += direntSize {
		n, err := ic.Readi(dp, buf, off)
		if err != 0 {
			return err
		}
		if n != direntSize {
			break
		}
		var scan Dirent_t
		scan.unmarshal(buf)
		if scan.Inum == 0 {
			break
		}
	}

	var de Dirent_t
	de.Inum = uint16(inum)
	copy(de.Name[:], ustr.Fit(name, DIRSIZ))
	de.marshal(buf)
	if _, err := ic.Writei(dp, buf, off); err != 0 {
		return err
	}
	return 0
}

// Dirunlink clears the directory entry at off within dp.
func (ic *Icache) Dirunlink(dp *Inode_t, off int) defs.Err_t {
	buf := make([]byte, direntSize)
	_, err := ic.Writei(dp, buf, off)
	return err
}

// filterDots reports whether a directory entry name is "." or "..",
// mirroring original_source/fs.c's filter_dots used throughout the
// snapshot walker and isdirempty.
func filterDots(name []byte) bool {
	n := trimName(name)
	return string(n) == "." || string(n) == ".."
}

// Isdirempty reports whether dp (a directory) contains only "." and
// "..".
func (ic *Icache) Isdirempty(dp *Inode_t) bool {
	buf := make([]byte, direntSize)
	for off := 0; off < int(dp.Size); off += direntSize {
		n, err := ic.Readi(dp, buf, off)
		if err != 0 || n != direntSize {
			break
		}
		var de Dirent_t
		de.unmarshal(buf)
		if de.Inum != 0 && !filterDots(de.Name[:]) {
			return false
		}
	}
	return true
}

// Dirnext scans dp for the next entry after *off not filtered by skip,
// leaving *off at that entry's byte offset. Grounded on
// original_source/fs.c's dirnext, including its pre-increment of off
// before reading the first entry: a scan seeded with *off == 0 never
// inspects the entry at offset 0 (the "." entry of a directory made by
// Create). This design keeps that behavior rather than correcting it.
// The snapshot walker and Isdirempty read entries themselves and do
// not go through Dirnext.
func (ic *Icache) Dirnext(dp *Inode_t, skip func([]byte) bool, off *int) (*Dirent_t, defs.Err_t) {
	buf := make([]byte, direntSize)
	for {
		*off += direntSize
		if *off+direntSize > int(dp.Size) {
			return nil, defs.ENOENT
		}
		n, err := ic.Readi(dp, buf, *off)
		if err != 0 {
			return nil, err
		}
		if n != direntSize {
			return nil, defs.ENOENT
		}
		var de Dirent_t
		de.unmarshal(buf)
		if de.Inum == 0 {
			continue
		}
		if skip != nil && skip(de.Name[:]) {
			continue
		}
		return &de, 0
	}
}

// Namex resolves a slash-separated path to an inode, starting from
// root. It does not resolve ".." beyond what Dirlookup already finds
// as an ordinary directory entry — ".." is itself just a dirent
// pointing at the parent, same as the original.
func (ic *Icache) Namex(root *Inode_t, path ustr.Ustr) (*Inode_t, defs.Err_t) {
	ip := ic.Idup(root)
	comps := splitPath(path)
	for _, comp := range comps {
		ic.Ilock(ip)
		if ip.Typ != T_DIR {
			ip.Iunlock()
			ic.Iput(ip)
			return nil, defs.ENOTDIR
		}
		next, _, err := ic.Dirlookup(ip, comp)
		ip.Iunlock()
		ic.Iput(ip)
		if err != 0 {
			return nil, err
		}
		ip = next
	}
	return ip, 0
}

func splitPath(path ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
