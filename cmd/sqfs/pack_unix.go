//go:build !windows

package main

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/go-sqfs/sqfsimage"
)

// wrapEntry overrides a DirEntry's Info() so its FileInfo.Sys() exposes
// the Uid()/Gid()/Rdev() methods Writer.Add looks for, backed by the
// real syscall.Stat_t the stdlib already populated for this entry.
func wrapEntry(d fs.DirEntry) fs.DirEntry {
	return statDirEntry{d}
}

type statDirEntry struct {
	fs.DirEntry
}

func (d statDirEntry) Info() (fs.FileInfo, error) {
	info, err := d.DirEntry.Info()
	if err != nil {
		return nil, err
	}
	return statFileInfo{info}, nil
}

type statFileInfo struct {
	fs.FileInfo
}

func (f statFileInfo) Sys() interface{} {
	st, ok := f.FileInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return statOwner{st}
}

type statOwner struct {
	st *syscall.Stat_t
}

func (s statOwner) Uid() uint32 { return s.st.Uid }
func (s statOwner) Gid() uint32 { return s.st.Gid }

// Rdev decodes and re-encodes the device number through x/sys/unix's
// major/minor helpers rather than passing syscall.Stat_t.Rdev through
// unchanged, since its raw encoding is platform-specific.
func (s statOwner) Rdev() uint32 {
	dev := uint64(s.st.Rdev)
	return uint32(unix.Mkdev(unix.Major(dev), unix.Minor(dev)))
}

// addRealXattrs copies the extended attributes of the file at realPath
// (identified in the image by imgPath) into w, using raw unix syscalls
// since os.DirFS exposes no xattr access.
func addRealXattrs(w *squashfs.Writer, realPath, imgPath string) error {
	size, err := unix.Llistxattr(realPath, nil)
	if err != nil || size <= 0 {
		return nil
	}

	namesBuf := make([]byte, size)
	n, err := unix.Llistxattr(realPath, namesBuf)
	if err != nil {
		return nil
	}
	namesBuf = namesBuf[:n]

	for _, name := range splitNulTerminated(namesBuf) {
		vsize, err := unix.Lgetxattr(realPath, name, nil)
		if err != nil || vsize <= 0 {
			continue
		}
		value := make([]byte, vsize)
		vn, err := unix.Lgetxattr(realPath, name, value)
		if err != nil {
			continue
		}
		if err := w.AddXattr(imgPath, name, value[:vn]); err != nil {
			return err
		}
	}
	return nil
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}
