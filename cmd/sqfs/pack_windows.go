//go:build windows

package main

import (
	"io/fs"

	"github.com/go-sqfs/sqfsimage"
)

// Windows has no xattrs/uid/gid/rdev concept comparable to POSIX, so
// packing falls back to the defaults Writer.Add already applies.
func wrapEntry(d fs.DirEntry) fs.DirEntry { return d }

func addRealXattrs(w *squashfs.Writer, realPath, imgPath string) error { return nil }
