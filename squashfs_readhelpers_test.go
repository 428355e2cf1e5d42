package squashfs_test

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/go-sqfs/sqfsimage"
)

// These helpers stand in for the fs.FS-style reading convenience the
// tests originally assumed. This package only keeps enough reading
// support to make the directory/xattr encoders' output checkable
// end-to-end, not a general path-resolving fs.FS, so tests drive the
// root inode directly instead.

func lookupPath(t *testing.T, sqfs *squashfs.Superblock, path string) *squashfs.Inode {
	t.Helper()
	root, err := sqfs.Root()
	if err != nil {
		t.Fatalf("Root failed: %s", err)
	}
	path = strings.TrimPrefix(path, "./")
	if path == "." || path == "" {
		return root
	}
	ino, err := root.LookupRelativeInodePath(context.Background(), path)
	if err != nil {
		t.Fatalf("lookup %q failed: %s", path, err)
	}
	return ino
}

func readFile(t *testing.T, sqfs *squashfs.Superblock, path string) []byte {
	t.Helper()
	ino := lookupPath(t, sqfs, path)

	var out []byte
	buf := make([]byte, 65536)
	var off int64
	for {
		n, err := ino.ReadAt(buf, off)
		out = append(out, buf[:n]...)
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadAt %q failed: %s", path, err)
		}
		if n == 0 {
			break
		}
	}
	return out
}

func readDir(t *testing.T, sqfs *squashfs.Superblock, path string) []fs.DirEntry {
	t.Helper()
	ino := lookupPath(t, sqfs, path)
	entries, err := ino.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir %q failed: %s", path, err)
	}
	return entries
}
