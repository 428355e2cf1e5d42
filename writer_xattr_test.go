package squashfs_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/go-sqfs/sqfsimage"
)

func TestWriterNoXattrsFlagSetByDefault(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if err := fs.WalkDir(os.DirFS("testdata"), ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to read back image: %s", err)
	}
	if !sqfs.Flags.Has(squashfs.NO_XATTRS) {
		t.Errorf("expected NO_XATTRS set on an image with no xattrs, got flags=%s", sqfs.Flags)
	}
}

func TestWriterNoXattrsFlagClearedWhenXattrsPresent(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if err := fs.WalkDir(os.DirFS("testdata"), ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}
	if err := w.AddXattr("hello.txt", "user.greeting", []byte("hi")); err != nil {
		t.Fatalf("AddXattr failed: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	sqfs, err := squashfs.New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to read back image: %s", err)
	}
	if sqfs.Flags.Has(squashfs.NO_XATTRS) {
		t.Errorf("expected NO_XATTRS clear on an image carrying xattrs, got flags=%s", sqfs.Flags)
	}
	if sqfs.XattrIdTableStart == 0 {
		t.Errorf("expected a real xattr_id_table_start offset, got 0")
	}
}

func TestWriterAddXattrRejectsUnknownNamespace(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if err := fs.WalkDir(os.DirFS("testdata"), ".", w.Add); err != nil {
		t.Fatalf("WalkDir failed: %s", err)
	}

	err = w.AddXattr("hello.txt", "bogus.key", []byte("v"))
	if !errors.Is(err, squashfs.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for an unrecognized namespace, got %v", err)
	}
}

func TestWriterAddXattrUnknownPath(t *testing.T) {
	var buf bytes.Buffer

	w, err := squashfs.NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}

	err = w.AddXattr("does/not/exist", "user.a", []byte("v"))
	if !errors.Is(err, squashfs.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for an unstaged path, got %v", err)
	}
}
