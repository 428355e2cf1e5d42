package main

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/renameio"
	"github.com/mattn/go-isatty"

	"github.com/go-sqfs/sqfsimage"
)

// PackCommand builds a SquashFS image from a source directory tree.
type PackCommand struct {
	BlockSize  string   `long:"block-size" description:"data block size, accepts k/M/G suffixes" default:"131072"`
	Compressor string   `long:"compressor" description:"gzip, pgzip, xz or zstd" default:"gzip"`
	Exclude    []string `long:"exclude" description:"doublestar glob pattern to skip, can be repeated"`

	Args struct {
		Source string `positional-arg-name:"source" description:"directory tree to pack"`
		Image  string `positional-arg-name:"image" description:"output image path"`
	} `positional-args:"yes" required:"2"`
}

func (c *PackCommand) Execute(args []string) error {
	blockSize, err := parseSize("--block-size", c.BlockSize, 0)
	if err != nil {
		return err
	}
	if blockSize == 0 || blockSize > math.MaxUint32 {
		return fmt.Errorf("--block-size: %d out of range", blockSize)
	}

	comp, err := compressionByName(c.Compressor)
	if err != nil {
		return err
	}

	pf, err := renameio.TempFile("", c.Args.Image)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %q: %w", c.Args.Image, err)
	}
	defer pf.Cleanup()

	w, err := squashfs.NewWriter(pf, squashfs.WithBlockSize(uint32(blockSize)), squashfs.WithCompression(comp))
	if err != nil {
		return err
	}

	srcFS := os.DirFS(c.Args.Source)
	w.SetSourceFS(srcFS)

	progress := isatty.IsTerminal(os.Stdout.Fd())
	count := 0

	err = fs.WalkDir(srcFS, ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != "." {
			skip, matchErr := matchesAny(c.Exclude, path)
			if matchErr != nil {
				return matchErr
			}
			if skip {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		count++
		if progress {
			fmt.Printf("\rpacking: %d entries", count)
		}

		if err := w.Add(path, wrapEntry(d), nil); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if path == "." {
			return nil
		}
		return addRealXattrs(w, filepath.Join(c.Args.Source, path), path)
	})
	if progress {
		fmt.Println()
	}
	if err != nil {
		return err
	}

	if err := w.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	return pf.CloseAtomicallyReplace()
}

func matchesAny(patterns []string, path string) (bool, error) {
	for _, pat := range patterns {
		matched, err := doublestar.Match(pat, path)
		if err != nil {
			return false, fmt.Errorf("bad --exclude pattern %q: %w", pat, err)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// compressionByName maps a --compressor flag value to a Compression.
// "pgzip" selects the same on-disk GZip algorithm; it only actually runs
// in parallel when this binary is built with -tags pgzip (comp_pgzip.go).
func compressionByName(name string) (squashfs.Compression, error) {
	switch name {
	case "gzip", "pgzip":
		return squashfs.GZip, nil
	case "xz":
		return squashfs.XZ, nil
	case "zstd":
		return squashfs.ZSTD, nil
	default:
		return 0, fmt.Errorf("unknown --compressor %q", name)
	}
}
