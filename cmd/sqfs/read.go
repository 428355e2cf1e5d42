package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-sqfs/sqfsimage"
)

// LsCommand lists a directory's entries.
type LsCommand struct {
	Args struct {
		Image string `positional-arg-name:"image" description:"SquashFS image to read"`
		Path  string `positional-arg-name:"path" description:"directory to list" default:"."`
	} `positional-args:"yes" required:"1"`
}

func (c *LsCommand) Execute(args []string) error {
	sb, f, err := openImage(c.Args.Image)
	if err != nil {
		return err
	}
	defer f.Close()

	ino, err := resolvePath(sb, c.Args.Path)
	if err != nil {
		return err
	}
	if !ino.IsDir() {
		return fmt.Errorf("%s: not a directory", c.Args.Path)
	}

	entries, err := ino.ReadDir()
	if err != nil {
		return fmt.Errorf("failed to read directory %q: %w", c.Args.Path, err)
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to stat %q: %s\n", entry.Name(), err)
			continue
		}
		printFileInfo(entry.Name(), info)
	}

	return nil
}

// CatCommand dumps a file's content to stdout.
type CatCommand struct {
	Args struct {
		Image string `positional-arg-name:"image" description:"SquashFS image to read"`
		Path  string `positional-arg-name:"path" description:"file to print"`
	} `positional-args:"yes" required:"1"`
}

func (c *CatCommand) Execute(args []string) error {
	sb, f, err := openImage(c.Args.Image)
	if err != nil {
		return err
	}
	defer f.Close()

	ino, err := resolvePath(sb, c.Args.Path)
	if err != nil {
		return err
	}

	buf := make([]byte, 65536)
	var off int64
	for {
		n, err := ino.ReadAt(buf, off)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// InfoCommand prints superblock metadata and a content summary.
type InfoCommand struct {
	Args struct {
		Image string `positional-arg-name:"image" description:"SquashFS image to read"`
	} `positional-args:"yes" required:"1"`
}

func (c *InfoCommand) Execute(args []string) error {
	sb, f, err := openImage(c.Args.Image)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Println("SquashFS Archive Information")
	fmt.Println("===========================")
	fmt.Printf("Version:          %d.%d\n", sb.VMajor, sb.VMinor)
	fmt.Printf("Creation time:    %s\n", time.Unix(int64(sb.ModTime), 0).Format(time.RFC1123))
	fmt.Printf("Block size:       %d bytes\n", sb.BlockSize)
	fmt.Printf("Compression:      %s\n", sb.Comp)
	fmt.Printf("Flags:            %s\n", sb.Flags)
	fmt.Printf("Total size:       %d bytes\n", sb.BytesUsed)
	fmt.Printf("Inode count:      %d\n", sb.InodeCnt)
	fmt.Printf("Fragment count:   %d\n", sb.FragCount)
	fmt.Printf("ID count:         %d\n", sb.IdCount)

	root, err := sb.Root()
	if err != nil {
		return err
	}

	var fileCount, dirCount, symCount int
	countTree(root, &fileCount, &dirCount, &symCount)

	fmt.Println("\nContent Summary")
	fmt.Println("--------------")
	fmt.Printf("Directories:      %d\n", dirCount)
	fmt.Printf("Regular files:    %d\n", fileCount)
	fmt.Printf("Symlinks:         %d\n", symCount)

	return nil
}

func countTree(ino *squashfs.Inode, fileCount, dirCount, symCount *int) {
	entries, err := ino.ReadDir()
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			*dirCount++
			if sub, ok := info.Sys().(*squashfs.Inode); ok {
				countTree(sub, fileCount, dirCount, symCount)
			}
		case info.Mode()&fs.ModeSymlink != 0:
			*symCount++
		default:
			*fileCount++
		}
	}
}

func openImage(path string) (*squashfs.Superblock, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	sb, err := squashfs.New(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	return sb, f, nil
}

func resolvePath(sb *squashfs.Superblock, path string) (*squashfs.Inode, error) {
	root, err := sb.Root()
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" || path == "." {
		return root, nil
	}
	return root.LookupRelativeInodePath(context.Background(), path)
}

func printFileInfo(name string, info fs.FileInfo) {
	typeChar := "-"
	if info.IsDir() {
		typeChar = "d"
	} else if info.Mode()&fs.ModeSymlink != 0 {
		typeChar = "l"
	}

	mode := info.Mode().String()
	permissions := mode[1:]

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	fmt.Printf("%s%s %s %s %s\n", typeChar, permissions, size, info.ModTime().Format("Jan 02 15:04"), name)
}
