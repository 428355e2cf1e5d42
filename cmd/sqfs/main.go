// Command sqfs packs a directory tree into a SquashFS image and inspects
// existing images.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// globalOptions holds flags.Default's expected application-options
// group; this tool has none of its own, so it stays empty.
type globalOptions struct{}

func main() {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "sqfs packs a directory tree into a SquashFS image, or inspects an existing one."

	if _, err := parser.AddCommand("pack", "Pack a directory into a SquashFS image", "", &PackCommand{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("ls", "List a directory inside a SquashFS image", "", &LsCommand{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("cat", "Print a file's content from a SquashFS image", "", &CatCommand{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("info", "Show metadata about a SquashFS image", "", &InfoCommand{}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "sqfs: %s\n", err)
		os.Exit(1)
	}
}
