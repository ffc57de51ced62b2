// romfix copies files between plain paths and zip or 7z archives, hashing
// and checking every byte on the way, and manages the binary catalog.
//
// Usage:
//
//	romfix [--verbose] copy [flags] SRC... DST
//	romfix [--verbose] catalog init [--db PATH]
//	romfix [--verbose] catalog dump [--db PATH] [--backup]
//
// A location of the form "set.zip:dir/name.bin" names an entry inside an
// archive. A bare "set.zip" destination receives every source under its base
// name.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var verbose bool

	flagSet := pflag.NewFlagSet("romfix", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug events to stderr")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return errors.New("missing command")
	}

	switch rest[0] {
	case "copy":
		return runCopy(logger, rest[1:], stdout, stderr)
	case "catalog":
		return runCatalog(logger, rest[1:], stdout, stderr)
	case "help":
		printUsage(stdout, flagSet)
		return nil
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: romfix [--verbose] <command> [arguments]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  copy      copy and verify files or archive entries\n")
	fmt.Fprintf(w, "  catalog   create or print the catalog blob\n\n")
	fmt.Fprintf(w, "Flags:\n%s", flagSet.FlagUsages())
}
