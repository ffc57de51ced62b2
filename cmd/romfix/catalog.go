package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/romfix/catalog"
	"github.com/meigma/romfix/catalog/store"
)

const defaultDB = "romfix.cat"

func runCatalog(logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("catalog needs a subcommand: init or dump")
	}

	var (
		db     string
		backup bool
	)
	flagSet := pflag.NewFlagSet("catalog "+args[0], pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&db, "db", defaultDB, "catalog blob path")
	if args[0] == "dump" {
		flagSet.BoolVar(&backup, "backup", false, "read the backup blob instead")
	}
	if err := flagSet.Parse(args[1:]); err != nil {
		return err
	}
	st := store.New(db, store.WithLogger(logger))

	switch args[0] {
	case "init":
		return initCatalog(st, stdout)
	case "dump":
		return dumpCatalog(st, backup, stdout)
	default:
		return fmt.Errorf("unknown catalog subcommand %q", args[0])
	}
}

// initCatalog rewrites the blob, replacing a corrupt one with the default
// tree. The previous blob is kept as the backup.
func initCatalog(st *store.Store, stdout io.Writer) error {
	root, err := st.Load()
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return err
	}
	if err != nil {
		fmt.Fprintf(stdout, "warning: %v, writing default catalog\n", err)
	}
	if err := st.Save(root); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", st.Path())
	return nil
}

func dumpCatalog(st *store.Store, backup bool, stdout io.Writer) error {
	var (
		root *catalog.Container
		err  error
	)
	if backup {
		root, err = st.LoadBackup()
	} else {
		root, err = st.Load()
	}
	if err != nil {
		return err
	}
	printNode(stdout, root, 0)
	return nil
}

func printNode(w io.Writer, n catalog.Node, depth int) {
	m := catalog.MetaOf(n)
	indent := strings.Repeat("  ", depth)

	switch v := n.(type) {
	case *catalog.Container:
		fmt.Fprintf(w, "%s%s/ [%s %s %s]\n", indent, m.Name, m.Kind, m.Presence, m.Membership)
		for _, child := range v.Children() {
			printNode(w, child, depth+1)
		}
	case *catalog.File:
		fmt.Fprintf(w, "%s%s [%s %s %s]", indent, m.Name, m.Kind, m.Presence, m.Membership)
		if v.Size != nil {
			fmt.Fprintf(w, " size=%d", *v.Size)
		}
		if v.CRC != nil {
			fmt.Fprintf(w, " crc=%s", hex.EncodeToString(v.CRC))
		}
		if v.SHA1 != nil {
			fmt.Fprintf(w, " sha1=%s", hex.EncodeToString(v.SHA1))
		}
		fmt.Fprintln(w)
	}
}
