// Printer storage sub-commands over FTPS.
package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/ftps"
)

var LsMod = subcmd.Mod{
	Name:  "ls",
	Usage: "[printer] [dir] list printer storage",
	Main:  func(ctx context.Context, args []string) error { return List(ctx, os.Stdout, args) },
}

func List(ctx context.Context, w io.Writer, args []string) error {
	st, args, err := subcmd.Station(ctx, args)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		return errors.NotValidf("ls arguments=%q, expected at most one directory", args)
	}
	fc := st.Files
	if err = fc.Start(ctx); err != nil {
		return err
	}
	defer fc.Stop()
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}
	_, entries, err := fc.ListDirectory(ctx, dir)
	if err != nil {
		return err
	}
	return WriteEntries(w, entries)
}

// WriteEntries formats listing with right aligned sizes, directories marked by "/".
func WriteEntries(w io.Writer, entries []ftps.DirectoryEntry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 0, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		name := e.Name
		switch {
		case e.IsDir:
			name += "/"
		case e.IsLink():
			name += " -> " + e.Link
		}
		fmt.Fprintf(tw, "%d\t %s %s\n", e.Size, e.Time.Format("2006-01-02 15:04"), name)
	}
	return errors.Annotate(tw.Flush(), "write listing")
}
