// Support sub-commands in openhand application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/openhand/openhand/internal/state"
)

type Mod struct {
	Name  string
	Usage string
	// args follow sub-command name, config is read and state initialized
	Main func(ctx context.Context, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

// WriteUsage lists modules sorted by name.
func WriteUsage(w io.Writer, modules []Mod) {
	sorted := append([]Mod(nil), modules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, m := range sorted {
		fmt.Fprintf(w, "  %-8s %s\n", m.Name, m.Usage)
	}
}

// NewFlagSet returns flag set that reports errors instead of exit.
func NewFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// Station resolves printer from first positional argument.
// Printer name may be omitted when config has exactly one printer.
func Station(ctx context.Context, args []string) (*state.Station, []string, error) {
	g := state.GetGlobal(ctx)
	names := g.Config.PrinterNames()
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		for _, name := range names {
			if name == args[0] {
				st, err := g.Station(name)
				return st, args[1:], err
			}
		}
		if len(names) != 1 {
			return nil, nil, errors.NotFoundf("printer=%s", args[0])
		}
	}
	switch len(names) {
	case 0:
		return nil, nil, errors.NotFoundf("config printer")
	case 1:
		st, err := g.Station(names[0])
		return st, args, err
	}
	return nil, nil, errors.NotValidf("printer name required, one of %s", strings.Join(names, ","))
}

// Stations resolves every argument to printer, no arguments means all printers.
func Stations(ctx context.Context, args []string) ([]*state.Station, error) {
	g := state.GetGlobal(ctx)
	if len(args) == 0 {
		return g.Stations()
	}
	result := make([]*state.Station, 0, len(args))
	for _, name := range args {
		st, err := g.Station(name)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
