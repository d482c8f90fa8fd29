package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/helpers/cli"
	"github.com/openhand/openhand/internal/state"
)

const usage = `commands:
- ls        list working directory
- cd DIR    change working directory
- pwd       show working directory
- status    latest telemetry snapshot
- stats     connection counters
- help      this text
- quit      exit
`

var ShellMod = subcmd.Mod{
	Name:  "shell",
	Usage: "[printer] interactive storage browser with live status",
	Main:  Shell,
}

func Shell(ctx context.Context, args []string) error {
	g := state.GetGlobal(ctx)
	sh, err := NewShell(ctx, os.Stdout, args)
	if err != nil {
		return err
	}
	defer sh.Close()
	sh.station.Telemetry.Start()
	if err = sh.station.Files.Start(ctx); err != nil {
		// telemetry alone is still useful, `ls` retries login
		g.Log.Error(err)
	}
	cli.MainLoop("openhand "+sh.station.Printer.Name, sh.Exec, sh.Complete)
	return nil
}

// ShellSession executes one command line at a time.
type ShellSession struct {
	ctx     context.Context
	g       *state.Global
	station *state.Station
	w       io.Writer

	mu   sync.Mutex
	dirs []string // from last listing, for completion
}

func NewShell(ctx context.Context, w io.Writer, args []string) (*ShellSession, error) {
	st, args, err := subcmd.Station(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(args) != 0 {
		return nil, errors.NotValidf("shell arguments=%q", args)
	}
	return &ShellSession{
		ctx:     ctx,
		g:       state.GetGlobal(ctx),
		station: st,
		w:       w,
	}, nil
}

func (sh *ShellSession) Close() {
	sh.station.Files.Stop()
	sh.station.Telemetry.Stop()
}

// Exec logs errors, shell continues with next line.
func (sh *ShellSession) Exec(line string) {
	if err := sh.exec(line); err != nil {
		sh.g.Log.Error(err)
	}
}

func (sh *ShellSession) exec(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(sh.ctx, 3*sh.g.Config.NetworkTimeout())
	defer cancel()
	fc := sh.station.Files
	switch cmd, rest := words[0], words[1:]; cmd {
	case "help", "?":
		_, err := io.WriteString(sh.w, usage)
		return err

	case "ls":
		if err := sh.ensureStarted(ctx); err != nil {
			return err
		}
		entries, err := fc.ListCurrentDirectory(ctx)
		if err != nil {
			return err
		}
		dirs := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir {
				dirs = append(dirs, e.Name)
			}
		}
		sh.mu.Lock()
		sh.dirs = dirs
		sh.mu.Unlock()
		return WriteEntries(sh.w, entries)

	case "cd":
		if len(rest) != 1 {
			return errors.NotValidf("cd expects one directory")
		}
		if err := sh.ensureStarted(ctx); err != nil {
			return err
		}
		if err := fc.Cwd(ctx, rest[0]); err != nil {
			return errors.Annotatef(err, "cd %s", rest[0])
		}
		sh.mu.Lock()
		sh.dirs = nil
		sh.mu.Unlock()
		return nil

	case "pwd":
		if err := sh.ensureStarted(ctx); err != nil {
			return err
		}
		dir, err := fc.Pwd(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sh.w, dir)
		return err

	case "status":
		_, err := fmt.Fprintf(sh.w, "%s (%s)\n", sh.station.Telemetry.Current().String(), sh.station.Telemetry.State())
		return err

	case "stats":
		ts := sh.station.Telemetry.Stats()
		fs := fc.Stats()
		last := "never"
		if !ts.LastMessage.IsZero() {
			last = time.Since(ts.LastMessage).Truncate(time.Millisecond).String() + " ago"
		}
		_, err := fmt.Fprintf(sh.w, "telemetry received=%d decoded=%d rejected=%d unexpected=%d last=%s\nfiles lists=%s in=%s out=%s\n",
			ts.Received, ts.Decoded, ts.Rejected, ts.Unexpected, last,
			fs.Lists.String(), fs.DataIn.String(), fs.DataOut.String())
		return err

	case "quit", "exit":
		sh.g.StopWait(5 * time.Second)
		os.Exit(0)
		return nil

	default:
		return errors.NotFoundf("command=%s, try help", cmd)
	}
}

func (sh *ShellSession) ensureStarted(ctx context.Context) error {
	if sh.station.Files.IsStarted() {
		return nil
	}
	return sh.station.Files.Start(ctx)
}

func (sh *ShellSession) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if strings.HasPrefix(before, "cd ") {
		sh.mu.Lock()
		suggests := make([]prompt.Suggest, 0, len(sh.dirs)+1)
		suggests = append(suggests, prompt.Suggest{Text: "..", Description: "parent"})
		for _, dir := range sh.dirs {
			suggests = append(suggests, prompt.Suggest{Text: dir})
		}
		sh.mu.Unlock()
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
	if strings.Contains(before, " ") {
		return nil
	}
	return prompt.FilterFuzzy(commandSuggests, d.GetWordBeforeCursor(), true)
}

var commandSuggests = []prompt.Suggest{
	{Text: "ls", Description: "list working directory"},
	{Text: "cd", Description: "change working directory"},
	{Text: "pwd", Description: "show working directory"},
	{Text: "status", Description: "latest telemetry snapshot"},
	{Text: "stats", Description: "connection counters"},
	{Text: "help", Description: "show commands"},
	{Text: "quit", Description: "exit"},
}
