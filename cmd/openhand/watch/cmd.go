// Telemetry sub-commands: one shot status and continuous watch.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/internal/state"
	status_api "github.com/openhand/openhand/status"
)

const DefaultStatusTimeout = 30 * time.Second

var StatusMod = subcmd.Mod{
	Name:  "status",
	Usage: "[printer] [-json] [-timeout=30s] print first telemetry snapshot",
	Main:  func(ctx context.Context, args []string) error { return Status(ctx, os.Stdout, args) },
}

var WatchMod = subcmd.Mod{
	Name:  "watch",
	Usage: "[printer...] log every telemetry snapshot until stopped",
	Main:  func(ctx context.Context, args []string) error { return Watch(ctx, os.Stdout, args) },
}

// Status waits for first settled snapshot, prints it and stops telemetry.
// ERROR snapshot is printed and returned as error.
func Status(ctx context.Context, w io.Writer, args []string) error {
	g := state.GetGlobal(ctx)
	st, args, err := subcmd.Station(ctx, args)
	if err != nil {
		return err
	}
	flags := subcmd.NewFlagSet("status")
	flagJSON := flags.Bool("json", false, "")
	flagTimeout := flags.Duration("timeout", DefaultStatusTimeout, "")
	if err = flags.Parse(args); err != nil {
		return errors.Annotate(err, "status")
	}

	tc := st.Telemetry
	sub, cancel := tc.Subscribe()
	defer cancel()
	tc.Start()
	defer tc.Stop()

	timer := time.NewTimer(*flagTimeout)
	defer timer.Stop()
	for {
		select {
		case s := <-sub:
			if s.Phase == status_api.PhaseConnecting {
				continue
			}
			if err = writeSnapshot(w, st.Printer.Name, s, *flagJSON); err != nil {
				return err
			}
			if s.Phase == status_api.PhaseError {
				return errors.Errorf("printer=%s %s", st.Printer.Name, s.String())
			}
			return nil
		case <-timer.C:
			return errors.Timeoutf("printer=%s status after %v", st.Printer.Name, *flagTimeout)
		case <-g.Alive.StopChan():
			return errors.Errorf("interrupted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type named struct {
	name string
	s    status_api.Snapshot
}

// Watch runs until global stop, snapshots of all printers go to w in arrival order.
func Watch(ctx context.Context, w io.Writer, args []string) error {
	g := state.GetGlobal(ctx)
	stations, err := subcmd.Stations(ctx, args)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return errors.NotFoundf("config printer")
	}

	merged := make(chan named)
	stopCh := g.Alive.StopChan()
	for _, st := range stations {
		sub, cancel := st.Telemetry.Subscribe()
		defer cancel()
		go forward(st.Printer.Name, sub, merged, stopCh)
		st.Telemetry.Start()
		defer st.Telemetry.Stop()
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("watch printers=%d", len(stations))

	for {
		select {
		case n := <-merged:
			if err := writeSnapshot(w, n.name, n.s, false); err != nil {
				return err
			}
		case <-stopCh:
			logStats(g, stations)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func forward(name string, sub <-chan status_api.Snapshot, out chan<- named, stopCh <-chan struct{}) {
	for s := range sub {
		select {
		case out <- named{name, s}:
		case <-stopCh:
			return
		}
	}
}

func logStats(g *state.Global, stations []*state.Station) {
	for _, st := range stations {
		stats := st.Telemetry.Stats()
		g.Log.Infof("printer=%s received=%d decoded=%d rejected=%d unexpected=%d",
			st.Printer.Name, stats.Received, stats.Decoded, stats.Rejected, stats.Unexpected)
	}
}

func writeSnapshot(w io.Writer, name string, s status_api.Snapshot, asJSON bool) error {
	var err error
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(s)
	} else {
		_, err = fmt.Fprintf(w, "%s: %s\n", name, s.String())
	}
	return errors.Annotate(err, "write snapshot")
}
