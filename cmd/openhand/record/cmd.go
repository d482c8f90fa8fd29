// Raw telemetry journal sub-commands.
package record

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/internal/state"
	"github.com/openhand/openhand/journal"
	"github.com/openhand/openhand/status"
)

const DefaultReplayIdle = time.Second

var RecordMod = subcmd.Mod{
	Name:  "record",
	Usage: "[printer...] append raw telemetry to journal.path until stopped",
	Main:  Record,
}

var ReplayMod = subcmd.Mod{
	Name:  "replay",
	Usage: "[-idle=1s] decode and consume journal.path frames",
	Main:  func(ctx context.Context, args []string) error { return Replay(ctx, os.Stdout, args) },
}

func Record(ctx context.Context, args []string) error {
	g := state.GetGlobal(ctx)
	j, err := g.OpenJournal()
	if err != nil {
		return err
	}
	stations, err := subcmd.Stations(ctx, args)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return errors.NotFoundf("config printer")
	}
	for _, st := range stations {
		st.Telemetry.Start()
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("record path=%s printers=%d", g.Config.Journal.Path, len(stations))

	select {
	case <-g.Alive.StopChan():
	case <-ctx.Done():
	}
	for _, st := range stations {
		st.Telemetry.Stop()
	}
	g.Log.Infof("record frames=%d", j.Recorded())
	return nil
}

// Replay consumes journal, writes one line per frame:
// time, topic, decoded snapshot or "rejected".
func Replay(ctx context.Context, w io.Writer, args []string) error {
	g := state.GetGlobal(ctx)
	flags := subcmd.NewFlagSet("replay")
	flagIdle := flags.Duration("idle", DefaultReplayIdle, "stop after no frames for duration")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "replay")
	}
	j, err := g.OpenJournal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	var werr error
	n, err := j.Replay(ctx, *flagIdle, func(f journal.Frame, s status.Snapshot, ok bool) {
		if werr != nil {
			return
		}
		line := "rejected"
		if ok {
			line = s.String()
		}
		_, werr = fmt.Fprintf(w, "%s %s %s\n", f.Time.UTC().Format(time.RFC3339Nano), f.Topic, line)
	})
	g.Log.Debugf("replay frames=%d", n)
	if err == context.Canceled {
		err = nil
	}
	return helpers.FirstError(errors.Annotate(werr, "replay write"), err)
}
