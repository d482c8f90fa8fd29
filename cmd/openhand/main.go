package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/files"
	"github.com/openhand/openhand/cmd/openhand/record"
	"github.com/openhand/openhand/cmd/openhand/serve"
	"github.com/openhand/openhand/cmd/openhand/stream"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/cmd/openhand/watch"
	"github.com/openhand/openhand/helpers/cli"
	"github.com/openhand/openhand/internal/state"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/telemetry"
)

const stopTimeout = 5 * time.Second

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	watch.StatusMod,
	watch.WatchMod,
	files.LsMod,
	files.ShellMod,
	serve.Mod,
	stream.Mod,
	record.RecordMod,
	record.ReplayMod,
}

func main() {
	flagset := flag.NewFlagSet("openhand", flag.ExitOnError)
	configPath := flagset.String("config", "openhand.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: openhand [-config=openhand.hcl] command [args]\nCommands:\n")
		subcmd.WriteUsage(flagset.Output(), modules)
	}
	_ = flagset.Parse(os.Args[1:])

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journald logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if cli.IsInteractive() {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	telemetry.SetTransportLog(log, config.Telemetry.TransportLogDebug)
	ctx, g := state.NewContext(log)
	g.MustInit(ctx, config)
	go stopOnSignal(g)

	err = mod.Main(ctx, flagset.Args()[1:])
	g.StopWait(stopTimeout)
	if err != nil {
		log.Fatalf("%s: %s", mod.Name, errors.ErrorStack(err))
	}
}

func stopOnSignal(g *state.Global) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	g.Log.Infof("signal=%v stopping", sig)
	g.Stop()
	// second signal for impatient
	<-sigCh
	os.Exit(1)
}
