package serve

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/internal/state"
)

const shutdownTimeout = 5 * time.Second

var Mod = subcmd.Mod{
	Name:  "serve",
	Usage: "[-listen=addr] HTTP JSON API for all printers until stopped",
	Main:  Main,
}

func Main(ctx context.Context, args []string) error {
	g := state.GetGlobal(ctx)
	flags := subcmd.NewFlagSet("serve")
	flagListen := flags.String("listen", g.Config.ServeListen(), "")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "serve")
	}
	ln, err := net.Listen("tcp", *flagListen)
	if err != nil {
		return errors.Annotate(err, "serve listen")
	}
	return Serve(ctx, ln)
}

// Serve starts telemetry of all printers and serves API on ln until global stop.
func Serve(ctx context.Context, ln net.Listener) error {
	g := state.GetGlobal(ctx)
	stations, err := g.Stations()
	if err != nil {
		return err
	}
	for _, st := range stations {
		st.Telemetry.Start()
	}

	srv := &http.Server{
		Handler:           NewServer(g).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	g.Log.Infof("serve listen=%s printers=%d", ln.Addr(), len(stations))
	subcmd.SdNotify(daemon.SdNotifyReady)

	select {
	case err = <-errCh:
		return errors.Annotate(err, "serve")
	case <-g.Alive.StopChan():
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if serr := <-errCh; serr != http.ErrServerClosed {
		g.Log.Errorf("serve err=%v", serr)
	}
	return errors.Annotate(err, "serve shutdown")
}
