// Camera stream endpoint helper: URL for external player, QR code, TLS probe.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/openhand/openhand/cmd/openhand/subcmd"
	"github.com/openhand/openhand/helpers/cli"
	"github.com/openhand/openhand/internal/state"
	"github.com/openhand/openhand/media"
	"github.com/openhand/openhand/printer"
	qrcode "github.com/skip2/go-qrcode"
)

var Mod = subcmd.Mod{
	Name:  "stream",
	Usage: "[printer] [-reveal] [-qr] [-probe] camera stream URL",
	Main:  func(ctx context.Context, args []string) error { return Stream(ctx, os.Stdout, args) },
}

func Stream(ctx context.Context, w io.Writer, args []string) error {
	g := state.GetGlobal(ctx)
	st, args, err := subcmd.Station(ctx, args)
	if err != nil {
		return err
	}
	flags := subcmd.NewFlagSet("stream")
	flagReveal := flags.Bool("reveal", false, "print URL with secret")
	flagQR := flags.Bool("qr", false, "render URL with secret as QR code")
	flagProbe := flags.Bool("probe", false, "check TLS connection to media port")
	if err = flags.Parse(args); err != nil {
		return errors.Annotate(err, "stream")
	}

	u := media.Redacted(st.Printer)
	if *flagReveal {
		u = media.StreamURL(st.Printer)
	}
	if _, err = fmt.Fprintf(w, "%s transport=%s\n", u, media.Transport); err != nil {
		return errors.Annotate(err, "stream")
	}
	if *flagQR {
		qr, err := cli.QRString(media.StreamURL(st.Printer), true, qrcode.Medium)
		if err != nil {
			return err
		}
		if _, err = io.WriteString(w, qr); err != nil {
			return errors.Annotate(err, "stream")
		}
	}
	if *flagProbe {
		addr := st.Printer.HostPort(printer.PortMedia)
		subject, err := Probe(ctx, st.Media, addr)
		if err != nil {
			return err
		}
		g.Log.Infof("stream probe addr=%s peer=%s", addr, subject)
	}
	return nil
}

// Probe completes TLS handshake with media endpoint and returns peer certificate subject.
func Probe(ctx context.Context, sf *media.SocketFactory, addr string) (string, error) {
	conn, err := sf.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	cs := conn.(*tls.Conn).ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return "", errors.NotFoundf("media peer certificate")
	}
	return cs.PeerCertificates[0].Subject.CommonName, nil
}
