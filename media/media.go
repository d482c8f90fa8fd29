// Package media describes printer camera stream endpoint.
// Decoding and rendering belong to media player, this package only
// builds the URL and the TLS socket factory it must use.
package media

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/trust"
)

const (
	StreamPath = "/streaming/live/1"
	// Transport forces RTP over RTSP TCP connection, printer does not serve UDP.
	Transport = "tcp"

	DefaultDialTimeout = 10 * time.Second
)

// StreamURL is rtsps://bblp:<secret>@<address>:322/streaming/live/1
func StreamURL(p printer.Printer) string {
	u := url.URL{
		Scheme: "rtsps",
		User:   url.UserPassword(printer.Username, p.Secret),
		Host:   p.HostPort(printer.PortMedia),
		Path:   StreamPath,
	}
	return u.String()
}

// Redacted is StreamURL safe for logs.
func Redacted(p printer.Printer) string {
	return "rtsps://" + printer.Username + ":xxxxx@" + p.HostPort(printer.PortMedia) + StreamPath
}

// SocketFactory dials TLS connections verified against pinned CA.
type SocketFactory struct {
	TLS     *tls.Config
	Timeout time.Duration
}

func NewSocketFactory(pool *x509.CertPool) *SocketFactory {
	return &SocketFactory{TLS: trust.PinnedConfig(pool), Timeout: DefaultDialTimeout}
}

func (sf *SocketFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: helpers.DurationDefault(sf.Timeout, DefaultDialTimeout)},
		Config:    sf.TLS,
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Annotatef(err, "media dial %s", addr)
	}
	return conn, nil
}

// Dial connects to the media port of p.
func (sf *SocketFactory) Dial(ctx context.Context, p printer.Printer) (net.Conn, error) {
	return sf.DialContext(ctx, "tcp", net.JoinHostPort(p.Address, strconv.Itoa(printer.PortMedia)))
}
