package ftps

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/log2"
)

// transport dials sockets for one ftp.ServerConn.
// First dial is control connection, its TLS session is captured.
// Every following dial is data connection resuming that session.
// Called only by goroutine owning the ServerConn.
type transport struct {
	log     *log2.Log
	dial    DialFunc
	host    string
	timeout time.Duration
	stats   *Stats
	control *tls.Config
	data    *tls.Config
	capture *sessionCapture
	dialed  bool
}

func newTransport(c *Client) *transport {
	capture := &sessionCapture{}
	control := c.opt.TLS.Clone()
	control.ClientSessionCache = capture
	if control.ServerName == "" {
		control.ServerName = c.printer.Address
	}
	data := c.opt.TLS.Clone()
	data.ServerName = control.ServerName
	return &transport{
		log:     c.log,
		dial:    c.opt.Dial,
		host:    c.printer.Address,
		timeout: c.opt.NetworkTimeout,
		stats:   &c.stats,
		control: control,
		data:    data,
		capture: capture,
	}
}

// Dial matches ftp.DialWithDialFunc.
func (t *transport) Dial(network, addr string) (net.Conn, error) {
	if !t.dialed {
		t.dialed = true
		return t.dialControl(network, addr)
	}
	return t.dialData(network, addr)
}

func (t *transport) dialControl(network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	raw, err := t.dial(ctx, network, addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	tc := tls.Client(&deadlineConn{Conn: raw, timeout: t.timeout}, t.control)
	if err = tc.Handshake(); err != nil {
		raw.Close()
		return nil, errors.Annotatef(err, "tls handshake %s", addr)
	}
	return tc, nil
}

// dialData ignores host reported by PASV, it may be unreachable behind NAT.
// Handshake is left to first read: server starts TLS only after LIST reply.
func (t *transport) dialData(network, addr string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Annotatef(err, "data address=%s", addr)
	}
	addr = net.JoinHostPort(t.host, port)
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	raw, err := t.dial(ctx, network, addr)
	if err != nil {
		return nil, errors.Annotatef(err, "data dial %s", addr)
	}
	if t.capture.Session() == nil {
		t.log.Infof("server offered no TLS session, data connection will not resume")
	}
	raw = &helpers.StatConn{Conn: raw, In: &t.stats.DataIn, Out: &t.stats.DataOut}
	raw = &deadlineConn{Conn: raw, timeout: t.timeout}
	return &dataConn{Conn: prepareDataConn(raw, t.data, t.capture), log: t.log, stats: t.stats}, nil
}

// deadlineConn extends deadline before every read and write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (dc *deadlineConn) Read(b []byte) (int, error) {
	_ = dc.Conn.SetReadDeadline(time.Now().Add(dc.timeout))
	return dc.Conn.Read(b)
}

func (dc *deadlineConn) Write(b []byte) (int, error) {
	_ = dc.Conn.SetWriteDeadline(time.Now().Add(dc.timeout))
	return dc.Conn.Write(b)
}

type dataConn struct {
	*tls.Conn
	log    *log2.Log
	stats  *Stats
	closed bool
}

func (dc *dataConn) Close() error {
	if !dc.closed {
		dc.closed = true
		if cs := dc.ConnectionState(); cs.HandshakeComplete {
			dc.log.Debugf("data connection resumed=%t", cs.DidResume)
			if cs.DidResume {
				dc.stats.Resumed.Add(1)
			}
		}
	}
	return dc.Conn.Close()
}
