// Package ftps is implicit FTPS client for printer storage,
// a thin wrapper around ftp.ServerConn.
//
// Printer FTP server refuses data connections that do not resume
// the TLS session of control connection. Client dials sockets for
// ServerConn itself, captures control session and injects it into
// every data connection handshake.
//
// Client contract:
// - every network operation runs on client's single I/O goroutine, in order
// - caller waits for result or its ctx, abandoned operation completes in background
// - ListCurrentDirectory before Start or after Stop returns empty list, no error
// - Stop returns immediately, QUIT and close run in background
package ftps

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/juju/errors"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/trust"
	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data" // legacy charset tables
)

const (
	DefaultNetworkTimeout = 10 * time.Second
	DefaultLegacyCharset  = "iso-8859-1"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Log *log2.Log
	// RootCAs is printer vendor CA, used when TLS is nil.
	RootCAs *x509.CertPool
	// TLS overrides trust policy for control and data connections.
	TLS            *tls.Config
	Port           int
	NetworkTimeout time.Duration
	// LegacyCharset decodes names that are not valid UTF8.
	LegacyCharset string
	Dial          DialFunc
}

// Stats are counters of data connections.
type Stats struct {
	DataIn  expvar.Int
	DataOut expvar.Int
	Lists   expvar.Int
	Resumed expvar.Int
}

type Client struct {
	printer printer.Printer
	opt     Options
	log     *log2.Log
	exec    *helpers.Executor
	stats   Stats

	mu   sync.Mutex
	conn *conn
	// gen increments on Stop, Start in flight from older generation discards its connection
	gen       uint64
	teardowns sync.WaitGroup
}

func New(p printer.Printer, opt Options) *Client {
	if opt.Port == 0 {
		opt.Port = printer.PortFiles
	}
	opt.NetworkTimeout = helpers.DurationDefault(opt.NetworkTimeout, DefaultNetworkTimeout)
	if opt.LegacyCharset == "" {
		opt.LegacyCharset = DefaultLegacyCharset
	}
	if opt.TLS == nil {
		opt.TLS = trust.PinnedConfig(opt.RootCAs)
	}
	if opt.Dial == nil {
		d := &net.Dialer{Timeout: opt.NetworkTimeout}
		opt.Dial = d.DialContext
	}
	return &Client{
		printer: p,
		opt:     opt,
		log:     opt.Log.Prefixed("ftps " + p.Name + ": "),
		exec:    helpers.NewExecutor(),
	}
}

func (c *Client) Printer() printer.Printer { return c.printer }
func (c *Client) Stats() *Stats            { return &c.stats }

func (c *Client) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Start connects and logs in. No-op if already started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.exec.Do(ctx, func() error {
		c.mu.Lock()
		started := c.conn != nil
		c.mu.Unlock()
		if started {
			return nil
		}
		cn, err := c.open()
		if err != nil {
			c.log.Errorf("start: %v", err)
			return err
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			c.log.Debugf("stopped while starting")
			c.teardown(cn)
			return nil
		}
		c.conn = cn
		c.mu.Unlock()
		c.log.Debugf("started")
		return nil
	})
}

// Stop detaches connection and returns immediately.
func (c *Client) Stop() {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()
	if cn != nil {
		c.teardown(cn)
	}
}

// Close stops client and waits for background work.
func (c *Client) Close() {
	c.Stop()
	c.exec.Stop()
	c.exec.Wait()
	c.teardowns.Wait()
}

func (c *Client) teardown(cn *conn) {
	c.teardowns.Add(1)
	go func() {
		defer c.teardowns.Done()
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if err := cn.quit(); err != nil {
			c.log.Errorf("teardown: %v", err)
		}
	}()
}

// ListCurrentDirectory lists working directory of control connection.
func (c *Client) ListCurrentDirectory(ctx context.Context) ([]DirectoryEntry, error) {
	var entries []DirectoryEntry
	err := c.exec.Do(ctx, func() error {
		return c.withConn(func(cn *conn) error {
			var err error
			entries, err = cn.list()
			c.stats.Lists.Add(1)
			return err
		})
	})
	if err != nil {
		return nil, errors.Annotatef(err, "list %s", c.printer.Name)
	}
	if entries == nil {
		entries = []DirectoryEntry{}
	}
	return entries, nil
}

func (c *Client) Pwd(ctx context.Context) (string, error) {
	var dir string
	err := c.exec.Do(ctx, func() error {
		return c.withConn(func(cn *conn) error {
			var err error
			dir, err = cn.pwd()
			return err
		})
	})
	if err == nil && dir == "" {
		err = ErrNotStarted
	}
	return dir, err
}

func (c *Client) Cwd(ctx context.Context, dir string) error {
	started := false
	err := c.exec.Do(ctx, func() error {
		return c.withConn(func(cn *conn) error {
			started = true
			return cn.cwd(dir)
		})
	})
	if err == nil && !started {
		err = ErrNotStarted
	}
	return err
}

// ListDirectory changes to dir unless empty, lists it and returns
// its absolute path, as one operation: concurrent callers never see
// each other's working directory.
func (c *Client) ListDirectory(ctx context.Context, dir string) (string, []DirectoryEntry, error) {
	var cwd string
	var entries []DirectoryEntry
	started := false
	err := c.exec.Do(ctx, func() error {
		return c.withConn(func(cn *conn) error {
			started = true
			if dir != "" {
				if err := cn.cwd(dir); err != nil {
					return err
				}
			}
			var err error
			if entries, err = cn.list(); err != nil {
				return err
			}
			c.stats.Lists.Add(1)
			cwd, err = cn.pwd()
			return err
		})
	})
	if err == nil && !started {
		err = ErrNotStarted
	}
	if err != nil {
		return "", nil, errors.Annotatef(err, "list %s dir=%s", c.printer.Name, dir)
	}
	return cwd, entries, nil
}

// withConn runs f under connection lock. Not started is no-op.
func (c *Client) withConn(f func(*conn) error) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return nil
	}
	return f(cn)
}

func (c *Client) open() (*conn, error) {
	if _, err := charset.TranslatorFrom(c.opt.LegacyCharset); err != nil {
		return nil, errors.Annotatef(err, "legacy charset=%s", c.opt.LegacyCharset)
	}
	addr := c.printer.HostPort(c.opt.Port)
	tr := newTransport(c)
	sc, err := ftp.Dial(addr, tr.dialOptions()...)
	if err != nil {
		return nil, errors.Annotatef(replyError(err), "connect %s", addr)
	}
	if err = sc.Login(printer.Username, c.printer.Secret); err != nil {
		_ = sc.Quit()
		return nil, errors.Annotatef(replyError(err), "login %s", addr)
	}
	return &conn{sc: sc, legacy: c.opt.LegacyCharset}, nil
}
