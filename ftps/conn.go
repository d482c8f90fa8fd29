package ftps

import (
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/juju/errors"
)

// conn is one logged in control connection.
// mu is held for whole operation including data transfer,
// so teardown never interleaves with listing in flight.
type conn struct {
	mu     sync.Mutex
	sc     *ftp.ServerConn
	legacy string
	closed bool
}

func (c *conn) pwd() (string, error) {
	dir, err := c.sc.CurrentDir()
	return dir, errors.Annotate(replyError(err), "PWD")
}

func (c *conn) cwd(dir string) error {
	if strings.ContainsAny(dir, "\r\n") {
		return errors.NotValidf("directory=%q", dir)
	}
	return errors.Annotatef(replyError(c.sc.ChangeDir(dir)), "CWD %s", dir)
}

// list fetches current directory listing.
// Data connection is always passive, printer never dials back to client.
func (c *conn) list() ([]DirectoryEntry, error) {
	list, err := c.sc.List("")
	if err != nil {
		return nil, errors.Annotate(replyError(err), "LIST")
	}
	return entries(list, c.legacy), nil
}

func (c *conn) quit() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Annotate(c.sc.Quit(), "QUIT")
}

// dialOptions wire session reusing transport into ftp.ServerConn.
// TLS config only marks connection as implicit TLS for PBSZ/PROT,
// sockets come from transport.
func (t *transport) dialOptions() []ftp.DialOption {
	return []ftp.DialOption{
		ftp.DialWithTLS(t.control),
		ftp.DialWithDialFunc(t.Dial),
		ftp.DialWithTimeout(t.timeout),
		ftp.DialWithDisabledEPSV(true),
		ftp.DialWithDisabledMLSD(true),
		ftp.DialWithLocation(time.UTC),
	}
}
