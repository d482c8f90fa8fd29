// Package ftpstest provides implicit FTPS server for tests,
// requiring TLS session reuse on data connections the way printer firmware does.
package ftpstest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openhand/openhand/internal/testcert"
	"github.com/temoto/alive/v2"
)

// Server knows one user "bblp" and serves the same listing for every directory.
type Server struct {
	CA     *testcert.CA
	Secret string
	// NoUTF8 omits UTF8 from FEAT and refuses OPTS UTF8 ON
	NoUTF8 bool
	// NoReuse accepts data connections without resumption
	NoReuse bool
	// Commands receives every command line, buffered, excess is dropped
	Commands chan string

	t       testing.TB
	config  *tls.Config
	ln      net.Listener
	alive   *alive.Alive
	resumed int32
	refused int32

	mu      sync.Mutex
	cwd     string
	listing string
}

func NewServer(t testing.TB, secret, listing string) *Server {
	ca := testcert.NewCA(t, "printer CA")
	fs := &Server{
		CA:       ca,
		Secret:   secret,
		Commands: make(chan string, 256),
		t:        t,
		config:   ca.ServerConfig(t, "01S00C000000001"),
		alive:    alive.NewAlive(),
		listing:  listing,
		cwd:      "/",
	}
	return fs
}

// Config is server TLS config, session tickets may be disabled before Start.
func (fs *Server) Config() *tls.Config { return fs.config }

func (fs *Server) SetListing(listing string) {
	fs.mu.Lock()
	fs.listing = listing
	fs.mu.Unlock()
}

func (fs *Server) Cwd() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cwd
}

// Resumed counts data connections that resumed control session.
func (fs *Server) Resumed() int { return int(atomic.LoadInt32(&fs.resumed)) }

// Refused counts data connections rejected for missing resumption.
func (fs *Server) Refused() int { return int(atomic.LoadInt32(&fs.refused)) }

func (fs *Server) Start() {
	fs.ln = testcert.Listen(fs.t, fs.config)
	fs.alive.Add(1)
	go fs.acceptLoop()
}

func (fs *Server) Port() int { return testcert.Port(fs.ln) }

func (fs *Server) Close() {
	fs.alive.Stop()
	_ = fs.ln.Close()
	fs.alive.Wait()
}

func (fs *Server) acceptLoop() {
	defer fs.alive.Done()
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		if !fs.alive.Add(1) {
			conn.Close()
			return
		}
		go fs.serve(conn)
	}
}

func (fs *Server) serve(conn net.Conn) {
	defer fs.alive.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(format string, args ...interface{}) {
		_, _ = fmt.Fprintf(conn, format+"\r\n", args...)
	}
	reply("220 Welcome to printer FTP")
	var data net.Listener
	defer func() {
		if data != nil {
			data.Close()
		}
	}()
	var user string
	authed := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		select {
		case fs.Commands <- line:
		default:
		}
		verb, arg := line, ""
		if i := strings.IndexByte(line, ' '); i > 0 {
			verb, arg = line[:i], line[i+1:]
		}
		if !authed && verb != "USER" && verb != "PASS" && verb != "QUIT" {
			reply("530 Please login with USER and PASS.")
			continue
		}
		switch verb {
		case "USER":
			user = arg
			reply("331 Please specify the password.")
		case "PASS":
			if user == "bblp" && arg == fs.Secret {
				authed = true
				reply("230 Login successful.")
			} else {
				reply("530 Login incorrect.")
			}
		case "FEAT":
			reply("211-Features:")
			if !fs.NoUTF8 {
				reply(" UTF8")
			}
			reply(" PASV")
			reply("211 End")
		case "TYPE":
			reply("200 Switching to Binary mode.")
		case "OPTS":
			if fs.NoUTF8 {
				reply("501 Option not understood.")
			} else {
				reply("200 Always in UTF8 mode.")
			}
		case "PBSZ":
			reply("200 PBSZ set to 0.")
		case "PROT":
			reply("200 PROT now Private.")
		case "PWD":
			fs.mu.Lock()
			reply(`257 "%s" is the current directory`, strings.ReplaceAll(fs.cwd, `"`, `""`))
			fs.mu.Unlock()
		case "CWD":
			if arg == "missing" {
				reply("550 Failed to change directory.")
				break
			}
			fs.mu.Lock()
			fs.cwd = arg
			fs.mu.Unlock()
			reply("250 Directory successfully changed.")
		case "PASV":
			if data != nil {
				data.Close()
			}
			// plain TCP, TLS handshake happens after 150
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Can't open data connection.")
				break
			}
			port := data.Addr().(*net.TCPAddr).Port
			// reported IP is deliberately unreachable, client must use control host
			reply("227 Entering Passive Mode (10,255,255,1,%d,%d).", port>>8, port&0xff)
		case "LIST":
			if data == nil {
				reply("425 Use PORT or PASV first.")
				break
			}
			fs.list(data, reply)
			data.Close()
			data = nil
		case "QUIT":
			reply("221 Goodbye.")
			return
		default:
			reply("502 Command not implemented.")
		}
	}
}

func (fs *Server) list(ln net.Listener, reply func(string, ...interface{})) {
	reply("150 Here comes the directory listing.")
	raw, err := ln.Accept()
	if err != nil {
		reply("425 Failed to establish connection.")
		return
	}
	dc := tls.Server(raw, fs.config)
	defer dc.Close()
	_ = dc.SetDeadline(time.Now().Add(10 * time.Second))
	if err = dc.Handshake(); err != nil {
		reply("425 TLS handshake failed.")
		return
	}
	if dc.ConnectionState().DidResume {
		atomic.AddInt32(&fs.resumed, 1)
	} else if !fs.NoReuse {
		atomic.AddInt32(&fs.refused, 1)
		dc.Close()
		reply("522 SSL connection failed: session reuse required")
		return
	}
	fs.mu.Lock()
	listing := fs.listing
	fs.mu.Unlock()
	_, _ = dc.Write([]byte(listing))
	dc.Close()
	reply("226 Directory send OK.")
}
