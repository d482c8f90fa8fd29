package helpers

import (
	"io"
	"net"
)

// Counter is satisfied by *expvar.Int and atomic counters.
type Counter interface{ Add(int64) }

type StatReader struct {
	R io.Reader
	V Counter
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, v Counter) io.Reader {
	return &StatReader{R: r, V: v}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.V.Add(int64(n))
	}
	return
}

type StatWriter struct {
	W io.Writer
	V Counter
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, v Counter) io.Writer {
	return &StatWriter{W: w, V: v}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	if n > 0 {
		sw.V.Add(int64(n))
	}
	return
}

// StatConn counts bytes read and written on the wrapped connection.
type StatConn struct {
	net.Conn
	In  Counter
	Out Counter
}

func (sc *StatConn) Read(p []byte) (int, error) {
	n, err := sc.Conn.Read(p)
	if n > 0 {
		sc.In.Add(int64(n))
	}
	return n, err
}

func (sc *StatConn) Write(p []byte) (int, error) {
	n, err := sc.Conn.Write(p)
	if n > 0 {
		sc.Out.Add(int64(n))
	}
	return n, err
}
