// Package log2 solves these issues:
// - log level filtering, e.g. show transport debug messages only when asked
// - safe concurrent change of log level
// - route third party loggers (MQTT transport) into the same output
//
// Primary goal was to run parallel tests and log into t.Logf() safely.
// All methods are safe to call on nil *Log, which discards everything.
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

type Log struct {
	l       *log.Logger
	level   int32
	w       io.Writer
	fatalf  FmtFunc
	errfunc atomic.Value // ErrorFunc
}

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: int32(level),
		w:     w,
	}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.FmtFunc("%s", strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

// Clone keeps output, flags and prefix but not ErrorFunc.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	return l
}

// Prefixed is Clone with additional prefix, e.g. per printer name.
func (self *Log) Prefixed(prefix string) *Log {
	if self == nil {
		return nil
	}
	l := self.Clone(self.Level())
	l.SetPrefix(self.l.Prefix() + prefix)
	return l
}

func (self *Log) Level() Level {
	if self == nil {
		return LError
	}
	return Level(atomic.LoadInt32(&self.level))
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32(&self.level, int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

// SetErrorFunc registers a hook called on every Error/Errorf.
func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfunc.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32(&self.level) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if len(args) == 1 {
		if e, ok := args[0].(error); ok {
			self.callErrorFunc(e)
			return
		}
	}
	self.callErrorFunc(fmt.Errorf("%s", fmt.Sprint(args...)))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
	self.callErrorFunc(fmt.Errorf(format, args...))
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Log(LError, "fatal: "+s)
	os.Exit(1)
}

func (self *Log) callErrorFunc(e error) {
	if self == nil {
		return
	}
	if f, ok := self.errfunc.Load().(ErrorFunc); ok && f != nil {
		f(e)
	}
}

// Printer adapts Log to the Println/Printf logger interface
// of third party libraries at fixed level.
type Printer struct {
	Log    *Log
	Level  Level
	Prefix string
}

func (p Printer) Println(v ...interface{}) {
	if p.Log.Enabled(p.Level) {
		_ = p.Log.l.Output(2, p.Prefix+strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
	}
}
func (p Printer) Printf(format string, v ...interface{}) {
	if p.Log.Enabled(p.Level) {
		_ = p.Log.l.Output(2, p.Prefix+fmt.Sprintf(format, v...))
	}
}
