package log2

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog2(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fun  func(t testing.TB, l *Log) string
	}{
		{"caller/debug", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Debugf("low level var=%d", 42)
			return formatCallerShort(1) + "debug: low level var=42\n"
		}},
		{"caller/info", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Infof("regular state=%s", "ok")
			return formatCallerShort(1) + "regular state=ok\n"
		}},
		{"caller/error", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Errorf("problem")
			return formatCallerShort(1) + "error: problem\n"
		}},
		{"level/filter", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.SetLevel(LInfo)
			l.Debugf("hidden")
			l.Infof("shown")
			return "shown\n"
		}},
		{"prefix", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			p := l.Prefixed("x1c: ")
			p.Infof("hello")
			return "x1c: hello\n"
		}},
		{"printer", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.SetLevel(LInfo)
			Printer{Log: l, Level: LInfo, Prefix: "mqtt: "}.Println("[client]", "connected")
			Printer{Log: l, Level: LDebug}.Printf("skipped %d", 1)
			return "mqtt: [client] connected\n"
		}},
		{"error-func/error", func(t testing.TB, l *Log) string {
			ech := make(chan error, 1)
			l.SetErrorFunc(func(e error) { ech <- e })
			l.SetFlags(0)
			exactError := fmt.Errorf("one particular issue")
			l.Error(exactError)
			close(ech)
			e := <-ech
			if l == nil {
				assert.Nil(t, e)
			} else {
				assert.Equal(t, exactError, e)
			}
			return "error: one particular issue\n"
		}},
		{"error-func/string", func(t testing.TB, l *Log) string {
			ech := make(chan error, 1)
			l.SetErrorFunc(func(e error) { ech <- e })
			l.SetFlags(0)
			l.Errorf("trouble var=%.1f", 3.4)
			close(ech)
			e := <-ech
			if l == nil {
				assert.Nil(t, e)
			} else {
				assert.Equal(t, "trouble var=3.4", e.Error())
			}
			return "error: trouble var=3.4\n"
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			c.fun(t, nil)
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, LAll)
			expect := c.fun(t, l)
			assert.Equal(t, expect, buf.String())
		})
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	l := NewWriter(io.Discard, LAll)
	assert.Nil(t, l)
	assert.False(t, l.Enabled(LError))
	l.Infof("nothing %d", 1)
	assert.Equal(t, LError, l.Level())
}

func callerShort(depth int) (file string, line int) {
	var ok bool
	_, file, line, ok = runtime.Caller(depth)
	if !ok {
		file = "???"
		line = 0
	}

	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	file = short

	return
}

func formatCallerShort(depth int) string {
	file, line := callerShort(depth + 1)
	return fmt.Sprintf("%s:%d: ", file, line-1)
}
