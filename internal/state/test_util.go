package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/openhand/openhand/log2"
)

func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	return NewTestContextFiles(t, confString, nil)
}

// NewTestContextFiles serves extra named sources next to inline config,
// e.g. CA file or includes.
func NewTestContextFiles(t testing.TB, confString string, files map[string]string) (context.Context, *Global) {
	sources := map[string]string{"test-inline": confString}
	for k, v := range files {
		sources[k] = v
	}
	fs := NewMockFullReader(sources)

	var log *log2.Log
	if os.Getenv("openhand_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	g.Log.SetLevel(log2.LDebug)
	t.Cleanup(func() { g.StopWait(5 * time.Second) })
	return ctx, g
}
