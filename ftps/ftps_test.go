package ftps

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/openhand/openhand/ftps/ftpstest"
	"github.com/openhand/openhand/internal/testcert"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testListing = "total 3\r\n" +
	"-rw-r--r--    1 root     root      1048576 Mar 01 12:00 benchy.3mf\r\n" +
	"drwxr-xr-x    2 root     root         4096 Jan 15  2023 cache\r\n" +
	"lrwxrwxrwx    1 root     root           10 Mar 01 12:00 last -> benchy.3mf\r\n"

func testClient(t testing.TB, fs *ftpstest.Server, opt Options) *Client {
	if opt.TLS == nil {
		opt.RootCAs = fs.CA.Pool()
	}
	opt.Log = log2.NewTest(t, log2.LDebug)
	opt.Port = fs.Port()
	opt.NetworkTimeout = 5 * time.Second
	p := printer.Printer{Name: "fake", Address: "127.0.0.1", Secret: fs.Secret}
	return New(p, opt)
}

func countCommands(fs *ftpstest.Server, verb string) int {
	n := 0
	for {
		select {
		case line := <-fs.Commands:
			if strings.HasPrefix(line, verb) {
				n++
			}
		default:
			return n
		}
	}
}

func TestNotStarted(t *testing.T) {
	t.Parallel()
	p := printer.Printer{Name: "nowhere", Address: "127.0.0.1", Secret: "12345678"}
	c := New(p, Options{Log: log2.NewTest(t, log2.LDebug)})
	defer c.Close()
	ctx := context.Background()

	entries, err := c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Len(t, entries, 0)

	_, err = c.Pwd(ctx)
	assert.Equal(t, ErrNotStarted, err)
	assert.Equal(t, ErrNotStarted, c.Cwd(ctx, "/"))
	_, _, err = c.ListDirectory(ctx, "cache")
	assert.Equal(t, ErrNotStarted, errors.Cause(err))
	c.Stop()
	assert.False(t, c.IsStarted())
}

func TestSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsStarted())

	entries, err := c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "benchy.3mf", entries[0].Name)
	assert.Equal(t, int64(1048576), entries[0].Size)
	assert.Equal(t, "cache", entries[1].Name)
	assert.True(t, entries[1].IsDir)
	assert.Equal(t, "last", entries[2].Name)
	assert.Equal(t, "benchy.3mf", entries[2].Link)
	assert.Equal(t, 1, fs.Resumed())
	assert.Equal(t, 0, fs.Refused())
	assert.Equal(t, int64(1), c.Stats().Resumed.Value())
	assert.Greater(t, c.Stats().DataIn.Value(), int64(len(testListing)), "raw bytes include TLS records")

	// second listing resumes the same control session again
	_, err = c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.Resumed())

	dir, err := c.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", dir)
	require.NoError(t, c.Cwd(ctx, "cache"))
	dir, err = c.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cache", dir)
	err = c.Cwd(ctx, "missing")
	assert.True(t, IsReply(err, 550), "err=%v", err)

	c.Stop()
	c.Close()
	assert.Equal(t, 1, countCommands(fs, "USER"), "Start must be idempotent")

	entries, err = c.ListCurrentDirectory(ctx)
	assert.Error(t, err, "closed executor")
	assert.Nil(t, entries)
}

func TestStopThenList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()

	require.NoError(t, c.Start(ctx))
	c.Stop()
	entries, err := c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 0)

	// restart gets fresh control session
	require.NoError(t, c.Start(ctx))
	entries, err = c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestStartFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		setup func(t testing.TB, fs *ftpstest.Server, opt *Options) string
		check func(t testing.TB, err error)
	}{
		{"login", func(t testing.TB, fs *ftpstest.Server, opt *Options) string {
			return "87654321"
		}, func(t testing.TB, err error) {
			assert.True(t, IsReply(err, 530), "err=%v", err)
		}},
		{"untrusted-ca", func(t testing.TB, fs *ftpstest.Server, opt *Options) string {
			opt.TLS = trust.PinnedConfig(testcert.NewCA(t, "other").Pool())
			return fs.Secret
		}, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), "tls handshake")
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			fs := ftpstest.NewServer(t, "12345678", testListing)
			fs.Start()
			defer fs.Close()
			opt := Options{}
			secret := c.setup(t, fs, &opt)
			if opt.TLS == nil {
				opt.RootCAs = fs.CA.Pool()
			}
			opt.Log = log2.NewTest(t, log2.LDebug)
			opt.Port = fs.Port()
			client := New(printer.Printer{Name: "fake", Address: "127.0.0.1", Secret: secret}, opt)
			defer client.Close()
			err := client.Start(context.Background())
			require.Error(t, err)
			c.check(t, err)
			assert.False(t, client.IsStarted())
		})
	}
}

func TestNoSessionReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	tlsConfig := trust.PinnedConfig(fs.CA.Pool())
	tlsConfig.SessionTicketsDisabled = true
	c := testClient(t, fs, Options{TLS: tlsConfig})
	defer c.Close()

	require.NoError(t, c.Start(ctx))
	_, err := c.ListCurrentDirectory(ctx)
	require.Error(t, err)
	assert.True(t, IsReply(err, 522), "err=%v", err)
	assert.Equal(t, 1, fs.Refused())

	// failed listing leaves control connection usable
	dir, err := c.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", dir)
}

func TestLegacyCharset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678",
		"-rw-r--r--    1 root     root          42 Mar 01 12:00 caf\xe9.gcode\r\n")
	fs.NoUTF8 = true
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()

	require.NoError(t, c.Start(ctx))
	entries, err := c.ListCurrentDirectory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "café.gcode", entries[0].Name)
	assert.Equal(t, 0, countCommands(fs, "OPTS"))
}

func TestAbandonedContext(t *testing.T) {
	t.Parallel()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	// either abandoned or completed, never blocks and never corrupts control session
	_, _ = c.ListCurrentDirectory(ctx)
	entries, err := c.ListCurrentDirectory(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	cases := []struct {
		dir    string
		expect string
		code   int
	}{
		{"", "/", 0},
		{"cache", "cache", 0},
		{"missing", "", 550},
		{"", "cache", 0},
		{"bad\r\nDELE x", "", 0},
	}
	for _, tc := range cases {
		cwd, entries, err := c.ListDirectory(ctx, tc.dir)
		if tc.expect == "" {
			require.Error(t, err, "dir=%q", tc.dir)
			if tc.code != 0 {
				assert.True(t, IsReply(err, tc.code), "err=%v", err)
			} else {
				assert.True(t, errors.IsNotValid(errors.Cause(err)), "err=%v", err)
			}
			continue
		}
		require.NoError(t, err, "dir=%q", tc.dir)
		assert.Equal(t, tc.expect, cwd)
		assert.Len(t, entries, 3)
	}
}

// Listings of different directories racing on one client
// each report the directory they asked for.
func TestListDirectoryConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := ftpstest.NewServer(t, "12345678", testListing)
	fs.Start()
	defer fs.Close()
	c := testClient(t, fs, Options{})
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	dirs := []string{"/a", "/b", "/c", "/d"}
	errs := make(chan error, len(dirs)*4)
	for i := 0; i < len(dirs)*4; i++ {
		dir := dirs[i%len(dirs)]
		go func() {
			cwd, _, err := c.ListDirectory(ctx, dir)
			if err == nil && cwd != dir {
				err = errors.Errorf("asked=%s listed=%s", dir, cwd)
			}
			errs <- err
		}()
	}
	for i := 0; i < len(dirs)*4; i++ {
		assert.NoError(t, <-errs)
	}
}
