package state

import (
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/openhand/openhand/internal/testcert"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrinterX1 = `printer "x1" { address = "192.168.1.100" secret = "12345678" }`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	ca := testcert.NewCA(t, "config-test-ca")

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, context.Context)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, ctx context.Context) {
			g := GetGlobal(ctx)
			assert.Empty(t, g.Config.Printers)
			assert.Nil(t, g.CA)
			assert.Equal(t, DefaultServeListen, g.Config.ServeListen())
			opt := g.Config.TelemetryOptions(nil)
			assert.Equal(t, telemetry.DefaultConnectTimeout, opt.ConnectTimeout)
			assert.Equal(t, telemetry.DefaultKeepAlive, opt.KeepAlive)
		}, ""},

		{"printer", testPrinterX1, func(t testing.TB, ctx context.Context) {
			g := GetGlobal(ctx)
			p, err := g.Config.Printer("x1")
			require.NoError(t, err)
			assert.Equal(t, printer.Printer{Name: "x1", Address: "192.168.1.100", Secret: "12345678"}, p)
			_, err = g.Config.Printer("p1s")
			assert.True(t, errors.IsNotFound(err))
		}, ""},

		{"sections", `
log_debug = true
telemetry { connect_timeout_sec = 2 keepalive_sec = 9 retry_sec = 1 max_reconnect_sec = 4 }
files { network_timeout_sec = 3 legacy_charset = "windows-1252" }
serve { listen = ":9000" }
journal { path = "/var/lib/openhand" }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.True(t, g.Config.LogDebug)
				topt := g.Config.TelemetryOptions(nil)
				assert.Equal(t, "2s 9s 1s 4s", strings.Join([]string{
					topt.ConnectTimeout.String(), topt.KeepAlive.String(),
					topt.RetryInterval.String(), topt.MaxReconnectInterval.String()}, " "))
				fopt := g.Config.FilesOptions(nil, nil)
				assert.Equal(t, "3s", fopt.NetworkTimeout.String())
				assert.Equal(t, "windows-1252", fopt.LegacyCharset)
				assert.Equal(t, ":9000", g.Config.ServeListen())
				assert.Equal(t, "/var/lib/openhand", g.Config.Journal.Path)
			}, ""},

		{"ca-file", `tls { ca_file = "vendor.pem" }`, func(t testing.TB, ctx context.Context) {
			g := GetGlobal(ctx)
			require.NotNil(t, g.CA)
			assert.Len(t, g.CA.Subjects(), 1) //nolint:staticcheck
		}, ""},

		{"include-normalize", testPrinterX1 + `
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "printer-p1s" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, []string{"p1s"}, g.Config.PrinterNames())
			}, ""},

		{"include-accumulates", testPrinterX1 + `
include "printer-p1s" {}`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, []string{"p1s", "x1"}, g.Config.PrinterNames())
			}, ""},

		{"include-overwrites", `
files { network_timeout_sec = 1 }
include "files-timeout-7" {}`,
			func(t testing.TB, ctx context.Context) {
				g := GetGlobal(ctx)
				assert.Equal(t, 7, g.Config.Files.NetworkTimeoutSec)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-printer-duplicate", testPrinterX1 + "\n" + testPrinterX1, nil, "printer=x1 duplicate"},
		{"error-printer-address", `printer "x1" { address = "printer.lan" secret = "12345678" }`, nil, `address="printer.lan"`},
		{"error-printer-secret", `printer "x1" { address = "10.0.0.2" secret = "123" }`, nil, "printer=x1 secret"},
		{"error-ca-missing", `tls { ca_file = "absent.pem" }`, nil, "config tls.ca_file"},
		{"error-ca-garbage", `tls { ca_file = "empty" }`, nil, "config tls.ca_file=empty"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			ctx, g := NewContext(log)

			fs := NewMockFullReader(map[string]string{
				"test-inline":     c.input,
				"empty":           "",
				"printer-p1s":     `printer "p1s" { address = "192.168.1.101" secret = "abcdEF12" }`,
				"files-timeout-7": "files{network_timeout_sec=7}",
				"include-loop":    `include "include-loop" {}`,
				"vendor.pem":      string(ca.PEM),
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if err == nil {
				err = g.Init(ctx, cfg)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, ctx)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	fs := NewOsFullReader()
	require.NoError(t, fs.SetBase("/etc/openhand"))
	assert.Equal(t, "/etc/openhand/printers.hcl", fs.Normalize("./printers.hcl"))
	assert.Equal(t, "/opt/x.hcl", fs.Normalize("/opt/../opt/x.hcl"))

	b, err := fs.ReadAll("/nonexistent/openhand/absent.hcl")
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../openhand.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), "../../openhand.hcl")
	assert.Equal(t, []string{"x1c"}, c.PrinterNames())
}
