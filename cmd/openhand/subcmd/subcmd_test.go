package subcmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/openhand/openhand/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, []string) error { return nil }
	modules := []Mod{{Name: "status", Main: noop}, {Name: "ls", Usage: "list files", Main: noop}}

	m, err := Parse("ls", modules)
	require.NoError(t, err)
	assert.Equal(t, "ls", m.Name)

	_, err = Parse("", modules)
	assert.EqualError(t, err, "empty command")
	_, err = Parse("rm", modules)
	assert.EqualError(t, err, "unknown command='rm'")
	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })

	buf := bytes.NewBuffer(nil)
	WriteUsage(buf, modules)
	assert.Equal(t, "  ls       list files\n  status   \n", buf.String())
}

func TestStation(t *testing.T) {
	t.Parallel()

	const one = `printer "x1" { address = "10.0.0.5" secret = "12345678" }`
	const two = one + "\n" + `printer "a1" { address = "10.0.0.6" secret = "12345678" }`

	type Case struct {
		name      string
		config    string
		args      string
		expect    string
		expectRes string
		expectErr func(error) bool
	}
	cases := []Case{
		{"one/implicit", one, "", "x1", "", nil},
		{"one/implicit-rest", one, "/cache", "x1", "/cache", nil},
		{"one/explicit", one, "x1 /cache", "x1", "/cache", nil},
		{"one/flag", one, "-json", "x1", "-json", nil},
		{"two/explicit", two, "a1", "a1", "", nil},
		{"two/missing", two, "", "", "", errors.IsNotValid},
		{"two/unknown", two, "p1s", "", "", errors.IsNotFound},
		{"none", "", "", "", "", errors.IsNotFound},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, _ := state.NewTestContext(t, c.config)
			st, rest, err := Station(ctx, strings.Fields(c.args))
			if c.expectErr != nil {
				require.Error(t, err)
				assert.True(t, c.expectErr(err), errors.ErrorStack(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, st.Printer.Name)
			assert.Equal(t, c.expectRes, strings.Join(rest, " "))
		})
	}
}

func TestStations(t *testing.T) {
	t.Parallel()

	ctx, _ := state.NewTestContext(t, `
printer "x1" { address = "10.0.0.5" secret = "12345678" }
printer "a1" { address = "10.0.0.6" secret = "12345678" }`)
	all, err := Stations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a1", all[0].Printer.Name)

	some, err := Stations(ctx, []string{"x1"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Same(t, all[1], some[0])

	_, err = Stations(ctx, []string{"x1", "p1s"})
	assert.True(t, errors.IsNotFound(err))
}
