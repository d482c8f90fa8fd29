package state

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/openhand/openhand/ftps"
	"github.com/openhand/openhand/journal"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/media"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/telemetry"
	"github.com/temoto/alive/v2"
)

const ContextKey = "run/state-global"

// Global is application state shared by sub-commands.
// Station clients are created on first use and stopped by Stop.
type Global struct {
	Alive   *alive.Alive
	Config  *Config
	Log     *log2.Log
	Journal *journal.Journal
	CA      *x509.CertPool

	// Overrides are applied by Station, tests point clients to fake printers.
	// Only TLS, Port and NewClient/Dial are used.
	TelemetryOverride telemetry.Options
	FilesOverride     ftps.Options

	mu       sync.Mutex
	stations map[string]*Station
}

// Station groups clients of one printer.
type Station struct {
	Printer   printer.Printer
	Telemetry *telemetry.Client
	Files     *ftps.Client
	Media     *media.SocketFactory
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%v'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%v'] expected type *Global actual=%#v", ContextKey, v))
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:    alive.NewAlive(),
		Log:      log,
		stations: make(map[string]*Station),
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	} else {
		g.Log.SetLevel(log2.LInfo)
	}

	pool, err := cfg.LoadCA()
	if err != nil {
		return errors.Annotate(err, "state init")
	}
	if pool == nil {
		g.Log.Infof("config tls.ca_file is empty, files and media will refuse printer certificates")
	}
	g.CA = pool
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// OpenJournal must be called before Station for telemetry to record frames.
func (g *Global) OpenJournal() (*journal.Journal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Journal != nil {
		return g.Journal, nil
	}
	path := g.Config.Journal.Path
	if path == "" {
		return nil, errors.NotValidf("config journal.path=empty")
	}
	j, err := journal.Open(path, g.Log)
	if err != nil {
		return nil, errors.Annotate(err, "state journal")
	}
	g.Journal = j
	return j, nil
}

// Station returns clients of configured printer, created but not started.
func (g *Global) Station(name string) (*Station, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.stations[name]; ok {
		return st, nil
	}
	p, err := g.Config.Printer(name)
	if err != nil {
		return nil, err
	}

	topt := g.Config.TelemetryOptions(g.Log)
	topt.TLS = g.TelemetryOverride.TLS
	topt.Port = g.TelemetryOverride.Port
	topt.NewClient = g.TelemetryOverride.NewClient
	if g.Journal != nil {
		topt.Journal = g.Journal
	}
	fopt := g.Config.FilesOptions(g.Log, g.CA)
	fopt.TLS = g.FilesOverride.TLS
	fopt.Port = g.FilesOverride.Port
	fopt.Dial = g.FilesOverride.Dial
	st := &Station{
		Printer:   p,
		Telemetry: telemetry.New(p, topt),
		Files:     ftps.New(p, fopt),
		Media:     media.NewSocketFactory(g.CA),
	}
	g.stations[name] = st
	return st, nil
}

// Stations returns all configured printers ordered by name.
func (g *Global) Stations() ([]*Station, error) {
	names := g.Config.PrinterNames()
	result := make([]*Station, 0, len(names))
	for _, name := range names {
		st, err := g.Station(name)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, nil
}

// Stop is safe to call many times.
func (g *Global) Stop() {
	g.Alive.Stop()
	g.mu.Lock()
	stations := make([]*Station, 0, len(g.stations))
	for _, st := range g.stations {
		stations = append(stations, st)
	}
	g.mu.Unlock()
	sort.Slice(stations, func(i, j int) bool { return stations[i].Printer.Name < stations[j].Printer.Name })
	for _, st := range stations {
		st.Telemetry.Stop()
		st.Files.Stop()
	}
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Stop()
	done := make(chan struct{})
	go func() {
		g.mu.Lock()
		stations := make([]*Station, 0, len(g.stations))
		for _, st := range g.stations {
			stations = append(stations, st)
		}
		g.mu.Unlock()
		for _, st := range stations {
			st.Telemetry.Wait()
			st.Files.Close()
		}
		g.mu.Lock()
		j := g.Journal
		g.mu.Unlock()
		if j != nil {
			if err := j.Close(); err != nil {
				g.Log.Errorf("journal close err=%v", err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		g.Log.Errorf("timeout waiting for printer clients to stop")
		return false
	}
}

// Error logs and keeps going, unless system is stopping.
func (g *Global) Error(err error, args ...interface{}) {
	if err == nil {
		return
	}
	if len(args) != 0 {
		msg := args[0].(string)
		args = args[1:]
		err = errors.Annotatef(err, msg, args...)
	}
	g.Log.Error(err)
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
		os.Exit(1)
	}
}
