package state

import (
	"crypto/x509"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/openhand/openhand/ftps"
	"github.com/openhand/openhand/helpers"
	"github.com/openhand/openhand/log2"
	"github.com/openhand/openhand/printer"
	"github.com/openhand/openhand/telemetry"
	"github.com/openhand/openhand/trust"
)

const DefaultServeListen = "127.0.0.1:8080"

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	fs          FullReader
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	TLS struct {
		// CAFile is printer vendor CA, required for files and media
		CAFile string `hcl:"ca_file"`
	} `hcl:"tls"`

	Telemetry struct {
		ConnectTimeoutSec int  `hcl:"connect_timeout_sec"`
		KeepaliveSec      int  `hcl:"keepalive_sec"`
		RetrySec          int  `hcl:"retry_sec"`
		MaxReconnectSec   int  `hcl:"max_reconnect_sec"`
		TransportLogDebug bool `hcl:"transport_log_debug"`
	} `hcl:"telemetry"`

	Files struct {
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		LegacyCharset     string `hcl:"legacy_charset"`
	} `hcl:"files"`

	Journal struct {
		Path string `hcl:"path"`
	} `hcl:"journal"`

	Serve struct {
		Listen string `hcl:"listen"`
	} `hcl:"serve"`

	Printers []printer.Printer `hcl:"printer"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content is not logged, it contains printer secrets
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Validate checks printer identities and name uniqueness.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	seen := make(map[string]struct{}, len(c.Printers))
	for _, p := range c.Printers {
		if p.Name == "" {
			errs = append(errs, errors.NotValidf("config printer name=empty"))
			continue
		}
		if _, ok := seen[p.Name]; ok {
			errs = append(errs, errors.NotValidf("config printer=%s duplicate", p.Name))
			continue
		}
		seen[p.Name] = struct{}{}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// Printer finds configured printer by name.
func (c *Config) Printer(name string) (printer.Printer, error) {
	for _, p := range c.Printers {
		if p.Name == name {
			return p, nil
		}
	}
	return printer.Printer{}, errors.NotFoundf("printer=%s", name)
}

func (c *Config) PrinterNames() []string {
	names := make([]string, len(c.Printers))
	for i, p := range c.Printers {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

// LoadCA reads tls.ca_file through the same reader as config.
// Returns nil pool without error when not configured.
func (c *Config) LoadCA() (*x509.CertPool, error) {
	if c.TLS.CAFile == "" {
		return nil, nil
	}
	fs := c.fs
	if fs == nil {
		fs = NewOsFullReader()
	}
	norm := fs.Normalize(c.TLS.CAFile)
	b, err := fs.ReadAll(norm)
	if err == nil && b == nil {
		err = errors.NotFoundf("path=%s", norm)
	}
	if err != nil {
		return nil, errors.Annotate(err, "config tls.ca_file")
	}
	pool, err := trust.ParseCA(b)
	return pool, errors.Annotatef(err, "config tls.ca_file=%s", norm)
}

func (c *Config) TelemetryOptions(log *log2.Log) telemetry.Options {
	return telemetry.Options{
		Log:                  log,
		ConnectTimeout:       helpers.IntSecondDefault(c.Telemetry.ConnectTimeoutSec, telemetry.DefaultConnectTimeout),
		KeepAlive:            helpers.IntSecondDefault(c.Telemetry.KeepaliveSec, telemetry.DefaultKeepAlive),
		RetryInterval:        helpers.IntSecondDefault(c.Telemetry.RetrySec, telemetry.DefaultRetryInterval),
		MaxReconnectInterval: helpers.IntSecondDefault(c.Telemetry.MaxReconnectSec, telemetry.DefaultMaxReconnectInterval),
	}
}

func (c *Config) FilesOptions(log *log2.Log, pool *x509.CertPool) ftps.Options {
	return ftps.Options{
		Log:            log,
		RootCAs:        pool,
		NetworkTimeout: helpers.IntSecondDefault(c.Files.NetworkTimeoutSec, ftps.DefaultNetworkTimeout),
		LegacyCharset:  c.Files.LegacyCharset,
	}
}

func (c *Config) ServeListen() string {
	if c.Serve.Listen == "" {
		return DefaultServeListen
	}
	return c.Serve.Listen
}

// NetworkTimeout is an upper bound for single CLI operation.
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Files.NetworkTimeoutSec, ftps.DefaultNetworkTimeout)
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
		fs:          fs,
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
