// Package trust builds TLS client configs for printer connections.
//
// Printers present a certificate signed by the vendor CA with the serial
// number as subject while being addressed by LAN IP, so hostname
// verification never succeeds. Two policies:
// - InsecureConfig accepts anything (telemetry)
// - PinnedConfig verifies the chain against a given pool only (files, media)
package trust

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/juju/errors"
)

// InsecureConfig accepts any server certificate.
func InsecureConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}

// PinnedConfig verifies the presented chain against pool, ignoring names.
// VerifyConnection runs on full and resumed handshakes alike.
func PinnedConfig(pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // replaced by VerifyConnection
		MinVersion:         tls.VersionTLS12,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return VerifyChain(pool, cs.PeerCertificates)
		},
	}
}

// VerifyChain checks that leaf (first) certificate chains up to pool.
func VerifyChain(pool *x509.CertPool, certs []*x509.Certificate) error {
	if pool == nil {
		return errors.NotValidf("trust pool=nil")
	}
	if len(certs) == 0 {
		return errors.NotFoundf("peer certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         pool,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return errors.Annotatef(err, "verify subject=%s", certs[0].Subject)
	}
	return nil
}

func ParseCA(pem []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NotValidf("CA PEM contains no certificates")
	}
	return pool, nil
}

func LoadCA(path string) (*x509.CertPool, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "trust CA path=%s", path)
	}
	pool, err := ParseCA(b)
	return pool, errors.Annotatef(err, "trust CA path=%s", path)
}
