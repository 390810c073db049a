package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCertFile = "tls_ca.crt"
	certFile   = "tls.crt"
	keyFile    = "tls.key"
)

var ErrNoCertificate = errors.New("https requested but no certificate configured")

// Options selects the certificate of a worker's HTTPS listener. Explicit CertFile and
// KeyFile win; otherwise Dir holds tls.crt and tls.key, generated on first use when
// AutoGenerate is set.
type Options struct {
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool
	MinVersion   string
	MaxVersion   string
	CommonName   string
	DNSNames     []string
	ValidDays    int
}

// ParseVersion accepts "1.2", "1.3" and their "tls1.x" spellings. Empty or "default"
// reports ok=false.
func ParseVersion(v string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	}
	return 0, false
}

func (o Options) versions() (uint16, uint16, error) {
	minV, maxV := uint16(tls.VersionTLS13), uint16(tls.VersionTLS13)
	if v, ok := ParseVersion(o.MinVersion); ok {
		minV = v
	} else if o.MinVersion != "" && o.MinVersion != "default" {
		return 0, 0, fmt.Errorf("unknown tls version %q", o.MinVersion)
	}
	if v, ok := ParseVersion(o.MaxVersion); ok {
		maxV = v
	} else if o.MaxVersion != "" && o.MaxVersion != "default" {
		return 0, 0, fmt.Errorf("unknown tls version %q", o.MaxVersion)
	}
	if maxV < minV {
		maxV = minV
	}
	return minV, maxV, nil
}

// Setup builds the server TLS configuration. Certificates are re-read on every
// handshake so a renewed pair is picked up without a restart.
func Setup(o Options) (*tls.Config, error) {
	minV, maxV, err := o.versions()
	if err != nil {
		return nil, err
	}
	cert, key := o.CertFile, o.KeyFile
	if cert == "" || key == "" {
		if o.Dir == "" {
			return nil, ErrNoCertificate
		}
		cert, key = filepath.Join(o.Dir, certFile), filepath.Join(o.Dir, keyFile)
		if o.AutoGenerate && !exists(cert, key) {
			if err := o.generate(); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("%w: %s, %s", ErrNoCertificate, cert, key)
	}
	// #nosec G402 -- the minimum version is operator configured
	return &tls.Config{
		GetCertificate: loader(cert, key),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

func loader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (o Options) generate() error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return err
	}
	cn := o.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := o.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	days := o.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "botfleet",
		DNSNames:     dns,
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(o.Dir, certFile),
		KeyPath:      filepath.Join(o.Dir, keyFile),
		CACertPath:   filepath.Join(o.Dir, caCertFile),
	})
}
