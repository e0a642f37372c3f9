package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TLSOptions is the certificate-trust policy for relay connections.
type TLSOptions struct {
	// AcceptUnknownCertificate trusts any certificate the relay presents.
	// Enabled by default so self-signed relay installations work out of
	// the box.
	AcceptUnknownCertificate bool
	// Ciphers is a comma- or colon-separated list of IANA cipher suite
	// names. Empty keeps the Go defaults.
	Ciphers string
	// CALocation is a PEM file or a directory of PEM files with the trust
	// roots. Empty uses the system roots.
	CALocation string
	// ExtendedVerification additionally enforces that the certificate
	// matches the relay host name.
	ExtendedVerification bool
}

// ProxyOptions routes relay connections through an HTTP proxy.
type ProxyOptions struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Options collects everything Configure needs. Nil members mean "feature
// not requested".
type Options struct {
	TLS   *TLSOptions
	Proxy *ProxyOptions
}

// Settings is the resolved transport policy. It is built once during
// startup and handed by reference to the code opening relay connections;
// nothing process-global is touched.
type Settings struct {
	tlsConfig *tls.Config
	proxyURL  *url.URL
}

// Configure resolves Options into Settings.
func Configure(opts Options) (*Settings, error) {
	s := &Settings{}

	if opts.TLS != nil {
		cfg, err := buildTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = cfg
	}

	if opts.Proxy != nil {
		u, err := buildProxyURL(opts.Proxy)
		if err != nil {
			return nil, err
		}
		s.proxyURL = u
	}

	return s, nil
}

// TLSConfig returns the client TLS configuration, or nil when TLS was not
// requested. Callers share the returned value; it must not be mutated.
func (s *Settings) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// ProxyFunc returns the proxy selector for outbound relay connections.
// Without explicit proxy options the process environment decides, as for
// any Go HTTP client.
func (s *Settings) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if s.proxyURL != nil {
		return http.ProxyURL(s.proxyURL)
	}
	return http.ProxyFromEnvironment
}

func buildTLSConfig(opts *TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: parseCiphers(opts.Ciphers),
	}

	var roots *x509.CertPool
	if opts.CALocation != "" {
		pool, err := loadRoots(opts.CALocation)
		if err != nil {
			return nil, err
		}
		roots = pool
		cfg.RootCAs = pool
	}

	switch {
	case opts.AcceptUnknownCertificate:
		cfg.InsecureSkipVerify = true
	case opts.ExtendedVerification:
		// Full verification: chain and host name.
	default:
		// Verify the chain but not the host name. crypto/tls offers no
		// direct switch for this, so verification moves into a callback.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = chainOnlyVerifier(roots)
	}

	return cfg, nil
}

// chainOnlyVerifier validates the peer chain against roots (or the system
// pool when roots is nil) without enforcing a host name.
func chainOnlyVerifier(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("relay presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing relay certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		verifyRoots := roots
		if verifyRoots == nil {
			pool, err := x509.SystemCertPool()
			if err != nil {
				return fmt.Errorf("loading system trust roots: %w", err)
			}
			verifyRoots = pool
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         verifyRoots,
			Intermediates: intermediates,
		})
		return err
	}
}

// parseCiphers maps a comma- or colon-separated list of IANA suite names to
// cipher suite IDs. Unknown names are logged and skipped; an empty result
// keeps the Go defaults.
func parseCiphers(list string) []uint16 {
	if list == "" {
		return nil
	}

	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ':' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[strings.ToUpper(name)]
		if !ok {
			slog.Warn("ignoring unknown cipher suite", "name", name)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// loadRoots builds a certificate pool from a PEM file or a directory of
// PEM files.
func loadRoots(location string) (*x509.CertPool, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("tls.caLocation: %w", err)
	}

	paths := []string{location}
	if info.IsDir() {
		entries, err := os.ReadDir(location)
		if err != nil {
			return nil, fmt.Errorf("tls.caLocation: %w", err)
		}
		paths = paths[:0]
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".pem", ".crt", ".cer":
				paths = append(paths, filepath.Join(location, e.Name()))
			}
		}
	}

	pool := x509.NewCertPool()
	loaded := false
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate %s: %w", p, err)
		}
		if pool.AppendCertsFromPEM(data) {
			loaded = true
		}
	}
	if !loaded {
		return nil, fmt.Errorf("no usable CA certificates at %s", location)
	}
	return pool, nil
}

func buildProxyURL(opts *ProxyOptions) (*url.URL, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("http.proxy.host is required when proxying is enabled")
	}
	port := opts.Port
	if port == 0 {
		port = 80
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("http.proxy.port %d out of range", port)
	}

	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(opts.Host, strconv.Itoa(port)),
	}
	if opts.Username != "" {
		u.User = url.UserPassword(opts.Username, opts.Password)
	}
	return u, nil
}
