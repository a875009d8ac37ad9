// Package tlsutil builds tls.Config values for the public listener and for
// upstream HTTP clients.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/c360/edgegate/errors"
)

// ServerConfig is TLS for the public listener
type ServerConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	ClientAuth ClientAuthConfig `json:"client_auth,omitempty"`
	// ACME, when enabled, supplies the certificate instead of CertFile/KeyFile
	ACME ACMEConfig `json:"acme,omitempty"`
}

// ClientAuthConfig enables mTLS on the listener
type ClientAuthConfig struct {
	Enabled bool     `json:"enabled"`
	CAFiles []string `json:"ca_files,omitempty"`
	// Require rejects handshakes without a client certificate
	Require    bool     `json:"require,omitempty"`
	AllowedCNs []string `json:"allowed_cns,omitempty"`
}

// ClientConfig is TLS for upstream HTTP calls. CAFiles are trusted in
// addition to the system pool.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
}

// IsZero reports whether no client TLS setting was given
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && !c.InsecureSkipVerify && c.MinVersion == "" && c.CertFile == ""
}

// LoadServerConfig returns nil when TLS is disabled
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: parseTLSVersion(cfg.MinVersion)}
	// with ACME the caller installs CertManager.GetCertificate
	if !cfg.ACME.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.ClientAuth.Enabled {
		if err := applyClientAuth(tlsConfig, cfg.ClientAuth); err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

func applyClientAuth(tlsConfig *tls.Config, cfg ClientAuthConfig) error {
	clientCAs := x509.NewCertPool()
	if err := appendPEMFiles(clientCAs, cfg.CAFiles); err != nil {
		return errors.WrapFatal(err, "tlsutil", "applyClientAuth", "load client CAs")
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.Require {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedCNs) > 0 {
		allowed := slices.Clone(cfg.AllowedCNs)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}
	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowedCNs, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// LoadClientConfig builds the upstream client TLS config
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: parseTLSVersion(cfg.MinVersion),
		// Operator opt-in for test upstreams
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("parse CA certificate from %s: invalid PEM data", file)
		}
	}
	return nil
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
