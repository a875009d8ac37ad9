package tlsutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/c360/edgegate/errors"
)

// Challenge types
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

const (
	certFileName    = "certificate.pem"
	keyFileName     = "certificate.key"
	accountFileName = "account.json"
	accountKeyName  = "account.key"
)

// ACMEConfig replaces cert_file/key_file with a certificate issued by an
// ACME directory and renewed in the background.
type ACMEConfig struct {
	Enabled       bool          `json:"enabled"`
	DirectoryURL  string        `json:"directory_url,omitempty"`
	Email         string        `json:"email,omitempty"`
	Domains       []string      `json:"domains,omitempty"`
	ChallengeType string        `json:"challenge_type,omitempty"`
	RenewBefore   time.Duration `json:"renew_before,omitempty"`
	CheckInterval time.Duration `json:"check_interval,omitempty"`
	StoragePath   string        `json:"storage_path,omitempty"`
	// CABundle is trusted when talking to a private directory
	CABundle string `json:"ca_bundle,omitempty"`
}

// Validate checks required fields and fills defaults: http-01, renewal 30
// days before expiry, checked every 12 hours.
func (c *ACMEConfig) Validate() error {
	switch {
	case c.DirectoryURL == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "ACMEConfig", "Validate", "directory_url is required")
	case c.Email == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "ACMEConfig", "Validate", "email is required")
	case len(c.Domains) == 0:
		return errors.WrapInvalid(errors.ErrMissingConfig, "ACMEConfig", "Validate", "at least one domain is required")
	case c.StoragePath == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "ACMEConfig", "Validate", "storage_path is required")
	}

	switch c.ChallengeType {
	case "":
		c.ChallengeType = ChallengeHTTP01
	case ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: challenge_type %q, want %s or %s", errors.ErrInvalidConfig, c.ChallengeType, ChallengeHTTP01, ChallengeTLSALPN01),
			"ACMEConfig", "Validate", "check challenge type")
	}

	if c.RenewBefore <= 0 {
		c.RenewBefore = 30 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 12 * time.Hour
	}
	return nil
}

// Bundle is a PEM certificate chain and its private key
type Bundle struct {
	Certificate []byte
	PrivateKey  []byte
}

// Issuer obtains and renews certificates
type Issuer interface {
	Obtain(ctx context.Context, domains []string) (*Bundle, error)
	Renew(ctx context.Context, domain string, current Bundle) (*Bundle, error)
}

// CertManager holds the listener certificate, persists it under the storage
// path and swaps in renewals without a restart.
type CertManager struct {
	cfg    ACMEConfig
	issuer Issuer
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[tls.Certificate]
	expiry  atomic.Int64
}

// NewACMEManager builds a CertManager backed by lego. Nothing is sent to
// the directory until a certificate is actually needed.
func NewACMEManager(cfg ACMEConfig, logger *slog.Logger) (*CertManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewCertManager(cfg, &legoIssuer{cfg: cfg}, logger)
}

// NewCertManager builds a CertManager around any Issuer
func NewCertManager(cfg ACMEConfig, issuer Issuer, logger *slog.Logger) (*CertManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "CertManager", "NewCertManager", "create storage directory")
	}
	return &CertManager{
		cfg:    cfg,
		issuer: issuer,
		logger: logger.With("component", "acme", "domains", cfg.Domains),
		now:    time.Now,
	}, nil
}

// Load makes a certificate available: the stored one if present, renewed
// when inside the renewal window, otherwise a freshly obtained one.
func (m *CertManager) Load(ctx context.Context) error {
	stored, err := m.readStored()
	if err != nil {
		return err
	}
	if stored == nil {
		m.logger.Info("Obtaining certificate")
		issued, err := m.issuer.Obtain(ctx, m.cfg.Domains)
		if err != nil {
			return errors.WrapTransient(err, "CertManager", "Load", "obtain certificate")
		}
		return m.install(*issued)
	}
	if err := m.install(*stored); err != nil {
		return err
	}
	_, err = m.Refresh(ctx)
	return err
}

// Refresh renews the certificate when it is inside the renewal window and
// reports whether it did.
func (m *CertManager) Refresh(ctx context.Context) (bool, error) {
	if !m.due() {
		return false, nil
	}
	stored, err := m.readStored()
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, errors.WrapFatal(fs.ErrNotExist, "CertManager", "Refresh", "read stored certificate")
	}

	m.logger.Info("Renewing certificate", "not_after", m.NotAfter())
	renewed, err := m.issuer.Renew(ctx, m.cfg.Domains[0], *stored)
	if err != nil {
		return false, errors.WrapTransient(err, "CertManager", "Refresh", "renew certificate")
	}
	if err := m.install(*renewed); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks for renewal every CheckInterval until ctx is done. Failures
// are logged; the current certificate keeps serving.
func (m *CertManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := m.Refresh(ctx)
			if err != nil {
				m.logger.Warn("Certificate renewal failed", "error", err, "not_after", m.NotAfter())
				continue
			}
			if renewed {
				m.logger.Info("Certificate renewed", "not_after", m.NotAfter())
			}
		}
	}
}

// GetCertificate is a tls.Config hook serving the current certificate
func (m *CertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.current.Load()
	if cert == nil {
		return nil, stderrors.New("no certificate loaded")
	}
	return cert, nil
}

// Apply points tlsConfig at the managed certificate
func (m *CertManager) Apply(tlsConfig *tls.Config) {
	tlsConfig.Certificates = nil
	tlsConfig.GetCertificate = m.GetCertificate
}

// NotAfter is the expiry of the current certificate, zero before Load
func (m *CertManager) NotAfter() time.Time {
	if v := m.expiry.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

func (m *CertManager) due() bool {
	notAfter := m.NotAfter()
	return notAfter.IsZero() || !m.now().Before(notAfter.Add(-m.cfg.RenewBefore))
}

// install parses b, writes it to storage and makes it current
func (m *CertManager) install(b Bundle) error {
	cert, err := tls.X509KeyPair(b.Certificate, b.PrivateKey)
	if err != nil {
		return errors.WrapFatal(err, "CertManager", "install", "parse certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return errors.WrapFatal(err, "CertManager", "install", "parse leaf")
	}
	cert.Leaf = leaf

	if err := os.WriteFile(m.path(certFileName), b.Certificate, 0o644); err != nil {
		return errors.WrapFatal(err, "CertManager", "install", "write certificate")
	}
	if err := os.WriteFile(m.path(keyFileName), b.PrivateKey, 0o600); err != nil {
		return errors.WrapFatal(err, "CertManager", "install", "write private key")
	}

	m.current.Store(&cert)
	m.expiry.Store(leaf.NotAfter.UnixNano())
	return nil
}

// readStored returns nil, nil when nothing has been stored yet
func (m *CertManager) readStored() (*Bundle, error) {
	certPEM, err := os.ReadFile(m.path(certFileName))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "CertManager", "readStored", "read certificate")
	}
	keyPEM, err := os.ReadFile(m.path(keyFileName))
	if err != nil {
		return nil, errors.WrapFatal(err, "CertManager", "readStored", "read private key")
	}
	return &Bundle{Certificate: certPEM, PrivateKey: keyPEM}, nil
}

func (m *CertManager) path(name string) string {
	return filepath.Join(m.cfg.StoragePath, name)
}

// acmeAccount is the registration.User lego signs requests with
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.Email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// legoIssuer registers the account and builds the lego client on first use
type legoIssuer struct {
	cfg ACMEConfig

	mu     sync.Mutex
	client *lego.Client
}

func (l *legoIssuer) Obtain(_ context.Context, domains []string) (*Bundle, error) {
	client, err := l.legoClient()
	if err != nil {
		return nil, err
	}
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{Domains: domains, Bundle: true})
	if err != nil {
		return nil, err
	}
	return &Bundle{Certificate: res.Certificate, PrivateKey: res.PrivateKey}, nil
}

func (l *legoIssuer) Renew(_ context.Context, domain string, current Bundle) (*Bundle, error) {
	client, err := l.legoClient()
	if err != nil {
		return nil, err
	}
	res, err := client.Certificate.RenewWithOptions(certificate.Resource{
		Domain:      domain,
		Certificate: current.Certificate,
		PrivateKey:  current.PrivateKey,
	}, &certificate.RenewOptions{Bundle: true})
	if err != nil {
		return nil, err
	}
	return &Bundle{Certificate: res.Certificate, PrivateKey: res.PrivateKey}, nil
}

func (l *legoIssuer) legoClient() (*lego.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}

	account, err := l.loadAccount()
	if err != nil {
		return nil, err
	}

	cfg := lego.NewConfig(account)
	cfg.CADirURL = l.cfg.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.EC256
	if l.cfg.CABundle != "" {
		clientTLS, err := LoadClientConfig(ClientConfig{CAFiles: []string{l.cfg.CABundle}})
		if err != nil {
			return nil, err
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: clientTLS},
		}
	}

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "legoIssuer", "legoClient", "create ACME client")
	}

	if l.cfg.ChallengeType == ChallengeTLSALPN01 {
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	} else {
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "legoIssuer", "legoClient", "set challenge provider")
	}

	if account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, errors.WrapTransient(err, "legoIssuer", "legoClient", "register account")
		}
		account.Registration = reg
		if err := l.saveAccount(account); err != nil {
			return nil, err
		}
	}

	l.client = client
	return client, nil
}

// loadAccount reads the stored account or generates a new P-256 key
func (l *legoIssuer) loadAccount() (*acmeAccount, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.StoragePath, accountFileName))
	if stderrors.Is(err, fs.ErrNotExist) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.WrapFatal(err, "legoIssuer", "loadAccount", "generate account key")
		}
		return &acmeAccount{Email: l.cfg.Email, key: key}, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "legoIssuer", "loadAccount", "read account")
	}

	var account acmeAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, errors.WrapFatal(err, "legoIssuer", "loadAccount", "decode account")
	}
	keyPEM, err := os.ReadFile(filepath.Join(l.cfg.StoragePath, accountKeyName))
	if err != nil {
		return nil, errors.WrapFatal(err, "legoIssuer", "loadAccount", "read account key")
	}
	if account.key, err = certcrypto.ParsePEMPrivateKey(keyPEM); err != nil {
		return nil, errors.WrapFatal(err, "legoIssuer", "loadAccount", "parse account key")
	}
	return &account, nil
}

func (l *legoIssuer) saveAccount(account *acmeAccount) error {
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "legoIssuer", "saveAccount", "encode account")
	}
	if err := os.WriteFile(filepath.Join(l.cfg.StoragePath, accountFileName), data, 0o600); err != nil {
		return errors.WrapFatal(err, "legoIssuer", "saveAccount", "write account")
	}
	if err := os.WriteFile(filepath.Join(l.cfg.StoragePath, accountKeyName), certcrypto.PEMEncode(account.key), 0o600); err != nil {
		return errors.WrapFatal(err, "legoIssuer", "saveAccount", "write account key")
	}
	return nil
}
