package tlsutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIssuer struct {
	mock.Mock
}

func (m *mockIssuer) Obtain(ctx context.Context, domains []string) (*Bundle, error) {
	args := m.Called(ctx, domains)
	b, _ := args.Get(0).(*Bundle)
	return b, args.Error(1)
}

func (m *mockIssuer) Renew(ctx context.Context, domain string, current Bundle) (*Bundle, error) {
	args := m.Called(ctx, domain, current)
	b, _ := args.Get(0).(*Bundle)
	return b, args.Error(1)
}

func issueBundle(t *testing.T, domain string, notAfter time.Time) *Bundle {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return &Bundle{
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}

func acmeConfig(t *testing.T) ACMEConfig {
	return ACMEConfig{
		Enabled:      true,
		DirectoryURL: "https://acme.test/directory",
		Email:        "ops@example.com",
		Domains:      []string{"api.example.com"},
		StoragePath:  filepath.Join(t.TempDir(), "acme"),
		RenewBefore:  24 * time.Hour,
	}
}

func TestACMEConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ACMEConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ACMEConfig) {}},
		{name: "no directory", mutate: func(c *ACMEConfig) { c.DirectoryURL = "" }, wantErr: true},
		{name: "no email", mutate: func(c *ACMEConfig) { c.Email = "" }, wantErr: true},
		{name: "no domains", mutate: func(c *ACMEConfig) { c.Domains = nil }, wantErr: true},
		{name: "no storage", mutate: func(c *ACMEConfig) { c.StoragePath = "" }, wantErr: true},
		{name: "tls-alpn", mutate: func(c *ACMEConfig) { c.ChallengeType = ChallengeTLSALPN01 }},
		{name: "dns challenge", mutate: func(c *ACMEConfig) { c.ChallengeType = "dns-01" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := acmeConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.ChallengeType)
			assert.True(t, cfg.CheckInterval > 0)
		})
	}
}

func TestCertManager_LoadObtainsAndPersists(t *testing.T) {
	cfg := acmeConfig(t)
	issued := issueBundle(t, "api.example.com", time.Now().Add(90*24*time.Hour))

	issuer := &mockIssuer{}
	issuer.On("Obtain", mock.Anything, cfg.Domains).Return(issued, nil).Once()

	m, err := NewCertManager(cfg, issuer, nil)
	require.NoError(t, err)
	require.NoError(t, m.Load(context.Background()))

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", cert.Leaf.Subject.CommonName)

	stored, err := os.ReadFile(filepath.Join(cfg.StoragePath, certFileName))
	require.NoError(t, err)
	assert.Equal(t, issued.Certificate, stored)

	// a second manager reuses the stored certificate without the issuer
	again := &mockIssuer{}
	m2, err := NewCertManager(cfg, again, nil)
	require.NoError(t, err)
	require.NoError(t, m2.Load(context.Background()))
	assert.WithinDuration(t, m.NotAfter(), m2.NotAfter(), time.Second)

	issuer.AssertExpectations(t)
	again.AssertNotCalled(t, "Obtain", mock.Anything, mock.Anything)
	again.AssertNotCalled(t, "Renew", mock.Anything, mock.Anything, mock.Anything)
}

func TestCertManager_Refresh(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		notAfter    time.Time
		renewErr    error
		wantRenewed bool
		wantErr     bool
	}{
		{name: "outside window", notAfter: now.Add(30 * 24 * time.Hour)},
		{name: "inside window", notAfter: now.Add(time.Hour), wantRenewed: true},
		{name: "renewal fails", notAfter: now.Add(time.Hour), renewErr: errors.New("directory unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := acmeConfig(t)
			initial := issueBundle(t, "api.example.com", tt.notAfter)
			renewed := issueBundle(t, "api.example.com", now.Add(90*24*time.Hour))

			issuer := &mockIssuer{}
			if tt.renewErr != nil {
				issuer.On("Renew", mock.Anything, "api.example.com", *initial).Return(nil, tt.renewErr)
			} else {
				issuer.On("Renew", mock.Anything, "api.example.com", *initial).Return(renewed, nil)
			}

			m, err := NewCertManager(cfg, issuer, nil)
			require.NoError(t, err)
			require.NoError(t, m.install(*initial))
			before := m.NotAfter()

			got, err := m.Refresh(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, before, m.NotAfter(), "failed renewal keeps the current certificate")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRenewed, got)
			if tt.wantRenewed {
				assert.True(t, m.NotAfter().After(before))
			} else {
				issuer.AssertNotCalled(t, "Renew", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestCertManager_NoCertificate(t *testing.T) {
	m, err := NewCertManager(acmeConfig(t), &mockIssuer{}, nil)
	require.NoError(t, err)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
	assert.True(t, m.NotAfter().IsZero())

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{{}}}
	m.Apply(tlsConfig)
	assert.Empty(t, tlsConfig.Certificates)
	assert.NotNil(t, tlsConfig.GetCertificate)
}

func TestCertManager_RunStopsOnCancel(t *testing.T) {
	cfg := acmeConfig(t)
	cfg.CheckInterval = time.Millisecond
	m, err := NewCertManager(cfg, &mockIssuer{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.install(*issueBundle(t, "api.example.com", time.Now().Add(90*24*time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoadServerConfig_ACME(t *testing.T) {
	cfg := ServerConfig{Enabled: true, ACME: acmeConfig(t)}
	tlsConfig, err := LoadServerConfig(cfg)
	require.NoError(t, err)
	assert.Empty(t, tlsConfig.Certificates, "certificate comes from the manager")
}
